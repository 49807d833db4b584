// Package peer broadcasts change requests directly to the other sessions
// editing the same project.
package peer

import (
	"context"
	"fmt"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

// Handler receives requests broadcast by other sessions.
type Handler func(req change.Request)

// Channel is one session's connection to its peers. A session never
// receives its own broadcasts.
type Channel interface {
	Broadcast(ctx context.Context, req change.Request) error
	// Join delivers peer requests for projectID to handler until ctx is
	// done. It returns once the subscription is live.
	Join(ctx context.Context, projectID string, handler Handler) error
}

type envelope struct {
	Sender  string `json:"sender"`
	Request []byte `json:"request"`
}

func encodeEnvelope(sender string, req change.Request) ([]byte, error) {
	body, err := change.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	data, err := change.Marshal(envelope{Sender: sender, Request: body})
	if err != nil {
		return nil, fmt.Errorf("encode peer envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (string, change.Request, error) {
	var env envelope
	if err := change.Unmarshal(data, &env); err != nil {
		return "", change.Request{}, fmt.Errorf("decode peer envelope: %w", err)
	}
	req, err := change.DecodeRequest(env.Request)
	if err != nil {
		return env.Sender, change.Request{}, err
	}
	return env.Sender, req, nil
}

func channelName(projectID string) string {
	return "peers:" + projectID
}
