package peer

import (
	"context"
	"sync"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

// Hub connects sessions inside one process. Messages go through the same
// encoding as the Redis channel.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*hubSub
}

type hubSub struct {
	session string
	mu      sync.Mutex
	pending [][]byte
	signal  chan struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]*hubSub)}
}

// Session returns the Channel for one session.
func (h *Hub) Session(sessionID string) Channel {
	return &hubChannel{hub: h, session: sessionID}
}

type hubChannel struct {
	hub     *Hub
	session string
}

func (c *hubChannel) Broadcast(_ context.Context, req change.Request) error {
	data, err := encodeEnvelope(c.session, req)
	if err != nil {
		return err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	for _, sub := range c.hub.subs[req.ProjectID] {
		if sub.session == c.session {
			continue
		}
		sub.mu.Lock()
		sub.pending = append(sub.pending, data)
		sub.mu.Unlock()
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *hubChannel) Join(ctx context.Context, projectID string, handler Handler) error {
	sub := &hubSub{session: c.session, signal: make(chan struct{}, 1)}
	c.hub.mu.Lock()
	id := c.hub.nextID
	c.hub.nextID++
	if c.hub.subs[projectID] == nil {
		c.hub.subs[projectID] = make(map[int]*hubSub)
	}
	c.hub.subs[projectID][id] = sub
	c.hub.mu.Unlock()

	go func() {
		defer func() {
			c.hub.mu.Lock()
			delete(c.hub.subs[projectID], id)
			c.hub.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.signal:
			}
			sub.mu.Lock()
			batch := sub.pending
			sub.pending = nil
			sub.mu.Unlock()
			for _, data := range batch {
				_, req, err := decodeEnvelope(data)
				if err != nil {
					continue
				}
				handler(req)
			}
		}
	}()
	return nil
}
