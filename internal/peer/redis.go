package peer

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

// Redis relays requests over Redis pub/sub, one channel per project.
type Redis struct {
	client  *redis.Client
	session string
	logger  zerolog.Logger
}

func NewRedis(client *redis.Client, sessionID string, logger zerolog.Logger) *Redis {
	return &Redis{
		client:  client,
		session: sessionID,
		logger:  logger.With().Str("component", "peer").Str("session", sessionID).Logger(),
	}
}

func (r *Redis) Broadcast(ctx context.Context, req change.Request) error {
	data, err := encodeEnvelope(r.session, req)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channelName(req.ProjectID), data).Err(); err != nil {
		return fmt.Errorf("publish change %s: %w", req.Marker.ID, err)
	}
	return nil
}

func (r *Redis) Join(ctx context.Context, projectID string, handler Handler) error {
	pubsub := r.client.Subscribe(ctx, channelName(projectID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channelName(projectID), err)
	}

	messages := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				sender, req, err := decodeEnvelope([]byte(msg.Payload))
				if err != nil {
					r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed peer message")
					continue
				}
				if sender == r.session {
					continue
				}
				handler(req)
			}
		}
	}()
	return nil
}
