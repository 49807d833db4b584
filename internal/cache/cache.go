// Package cache stores the latest full snapshot of each open project so a
// session can restore state before the remote store answers.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/state"
)

var ErrMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, projectID string) (state.Snapshot, error)
	Set(ctx context.Context, projectID string, snap state.Snapshot) error
	Delete(ctx context.Context, projectID string) error
	Close() error
}

func encodeSnapshot(snap state.Snapshot) ([]byte, error) {
	data, err := change.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (state.Snapshot, error) {
	var snap state.Snapshot
	if err := change.Unmarshal(data, &snap); err != nil {
		return state.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
