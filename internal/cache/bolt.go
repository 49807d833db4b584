package cache

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/google/web-prototyping-tool-sub004/internal/state"
)

var snapshotBucket = []byte("snapshots")

// Bolt keeps snapshots in a local bbolt file, for single-node and offline
// runs.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(_ context.Context, projectID string) (state.Snapshot, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket(snapshotBucket).Get([]byte(projectID)); value != nil {
			data = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("read snapshot %s: %w", projectID, err)
	}
	if data == nil {
		return state.Snapshot{}, ErrMiss
	}
	return decodeSnapshot(data)
}

func (b *Bolt) Set(_ context.Context, projectID string, snap state.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(projectID), data)
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", projectID, err)
	}
	return nil
}

func (b *Bolt) Delete(_ context.Context, projectID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Delete([]byte(projectID))
	})
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", projectID, err)
	}
	return nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
