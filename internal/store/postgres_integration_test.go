package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := openTestDB(t)
	require.NoError(t, ApplyMigrations(context.Background(), db, filepath.Join("..", "..", "db", "migrations")))
	return NewPostgresStore(db, PostgresOptions{MaxBatchOps: 3, PollInterval: 20 * time.Millisecond, Logger: zerolog.Nop()})
}

func TestPostgresDocumentLifecycle(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetDocument(ctx, "contents/e1", change.Document{"projectId": "p1", "data": map[string]any{"name": "a"}}))
	require.NoError(t, s.UpdateDocument(ctx, "contents/e1", change.Document{"data": map[string]any{"w": 2}}))

	snap, err := s.GetDocument(ctx, "contents/e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "a", "w": float64(2)}, snap.Data["data"])

	require.NoError(t, s.DeleteDocument(ctx, "contents/e1"))
	_, err = s.GetDocument(ctx, "contents/e1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.CommitBatch(ctx, []Write{{Path: "contents/a"}, {Path: "contents/b"}}, []string{"contents/c", "contents/d"})
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestPostgresSubscribeCollection(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, s.SetDocument(ctx, "changes/old", change.Document{"projectId": "p1"}))
	ch, err := s.SubscribeCollection(ctx, Query{Collection: "changes", Field: "projectId", Value: "p1"})
	require.NoError(t, err)

	require.NoError(t, s.SetDocument(ctx, "changes/m1", change.Document{"projectId": "p1"}))

	select {
	case batch := <-ch:
		require.Len(t, batch, 1)
		assert.Equal(t, Added, batch[0].Type)
		assert.Equal(t, "changes/m1", batch[0].Doc.Path)
	case <-ctx.Done():
		t.Fatal("no change delivered")
	}
}
