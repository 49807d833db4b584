package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/store"
)

type recordingStore struct {
	*store.Memory
	sizes []int
}

func (r *recordingStore) CommitBatch(ctx context.Context, writes []store.Write, deletes []string) error {
	r.sizes = append(r.sizes, len(writes)+len(deletes))
	return r.Memory.CommitBatch(ctx, writes, deletes)
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk(0, 5))
	assert.Equal(t, []Range{{0, 5}}, Chunk(5, 5))
	assert.Equal(t, []Range{{0, 5}, {5, 10}, {10, 11}}, Chunk(11, 5))
	assert.Equal(t, []Range{{0, 3}}, Chunk(3, 0))
}

func TestWriteChunkBoundary(t *testing.T) {
	for _, tc := range []struct{ k, limit, commits int }{
		{k: 1, limit: 4, commits: 1},
		{k: 4, limit: 4, commits: 1},
		{k: 5, limit: 4, commits: 2},
		{k: 17, limit: 4, commits: 5},
	} {
		t.Run(fmt.Sprintf("%d_docs_limit_%d", tc.k, tc.limit), func(t *testing.T) {
			ctx := context.Background()
			writes := make([]store.Write, tc.k)
			for i := range writes {
				writes[i] = store.Write{Path: fmt.Sprintf("contents/e%d", i), Data: change.Document{"n": float64(i)}}
			}

			chunked := &recordingStore{Memory: store.NewMemory(tc.limit)}
			commits, err := NewWriter(chunked).Write(ctx, writes, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.commits, commits)
			assert.Len(t, chunked.sizes, tc.commits)
			for _, size := range chunked.sizes {
				assert.LessOrEqual(t, size, tc.limit)
			}

			individual := store.NewMemory(tc.limit)
			for _, w := range writes {
				require.NoError(t, individual.SetDocument(ctx, w.Path, w.Data))
			}
			want, err := individual.QueryCollection(ctx, store.Query{Collection: "contents"})
			require.NoError(t, err)
			got, err := chunked.QueryCollection(ctx, store.Query{Collection: "contents"})
			require.NoError(t, err)
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i].Path, got[i].Path)
				assert.Equal(t, want[i].Data, got[i].Data)
			}
		})
	}
}

func TestWriteMixesWritesAndDeletesAcrossBoundary(t *testing.T) {
	ctx := context.Background()
	s := &recordingStore{Memory: store.NewMemory(3)}
	require.NoError(t, s.Memory.CommitBatch(ctx, []store.Write{{Path: "contents/old1"}, {Path: "contents/old2"}}, nil))

	writes := []store.Write{{Path: "contents/a"}, {Path: "contents/b"}}
	commits, err := NewWriter(s).Write(ctx, writes, []string{"contents/old1", "contents/old2"})
	require.NoError(t, err)
	assert.Equal(t, 2, commits)
	assert.Equal(t, []int{3, 1}, s.sizes)

	snaps, err := s.QueryCollection(ctx, store.Query{Collection: "contents"})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "contents/a", snaps[0].Path)
	assert.Equal(t, "contents/b", snaps[1].Path)
}

func TestWriteStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(2)
	boom := errors.New("quota exceeded")
	calls := 0
	mem.CommitHook = func([]store.Write, []string) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}

	writes := []store.Write{{Path: "contents/a"}, {Path: "contents/b"}, {Path: "contents/c"}, {Path: "contents/d"}, {Path: "contents/e"}}
	commits, err := NewWriter(mem).Write(ctx, writes, nil)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "chunk 2 of 3")
	assert.Equal(t, 1, commits)
	assert.Equal(t, 2, calls)

	_, err = mem.GetDocument(ctx, "contents/e")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWriteNothing(t *testing.T) {
	commits, err := NewWriter(store.NewMemory(0)).Write(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, commits)
}
