// Package batch splits large write sets into commits that respect the
// store's per-commit operation limit.
package batch

import (
	"context"
	"fmt"

	"github.com/google/web-prototyping-tool-sub004/internal/store"
)

// Committer is the part of store.Store the writer needs.
type Committer interface {
	CommitBatch(ctx context.Context, writes []store.Write, deletes []string) error
	MaxBatchOps() int
}

type Writer struct {
	store Committer
}

func NewWriter(s Committer) *Writer {
	return &Writer{store: s}
}

// Range is the half-open operation range [Start, End) of one chunk.
type Range struct {
	Start int
	End   int
}

// Chunk splits n operations into consecutive ranges of at most limit.
func Chunk(n, limit int) []Range {
	if n <= 0 {
		return nil
	}
	if limit <= 0 {
		limit = n
	}
	ranges := make([]Range, 0, (n+limit-1)/limit)
	for start := 0; start < n; start += limit {
		ranges = append(ranges, Range{Start: start, End: min(start+limit, n)})
	}
	return ranges
}

// Write commits writes followed by deletes, drawing a chunk boundary every
// MaxBatchOps operations regardless of kind. Chunks are committed in order;
// the first failure stops the write and nothing is retried. It returns the
// number of chunks committed.
func (w *Writer) Write(ctx context.Context, writes []store.Write, deletes []string) (int, error) {
	ranges := Chunk(len(writes)+len(deletes), w.store.MaxBatchOps())
	committed := 0
	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		chunkWrites, chunkDeletes := split(writes, deletes, r)
		if err := w.store.CommitBatch(ctx, chunkWrites, chunkDeletes); err != nil {
			return committed, fmt.Errorf("commit chunk %d of %d: %w", i+1, len(ranges), err)
		}
		committed++
	}
	return committed, nil
}

func split(writes []store.Write, deletes []string, r Range) ([]store.Write, []string) {
	n := len(writes)
	var chunkWrites []store.Write
	var chunkDeletes []string
	if r.Start < n {
		chunkWrites = writes[r.Start:min(r.End, n)]
	}
	if r.End > n {
		chunkDeletes = deletes[max(r.Start-n, 0) : r.End-n]
	}
	return chunkWrites, chunkDeletes
}
