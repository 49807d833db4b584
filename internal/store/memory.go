package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

// Memory is an in-process Store. It backs tests and single-node development
// runs without a database.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]memDoc
	seq    int64
	maxOps int

	nextSub  int
	docSubs  map[int]docSub
	collSubs map[int]collSub

	// CommitHook, when set, is called before every batch commit and may
	// fail it. Tests use it to inject failures.
	CommitHook func(writes []Write, deletes []string) error
}

type memDoc struct {
	data change.Document
	seq  int64
}

type docSub struct {
	path string
	feed *feed[Snapshot]
}

type collSub struct {
	query Query
	feed  *feed[[]DocChange]
}

func NewMemory(maxOps int) *Memory {
	if maxOps <= 0 {
		maxOps = DefaultMaxBatchOps
	}
	return &Memory{
		docs:     make(map[string]memDoc),
		maxOps:   maxOps,
		docSubs:  make(map[int]docSub),
		collSubs: make(map[int]collSub),
	}
}

func (m *Memory) MaxBatchOps() int {
	return m.maxOps
}

func (m *Memory) SetDocument(ctx context.Context, path string, data change.Document) error {
	return m.commit(ctx, []Write{{Path: path, Data: data}}, nil, false)
}

func (m *Memory) UpdateDocument(ctx context.Context, path string, patch change.Document) error {
	m.mu.Lock()
	_, ok := m.docs[path]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	return m.commit(ctx, []Write{{Path: path, Data: patch, Merge: true}}, nil, false)
}

func (m *Memory) DeleteDocument(ctx context.Context, path string) error {
	return m.commit(ctx, nil, []string{path}, false)
}

func (m *Memory) CommitBatch(ctx context.Context, writes []Write, deletes []string) error {
	return m.commit(ctx, writes, deletes, true)
}

func (m *Memory) commit(ctx context.Context, writes []Write, deletes []string, batch bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(writes)+len(deletes) > m.maxOps {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(writes)+len(deletes), m.maxOps)
	}
	for _, w := range writes {
		if err := validPath(w.Path); err != nil {
			return fmt.Errorf("%w: %q", err, w.Path)
		}
	}
	for _, path := range deletes {
		if err := validPath(path); err != nil {
			return fmt.Errorf("%w: %q", err, path)
		}
	}
	if batch && m.CommitHook != nil {
		if err := m.CommitHook(writes, deletes); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	seq := m.seq
	changed := make(map[string]DocChange)
	for _, w := range writes {
		prev, existed := m.docs[w.Path]
		var data change.Document
		if w.Merge && existed {
			data = change.Merge(change.Clone(prev.data), w.Data)
		} else if w.Merge {
			data = change.Merge(change.Document{}, w.Data)
		} else {
			data = change.Clone(w.Data)
		}
		m.docs[w.Path] = memDoc{data: data, seq: seq}
		kind := Added
		if existed {
			kind = Modified
		}
		if earlier, ok := changed[w.Path]; ok && earlier.Type == Added {
			kind = Added
		}
		changed[w.Path] = DocChange{Type: kind, Doc: Snapshot{Path: w.Path, Data: data, Exists: true, Seq: seq}}
	}
	for _, path := range deletes {
		prev, existed := m.docs[path]
		if !existed {
			continue
		}
		delete(m.docs, path)
		if earlier, ok := changed[path]; ok && earlier.Type == Added {
			delete(changed, path)
			continue
		}
		changed[path] = DocChange{Type: Removed, Doc: Snapshot{Path: path, Data: prev.data, Seq: seq}}
	}
	m.notifyLocked(changed)
	return nil
}

func (m *Memory) notifyLocked(changed map[string]DocChange) {
	if len(changed) == 0 {
		return
	}
	paths := make([]string, 0, len(changed))
	for path := range changed {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, sub := range m.docSubs {
		if c, ok := changed[sub.path]; ok {
			sub.feed.publish(copySnapshot(c.Doc))
		}
	}
	for _, sub := range m.collSubs {
		var batch []DocChange
		for _, path := range paths {
			c := changed[path]
			if sub.query.Matches(path, c.Doc.Data) {
				batch = append(batch, DocChange{Type: c.Type, Doc: copySnapshot(c.Doc)})
			}
		}
		if len(batch) > 0 {
			sub.feed.publish(batch)
		}
	}
}

func (m *Memory) GetDocument(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return Snapshot{Path: path}, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	return Snapshot{Path: path, Data: change.Clone(doc.data), Exists: true, Seq: doc.seq}, nil
}

func (m *Memory) QueryCollection(ctx context.Context, q Query) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for path, doc := range m.docs {
		if q.Matches(path, doc.data) {
			out = append(out, Snapshot{Path: path, Data: change.Clone(doc.data), Exists: true, Seq: doc.seq})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) SubscribeDocument(ctx context.Context, path string) (<-chan Snapshot, error) {
	if err := validPath(path); err != nil {
		return nil, fmt.Errorf("%w: %q", err, path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	f := newFeed[Snapshot](ctx, func() {
		m.mu.Lock()
		delete(m.docSubs, id)
		m.mu.Unlock()
	})
	m.docSubs[id] = docSub{path: path, feed: f}
	return f.out, nil
}

func (m *Memory) SubscribeCollection(ctx context.Context, q Query) (<-chan []DocChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	f := newFeed[[]DocChange](ctx, func() {
		m.mu.Lock()
		delete(m.collSubs, id)
		m.mu.Unlock()
	})
	m.collSubs[id] = collSub{query: q, feed: f}
	return f.out, nil
}

func copySnapshot(s Snapshot) Snapshot {
	s.Data = change.Clone(s.Data)
	return s
}
