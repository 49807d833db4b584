package coordinator

import (
	"context"
	"time"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/store"
)

type opKind int

const (
	opSet opKind = iota
	opMerge
	opDelete
)

// pathOps is the coalesced sequence of writes for one document path within
// a flush window.
type pathOps struct {
	kind   change.Kind
	id     string
	final  opKind
	writes []store.Write
}

// coalescer folds the requests of one window into one write per path,
// except merge chains, which stay ordered so delete sentinels survive.
type coalescer struct {
	projectID string
	order     []string
	paths     map[string]*pathOps
}

func newCoalescer(projectID string) *coalescer {
	return &coalescer{projectID: projectID, paths: make(map[string]*pathOps)}
}

func (c *coalescer) add(req change.Request) {
	for _, item := range req.Payload {
		for id, doc := range item.Sets {
			path, data := c.target(item.Kind, id, req.Marker, doc)
			c.set(item.Kind, id, path, data)
		}
		for id, patch := range item.Updates {
			path, data := c.target(item.Kind, id, req.Marker, patch)
			c.merge(item.Kind, id, path, data)
		}
		for _, id := range item.Deletes {
			path, _ := c.target(item.Kind, id, req.Marker, nil)
			c.remove(item.Kind, id, path)
		}
	}
}

func (c *coalescer) target(kind change.Kind, id string, marker change.Marker, data change.Document) (string, change.Document) {
	if kind == change.KindProject {
		return store.ProjectPath(c.projectID), projectEnvelope(c.projectID, marker, data)
	}
	return store.ContentPath(id), contentEnvelope(c.projectID, kind, marker, data)
}

func (c *coalescer) entry(kind change.Kind, id, path string) *pathOps {
	ops := c.paths[path]
	if ops == nil {
		ops = &pathOps{kind: kind, id: id}
		c.paths[path] = ops
		c.order = append(c.order, path)
	}
	return ops
}

func (c *coalescer) set(kind change.Kind, id, path string, data change.Document) {
	ops := c.entry(kind, id, path)
	ops.final = opSet
	ops.writes = []store.Write{{Path: path, Data: data}}
}

func (c *coalescer) merge(kind change.Kind, id, path string, data change.Document) {
	ops := c.entry(kind, id, path)
	switch {
	case len(ops.writes) == 0 && ops.final != opDelete:
		ops.final = opMerge
		ops.writes = []store.Write{{Path: path, Data: data, Merge: true}}
	case ops.final == opSet:
		ops.writes[0].Data = change.Merge(ops.writes[0].Data, data)
	case ops.final == opMerge:
		ops.writes = append(ops.writes, store.Write{Path: path, Data: data, Merge: true})
	}
}

func (c *coalescer) remove(kind change.Kind, id, path string) {
	ops := c.entry(kind, id, path)
	ops.final = opDelete
	ops.writes = nil
}

// flushRemote writes one window of local requests to the store: entity and
// project documents first, then each request's change queue parts and
// header. Failures are logged and the window is dropped.
func (c *Coordinator) flushRemote(ctx context.Context, reqs []change.Request) {
	co := newCoalescer(c.opts.ProjectID)
	for _, req := range reqs {
		co.add(req)
	}

	c.mu.Lock()
	var writes []store.Write
	var deletes []string
	for _, path := range co.order {
		ops := co.paths[path]
		switch ops.final {
		case opDelete:
			deletes = append(deletes, path)
		case opMerge:
			if _, ok := c.project.Lookup(ops.kind, ops.id); !ok {
				continue
			}
			writes = append(writes, ops.writes...)
		default:
			writes = append(writes, ops.writes...)
		}
	}
	c.mu.Unlock()

	for _, req := range reqs {
		writes = append(writes, encodeChange(req)...)
	}
	commits, err := c.writer.Write(ctx, writes, deletes)
	if err != nil {
		c.logger.Warn().Err(err).
			Int("requests", len(reqs)).
			Int("committed", commits).
			Msg("remote write failed")
		return
	}
	c.logger.Debug().
		Int("requests", len(reqs)).
		Int("writes", len(writes)).
		Int("deletes", len(deletes)).
		Int("commits", commits).
		Msg("remote write flushed")
}

// flushPeers broadcasts requests in the order they were dispatched.
func (c *Coordinator) flushPeers(ctx context.Context, reqs []change.Request) {
	for _, req := range reqs {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := c.opts.Peers.Broadcast(sendCtx, req); err != nil {
			c.logger.Warn().Err(err).Str("change", req.Marker.ID).Msg("peer broadcast failed")
		}
		cancel()
	}
}

// flushLocal persists the current state to the local cache.
func (c *Coordinator) flushLocal(ctx context.Context, _ []struct{}) {
	c.mu.Lock()
	snap := c.project.Snapshot()
	c.mu.Unlock()
	if err := c.opts.Cache.Set(ctx, c.opts.ProjectID, snap); err != nil {
		c.logger.Warn().Err(err).Msg("local cache write failed")
	}
}
