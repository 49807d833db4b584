// Package coordinator owns the state of one open project session. It applies
// local edits immediately, fans them out to the remote store, the local
// cache and connected peers, and arbitrates incoming remote and peer
// changes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/google/web-prototyping-tool-sub004/internal/batch"
	"github.com/google/web-prototyping-tool-sub004/internal/cache"
	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/peer"
	"github.com/google/web-prototyping-tool-sub004/internal/queue"
	"github.com/google/web-prototyping-tool-sub004/internal/state"
	"github.com/google/web-prototyping-tool-sub004/internal/store"
	"github.com/google/web-prototyping-tool-sub004/internal/undo"
)

var ErrClosed = errors.New("coordinator closed")

// Origin says where an applied request came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginUndo   Origin = "undo"
	OriginRedo   Origin = "redo"
	OriginRemote Origin = "remote"
	OriginPeer   Origin = "peer"
)

type Event struct {
	Origin  Origin
	Request change.Request
	// Project is the state after the request was applied. It is only valid
	// during the observer call and must not be modified.
	Project *state.Project
}

// Observer is called under the apply lock after every applied request. It
// must not block or call back into the coordinator.
type Observer func(Event)

type Options struct {
	ProjectID string
	AuthorID  string
	SessionID string

	Store store.Store
	// Cache and Peers are optional.
	Cache cache.Cache
	Peers peer.Channel

	Classifier   state.Classifier
	RemoteWindow time.Duration
	LocalWindow  time.Duration
	UndoDepth    int
	ReadRetries  int
	RetryDelay   time.Duration
	// WarnUnsupported logs values dropped from dispatched payloads.
	WarnUnsupported bool

	Logger zerolog.Logger
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.RemoteWindow <= 0 {
		o.RemoteWindow = time.Second
	}
	if o.LocalWindow <= 0 {
		o.LocalWindow = 50 * time.Millisecond
	}
	if o.UndoDepth <= 0 {
		o.UndoDepth = undo.DefaultDepth
	}
	if o.ReadRetries < 0 {
		o.ReadRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Coordinator struct {
	opts   Options
	logger zerolog.Logger
	writer *batch.Writer

	mu         sync.Mutex
	project    *state.Project
	history    *undo.Manager
	processed  map[string]struct{}
	lastMarker change.Marker
	observers  map[int]Observer
	nextObs    int
	closed     bool

	// loading is set until the full remote load is applied. Deliveries
	// that arrive meanwhile wait in pending and are replayed on top of it.
	loading        bool
	pending        []pendingChange
	pendingProject *envelope

	remote *queue.Window[change.Request]
	local  *queue.Window[struct{}]
	// peers sends broadcasts one at a time in dispatch order.
	peers *queue.Window[change.Request]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open builds the session state: it restores the cached snapshot, starts
// the remote and peer subscriptions, then applies the full remote load.
func Open(ctx context.Context, opts Options) (*Coordinator, error) {
	if opts.ProjectID == "" {
		return nil, change.ErrMissingProject
	}
	if opts.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	opts.defaults()

	c := &Coordinator{
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "coordinator").Str("project", opts.ProjectID).Logger(),
		writer:    batch.NewWriter(opts.Store),
		project:   state.New(opts.ProjectID, opts.Classifier),
		history:   undo.NewManager(opts.UndoDepth),
		processed: make(map[string]struct{}),
		observers: make(map[int]Observer),
		loading:   true,
	}
	c.restoreCache(ctx)

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.remote = queue.New(subCtx, opts.RemoteWindow, queue.KeepAll, c.flushRemote)
	if opts.Cache != nil {
		c.local = queue.New(subCtx, opts.LocalWindow, queue.KeepLatest, c.flushLocal)
	}
	if opts.Peers != nil {
		c.peers = queue.New(subCtx, 0, queue.KeepAll, c.flushPeers)
	}
	if err := c.subscribe(subCtx); err != nil {
		c.abort(ctx)
		return nil, err
	}
	if err := c.loadRemote(ctx); err != nil {
		c.abort(ctx)
		return nil, err
	}
	c.pushLocal()
	return c, nil
}

func (c *Coordinator) abort(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	_ = c.remote.Close(ctx)
	if c.local != nil {
		_ = c.local.Close(ctx)
	}
	if c.peers != nil {
		_ = c.peers.Close(ctx)
	}
	c.wg.Wait()
}

func (c *Coordinator) restoreCache(ctx context.Context) {
	if c.opts.Cache == nil {
		return
	}
	snap, err := c.opts.Cache.Get(ctx, c.opts.ProjectID)
	if errors.Is(err, cache.ErrMiss) {
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("local cache unavailable")
		return
	}
	if snap.ProjectID != c.opts.ProjectID {
		return
	}
	c.project.Restore(snap)
	c.observeMarker(snap.ProjectMarker)
	for _, entries := range snap.Contents {
		for _, entry := range entries {
			c.observeMarker(entry.Marker)
		}
	}
	c.logger.Debug().Msg("restored local snapshot")
}

func (c *Coordinator) subscribe(ctx context.Context) error {
	changes, err := c.opts.Store.SubscribeCollection(ctx, store.Query{
		Collection: "changes",
		Field:      fieldProjectID,
		Value:      c.opts.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("subscribe change queue: %w", err)
	}
	projectDoc, err := c.opts.Store.SubscribeDocument(ctx, store.ProjectPath(c.opts.ProjectID))
	if err != nil {
		return fmt.Errorf("subscribe project: %w", err)
	}
	if c.opts.Peers != nil {
		if err := c.opts.Peers.Join(ctx, c.opts.ProjectID, func(req change.Request) {
			c.receive(OriginPeer, req)
		}); err != nil {
			return fmt.Errorf("join peers: %w", err)
		}
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for batch := range changes {
			for _, dc := range batch {
				if dc.Type == store.Added {
					c.receiveHeader(ctx, dc.Doc)
				}
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for snap := range projectDoc {
			c.receiveProject(snap)
		}
	}()
	return nil
}

func (c *Coordinator) loadRemote(ctx context.Context) error {
	projectSnap, err := store.GetWithRetry(ctx, c.opts.Store, store.ProjectPath(c.opts.ProjectID), c.opts.ReadRetries, c.opts.RetryDelay)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load project: %w", err)
	}
	contents, err := c.opts.Store.QueryCollection(ctx, store.Query{
		Collection: "contents",
		Field:      fieldProjectID,
		Value:      c.opts.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("load contents: %w", err)
	}
	entries, errs := loadEntries(c.opts.ProjectID, contents)
	for _, err := range errs {
		c.logger.Warn().Err(err).Msg("skipping malformed content document")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if projectSnap.Exists {
		env, err := decodeEnvelope(projectSnap.Data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed project document")
		} else {
			c.project.LoadProject(env.data, env.marker)
			c.observeMarker(env.marker)
		}
	}
	for _, kind := range change.ContentKinds {
		c.project.Load(kind, entries[kind])
		for _, entry := range entries[kind] {
			c.observeMarker(entry.Marker)
		}
	}
	c.logger.Info().Int("contents", len(contents)).Msg("project loaded")

	c.loading = false
	if env := c.pendingProject; env != nil {
		c.pendingProject = nil
		c.applyProjectLocked(*env)
	}
	pending := c.pending
	c.pending = nil
	for _, p := range pending {
		c.receiveLocked(p.origin, p.req)
	}
	return nil
}

type pendingChange struct {
	origin Origin
	req    change.Request
}

// Dispatch applies a local edit and queues it for the remote store, the
// local cache and peers. Undoable edits are recorded for undo first.
func (c *Coordinator) Dispatch(payload []change.Payload, undoable bool) (change.Request, error) {
	return c.DispatchAs(c.opts.AuthorID, payload, undoable)
}

// DispatchAs is Dispatch attributed to authorID instead of the session
// author. An empty authorID falls back to the session author.
func (c *Coordinator) DispatchAs(authorID string, payload []change.Payload, undoable bool) (change.Request, error) {
	if authorID == "" {
		authorID = c.opts.AuthorID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return change.Request{}, ErrClosed
	}
	if c.opts.WarnUnsupported {
		if paths := change.Unsupported(payload); len(paths) > 0 {
			c.logger.Warn().Strs("paths", paths).Msg("dropping unsupported values from change")
		}
	}
	req, err := change.NewRequest(c.opts.ProjectID, authorID, c.nextMarker(), payload)
	if err != nil {
		return change.Request{}, err
	}
	if req.Empty() {
		return req, nil
	}
	if undoable {
		c.history.Record(c.project, req.Payload)
	}
	c.applyLocal(OriginLocal, req)
	return req, nil
}

// Undo applies the most recent undo entry as a new, non-undoable change.
// It reports false when there is nothing to undo.
func (c *Coordinator) Undo() (change.Request, bool, error) {
	return c.replay(OriginUndo, c.history.Undo)
}

func (c *Coordinator) Redo() (change.Request, bool, error) {
	return c.replay(OriginRedo, c.history.Redo)
}

func (c *Coordinator) replay(origin Origin, pop func(undo.View) ([]change.Payload, bool)) (change.Request, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return change.Request{}, false, ErrClosed
	}
	payload, ok := pop(c.project)
	if !ok {
		return change.Request{}, false, nil
	}
	req, err := change.NewRequest(c.opts.ProjectID, c.opts.AuthorID, c.nextMarker(), payload)
	if err != nil {
		return change.Request{}, false, err
	}
	c.applyLocal(origin, req)
	return req, true, nil
}

// applyLocal runs with c.mu held.
func (c *Coordinator) applyLocal(origin Origin, req change.Request) {
	c.project.Apply(req)
	c.processed[req.Marker.ID] = struct{}{}
	c.notify(origin, req)

	if c.peers != nil {
		if err := c.peers.Push(req); err != nil {
			c.logger.Warn().Err(err).Str("change", req.Marker.ID).Msg("peer broadcast not queued")
		}
	}
	if err := c.remote.Push(req); err != nil {
		c.logger.Warn().Err(err).Str("change", req.Marker.ID).Msg("remote write not queued")
	}
	c.pushLocal()
}

func (c *Coordinator) pushLocal() {
	if c.local == nil {
		return
	}
	if err := c.local.Push(struct{}{}); err != nil && !errors.Is(err, queue.ErrClosed) {
		c.logger.Warn().Err(err).Msg("cache write not queued")
	}
}

// receive arbitrates a request from the remote change queue or a peer.
func (c *Coordinator) receive(origin Origin, req change.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || req.ProjectID != c.opts.ProjectID {
		return
	}
	if c.loading {
		c.pending = append(c.pending, pendingChange{origin: origin, req: req})
		return
	}
	c.receiveLocked(origin, req)
}

// receiveLocked runs with c.mu held. Only accepted changes are recorded as
// processed, so a rejected copy does not block a later one.
func (c *Coordinator) receiveLocked(origin Origin, req change.Request) {
	log := c.logger.With().Str("origin", string(origin)).Str("change", req.Marker.ID).Logger()
	if _, seen := c.processed[req.Marker.ID]; seen {
		log.Debug().Msg("dropping already processed change")
		return
	}
	if c.project.NewerThan(req) {
		log.Debug().Msg("rejecting change older than local state")
		return
	}
	c.project.Apply(req)
	c.processed[req.Marker.ID] = struct{}{}
	c.observeMarker(req.Marker)
	c.notify(origin, req)
	c.pushLocal()
}

func (c *Coordinator) receiveHeader(ctx context.Context, snap store.Snapshot) {
	header, err := decodeHeader(snap.Data)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", snap.Path).Msg("skipping malformed change header")
		return
	}
	c.mu.Lock()
	_, seen := c.processed[header.marker.ID]
	c.mu.Unlock()
	if seen {
		return
	}
	parts, err := c.opts.Store.QueryCollection(ctx, store.Query{Collection: store.ChangePartsCollection(header.marker.ID)})
	if err != nil {
		c.logger.Warn().Err(err).Str("change", header.marker.ID).Msg("reading change parts failed")
		return
	}
	req, err := decodeChange(header, parts)
	if err != nil {
		c.logger.Warn().Err(err).Msg("skipping malformed change")
		return
	}
	c.receive(OriginRemote, req)
}

// receiveProject applies the remote project document when it is strictly
// newer than the held one.
func (c *Coordinator) receiveProject(snap store.Snapshot) {
	if !snap.Exists {
		return
	}
	env, err := decodeEnvelope(snap.Data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("skipping malformed project document")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.loading {
		if c.pendingProject == nil || env.marker.After(c.pendingProject.marker) {
			c.pendingProject = &env
		}
		return
	}
	c.applyProjectLocked(env)
}

func (c *Coordinator) applyProjectLocked(env envelope) {
	if !env.marker.After(c.project.Marker()) {
		return
	}
	req := change.Request{
		Marker:    env.marker,
		ProjectID: c.opts.ProjectID,
		Payload:   []change.Payload{change.Set(change.KindProject, c.opts.ProjectID, env.data)},
	}
	c.project.Apply(req)
	c.observeMarker(env.marker)
	c.notify(OriginRemote, req)
	c.pushLocal()
}

// nextMarker returns a marker newer than every marker this session has
// seen, so a local edit always wins over state it was made on top of.
func (c *Coordinator) nextMarker() change.Marker {
	marker := change.NewMarker(c.opts.Now())
	if !marker.After(c.lastMarker) {
		marker = change.NewMarker(c.lastMarker.Time().Add(time.Millisecond))
	}
	c.lastMarker = marker
	return marker
}

func (c *Coordinator) observeMarker(m change.Marker) {
	if m.After(c.lastMarker) {
		c.lastMarker = m
	}
}

// Subscribe registers an observer and returns a function removing it.
func (c *Coordinator) Subscribe(fn Observer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Coordinator) notify(origin Origin, req change.Request) {
	event := Event{Origin: origin, Request: req, Project: c.project}
	for _, fn := range c.observers {
		fn(event)
	}
}

// View runs fn with read access to the project state under the apply lock.
// fn must not keep references to the state or modify it.
func (c *Coordinator) View(fn func(p *state.Project)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.project)
}

func (c *Coordinator) Snapshot() state.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.project.Snapshot()
}

func (c *Coordinator) ProjectID() string {
	return c.opts.ProjectID
}

func (c *Coordinator) CanUndo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.CanUndo()
}

func (c *Coordinator) CanRedo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.CanRedo()
}

// Flush pushes buffered remote writes and the cache snapshot out now and
// waits for them.
func (c *Coordinator) Flush(ctx context.Context) error {
	if c.peers != nil {
		if err := c.peers.Flush(ctx); err != nil {
			return err
		}
	}
	if err := c.remote.Flush(ctx); err != nil {
		return err
	}
	if c.local != nil {
		return c.local.Flush(ctx)
	}
	return nil
}

// Close stops the subscriptions, flushes buffered writes best-effort and
// forgets processed ids and undo history.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	var err error
	if c.peers != nil {
		err = c.peers.Close(ctx)
	}
	err = errors.Join(err, c.remote.Close(ctx))
	if c.local != nil {
		err = errors.Join(err, c.local.Close(ctx))
	}
	c.wg.Wait()

	c.mu.Lock()
	clear(c.processed)
	c.history.Reset()
	clear(c.observers)
	c.mu.Unlock()
	return err
}
