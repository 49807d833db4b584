package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/google/web-prototyping-tool-sub004/internal/cache"
	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/config"
	"github.com/google/web-prototyping-tool-sub004/internal/coordinator"
	"github.com/google/web-prototyping-tool-sub004/internal/history"
	"github.com/google/web-prototyping-tool-sub004/internal/peer"
	"github.com/google/web-prototyping-tool-sub004/internal/search"
	"github.com/google/web-prototyping-tool-sub004/internal/state"
	"github.com/google/web-prototyping-tool-sub004/internal/store"
	"github.com/google/web-prototyping-tool-sub004/internal/util"
)

// PeerFactory returns the peer channel for one session.
type PeerFactory func(sessionID string) peer.Channel

type Deps struct {
	Store   store.Store
	Cache   cache.Cache
	Peers   PeerFactory
	Search  *search.Service
	History *history.Service
	// Ping checks the backing database for /api/ready.
	Ping   func(context.Context) error
	Logger zerolog.Logger
}

// Service hosts one coordinator session per open project.
type Service struct {
	cfg  config.Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*projectSession
}

type projectSession struct {
	id          string
	author      string
	coord       *coordinator.Coordinator
	events      *eventHub
	unsubscribe func()
}

// ProjectState is the response of GET /state.
type ProjectState struct {
	SessionID string         `json:"sessionId"`
	Author    string         `json:"author"`
	Loaded    bool           `json:"loaded"`
	CanUndo   bool           `json:"canUndo"`
	CanRedo   bool           `json:"canRedo"`
	Boards    []string       `json:"boards"`
	Snapshot  state.Snapshot `json:"snapshot"`
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*projectSession),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.deps.Ping == nil {
		return nil
	}
	return s.deps.Ping(ctx)
}

// Open starts a session for projectID, or returns the running one.
func (s *Service) Open(ctx context.Context, projectID, author string) (*projectSession, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "project id is required", nil)
	}
	if author == "" {
		author = "anonymous"
	}

	s.mu.Lock()
	sess, ok := s.sessions[projectID]
	s.mu.Unlock()
	if ok {
		return sess, nil
	}

	sessionID := util.NewID("session")
	opts := coordinator.Options{
		ProjectID:       projectID,
		AuthorID:        author,
		SessionID:       sessionID,
		Store:           s.deps.Store,
		Cache:           s.deps.Cache,
		RemoteWindow:    s.cfg.RemoteWindow,
		LocalWindow:     s.cfg.LocalWindow,
		UndoDepth:       s.cfg.UndoDepth,
		ReadRetries:     s.cfg.ReadRetries,
		RetryDelay:      s.cfg.RetryDelay,
		WarnUnsupported: !s.cfg.Production(),
		Logger:          s.deps.Logger.With().Str("session", sessionID).Logger(),
	}
	if s.deps.Peers != nil {
		opts.Peers = s.deps.Peers(sessionID)
	}
	coord, err := coordinator.Open(ctx, opts)
	if err != nil {
		return nil, err
	}

	sess = &projectSession{
		id:     sessionID,
		author: author,
		coord:  coord,
		events: newEventHub(),
	}
	sess.unsubscribe = coord.Subscribe(func(e coordinator.Event) {
		if s.deps.Search != nil {
			s.deps.Search.Index(search.Records(e.Request, e.Project))
		}
		sess.events.publish(e)
	})

	// Another caller may have opened the project while this one loaded.
	s.mu.Lock()
	if existing, ok := s.sessions[projectID]; ok {
		s.mu.Unlock()
		if err := s.closeSession(ctx, projectID, sess); err != nil {
			s.deps.Logger.Warn().Err(err).Str("project", projectID).Msg("closing duplicate session")
		}
		return existing, nil
	}
	s.sessions[projectID] = sess
	s.mu.Unlock()

	if s.deps.Search != nil {
		go s.deps.Search.ReindexProject(context.WithoutCancel(ctx), projectID)
	}
	s.deps.Logger.Info().Str("project", projectID).Str("session", sessionID).Msg("project opened")
	return sess, nil
}

// Close flushes and stops the session of projectID.
func (s *Service) Close(ctx context.Context, projectID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[projectID]
	delete(s.sessions, projectID)
	s.mu.Unlock()
	if !ok {
		return errNotOpen(projectID)
	}
	return s.closeSession(ctx, projectID, sess)
}

// CloseAll stops every session. Used during shutdown.
func (s *Service) CloseAll(ctx context.Context) error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*projectSession)
	s.mu.Unlock()

	var errs []error
	for projectID, sess := range sessions {
		errs = append(errs, s.closeSession(ctx, projectID, sess))
	}
	return errors.Join(errs...)
}

func (s *Service) closeSession(ctx context.Context, projectID string, sess *projectSession) error {
	sess.unsubscribe()
	err := sess.coord.Close(ctx)
	sess.events.close()
	s.deps.Logger.Info().Str("project", projectID).Str("session", sess.id).Msg("project closed")
	return err
}

func (s *Service) session(projectID string) (*projectSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[projectID]
	if !ok {
		return nil, errNotOpen(projectID)
	}
	return sess, nil
}

func (s *Service) State(projectID string) (ProjectState, error) {
	sess, err := s.session(projectID)
	if err != nil {
		return ProjectState{}, err
	}
	out := ProjectState{SessionID: sess.id, Author: sess.author}
	sess.coord.View(func(p *state.Project) {
		out.Loaded = p.Loaded()
		out.Boards = p.Boards()
		out.Snapshot = p.Snapshot()
	})
	out.CanUndo = sess.coord.CanUndo()
	out.CanRedo = sess.coord.CanRedo()
	return out, nil
}

// Dispatch applies payload attributed to author, or to the session author
// when author is empty.
func (s *Service) Dispatch(projectID, author string, payload []change.Payload, undoable bool) (change.Request, error) {
	sess, err := s.session(projectID)
	if err != nil {
		return change.Request{}, err
	}
	return sess.coord.DispatchAs(author, payload, undoable)
}

func (s *Service) Undo(projectID string) (change.Request, error) {
	sess, err := s.session(projectID)
	if err != nil {
		return change.Request{}, err
	}
	req, ok, err := sess.coord.Undo()
	if err != nil {
		return change.Request{}, err
	}
	if !ok {
		return change.Request{}, domainError(http.StatusConflict, "NOTHING_TO_UNDO", "Nothing to undo", nil)
	}
	return req, nil
}

func (s *Service) Redo(projectID string) (change.Request, error) {
	sess, err := s.session(projectID)
	if err != nil {
		return change.Request{}, err
	}
	req, ok, err := sess.coord.Redo()
	if err != nil {
		return change.Request{}, err
	}
	if !ok {
		return change.Request{}, domainError(http.StatusConflict, "NOTHING_TO_REDO", "Nothing to redo", nil)
	}
	return req, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.deps.Search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.deps.Search.Search(ctx, q)
}

func (s *Service) SaveVersion(projectID, author, message string) (history.Version, error) {
	if s.deps.History == nil {
		return history.Version{}, errHistoryUnavailable
	}
	sess, err := s.session(projectID)
	if err != nil {
		return history.Version{}, err
	}
	if author == "" {
		author = sess.author
	}
	return s.deps.History.Save(sess.coord.Snapshot(), author, message)
}

func (s *Service) ListVersions(projectID string, limit int) ([]history.Version, error) {
	if s.deps.History == nil {
		return nil, errHistoryUnavailable
	}
	return s.deps.History.List(projectID, limit)
}

// RestoreVersion dispatches one undoable change that brings the open
// project back to a saved version.
func (s *Service) RestoreVersion(projectID, author, hash string) (change.Request, error) {
	if s.deps.History == nil {
		return change.Request{}, errHistoryUnavailable
	}
	sess, err := s.session(projectID)
	if err != nil {
		return change.Request{}, err
	}
	content, _, err := s.deps.History.Get(projectID, hash)
	if err != nil {
		return change.Request{}, err
	}
	return sess.coord.DispatchAs(author, history.RestorePayload(sess.coord.Snapshot(), content), true)
}

// Events subscribes to applied changes of an open project.
func (s *Service) Events(projectID string) (<-chan []byte, func(), error) {
	sess, err := s.session(projectID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := sess.events.subscribe()
	return ch, cancel, nil
}

var errHistoryUnavailable = domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Version history not configured", nil)

func errNotOpen(projectID string) error {
	return domainError(http.StatusNotFound, "PROJECT_NOT_OPEN", "Project is not open", map[string]any{"projectId": projectID})
}
