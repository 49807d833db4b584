package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/google/web-prototyping-tool-sub004/internal/config"
	"github.com/google/web-prototyping-tool-sub004/internal/history"
	"github.com/google/web-prototyping-tool-sub004/internal/peer"
	"github.com/google/web-prototyping-tool-sub004/internal/search"
	"github.com/google/web-prototyping-tool-sub004/internal/store"
)

func newTestServer(t *testing.T, ping func(context.Context) error) (*Service, http.Handler) {
	t.Helper()
	return newTestServerWithStore(t, store.NewMemory(0), ping)
}

func newTestServerWithStore(t *testing.T, st store.Store, ping func(context.Context) error) (*Service, http.Handler) {
	t.Helper()
	hub := peer.NewHub()
	svc := New(config.Config{
		Env:          "test",
		RemoteWindow: time.Hour,
		LocalWindow:  time.Hour,
		UndoDepth:    10,
		ReadRetries:  1,
		RetryDelay:   time.Millisecond,
	}, Deps{
		Store:   st,
		Peers:   func(sessionID string) peer.Channel { return hub.Session(sessionID) },
		Search:  search.NewService(nil, nil, zerolog.Nop()),
		History: history.New(t.TempDir()),
		Ping:    ping,
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(func() { _ = svc.CloseAll(context.Background()) })
	return svc, NewHTTPServer(svc, "*", zerolog.Nop()).Handler()
}

func do(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Author-ID", "avery")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse %s %s response: %v", method, path, err)
		}
	}
	return rr, response
}

func elements(t *testing.T, state map[string]any) map[string]any {
	t.Helper()
	snapshot, _ := state["snapshot"].(map[string]any)
	contents, _ := snapshot["contents"].(map[string]any)
	out, _ := contents["element"].(map[string]any)
	return out
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestServer(t, nil)
	rr, response := do(t, handler, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if response["ok"] != true {
		t.Errorf("expected ok=true, got %v", response["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	_, handler := newTestServer(t, nil)
	rr, response := do(t, handler, http.MethodGet, "/api/ready", nil)
	if rr.Code != http.StatusOK || response["status"] != "ready" {
		t.Fatalf("expected ready, got %d %v", rr.Code, response)
	}
	checks, _ := response["checks"].(map[string]any)
	if searchCheck, _ := checks["search"].(map[string]any); searchCheck["status"] != "degraded" {
		t.Errorf("expected degraded search without backends, got %v", checks["search"])
	}

	_, failing := newTestServer(t, func(context.Context) error { return errors.New("connection refused") })
	rr, response = do(t, failing, http.MethodGet, "/api/ready", nil)
	if rr.Code != http.StatusServiceUnavailable || response["ok"] != false {
		t.Fatalf("expected 503 not ready, got %d %v", rr.Code, response)
	}
}

func TestProjectLifecycle(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rr, opened := do(t, handler, http.MethodPost, "/api/projects/p1/open", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d %v", rr.Code, opened)
	}
	if opened["author"] != "avery" || opened["sessionId"] == "" {
		t.Fatalf("unexpected open response: %v", opened)
	}
	if _, again := do(t, handler, http.MethodPost, "/api/projects/p1/open", nil); again["sessionId"] != opened["sessionId"] {
		t.Fatalf("reopen started a new session: %v", again)
	}

	rr, response := do(t, handler, http.MethodPost, "/api/projects/p1/changes", map[string]any{
		"payload": []map[string]any{{
			"kind": "element",
			"sets": map[string]any{"b1": map[string]any{"type": "board", "name": "Home"}},
		}},
	})
	if rr.Code != http.StatusOK || response["applied"] != true {
		t.Fatalf("changes: expected applied, got %d %v", rr.Code, response)
	}

	rr, version := do(t, handler, http.MethodPost, "/api/projects/p1/versions", map[string]any{"message": "Home board"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("save version: expected 201, got %d %v", rr.Code, version)
	}
	if rr, _ := do(t, handler, http.MethodPost, "/api/projects/p1/versions", map[string]any{"message": "again"}); rr.Code != http.StatusConflict {
		t.Fatalf("unchanged save: expected 409, got %d", rr.Code)
	}

	do(t, handler, http.MethodPost, "/api/projects/p1/changes", map[string]any{
		"payload": []map[string]any{{"kind": "element", "updates": map[string]any{"b1": map[string]any{"name": "Landing"}}}},
	})

	_, state := do(t, handler, http.MethodGet, "/api/projects/p1/state", nil)
	board, _ := elements(t, state)["b1"].(map[string]any)
	if data, _ := board["data"].(map[string]any); data["name"] != "Landing" {
		t.Fatalf("expected renamed board, got %v", board)
	}
	if state["canUndo"] != true || state["canRedo"] != false {
		t.Fatalf("unexpected undo flags: %v", state)
	}
	if boards, _ := state["boards"].([]any); len(boards) != 1 || boards[0] != "b1" {
		t.Fatalf("unexpected boards: %v", state["boards"])
	}

	if rr, _ := do(t, handler, http.MethodPost, "/api/projects/p1/undo", nil); rr.Code != http.StatusOK {
		t.Fatalf("undo: expected 200, got %d", rr.Code)
	}
	_, state = do(t, handler, http.MethodGet, "/api/projects/p1/state", nil)
	board, _ = elements(t, state)["b1"].(map[string]any)
	if data, _ := board["data"].(map[string]any); data["name"] != "Home" {
		t.Fatalf("undo did not restore name: %v", board)
	}
	if rr, _ := do(t, handler, http.MethodPost, "/api/projects/p1/redo", nil); rr.Code != http.StatusOK {
		t.Fatalf("redo: expected 200, got %d", rr.Code)
	}

	_, listed := do(t, handler, http.MethodGet, "/api/projects/p1/versions", nil)
	versions, _ := listed["versions"].([]any)
	if len(versions) != 1 {
		t.Fatalf("expected one version, got %v", listed)
	}
	hash := version["hash"].(string)
	rr, restored := do(t, handler, http.MethodPost, "/api/projects/p1/versions/"+hash+"/restore", nil)
	if rr.Code != http.StatusOK || restored["applied"] != true {
		t.Fatalf("restore: expected applied, got %d %v", rr.Code, restored)
	}
	_, state = do(t, handler, http.MethodGet, "/api/projects/p1/state", nil)
	board, _ = elements(t, state)["b1"].(map[string]any)
	if data, _ := board["data"].(map[string]any); data["name"] != "Home" {
		t.Fatalf("restore did not bring back saved name: %v", board)
	}

	if rr, _ := do(t, handler, http.MethodPost, "/api/projects/p1/close", nil); rr.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d", rr.Code)
	}
	if rr, _ := do(t, handler, http.MethodGet, "/api/projects/p1/state", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("state after close: expected 404, got %d", rr.Code)
	}
}

func TestProjectErrors(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rr, response := do(t, handler, http.MethodPost, "/api/projects/missing/changes", map[string]any{"payload": []any{}})
	if rr.Code != http.StatusNotFound || response["code"] != "PROJECT_NOT_OPEN" {
		t.Fatalf("expected PROJECT_NOT_OPEN, got %d %v", rr.Code, response)
	}

	do(t, handler, http.MethodPost, "/api/projects/p1/open", nil)

	rr, response = do(t, handler, http.MethodPost, "/api/projects/p1/changes", map[string]any{
		"payload": []map[string]any{{"kind": "widget", "deletes": []string{"x"}}},
	})
	if rr.Code != http.StatusUnprocessableEntity || response["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422, got %d %v", rr.Code, response)
	}

	rr, response = do(t, handler, http.MethodPost, "/api/projects/p1/undo", nil)
	if rr.Code != http.StatusConflict || response["code"] != "NOTHING_TO_UNDO" {
		t.Fatalf("expected NOTHING_TO_UNDO, got %d %v", rr.Code, response)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/changes", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}

	if rr, _ := do(t, handler, http.MethodDelete, "/api/projects/p1/state", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr, _ := do(t, handler, http.MethodGet, "/api/unknown", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSearchWithoutBackends(t *testing.T) {
	_, handler := newTestServer(t, nil)
	rr, response := do(t, handler, http.MethodGet, "/api/projects/p1/search?q=home", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if results, _ := response["results"].([]any); len(results) != 0 || response["query"] != "home" {
		t.Fatalf("unexpected search response: %v", response)
	}
}

func TestEventsStreamAppliedChanges(t *testing.T) {
	svc, handler := newTestServer(t, nil)
	server := httptest.NewServer(handler)
	defer server.Close()

	if _, err := svc.Open(context.Background(), "p1", "avery"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/projects/p1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered before the upgrade completes.
	rr, _ := do(t, handler, http.MethodPost, "/api/projects/p1/changes", map[string]any{
		"payload": []map[string]any{{"kind": "asset", "sets": map[string]any{"a1": map[string]any{"name": "logo"}}}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("changes: expected 200, got %d", rr.Code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var message struct {
		Origin  string `json:"origin"`
		Request struct {
			ProjectID string `json:"projectId"`
			AuthorID  string `json:"authorId"`
		} `json:"request"`
	}
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if message.Origin != "local" || message.Request.ProjectID != "p1" || message.Request.AuthorID != "avery" {
		t.Fatalf("unexpected event: %+v", message)
	}

	if err := svc.Close(context.Background(), "p1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the stream to end after close")
	}
}

func TestChangesAreAttributedToCaller(t *testing.T) {
	_, handler := newTestServer(t, nil)
	do(t, handler, http.MethodPost, "/api/projects/p1/open", nil)

	raw := `{"payload":[{"kind":"asset","sets":{"a1":{"name":"logo"}}}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/changes", strings.NewReader(raw))
	req.Header.Set("X-Author-ID", "blake")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var response struct {
		Request struct {
			AuthorID string `json:"authorId"`
		} `json:"request"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.Request.AuthorID != "blake" {
		t.Fatalf("expected change by blake, got %q", response.Request.AuthorID)
	}
}

// slowStore blocks the project read of one project until release closes.
type slowStore struct {
	*store.Memory
	project string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) GetDocument(ctx context.Context, path string) (store.Snapshot, error) {
	if path == store.ProjectPath(s.project) {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.Memory.GetDocument(ctx, path)
}

func TestOpenDoesNotBlockOtherProjects(t *testing.T) {
	st := &slowStore{Memory: store.NewMemory(0), project: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	svc, _ := newTestServerWithStore(t, st, nil)
	ctx := context.Background()

	if _, err := svc.Open(ctx, "p1", "avery"); err != nil {
		t.Fatalf("Open(p1) error = %v", err)
	}

	opened := make(chan error, 1)
	go func() {
		_, err := svc.Open(ctx, "slow", "avery")
		opened <- err
	}()
	<-st.entered

	stateDone := make(chan error, 1)
	go func() {
		_, err := svc.State("p1")
		stateDone <- err
	}()
	select {
	case err := <-stateDone:
		if err != nil {
			t.Fatalf("State(p1) error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("State(p1) blocked behind another project's open")
	}

	close(st.release)
	if err := <-opened; err != nil {
		t.Fatalf("Open(slow) error = %v", err)
	}
}

func TestConcurrentOpensShareOneSession(t *testing.T) {
	svc, _ := newTestServer(t, nil)
	ctx := context.Background()

	const callers = 8
	ids := make(chan string, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			sess, err := svc.Open(ctx, "p1", "avery")
			if err != nil {
				errs <- err
				return
			}
			ids <- sess.id
		}()
	}
	first := ""
	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			t.Fatalf("Open() error = %v", err)
		case id := <-ids:
			if first == "" {
				first = id
			} else if id != first {
				t.Fatalf("expected one session, got %s and %s", first, id)
			}
		}
	}
	state, err := svc.State("p1")
	if err != nil || state.SessionID != first {
		t.Fatalf("State() = %+v, %v; want session %s", state.SessionID, err, first)
	}
}
