package app

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/coordinator"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventMessage is what websocket clients receive per applied request.
type eventMessage struct {
	Origin  coordinator.Origin `json:"origin"`
	Request change.Request     `json:"request"`
}

// eventHub fans applied requests out to websocket clients. publish runs
// under the coordinator lock so it never blocks: a client whose buffer
// is full is dropped.
type eventHub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	closed  bool
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[chan []byte]struct{})}
}

func (h *eventHub) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, sendBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.clients[ch] = struct{}{}
	return ch, func() { h.remove(ch) }
}

func (h *eventHub) remove(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *eventHub) publish(e coordinator.Event) {
	message, err := json.Marshal(eventMessage{Origin: e.Origin, Request: e.Request})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- message:
		default:
			delete(h.clients, ch)
			close(ch)
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

// serveEvents upgrades the request and streams events until either side
// goes away.
func serveEvents(w http.ResponseWriter, r *http.Request, events <-chan []byte, cancel func()) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		return err
	}
	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, events, done)
	cancel()
	return nil
}

// readPump discards client messages and keeps the pong deadline fresh.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, events <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case message, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
