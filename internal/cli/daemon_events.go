package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lherron/matchq/internal/api"
	"github.com/lherron/matchq/internal/content"
	"github.com/lherron/matchq/internal/events"
	"github.com/lherron/matchq/internal/matches"
	"github.com/lherron/matchq/internal/session"
	"github.com/lherron/matchq/internal/supervisor"
	"github.com/lherron/matchq/internal/webhooks"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// eventHub fans stream events out to websocket clients. A client that
// cannot keep up is disconnected.
type eventHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{logger: logger, clients: make(map[*wsClient]struct{})}
}

func (h *eventHub) broadcast(kind string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("encoding stream event", "kind", kind, "error", err)
		return
	}
	msg, err := json.Marshal(api.StreamEvent{Kind: kind, At: time.Now().UTC(), Data: raw})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping slow event stream client", "remote", c.conn.RemoteAddr().String())
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *eventHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *eventHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *eventHub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// serve pumps events to conn until the client goes away.
func (h *eventHub) serve(conn *websocket.Conn) {
	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	h.add(c)

	// reads only detect the close frame
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer conn.Close()
	for msg := range c.send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (s *daemonServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.serve(conn)
}

// subscribe wires every in-process notification into the event log, the
// websocket stream and the webhooks.
func (s *daemonServer) subscribe() {
	s.subs.Add(s.session.Subscribe(s.onSignal))
	s.subs.Add(s.registry.Subscribe(func(c matches.Change) {
		st := s.registry.Stats()
		s.metrics.SetMatches(st.Queued, st.Resolved)
		s.hub.broadcast(api.StreamMatches, map[string]any{
			"root":  c.Root,
			"files": c.Files,
			"stats": st,
		})
	}))
	s.subs.Add(s.resolver.Subscribe(func(c content.Changed) {
		s.hub.broadcast(api.StreamContent, c)
	}))
	s.subs.Add(s.coverage.Subscribe(func(files []matches.FileID) {
		s.hub.broadcast(api.StreamCoverage, map[string]any{"files": files})
	}))
	if s.process != nil {
		s.subs.Add(s.process.Subscribe(func(e supervisor.Event) {
			s.hub.broadcast(api.StreamProcess, e)
		}))
	}
}

func (s *daemonServer) onSignal(sig session.Signal) {
	if s.store != nil {
		err := s.store.Events.Record(events.Event{
			Type:      string(sig.Type),
			Migration: sig.Migration,
			Payload:   sig.Detail,
		})
		if err != nil {
			s.logger.Error("recording lifecycle event", "type", sig.Type, "error", err)
		}
	}
	s.hub.broadcast(api.StreamSignal, sig)
	if s.hooks.Enabled() {
		go s.hooks.Dispatch(context.Background(), webhooks.Payload{
			Event:     string(sig.Type),
			Migration: sig.Migration,
			At:        sig.At,
			Detail:    sig.Detail,
		})
	}
}
