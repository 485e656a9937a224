package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"netgauge/internal/engine"
	"netgauge/pkg/logx"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// wsFrame is one message on the progress stream.
type wsFrame struct {
	Type      string           `json:"type"` // progress | result | error
	SessionID string           `json:"session_id,omitempty"`
	Progress  *engine.Progress `json:"progress,omitempty"`
	Result    *engine.Result   `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type wsClient struct {
	send chan []byte
}

// hub fans frames out to connected WebSocket clients. Slow clients drop
// frames rather than stalling the engine's progress callback.
type hub struct {
	log     logx.Logger
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

func newHub(log logx.Logger) *hub {
	return &hub{log: log, clients: make(map[*wsClient]struct{})}
}

func (h *hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) broadcast(f wsFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client is not keeping up; skip this frame for it.
		}
	}
	h.mu.Unlock()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser client.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.originAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{send: make(chan []byte, wsSendBuffer)}
	if !s.hub.register(client) {
		_ = conn.Close()
		return
	}
	s.log.Debug("ws client connected", logx.String("remote", r.RemoteAddr))

	// Send the current status immediately so late joiners are not blind
	// until the next progress event.
	if st := s.status(); st.Progress != nil || st.LastResult != nil {
		if data, err := json.Marshal(wsFrame{Type: "progress", SessionID: st.SessionID, Progress: st.Progress, Result: st.LastResult}); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}

	// Reader: only pong handling; incoming messages are ignored.
	s.sup.Go("server.ws.read", func(ctx context.Context) {
		defer func() {
			s.hub.unregister(client)
			_ = conn.Close()
		}()
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	// Writer: frames from the hub plus keepalive pings.
	s.sup.Go("server.ws.write", func(ctx context.Context) {
		ticker := time.NewTicker(wsPingPeriod)
		defer func() {
			ticker.Stop()
			_ = conn.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-client.send:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	})
}
