// Package server exposes the measurement engine over a small HTTP control
// API: start/cancel a run, poll status, or stream live progress frames over
// a WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"netgauge/internal/engine"
	"netgauge/internal/runtime/supervisor"
	"netgauge/pkg/logx"
)

// Config controls the control server.
type Config struct {
	Listen string
	// AllowedOrigins restricts browser WebSocket clients. Empty allows only
	// same-origin and non-browser clients.
	AllowedOrigins []string
}

// Server owns one engine and at most one in-flight measurement session.
type Server struct {
	cfg Config
	log logx.Logger
	eng engine.Engine
	sup *supervisor.Supervisor
	hub *hub

	httpSrv *http.Server

	mu         sync.Mutex
	running    bool
	sessionID  string
	lastEvent  *engine.Progress
	lastResult *engine.Result
	lastErr    string
}

func New(cfg Config, eng engine.Engine, sup *supervisor.Supervisor, log logx.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8090"
	}
	s := &Server{cfg: cfg, log: log, eng: eng, sup: sup}
	s.hub = newHub(log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/test/start", s.handleStart)
	mux.HandleFunc("POST /api/test/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/test/result", s.handleResult)
	mux.HandleFunc("GET /api/ws", s.handleWS)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the supervisor context is cancelled.
func (s *Server) Start() {
	s.sup.Go("server.listen", func(ctx context.Context) {
		s.log.Info("control server listening", logx.String("addr", s.cfg.Listen))
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control server failed", logx.Err(err))
		}
	})
	s.sup.Go("server.shutdown_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shCtx)
		s.hub.closeAll()
	})
}

type statusResponse struct {
	Running    bool             `json:"running"`
	SessionID  string           `json:"session_id,omitempty"`
	Phase      engine.Phase     `json:"phase"`
	Progress   *engine.Progress `json:"progress,omitempty"`
	LastResult *engine.Result   `json:"last_result,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
}

func (s *Server) status() statusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := statusResponse{
		Running:    s.running,
		SessionID:  s.sessionID,
		Phase:      engine.PhaseIdle,
		Progress:   s.lastEvent,
		LastResult: s.lastResult,
		LastError:  s.lastErr,
	}
	if s.lastEvent != nil {
		st.Phase = s.lastEvent.Phase
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.running {
		id := s.sessionID
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "test already running", "session_id": id})
		return
	}
	id := uuid.NewString()
	s.running = true
	s.sessionID = id
	s.lastEvent = nil
	s.lastErr = ""
	s.mu.Unlock()

	s.sup.Go("server.run."+id, func(ctx context.Context) { s.runSession(ctx, id) })
	s.log.Info("measurement run started", logx.String("session_id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) runSession(ctx context.Context, id string) {
	res, err := s.eng.Run(ctx, func(p engine.Progress) {
		cp := p
		s.mu.Lock()
		s.lastEvent = &cp
		s.mu.Unlock()
		s.hub.broadcast(wsFrame{Type: "progress", SessionID: id, Progress: &cp})
	})

	s.mu.Lock()
	s.running = false
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastResult = res
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("measurement run ended with error", logx.String("session_id", id), logx.Err(err))
		s.hub.broadcast(wsFrame{Type: "error", SessionID: id, Error: err.Error()})
		return
	}
	s.hub.broadcast(wsFrame{Type: "result", SessionID: id, Result: res})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	running := s.running
	id := s.sessionID
	s.mu.Unlock()
	if !running {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no test running"})
		return
	}
	s.eng.Cancel()
	s.log.Info("measurement run cancelled", logx.String("session_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	res := s.lastResult
	s.mu.Unlock()
	if res == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no result yet"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
