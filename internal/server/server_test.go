package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"netgauge/internal/engine"
	"netgauge/internal/runtime/supervisor"
	"netgauge/pkg/logx"
)

// stubEngine blocks until released or cancelled, so tests control exactly
// when a run finishes.
type stubEngine struct {
	release chan struct{}
	res     *engine.Result

	mu        sync.Mutex
	cancelled chan struct{}
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		release:   make(chan struct{}),
		cancelled: make(chan struct{}),
		res: &engine.Result{
			Timestamp:    time.Now(),
			DownloadMbps: 100,
			UploadMbps:   40,
			PingMs:       20,
			JitterMs:     2,
		},
	}
}

func (e *stubEngine) Run(ctx context.Context, onProgress engine.ProgressFunc) (*engine.Result, error) {
	if onProgress != nil {
		onProgress(engine.Progress{Phase: engine.PhasePing, OverallPercent: 0})
	}
	select {
	case <-e.release:
		return e.res, nil
	case <-e.cancelled:
		return nil, engine.ErrCancelled
	case <-ctx.Done():
		return nil, engine.ErrCancelled
	}
}

func (e *stubEngine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.cancelled:
	default:
		close(e.cancelled)
	}
}

func newTestServer(t *testing.T, eng engine.Engine, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	sup := supervisor.New(context.Background(), logx.Nop())
	t.Cleanup(func() { _ = sup.Stop(2 * time.Second) })

	s := New(cfg, eng, sup, logx.Nop())
	ts := httptest.NewServer(s.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStatusIdle(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, newStubEngine(), Config{})

	var st statusResponse
	if code := getJSON(t, ts.URL+"/api/status", &st); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if st.Running || st.Phase != engine.PhaseIdle {
		t.Fatalf("status = %+v, want idle", st)
	}
}

func TestStartRunAndResult(t *testing.T) {
	t.Parallel()
	eng := newStubEngine()
	_, ts := newTestServer(t, eng, Config{})

	var started map[string]string
	if code := postJSON(t, ts.URL+"/api/test/start", &started); code != http.StatusAccepted {
		t.Fatalf("start code = %d", code)
	}
	if started["session_id"] == "" {
		t.Fatal("start response missing session_id")
	}

	// A second start while running conflicts and names the running session.
	var conflict map[string]string
	if code := postJSON(t, ts.URL+"/api/test/start", &conflict); code != http.StatusConflict {
		t.Fatalf("second start code = %d, want 409", code)
	}
	if conflict["session_id"] != started["session_id"] {
		t.Fatalf("conflict session_id = %q, want %q", conflict["session_id"], started["session_id"])
	}

	waitFor(t, "progress to reach status", func() bool {
		var st statusResponse
		getJSON(t, ts.URL+"/api/status", &st)
		return st.Running && st.Phase == engine.PhasePing
	})

	close(eng.release)
	waitFor(t, "run to finish", func() bool {
		var st statusResponse
		getJSON(t, ts.URL+"/api/status", &st)
		return !st.Running && st.LastResult != nil
	})

	var res engine.Result
	if code := getJSON(t, ts.URL+"/api/test/result", &res); code != http.StatusOK {
		t.Fatalf("result code = %d", code)
	}
	if res.DownloadMbps != 100 || res.UploadMbps != 40 {
		t.Fatalf("result = %+v", res)
	}
}

func TestResultBeforeAnyRun(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, newStubEngine(), Config{})
	if code := getJSON(t, ts.URL+"/api/test/result", nil); code != http.StatusNotFound {
		t.Fatalf("result code = %d, want 404", code)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	eng := newStubEngine()
	_, ts := newTestServer(t, eng, Config{})

	// Cancelling with nothing running conflicts.
	if code := postJSON(t, ts.URL+"/api/test/cancel", nil); code != http.StatusConflict {
		t.Fatalf("idle cancel code = %d, want 409", code)
	}

	postJSON(t, ts.URL+"/api/test/start", nil)
	waitFor(t, "run to start", func() bool {
		var st statusResponse
		getJSON(t, ts.URL+"/api/status", &st)
		return st.Running
	})

	if code := postJSON(t, ts.URL+"/api/test/cancel", nil); code != http.StatusOK {
		t.Fatalf("cancel code = %d", code)
	}
	waitFor(t, "cancellation to land", func() bool {
		var st statusResponse
		getJSON(t, ts.URL+"/api/status", &st)
		return !st.Running && st.LastError != ""
	})
}

func TestWebSocketStream(t *testing.T) {
	t.Parallel()
	eng := newStubEngine()
	s, ts := newTestServer(t, eng, Config{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Frames broadcast before the hub registers the client are lost; hold
	// the run until registration lands.
	waitFor(t, "client registration", func() bool {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		return len(s.hub.clients) == 1
	})

	postJSON(t, ts.URL+"/api/test/start", nil)
	close(eng.release)

	var sawProgress bool
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v (progress seen: %v)", err, sawProgress)
		}
		switch f.Type {
		case "progress":
			sawProgress = true
		case "result":
			if f.Result == nil || f.Result.DownloadMbps != 100 {
				t.Fatalf("result frame = %+v", f)
			}
			if !sawProgress {
				t.Fatal("result arrived without any progress frame")
			}
			return
		case "error":
			t.Fatalf("unexpected error frame: %s", f.Error)
		}
	}
}

func TestWebSocketOriginRejected(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, newStubEngine(), Config{AllowedOrigins: []string{"http://ok.example"}})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	hdr := http.Header{"Origin": []string{"http://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, hdr); err == nil {
		t.Fatal("expected the handshake to be rejected")
	}

	hdr = http.Header{"Origin": []string{"http://ok.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}
