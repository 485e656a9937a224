package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"netgauge/pkg/logx"
)

// Engine runs measurement sessions. Implementations must create fresh
// per-run state on every Run call; overlapping Run calls on one instance
// are caller misuse and are not guarded here.
type Engine interface {
	// Run executes one full session (ping, download, upload) and returns
	// the aggregated result. Network failures inside a phase degrade that
	// phase to zero; only cancellation (ErrCancelled) and programming
	// errors surface.
	Run(ctx context.Context, onProgress ProgressFunc) (*Result, error)
	// Cancel aborts the in-flight session, if any.
	Cancel()
}

// Tester is the native Engine implementation: sequential HTTP-based latency,
// download and upload sampling against configurable public endpoints.
type Tester struct {
	cfg    Config
	log    logx.Logger
	client *http.Client
	spawn  Spawner

	mu        sync.Mutex
	cancelRun context.CancelFunc

	// Sampler hooks; swapped out in tests.
	latency  func(ctx context.Context, s *session) error
	download func(ctx context.Context, s *session) error
	upload   func(ctx context.Context, s *session) error
}

var _ Engine = (*Tester)(nil)

// Option customizes a Tester.
type Option func(*Tester)

func WithLogger(log logx.Logger) Option { return func(t *Tester) { t.log = log } }

// WithHTTPClient replaces the internally built client. Used by tests and by
// callers that need interface binding or proxying.
func WithHTTPClient(c *http.Client) Option { return func(t *Tester) { t.client = c } }

// WithSpawner makes the engine start its internal goroutines through the
// provided spawner, enabling ownership under a supervisor.
func WithSpawner(s Spawner) Option { return func(t *Tester) { t.spawn = s } }

// New validates cfg, fills defaults and constructs a Tester.
func New(cfg Config, opts ...Option) (*Tester, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := &Tester{cfg: cfg}
	for _, o := range opts {
		o(t)
	}
	if t.client == nil {
		t.client = newHTTPClient(cfg)
	}
	t.latency = t.measureLatency
	t.download = t.measureDownload
	t.upload = t.measureUpload
	return t, nil
}

// Run executes one session. Each call owns a fresh cancellation scope and a
// fresh accumulator; nothing is shared between runs.
func (t *Tester) Run(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	t.cancelRun = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancelRun = nil
		t.mu.Unlock()
	}()

	s := newSession(onProgress, t.cfg.ProgressInterval, t.log)
	start := time.Now()
	t.log.Info("measurement session started",
		logx.Int("latency_samples", t.cfg.Latency.Samples),
		logx.Int("download_sizes", len(t.cfg.Download.Sizes)),
		logx.Int("upload_sizes", len(t.cfg.Upload.Sizes)))

	for _, phase := range []func(context.Context, *session) error{t.latency, t.download, t.upload} {
		if err := phase(runCtx, s); err != nil {
			t.log.Info("measurement session aborted", logx.Err(runError(err)))
			return nil, runError(err)
		}
	}

	res := s.snapshot()
	res.Timestamp = time.Now()
	res.Duration = time.Since(start)
	s.complete(res)

	t.log.Info("measurement session complete",
		logx.Float64("download_mbps", res.DownloadMbps),
		logx.Float64("upload_mbps", res.UploadMbps),
		logx.Float64("ping_ms", res.PingMs),
		logx.Float64("jitter_ms", res.JitterMs),
		logx.Float64("packet_loss_pct", res.PacketLossPercent),
		logx.Duration("took", res.Duration))
	return &res, nil
}

// Cancel aborts the current run, causing it to return ErrCancelled.
func (t *Tester) Cancel() {
	t.mu.Lock()
	if t.cancelRun != nil {
		t.cancelRun()
	}
	t.mu.Unlock()
}

func (t *Tester) goSpawn(name string, fn func()) {
	if t.spawn != nil {
		t.spawn.Go(name, fn)
		return
	}
	go fn()
}

// sleepCtx pauses between probes without outliving the session.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
