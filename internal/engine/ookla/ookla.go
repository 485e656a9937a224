// Package ookla is an alternate measurement backend that delegates the
// actual transfers to speedtest.net infrastructure via speedtest-go, exposed
// behind the same Engine interface as the native tester so the two can be
// swapped by configuration.
package ookla

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"netgauge/internal/engine"
	"netgauge/pkg/logx"
)

// Config controls a Runner.
type Config struct {
	// ServerCount is how many nearby servers are considered (default 5).
	ServerCount int
	// PingConcurrency caps concurrent candidate ping tests (default 4).
	PingConcurrency int

	// UserConfig passed to speedtest-go.
	SavingMode     bool
	MaxConnections int

	// PacketLoss toggles the extra loss probe after the transfer phases.
	PacketLoss        bool
	PacketLossTimeout time.Duration
}

// Runner executes speedtest.net measurements.
type Runner struct {
	cfg Config
	log logx.Logger

	mu        sync.Mutex
	cancelRun context.CancelFunc
}

var _ engine.Engine = (*Runner)(nil)

// Option customizes a Runner.
type Option func(*Runner)

func WithLogger(log logx.Logger) Option { return func(r *Runner) { r.log = log } }

// New constructs a Runner.
func New(cfg Config, opts ...Option) *Runner {
	r := &Runner{cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Cancel aborts the in-flight run, if any.
func (r *Runner) Cancel() {
	r.mu.Lock()
	if r.cancelRun != nil {
		r.cancelRun()
	}
	r.mu.Unlock()
}

// Run executes one measurement against the closest responsive speedtest.net
// server. Progress is coarse (phase boundaries only); the library does not
// expose incremental transfer deltas through its context API.
func (r *Runner) Run(ctx context.Context, onProgress engine.ProgressFunc) (*engine.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := r.cfg
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = 5
	}
	if cfg.PingConcurrency <= 0 {
		cfg.PingConcurrency = 4
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.PacketLossTimeout <= 0 {
		cfg.PacketLossTimeout = 3 * time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancelRun = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancelRun = nil
		r.mu.Unlock()
	}()

	var partial engine.Result
	emit := func(phase engine.Phase, pct float64, live *float64) {
		if onProgress != nil {
			onProgress(engine.Progress{Phase: phase, OverallPercent: pct, Partial: partial, Live: live})
		}
	}

	start := time.Now()

	// Avoid package-level speedtest helpers; the library can keep
	// package-level state across runs otherwise.
	client := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     cfg.SavingMode,
		MaxConnections: cfg.MaxConnections,
	}))
	client.SetNThread(cfg.MaxConnections)
	defer func() {
		client.Snapshots().Clean()
		client.Reset()
	}()

	emit(engine.PhasePing, 0, nil)

	server, err := r.pickServer(runCtx, client, cfg)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, engine.ErrCancelled
		}
		// No responsive server is an environmental failure; degrade to an
		// all-zero result the way the native samplers do.
		r.log.Warn("no responsive speedtest server", logx.Err(err))
		res := engine.Result{Timestamp: time.Now(), PacketLossPercent: 100, Duration: time.Since(start)}
		partial = res
		emit(engine.PhaseComplete, 100, nil)
		return &res, nil
	}

	partial.PingMs = millis(server.Latency)
	partial.JitterMs = millis(server.Jitter)
	emit(engine.PhasePing, 25, nil)
	r.log.Debug("server selected",
		logx.String("host", server.Host),
		logx.Duration("latency", server.Latency))

	emit(engine.PhaseDownload, 25, nil)
	if err := server.DownloadTestContext(runCtx); err != nil {
		if runCtx.Err() != nil {
			return nil, engine.ErrCancelled
		}
		r.log.Warn("download test failed", logx.Err(err))
	} else {
		partial.DownloadMbps = server.DLSpeed.Mbps()
	}
	emit(engine.PhaseDownload, 65, nil)

	emit(engine.PhaseUpload, 65, nil)
	if err := server.UploadTestContext(runCtx); err != nil {
		if runCtx.Err() != nil {
			return nil, engine.ErrCancelled
		}
		r.log.Warn("upload test failed", logx.Err(err))
	} else {
		partial.UploadMbps = server.ULSpeed.Mbps()
	}

	if cfg.PacketLoss {
		partial.PacketLossPercent = r.packetLoss(runCtx, server.Host, cfg.PacketLossTimeout)
		if runCtx.Err() != nil {
			return nil, engine.ErrCancelled
		}
	}

	partial.Timestamp = time.Now()
	partial.Duration = time.Since(start)
	res := partial
	emit(engine.PhaseComplete, 100, nil)
	return &res, nil
}

// millis keeps sub-millisecond precision; Duration.Milliseconds would
// truncate a 1.4ms ping to 1.
func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type pingOutcome struct {
	server *st.Server
	err    error
}

// pickServer pings the closest candidates concurrently and returns the one
// with the lowest latency.
func (r *Runner) pickServer(ctx context.Context, client *st.Speedtest, cfg Config) (*st.Server, error) {
	servers, err := client.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if len(servers) > cfg.ServerCount {
		servers = servers[:cfg.ServerCount]
	}

	sem := make(chan struct{}, cfg.PingConcurrency)
	out := make(chan pingOutcome, len(servers))
	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *st.Server) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				out <- pingOutcome{err: ctx.Err()}
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			out <- pingOutcome{server: s, err: s.PingTestContext(ctx, nil)}
		}(s)
	}
	wg.Wait()
	close(out)

	var best *st.Server
	for o := range out {
		if o.err != nil || o.server == nil || o.server.Latency <= 0 {
			continue
		}
		if best == nil || o.server.Latency < best.Latency {
			best = o.server
		}
	}
	if best == nil {
		return nil, fmt.Errorf("all candidate pings failed")
	}
	return best, nil
}

func (r *Runner) packetLoss(ctx context.Context, host string, timeout time.Duration) float64 {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return 0
	}
	plCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(plCtx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	return pl.LossPercent()
}
