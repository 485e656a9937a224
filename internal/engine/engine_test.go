package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"netgauge/pkg/logx"
)

// newStubTester wires the three phase hooks to deterministic stand-ins so the
// controller can be exercised without any network traffic.
func newStubTester(t *testing.T) *Tester {
	t.Helper()
	tt, err := New(Config{ProgressInterval: time.Nanosecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tt.latency = func(ctx context.Context, s *session) error {
		s.enterPhase(PhasePing)
		s.setPartial(func(r *Result) {
			r.PingMs = 20
			r.JitterMs = 2
			r.PacketLossPercent = 0
		})
		s.advanceLive(0.5, 20)
		s.finishPhase()
		return nil
	}
	tt.download = func(ctx context.Context, s *session) error {
		s.enterPhase(PhaseDownload)
		s.setPartial(func(r *Result) { r.DownloadMbps = 100 })
		s.advanceLive(0.5, 100)
		s.finishPhase()
		return nil
	}
	tt.upload = func(ctx context.Context, s *session) error {
		s.enterPhase(PhaseUpload)
		s.setPartial(func(r *Result) { r.UploadMbps = 40 })
		s.advanceLive(0.5, 40)
		s.finishPhase()
		return nil
	}
	return tt
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()
	tt := newStubTester(t)

	var events []Progress
	res, err := tt.Run(context.Background(), func(p Progress) { events = append(events, p) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.DownloadMbps != 100 || res.UploadMbps != 40 ||
		res.PingMs != 20 || res.JitterMs != 2 || res.PacketLossPercent != 0 {
		t.Fatalf("result = %+v, want {download 100, upload 40, ping 20, jitter 2, loss 0}", res)
	}
	if res.Timestamp.IsZero() || res.Duration < 0 {
		t.Fatalf("timestamp/duration not populated: %+v", res)
	}

	// Phases appear in order, each exactly once.
	var order []Phase
	for _, e := range events {
		if len(order) == 0 || order[len(order)-1] != e.Phase {
			order = append(order, e.Phase)
		}
	}
	want := []Phase{PhasePing, PhaseDownload, PhaseUpload, PhaseComplete}
	if len(order) != len(want) {
		t.Fatalf("phase order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("phase order = %v, want %v", order, want)
		}
	}

	// Percent never decreases and the terminal event is exactly one
	// complete at 100.
	last := -1.0
	for i, e := range events {
		if e.OverallPercent < last {
			t.Fatalf("event %d percent %v below previous %v", i, e.OverallPercent, last)
		}
		last = e.OverallPercent
		if e.Phase == PhaseComplete && i != len(events)-1 {
			t.Fatalf("complete event at index %d, want it last", i)
		}
	}
	fin := events[len(events)-1]
	if fin.Phase != PhaseComplete || fin.OverallPercent != 100 {
		t.Fatalf("final event = %+v, want complete at 100", fin)
	}
	if fin.Partial.DownloadMbps != 100 || fin.Partial.UploadMbps != 40 {
		t.Fatalf("final event partial = %+v, want the full result", fin.Partial)
	}
}

func TestRunCancelMidDownload(t *testing.T) {
	t.Parallel()
	tt := newStubTester(t)
	tt.download = func(ctx context.Context, s *session) error {
		s.enterPhase(PhaseDownload)
		tt.Cancel()
		return ctx.Err()
	}

	var events []Progress
	res, err := tt.Run(context.Background(), func(p Progress) { events = append(events, p) })
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if res != nil {
		t.Fatalf("result = %+v, want nil on cancellation", res)
	}
	for _, e := range events {
		if e.Phase == PhaseUpload || e.Phase == PhaseComplete {
			t.Fatalf("event %+v emitted after cancellation", e)
		}
	}
}

func TestRunParentContextCancelled(t *testing.T) {
	t.Parallel()
	tt := newStubTester(t)
	tt.latency = func(ctx context.Context, s *session) error {
		s.enterPhase(PhasePing)
		return sleepCtx(ctx, time.Minute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := tt.Run(ctx, nil); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestRunFreshSessionPerRun(t *testing.T) {
	t.Parallel()
	tt := newStubTester(t)

	for i := 0; i < 2; i++ {
		var events []Progress
		res, err := tt.Run(context.Background(), func(p Progress) { events = append(events, p) })
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if res.DownloadMbps != 100 {
			t.Fatalf("run %d result = %+v", i, res)
		}
		if events[0].OverallPercent != 0 {
			t.Fatalf("run %d starts at %v, want a fresh session at 0", i, events[0].OverallPercent)
		}
	}
}

func TestRunNilProgressFunc(t *testing.T) {
	t.Parallel()
	tt := newStubTester(t)
	if _, err := tt.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run without observer: %v", err)
	}
}

func TestSessionThrottlesIntermediateEvents(t *testing.T) {
	t.Parallel()
	var events []Progress
	s := newSession(func(p Progress) { events = append(events, p) }, time.Hour, logx.Nop())

	s.enterPhase(PhasePing)
	for i := 0; i < 50; i++ {
		s.advance(float64(i) / 50)
	}
	s.finishPhase()

	// The limiter admits at most one intermediate event this soon; the two
	// boundary events are always forced through.
	if len(events) > 3 {
		t.Fatalf("got %d events, want boundary events plus at most one throttled emit", len(events))
	}
	if events[0].OverallPercent != 0 || events[len(events)-1].OverallPercent != 25 {
		t.Fatalf("boundary events missing: %+v", events)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"too few endpoints", Config{Latency: LatencyConfig{
			Endpoints: []string{"https://a.example/", "https://b.example/"},
		}}},
		{"single host", Config{Latency: LatencyConfig{
			Endpoints: []string{"https://a.example/x", "https://a.example/y", "https://a.example/z"},
		}}},
		{"bad scheme", Config{Latency: LatencyConfig{
			Endpoints: []string{"ftp://a.example/", "https://b.example/", "https://c.example/"},
		}}},
		{"template without size verb", Config{Download: DownloadConfig{
			URLTemplate: "https://speed.example/down",
		}}},
		{"template with two size verbs", Config{Download: DownloadConfig{
			URLTemplate: "https://speed.example/%d/%d",
		}}},
		{"negative download size", Config{Download: DownloadConfig{
			URLTemplate: "https://speed.example/down?bytes=%d",
			Sizes:       []int64{1000, -1},
		}}},
		{"bad upload url", Config{Upload: UploadConfig{URL: "://nope"}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.cfg); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()
	tt, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tt.cfg.Latency.Samples != 10 {
		t.Fatalf("Samples = %d, want 10", tt.cfg.Latency.Samples)
	}
	if tt.cfg.ProgressInterval != 150*time.Millisecond {
		t.Fatalf("ProgressInterval = %v, want 150ms", tt.cfg.ProgressInterval)
	}
	if len(tt.cfg.Download.Sizes) == 0 || len(tt.cfg.Upload.Sizes) == 0 {
		t.Fatal("default transfer sizes missing")
	}
}
