package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"netgauge/pkg/logx"
)

func TestGoObservesStop(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), logx.Nop())

	var exited atomic.Bool
	sup.Go("test.worker", func(ctx context.Context) {
		<-ctx.Done()
		exited.Store(true)
	})

	if err := sup.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !exited.Load() {
		t.Fatal("worker did not observe cancellation")
	}
	if n := sup.Active(); n != 0 {
		t.Fatalf("Active = %d after Stop, want 0", n)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), logx.Nop())

	sup.Go("test.panics", func(ctx context.Context) {
		panic("boom")
	})

	// A panicking goroutine must still count as finished.
	if err := sup.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopTimeout(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), logx.Nop())

	release := make(chan struct{})
	defer close(release)
	sup.Go("test.stuck", func(ctx context.Context) {
		<-release
	})

	if err := sup.Stop(50 * time.Millisecond); err == nil {
		t.Fatal("expected timeout error for a goroutine ignoring cancellation")
	}
}

func TestGoPlain(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), logx.Nop())

	done := make(chan struct{})
	sup.GoPlain("test.plain", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("plain function never ran")
	}
	if err := sup.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
