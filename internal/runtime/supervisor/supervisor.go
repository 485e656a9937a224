// Package supervisor manages named goroutines tied to a shared context,
// with panic recovery and timeout-aware graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"netgauge/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	wg sync.WaitGroup

	// Best-effort operational counters, not a synchronization primitive.
	started uint64
	active  int64

	doneOnce sync.Once
	doneCh   chan struct{}
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		doneCh: make(chan struct{}),
	}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Go runs fn under the supervisor. Panics are recovered and logged rather
// than taking the process down.
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	go func() {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("goroutine panicked",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
			atomic.AddInt64(&s.active, -1)
			s.log.Trace("goroutine stopped",
				logx.String("name", name),
				logx.Duration("ran", time.Since(start)))
			s.wg.Done()
		}()
		fn(s.ctx)
	}()
}

// GoPlain adapts Go to spawner interfaces that take a bare func. The spawned
// function is expected to observe cancellation through its own means.
func (s *Supervisor) GoPlain(name string, fn func()) {
	s.Go(name, func(context.Context) { fn() })
}

// Active reports how many supervised goroutines are currently running.
func (s *Supervisor) Active() int64 { return atomic.LoadInt64(&s.active) }

// Stop cancels the shared context and waits up to timeout for all
// supervised goroutines to exit.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.cancel()
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	if timeout <= 0 {
		<-s.doneCh
		return nil
	}
	select {
	case <-s.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("supervisor: %d goroutine(s) still running after %s", s.Active(), timeout)
	}
}
