// Package daemon runs netgauge as a long-lived process: scheduled
// measurement runs, config hot reload, optional result notifications and
// systemd readiness/watchdog integration.
package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"netgauge/internal/config"
	"netgauge/internal/engine"
	"netgauge/internal/notify"
	"netgauge/internal/runtime/supervisor"
	"netgauge/internal/schedule"
	"netgauge/pkg/logx"
)

// ErrBusy is returned by the gated engine while a measurement run is already
// in flight, whether the scheduler or the control API started it.
var ErrBusy = errors.New("measurement run already in progress")

// EngineFactory builds a measurement engine from config; invoked once at
// start and again after each config reload so endpoint and backend changes
// take effect without a restart.
type EngineFactory func(cfg *config.Config, sup *supervisor.Supervisor) (engine.Engine, error)

type Daemon struct {
	log      logx.Logger
	sup      *supervisor.Supervisor
	mgr      *config.Manager
	newEng   EngineFactory
	notifier *notify.Notifier // nil when notifications are disabled

	mu      sync.Mutex
	eng     engine.Engine
	cronSvc *cron.Cron
	stopInt context.CancelFunc // stops an interval loop, if armed
	running bool
	active  engine.Engine // engine that started the current run
}

func New(mgr *config.Manager, newEng EngineFactory, notifier *notify.Notifier, sup *supervisor.Supervisor, log logx.Logger) *Daemon {
	return &Daemon{log: log, sup: sup, mgr: mgr, newEng: newEng, notifier: notifier}
}

// acquireRun claims the single run slot. It pins the engine instance for the
// whole run, so a config reload swapping d.eng mid-run cannot orphan it.
func (d *Daemon) acquireRun() (engine.Engine, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eng == nil {
		return nil, nil, errors.New("engine not ready")
	}
	if d.running {
		return nil, nil, ErrBusy
	}
	d.running = true
	d.active = d.eng
	release := func() {
		d.mu.Lock()
		d.running = false
		d.active = nil
		d.mu.Unlock()
	}
	return d.active, release, nil
}

// gate funnels every run surface through the daemon's single run slot.
// Cancel is routed to the engine that started the run, not the current one.
type gate struct{ d *Daemon }

func (g gate) Run(ctx context.Context, onProgress engine.ProgressFunc) (*engine.Result, error) {
	eng, release, err := g.d.acquireRun()
	if err != nil {
		return nil, err
	}
	defer release()
	return eng.Run(ctx, onProgress)
}

func (g gate) Cancel() {
	g.d.mu.Lock()
	eng := g.d.active
	g.d.mu.Unlock()
	if eng != nil {
		eng.Cancel()
	}
}

// Gate returns the engine facade the control server must use: it serializes
// runs against scheduled ones and keeps cancellation working across config
// reloads.
func (d *Daemon) Gate() engine.Engine { return gate{d} }

// Run blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.mgr.Get()

	eng, err := d.newEng(cfg, d.sup)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.eng = eng
	d.mu.Unlock()

	if err := d.arm(cfg); err != nil {
		return err
	}

	// Config hot reload: re-arm the schedule and rebuild the engine.
	sub := d.mgr.Subscribe(1)
	defer d.mgr.Unsubscribe(sub)
	d.sup.Go("daemon.config_reload", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				d.applyConfig(next)
			}
		}
	})

	d.sup.Go("daemon.config_watch", func(ctx context.Context) {
		_ = d.mgr.Watch(ctx)
	})

	d.notifySystemd(ctx)

	if cfg.Schedule.Enabled && cfg.Schedule.RunOnStart {
		d.triggerRun("startup")
	}

	<-ctx.Done()
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	d.disarm()
	return nil
}

// notifySystemd signals readiness and keeps the watchdog fed when one is
// configured for the unit.
func (d *Daemon) notifySystemd(ctx context.Context) {
	if sent, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		d.log.Debug("sd_notify unavailable", logx.Err(err))
	} else if sent {
		d.log.Debug("sd_notify: ready")
	}

	interval, err := sd.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	d.sup.Go("daemon.watchdog", func(ctx context.Context) {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
			}
		}
	})
}

func (d *Daemon) applyConfig(cfg *config.Config) {
	// Reject an unparseable schedule before touching the armed one, so a bad
	// reload never leaves the daemon unscheduled.
	var sched *schedule.Schedule
	if cfg.Schedule.Enabled {
		parsed, err := schedule.Parse(cfg.Schedule.Spec)
		if err != nil {
			d.log.Error("keeping previous schedule; reloaded spec invalid", logx.Err(err))
			return
		}
		sched = &parsed
	}

	eng, err := d.newEng(cfg, d.sup)
	if err != nil {
		// Manager validation should have caught this; keep the old engine.
		d.log.Error("engine rebuild failed after reload", logx.Err(err))
		return
	}
	d.mu.Lock()
	d.eng = eng
	d.mu.Unlock()

	d.disarm()
	if sched != nil {
		d.armParsed(cfg.Schedule.Spec, *sched)
	} else {
		d.log.Info("no schedule configured; waiting for API-triggered runs")
	}
}

// arm installs the configured schedule, if any.
func (d *Daemon) arm(cfg *config.Config) error {
	if !cfg.Schedule.Enabled {
		d.log.Info("no schedule configured; waiting for API-triggered runs")
		return nil
	}
	sched, err := schedule.Parse(cfg.Schedule.Spec)
	if err != nil {
		return err
	}
	d.armParsed(cfg.Schedule.Spec, sched)
	return nil
}

func (d *Daemon) armParsed(spec string, sched schedule.Schedule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch sched.Kind {
	case schedule.KindCron:
		c := cron.New()
		c.Schedule(sched.Cron, cron.FuncJob(func() { d.triggerRun("cron") }))
		c.Start()
		d.cronSvc = c
	case schedule.KindInterval:
		intCtx, cancel := context.WithCancel(context.Background())
		d.stopInt = cancel
		every := sched.Every
		d.sup.Go("daemon.interval", func(ctx context.Context) {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-intCtx.Done():
					return
				case <-ticker.C:
					d.triggerRun("interval")
				}
			}
		})
	}
	d.log.Info("schedule armed",
		logx.String("spec", spec),
		logx.String("kind", sched.Source))
}

func (d *Daemon) disarm() {
	d.mu.Lock()
	if d.cronSvc != nil {
		d.cronSvc.Stop()
		d.cronSvc = nil
	}
	if d.stopInt != nil {
		d.stopInt()
		d.stopInt = nil
	}
	d.mu.Unlock()
}

// triggerRun starts one measurement unless a run is already in flight on any
// surface; overlapping runs would measure each other.
func (d *Daemon) triggerRun(reason string) {
	eng, release, err := d.acquireRun()
	if err != nil {
		d.log.Warn("skipping scheduled run", logx.String("reason", reason), logx.Err(err))
		return
	}

	d.sup.Go("daemon.run", func(ctx context.Context) {
		defer release()

		d.log.Info("scheduled run starting", logx.String("reason", reason))
		res, err := eng.Run(ctx, nil)
		if err != nil {
			d.log.Warn("scheduled run failed", logx.Err(err))
			if d.notifier != nil {
				_ = d.notifier.Error(ctx, err)
			}
			return
		}
		if d.notifier != nil {
			_ = d.notifier.Result(ctx, res)
		}
	})
}
