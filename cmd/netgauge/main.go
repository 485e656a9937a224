package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netgauge/internal/config"
	"netgauge/internal/daemon"
	"netgauge/internal/engine"
	"netgauge/internal/engine/ookla"
	"netgauge/internal/notify"
	"netgauge/internal/runtime/supervisor"
	"netgauge/internal/server"
	"netgauge/pkg/logx"
)

func main() {
	var (
		cfgPath    string
		daemonMode bool
		jsonOut    bool
		timeout    time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "path to config file (json or yaml); optional for one-shot runs")
	flag.BoolVar(&daemonMode, "daemon", false, "run as a long-lived daemon (scheduled runs, control API)")
	flag.BoolVar(&jsonOut, "json", false, "print the one-shot result as JSON")
	flag.DurationVar(&timeout, "timeout", 0, "overall deadline for a one-shot run (0 = none)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bootLog := logx.NewConsole("info")

	cfg := &config.Config{}
	var mgr *config.Manager
	if cfgPath != "" {
		mgr = config.NewManager(cfgPath, bootLog)
		loaded, err := mgr.Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal: load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	log, err := logx.New(cfg.Logging.Build())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal: init logging:", err)
		os.Exit(1)
	}

	if daemonMode {
		if mgr == nil {
			fmt.Fprintln(os.Stderr, "fatal: -daemon requires -config")
			os.Exit(1)
		}
		if err := runDaemon(ctx, cfg, mgr, log); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	if err := runOnce(ctx, cfg, log, jsonOut, timeout); err != nil {
		if errors.Is(err, engine.ErrCancelled) {
			fmt.Fprintln(os.Stderr, "cancelled")
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// buildEngine constructs the configured backend. The supervisor may be nil
// for one-shot runs.
func buildEngine(cfg *config.Config, sup *supervisor.Supervisor, log logx.Logger) (engine.Engine, error) {
	if cfg.Engine.Backend == "ookla" {
		ocfg, err := cfg.Engine.OoklaConfig()
		if err != nil {
			return nil, err
		}
		return ookla.New(ocfg, ookla.WithLogger(log)), nil
	}
	ecfg, err := cfg.Engine.Native()
	if err != nil {
		return nil, err
	}
	opts := []engine.Option{engine.WithLogger(log)}
	if sup != nil {
		opts = append(opts, engine.WithSpawner(engine.SpawnerFunc(sup.GoPlain)))
	}
	return engine.New(ecfg, opts...)
}

func runOnce(ctx context.Context, cfg *config.Config, log logx.Logger, jsonOut bool, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	eng, err := buildEngine(cfg, nil, log)
	if err != nil {
		return err
	}

	res, err := eng.Run(ctx, func(p engine.Progress) {
		if jsonOut {
			return
		}
		live := ""
		if p.Live != nil {
			unit := "Mbps"
			if p.Phase == engine.PhasePing {
				unit = "ms"
			}
			live = fmt.Sprintf("  %7.2f %s", *p.Live, unit)
		}
		fmt.Printf("\r[%-8s] %5.1f%%%s\x1b[K", p.Phase, p.OverallPercent, live)
	})
	if err != nil {
		if !jsonOut {
			fmt.Println()
		}
		return err
	}
	if !jsonOut {
		fmt.Println()
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Printf("Download:    %8.2f Mbps\n", res.DownloadMbps)
	fmt.Printf("Upload:      %8.2f Mbps\n", res.UploadMbps)
	fmt.Printf("Ping:        %8.2f ms\n", res.PingMs)
	fmt.Printf("Jitter:      %8.2f ms\n", res.JitterMs)
	fmt.Printf("Packet loss: %8.2f %%\n", res.PacketLossPercent)
	fmt.Printf("Duration:    %8.1f s\n", res.Duration.Seconds())
	return nil
}

func runDaemon(ctx context.Context, cfg *config.Config, mgr *config.Manager, log logx.Logger) error {
	sup := supervisor.New(ctx, log)

	var notifier *notify.Notifier
	if cfg.Notifier.Enabled {
		var err error
		notifier, err = notify.New(notify.Config{
			Token:      cfg.Notifier.Token,
			ChatID:     cfg.Notifier.ChatID,
			RatePerMin: cfg.Notifier.RatePerMin,
		}, log)
		if err != nil {
			return err
		}
	}

	factory := func(c *config.Config, s *supervisor.Supervisor) (engine.Engine, error) {
		return buildEngine(c, s, log)
	}
	d := daemon.New(mgr, factory, notifier, sup, log)

	if cfg.Server.Enabled {
		// The gate serializes API-triggered runs against scheduled ones and
		// keeps cancellation pointed at the engine that started the run.
		srv := server.New(server.Config{
			Listen:         cfg.Server.Listen,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, d.Gate(), sup, log)
		srv.Start()
	}

	err := d.Run(ctx)
	if serr := sup.Stop(5 * time.Second); serr != nil {
		log.Warn("shutdown incomplete", logx.Err(serr))
	}
	return err
}
