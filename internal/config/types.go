package config

import (
	"fmt"

	"netgauge/internal/engine"
	"netgauge/internal/engine/ookla"
	"netgauge/internal/schedule"
	"netgauge/pkg/logx"
)

// Config is the on-disk configuration. JSON and YAML are both accepted; all
// durations are Go duration strings (e.g. "500ms", "3s", "2m").
type Config struct {
	Logging  LoggingConfig  `json:"logging,omitempty"`
	Engine   EngineConfig   `json:"engine,omitempty"`
	Server   ServerConfig   `json:"server,omitempty"`
	Schedule ScheduleConfig `json:"schedule,omitempty"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
}

// LoggingConfig selects sinks and verbosity.
//
// Console is a pointer so "omitted" (default true) can be told apart from an
// explicit false.
type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

// Build converts to the logx config.
func (l LoggingConfig) Build() logx.Config {
	console := true
	if l.Console != nil {
		console = *l.Console
	}
	return logx.Config{Level: l.Level, Console: console, FilePath: l.File}
}

// EngineConfig selects and parameterizes the measurement backend.
type EngineConfig struct {
	// Backend is "native" (default) or "ookla".
	Backend string `json:"backend,omitempty"`

	Latency  LatencySection  `json:"latency,omitempty"`
	Download DownloadSection `json:"download,omitempty"`
	Upload   UploadSection   `json:"upload,omitempty"`

	// ProgressInterval rate-limits progress events (default "150ms").
	ProgressInterval string `json:"progress_interval,omitempty"`

	DisableHTTP2      bool `json:"disable_http2,omitempty"`
	DisableKeepAlives bool `json:"disable_keepalives,omitempty"`

	Ookla OoklaSection `json:"ookla,omitempty"`
}

type LatencySection struct {
	Endpoints []string `json:"endpoints,omitempty"`
	Samples   int      `json:"samples,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`
	Interval  string   `json:"interval,omitempty"`
}

type DownloadSection struct {
	URLTemplate      string  `json:"url_template,omitempty"`
	SizesBytes       []int64 `json:"sizes_bytes,omitempty"`
	MaxSaneMbps      float64 `json:"max_sane_mbps,omitempty"`
	GiveUpMbps       float64 `json:"give_up_mbps,omitempty"`
	GiveUpAfterBytes int64   `json:"give_up_after_bytes,omitempty"`
	Delay            string  `json:"delay,omitempty"`
	Timeout          string  `json:"timeout,omitempty"`
}

type UploadSection struct {
	URL              string  `json:"url,omitempty"`
	SizesBytes       []int64 `json:"sizes_bytes,omitempty"`
	Repeats          int     `json:"repeats,omitempty"`
	MaxSaneMbps      float64 `json:"max_sane_mbps,omitempty"`
	GiveUpMbps       float64 `json:"give_up_mbps,omitempty"`
	GiveUpAfterBytes int64   `json:"give_up_after_bytes,omitempty"`
	Delay            string  `json:"delay,omitempty"`
	Timeout          string  `json:"timeout,omitempty"`
}

type OoklaSection struct {
	ServerCount       int    `json:"server_count,omitempty"`
	PingConcurrency   int    `json:"ping_concurrency,omitempty"`
	SavingMode        bool   `json:"saving_mode,omitempty"`
	MaxConnections    int    `json:"max_connections,omitempty"`
	PacketLoss        bool   `json:"packet_loss,omitempty"`
	PacketLossTimeout string `json:"packet_loss_timeout,omitempty"`
}

// Native converts to the native engine config.
func (e EngineConfig) Native() (engine.Config, error) {
	latTimeout, err := parseDuration("engine.latency.timeout", e.Latency.Timeout)
	if err != nil {
		return engine.Config{}, err
	}
	latInterval, err := parseDuration("engine.latency.interval", e.Latency.Interval)
	if err != nil {
		return engine.Config{}, err
	}
	dlDelay, err := parseDuration("engine.download.delay", e.Download.Delay)
	if err != nil {
		return engine.Config{}, err
	}
	ulDelay, err := parseDuration("engine.upload.delay", e.Upload.Delay)
	if err != nil {
		return engine.Config{}, err
	}
	dlTimeout, err := parseDuration("engine.download.timeout", e.Download.Timeout)
	if err != nil {
		return engine.Config{}, err
	}
	ulTimeout, err := parseDuration("engine.upload.timeout", e.Upload.Timeout)
	if err != nil {
		return engine.Config{}, err
	}
	progress, err := parseDuration("engine.progress_interval", e.ProgressInterval)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Latency: engine.LatencyConfig{
			Endpoints: e.Latency.Endpoints,
			Samples:   e.Latency.Samples,
			Timeout:   latTimeout,
			Interval:  latInterval,
		},
		Download: engine.DownloadConfig{
			URLTemplate: e.Download.URLTemplate,
			Sizes:       e.Download.SizesBytes,
			MaxSaneMbps: e.Download.MaxSaneMbps,
			GiveUpMbps:  e.Download.GiveUpMbps,
			GiveUpAfter: e.Download.GiveUpAfterBytes,
			Delay:       dlDelay,
			Timeout:     dlTimeout,
		},
		Upload: engine.UploadConfig{
			URL:         e.Upload.URL,
			Sizes:       e.Upload.SizesBytes,
			Repeats:     e.Upload.Repeats,
			MaxSaneMbps: e.Upload.MaxSaneMbps,
			GiveUpMbps:  e.Upload.GiveUpMbps,
			GiveUpAfter: e.Upload.GiveUpAfterBytes,
			Delay:       ulDelay,
			Timeout:     ulTimeout,
		},
		ProgressInterval:  progress,
		DisableHTTP2:      e.DisableHTTP2,
		DisableKeepAlives: e.DisableKeepAlives,
	}, nil
}

// OoklaConfig converts to the speedtest.net backend config.
func (e EngineConfig) OoklaConfig() (ookla.Config, error) {
	plTimeout, err := parseDuration("engine.ookla.packet_loss_timeout", e.Ookla.PacketLossTimeout)
	if err != nil {
		return ookla.Config{}, err
	}
	return ookla.Config{
		ServerCount:       e.Ookla.ServerCount,
		PingConcurrency:   e.Ookla.PingConcurrency,
		SavingMode:        e.Ookla.SavingMode,
		MaxConnections:    e.Ookla.MaxConnections,
		PacketLoss:        e.Ookla.PacketLoss,
		PacketLossTimeout: plTimeout,
	}, nil
}

// ServerConfig controls the HTTP control API.
type ServerConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"`
	// AllowedOrigins restricts WebSocket origins; empty allows same-origin
	// and non-browser clients only.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// ScheduleConfig controls periodic runs in daemon mode. Spec is either a
// standard 5-field cron expression or a Go duration interval.
type ScheduleConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	Spec       string `json:"spec,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

// NotifierConfig controls Telegram delivery of completed results.
type NotifierConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
	// RatePerMin caps sends (default 6).
	RatePerMin int `json:"rate_per_min,omitempty"`
}

// Validate rejects configs that cannot produce a working process. It builds
// the backend configs for their side-effectful validation.
func (c *Config) Validate() error {
	switch c.Engine.Backend {
	case "", "native", "ookla":
	default:
		return fmt.Errorf("engine.backend: unknown backend %q", c.Engine.Backend)
	}
	ecfg, err := c.Engine.Native()
	if err != nil {
		return err
	}
	if _, err := engine.New(ecfg); err != nil {
		return err
	}
	if _, err := c.Engine.OoklaConfig(); err != nil {
		return err
	}
	if c.Schedule.Enabled {
		if c.Schedule.Spec == "" {
			return fmt.Errorf("schedule.spec: required when schedule is enabled")
		}
		if _, err := schedule.Parse(c.Schedule.Spec); err != nil {
			return fmt.Errorf("schedule.spec: %w", err)
		}
	}
	if c.Notifier.Enabled {
		if c.Notifier.Token == "" {
			return fmt.Errorf("notifier.token: required when notifier is enabled")
		}
		if c.Notifier.ChatID == 0 {
			return fmt.Errorf("notifier.chat_id: required when notifier is enabled")
		}
	}
	return nil
}
