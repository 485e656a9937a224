package engine

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// LatencyConfig controls the ping phase.
type LatencyConfig struct {
	// Endpoints are probed round-robin. At least three URLs on distinct
	// hosts are required to avoid single-host bias.
	Endpoints []string
	// Samples is the number of probe iterations (default 10).
	Samples int
	// Timeout bounds one probe (default 3s). A timed-out probe counts as a
	// failed sample, not a distinct error.
	Timeout time.Duration
	// Interval is the pause between probes, so the measurement does not
	// congest itself (default 150ms).
	Interval time.Duration
}

// DownloadConfig controls the download phase.
type DownloadConfig struct {
	// URLTemplate must contain one %d verb receiving the byte count.
	URLTemplate string
	// Sizes are the payload sizes fetched in order.
	Sizes []int64
	// MaxSaneMbps rejects samples above this value as measurement artifacts.
	MaxSaneMbps float64
	// GiveUpMbps stops issuing larger payloads once a transfer bigger than
	// GiveUpAfter bytes completed below this speed.
	GiveUpMbps  float64
	GiveUpAfter int64
	// Delay is the pause between sizes.
	Delay time.Duration
	// Timeout is the floor of the per-transfer deadline (default 15s). Each
	// transfer gets Timeout plus the time its payload would need at
	// GiveUpMbps, so a server that stalls mid-body fails that size instead
	// of blocking the phase.
	Timeout time.Duration
}

// UploadConfig controls the upload phase.
type UploadConfig struct {
	URL string
	// Sizes are the payload sizes posted in order, Repeats times each.
	Sizes   []int64
	Repeats int
	// MaxSaneMbps, GiveUpMbps, GiveUpAfter and Timeout mirror
	// DownloadConfig, with the early exit keyed on the running average
	// instead of one sample.
	MaxSaneMbps float64
	GiveUpMbps  float64
	GiveUpAfter int64
	Delay       time.Duration
	Timeout     time.Duration
}

// Config controls a Tester. The zero value is usable: every field falls back
// to a sensible default.
type Config struct {
	Latency  LatencyConfig
	Download DownloadConfig
	Upload   UploadConfig

	// ProgressInterval rate-limits progress callbacks (default 150ms). The
	// first and last event of each phase bypass the limit.
	ProgressInterval time.Duration

	DisableHTTP2      bool
	DisableKeepAlives bool
}

const (
	kb = int64(1000)
	mb = 1000 * kb
)

func (c Config) withDefaults() Config {
	if len(c.Latency.Endpoints) == 0 {
		c.Latency.Endpoints = []string{
			"https://www.google.com/generate_204",
			"https://www.cloudflare.com/cdn-cgi/trace",
			"https://www.msftconnecttest.com/connecttest.txt",
		}
	}
	if c.Latency.Samples <= 0 {
		// 10 iterations favors statistical stability over run time.
		c.Latency.Samples = 10
	}
	if c.Latency.Timeout <= 0 {
		c.Latency.Timeout = 3 * time.Second
	}
	if c.Latency.Interval <= 0 {
		c.Latency.Interval = 150 * time.Millisecond
	}

	if c.Download.URLTemplate == "" {
		c.Download.URLTemplate = "https://speed.cloudflare.com/__down?bytes=%d"
	}
	if len(c.Download.Sizes) == 0 {
		c.Download.Sizes = []int64{100 * kb, 500 * kb, 1 * mb, 2 * mb, 5 * mb, 10 * mb}
	}
	if c.Download.MaxSaneMbps <= 0 {
		c.Download.MaxSaneMbps = 10000
	}
	if c.Download.GiveUpMbps <= 0 {
		c.Download.GiveUpMbps = 1
	}
	if c.Download.GiveUpAfter <= 0 {
		c.Download.GiveUpAfter = 1 * mb
	}
	if c.Download.Delay <= 0 {
		c.Download.Delay = 300 * time.Millisecond
	}
	if c.Download.Timeout <= 0 {
		c.Download.Timeout = 15 * time.Second
	}

	if c.Upload.URL == "" {
		c.Upload.URL = "https://speed.cloudflare.com/__up"
	}
	if len(c.Upload.Sizes) == 0 {
		c.Upload.Sizes = []int64{50 * kb, 100 * kb, 250 * kb, 500 * kb, 1 * mb, 2 * mb}
	}
	if c.Upload.Repeats <= 0 {
		c.Upload.Repeats = 2
	}
	if c.Upload.MaxSaneMbps <= 0 {
		c.Upload.MaxSaneMbps = 10000
	}
	if c.Upload.GiveUpMbps <= 0 {
		c.Upload.GiveUpMbps = 0.5
	}
	if c.Upload.GiveUpAfter <= 0 {
		c.Upload.GiveUpAfter = 500 * kb
	}
	if c.Upload.Delay <= 0 {
		c.Upload.Delay = 200 * time.Millisecond
	}
	if c.Upload.Timeout <= 0 {
		c.Upload.Timeout = 15 * time.Second
	}

	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 150 * time.Millisecond
	}
	return c
}

// validate rejects malformed configuration. These are caller bugs and are
// surfaced from New rather than degraded around.
func (c Config) validate() error {
	if len(c.Latency.Endpoints) < 3 {
		return fmt.Errorf("latency: need at least 3 endpoints, got %d", len(c.Latency.Endpoints))
	}
	hosts := make(map[string]bool, len(c.Latency.Endpoints))
	for _, ep := range c.Latency.Endpoints {
		u, err := url.Parse(ep)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("latency: invalid endpoint %q", ep)
		}
		hosts[u.Host] = true
	}
	if len(hosts) < 3 {
		return fmt.Errorf("latency: endpoints must span at least 3 distinct hosts, got %d", len(hosts))
	}
	if strings.Count(c.Download.URLTemplate, "%d") != 1 {
		return fmt.Errorf("download: url template %q must contain exactly one %%d", c.Download.URLTemplate)
	}
	for _, sz := range c.Download.Sizes {
		if sz <= 0 {
			return fmt.Errorf("download: invalid payload size %d", sz)
		}
	}
	if u, err := url.Parse(c.Upload.URL); err != nil || u.Host == "" {
		return fmt.Errorf("upload: invalid url %q", c.Upload.URL)
	}
	for _, sz := range c.Upload.Sizes {
		if sz <= 0 {
			return fmt.Errorf("upload: invalid payload size %d", sz)
		}
	}
	return nil
}
