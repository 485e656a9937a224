package engine

import "time"

// Phase identifies one stage of a measurement session.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePing     Phase = "ping"
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
	PhaseComplete Phase = "complete"
)

// Result is the outcome of one measurement session.
//
// All fields default to zero when the corresponding phase obtained no
// successful sample; a fully degraded phase is a valid result, not an error.
type Result struct {
	Timestamp         time.Time `json:"timestamp"`
	DownloadMbps      float64   `json:"download_mbps"`
	UploadMbps        float64   `json:"upload_mbps"`
	PingMs            float64   `json:"ping_ms"`
	JitterMs          float64   `json:"jitter_ms"`
	PacketLossPercent float64   `json:"packet_loss_percent"`

	// Duration is how long the whole session took (not persisted).
	Duration time.Duration `json:"-"`
}

// Progress is an incremental snapshot emitted while a session runs.
//
// OverallPercent is monotonically non-decreasing within one session, and the
// single PhaseComplete event is always the last one delivered.
type Progress struct {
	Phase          Phase   `json:"phase"`
	OverallPercent float64 `json:"overall_percent"`

	// Partial carries whatever result fields are known so far.
	Partial Result `json:"partial"`

	// Live is the most recent instantaneous reading, before any averaging:
	// milliseconds during the ping phase, Mbps during transfer phases.
	// Nil when the event carries no fresh reading.
	Live *float64 `json:"live,omitempty"`
}

// ProgressFunc receives progress events. It is invoked synchronously from
// the engine's flow and must not block for long or panic.
type ProgressFunc func(Progress)
