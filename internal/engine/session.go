package engine

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"netgauge/pkg/logx"
)

// phaseRange maps a phase onto its slice of the overall progress scale.
var phaseRange = map[Phase][2]float64{
	PhasePing:     {0, 25},
	PhaseDownload: {25, 65},
	PhaseUpload:   {65, 100},
}

// session holds the per-run accumulator state: the partial result being
// assembled and the progress emission bookkeeping. A fresh session is built
// for every Run call and discarded afterwards.
type session struct {
	onProgress ProgressFunc
	limiter    *rate.Limiter
	log        logx.Logger

	// mu serializes emissions. Phases run sequentially, but a transfer's
	// live-readout ticker goroutine may overlap its own phase's emits.
	mu         sync.Mutex
	phase      Phase
	phaseStart float64
	phaseSpan  float64
	lastPct    float64
	partial    Result
}

func newSession(onProgress ProgressFunc, interval time.Duration, log logx.Logger) *session {
	return &session{
		onProgress: onProgress,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		log:        log,
		phase:      PhaseIdle,
	}
}

// enterPhase switches to the next phase and always delivers its first event.
func (s *session) enterPhase(p Phase) {
	s.mu.Lock()
	r := phaseRange[p]
	s.phase = p
	s.phaseStart = r[0]
	s.phaseSpan = r[1] - r[0]
	s.emitLocked(s.phaseStart, nil, true)
	s.mu.Unlock()
}

// finishPhase always delivers the closing event of the current phase.
func (s *session) finishPhase() {
	s.mu.Lock()
	s.emitLocked(s.phaseStart+s.phaseSpan, nil, true)
	s.mu.Unlock()
}

// advance emits a rate-limited event at the given fraction of the current
// phase, without a live reading.
func (s *session) advance(frac float64) {
	s.mu.Lock()
	s.emitLocked(s.phaseStart+clamp01(frac)*s.phaseSpan, nil, false)
	s.mu.Unlock()
}

// advanceLive is advance with the latest instantaneous reading attached.
func (s *session) advanceLive(frac, live float64) {
	s.mu.Lock()
	s.emitLocked(s.phaseStart+clamp01(frac)*s.phaseSpan, &live, false)
	s.mu.Unlock()
}

// setPartial merges known-so-far result fields under the session lock.
func (s *session) setPartial(mut func(*Result)) {
	s.mu.Lock()
	mut(&s.partial)
	s.mu.Unlock()
}

func (s *session) snapshot() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial
}

// complete delivers the terminal event. Exactly one per successful session.
func (s *session) complete(res Result) {
	s.mu.Lock()
	s.phase = PhaseComplete
	s.partial = res
	s.emitLocked(100, nil, true)
	s.mu.Unlock()
}

func (s *session) emitLocked(pct float64, live *float64, force bool) {
	if s.onProgress == nil {
		return
	}
	// Never step backwards, even if a stale ticker emit lands late.
	if pct < s.lastPct {
		pct = s.lastPct
	}
	if !force && !s.limiter.Allow() {
		return
	}
	s.lastPct = pct
	s.onProgress(Progress{
		Phase:          s.phase,
		OverallPercent: pct,
		Partial:        s.partial,
		Live:           live,
	})
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
