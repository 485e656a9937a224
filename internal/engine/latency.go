package engine

import (
	"context"
	"io"
	"math"
	"net/http"
	"time"

	"netgauge/pkg/logx"
)

// measureLatency estimates round-trip time, jitter and request loss rate by
// probing the configured endpoints round-robin with minimal HEAD requests.
//
// Failed probes contribute only to packet loss; no fabricated latency value
// ever enters the statistical pool.
func (t *Tester) measureLatency(ctx context.Context, s *session) error {
	cfg := t.cfg.Latency
	s.enterPhase(PhasePing)

	var (
		rtts      []float64
		failed    int
		jitterSum float64 // sum of |consecutive sample diffs|, for the live readout
	)
	total := cfg.Samples

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		endpoint := cfg.Endpoints[i%len(cfg.Endpoints)]

		ms, err := t.pingOnce(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			t.log.Debug("latency probe failed", logx.String("endpoint", endpoint), logx.Err(err))
		} else {
			if n := len(rtts); n > 0 {
				jitterSum += math.Abs(ms - rtts[n-1])
			}
			rtts = append(rtts, ms)
			t.log.Trace("latency probe", logx.String("endpoint", endpoint), logx.Float64("ms", ms))
		}

		// Interim readout: raw mean and pairwise jitter so far. The final
		// trimmed statistics replace these once the phase concludes.
		s.setPartial(func(r *Result) {
			if len(rtts) > 0 {
				r.PingMs = mean(rtts)
			}
			if len(rtts) > 1 {
				r.JitterMs = jitterSum / float64(len(rtts)-1)
			}
			r.PacketLossPercent = float64(failed) / float64(i+1) * 100
		})
		frac := float64(i+1) / float64(total)
		if err != nil {
			s.advance(frac)
		} else {
			s.advanceLive(frac, ms)
		}

		if i < total-1 {
			if err := sleepCtx(ctx, cfg.Interval); err != nil {
				return err
			}
		}
	}

	if len(rtts) == 0 {
		// Total loss is a valid degraded outcome, not a failure.
		t.log.Warn("all latency probes failed", logx.Int("attempts", total))
		s.setPartial(func(r *Result) {
			r.PingMs = 0
			r.JitterMs = 0
			r.PacketLossPercent = 100
		})
		s.finishPhase()
		return nil
	}

	trimmed := trimOutliers(rtts, trimFraction)
	avg := mean(trimmed)
	s.setPartial(func(r *Result) {
		r.PingMs = avg
		r.JitterMs = stddev(trimmed, avg)
		r.PacketLossPercent = float64(failed) / float64(total) * 100
	})
	s.finishPhase()
	t.log.Debug("latency phase done",
		logx.Float64("ping_ms", avg),
		logx.Int("samples", len(rtts)),
		logx.Int("failed", failed))
	return nil
}

// pingOnce issues one probe and returns the round trip in milliseconds. Any
// completed response counts as a success; the status code is irrelevant
// because only the round trip is being measured.
func (t *Tester) pingOnce(ctx context.Context, url string) (float64, error) {
	rctx, cancel := context.WithTimeout(ctx, t.cfg.Latency.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return elapsed.Seconds() * 1000, nil
}
