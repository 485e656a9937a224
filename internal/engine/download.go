package engine

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"netgauge/pkg/logx"
)

const downloadBufSize = 32 * 1024

// measureDownload estimates sustained download throughput by fetching
// payloads of increasing size and averaging the per-size speeds. A failed
// size is skipped, not fatal; the next size is the retry unit.
func (t *Tester) measureDownload(ctx context.Context, s *session) error {
	cfg := t.cfg.Download
	s.enterPhase(PhaseDownload)

	var speeds []float64
	n := len(cfg.Sizes)
	for i, size := range cfg.Sizes {
		if err := ctx.Err(); err != nil {
			return err
		}
		url := fmt.Sprintf(cfg.URLTemplate, size)
		base := float64(i) / float64(n)
		span := 1 / float64(n)

		speed, err := t.downloadOnce(ctx, s, url, size, base, span)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Warn("download transfer failed", logx.Int64("bytes", size), logx.Err(err))
			continue
		}
		if !saneSpeed(speed, cfg.MaxSaneMbps) {
			t.log.Warn("discarding implausible download sample",
				logx.Float64("mbps", speed), logx.Int64("bytes", size))
			continue
		}

		speeds = append(speeds, speed)
		running := mean(speeds)
		s.setPartial(func(r *Result) { r.DownloadMbps = running })
		s.advanceLive(float64(i+1)/float64(n), speed)
		t.log.Debug("download size done",
			logx.Int64("bytes", size),
			logx.Float64("mbps", speed),
			logx.Float64("running_mbps", running))

		// A slow result on an already-large payload means the link is
		// saturated; bigger transfers would only waste time and data.
		if speed < cfg.GiveUpMbps && size > cfg.GiveUpAfter {
			t.log.Info("download saturated, skipping larger payloads", logx.Float64("mbps", speed))
			break
		}

		if i < n-1 {
			if err := sleepCtx(ctx, cfg.Delay); err != nil {
				return err
			}
		}
	}

	if len(speeds) == 0 {
		s.setPartial(func(r *Result) { r.DownloadMbps = 0 })
		t.log.Warn("all download transfers failed")
	}
	s.finishPhase()
	return nil
}

// downloadOnce streams one payload under its own deadline, feeding the live
// EMA readout per tick, and returns the per-size speed in Mbps. An elapsed
// deadline fails only this size; the session context stays intact.
func (t *Tester) downloadOnce(ctx context.Context, s *session, url string, size int64, base, span float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, transferDeadline(size, t.cfg.Download.GiveUpMbps, t.cfg.Download.Timeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var (
		total     int64
		tickBytes int64
		emaVal    float64
		haveEMA   bool
	)
	buf := make([]byte, downloadBufSize)
	start := time.Now()
	lastTick := start

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			tickBytes += int64(n)
			if now := time.Now(); now.Sub(lastTick) >= emaTick {
				inst := mbps(tickBytes, now.Sub(lastTick))
				if haveEMA {
					emaVal = ema(emaVal, inst, emaAlpha)
				} else {
					emaVal = inst
					haveEMA = true
				}
				lastTick = now
				tickBytes = 0
				frac := base + span*math.Min(1, float64(total)/float64(size))
				s.advanceLive(frac, emaVal)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}

	elapsed := time.Since(start)
	if total == 0 {
		return 0, fmt.Errorf("empty response body")
	}
	return mbps(total, elapsed), nil
}
