package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"netgauge/pkg/logx"
)

// countingReader hands payload bytes to the transport while tracking how
// many have been consumed, so upload throughput can be sampled while the
// request is still in flight.
type countingReader struct {
	r    *bytes.Reader
	sent *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent.Add(int64(n))
	}
	return n, err
}

// measureUpload mirrors measureDownload with generated payloads. Each size
// is posted Repeats times to blunt one-shot timing noise.
func (t *Tester) measureUpload(ctx context.Context, s *session) error {
	cfg := t.cfg.Upload
	s.enterPhase(PhaseUpload)

	var speeds []float64
	attempts := len(cfg.Sizes) * cfg.Repeats
	idx := 0

outer:
	for _, size := range cfg.Sizes {
		// Content is irrelevant, only the size matters; random bytes just
		// defeat any transparent compression along the path.
		payload := make([]byte, size)
		_, _ = rand.Read(payload)

		for rep := 0; rep < cfg.Repeats; rep++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			base := float64(idx) / float64(attempts)
			span := 1 / float64(attempts)
			idx++

			speed, err := t.uploadOnce(ctx, s, payload, base, span)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				t.log.Warn("upload transfer failed", logx.Int64("bytes", size), logx.Err(err))
				continue
			}
			if !saneSpeed(speed, cfg.MaxSaneMbps) {
				t.log.Warn("discarding implausible upload sample",
					logx.Float64("mbps", speed), logx.Int64("bytes", size))
				continue
			}

			speeds = append(speeds, speed)
			running := mean(speeds)
			s.setPartial(func(r *Result) { r.UploadMbps = running })
			s.advanceLive(float64(idx)/float64(attempts), speed)
			t.log.Debug("upload attempt done",
				logx.Int64("bytes", size),
				logx.Float64("mbps", speed),
				logx.Float64("running_mbps", running))

			if running < cfg.GiveUpMbps && size > cfg.GiveUpAfter {
				t.log.Info("upload saturated, skipping larger payloads", logx.Float64("mbps", running))
				break outer
			}

			if idx < attempts {
				if err := sleepCtx(ctx, cfg.Delay); err != nil {
					return err
				}
			}
		}
	}

	if len(speeds) == 0 {
		s.setPartial(func(r *Result) { r.UploadMbps = 0 })
		t.log.Warn("all upload transfers failed")
	}
	s.finishPhase()
	return nil
}

// uploadOnce posts one payload. A ticker goroutine observes the bytes handed
// to the transport and drives the live EMA readout; it stops as soon as the
// request settles.
func (t *Tester) uploadOnce(ctx context.Context, s *session, payload []byte, base, span float64) (float64, error) {
	cfg := t.cfg.Upload
	ctx, cancel := context.WithTimeout(ctx, transferDeadline(int64(len(payload)), cfg.GiveUpMbps, cfg.Timeout))
	defer cancel()

	var sent atomic.Int64
	body := &countingReader{r: bytes.NewReader(payload), sent: &sent}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(payload))

	done := make(chan struct{})
	t.goSpawn("engine.upload.tick", func() {
		ticker := time.NewTicker(emaTick)
		defer ticker.Stop()
		var (
			last    int64
			emaVal  float64
			haveEMA bool
		)
		lastAt := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				cur := sent.Load()
				if cur > last {
					inst := mbps(cur-last, now.Sub(lastAt))
					if haveEMA {
						emaVal = ema(emaVal, inst, emaAlpha)
					} else {
						emaVal = inst
						haveEMA = true
					}
					frac := base + span*float64(cur)/float64(len(payload))
					s.advanceLive(frac, emaVal)
				}
				last = cur
				lastAt = now
			}
		}
	})

	start := time.Now()
	resp, err := t.client.Do(req)
	close(done)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return mbps(int64(len(payload)), elapsed), nil
}
