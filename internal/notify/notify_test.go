package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"netgauge/internal/engine"
	"netgauge/pkg/logx"
)

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, what.(string))
	return &tele.Message{}, nil
}

func sampleResult() *engine.Result {
	return &engine.Result{
		Timestamp:         time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC),
		DownloadMbps:      123.456,
		UploadMbps:        45.6,
		PingMs:            18.2,
		JitterMs:          1.7,
		PacketLossPercent: 0,
		Duration:          42 * time.Second,
	}
}

func TestFormatResult(t *testing.T) {
	t.Parallel()
	msg := FormatResult(sampleResult())
	for _, want := range []string{
		"Download: 123.46 Mbps",
		"Upload: 45.60 Mbps",
		"Ping: 18.20 ms",
		"Jitter: 1.70 ms",
		"Packet Loss: 0.00%",
		"Duration: 42.0s",
		"2026-08-01 12:30:00",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestNotifierResult(t *testing.T) {
	t.Parallel()
	fake := &fakeSender{}
	n := newWithSender(Config{ChatID: 42, RatePerMin: 600}, fake, logx.Nop())

	if err := n.Result(context.Background(), sampleResult()); err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(fake.sent) != 1 || !strings.Contains(fake.sent[0], "Download: 123.46 Mbps") {
		t.Fatalf("sent = %v", fake.sent)
	}
}

func TestNotifierResultSendFailure(t *testing.T) {
	t.Parallel()
	fake := &fakeSender{err: errors.New("chat not found")}
	n := newWithSender(Config{ChatID: 42, RatePerMin: 600}, fake, logx.Nop())

	if err := n.Result(context.Background(), sampleResult()); err == nil {
		t.Fatal("expected send error to surface")
	}
}

func TestNotifierError(t *testing.T) {
	t.Parallel()
	fake := &fakeSender{}
	n := newWithSender(Config{ChatID: 42, RatePerMin: 600}, fake, logx.Nop())

	if err := n.Error(context.Background(), errors.New("no route to host")); err != nil {
		t.Fatalf("Error: %v", err)
	}
	if len(fake.sent) != 1 || !strings.Contains(fake.sent[0], "no route to host") {
		t.Fatalf("sent = %v", fake.sent)
	}
}

func TestNotifierRateLimitHonorsContext(t *testing.T) {
	t.Parallel()
	fake := &fakeSender{}
	// One message per minute: the second send must wait, and the cancelled
	// context aborts that wait.
	n := newWithSender(Config{ChatID: 42, RatePerMin: 1}, fake, logx.Nop())

	if err := n.Result(context.Background(), sampleResult()); err != nil {
		t.Fatalf("first Result: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Result(ctx, sampleResult()); err == nil {
		t.Fatal("expected the rate limiter wait to be aborted")
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fake.sent))
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error without token and chat id")
	}
}
