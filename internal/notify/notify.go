// Package notify delivers completed measurement results to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"netgauge/internal/engine"
	"netgauge/pkg/logx"
)

// Config controls the notifier.
type Config struct {
	Token  string
	ChatID int64
	// RatePerMin caps outgoing messages (default 6).
	RatePerMin int
}

// sender is the slice of the telebot API the notifier uses; narrowed for
// testability.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier sends formatted results to one chat, rate-limited.
type Notifier struct {
	bot     sender
	chat    *tele.Chat
	limiter *rate.Limiter
	log     logx.Logger
}

// New connects to the Telegram API. The bot is used in send-only mode; no
// update polling is started.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("notify: token and chat_id are required")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: false})
	if err != nil {
		return nil, fmt.Errorf("notify: connect bot: %w", err)
	}
	return newWithSender(cfg, bot, log), nil
}

func newWithSender(cfg Config, s sender, log logx.Logger) *Notifier {
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 6
	}
	return &Notifier{
		bot:     s,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1),
		log:     log,
	}
}

// Result sends a completed measurement. Send failures are logged and
// returned but never retried here; the next scheduled run produces the next
// message anyway.
func (n *Notifier) Result(ctx context.Context, res *engine.Result) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := n.bot.Send(n.chat, FormatResult(res), &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		n.log.Warn("result notification failed", logx.Int64("chat_id", n.chat.ID), logx.Err(err))
		return err
	}
	n.log.Debug("result notification sent", logx.Int64("chat_id", n.chat.ID))
	return nil
}

// Error reports a failed scheduled run.
func (n *Notifier) Error(ctx context.Context, runErr error) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := n.bot.Send(n.chat, fmt.Sprintf("⚠️ Measurement run failed: %v", runErr))
	if err != nil {
		n.log.Warn("error notification failed", logx.Err(err))
	}
	return err
}
