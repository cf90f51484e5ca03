// Package telegram sends operator alerts to a Telegram chat.
//
// The Notifier is both the logx alert sink and a bus consumer that reports
// tasks entering the error state.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"homebgp/internal/bgp"
	"homebgp/internal/eventbus"
	"homebgp/pkg/logx"
)

const maxMessageLen = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// RatePerSec bounds outgoing messages; <= 0 means 1.
	RatePerSec   int
	AlertOnError bool
	RetryMax     int
}

// Sender is the subset of *tele.Bot used here.
type Sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Notifier struct {
	log    logx.Logger
	sender Sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

// New creates a send-only bot; it never polls for updates.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return NewWithSender(cfg, b, log), nil
}

func NewWithSender(cfg Config, sender Sender, log logx.Logger) *Notifier {
	n := &Notifier{log: log, sender: sender}
	n.Apply(cfg)
	return n
}

// Apply updates chat, rate and alert settings. The token is fixed at New.
func (n *Notifier) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.limiter == nil || n.cfg.RatePerSec != cfg.RatePerSec {
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	n.cfg = cfg
}

func (n *Notifier) snapshot() (Config, *rate.Limiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg, n.limiter
}

// Notify sends text to the configured chat, waiting for the rate limiter and
// retrying transient failures.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	cfg, lim := n.snapshot()
	if cfg.ChatID == 0 {
		return errors.New("telegram chat_id is not set")
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen] + "…"
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	chat := &tele.Chat{ID: cfg.ChatID}
	opts := &tele.SendOptions{ThreadID: cfg.ThreadID, DisableWebPagePreview: true}
	var last error
	for i := 0; i <= cfg.RetryMax; i++ {
		_, err := n.sender.Send(chat, text, opts)
		if err == nil {
			return nil
		}
		last = err
		if i == cfg.RetryMax {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		n.log.Debug("telegram.send_retry", logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("telegram send: %w", last)
}

// Run alerts on bus events until ctx is done.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			text := n.alertFor(e)
			if text == "" {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := n.Notify(sctx, text); err != nil {
				// Warn would loop back through the alert sink.
				n.log.Debug("telegram.alert_failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// alertFor renders the message for e, or "" when e is not alert-worthy.
func (n *Notifier) alertFor(e eventbus.Event) string {
	cfg, _ := n.snapshot()
	if !cfg.AlertOnError {
		return ""
	}
	switch e.Type {
	case eventbus.TypeStatus:
		ev, ok := e.Data.(bgp.StatusEvent)
		if !ok || ev.Removed || ev.State != bgp.StateError {
			return ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "⚠️ Task %s failed\n", ev.ID)
		if d := ev.Snapshot.Description; d != "" {
			fmt.Fprintf(&b, "- description: %s\n", d)
		}
		fmt.Fprintf(&b, "- runs: %d\n", ev.Snapshot.RunCount)
		fmt.Fprintf(&b, "- error: %s", ev.Err)
		return b.String()
	case eventbus.TypeCancelTimeout:
		if cte, ok := e.Data.(*bgp.CancellationTimeoutError); ok {
			return fmt.Sprintf("⏱ Task %s ignored cancellation for %s and was abandoned", cte.TaskID, cte.Grace)
		}
	}
	return ""
}
