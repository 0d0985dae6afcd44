// Package notify delivers chat and mail alerts for the daily stats
// rollup and queue-quarantine events. Delivery failures are logged by
// callers and never abort ingestion.
package notify

import (
	"context"
	"time"
)

// Notifier is the single capability the pipeline needs from an alert
// channel.
type Notifier interface {
	Alert(ctx context.Context, subject, body string) error
}

// Nop satisfies Notifier when no channel is configured.
type Nop struct{}

func (Nop) Alert(context.Context, string, string) error { return nil }

// Multi fans an alert out to every configured channel. All channels
// are attempted; the first failure is reported after the rest have run,
// so a dead chat bot never silences the mail leg.
type Multi []Notifier

func (m Multi) Alert(ctx context.Context, subject, body string) error {
	var firstErr error
	for _, n := range m {
		if err := n.Alert(ctx, subject, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// backoffDelays is the retry schedule: up to three retries at
// 30s/60s/120s.
var backoffDelays = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

// Backoff wraps a Notifier with the retry schedule.
type Backoff struct {
	inner  Notifier
	delays []time.Duration
	sleep  func(time.Duration)
}

func WithBackoff(n Notifier) *Backoff {
	return &Backoff{inner: n, delays: backoffDelays, sleep: time.Sleep}
}

func (b *Backoff) Alert(ctx context.Context, subject, body string) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = b.inner.Alert(ctx, subject, body); err == nil {
			return nil
		}
		if attempt >= len(b.delays) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		default:
		}
		b.sleep(b.delays[attempt])
	}
}
