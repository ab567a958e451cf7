package channels

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

// ReconnectConfig controls how a receiver loop comes back after a drop.
type ReconnectConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultReconnectConfig returns the baseline schedule.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		Jitter:       true,
	}
}

// Reconnector re-runs a receive loop with backoff until it succeeds, the
// context ends, a permanent error surfaces or attempts run out.
type Reconnector struct {
	Config ReconnectConfig
	Health *Health
}

// Run executes run until it returns nil. Context cancellation and permanent
// error kinds surface immediately; everything else retries on the schedule.
func (r *Reconnector) Run(ctx context.Context, run func(context.Context) error) error {
	if run == nil {
		return errors.New("reconnector: run func is nil")
	}
	cfg := r.Config
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultReconnectConfig()
	}

	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = DefaultReconnectConfig().InitialDelay
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := run(ctx)
		if err == nil {
			if r.Health != nil {
				r.Health.SetConnected()
			}
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if models.KindOf(err) == models.ErrPermanent {
			if r.Health != nil {
				r.Health.SetDisconnected(err.Error())
			}
			return err
		}
		lastErr = err
		if r.Health != nil {
			r.Health.SetDisconnected(err.Error())
		}

		wait := delay
		if cfg.Jitter {
			wait += time.Duration(rand.Int63n(int64(delay)/2 + 1))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = time.Duration(float64(delay) * cfg.Factor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
