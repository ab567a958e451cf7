package dispatch

import (
	"context"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/pkg/models"
)

// RetryPolicy is the delivery backoff schedule.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// sleep is swapped by tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy matches the channel-send contract: three attempts,
// exponential backoff from 250ms capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// delay returns the backoff before retrying after the given zero-based
// attempt. A positive Retry-After hint from the channel overrides it.
func (p RetryPolicy) delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if hint > p.MaxDelay {
			return p.MaxDelay
		}
		return hint
	}
	d := p.BaseDelay << attempt
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// sendWithRetry runs one plugin send under the retry policy. Throttled,
// transient and unavailable classifications retry; permanent ones surface
// immediately.
func (d *Dispatcher) sendWithRetry(ctx context.Context, plugin channels.Plugin, channelID, target string, payload models.ReplyPayload, opts channels.SendOptions) (channels.SendResult, error) {
	var lastErr error
	for attempt := 0; attempt < d.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return channels.SendResult{}, err
		}

		result, err := plugin.Send(ctx, target, payload, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err

		kind, hint := channels.ClassifySendError(err)
		if !kind.Retryable() {
			return channels.SendResult{}, err
		}
		if attempt == d.retry.MaxAttempts-1 {
			break
		}

		if d.metrics != nil {
			d.metrics.DeliveryRetries.WithLabelValues(channelID, string(kind)).Inc()
		}
		d.log.Warn(ctx, "send failed, retrying",
			"channel", channelID, "attempt", attempt+1, "kind", string(kind), "error", err.Error())
		if serr := d.retry.sleep(ctx, d.retry.delay(attempt, hint)); serr != nil {
			return channels.SendResult{}, serr
		}
	}
	return channels.SendResult{}, lastErr
}
