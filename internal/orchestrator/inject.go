package orchestrator

import (
	"context"
	"time"

	"github.com/clawdis/clawdis/internal/queue"
	"github.com/clawdis/clawdis/internal/reply"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

// EnqueuePrompt queues a bare prompt on an existing session lane, bypassing
// envelope parsing. Replies route through the session's last recorded
// channel and target; the gateway's chat.send and cron.run methods land
// here.
func (o *Orchestrator) EnqueuePrompt(ctx context.Context, key sessions.Key, prompt string) error {
	return o.inject(ctx, key, prompt, false)
}

// EnqueueHeartbeat queues a heartbeat poll turn. The turn runs like any
// other but its acks and error payloads stay silent.
func (o *Orchestrator) EnqueueHeartbeat(ctx context.Context, key sessions.Key) error {
	return o.inject(ctx, key, reply.HeartbeatPrompt, true)
}

func (o *Orchestrator) inject(ctx context.Context, key sessions.Key, prompt string, heartbeat bool) error {
	entry, ok := o.store.Get(ctx, key)
	if !ok {
		return models.NewError(models.ErrNotFound, "session %s not found", key)
	}
	if entry.LastChannel == "" || entry.LastTo == "" {
		return models.NewError(models.ErrInvalidRequest, "session %s has no delivery route yet", key)
	}

	msg := &models.MsgContext{
		Body:         prompt,
		Channel:      entry.LastChannel,
		AccountID:    entry.LastAccountID,
		From:         entry.LastTo,
		To:           entry.LastTo,
		ChatType:     models.ChatDirect,
		Timestamp:    time.Now().UnixMilli(),
		WasMentioned: true,
		IsHeartbeat:  heartbeat,
	}
	o.queues.Enqueue(key, msg, queue.Overrides{
		MaxQueued:  entry.QueueLimit,
		DropPolicy: entry.QueueDropPolicy,
	})
	if o.metrics != nil {
		o.metrics.QueueDepth.WithLabelValues(key.String()).Set(float64(o.queues.Len(key)))
	}
	return nil
}
