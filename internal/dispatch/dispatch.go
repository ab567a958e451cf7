// Package dispatch delivers reply payloads to channel plugins with retry,
// chunking, media splitting and duplicate suppression.
package dispatch

import (
	"context"
	"strings"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/chunk"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

// captionCapable lists channels whose send API attaches text to media in one
// call. Everything else gets text first, media after.
var captionCapable = map[string]bool{
	"telegram": true,
	"discord":  true,
	"msteams":  true,
}

// Route addresses one delivery.
type Route struct {
	Channel   string
	AccountID string
	Target    string
	ThreadID  string
}

// Request is one batch of payloads bound for a single route.
type Request struct {
	Session sessions.Key
	Route   Route

	Payloads []models.ReplyPayload

	// Sent lists targets the agent already messaged through an in-turn
	// tool. Payloads for those targets are suppressed.
	Sent []models.SentRecord
}

// Result summarizes one dispatch.
type Result struct {
	Delivered  int
	Suppressed int
	MessageIDs []string
}

// Dispatcher owns outbound delivery. One instance serves all channels.
type Dispatcher struct {
	reg     *channels.Registry
	limits  *channels.Limits
	store   *sessions.Store
	log     *observability.Logger
	metrics *observability.Metrics
	retry   RetryPolicy
}

// New wires a dispatcher. store and metrics may be nil; limits falls back to
// plugin defaults when nil.
func New(reg *channels.Registry, limits *channels.Limits, store *sessions.Store, log *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if log == nil {
		log = observability.Nop()
	}
	if limits == nil {
		limits = channels.NewLimits(reg, nil, nil)
	}
	return &Dispatcher{
		reg:     reg,
		limits:  limits,
		store:   store,
		log:     log.Module("dispatch"),
		metrics: metrics,
		retry:   DefaultRetryPolicy(),
	}
}

// Dispatch delivers every payload in order. Empty payloads and silent
// payloads are skipped; a permanent failure stops the batch and surfaces.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	channelID, ok := d.reg.NormalizeChannelID(req.Route.Channel)
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "unknown channel %q", req.Route.Channel)
	}
	plugin, _ := d.reg.Get(channelID)

	target := req.Route.Target
	if canonical, ok := plugin.NormalizeTarget(target); ok {
		target = canonical
	}

	suppressed := make(map[string]bool, len(req.Sent))
	for _, s := range req.Sent {
		suppressed[s.TargetKey()] = true
	}
	targetKey := channelID + "|" + req.Route.AccountID + "|" + target

	res := &Result{}
	for _, payload := range req.Payloads {
		if payload.IsEmpty() {
			continue
		}
		if suppressed[targetKey] {
			res.Suppressed++
			d.count(channelID, "suppressed")
			continue
		}

		ids, err := d.deliverPayload(ctx, plugin, channelID, target, req.Route, payload)
		res.MessageIDs = append(res.MessageIDs, ids...)
		if err != nil {
			d.count(channelID, "failed")
			return res, err
		}
		res.Delivered++
		d.count(channelID, "ok")
	}

	if res.Delivered > 0 {
		d.recordRoute(ctx, req.Session, channelID, req.Route.AccountID, target)
	}
	return res, nil
}

// deliverPayload sends one payload, splitting text and media when the
// channel cannot caption, and chunking text to the channel limit.
func (d *Dispatcher) deliverPayload(ctx context.Context, plugin channels.Plugin, channelID, target string, route Route, payload models.ReplyPayload) ([]string, error) {
	opts := channels.SendOptions{Silent: payload.Silent}
	if plugin.SupportsThreading() {
		opts.ThreadID = route.ThreadID
		opts.ReplyToID = payload.ReplyToID
	}

	media := payload.AllMedia()
	if len(media) > 0 && captionCapable[channelID] {
		// Single captioned send; the channel applies its own text limit
		// to captions.
		result, err := d.sendWithRetry(ctx, plugin, channelID, target, payload, opts)
		if err != nil {
			return nil, err
		}
		return []string{result.MessageID}, nil
	}

	var ids []string
	if text := strings.TrimSpace(payload.Text); text != "" {
		for _, piece := range d.chunkFor(plugin, channelID, route.AccountID, text) {
			part := payload
			part.Text = piece
			part.MediaURL = ""
			part.MediaURLs = nil
			result, err := d.sendWithRetry(ctx, plugin, channelID, target, part, opts)
			if err != nil {
				return ids, err
			}
			ids = append(ids, result.MessageID)
		}
	}
	for _, url := range media {
		part := models.ReplyPayload{MediaURL: url, ReplyToID: payload.ReplyToID}
		result, err := d.sendWithRetry(ctx, plugin, channelID, target, part, opts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, result.MessageID)
	}
	return ids, nil
}

// chunkFor renders markdown for the channel then splits to its text limit.
func (d *Dispatcher) chunkFor(plugin channels.Plugin, channelID, accountID, text string) []string {
	limit := d.limits.For(channelID, accountID)
	text = channels.RenderFor(channelID, text)

	if !plugin.SupportsMarkdown() {
		return chunk.Text(text, limit)
	}
	if channelID == "discord" {
		return chunk.MarkdownWithMaxLines(text, limit, channels.DiscordMaxLines)
	}
	return chunk.Markdown(text, limit)
}

func (d *Dispatcher) count(channelID, result string) {
	if d.metrics != nil {
		d.metrics.Deliveries.WithLabelValues(channelID, result).Inc()
	}
}

// recordRoute remembers where the session was last reachable so later
// agent-initiated sends can default to it.
func (d *Dispatcher) recordRoute(ctx context.Context, key sessions.Key, channelID, accountID, target string) {
	if d.store == nil || key == "" {
		return
	}
	patch := models.SessionPatch{
		LastChannel:   &channelID,
		LastAccountID: &accountID,
		LastTo:        &target,
	}
	if _, err := d.store.Patch(ctx, key, patch); err != nil {
		d.log.Warn(ctx, "last-route patch failed", "session", string(key), "error", err.Error())
	}
}
