package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/dispatch"
	"github.com/clawdis/clawdis/internal/gateway"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/orchestrator"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

// serveDeps bundles everything the RPC handlers reach into.
type serveDeps struct {
	watcher     *config.Watcher
	stateDir    string
	store       *sessions.Store
	transcripts *sessions.Transcripts
	pairs       *pairing.Store
	crons       *cron.Store
	registry    *channels.Registry
	dispatcher  *dispatch.Dispatcher
	orch        *orchestrator.Orchestrator
	events      *gateway.Broadcaster
	log         *observability.Logger
	started     time.Time
}

func decodeParams(req *gateway.Request, out any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, out); err != nil {
		return models.WrapError(models.ErrInvalidRequest, err, "bad params for %s", req.Method)
	}
	return nil
}

// resolveKey accepts a full session key or any ref the store can resolve
// (label, session id prefix).
func (d *serveDeps) resolveKey(ctx context.Context, ref string) (sessions.Key, error) {
	if ref == "" {
		return "", models.NewError(models.ErrInvalidRequest, "session ref is required")
	}
	key, ok := d.store.Resolve(ctx, ref)
	if !ok {
		return "", models.NewError(models.ErrNotFound, "no session matches %q", ref)
	}
	return key, nil
}

func (d *serveDeps) register(r *gateway.Router) {
	// Read surface.
	r.Handle("health", d.handleHealth)
	r.Handle("status", d.handleStatus)
	r.Handle("channels.status", d.handleChannelsStatus)
	r.Handle("sessions.list", d.handleSessionsList)
	r.Handle("sessions.preview", d.handleSessionsPreview)
	r.Handle("sessions.resolve", d.handleSessionsResolve)
	r.Handle("sessions.usage", d.handleSessionsUsage)
	r.Handle("chat.history", d.handleChatHistory)
	r.Handle("cron.list", d.handleCronList)
	r.Handle("node.list", d.handleNodeList)
	r.Handle("config.get", d.handleConfigGet)
	r.Handle("logs.tail", d.handleLogsTail)
	r.Handle("providers.status", d.handleProvidersStatus)

	// Messaging.
	r.Handle("send", d.handleSend)
	r.Handle("chat.send", d.handleChatSend)
	r.Handle("chat.abort", d.handleChatAbort)
	r.Handle("agent", d.handleAgent)
	r.Handle("poll", d.handlePoll)

	// Pairing.
	r.Handle("node.pair.list", d.handlePairList)
	r.Handle("node.pair.approve", d.handlePairApprove)
	r.Handle("node.pair.reject", d.handlePairReject)
	r.Handle("device.pair.list", d.handleDeviceList)
	r.Handle("device.pair.remove", d.handleDeviceRemove)
	r.Handle("device.token.rotate", d.handleTokenRotate)
	r.Handle("device.token.revoke", d.handleDeviceRemove)

	// Admin mutations.
	r.Handle("sessions.patch", d.handleSessionsPatch)
	r.Handle("sessions.reset", d.handleSessionsReset)
	r.Handle("sessions.delete", d.handleSessionsDelete)
	r.Handle("sessions.compact", d.handleSessionsCompact)
	r.Handle("cron.add", d.handleCronAdd)
	r.Handle("cron.update", d.handleCronUpdate)
	r.Handle("cron.remove", d.handleCronRemove)
	r.Handle("cron.run", d.handleCronRun)
}

func (d *serveDeps) handleHealth(ctx context.Context, req *gateway.Request) (any, error) {
	return map[string]any{
		"ok":       true,
		"version":  version,
		"uptimeMs": time.Since(d.started).Milliseconds(),
	}, nil
}

type channelStatus struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"lastPingMs,omitempty"`
}

func (d *serveDeps) channelStatuses() []channelStatus {
	plugins := d.registry.List()
	out := make([]channelStatus, 0, len(plugins))
	for _, p := range plugins {
		cs := channelStatus{ID: p.ID()}
		if sr, ok := p.(channels.StatusReporter); ok {
			st := sr.Status()
			cs.Connected = st.Connected
			cs.Error = st.Error
			if !st.LastPing.IsZero() {
				cs.LastPing = st.LastPing.UnixMilli()
			}
		}
		out = append(out, cs)
	}
	return out
}

func (d *serveDeps) handleStatus(ctx context.Context, req *gateway.Request) (any, error) {
	items := d.store.List(ctx, sessions.ListOptions{IncludeGlobal: true, IncludeUnknown: true})
	return map[string]any{
		"version":  version,
		"uptimeMs": time.Since(d.started).Milliseconds(),
		"sessions": len(items),
		"channels": d.channelStatuses(),
	}, nil
}

func (d *serveDeps) handleChannelsStatus(ctx context.Context, req *gateway.Request) (any, error) {
	return map[string]any{"channels": d.channelStatuses()}, nil
}

func (d *serveDeps) handleSessionsList(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Filter        string `json:"filter"`
		Limit         int    `json:"limit"`
		ActiveMinutes int    `json:"activeMinutes"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	items := d.store.List(ctx, sessions.ListOptions{
		Filter:         params.Filter,
		Limit:          params.Limit,
		ActiveMinutes:  params.ActiveMinutes,
		IncludeGlobal:  true,
		IncludeUnknown: true,
	})
	return map[string]any{"sessions": items}, nil
}

func (d *serveDeps) handleSessionsResolve(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Ref string `json:"ref"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	key, err := d.resolveKey(ctx, params.Ref)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key}, nil
}

func (d *serveDeps) handleSessionsUsage(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string `json:"session"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	key, err := d.resolveKey(ctx, params.Session)
	if err != nil {
		return nil, err
	}
	entry, ok := d.store.Get(ctx, key)
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "session %s not found", key)
	}
	return map[string]any{
		"key":           key,
		"contextTokens": entry.ContextTokens,
		"model":         entry.Model,
		"lastProvider":  entry.LastProvider,
	}, nil
}

// transcriptTail loads the last n transcript messages of a session.
func (d *serveDeps) transcriptTail(ctx context.Context, ref string, n int) (sessions.Key, []models.TranscriptMessage, error) {
	key, err := d.resolveKey(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	entry, ok := d.store.Get(ctx, key)
	if !ok {
		return "", nil, models.NewError(models.ErrNotFound, "session %s not found", key)
	}
	msgs, err := d.transcripts.Load(entry.SessionID)
	if err != nil {
		return "", nil, err
	}
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return key, msgs, nil
}

func (d *serveDeps) handleSessionsPreview(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string `json:"session"`
		Limit   int    `json:"limit"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = 10
	}
	key, msgs, err := d.transcriptTail(ctx, params.Session, params.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "messages": msgs}, nil
}

func (d *serveDeps) handleChatHistory(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string `json:"session"`
		Limit   int    `json:"limit"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = 50
	}
	key, msgs, err := d.transcriptTail(ctx, params.Session, params.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "messages": msgs}, nil
}

func (d *serveDeps) handleSessionsPatch(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string              `json:"session"`
		Patch   models.SessionPatch `json:"patch"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	key, err := d.resolveKey(ctx, params.Session)
	if err != nil {
		return nil, err
	}
	entry, err := d.store.Patch(ctx, key, params.Patch)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "entry": entry}, nil
}

func (d *serveDeps) handleSessionsReset(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string `json:"session"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	key, err := d.resolveKey(ctx, params.Session)
	if err != nil {
		return nil, err
	}
	entry, err := d.store.Reset(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "entry": entry}, nil
}

func (d *serveDeps) handleSessionsDelete(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string `json:"session"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	key, err := d.resolveKey(ctx, params.Session)
	if err != nil {
		return nil, err
	}
	entry, ok := d.store.Get(ctx, key)
	if ok {
		_ = d.transcripts.Remove(entry.SessionID)
	}
	if err := d.store.Delete(ctx, key); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "deleted": true}, nil
}

func (d *serveDeps) handleSessionsCompact(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string `json:"session"`
		Keep    int    `json:"keep"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Keep <= 0 {
		params.Keep = 20
	}
	key, err := d.resolveKey(ctx, params.Session)
	if err != nil {
		return nil, err
	}
	entry, ok := d.store.Get(ctx, key)
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "session %s not found", key)
	}
	msgs, err := d.transcripts.Load(entry.SessionID)
	if err != nil {
		return nil, err
	}
	before := len(msgs)
	if len(msgs) > params.Keep {
		msgs = msgs[len(msgs)-params.Keep:]
	}
	if err := d.transcripts.Compact(entry.SessionID, msgs); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "before": before, "after": len(msgs)}, nil
}

func (d *serveDeps) handleSend(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Channel string   `json:"channel"`
		To      string   `json:"to"`
		Message string   `json:"message"`
		Media   []string `json:"media"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	plugin, ok := d.registry.Get(params.Channel)
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "unknown channel %q", params.Channel)
	}
	target, ok := plugin.NormalizeTarget(params.To)
	if !ok {
		return nil, models.NewError(models.ErrInvalidRequest, "bad %s target %q", plugin.ID(), params.To)
	}
	if params.Message == "" && len(params.Media) == 0 {
		return nil, models.NewError(models.ErrInvalidRequest, "message or media is required")
	}

	key := sessions.DirectKey("main", plugin.ID(), "", target)
	res, err := d.dispatcher.Dispatch(ctx, dispatch.Request{
		Session: key,
		Route:   dispatch.Route{Channel: plugin.ID(), Target: target},
		Payloads: []models.ReplyPayload{{
			Text:      params.Message,
			MediaURLs: params.Media,
		}},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"delivered": res.Delivered, "messageIds": res.MessageIDs}, nil
}

func (d *serveDeps) handleChatSend(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string `json:"session"`
		Message string `json:"message"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Message == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "message is required")
	}
	key, err := d.resolveKey(ctx, params.Session)
	if err != nil {
		return nil, err
	}
	if err := d.orch.EnqueuePrompt(ctx, key, params.Message); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "queued": true}, nil
}

// handleAgent queues a turn like chat.send but defaults to the main lane.
func (d *serveDeps) handleAgent(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string `json:"session"`
		Message string `json:"message"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Message == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "message is required")
	}
	if params.Session == "" {
		params.Session = sessions.MainAlias
	}
	key, err := d.resolveKey(ctx, params.Session)
	if err != nil {
		return nil, err
	}
	if err := d.orch.EnqueuePrompt(ctx, key, params.Message); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "queued": true}, nil
}

// handlePoll fires a heartbeat turn on the session. Acks and error payloads
// of heartbeat turns never reach the chat.
func (d *serveDeps) handlePoll(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string `json:"session"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Session == "" {
		params.Session = sessions.MainAlias
	}
	key, err := d.resolveKey(ctx, params.Session)
	if err != nil {
		return nil, err
	}
	if err := d.orch.EnqueueHeartbeat(ctx, key); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "queued": true}, nil
}

func (d *serveDeps) handleChatAbort(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Session string `json:"session"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	key, err := d.resolveKey(ctx, params.Session)
	if err != nil {
		return nil, err
	}
	aborted := d.orch.Abort(key)
	return map[string]any{"key": key, "aborted": aborted}, nil
}

func (d *serveDeps) handleCronList(ctx context.Context, req *gateway.Request) (any, error) {
	return map[string]any{"jobs": d.crons.List()}, nil
}

func (d *serveDeps) handleCronAdd(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Name    string `json:"name"`
		Spec    string `json:"spec"`
		Session string `json:"session"`
		Prompt  string `json:"prompt"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	key, err := d.resolveKey(ctx, params.Session)
	if err != nil {
		return nil, err
	}
	job, err := d.crons.Add(cron.AddRequest{
		Name:       params.Name,
		Spec:       params.Spec,
		SessionKey: key.String(),
		Prompt:     params.Prompt,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": job}, nil
}

func (d *serveDeps) handleCronUpdate(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		ID      string  `json:"id"`
		Name    *string `json:"name"`
		Spec    *string `json:"spec"`
		Prompt  *string `json:"prompt"`
		Enabled *bool   `json:"enabled"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	job, err := d.crons.Update(params.ID, cron.UpdateRequest{
		Name:    params.Name,
		Spec:    params.Spec,
		Prompt:  params.Prompt,
		Enabled: params.Enabled,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": job}, nil
}

func (d *serveDeps) handleCronRemove(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := d.crons.Remove(params.ID); err != nil {
		return nil, err
	}
	return map[string]any{"removed": true}, nil
}

func (d *serveDeps) handleCronRun(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	job, ok := d.crons.Get(params.ID)
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "cron job %q not found", params.ID)
	}
	if !job.Enabled {
		return nil, models.NewError(models.ErrInvalidRequest, "cron job %q is disabled", params.ID)
	}

	runErr := d.orch.EnqueuePrompt(ctx, sessions.Key(job.SessionKey), job.Prompt)
	job, markErr := d.crons.MarkRun(params.ID, runErr)
	if markErr != nil {
		return nil, markErr
	}
	if runErr != nil {
		return nil, runErr
	}
	d.events.Publish("cron.fired", map[string]any{"id": job.ID, "session": job.SessionKey})
	return map[string]any{"job": job, "queued": true}, nil
}

func (d *serveDeps) handlePairList(ctx context.Context, req *gateway.Request) (any, error) {
	return map[string]any{
		"pending": d.pairs.ListPending(),
		"paired":  d.pairs.ListPaired(),
	}, nil
}

func (d *serveDeps) handlePairApprove(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		RequestID string   `json:"requestId"`
		Scopes    []string `json:"scopes"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	scopes := make([]pairing.Scope, 0, len(params.Scopes))
	for _, raw := range params.Scopes {
		s := pairing.Scope(raw)
		if !s.Valid() {
			return nil, models.NewError(models.ErrInvalidRequest, "unknown scope %q", raw)
		}
		scopes = append(scopes, s)
	}
	if len(scopes) == 0 {
		scopes = []pairing.Scope{pairing.ScopeRead}
	}
	node, err := d.pairs.Approve(params.RequestID, scopes)
	if err != nil {
		return nil, err
	}
	d.events.Publish("pairing.approved", map[string]any{"nodeId": node.NodeID})
	return map[string]any{"node": node}, nil
}

func (d *serveDeps) handlePairReject(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		RequestID string `json:"requestId"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := d.pairs.Reject(params.RequestID); err != nil {
		return nil, err
	}
	return map[string]any{"rejected": true}, nil
}

func (d *serveDeps) handleNodeList(ctx context.Context, req *gateway.Request) (any, error) {
	return map[string]any{"nodes": d.pairs.ListPaired()}, nil
}

func (d *serveDeps) handleDeviceList(ctx context.Context, req *gateway.Request) (any, error) {
	return map[string]any{"paired": d.pairs.ListPaired()}, nil
}

func (d *serveDeps) handleDeviceRemove(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		NodeID string `json:"nodeId"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := d.pairs.Revoke(params.NodeID); err != nil {
		return nil, err
	}
	d.events.Publish("pairing.revoked", map[string]any{"nodeId": params.NodeID})
	return map[string]any{"revoked": true}, nil
}

func (d *serveDeps) handleTokenRotate(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		NodeID string `json:"nodeId"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	token, err := d.pairs.RotateToken(params.NodeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"nodeId": params.NodeID, "token": token}, nil
}

func (d *serveDeps) handleConfigGet(ctx context.Context, req *gateway.Request) (any, error) {
	return map[string]any{"config": redactConfig(d.watcher.Current())}, nil
}

func (d *serveDeps) handleProvidersStatus(ctx context.Context, req *gateway.Request) (any, error) {
	cfg := d.watcher.Current()
	return map[string]any{
		"provider":       cfg.Agent.Provider,
		"model":          cfg.Agent.Model,
		"fallbackModels": cfg.Agent.FallbackModels,
		"configured":     len(cfg.Agent.Command) > 0,
	}, nil
}

func (d *serveDeps) handleLogsTail(ctx context.Context, req *gateway.Request) (any, error) {
	var params struct {
		Lines int `json:"lines"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Lines <= 0 {
		params.Lines = 100
	}
	path := filepath.Join(d.stateDir, "logs", "gateway.log")
	lines, err := tailLines(path, params.Lines)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "lines": lines}, nil
}

// tailWindow bounds how far back tailLines reads.
const tailWindow = 256 * 1024

// tailLines returns up to n trailing lines of the file. A missing file
// yields no lines.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - tailWindow
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if offset > 0 && len(lines) > 0 {
		// The first line after a mid-file seek is almost always partial.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

// redactConfig blanks channel and runtime secrets before they cross the
// control socket.
func redactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	out.Channels.Telegram.BotToken = mask(out.Channels.Telegram.BotToken)
	out.Channels.Discord.BotToken = mask(out.Channels.Discord.BotToken)
	out.Channels.Slack.BotToken = mask(out.Channels.Slack.BotToken)
	out.Channels.Slack.AppToken = mask(out.Channels.Slack.AppToken)
	out.Agent.Env = nil
	return &out
}
