// Package orchestrator runs the reply pipeline: envelope normalization,
// directive handling, admission, media staging, queueing, the agent turn and
// delivery.
package orchestrator

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/dispatch"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/queue"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

// State names one stage of a pipeline invocation.
type State string

const (
	StateParsing      State = "parsing"
	StateDirectiveAck State = "directive-ack"
	StateQueued       State = "queued"
	StateBuilding     State = "building"
	StateInvoking     State = "invoking"
	StateDelivering   State = "delivering"
	StateDone         State = "done"
	StateFailed       State = "failed"
	StateAborted      State = "aborted"
)

// ReplyToMode controls whether outbound payloads quote the inbound message.
type ReplyToMode string

const (
	ReplyToNever      ReplyToMode = "never"
	ReplyToThreadRoot ReplyToMode = "threadRoot"
	ReplyToAlways     ReplyToMode = "always"
)

// Config tunes pipeline behavior.
type Config struct {
	// AgentID scopes session keys; "main" when unset.
	AgentID string

	// WorkspaceRoot is where per-session sandbox directories live.
	WorkspaceRoot string

	SystemPrompt string

	// ReplyToByChannel selects the thread filter per channel id; channels
	// not listed use ReplyToNever.
	ReplyToByChannel map[string]ReplyToMode

	// ForwardToolResults forwards in-turn tool_result events as interim
	// payloads on channels that tolerate multi-message replies.
	ForwardToolResults bool

	// NotifyGroupErrors delivers agent-error payloads to group chats too.
	// Direct chats always get them.
	NotifyGroupErrors bool
}

func (c Config) agentID() string {
	if c.AgentID != "" {
		return c.AgentID
	}
	return "main"
}

func (c Config) replyToMode(channel string) ReplyToMode {
	if m, ok := c.ReplyToByChannel[strings.ToLower(channel)]; ok {
		return m
	}
	return ReplyToNever
}

// Orchestrator owns the reply pipeline for every session. Directive acks
// return synchronously from HandleInbound; agent replies flow through the
// per-session queue and the dispatcher.
type Orchestrator struct {
	store      *sessions.Store
	queues     *queue.Manager
	invoker    *agent.Invoker
	dispatcher *dispatch.Dispatcher
	registry   *channels.Registry
	cfg        Config
	log        *observability.Logger
	metrics    *observability.Metrics

	mu      sync.Mutex
	running map[sessions.Key]*turnHandle
}

type turnHandle struct {
	cancel context.CancelFunc
	sent   []models.SentRecord
}

// New wires the pipeline. The queue manager is created here so its flush
// callback lands on the orchestrator. metrics may be nil.
func New(store *sessions.Store, invoker *agent.Invoker, dispatcher *dispatch.Dispatcher, registry *channels.Registry, qcfg queue.Config, cfg Config, log *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	if log == nil {
		log = observability.Nop()
	}
	o := &Orchestrator{
		store:      store,
		invoker:    invoker,
		dispatcher: dispatcher,
		registry:   registry,
		cfg:        cfg,
		log:        log.Module("orchestrator"),
		metrics:    metrics,
		running:    make(map[sessions.Key]*turnHandle),
	}
	o.queues = queue.NewManager(qcfg, o.runBatch)
	return o
}

// Close stops the queue manager. In-flight turns finish on their own.
func (o *Orchestrator) Close() { o.queues.Close() }

// SessionKey resolves the session key for an inbound message.
func (o *Orchestrator) SessionKey(msg *models.MsgContext) sessions.Key {
	if msg.IsGroup() {
		group := msg.From
		if msg.GroupSubject != "" && msg.ThreadID != "" {
			group = msg.ThreadID
		}
		return sessions.GroupKey(o.cfg.agentID(), msg.Channel, msg.AccountID, group)
	}
	return sessions.DirectKey(o.cfg.agentID(), msg.Channel, msg.AccountID, msg.From)
}

// HandleInbound runs the synchronous half of the pipeline. The returned
// payloads are directive acknowledgments; agent replies are delivered
// asynchronously once the debounce window drains.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg *models.MsgContext) ([]models.ReplyPayload, error) {
	if o.metrics != nil {
		o.metrics.InboundMessages.WithLabelValues(msg.Channel, string(msg.ChatType)).Inc()
	}

	parsed := envelope.Parse(msg)
	key := o.SessionKey(msg)

	entry, err := o.store.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}

	acks, stop := o.applyDirectives(ctx, key, entry, parsed.Directives)
	// Heartbeat bodies keep their directive effects but never ack.
	if msg.IsHeartbeat {
		acks = nil
	}
	if stop {
		return acks, nil
	}

	// Directive-only bodies end the pipeline at the ack.
	if strings.TrimSpace(envelope.CurrentSegment(msg.Body)) == "" && len(msg.MediaPaths) == 0 && len(msg.MediaURLs) == 0 {
		return acks, nil
	}

	// Reload: directive patches may have changed the knobs this turn uses.
	if entry2, ok := o.store.Get(ctx, key); ok {
		entry = entry2
	}

	if msg.IsGroup() && o.groupActivation(entry) == models.ActivationMention && !o.isMentioned(msg) {
		o.log.Debug(ctx, "group message dropped, no mention", "session", key)
		return acks, nil
	}

	if err := StageMedia(ctx, o.workspaceFor(key), msg); err != nil {
		o.log.Warn(ctx, "media staging failed", "session", key, "error", err)
	}

	o.queues.Enqueue(key, msg, queue.Overrides{
		MaxQueued:  entry.QueueLimit,
		DropPolicy: entry.QueueDropPolicy,
	})
	if o.metrics != nil {
		o.metrics.QueueDepth.WithLabelValues(key.String()).Set(float64(o.queues.Len(key)))
	}
	return acks, nil
}

// Abort cancels the session's in-flight turn and drains its queue. It
// reports whether anything was actually running or queued.
func (o *Orchestrator) Abort(key sessions.Key) bool {
	dropped := o.queues.Abort(key)

	o.mu.Lock()
	h := o.running[key]
	o.mu.Unlock()
	if h != nil {
		h.cancel()
	}
	return h != nil || len(dropped) > 0
}

// RecordSent notes an in-turn messaging-tool send so the post-processor can
// suppress the duplicate payload.
func (o *Orchestrator) RecordSent(key sessions.Key, rec models.SentRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h := o.running[key]; h != nil {
		h.sent = append(h.sent, rec)
	}
}

func (o *Orchestrator) groupActivation(entry *models.SessionEntry) models.GroupActivation {
	if entry.GroupActivation != "" {
		return entry.GroupActivation
	}
	return models.ActivationMention
}

func (o *Orchestrator) isMentioned(msg *models.MsgContext) bool {
	if msg.WasMentioned {
		return true
	}
	if id, ok := o.registry.NormalizeChannelID(msg.Channel); ok {
		if plugin, ok := o.registry.Get(id); ok {
			return plugin.HasMention(msg)
		}
	}
	return false
}

// runBatch is the queue flush callback: one agent turn per drained batch.
func (o *Orchestrator) runBatch(batch queue.Batch) {
	if len(batch.Messages) == 0 {
		return
	}
	key := batch.Key
	lead := batch.Messages[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle := &turnHandle{cancel: cancel}
	o.mu.Lock()
	o.running[key] = handle
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, key)
		o.mu.Unlock()
	}()

	ctx, end := observability.StartSpan(ctx, "orchestrator.turn",
		attribute.String("session", key.String()),
		attribute.String("channel", lead.Channel),
	)
	var turnErr error
	defer func() { end(turnErr) }()

	entry, err := o.store.GetOrCreate(ctx, key)
	if err != nil {
		o.log.Error(ctx, "session load failed", "session", key, "error", err)
		turnErr = err
		return
	}
	if o.metrics != nil {
		o.metrics.QueueDepth.WithLabelValues(key.String()).Set(0)
		if batch.Dropped > 0 {
			policy := string(entry.QueueDropPolicy)
			if policy == "" {
				policy = string(models.DropSummarize)
			}
			o.metrics.QueueDropped.WithLabelValues(policy).Add(float64(batch.Dropped))
		}
	}

	plugin := o.pluginFor(lead.Channel)
	stopTyping := o.startTyping(ctx, plugin, lead)
	defer stopTyping()

	events := make(chan models.AgentEvent, 16)
	var interim sync.WaitGroup
	interim.Add(1)
	go func() {
		defer interim.Done()
		o.consumeEvents(ctx, key, lead, events)
	}()

	// The system prompt goes out once per session; Reset re-arms it.
	systemPrompt := o.cfg.SystemPrompt
	if entry.SystemSent {
		systemPrompt = ""
	}

	result, err := o.invoker.Run(ctx, agent.TurnRequest{
		SessionID:      key.String(),
		Prompt:         buildPrompt(batch),
		SystemPrompt:   systemPrompt,
		Thinking:       string(entry.ThinkingLevel),
		WorkspaceDir:   o.workspaceFor(key),
		ModelOverride:  entry.ModelOverride,
		ExternalSource: lead.ExternalSource,
		Events:         events,
	})
	close(events)
	interim.Wait()

	switch {
	case result != nil && result.Status == models.TurnAborted:
		o.log.Info(ctx, "turn aborted", "session", key)
		_, _ = o.store.Patch(context.Background(), key, models.SessionPatch{AbortedLastRun: boolPtr(true)})
		return
	case err != nil:
		turnErr = err
		o.log.Error(ctx, "turn failed", "session", key, "error", err)
		o.deliverError(ctx, key, lead, err)
		return
	}

	o.recordTurn(ctx, key, result, systemPrompt != "")

	payloads := Postprocess(result.Payloads, PostprocessOptions{
		Inbound:     lead,
		Sent:        handle.sent,
		ReplyToMode: o.cfg.replyToMode(lead.Channel),
	})
	if len(payloads) == 0 {
		return
	}

	if entry.SendPolicy == models.SendDeny {
		o.log.Info(ctx, "delivery suppressed by send policy", "session", key, "payloads", len(payloads))
		return
	}

	o.deliver(ctx, key, lead, payloads, handle.sent)
}

// recordTurn patches the observed model, provider and context size onto
// the session after a completed turn.
func (o *Orchestrator) recordTurn(ctx context.Context, key sessions.Key, result *models.TurnResult, systemSent bool) {
	var patch models.SessionPatch
	if result.Model != "" {
		patch.Model = &result.Model
	}
	if result.Provider != "" {
		patch.LastProvider = &result.Provider
	}
	if total := result.Usage.Input + result.Usage.Output; total > 0 {
		patch.ContextTokens = &total
	}
	if systemSent {
		sent := true
		patch.SystemSent = &sent
	}
	if _, err := o.store.Patch(ctx, key, patch); err != nil {
		o.log.Warn(ctx, "turn result patch failed", "session", key, "error", err)
	}
}

func (o *Orchestrator) deliver(ctx context.Context, key sessions.Key, msg *models.MsgContext, payloads []models.ReplyPayload, sent []models.SentRecord) {
	_, err := o.dispatcher.Dispatch(ctx, dispatch.Request{
		Session: key,
		Route: dispatch.Route{
			Channel:   msg.Channel,
			AccountID: msg.AccountID,
			Target:    msg.From,
			ThreadID:  msg.ThreadID,
		},
		Payloads: payloads,
		Sent:     sent,
	})
	if err != nil {
		o.log.Error(ctx, "delivery failed", "session", key, "error", err)
	}
}

// deliverError sends the operator-visible failure payload. Group chats stay
// quiet unless config opts in.
func (o *Orchestrator) deliverError(ctx context.Context, key sessions.Key, msg *models.MsgContext, cause error) {
	if msg.IsHeartbeat {
		return
	}
	if msg.IsGroup() && !o.cfg.NotifyGroupErrors {
		return
	}
	o.deliver(ctx, key, msg, []models.ReplyPayload{ErrorPayload(reasonFor(cause))}, nil)
}

// consumeEvents drains the invoker's event stream, optionally forwarding
// tool results as interim payloads.
func (o *Orchestrator) consumeEvents(ctx context.Context, key sessions.Key, msg *models.MsgContext, events <-chan models.AgentEvent) {
	for ev := range events {
		switch ev.Type {
		case models.EventToolResult:
			if o.cfg.ForwardToolResults && strings.TrimSpace(ev.Text) != "" {
				o.deliver(ctx, key, msg, []models.ReplyPayload{{Text: ev.Text}}, nil)
			}
		case models.EventUsage, models.EventMessageEnd:
			// Consumed by the invoker's own accounting.
		}
	}
}

func (o *Orchestrator) pluginFor(channel string) channels.Plugin {
	id, ok := o.registry.NormalizeChannelID(channel)
	if !ok {
		return nil
	}
	plugin, _ := o.registry.Get(id)
	return plugin
}

// startTyping raises a best-effort typing indicator for the turn; the
// returned stop func lowers it.
func (o *Orchestrator) startTyping(ctx context.Context, plugin channels.Plugin, msg *models.MsgContext) func() {
	notifier, ok := plugin.(channels.TypingNotifier)
	if !ok || plugin == nil {
		return func() {}
	}
	target := msg.From
	if canonical, ok := plugin.NormalizeTarget(target); ok {
		target = canonical
	}
	if err := notifier.Typing(ctx, target, true); err != nil {
		return func() {}
	}
	return func() {
		_ = notifier.Typing(context.Background(), target, false)
	}
}

// buildPrompt joins a batch into one prompt, prefixing sender names in
// group chats so the agent can attribute lines.
func buildPrompt(batch queue.Batch) string {
	if len(batch.Messages) == 1 && !batch.Messages[0].IsGroup() {
		return batch.Messages[0].Body
	}
	var b strings.Builder
	for i, m := range batch.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if m.IsGroup() && m.SenderName != "" && !strings.HasPrefix(m.Body, m.SenderName+":") {
			b.WriteString(m.SenderName)
			b.WriteString(": ")
		}
		b.WriteString(m.Body)
	}
	return b.String()
}

func reasonFor(err error) string {
	switch models.KindOf(err) {
	case models.ErrTimeout:
		return "Agent timed out"
	case models.ErrThrottled:
		return "Agent is rate limited, try again shortly"
	case models.ErrCancelled:
		return "Agent was aborted"
	default:
		return "Agent error"
	}
}

func boolPtr(v bool) *bool { return &v }
