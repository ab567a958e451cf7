package agent

import (
	"context"
	"errors"
	"time"

	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

// DefaultAttemptTimeout bounds one model attempt; the fallback chain moves
// on when an attempt exceeds it.
const DefaultAttemptTimeout = 5 * time.Minute

// CallRequest is the fully prepared input handed to the model runtime.
type CallRequest struct {
	Messages     []models.TranscriptMessage
	SystemPrompt string
	Model        string
	Provider     string
	Thinking     string
	WorkspaceDir string

	// Events receives intermediate message_end, tool_result and usage
	// events while the turn runs. May be nil. The caller must not block
	// on it.
	Events chan<- models.AgentEvent
}

// CallResult is what one successful model attempt produces.
type CallResult struct {
	Payloads []models.ReplyPayload
	// Turn holds the messages the attempt added (the assistant replies,
	// tool calls and tool results), ready for transcript append.
	Turn  []models.TranscriptMessage
	Usage models.Usage
}

// Caller runs one model attempt. Implementations wrap the external agent
// runtime; the invoker stays ignorant of the wire protocol.
type Caller interface {
	Call(ctx context.Context, req CallRequest) (*CallResult, error)
}

// Config selects the model chain and transcript hygiene for an Invoker.
type Config struct {
	Model          string
	FallbackModels []string
	Provider       string
	AttemptTimeout time.Duration
	SanitizeMode   SanitizeMode
}

func (c Config) attemptTimeout() time.Duration {
	if c.AttemptTimeout > 0 {
		return c.AttemptTimeout
	}
	return DefaultAttemptTimeout
}

// TurnRequest describes one agent turn for a session.
type TurnRequest struct {
	SessionID    string
	Prompt       string
	SystemPrompt string
	Thinking     string
	WorkspaceDir string

	// ModelOverride, when set, replaces the configured primary model for
	// this turn only. Fallbacks still apply.
	ModelOverride string

	// ExternalSource labels prompts that arrived from an untrusted hook
	// (webhook, feed). Non-empty values trigger the neutralizing wrap.
	ExternalSource string

	Events chan<- models.AgentEvent
}

// Invoker prepares the transcript, runs the model chain and records the
// turn. One Invoker serves all sessions.
type Invoker struct {
	caller      Caller
	transcripts *sessions.Transcripts
	cfg         Config
	log         *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewInvoker wires an invoker. metrics may be nil.
func NewInvoker(caller Caller, transcripts *sessions.Transcripts, cfg Config, log *observability.Logger, metrics *observability.Metrics) *Invoker {
	if log == nil {
		log = observability.Nop()
	}
	return &Invoker{
		caller:      caller,
		transcripts: transcripts,
		cfg:         cfg,
		log:         log.Module("agent"),
		metrics:     metrics,
		now:         time.Now,
	}
}

// Run executes one agent turn. The transcript is appended even when the
// turn fails, so the next turn sees what was attempted. Cancellation
// discards any partial payloads and reports status aborted.
func (inv *Invoker) Run(ctx context.Context, req TurnRequest) (*models.TurnResult, error) {
	start := inv.now()

	history, err := inv.transcripts.Load(req.SessionID)
	if err != nil {
		return nil, models.WrapError(models.ErrUnavailable, err, "load transcript")
	}
	history = PruneHeartbeatTurns(history)
	history = SanitizeToolCallIDs(history, inv.cfg.SanitizeMode)

	prompt := req.Prompt
	if req.ExternalSource != "" {
		prompt = WrapExternal(prompt, req.ExternalSource)
	}
	userMsg := models.TranscriptMessage{
		Role:      models.RoleUser,
		Content:   prompt,
		Timestamp: start.UnixMilli(),
	}

	call := CallRequest{
		Messages:     append(append([]models.TranscriptMessage(nil), history...), userMsg),
		SystemPrompt: req.SystemPrompt,
		Provider:     inv.cfg.Provider,
		Thinking:     req.Thinking,
		WorkspaceDir: req.WorkspaceDir,
		Events:       req.Events,
	}

	result, model, err := inv.runChain(ctx, call, req.ModelOverride)

	turn := []models.TranscriptMessage{userMsg}
	status := models.TurnOK
	var usage models.Usage
	var payloads []models.ReplyPayload

	switch {
	case err == nil:
		turn = append(turn, result.Turn...)
		usage = result.Usage
		payloads = result.Payloads
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		status = models.TurnAborted
	default:
		status = models.TurnError
	}

	if aerr := inv.transcripts.Append(req.SessionID, turn...); aerr != nil {
		inv.log.Error(ctx, "transcript append failed", "session", req.SessionID, "error", aerr.Error())
	}
	inv.observe(status, model, start, usage)

	res := &models.TurnResult{
		Payloads: payloads,
		Usage:    usage,
		Model:    model,
		Provider: inv.cfg.Provider,
		Status:   status,
	}
	if status == models.TurnError {
		return res, err
	}
	return res, nil
}

// runChain tries the primary model then each fallback in order. Retryable
// failures move to the next model; everything else surfaces immediately.
func (inv *Invoker) runChain(ctx context.Context, call CallRequest, override string) (*CallResult, string, error) {
	chain := inv.modelChain(override)

	var lastErr error
	lastModel := chain[0]
	for i, model := range chain {
		if ctx.Err() != nil {
			return nil, lastModel, ctx.Err()
		}
		lastModel = model

		attemptCtx, cancel := context.WithTimeout(ctx, inv.cfg.attemptTimeout())
		call.Model = model
		result, err := inv.caller.Call(attemptCtx, call)
		cancel()

		if err == nil {
			return result, model, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, model, ctx.Err()
		}
		kind := models.KindOf(err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = models.ErrTimeout
		}
		if !retryableKind(kind) {
			return nil, model, err
		}
		if i < len(chain)-1 {
			inv.log.Warn(ctx, "model attempt failed, trying fallback",
				"model", model, "next", chain[i+1], "kind", string(kind))
		}
	}
	return nil, lastModel, lastErr
}

func (inv *Invoker) modelChain(override string) []string {
	primary := inv.cfg.Model
	if override != "" {
		primary = override
	}
	chain := []string{primary}
	for _, m := range inv.cfg.FallbackModels {
		if m != "" && m != primary {
			chain = append(chain, m)
		}
	}
	return chain
}

// retryableKind extends the outbound retry set with timeouts: a timed-out
// attempt is worth handing to the next model.
func retryableKind(kind models.ErrorKind) bool {
	return kind.Retryable() || kind == models.ErrTimeout
}

func (inv *Invoker) observe(status models.TurnStatus, model string, start time.Time, usage models.Usage) {
	if inv.metrics == nil {
		return
	}
	inv.metrics.AgentTurns.WithLabelValues(string(status)).Inc()
	inv.metrics.TurnDuration.WithLabelValues(inv.cfg.Provider).Observe(inv.now().Sub(start).Seconds())
	if usage.Input > 0 {
		inv.metrics.TokensUsed.WithLabelValues(inv.cfg.Provider, model, "input").Add(float64(usage.Input))
	}
	if usage.Output > 0 {
		inv.metrics.TokensUsed.WithLabelValues(inv.cfg.Provider, model, "output").Add(float64(usage.Output))
	}
}
