package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

// ErrorPayload renders the user-visible failure template.
func ErrorPayload(reason string) models.ReplyPayload {
	return models.ReplyPayload{Text: "⚙️ " + reason + "."}
}

// applyDirectives handles the ack fast paths and session patches. stop is
// true when the pipeline must not continue to an agent turn (abort, reset,
// status and friends).
func (o *Orchestrator) applyDirectives(ctx context.Context, key sessions.Key, entry *models.SessionEntry, directives []envelope.Directive) (acks []models.ReplyPayload, stop bool) {
	for _, d := range directives {
		switch d.Key {
		case envelope.DirStop:
			o.Abort(key)
			_, _ = o.store.Patch(ctx, key, models.SessionPatch{AbortedLastRun: boolPtr(true)})
			return append(acks, ErrorPayload("Agent was aborted")), true

		case envelope.DirStatus:
			return append(acks, models.ReplyPayload{Text: o.statusText(ctx, key, entry)}), true

		case envelope.DirNew, envelope.DirReset:
			if _, err := o.store.Reset(ctx, key); err != nil {
				return append(acks, ErrorPayload("Reset failed")), true
			}
			return append(acks, ErrorPayload("New session started")), true

		case envelope.DirRestart:
			o.Abort(key)
			return append(acks, ErrorPayload("Restarting…")), true

		case envelope.DirHelp, envelope.DirCommands:
			return append(acks, models.ReplyPayload{Text: helpText}), true

		default:
			ack := o.applyPatch(ctx, key, d)
			if ack != "" {
				acks = append(acks, models.ReplyPayload{Text: ack})
			}
		}
	}
	return acks, false
}

// applyPatch maps one level directive onto a session patch and returns the
// ack line.
func (o *Orchestrator) applyPatch(ctx context.Context, key sessions.Key, d envelope.Directive) string {
	if d.Malformed() {
		return fmt.Sprintf("⚙️ Unknown %s value %q.", d.Key, d.RawLevel)
	}

	var patch models.SessionPatch
	label := string(d.Key)
	shown := d.Value

	switch d.Key {
	case envelope.DirThink:
		v := models.ThinkingLevel(d.Value)
		patch.ThinkingLevel = &v
	case envelope.DirVerbose:
		v := models.ToggleLevel(d.Value)
		patch.VerboseLevel = &v
	case envelope.DirReasoning:
		v := models.ReasoningLevel(d.Value)
		patch.ReasoningLevel = &v
	case envelope.DirElevated:
		v := models.ToggleLevel(d.Value)
		patch.ElevatedLevel = &v
	case envelope.DirUsage, envelope.DirCost:
		v := models.ToggleLevel(d.Value)
		patch.ResponseUsage = &v
		label = "usage"
	case envelope.DirSend:
		v := models.SendPolicy(d.Value)
		patch.SendPolicy = &v
	case envelope.DirActivation:
		v := models.GroupActivation(d.Value)
		patch.GroupActivation = &v
	case envelope.DirModel:
		v := d.Value
		patch.ModelOverride = &v
		if v == "" {
			shown = "default"
		}
	case envelope.DirQueue:
		limit, policy := parseQueueArg(d.Value)
		if limit > 0 {
			patch.QueueLimit = &limit
		}
		if policy != "" {
			p := models.QueueDropPolicy(policy)
			patch.QueueDropPolicy = &p
		}
		shown = d.Value
	default:
		return ""
	}

	if _, err := o.store.Patch(ctx, key, patch); err != nil {
		o.log.Warn(ctx, "directive patch rejected", "session", key, "directive", d.Key, "error", err)
		return fmt.Sprintf("⚙️ %s rejected: %s.", label, models.KindOf(err))
	}
	if shown == "" {
		shown = "off"
	}
	return fmt.Sprintf("%s: %s", label, shown)
}

// parseQueueArg splits the validated "<n>" or "<n>:<policy>" form.
func parseQueueArg(value string) (int, string) {
	numPart, policy, _ := strings.Cut(value, ":")
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, ""
	}
	return n, policy
}

// statusText summarizes the session for the /status ack.
func (o *Orchestrator) statusText(ctx context.Context, key sessions.Key, entry *models.SessionEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s", key)

	model := entry.ModelOverride
	if model == "" {
		model = entry.Model
	}
	if model == "" {
		model = "default"
	}
	fmt.Fprintf(&b, "\nmodel: %s", model)

	if entry.ThinkingLevel != "" {
		fmt.Fprintf(&b, "\nthinking: %s", entry.ThinkingLevel)
	}
	if entry.VerboseLevel != "" {
		fmt.Fprintf(&b, "\nverbose: %s", entry.VerboseLevel)
	}
	if entry.SendPolicy != "" {
		fmt.Fprintf(&b, "\nsend: %s", entry.SendPolicy)
	}
	if entry.GroupActivation != "" {
		fmt.Fprintf(&b, "\nactivation: %s", entry.GroupActivation)
	}
	if entry.ContextTokens > 0 {
		fmt.Fprintf(&b, "\ncontext: ~%d tokens", entry.ContextTokens)
	}
	fmt.Fprintf(&b, "\nqueued: %d", o.queues.Len(key))
	return b.String()
}

const helpText = `Directives: /status /stop /new /restart
/think <off|minimal|low|medium|high>
/verbose <on|off>  /reasoning <on|off|stream>
/model <id>  /send <allow|deny>
/activation <mention|always>  /queue <n>[:summarize|old|new]`
