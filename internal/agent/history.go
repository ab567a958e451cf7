// Package agent prepares transcripts and drives turns against the external
// model runtime, including heartbeat pruning, tool-call id sanitation and
// the model fallback chain.
package agent

import (
	"github.com/clawdis/clawdis/internal/reply"
	"github.com/clawdis/clawdis/pkg/models"
)

// PruneHeartbeatTurns removes heartbeat exchanges from a transcript:
// consecutive pairs of a user message followed by an assistant message
// whose only text is HEARTBEAT_OK with no tool calls. An unpaired
// heartbeat ack stays. Everything else keeps its order. The function is
// idempotent.
func PruneHeartbeatTurns(msgs []models.TranscriptMessage) []models.TranscriptMessage {
	if len(msgs) == 0 {
		return msgs
	}
	out := make([]models.TranscriptMessage, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		if i+1 < len(msgs) &&
			msgs[i].Role == models.RoleUser &&
			isHeartbeatAssistant(msgs[i+1]) {
			i++ // skip the pair
			continue
		}
		out = append(out, msgs[i])
	}
	return out
}

func isHeartbeatAssistant(m models.TranscriptMessage) bool {
	return m.Role == models.RoleAssistant &&
		len(m.ToolCalls) == 0 &&
		reply.IsHeartbeatOnly(m.Content)
}
