package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/clawdis/clawdis/pkg/models"
)

// SanitizeMode selects the id alphabet a provider accepts.
type SanitizeMode string

const (
	// SanitizeStandard keeps [a-zA-Z0-9_-].
	SanitizeStandard SanitizeMode = "standard"
	// SanitizeStrict keeps [a-zA-Z0-9] only.
	SanitizeStrict SanitizeMode = "strict"
)

// SanitizeToolCallIDs rewrites every tool-call id in the transcript to the
// mode's alphabet. The mapping is computed once over the whole transcript so
// assistant tool_use ids and the matching toolResult ids stay consistent,
// and two raw ids that would collide after filtering get distinct outputs
// via a short hash suffix.
func SanitizeToolCallIDs(msgs []models.TranscriptMessage, mode SanitizeMode) []models.TranscriptMessage {
	mapping := buildIDMap(msgs, mode)
	if len(mapping) == 0 {
		return msgs
	}

	out := make([]models.TranscriptMessage, len(msgs))
	for i, m := range msgs {
		if len(m.ToolCalls) > 0 {
			calls := make([]models.ToolCall, len(m.ToolCalls))
			copy(calls, m.ToolCalls)
			for j := range calls {
				calls[j].ID = mapping[calls[j].ID]
			}
			m.ToolCalls = calls
		}
		if len(m.ToolResults) > 0 {
			results := make([]models.ToolResult, len(m.ToolResults))
			copy(results, m.ToolResults)
			for j := range results {
				if v, ok := mapping[results[j].ToolCallID]; ok {
					results[j].ToolCallID = v
				}
				if v, ok := mapping[results[j].ToolUseID]; ok {
					results[j].ToolUseID = v
				}
			}
			m.ToolResults = results
		}
		out[i] = m
	}
	return out
}

// buildIDMap assigns each distinct raw id a clean id, resolving collisions
// in first-seen order.
func buildIDMap(msgs []models.TranscriptMessage, mode SanitizeMode) map[string]string {
	mapping := make(map[string]string)
	taken := make(map[string]bool)

	assign := func(raw string) {
		if raw == "" {
			return
		}
		if _, done := mapping[raw]; done {
			return
		}
		clean := filterID(raw, mode)
		if clean == "" {
			clean = "call"
		}
		for width := 3; taken[clean]; width++ {
			clean = filterID(raw, mode) + suffix(raw, mode, width)
		}
		mapping[raw] = clean
		taken[clean] = true
	}

	for _, m := range msgs {
		for _, c := range m.ToolCalls {
			assign(c.ID)
		}
		for _, r := range m.ToolResults {
			assign(r.ToolCallID)
			assign(r.ToolUseID)
		}
	}
	return mapping
}

func filterID(raw string, mode SanitizeMode) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case (r == '_' || r == '-') && mode == SanitizeStandard:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// suffix derives a short stable disambiguator from the raw id, widened when
// a shorter one is already taken. Hex output satisfies both alphabets.
func suffix(raw string, mode SanitizeMode, width int) string {
	sum := sha256.Sum256([]byte(raw))
	if width > len(sum) {
		width = len(sum)
	}
	h := hex.EncodeToString(sum[:width])
	if mode == SanitizeStandard {
		return "_" + h
	}
	return h
}
