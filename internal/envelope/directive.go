// Package envelope normalizes inbound message bodies and extracts slash
// directives from them.
package envelope

import (
	"regexp"
	"strings"

	"github.com/clawdis/clawdis/pkg/models"
)

// DirectiveKey is the canonical name of a recognized directive.
type DirectiveKey string

const (
	DirThink      DirectiveKey = "think"
	DirVerbose    DirectiveKey = "verbose"
	DirReasoning  DirectiveKey = "reasoning"
	DirElevated   DirectiveKey = "elevated"
	DirUsage      DirectiveKey = "usage"
	DirCost       DirectiveKey = "cost"
	DirModel      DirectiveKey = "model"
	DirSend       DirectiveKey = "send"
	DirActivation DirectiveKey = "activation"
	DirQueue      DirectiveKey = "queue"
	DirStatus     DirectiveKey = "status"
	DirStop       DirectiveKey = "stop"
	DirRestart    DirectiveKey = "restart"
	DirNew        DirectiveKey = "new"
	DirReset      DirectiveKey = "reset"
	DirHelp       DirectiveKey = "help"
	DirCommands   DirectiveKey = "commands"
)

// Directive is one parsed slash directive. Value holds the normalized level
// ("" when the directive takes no argument or none was given); RawLevel
// preserves the user's argument so the orchestrator can report unknown
// levels. Value is empty and RawLevel non-empty for malformed levels.
type Directive struct {
	Key      DirectiveKey
	Value    string
	RawLevel string
}

// HasArg reports whether the user supplied any argument.
func (d Directive) HasArg() bool { return d.RawLevel != "" }

// Malformed reports whether an argument was supplied but not recognized.
func (d Directive) Malformed() bool { return d.RawLevel != "" && d.Value == "" }

// aliases maps every accepted spelling to its canonical key.
var aliases = map[string]DirectiveKey{
	"think":      DirThink,
	"thinking":   DirThink,
	"t":          DirThink,
	"verbose":    DirVerbose,
	"v":          DirVerbose,
	"reasoning":  DirReasoning,
	"reason":     DirReasoning,
	"elevated":   DirElevated,
	"elev":       DirElevated,
	"usage":      DirUsage,
	"cost":       DirCost,
	"model":      DirModel,
	"models":     DirModel,
	"send":       DirSend,
	"activation": DirActivation,
	"queue":      DirQueue,
	"status":     DirStatus,
	"stop":       DirStop,
	"restart":    DirRestart,
	"new":        DirNew,
	"reset":      DirReset,
	"help":       DirHelp,
	"commands":   DirCommands,
}

// bareKeys are directives that take no argument.
var bareKeys = map[DirectiveKey]bool{
	DirStatus:   true,
	DirStop:     true,
	DirRestart:  true,
	DirNew:      true,
	DirReset:    true,
	DirHelp:     true,
	DirCommands: true,
}

// directiveRe matches /name, /name value and /name:value at the start of the
// text or after whitespace. The argument may itself contain ':' or '/'
// (queue policies, model ids) but never starts with '/', and the separator is
// only consumed together with an argument, so "/stop /status" parses as two
// directives rather than one with a swallowed value.
var directiveRe = regexp.MustCompile(`(^|\s)/([a-zA-Z][a-zA-Z0-9_-]*)(?:(?::|[ \t]+)\s*([^\s/]\S*))?`)

// normalizeLevel validates an argument against the directive's level set.
// Returns "" for unrecognized values.
func normalizeLevel(key DirectiveKey, raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return ""
	}
	switch key {
	case DirThink:
		if models.ValidThinkingLevel(models.ThinkingLevel(value)) {
			return value
		}
	case DirVerbose, DirElevated, DirUsage, DirCost:
		if models.ValidToggleLevel(models.ToggleLevel(value)) {
			return value
		}
	case DirReasoning:
		if models.ValidReasoningLevel(models.ReasoningLevel(value)) {
			return value
		}
	case DirSend:
		if models.ValidSendPolicy(models.SendPolicy(value)) {
			return value
		}
	case DirActivation:
		if models.ValidGroupActivation(models.GroupActivation(value)) {
			return value
		}
	case DirModel:
		// Model values are validated against the catalogue by the session
		// store; here any provider/id shape passes through.
		return strings.TrimSpace(raw)
	case DirQueue:
		if normalizeQueueArg(value) != "" {
			return value
		}
	}
	return ""
}

var queueArgRe = regexp.MustCompile(`^\d+(?::(summarize|old|new))?$`)

// normalizeQueueArg validates "<n>" or "<n>:<dropPolicy>".
func normalizeQueueArg(value string) string {
	if queueArgRe.MatchString(value) {
		return value
	}
	return ""
}

// parseDirectives scans text for directives, returning the stripped text and
// the ordered directive list. Duplicates collapse to last-wins per key.
func parseDirectives(text string) (string, []Directive) {
	var found []Directive
	type span struct{ start, end int }
	var cuts []span

	for _, m := range directiveRe.FindAllStringSubmatchIndex(text, -1) {
		name := strings.ToLower(text[m[4]:m[5]])
		key, ok := aliases[name]
		if !ok {
			continue // unknown /word stays in-body
		}

		d := Directive{Key: key}
		end := m[5]
		if m[6] >= 0 && !bareKeys[key] {
			arg := text[m[6]:m[7]]
			d.RawLevel = arg
			d.Value = normalizeLevel(key, arg)
			end = m[7]
		}
		found = append(found, d)
		cuts = append(cuts, span{start: m[3], end: end})
	}

	if len(found) == 0 {
		return text, nil
	}

	var b strings.Builder
	prev := 0
	for _, c := range cuts {
		if c.start < prev {
			c.start = prev
		}
		b.WriteString(text[prev:c.start])
		prev = c.end
	}
	b.WriteString(text[prev:])
	clean := strings.TrimSpace(collapseSpaces(b.String()))

	return clean, collapseLastWins(found)
}

// collapseLastWins keeps only the last occurrence per key, preserving the
// relative order of those survivors.
func collapseLastWins(list []Directive) []Directive {
	last := make(map[DirectiveKey]int, len(list))
	for i, d := range list {
		last[d.Key] = i
	}
	out := make([]Directive, 0, len(last))
	for i, d := range list {
		if last[d.Key] == i {
			out = append(out, d)
		}
	}
	return out
}

var multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)

func collapseSpaces(s string) string {
	return multiSpaceRe.ReplaceAllString(s, " ")
}
