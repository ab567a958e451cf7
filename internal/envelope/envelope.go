package envelope

import (
	"regexp"
	"strings"

	"github.com/clawdis/clawdis/pkg/models"
)

// Context-wrapper markers. Channel monitors prepend recent history for
// context; only the current-message segment is scanned for directives so a
// quoted "/think high" from an earlier message never mutates the session.
const (
	historyMarkerPrefix = "[Chat messages since your last reply"
	currentMarker       = "[Current message - respond to this]"
)

// timestampPrefixRe matches a leading bracketed timestamp some channels
// prepend, e.g. "[Dec 5 10:00] " or "[2025-12-05T21:45:00.000Z] ". The
// prefix is tolerated: it survives in the body but is skipped when scanning
// for directives.
var timestampPrefixRe = regexp.MustCompile(`^\s*\[[^\[\]]{1,64}\]\s*`)

// Result is the output of Parse: the normalized envelope with directives
// stripped from the current-message segment, plus the ordered directive
// list.
type Result struct {
	Ctx        *models.MsgContext
	Directives []Directive
}

// Parse normalizes the inbound envelope in place and extracts directives.
// It never fails; malformed directive values surface as Directive entries
// with an empty normalized Value.
func Parse(ctx *models.MsgContext) Result {
	body := ctx.Body

	pre, segment, hasWrapper := splitCurrentSegment(body)

	scan := segment
	prefix := ""
	if m := timestampPrefixRe.FindString(scan); m != "" {
		prefix = m
		scan = scan[len(m):]
	}

	clean, directives := parseDirectives(scan)

	// Bare abort: a timestamped or plain body that is exactly "stop" is an
	// abort request even without the slash.
	if len(directives) == 0 && strings.EqualFold(strings.TrimSpace(scan), "stop") {
		directives = append(directives, Directive{Key: DirStop})
		clean = ""
	}

	rebuilt := prefix + clean
	if hasWrapper {
		// Directives quoted in the history block are scrubbed from the text
		// but never take effect.
		scrubbed, _ := parseDirectives(pre)
		rebuilt = scrubbed + "\n\n" + currentMarker + "\n" + strings.TrimLeft(rebuilt, "\n")
	}
	ctx.Body = strings.TrimRight(rebuilt, " \t")

	return Result{Ctx: ctx, Directives: directives}
}

// splitCurrentSegment separates a context-wrapped body into the part before
// the current-message marker (returned verbatim) and the segment eligible
// for directive scanning. Bodies without the wrapper scan in full.
func splitCurrentSegment(body string) (pre string, segment string, hasWrapper bool) {
	idx := strings.Index(body, currentMarker)
	if idx < 0 || !strings.Contains(body, historyMarkerPrefix) {
		return "", body, false
	}
	return body[:idx], body[idx+len(currentMarker):], true
}

// CurrentSegment returns the portion of the body the agent should treat as
// the live message, with the wrapper and history context removed.
func CurrentSegment(body string) string {
	_, segment, hasWrapper := splitCurrentSegment(body)
	if !hasWrapper {
		return body
	}
	return strings.TrimSpace(segment)
}
