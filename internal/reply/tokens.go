// Package reply handles the control tokens an agent can embed in its text
// to suppress or acknowledge delivery.
package reply

import (
	"regexp"
	"strings"
)

// HeartbeatPrompt is the poll body a heartbeat turn sends to the agent.
const HeartbeatPrompt = "HEARTBEAT"

// HeartbeatToken is the expected reply to a heartbeat poll.
const HeartbeatToken = "HEARTBEAT_OK"

// SilentToken marks a reply that must not be delivered to the user.
const SilentToken = "NO_REPLY"

type tokenPatterns struct {
	prefix *regexp.Regexp
	suffix *regexp.Regexp
	strip  [2]*regexp.Regexp
}

func compileToken(token string) tokenPatterns {
	escaped := regexp.QuoteMeta(token)
	return tokenPatterns{
		prefix: regexp.MustCompile(`^\s*` + escaped + `(?:$|\W)`),
		suffix: regexp.MustCompile(`\b` + escaped + `\b\W*$`),
		strip: [2]*regexp.Regexp{
			regexp.MustCompile(`^\s*` + escaped + `\b\s*`),
			regexp.MustCompile(`\s*\b` + escaped + `\b\W*$`),
		},
	}
}

var (
	heartbeatPatterns = compileToken(HeartbeatToken)
	silentPatterns    = compileToken(SilentToken)
)

// IsSilent reports whether text starts or ends with the silent token.
func IsSilent(text string) bool {
	return matches(silentPatterns, text)
}

// IsHeartbeatOK reports whether text starts or ends with the heartbeat
// token.
func IsHeartbeatOK(text string) bool {
	return matches(heartbeatPatterns, text)
}

// IsHeartbeatOnly reports whether text is exactly the heartbeat token,
// ignoring surrounding whitespace. Heartbeat pruning keys off this.
func IsHeartbeatOnly(text string) bool {
	return strings.TrimSpace(text) == HeartbeatToken
}

func matches(p tokenPatterns, text string) bool {
	if text == "" {
		return false
	}
	return p.prefix.MatchString(text) || p.suffix.MatchString(text)
}

// StripSilent removes the silent token from either end of text.
func StripSilent(text string) string {
	return strip(silentPatterns, text)
}

// StripHeartbeat removes the heartbeat token from either end of text.
func StripHeartbeat(text string) string {
	return strip(heartbeatPatterns, text)
}

func strip(p tokenPatterns, text string) string {
	if text == "" {
		return text
	}
	for _, re := range p.strip {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
