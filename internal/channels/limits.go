package channels

import "strings"

// defaultTextLimits are the per-channel outbound chunk limits in characters.
// Configuration may override them globally per channel or per account.
var defaultTextLimits = map[string]int{
	"whatsapp": 4000,
	"telegram": 4000,
	"discord":  2000,
	"slack":    4000,
	"signal":   4000,
	"imessage": 4000,
	"webchat":  4000,
	"msteams":  4000,
	"line":     4000,
}

// FallbackTextLimit applies to channels with no entry anywhere.
const FallbackTextLimit = 4000

// DiscordMaxLines caps the line count of a single Discord message; the
// chunker splits on it in addition to the character limit.
const DiscordMaxLines = 17

// Limits resolves the effective chunk limit for a channel/account pair,
// most specific first: per-account override, per-channel override, plugin
// declaration, built-in default.
type Limits struct {
	channel    map[string]int
	perAccount map[string]map[string]int
	registry   *Registry
}

// NewLimits builds a resolver over the registry with config overrides.
// Either override map may be nil.
func NewLimits(reg *Registry, channelOverrides map[string]int, accountOverrides map[string]map[string]int) *Limits {
	l := &Limits{
		channel:    make(map[string]int),
		perAccount: make(map[string]map[string]int),
		registry:   reg,
	}
	for ch, n := range channelOverrides {
		if n > 0 {
			l.channel[normalizeID(ch)] = n
		}
	}
	for ch, accounts := range accountOverrides {
		ch = normalizeID(ch)
		for acct, n := range accounts {
			if n <= 0 {
				continue
			}
			if l.perAccount[ch] == nil {
				l.perAccount[ch] = make(map[string]int)
			}
			l.perAccount[ch][strings.TrimSpace(acct)] = n
		}
	}
	return l
}

// For returns the chunk limit for a channel and account.
func (l *Limits) For(channel, accountID string) int {
	id := normalizeID(channel)
	if l.registry != nil {
		if canonical, ok := l.registry.NormalizeChannelID(id); ok {
			id = canonical
		}
	}
	if accounts, ok := l.perAccount[id]; ok {
		if n, ok := accounts[strings.TrimSpace(accountID)]; ok {
			return n
		}
	}
	if n, ok := l.channel[id]; ok {
		return n
	}
	if l.registry != nil {
		if p, ok := l.registry.Get(id); ok && p.MaxTextChars() > 0 {
			return p.MaxTextChars()
		}
	}
	if n, ok := defaultTextLimits[id]; ok {
		return n
	}
	return FallbackTextLimit
}

// DefaultTextLimit returns the built-in limit for a channel id.
func DefaultTextLimit(channel string) int {
	if n, ok := defaultTextLimits[normalizeID(channel)]; ok {
		return n
	}
	return FallbackTextLimit
}
