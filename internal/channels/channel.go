// Package channels defines the channel plugin abstraction and the registry
// that routes outbound payloads to concrete messaging platforms.
package channels

import (
	"context"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

// Capability names one optional behavior a channel plugin can declare.
type Capability string

const (
	CapSend            Capability = "send"
	CapReceive         Capability = "receive"
	CapDirectory       Capability = "directory"
	CapThreading       Capability = "threading"
	CapTypingIndicator Capability = "typingIndicator"
	CapEditMessage     Capability = "editMessage"
	CapReactions       Capability = "reactions"
	CapMedia           Capability = "media"
)

// SendOptions carries delivery hints the plugin may honor depending on its
// capabilities.
type SendOptions struct {
	// ThreadID threads the message when the channel supports threading.
	ThreadID string
	// ReplyToID makes the message an explicit reply.
	ReplyToID string
	// Silent suppresses the platform notification where supported.
	Silent bool
}

// SendResult identifies the delivered message.
type SendResult struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

// Peer is one directory entry (user or group) a channel knows about.
type Peer struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Group bool   `json:"group,omitempty"`
}

// Plugin is the interface every channel implements. The core never inspects
// a channel beyond it.
type Plugin interface {
	// ID is the stable channel identifier ("telegram", "discord", ...).
	ID() string

	// Aliases are alternate spellings accepted by NormalizeChannelID.
	Aliases() []string

	// Order is the display rank; lower sorts first.
	Order() int

	// Capabilities declares the optional behaviors the plugin supports.
	Capabilities() []Capability

	// MaxTextChars is the default outbound chunk limit for the channel.
	MaxTextChars() int

	SupportsMarkdown() bool
	SupportsThreading() bool
	SupportsBlocks() bool

	// NormalizeTarget maps a raw agent-supplied target to the canonical
	// form, e.g. Slack "@U123" to "user:U123". Returns false for targets
	// the channel cannot address.
	NormalizeTarget(raw string) (string, bool)

	// HasMention reports whether the inbound message mentions the bot.
	// Mention syntax is channel-private; the core never re-parses bodies.
	HasMention(msg *models.MsgContext) bool

	// Send delivers one payload to a canonical target.
	Send(ctx context.Context, target string, payload models.ReplyPayload, opts SendOptions) (SendResult, error)
}

// Receiver is implemented by plugins that produce inbound messages. Start
// must return promptly after spawning its receive loop; Messages is closed
// when the plugin stops.
type Receiver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Messages() <-chan *models.MsgContext
}

// Directory is implemented by plugins that can enumerate reachable peers,
// usually from their account config.
type Directory interface {
	ListPeers(ctx context.Context) ([]Peer, error)
	ListGroups(ctx context.Context) ([]Peer, error)
}

// TypingNotifier is implemented by plugins with the typingIndicator
// capability. Failures are best-effort and never fail a turn.
type TypingNotifier interface {
	Typing(ctx context.Context, target string, active bool) error
}

// Status is the connection state a plugin reports for health surfaces.
type Status struct {
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	LastPing  time.Time `json:"lastPing,omitempty"`
}

// StatusReporter is implemented by plugins that track their connection.
type StatusReporter interface {
	Status() Status
}

// HasCapability reports whether p declares c.
func HasCapability(p Plugin, c Capability) bool {
	for _, have := range p.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}
