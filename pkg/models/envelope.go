package models

// ChatType classifies the conversation shape an inbound message arrived in.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
	ChatThread  ChatType = "thread"
)

// MsgContext is the canonical inbound envelope. Channel adapters construct
// one per received message; the reply pipeline owns it from then on.
type MsgContext struct {
	Body      string   `json:"body"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Channel   string   `json:"channel"`
	AccountID string   `json:"accountId"`
	ChatType  ChatType `json:"chatType"`

	MessageSid string `json:"messageSid,omitempty"`
	Timestamp  int64  `json:"timestamp"` // ms since epoch, UTC

	SenderName   string `json:"senderName,omitempty"`
	GroupSubject string `json:"groupSubject,omitempty"`
	ThreadID     string `json:"threadId,omitempty"`

	MediaPaths      []string `json:"mediaPath,omitempty"`
	MediaURLs       []string `json:"mediaUrl,omitempty"`
	MediaRemoteHost string   `json:"mediaRemoteHost,omitempty"`

	IsHeartbeat bool `json:"isHeartbeat,omitempty"`

	// WasMentioned is set by the channel adapter when the bot was addressed
	// explicitly (entity, <@id>, etc.). Mention detection is adapter-owned.
	WasMentioned bool `json:"wasMentioned,omitempty"`

	// ExternalSource marks bodies originating from untrusted hooks
	// (webhook, RSS). Non-empty values trigger safe-external wrapping.
	ExternalSource string `json:"externalSource,omitempty"`
}

// IsGroup reports whether the message arrived in a multi-party conversation.
func (m *MsgContext) IsGroup() bool {
	return m.ChatType == ChatGroup || m.ChatType == ChatChannel
}
