package models

import "encoding/json"

// ReplyPayload is a single outbound item produced by the reply pipeline.
// Blocks carry channel-specific rich content (Slack Block Kit and the like);
// the core round-trips them without inspection.
type ReplyPayload struct {
	Text       string          `json:"text,omitempty"`
	MediaURL   string          `json:"mediaUrl,omitempty"`
	MediaURLs  []string        `json:"mediaUrls,omitempty"`
	ReplyToID  string          `json:"replyToId,omitempty"`
	ReplyToTag string          `json:"replyToTag,omitempty"`
	Silent     bool            `json:"silent,omitempty"`
	Blocks     json.RawMessage `json:"blocks,omitempty"`
}

// IsEmpty reports whether the payload carries neither text nor media.
func (p *ReplyPayload) IsEmpty() bool {
	return p.Text == "" && p.MediaURL == "" && len(p.MediaURLs) == 0 && len(p.Blocks) == 0
}

// AllMedia returns MediaURL plus MediaURLs as one slice.
func (p *ReplyPayload) AllMedia() []string {
	if p.MediaURL == "" {
		return p.MediaURLs
	}
	out := make([]string, 0, len(p.MediaURLs)+1)
	out = append(out, p.MediaURL)
	return append(out, p.MediaURLs...)
}

// / InboundAck is the synchronous return of the reply pipeline: an ordered
// list of payloads. Empty means "no reply".
type InboundAck struct {
	Payloads []ReplyPayload `json:"payloads"`
}

// ReplyToMode controls how replyToId is honored per channel.
type ReplyToMode string

const (
	ReplyToNever      ReplyToMode = "never"
	ReplyToThreadRoot ReplyToMode = "threadRoot"
	ReplyToAlways     ReplyToMode = "always"
)
