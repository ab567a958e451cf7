package orchestrator

import (
	"regexp"
	"strings"

	"github.com/clawdis/clawdis/internal/reply"
	"github.com/clawdis/clawdis/pkg/models"
)

// replyToTagRe matches the agent's inline reply target tag.
var replyToTagRe = regexp.MustCompile(`\[\[reply-to:([^\]\s]+)\]\]`)

// PostprocessOptions parameterize payload shaping for one turn.
type PostprocessOptions struct {
	// Inbound is the lead message of the batch; thread filtering keys off
	// it.
	Inbound *models.MsgContext

	// Sent lists in-turn messaging-tool sends; payloads echoing one are
	// dropped.
	Sent []models.SentRecord

	ReplyToMode ReplyToMode
}

// Postprocess shapes raw agent payloads for delivery: reply-to tags are
// lifted out of the text, silent-token and empty payloads are dropped,
// messaging-tool echoes are deduplicated and the thread filter is applied.
func Postprocess(payloads []models.ReplyPayload, opts PostprocessOptions) []models.ReplyPayload {
	out := make([]models.ReplyPayload, 0, len(payloads))
	for _, p := range payloads {
		p = extractReplyTo(p)
		p.Text = reply.StripSilent(reply.StripHeartbeat(p.Text))

		if p.IsEmpty() {
			continue
		}
		if isEcho(p, opts.Inbound, opts.Sent) {
			continue
		}
		p = applyReplyToMode(p, opts)
		out = append(out, p)
	}
	return out
}

// extractReplyTo lifts the first [[reply-to:<id>]] tag into ReplyToID and
// strips every tag from the text.
func extractReplyTo(p models.ReplyPayload) models.ReplyPayload {
	m := replyToTagRe.FindStringSubmatch(p.Text)
	if m == nil {
		return p
	}
	if p.ReplyToID == "" {
		p.ReplyToID = m[1]
	}
	p.Text = strings.TrimSpace(replyToTagRe.ReplaceAllString(p.Text, ""))
	return p
}

// isEcho reports whether the payload repeats a message the agent already
// sent to the same target through a messaging tool.
func isEcho(p models.ReplyPayload, inbound *models.MsgContext, sent []models.SentRecord) bool {
	if inbound == nil || len(sent) == 0 {
		return false
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return false
	}
	for _, rec := range sent {
		if rec.Channel != inbound.Channel || rec.Target != inbound.From {
			continue
		}
		if strings.TrimSpace(rec.Text) == text {
			return true
		}
	}
	return false
}

// applyReplyToMode enforces the channel's thread filter.
func applyReplyToMode(p models.ReplyPayload, opts PostprocessOptions) models.ReplyPayload {
	switch opts.ReplyToMode {
	case ReplyToNever:
		p.ReplyToID = ""
	case ReplyToAlways:
		if p.ReplyToID == "" && opts.Inbound != nil {
			p.ReplyToID = opts.Inbound.MessageSid
		}
	case ReplyToThreadRoot:
		// Only messages that arrived inside a thread reply; the root id is
		// the thread itself.
		if opts.Inbound == nil || opts.Inbound.ThreadID == "" {
			p.ReplyToID = ""
		} else if p.ReplyToID == "" {
			p.ReplyToID = opts.Inbound.ThreadID
		}
	}
	return p
}
