package channels

import (
	"regexp"
	"strings"
)

// Markdown renderers for channels whose wire format is not plain CommonMark.
// The orchestrator renders once per payload, before chunking, so fence
// markers survive for the chunker.

var (
	codeBlockRe  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe     = regexp.MustCompile(`\*([^*]+)\*`)
	underItalRe  = regexp.MustCompile(`_([^_]+)_`)
	strikeRe     = regexp.MustCompile(`~~([^~]+)~~`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	bulletRe     = regexp.MustCompile(`(?m)^[*-]\s+`)
)

// RenderFor converts CommonMark-ish agent output into the named channel's
// native format. Channels without special needs get the text unchanged.
func RenderFor(channel, text string) string {
	switch normalizeID(channel) {
	case "slack":
		return ToSlackMarkdown(text)
	case "telegram":
		return ToTelegramMarkdown(text)
	case "msteams":
		return ToTeamsMarkdown(text)
	case "line", "signal", "imessage":
		return StripMarkdown(text)
	default:
		return text
	}
}

// ToSlackMarkdown converts to Slack mrkdwn: single-star bold, pipe links,
// single-tilde strikethrough. Code spans pass through untouched.
func ToSlackMarkdown(text string) string {
	return mapOutsideCode(text, func(s string) string {
		s = boldRe.ReplaceAllString(s, "*$1*")
		s = linkRe.ReplaceAllString(s, "<$2|$1>")
		s = strikeRe.ReplaceAllString(s, "~$1~")
		return s
	})
}

// telegramEscaper escapes the characters MarkdownV2 reserves outside of
// formatting syntax.
var telegramEscaper = strings.NewReplacer(
	"[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)",
	"~", "\\~", ">", "\\>", "#", "\\#", "+", "\\+",
	"-", "\\-", "=", "\\=", "|", "\\|", "{", "\\{",
	"}", "\\}", ".", "\\.", "!", "\\!",
)

// ToTelegramMarkdown converts to Telegram MarkdownV2: reserved characters
// escaped outside code, double-star bold collapsed to single-star.
func ToTelegramMarkdown(text string) string {
	return mapOutsideCode(text, func(s string) string {
		s = telegramEscaper.Replace(s)
		s = strings.ReplaceAll(s, "**", "*")
		return s
	})
}

// ToTeamsMarkdown converts to the Teams markdown subset: strikethrough as
// <s> tags, headers flattened to bold lines. Everything else Teams renders
// natively.
func ToTeamsMarkdown(text string) string {
	return mapOutsideCode(text, func(s string) string {
		s = strikeRe.ReplaceAllString(s, "<s>$1</s>")
		s = headerRe.ReplaceAllStringFunc(s, func(string) string { return "**" })
		return s
	})
}

// StripMarkdown flattens formatting for plain-text channels. Code block
// contents survive without their fences.
func StripMarkdown(text string) string {
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		content := strings.TrimPrefix(m, "```")
		content = strings.TrimSuffix(content, "```")
		if idx := strings.Index(content, "\n"); idx != -1 {
			content = content[idx+1:]
		}
		return content
	})
	text = inlineCodeRe.ReplaceAllString(text, "$1")
	text = boldRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")
	text = underItalRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = linkRe.ReplaceAllString(text, "$1")
	text = headerRe.ReplaceAllString(text, "")
	text = bulletRe.ReplaceAllString(text, "- ")
	return text
}

// mapOutsideCode applies fn to the stretches of text outside fenced code
// blocks, leaving the blocks byte-for-byte intact.
func mapOutsideCode(text string, fn func(string) string) string {
	matches := codeBlockRe.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return fn(text)
	}
	var b strings.Builder
	prev := 0
	for _, m := range matches {
		b.WriteString(fn(text[prev:m[0]]))
		b.WriteString(text[m[0]:m[1]])
		prev = m[1]
	}
	b.WriteString(fn(text[prev:]))
	return b.String()
}
