// Package chunk splits outbound text into platform-sized pieces without
// breaking inside code fences or unbalanced parentheses.
package chunk

import (
	"regexp"
	"strings"
	"unicode"
)

// Text splits plain text into chunks of at most limit bytes. Breaks prefer
// newlines, then whitespace inside the window, and never land inside an
// unbalanced "( )" pair. A hard break is the last resort.
func Text(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		window := remaining[:limit]
		lastNewline, lastWhitespace := scanBreakpoints(window)

		breakIdx := limit
		if lastNewline > 0 {
			breakIdx = lastNewline
		} else if lastWhitespace > 0 {
			breakIdx = lastWhitespace
		}

		chunk := strings.TrimRight(remaining[:breakIdx], " \t")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := breakIdx
		if next < len(remaining) && unicode.IsSpace(rune(remaining[next])) {
			next++
		}
		remaining = strings.TrimLeft(remaining[next:], " \t")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// scanBreakpoints finds the last newline and whitespace in the window that
// sit outside any open "( )" pair.
func scanBreakpoints(window string) (lastNewline, lastWhitespace int) {
	lastNewline, lastWhitespace = -1, -1
	depth := 0
	for i := 0; i < len(window); i++ {
		switch c := window[i]; c {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '\n':
			if depth == 0 {
				lastNewline = i
			}
		default:
			if depth == 0 && unicode.IsSpace(rune(c)) {
				lastWhitespace = i
			}
		}
	}
	return lastNewline, lastWhitespace
}

// Markdown splits markdown text into chunks of at most limit bytes,
// keeping code fences balanced. A break inside a fenced block closes the
// fence at the end of the chunk and reopens it (same opener line, language
// tag included) at the start of the next. When closing would leave no
// content after the opener the splitter falls back to a hard break.
func Markdown(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		chunk, rest := splitMarkdownOnce(remaining, limit)
		if chunk == "" || len(rest) >= len(remaining) {
			// No progress possible; hard break to terminate.
			chunk, rest = remaining[:limit], remaining[limit:]
		}
		chunks = append(chunks, chunk)
		remaining = rest
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func splitMarkdownOnce(text string, limit int) (chunk, rest string) {
	spans := ParseFenceSpans(text)
	window := text[:limit]

	if idx := pickSafeBreakIndex(window, spans); idx > 0 {
		chunk = strings.TrimRight(text[:idx], " \t")
		rest = text[idx:]
		if rest != "" && unicode.IsSpace(rune(rest[0])) {
			rest = rest[1:]
		}
		return chunk, strings.TrimLeft(rest, "\n")
	}

	fence := fenceAt(spans, limit-1)
	if fence == nil {
		// One giant unbreakable word outside any fence.
		return text[:limit], text[limit:]
	}

	closeLine := "\n" + fence.Indent + fence.Marker
	budget := limit - len(closeLine)
	contentStart := fence.Start + len(fence.OpenLine) + 1
	if budget <= contentStart {
		// Closing here would leave nothing after the opener.
		return text[:limit], text[limit:]
	}

	breakIdx := budget
	if nl := strings.LastIndexByte(text[contentStart:budget], '\n'); nl >= 0 {
		breakIdx = contentStart + nl
	}
	if breakIdx <= contentStart {
		breakIdx = budget
	}

	chunk = strings.TrimRight(text[:breakIdx], "\n") + closeLine
	rest = fence.OpenLine + "\n" + strings.TrimLeft(text[breakIdx:], "\n")
	return chunk, rest
}

// MarkdownWithMaxLines additionally caps the number of lines per chunk, as
// Discord requires. Fences stay balanced across the extra splits.
func MarkdownWithMaxLines(text string, limit, maxLines int) []string {
	base := Markdown(text, limit)
	if maxLines <= 0 {
		return base
	}
	var out []string
	for _, c := range base {
		out = append(out, splitByLines(c, limit, maxLines)...)
	}
	return out
}

func splitByLines(text string, limit, maxLines int) []string {
	var out []string
	for countLines(text) > maxLines {
		idx := nthNewline(text, maxLines)

		spans := ParseFenceSpans(text)
		fence := fenceAt(spans, idx)
		if fence != nil && maxLines >= 3 {
			closeLine := "\n" + fence.Indent + fence.Marker
			openEnd := fence.Start + len(fence.OpenLine)

			// Walk the break upward until the closed chunk fits.
			lines := maxLines - 1
			closeIdx := -1
			for ; lines > 0; lines-- {
				candidate := nthNewline(text, lines)
				if candidate <= openEnd {
					break
				}
				if candidate+len(closeLine) <= limit {
					closeIdx = candidate
					break
				}
			}
			if closeIdx > 0 {
				out = append(out, strings.TrimRight(text[:closeIdx], "\n")+closeLine)
				text = fence.OpenLine + "\n" + strings.TrimLeft(text[closeIdx:], "\n")
				continue
			}
		}

		out = append(out, text[:idx])
		text = text[idx+1:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// nthNewline returns the byte index of the n-th '\n' (1-based), or len(s).
func nthNewline(s string, n int) int {
	idx := 0
	for i := 0; i < n; i++ {
		next := strings.IndexByte(s[idx:], '\n')
		if next < 0 {
			return len(s)
		}
		idx += next
		if i < n-1 {
			idx++
		}
	}
	return idx
}

// FenceSpan is one fenced code block, from the opener line to the byte just
// past its closing marker (or end of text when unclosed).
type FenceSpan struct {
	Start    int
	End      int
	Indent   string
	Marker   string
	OpenLine string
	Closed   bool
}

var fenceOpenRe = regexp.MustCompile("(?m)^([ \t]*)(```+|~~~+)([^\n]*)\n")

// ParseFenceSpans locates every fenced block in text.
func ParseFenceSpans(text string) []FenceSpan {
	var spans []FenceSpan
	consumed := 0
	for consumed < len(text) {
		rest := text[consumed:]
		m := fenceOpenRe.FindStringSubmatchIndex(rest)
		if m == nil {
			break
		}

		indent := rest[m[2]:m[3]]
		marker := rest[m[4]:m[5]]
		openLine := rest[m[0] : m[1]-1]

		closeRe := regexp.MustCompile("(?m)^" + regexp.QuoteMeta(indent) + regexp.QuoteMeta(marker) + "[ \t]*$")
		span := FenceSpan{
			Start:    consumed + m[0],
			Indent:   indent,
			Marker:   marker,
			OpenLine: openLine,
		}
		if cm := closeRe.FindStringIndex(rest[m[1]:]); cm != nil {
			span.End = consumed + m[1] + cm[1]
			span.Closed = true
		} else {
			span.End = len(text)
		}
		spans = append(spans, span)
		consumed = span.End
	}
	return spans
}

// Balanced reports whether every fence opened in text is also closed.
func Balanced(text string) bool {
	for _, s := range ParseFenceSpans(text) {
		if !s.Closed {
			return false
		}
	}
	return true
}

func fenceAt(spans []FenceSpan, idx int) *FenceSpan {
	for i := range spans {
		if idx >= spans[i].Start && idx < spans[i].End {
			return &spans[i]
		}
	}
	return nil
}

// pickSafeBreakIndex finds the best break in the window that is outside
// every fence: last newline wins, then last whitespace. Returns -1 when
// only unsafe breaks exist.
func pickSafeBreakIndex(window string, spans []FenceSpan) int {
	lastNewline, lastWhitespace := -1, -1
	for i := 0; i < len(window); i++ {
		if fenceAt(spans, i) != nil {
			continue
		}
		c := window[i]
		if c == '\n' {
			lastNewline = i
		} else if unicode.IsSpace(rune(c)) {
			lastWhitespace = i
		}
	}
	if lastNewline > 0 {
		return lastNewline
	}
	return lastWhitespace
}
