package core

import (
	"fmt"
	"sort"
	"strings"
)

// emptyTextPlaceholder replaces a message body that carries no text
// (stickers, media-only posts).
const emptyTextPlaceholder = "[сообщение без текста]"

// NormalizeChronological orders messages oldest-first. Reverse-chronological
// input is detected by comparing the first and last carried timestamps;
// messages without timestamps keep their relative order.
func NormalizeChronological(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)

	var first, last int = -1, -1
	for i := range out {
		if !out[i].Timestamp.IsZero() {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first >= 0 && last > first && out[first].Timestamp.After(out[last].Timestamp) {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.IsZero() || out[j].Timestamp.IsZero() {
			return false
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// FormatMessages renders the deterministic dialogue block handed to every
// agent: one line per message, `[i] username (HH:MM): text`, 1-based index,
// time omitted when the message carries none.
func FormatMessages(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			text = emptyTextPlaceholder
		}
		if m.Timestamp.IsZero() {
			fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, m.Author, text)
		} else {
			fmt.Fprintf(&b, "[%d] %s (%s): %s\n", i+1, m.Author, m.Timestamp.UTC().Format("15:04"), text)
		}
	}
	return b.String()
}

// ExtractUsernames collects author handles in first-seen order.
func ExtractUsernames(messages []Message) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range messages {
		if m.Author == "" {
			continue
		}
		if _, ok := seen[m.Author]; ok {
			continue
		}
		seen[m.Author] = struct{}{}
		out = append(out, m.Author)
	}
	return out
}

// KnownUsername reports whether a model-produced name matches one of the
// real handles: exact, @-stripped, or substring in either direction. Names
// failing this check are hallucinated and must be dropped.
func KnownUsername(name string, handles []string) bool {
	n := strings.TrimPrefix(strings.TrimSpace(name), "@")
	if n == "" {
		return false
	}
	for _, h := range handles {
		hn := strings.TrimPrefix(h, "@")
		if strings.EqualFold(n, hn) {
			return true
		}
		if strings.Contains(strings.ToLower(hn), strings.ToLower(n)) ||
			strings.Contains(strings.ToLower(n), strings.ToLower(hn)) {
			return true
		}
	}
	return false
}

// EscapeHTML escapes the three characters Telegram's HTML parse mode
// requires: & < >.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// escapeAttr escapes a value placed inside a double-quoted attribute.
func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return s
}

// SanitizeHTML reduces arbitrary model HTML to the Telegram subset.
// Allowed tags pass through in canonical form (<a> keeps only href);
// <br> variants become newlines, <li> becomes a bullet, block-level closers
// become newlines, known layout tags are dropped with their attributes while
// their inner text survives, and anything unrecognized is escaped in place.
// An anchor closer is emitted only when an href-carrying anchor is open, so
// the output never contains an unbalanced </a>. Stray & < > are escaped.
func SanitizeHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	anchorDepth := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch ch {
		case '<':
			end := strings.IndexByte(s[i:], '>')
			if end < 0 {
				b.WriteString("&lt;")
				continue
			}
			tag := s[i+1 : i+end]
			if strings.ToLower(strings.TrimSpace(tag)) == "/a" {
				if anchorDepth > 0 {
					b.WriteString("</a>")
					anchorDepth--
				}
				i += end
				continue
			}
			if repl, ok := rewriteTag(tag); ok {
				if strings.HasPrefix(repl, "<a ") {
					anchorDepth++
				}
				b.WriteString(repl)
				i += end
				continue
			}
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			if isEntity(s[i:]) {
				b.WriteByte(ch)
			} else {
				b.WriteString("&amp;")
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// rewriteTag maps a raw tag body (without angle brackets) to its sanitized
// replacement. ok=false means the '<' must be escaped instead.
func rewriteTag(tag string) (string, bool) {
	body := strings.TrimSpace(strings.TrimSuffix(tag, "/"))
	lower := strings.ToLower(body)

	switch lower {
	case "b", "i", "code", "pre", "/b", "/i", "/code", "/pre":
		return "<" + lower + ">", true
	case "br":
		return "\n", true
	case "li":
		return "• ", true
	case "/p", "/div", "/ul", "/ol", "/li", "/h1", "/h2", "/h3", "/h4", "/h5", "/h6":
		return "\n", true
	}

	name := lower
	if idx := strings.IndexAny(name, " \t\n"); idx >= 0 {
		name = name[:idx]
	}
	switch name {
	case "a":
		if href := extractHref(body); href != "" {
			return `<a href="` + strings.ReplaceAll(href, `"`, "%22") + `">`, true
		}
		return "", true // anchor without href contributes nothing
	case "p", "div", "span", "ul", "ol", "strong", "em",
		"h1", "h2", "h3", "h4", "h5", "h6", "/span", "/strong", "/em":
		return "", true
	}
	return "", false
}

func extractHref(tag string) string {
	lower := strings.ToLower(tag)
	idx := strings.Index(lower, "href")
	if idx < 0 {
		return ""
	}
	rest := tag[idx+len("href"):]
	rest = strings.TrimLeft(rest, " \t=")
	if rest == "" {
		return ""
	}
	switch rest[0] {
	case '"', '\'':
		quote := rest[0]
		if end := strings.IndexByte(rest[1:], quote); end >= 0 {
			return rest[1 : end+1]
		}
		return ""
	default:
		if end := strings.IndexAny(rest, " \t>"); end >= 0 {
			return rest[:end]
		}
		return rest
	}
}

func isEntity(s string) bool {
	for _, e := range []string{"&amp;", "&lt;", "&gt;", "&quot;", "&#"} {
		if strings.HasPrefix(s, e) {
			return true
		}
	}
	return false
}
