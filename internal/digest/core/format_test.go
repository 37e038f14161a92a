package core

import (
	"strings"
	"testing"
	"time"
)

func ts(h, m int) time.Time {
	return time.Date(2025, 3, 10, h, m, 0, 0, time.UTC)
}

func TestFormatMessagesLineShape(t *testing.T) {
	messages := []Message{
		{Author: "alice", Timestamp: ts(9, 5), Text: "привет"},
		{Author: "bob", Text: "без времени"},
		{Author: "carol", Timestamp: ts(9, 7), Text: "   "},
	}
	got := FormatMessages(messages)
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), got)
	}
	if lines[0] != "[1] alice (09:05): привет" {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	if lines[1] != "[2] bob: без времени" {
		t.Fatalf("timeless message must omit the clock: %q", lines[1])
	}
	if lines[2] != "[3] carol (09:07): [сообщение без текста]" {
		t.Fatalf("empty text must use the placeholder: %q", lines[2])
	}
}

func TestNormalizeChronologicalReversesNewestFirst(t *testing.T) {
	messages := []Message{
		{Author: "c", Timestamp: ts(12, 0), Text: "третье"},
		{Author: "b", Timestamp: ts(11, 0), Text: "второе"},
		{Author: "a", Timestamp: ts(10, 0), Text: "первое"},
	}
	got := NormalizeChronological(messages)
	if got[0].Author != "a" || got[2].Author != "c" {
		t.Fatalf("expected oldest-first order, got %v %v %v", got[0].Author, got[1].Author, got[2].Author)
	}
	// input slice must stay untouched
	if messages[0].Author != "c" {
		t.Fatalf("input slice was mutated")
	}
}

func TestNormalizeChronologicalKeepsOrderWithoutTimestamps(t *testing.T) {
	messages := []Message{
		{Author: "a", Text: "one"},
		{Author: "b", Text: "two"},
	}
	got := NormalizeChronological(messages)
	if got[0].Author != "a" || got[1].Author != "b" {
		t.Fatalf("timeless messages must keep relative order")
	}
}

func TestExtractUsernamesFirstSeen(t *testing.T) {
	messages := []Message{
		{Author: "bob", Text: "x"},
		{Author: "alice", Text: "y"},
		{Author: "bob", Text: "z"},
	}
	got := ExtractUsernames(messages)
	if len(got) != 2 || got[0] != "bob" || got[1] != "alice" {
		t.Fatalf("unexpected handles: %v", got)
	}
}

func TestKnownUsername(t *testing.T) {
	handles := []string{"ivan_petrov", "anna"}
	cases := []struct {
		name string
		want bool
	}{
		{"ivan_petrov", true},
		{"@ivan_petrov", true},
		{"Ivan_Petrov", true},
		{"ivan", true}, // substring of a real handle
		{"anna", true},
		{"dmitry", false},
		{"", false},
	}
	for _, c := range cases {
		if got := KnownUsername(c.name, handles); got != c.want {
			t.Fatalf("KnownUsername(%q) = %t, want %t", c.name, got, c.want)
		}
	}
}

func TestEscapeHTML(t *testing.T) {
	if got := EscapeHTML(`a < b & c > d`); got != "a &lt; b &amp; c &gt; d" {
		t.Fatalf("unexpected escape: %q", got)
	}
}

func TestSanitizeHTMLKeepsAllowedSubset(t *testing.T) {
	in := `<b>Итоги</b>: <i>спокойно</i>, <code>x=1</code> <a href="https://example.com">ссылка</a>`
	got := SanitizeHTML(in)
	if got != in {
		t.Fatalf("allowed subset must pass through unchanged:\n in: %q\nout: %q", in, got)
	}
}

func TestSanitizeHTMLRewritesStructure(t *testing.T) {
	in := `<p>Абзац</p><ul><li>раз</li><li>два</li></ul><br>хвост`
	got := SanitizeHTML(in)
	want := "Абзац\n• раз\n• два\n\n\nхвост"
	if got != want {
		t.Fatalf("unexpected rewrite:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestSanitizeHTMLDropsUnknownTagsAndEscapesStray(t *testing.T) {
	got := SanitizeHTML(`<script>alert(1)</script> 2 < 3 & more`)
	if strings.Contains(got, "<script") {
		t.Fatalf("script tag survived: %q", got)
	}
	if !strings.Contains(got, "2 &lt; 3 &amp; more") {
		t.Fatalf("stray characters not escaped: %q", got)
	}
}

func TestSanitizeHTMLAnchorKeepsOnlyHref(t *testing.T) {
	got := SanitizeHTML(`<a href="https://example.com" onclick="evil()">тут</a>`)
	want := `<a href="https://example.com">тут</a>`
	if got != want {
		t.Fatalf("anchor attributes must be stripped:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestSanitizeHTMLDropsUnbalancedAnchorCloser(t *testing.T) {
	if got := SanitizeHTML(`<a>текст</a>`); got != "текст" {
		t.Fatalf("hrefless anchor must vanish with its closer, got %q", got)
	}
	if got := SanitizeHTML(`хвост</a>`); got != "хвост" {
		t.Fatalf("stray closer must be dropped, got %q", got)
	}
	in := `<a href="https://example.com">раз</a> и <a href="https://example.org">два</a>`
	if got := SanitizeHTML(in); got != in {
		t.Fatalf("balanced anchors must survive:\n in: %q\nout: %q", in, got)
	}
}

func TestSanitizeHTMLIdempotent(t *testing.T) {
	in := `<div><b>жирный & текст</b><li>пункт</div>`
	once := SanitizeHTML(in)
	twice := SanitizeHTML(once)
	if once != twice {
		t.Fatalf("sanitizer is not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}
