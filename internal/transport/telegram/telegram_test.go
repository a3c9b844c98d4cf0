package telegram

import (
	"strings"
	"testing"

	"ticketwatch/pkg/logx"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	msg := strings.Repeat("line one\n", 30)
	chunks := splitText(msg, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d has trailing newline", i)
		}
	}
	// No content lost apart from boundary newlines.
	joined := strings.Join(chunks, "\n") + "\n"
	if strings.Count(joined, "line one") != 30 {
		t.Fatalf("content lost: %d occurrences", strings.Count(joined, "line one"))
	}
}

func TestSplitTextHardBreak(t *testing.T) {
	t.Parallel()
	msg := strings.Repeat("x", 250)
	chunks := splitText(msg, 100)
	total := 0
	for i, c := range chunks {
		n := len([]rune(c))
		if n > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, n)
		}
		total += n
	}
	if total != 250 {
		t.Fatalf("total runes = %d, want 250", total)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
