package pty

import "testing"

func TestStripANSIRemovesSequences(t *testing.T) {
	input := "\x1b[1;32mgreen\x1b[0m \x1b]0;title\x07text\x1bP1$r\x1b\\\tend\x08"
	if got := StripANSI(input); got != "green text\tend" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestANSIStripperKeepsStateAcrossChunks(t *testing.T) {
	f := NewANSIStripper()
	out := string(f.Write([]byte("a\x1b[3"))) + string(f.Write([]byte("1mb")))
	if out != "ab" {
		t.Fatalf("expected ab, got %q", out)
	}
}

func TestStripANSIKeepsUTF8(t *testing.T) {
	input := "café € ✓"
	if got := StripANSI(input); got != input {
		t.Fatalf("utf-8 altered: %q", got)
	}
}

func TestNormalizeNewlines(t *testing.T) {
	if got := NormalizeNewlines("a\r\nb\rc\n"); got != "a\nb\nc\n" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestOutputTailBounds(t *testing.T) {
	lines := []string{"one", "two", "\x1b[31mthree\x1b[0m"}
	if got := OutputTail(lines, 2, 100); got != "two\nthree" {
		t.Fatalf("unexpected tail %q", got)
	}
	if got := OutputTail(lines, 3, 6); got != "...ree" {
		t.Fatalf("unexpected truncated tail %q", got)
	}
	if got := OutputTail(nil, 3, 10); got != "" {
		t.Fatalf("expected empty tail, got %q", got)
	}
}
