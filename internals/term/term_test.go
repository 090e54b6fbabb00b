package term

import (
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TERM", "")
	for _, key := range hyperlinkVars {
		t.Setenv(key, "")
	}
}

func TestSupportsHyperlinks(t *testing.T) {
	clearEnv(t)
	t.Setenv("TERM", "dumb")
	if SupportsHyperlinks() {
		t.Fatalf("expected hyperlinks unsupported for dumb term")
	}

	clearEnv(t)
	t.Setenv("TERM", "alacritty")
	t.Setenv("TERM_PROGRAM", "iTerm")
	if SupportsHyperlinks() {
		t.Fatalf("expected hyperlinks unsupported for alacritty")
	}

	clearEnv(t)
	t.Setenv("TERM", "xterm-256color")
	t.Setenv("KITTY_WINDOW_ID", "1")
	if !SupportsHyperlinks() {
		t.Fatalf("expected hyperlinks supported")
	}
}

func TestFileLink(t *testing.T) {
	clearEnv(t)
	t.Setenv("TERM", "dumb")
	if got := FileLink("", "/tmp/a.txt"); got != "/tmp/a.txt" {
		t.Fatalf("expected bare path, got %q", got)
	}

	clearEnv(t)
	t.Setenv("TERM", "xterm-256color")
	t.Setenv("TERM_PROGRAM", "iTerm")
	got := FileLink("a.txt", "/tmp/a.txt")
	if !strings.Contains(got, "file:///tmp/a.txt") {
		t.Fatalf("expected file url in link, got %q", got)
	}
}
