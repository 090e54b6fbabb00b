package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDebugLevelFollowsOption(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := New(Options{Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeFn()

	log.Debug("hidden")
	log.Info("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug record written without debug option: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("info record missing: %q", buf.String())
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("expected no color codes for a non-terminal writer")
	}
}

func TestLogFileReceivesCopy(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "deskrun.log")
	log, closeFn, err := New(Options{Debug: true, File: path, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.With("component", "events").Debug("chunk received", "chunk", 3)
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for _, want := range []string{"chunk received", "component=events", "chunk=3"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("log file missing %q: %q", want, string(data))
		}
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("console missing %q: %q", want, buf.String())
		}
	}
}
