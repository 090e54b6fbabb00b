package tailer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentforge/deskrun/internals/timeouts"
)

// Source labels.
const (
	LabelOllama    = "OLLAMA"
	LabelAiderDesk = "AIDESK"
)

var ollamaErrorPatterns = []string{
	"error",
	"out of memory",
	"cuda",
	"failed to load",
	"context length exceeded",
	"connection refused",
}

// IsOllamaError reports whether a server log line looks like an inference failure.
func IsOllamaError(line string) bool {
	lowered := strings.ToLower(line)
	for _, p := range ollamaErrorPatterns {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

// OllamaLogPath is the default Ollama server log under home.
func OllamaLogPath(home string) string {
	return filepath.Join(home, ".ollama", "logs", "server.log")
}

// AiderDeskLogPath is the dev build's combined log for day.
func AiderDeskLogPath(home string, day time.Time) string {
	return filepath.Join(home, "Library", "Application Support", "aider-desk-dev", "logs", "combined-"+day.Format("2006-01-02")+".log")
}

type Tailer struct {
	Path     string
	Label    string
	Interval time.Duration
	logger   *slog.Logger
}

func New(path, label string, logger *slog.Logger) *Tailer {
	return &Tailer{
		Path:     path,
		Label:    label,
		Interval: timeouts.TailInterval,
		logger:   logger.With(slog.String("component", "tailer"), slog.String("source", label)),
	}
}

// Run follows the file from its current end until ctx is done. It never
// returns an error: a missing or unreadable file only disables the tailer.
func (t *Tailer) Run(ctx context.Context) error {
	f, err := os.Open(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("Log not found; tailing disabled", slog.String("path", t.Path))
		} else {
			t.logger.Warn("Log tailer error", slog.String("error", err.Error()))
		}
		return nil
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		t.logger.Warn("Log tailer error", slog.String("error", err.Error()))
		return nil
	}
	t.logger.Info("Tailing log", slog.String("path", t.Path))

	reader := bufio.NewReader(f)
	var partial strings.Builder
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		chunk, err := reader.ReadString('\n')
		partial.WriteString(chunk)
		if err == nil {
			t.emit(partial.String())
			partial.Reset()
			continue
		}
		if !errors.Is(err, io.EOF) {
			t.logger.Warn("Log tailer error", slog.String("error", err.Error()))
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *Tailer) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	if t.Label == LabelOllama && IsOllamaError(line) {
		t.logger.Warn("OLLAMA-ERR", slog.String("line", line))
		return
	}
	t.logger.Debug(t.Label, slog.String("line", line))
}
