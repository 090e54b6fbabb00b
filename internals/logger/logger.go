package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

type Options struct {
	Debug bool
	// File, when set, receives a copy of every record and disables color.
	File   string
	Output io.Writer
}

// New builds the run logger. The returned closer releases the log file.
func New(opts Options) (*slog.Logger, func() error, error) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	closer := func() error { return nil }
	color := isTerminal(out)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		logFile, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(out, logFile)
		closer = logFile.Close
		color = false
	}

	handler := tint.NewHandler(out, &tint.Options{
		Level:      level,
		AddSource:  opts.Debug,
		TimeFormat: time.TimeOnly,
		NoColor:    !color,
	})
	return slog.New(handler), closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
