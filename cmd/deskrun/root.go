package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agentforge/deskrun/internals/conf"
	"github.com/agentforge/deskrun/internals/desk"
	"github.com/agentforge/deskrun/internals/env"
	"github.com/agentforge/deskrun/internals/logger"
	"github.com/agentforge/deskrun/internals/run"
	"github.com/agentforge/deskrun/internals/telemetry"
	"github.com/agentforge/deskrun/internals/version"
)

var ErrUsage = errors.New("usage error")

// errRunFailed is returned after the report was printed for a failed run.
var errRunFailed = errors.New("all attempts failed")

type flagValues struct {
	configPath     string
	prompt         string
	promptFile     string
	model          string
	timeout        int
	retries        int
	mode           string
	editFormat     string
	baseURL        string
	ollamaURL      string
	username       string
	password       string
	projectDir     string
	targetFile     string
	debug          bool
	noWarmup       bool
	noCleanup      bool
	noTailLogs     bool
	warmupTimeout  int
	staleThreshold int
	metricsFile    string
	otlpEndpoint   string
	logFile        string
}

func newRootCmd() *cobra.Command {
	flags := &flagValues{}
	cmd := &cobra.Command{
		Use:   "deskrun",
		Short: "Run one prompt on AiderDesk backed by Ollama, with stall detection and retries",
		Example: `  deskrun --prompt "Create hello.rb that prints hello world"
  deskrun --prompt-file my_prompt.txt
  deskrun --model ollama/qwen2.5-coder:32b --timeout 180 --retries 5
  deskrun --debug --edit-format whole --mode agent
  deskrun --prompt "Fix the bug in app.py" --no-warmup --no-cleanup`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd.Context(), cmd, flags)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	})

	bindFlags(cmd.Flags(), flags)
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func bindFlags(fs *pflag.FlagSet, flags *flagValues) {
	fs.StringVar(&flags.configPath, "config", conf.DefaultPath, "Config file (YAML)")
	fs.StringVarP(&flags.prompt, "prompt", "p", "", "Prompt to send (default: calculate_pi.rb demo)")
	fs.StringVarP(&flags.promptFile, "prompt-file", "f", "", "File containing the prompt; overrides --prompt")
	fs.StringVarP(&flags.model, "model", "m", "", "Model identifier (default: ollama/qwen2.5-coder:32b)")
	fs.IntVarP(&flags.timeout, "timeout", "t", 0, "Seconds per attempt before declaring it stuck (default: 120)")
	fs.IntVarP(&flags.retries, "retries", "r", 0, "Maximum number of attempts (default: 3)")
	fs.StringVar(&flags.mode, "mode", "", "Prompt mode: code|agent|ask|architect (default: code)")
	fs.StringVar(&flags.editFormat, "edit-format", "", "Edit format: diff|whole|udiff|editor-diff|editor-whole (default: server default)")
	fs.StringVar(&flags.baseURL, "base-url", "", "AiderDesk base URL (default: http://localhost:24337)")
	fs.StringVar(&flags.ollamaURL, "ollama-url", "", "Ollama API URL (default: http://localhost:11434)")
	fs.StringVarP(&flags.username, "username", "u", "", "AiderDesk username (default: admin)")
	fs.StringVar(&flags.password, "password", "", "AiderDesk password")
	fs.StringVar(&flags.projectDir, "project-dir", "", "AiderDesk project directory")
	fs.StringVar(&flags.targetFile, "target-file", "", "Expected output file, enables on-disk detection")
	fs.BoolVarP(&flags.debug, "debug", "d", false, "Verbose debug output")
	fs.BoolVar(&flags.noWarmup, "no-warmup", false, "Skip Ollama model warm-up")
	fs.BoolVar(&flags.noCleanup, "no-cleanup", false, "Keep existing tasks")
	fs.BoolVar(&flags.noTailLogs, "no-tail-logs", false, "Do not tail Ollama and AiderDesk logs")
	fs.IntVar(&flags.warmupTimeout, "warmup-timeout", 0, "Warm-up timeout in seconds (default: 300)")
	fs.IntVar(&flags.staleThreshold, "stale-threshold", 0, "Seconds without chunks before warning of a stall (default: 30)")
	fs.StringVar(&flags.metricsFile, "metrics-file", "", "Write Prometheus textfile metrics here")
	fs.StringVar(&flags.otlpEndpoint, "otlp-endpoint", "", "Export traces to this OTLP/HTTP endpoint")
	fs.StringVar(&flags.logFile, "log-file", "", "Append logs to this file")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the deskrun version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version())
		},
	}
}

func runPrompt(ctx context.Context, cmd *cobra.Command, flags *flagValues) error {
	cfg, err := loadConfig(cmd.Flags(), flags)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(logger.Options{
		Debug:  cfg.Logging.Debug,
		File:   cfg.Logging.File,
		Output: cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	defer closeLog()

	prompt, err := resolvePrompt(cfg.Run)
	if err != nil {
		return err
	}
	if cfg.Run.PromptFile != "" {
		log.Info("Loaded prompt from file", slog.String("path", cfg.Run.PromptFile), slog.Int("chars", len(prompt)))
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "deskrun",
		ServiceVersion: version.Version(),
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
	})
	if err != nil {
		log.Warn("Tracing disabled", slog.String("error", err.Error()))
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				log.Warn("Trace flush failed", slog.String("error", err.Error()))
			}
		}()
	}

	result, err := run.Run(ctx, cfg, prompt, log, run.Deps{Out: cmd.OutOrStdout()})
	if err != nil {
		log.Error("Run aborted", slog.String("error", err.Error()))
		return errRunFailed
	}
	if !result.Succeeded {
		return errRunFailed
	}
	return nil
}

// loadConfig layers defaults, the config file, the environment and the flags
// the user actually set, in that order.
func loadConfig(fs *pflag.FlagSet, flags *flagValues) (*conf.Config, error) {
	cfg, err := conf.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	environment, err := env.Load("")
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(environment)
	if err := applyFlags(fs, flags, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	return cfg, nil
}

func applyFlags(fs *pflag.FlagSet, flags *flagValues, cfg *conf.Config) error {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	var pathErr error
	path := func(p string) string {
		expanded, err := conf.ExpandPath(p)
		if err != nil {
			pathErr = err
			return p
		}
		return expanded
	}

	set("prompt", func() { cfg.Run.Prompt = flags.prompt })
	set("prompt-file", func() { cfg.Run.PromptFile = path(flags.promptFile) })
	set("model", func() { cfg.Run.Model = strings.TrimSpace(flags.model) })
	set("timeout", func() { cfg.Run.Timeout = flags.timeout })
	set("retries", func() { cfg.Run.Retries = flags.retries })
	set("mode", func() { cfg.Run.Mode = desk.Mode(flags.mode) })
	set("edit-format", func() { cfg.Run.EditFormat = desk.EditFormat(flags.editFormat) })
	set("base-url", func() { cfg.Desk.BaseURL = flags.baseURL })
	set("ollama-url", func() { cfg.Ollama.URL = flags.ollamaURL })
	set("username", func() { cfg.Desk.Username = flags.username })
	set("password", func() { cfg.Desk.Password = flags.password })
	set("project-dir", func() { cfg.Desk.ProjectDir = path(flags.projectDir) })
	set("target-file", func() { cfg.Run.TargetFile = path(flags.targetFile) })
	set("debug", func() { cfg.Logging.Debug = flags.debug })
	set("no-warmup", func() { cfg.Ollama.NoWarmup = flags.noWarmup })
	set("no-cleanup", func() { cfg.Run.NoCleanup = flags.noCleanup })
	set("no-tail-logs", func() { cfg.Run.NoTailLogs = flags.noTailLogs })
	set("warmup-timeout", func() { cfg.Ollama.WarmupTimeout = flags.warmupTimeout })
	set("stale-threshold", func() { cfg.Run.StaleThreshold = flags.staleThreshold })
	set("metrics-file", func() { cfg.Metrics.File = path(flags.metricsFile) })
	set("otlp-endpoint", func() { cfg.Tracing.OTLPEndpoint = flags.otlpEndpoint })
	set("log-file", func() { cfg.Logging.File = path(flags.logFile) })

	if pathErr != nil {
		return fmt.Errorf("%w: %w", ErrUsage, pathErr)
	}
	for _, name := range []string{"timeout", "retries", "warmup-timeout", "stale-threshold"} {
		if fs.Changed(name) {
			if v, _ := fs.GetInt(name); v <= 0 {
				return fmt.Errorf("%w: --%s must be positive", ErrUsage, name)
			}
		}
	}
	return nil
}

// resolvePrompt reads the prompt file when one is configured.
func resolvePrompt(cfg conf.RunConfig) (string, error) {
	if cfg.PromptFile == "" {
		return cfg.Prompt, nil
	}
	path, err := filepath.Abs(cfg.PromptFile)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("prompt file not found: %s", path)
		}
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt file is empty: %s", path)
	}
	return prompt, nil
}
