package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/agentforge/deskrun/internals/attempt"
	"github.com/agentforge/deskrun/internals/conf"
	"github.com/agentforge/deskrun/internals/controller"
	"github.com/agentforge/deskrun/internals/desk"
	"github.com/agentforge/deskrun/internals/events"
	"github.com/agentforge/deskrun/internals/metrics"
	"github.com/agentforge/deskrun/internals/ollama"
	"github.com/agentforge/deskrun/internals/report"
	"github.com/agentforge/deskrun/internals/submit"
	"github.com/agentforge/deskrun/internals/tailer"
	"github.com/agentforge/deskrun/internals/telemetry"
	"github.com/agentforge/deskrun/internals/timeouts"
)

// ErrSetup marks failures that abort the run before any attempt.
var ErrSetup = errors.New("setup failed")

// Phase names recorded by the pipeline itself.
const (
	PhaseDeskHealth   = "aiderdesk_health"
	PhaseOllamaHealth = "ollama_health"
	PhaseWarmUp       = "warm_up"
	PhaseSetup        = "setup"
)

type Timings struct {
	SetupSettle     time.Duration
	Cooldown        time.Duration
	PollInterval    time.Duration
	SettleDelay     time.Duration
	GraceWindow     time.Duration
	InterruptSettle time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		SetupSettle:     timeouts.SetupSettle,
		Cooldown:        timeouts.Cooldown,
		PollInterval:    timeouts.PollInterval,
		SettleDelay:     timeouts.SettleDelay,
		GraceWindow:     timeouts.GraceWindow,
		InterruptSettle: timeouts.InterruptSettle,
	}
}

// Deps are the replaceable edges of the pipeline.
type Deps struct {
	HTTPClient *http.Client
	// Dialer replaces the Socket.IO transport when set.
	Dialer  events.Dialer
	Out     io.Writer
	Timings *Timings
	// Home locates the tailed log files.
	Home string
}

type Result struct {
	Succeeded  bool
	Completed  bool
	FileExists bool
	Summary    controller.Summary
	Phases     []metrics.Phase
}

type pipeline struct {
	cfg     *conf.Config
	prompt  string
	logger  *slog.Logger
	deps    Deps
	timings Timings
	phases  *metrics.Phases
	rec     *metrics.Recorder
	desk    *desk.Client
	ollama  *ollama.Client
}

// Run executes the whole pipeline. A nil error with Succeeded false means
// every attempt failed; errors wrapping ErrSetup mean no attempt ran.
func Run(ctx context.Context, cfg *conf.Config, prompt string, logger *slog.Logger, deps Deps) (Result, error) {
	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))
	ctx, span := telemetry.Tracer().Start(ctx, "run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID), attribute.String("model", cfg.Run.Model))

	p := &pipeline{
		cfg:     cfg,
		prompt:  prompt,
		logger:  logger,
		deps:    deps,
		timings: DefaultTimings(),
		phases:  metrics.NewPhases(),
		rec:     metrics.NewRecorder(),
	}
	if deps.Timings != nil {
		p.timings = *deps.Timings
	}
	if p.deps.HTTPClient == nil {
		p.deps.HTTPClient = &http.Client{}
	}
	if p.deps.Out == nil {
		p.deps.Out = os.Stdout
	}

	result, err := p.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	if !result.Succeeded {
		span.SetStatus(codes.Error, "all attempts failed")
	}
	return result, nil
}

func (p *pipeline) run(ctx context.Context) (Result, error) {
	p.banner()

	p.desk = desk.NewClient(
		desk.WithBaseURL(p.cfg.Desk.BaseURL),
		desk.WithHTTPClient(p.deps.HTTPClient),
		desk.WithBasicAuth(p.cfg.Desk.Username, p.cfg.Desk.Password),
		desk.WithProjectDir(p.cfg.Desk.ProjectDir),
	)
	start := time.Now()
	if err := p.desk.Health(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: cannot reach AiderDesk at %s: %w", ErrSetup, p.cfg.Desk.BaseURL, err)
	}
	p.logger.Info("AiderDesk is reachable")
	p.phases.Since(PhaseDeskHealth, start)

	client, err := ollama.NewClient(p.cfg.Ollama.URL, p.deps.HTTPClient, p.logger)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	p.ollama = client
	start = time.Now()
	if err := p.ollama.CheckModel(ctx, p.cfg.Run.Model); err != nil {
		return Result{}, fmt.Errorf("%w: ollama not available: %w", ErrSetup, err)
	}
	p.logRunning(ctx)
	p.phases.Since(PhaseOllamaHealth, start)

	if p.cfg.Ollama.NoWarmup {
		p.logger.Info("Skipping Ollama warm-up")
	} else {
		start = time.Now()
		warmup := time.Duration(p.cfg.Ollama.WarmupTimeout) * time.Second
		if err := p.ollama.WarmUp(ctx, p.cfg.Run.Model, warmup); err != nil {
			p.logger.Warn("Warm-up failed; model may still be loading", slog.String("error", err.Error()))
		}
		p.phases.Since(PhaseWarmUp, start)
	}

	tailCtx, stopTailers := context.WithCancel(ctx)
	tailers, tailCtx := errgroup.WithContext(tailCtx)
	defer func() {
		stopTailers()
		_ = tailers.Wait()
	}()
	p.startTailers(tailCtx, tailers)

	start = time.Now()
	if err := p.setupProject(ctx); err != nil {
		return Result{}, err
	}
	p.phases.Since(PhaseSetup, start)

	p.removeStaleTarget()

	monitor := events.NewMonitor(p.cfg.Desk.BaseURL, p.cfg.Desk.ProjectDir, p.logger, events.WithDialer(p.deps.Dialer))
	creds := events.Credentials{Username: p.cfg.Desk.Username, Password: p.cfg.Desk.Password}
	if err := monitor.Connect(ctx, creds); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	defer monitor.Disconnect()

	summary := p.attempts(ctx, monitor)

	fileExists := hasContent(p.cfg.Run.TargetFile)
	result := Result{
		Succeeded:  summary.Succeeded || fileExists,
		Completed:  summary.Succeeded,
		FileExists: fileExists,
		Summary:    summary,
		Phases:     p.phases.All(),
	}

	err = report.Render(p.deps.Out, report.Summary{
		Succeeded:    result.Succeeded,
		Completed:    result.Completed,
		TotalElapsed: summary.TotalElapsed,
		LastTaskID:   summary.LastTaskID,
		TargetFile:   p.cfg.Run.TargetFile,
		FileExists:   fileExists,
		Chunks:       monitor.Snapshot().ChunksReceived,
		MaxAttempts:  p.cfg.Run.Retries,
		Attempts:     summary.Attempts,
		Phases:       result.Phases,
		OllamaURL:    p.cfg.Ollama.URL,
	})
	if err != nil {
		p.logger.Warn("Could not write report", slog.String("error", err.Error()))
	}
	p.exportMetrics(result)
	return result, nil
}

func (p *pipeline) attempts(ctx context.Context, monitor *events.Monitor) controller.Summary {
	cfg := attempt.Config{
		Model:           p.cfg.Run.Model,
		Mode:            p.cfg.Run.Mode,
		Prompt:          p.prompt,
		TargetFile:      p.cfg.Run.TargetFile,
		Timeout:         time.Duration(p.cfg.Run.Timeout) * time.Second,
		PollInterval:    p.timings.PollInterval,
		SettleDelay:     p.timings.SettleDelay,
		GraceWindow:     p.timings.GraceWindow,
		StaleThreshold:  time.Duration(p.cfg.Run.StaleThreshold) * time.Second,
		InterruptSettle: p.timings.InterruptSettle,
	}
	runner := submit.NewRunner(p.desk, timeouts.PromptBackstop, p.logger)
	orchestrator := attempt.New(cfg, p.desk, monitor, runner, p.phases, p.logger, attempt.WithProbe(p.ollama))

	ctrl := controller.New(
		controller.Config{MaxAttempts: p.cfg.Run.Retries, Cooldown: p.timings.Cooldown},
		orchestrator,
		p.logger,
		controller.WithObserver(func(r attempt.Result) {
			p.rec.Attempt(string(r.State))
			if r.Reason != "" {
				p.rec.Failure(r.Reason.String())
			}
		}),
	)
	return ctrl.Run(ctx)
}

func (p *pipeline) banner() {
	prompt := p.prompt
	if r := []rune(prompt); len(r) > 80 {
		prompt = string(r[:80]) + "..."
	}
	editFormat := string(p.cfg.Run.EditFormat)
	if editFormat == "" {
		editFormat = "(server default)"
	}
	p.logger.Info("AiderDesk + Ollama prompt runner",
		slog.String("model", p.cfg.Run.Model),
		slog.Int("timeout_s", p.cfg.Run.Timeout),
		slog.Int("max_attempts", p.cfg.Run.Retries),
		slog.String("mode", string(p.cfg.Run.Mode)),
		slog.String("edit_format", editFormat),
		slog.String("target_file", p.cfg.Run.TargetFile),
		slog.String("prompt", prompt),
	)
}

func (p *pipeline) logRunning(ctx context.Context) {
	models, err := p.ollama.RunningModels(ctx)
	if err != nil {
		p.logger.Warn("Could not list running models", slog.String("error", err.Error()))
		return
	}
	p.logger.Info("Ollama running models", slog.Any("models", models))
}

func (p *pipeline) startTailers(ctx context.Context, g *errgroup.Group) {
	if p.cfg.Run.NoTailLogs {
		return
	}
	home := p.deps.Home
	if home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			p.logger.Warn("Log tailing disabled", slog.String("error", err.Error()))
			return
		}
		home = dir
	}
	for _, t := range []*tailer.Tailer{
		tailer.New(tailer.OllamaLogPath(home), tailer.LabelOllama, p.logger),
		tailer.New(tailer.AiderDeskLogPath(home, time.Now()), tailer.LabelAiderDesk, p.logger),
	} {
		g.Go(func() error { return t.Run(ctx) })
	}
}

func (p *pipeline) setupProject(ctx context.Context) error {
	if err := p.desk.AddOpenProject(ctx); err != nil {
		p.logger.Warn("Could not open project", slog.String("error", err.Error()))
	}
	if err := p.desk.SetActiveProject(ctx); err != nil {
		p.logger.Warn("Could not set active project", slog.String("error", err.Error()))
	}
	p.logger.Info("Project set active", slog.String("project_dir", p.cfg.Desk.ProjectDir))

	if format := p.cfg.Run.EditFormat; format != "" {
		if err := p.desk.SetEditFormat(ctx, p.cfg.Run.Model, format); err != nil {
			p.logger.Warn("Could not set edit format", slog.String("format", string(format)), slog.String("error", err.Error()))
		}
	}
	if err := p.desk.SetAutoApprove(ctx, true); err != nil {
		p.logger.Warn("Could not enable auto-approve", slog.String("error", err.Error()))
	}

	if p.cfg.Run.NoCleanup {
		return nil
	}
	p.cleanupTasks(ctx)
	if err := sleep(ctx, p.timings.SetupSettle); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	return nil
}

func (p *pipeline) cleanupTasks(ctx context.Context) {
	tasks, err := p.desk.ListTasks(ctx)
	if err != nil {
		p.logger.Warn("Could not list existing tasks", slog.String("error", err.Error()))
		return
	}
	if len(tasks) == 0 {
		p.logger.Info("No existing tasks found")
		return
	}
	p.logger.Info("Deleting existing tasks", slog.Int("count", len(tasks)))
	for _, task := range tasks {
		if task.ID == "" {
			continue
		}
		if err := p.desk.DeleteTask(ctx, task.ID); err != nil {
			p.logger.Warn("Failed to delete task", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
	}
}

func (p *pipeline) removeStaleTarget() {
	path := p.cfg.Run.TargetFile
	if path == "" {
		return
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		p.logger.Info("Removed pre-existing target", slog.String("path", path))
	case !errors.Is(err, os.ErrNotExist):
		p.logger.Warn("Could not remove pre-existing target", slog.String("path", path), slog.String("error", err.Error()))
	}
}

func (p *pipeline) exportMetrics(result Result) {
	p.rec.Phases(p.phases)
	p.rec.Success(result.Succeeded)
	if p.cfg.Metrics.File == "" {
		return
	}
	if err := p.rec.WriteTextfile(p.cfg.Metrics.File); err != nil {
		p.logger.Warn("Could not export metrics", slog.String("error", err.Error()))
		return
	}
	p.logger.Info("Metrics written", slog.String("path", p.cfg.Metrics.File))
}

func hasContent(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
