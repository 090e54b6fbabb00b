package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentforge/deskrun/internals/desk"
	"github.com/agentforge/deskrun/internals/failure"
	"github.com/agentforge/deskrun/internals/metrics"
	"github.com/agentforge/deskrun/internals/submit"
	"github.com/agentforge/deskrun/internals/telemetry"
	"github.com/agentforge/deskrun/internals/timeouts"
)

type Orchestrator struct {
	cfg       Config
	desk      ControlPlane
	monitor   Monitor
	submitter Submitter
	probe     Probe
	phases    *metrics.Phases
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithProbe(probe Probe) Option {
	return func(o *Orchestrator) {
		o.probe = probe
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

func New(cfg Config, cp ControlPlane, monitor Monitor, submitter Submitter, phases *metrics.Phases, logger *slog.Logger, opts ...Option) *Orchestrator {
	if phases == nil {
		phases = metrics.NewPhases()
	}
	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		desk:      cp,
		monitor:   monitor,
		submitter: submitter,
		phases:    phases,
		logger:    logger.With(slog.String("component", "attempt")),
		tracer:    telemetry.Tracer(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the mutable state of one attempt through its phases.
type run struct {
	result     Result
	span       trace.Span
	logger     *slog.Logger
	started    time.Time
	firstChunk bool
	settled    bool
	staleWarn  bool
}

func (r *run) transition(state State) {
	r.result.State = state
	r.span.AddEvent("state", trace.WithAttributes(attribute.String("state", string(state))))
	r.logger.Debug("Attempt state", slog.String("state", string(state)))
}

// Run executes attempt number n to a terminal state. It never returns an
// in-flight state.
func (o *Orchestrator) Run(ctx context.Context, n int) Result {
	ctx, span := o.tracer.Start(ctx, "attempt", trace.WithAttributes(attribute.Int("attempt", n)))
	defer span.End()

	r := &run{
		result: Result{
			Number: n,
			Task:   Task{Prompt: o.cfg.Prompt, Mode: o.cfg.Mode},
		},
		span:    span,
		logger:  o.logger.With(slog.Int("attempt", n)),
		started: o.now(),
	}
	o.logger.Info("Starting attempt", slog.Int("attempt", n))
	o.logRunningModels(ctx, r.logger)

	if err := o.create(ctx, r); err != nil {
		return o.abort(r, err)
	}
	if err := o.configure(ctx, r); err != nil {
		return o.abort(r, err)
	}

	submitted := o.now()
	handle := o.submitter.Start(ctx, submit.Request{
		TaskID: r.result.Task.ID,
		Prompt: o.cfg.Prompt,
		Mode:   o.cfg.Mode,
	})
	r.transition(StateSubmitted)
	r.logger.Info("Waiting for completion", slog.Duration("timeout", o.cfg.Timeout))

	r.transition(StatePolling)
	o.poll(ctx, r, handle, submitted)
	r.result.Outcome = handle.Outcome()
	return o.finish(r)
}

func (o *Orchestrator) create(ctx context.Context, r *run) error {
	start := o.now()
	name := fmt.Sprintf("Prompt #%d - %s", r.result.Number, start.Format("15:04:05"))
	taskID, err := o.desk.CreateTask(ctx, name)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	r.result.Task.ID = taskID
	r.result.Task.Name = name
	r.result.Task.CreatedAt = start
	r.span.SetAttributes(attribute.String("task_id", taskID))
	r.logger = r.logger.With(slog.String("task_id", taskID))
	o.monitor.UpdateTaskID(taskID)
	r.transition(StateCreated)
	r.logger.Info("Task created", slog.String("name", name))

	if err := o.desk.SetMainModel(ctx, taskID, o.cfg.Model); err != nil {
		r.logger.Warn("Could not set main model", slog.String("model", o.cfg.Model), slog.String("error", err.Error()))
	}
	if err := o.desk.UpdateTask(ctx, taskID, desk.TaskUpdates{AutoApprove: true, CurrentMode: o.cfg.Mode}); err != nil {
		r.logger.Warn("Could not update task", slog.String("error", err.Error()))
	}
	r.logger.Info("Task configured", slog.String("model", o.cfg.Model), slog.String("mode", string(o.cfg.Mode)))
	o.phases.Set(PhaseTaskCreation, o.now().Sub(start))
	return nil
}

func (o *Orchestrator) configure(ctx context.Context, r *run) error {
	if o.cfg.TargetFile != "" {
		if err := resetTarget(o.cfg.TargetFile); err != nil {
			r.logger.Warn("Could not pre-create target", slog.String("path", o.cfg.TargetFile), slog.String("error", err.Error()))
		}
		if err := o.desk.AddContextFile(ctx, r.result.Task.ID, o.cfg.TargetFile); err != nil {
			r.logger.Warn("Could not add target to context", slog.String("error", err.Error()))
		} else {
			r.logger.Info("Target added to task context", slog.String("file", filepath.Base(o.cfg.TargetFile)))
		}
	}
	r.transition(StateConfigured)
	return sleep(ctx, o.cfg.SettleDelay)
}

func (o *Orchestrator) poll(ctx context.Context, r *run, handle *submit.Handle, submitted time.Time) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		elapsed := o.now().Sub(submitted)
		state := o.monitor.Snapshot()
		r.result.Chunks = state.ChunksReceived

		if state.ChunksReceived > 0 && !r.firstChunk {
			r.firstChunk = true
			o.phases.Set(PhaseFirstChunk, elapsed)
			r.span.AddEvent("first_chunk")
		}

		if state.Completed {
			r.logger.Info("Completion received", slog.Duration("after", elapsed.Round(100*time.Millisecond)), slog.Int("chunks", state.ChunksReceived))
			o.phases.Set(PhaseCompletion, elapsed)
			r.transition(StateCompleted)
			return
		}

		if state.QuestionPending {
			r.logger.Info("Task asking question; auto-answering", slog.String("question", state.QuestionText), slog.String("answer", autoAnswer))
			if err := o.desk.AnswerQuestion(ctx, r.result.Task.ID, autoAnswer); err != nil {
				r.logger.Warn("Failed to answer question", slog.String("error", err.Error()))
			} else {
				o.monitor.ClearQuestion()
			}
		}

		if !r.result.FileOnDisk && hasContent(o.cfg.TargetFile) {
			r.result.FileOnDisk = true
			o.phases.Set(PhaseFileOnDisk, elapsed)
			r.logger.Info("Target has content on disk", slog.String("file", filepath.Base(o.cfg.TargetFile)))
		}

		if r.result.FileOnDisk && state.FileDropped {
			r.logger.Info("Target on disk and dropped from chat; interrupting redundant pass")
			o.interrupt(ctx, r)
			r.transition(StateEarlySuccess)
			return
		}

		if stale, quiet := failure.Stale(state, o.now(), o.cfg.StaleThreshold); stale {
			if !r.staleWarn {
				r.staleWarn = true
				r.logger.Warn("Generation may have stalled", slog.Duration("quiet", quiet.Round(time.Second)))
			}
		} else {
			r.staleWarn = false
		}

		outcome := handle.Outcome()
		if outcome.Done {
			if !r.settled {
				r.settled = true
				if outcome.Err != "" {
					r.logger.Warn("Prompt request failed", slog.String("error", outcome.Err))
				} else {
					r.logger.Info("Prompt request returned", slog.Int("status", outcome.StatusCode))
				}
				if err := sleep(ctx, o.cfg.GraceWindow); err != nil {
					o.cancelled(r, err)
					return
				}
			}
			if o.monitor.Snapshot().Completed {
				o.phases.Set(PhaseCompletion, o.now().Sub(submitted))
				r.transition(StateCompleted)
				return
			}
			if hasContent(o.cfg.TargetFile) {
				r.logger.Info("Prompt request finished and target has content; treating as success")
				r.result.FileOnDisk = true
				r.transition(StateCompleted)
				return
			}
		}

		if elapsed > o.cfg.Timeout {
			o.timeout(ctx, r, handle, elapsed)
			return
		}

		select {
		case <-ctx.Done():
			o.cancelled(r, ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) timeout(ctx context.Context, r *run, handle *submit.Handle, elapsed time.Duration) {
	state := o.monitor.Snapshot()
	outcome := handle.Outcome()
	reason := failure.Classify(state, outcome, elapsed)
	r.result.Reason = reason
	r.result.Chunks = state.ChunksReceived
	if hasContent(o.cfg.TargetFile) {
		r.result.FileOnDisk = true
	}

	r.logger.Warn("No completion within timeout",
		slog.Duration("timeout", o.cfg.Timeout),
		slog.String("reason", reason.String()),
		slog.Int("chunks", state.ChunksReceived),
		slog.Duration("stale_for", o.now().Sub(state.LastActivity).Round(100*time.Millisecond)),
		slog.Bool("request_done", outcome.Done),
		slog.Int("request_status", outcome.StatusCode),
		slog.String("request_error", outcome.Err),
	)
	o.logRunningModels(ctx, r.logger)
	o.interrupt(ctx, r)
	r.transition(StateTimedOut)
	_ = sleep(ctx, o.cfg.InterruptSettle)
}

func (o *Orchestrator) interrupt(ctx context.Context, r *run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.ControlCall)
	defer cancel()
	if err := o.desk.Interrupt(ctx, r.result.Task.ID); err != nil {
		r.logger.Warn("Interrupt failed", slog.String("error", err.Error()))
		return
	}
	r.logger.Info("Interrupt sent")
}

func (o *Orchestrator) cancelled(r *run, err error) {
	r.result.Err = err
	r.transition(StateAborted)
}

func (o *Orchestrator) abort(r *run, err error) Result {
	r.result.Err = err
	r.logger.Error("Attempt aborted", slog.String("error", err.Error()))
	r.transition(StateAborted)
	return o.finish(r)
}

func (o *Orchestrator) finish(r *run) Result {
	r.result.Elapsed = o.now().Sub(r.started)
	r.span.SetAttributes(
		attribute.String("state", string(r.result.State)),
		attribute.Int("chunks", r.result.Chunks),
	)
	if r.result.Reason != "" {
		r.span.SetAttributes(attribute.String("reason", r.result.Reason.String()))
	}
	if !r.result.Succeeded() {
		desc := string(r.result.State)
		if r.result.Err != nil {
			r.span.RecordError(r.result.Err)
			desc = r.result.Err.Error()
		}
		r.span.SetStatus(codes.Error, desc)
	}
	return r.result
}

func (o *Orchestrator) logRunningModels(ctx context.Context, logger *slog.Logger) {
	if o.probe == nil {
		return
	}
	models, err := o.probe.RunningModels(ctx)
	if err != nil {
		logger.Warn("Could not list running models", slog.String("error", err.Error()))
		return
	}
	if len(models) == 0 {
		logger.Warn("No models loaded in Ollama; expect a cold start")
		return
	}
	logger.Info("Ollama running models", slog.Any("models", models))
}

// resetTarget replaces path with an empty file so edit formats have something to patch.
func resetTarget(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, nil, 0o644)
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
