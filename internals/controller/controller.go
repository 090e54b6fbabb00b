package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/agentforge/deskrun/internals/attempt"
	"github.com/agentforge/deskrun/internals/timeouts"
)

// Attempter runs one numbered attempt to a terminal state.
type Attempter interface {
	Run(ctx context.Context, n int) attempt.Result
}

type Config struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// Summary is the outcome of the whole retry loop.
type Summary struct {
	Succeeded bool
	// ArtifactProduced is set when a failed attempt left the target on disk.
	ArtifactProduced bool
	Attempts         []attempt.Result
	LastTaskID       string
	TotalElapsed     time.Duration
}

func (s Summary) Last() (attempt.Result, bool) {
	if len(s.Attempts) == 0 {
		return attempt.Result{}, false
	}
	return s.Attempts[len(s.Attempts)-1], true
}

type Controller struct {
	cfg       Config
	attempter Attempter
	logger    *slog.Logger
	observe   func(attempt.Result)
}

type Option func(*Controller)

// WithObserver is called with every finished attempt, in order.
func WithObserver(fn func(attempt.Result)) Option {
	return func(c *Controller) {
		c.observe = fn
	}
}

func New(cfg Config, attempter Attempter, logger *slog.Logger, opts ...Option) *Controller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = timeouts.Cooldown
	}
	c := &Controller{
		cfg:       cfg,
		attempter: attempter,
		logger:    logger.With(slog.String("component", "controller")),
		observe:   func(attempt.Result) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var errAttemptFailed = errors.New("attempt failed")

// Run stops at the first successful attempt, at the first attempt that left
// the target on disk, or after MaxAttempts failures.
func (c *Controller) Run(ctx context.Context) Summary {
	start := time.Now()
	summary := Summary{}

	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), retry.NewConstant(c.cfg.Cooldown))
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		n := len(summary.Attempts) + 1
		c.logger.Info("Attempt", slog.Int("n", n), slog.Int("of", c.cfg.MaxAttempts))

		result := c.attempter.Run(ctx, n)
		summary.Attempts = append(summary.Attempts, result)
		if result.Task.ID != "" {
			summary.LastTaskID = result.Task.ID
		}
		c.observe(result)

		if result.Succeeded() {
			summary.Succeeded = true
			return nil
		}

		attrs := []any{slog.Int("n", n), slog.String("state", string(result.State))}
		if result.Reason != "" {
			attrs = append(attrs, slog.String("reason", result.Reason.String()))
		}
		c.logger.Warn("Attempt failed", attrs...)

		if result.ArtifactProduced() {
			summary.ArtifactProduced = true
			c.logger.Info("Target file produced, not retrying", slog.Int("n", n))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n < c.cfg.MaxAttempts {
			c.logger.Info("Cooling down before next attempt", slog.Duration("wait", c.cfg.Cooldown))
		}
		return retry.RetryableError(errAttemptFailed)
	})

	summary.TotalElapsed = time.Since(start)
	return summary
}
