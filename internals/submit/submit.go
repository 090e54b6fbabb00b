package submit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/agentforge/deskrun/internals/desk"
)

// Outcome is the settled state of the prompt request. StatusCode is 0 while
// absent; StatusCode and Err are never both set.
type Outcome struct {
	Done       bool
	StatusCode int
	Err        string
}

// Request is the prompt submission for one task.
type Request struct {
	TaskID string
	Prompt string
	Mode   desk.Mode
}

// PromptSender issues the prompt call. It returns the HTTP status when a
// response arrived and an error only when none did.
type PromptSender interface {
	RunPrompt(ctx context.Context, req desk.RunPromptRequest) (int, error)
}

// Handle exposes the outcome of one background request.
type Handle struct {
	mu      sync.Mutex
	outcome Outcome
	done    chan struct{}
}

func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Done is closed once the outcome is settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) settle(status int, err error) {
	h.mu.Lock()
	if h.outcome.Done {
		h.mu.Unlock()
		return
	}
	h.outcome.Done = true
	if err != nil {
		h.outcome.Err = describe(err)
	} else {
		h.outcome.StatusCode = status
	}
	h.mu.Unlock()
	close(h.done)
}

// describe renders a request error. Deadline and network timeouts are
// prefixed so they read as timeouts regardless of how the transport worded them.
func describe(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout: " + err.Error()
	}
	return err.Error()
}

type Runner struct {
	sender   PromptSender
	backstop time.Duration
	logger   *slog.Logger
}

func NewRunner(sender PromptSender, backstop time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		sender:   sender,
		backstop: backstop,
		logger:   logger.With(slog.String("component", "submit")),
	}
}

// Start fires the prompt on its own goroutine and returns immediately.
func (r *Runner) Start(ctx context.Context, req Request) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, r.backstop)
		defer cancel()
		status, err := r.sender.RunPrompt(callCtx, desk.RunPromptRequest{
			TaskID: req.TaskID,
			Prompt: req.Prompt,
			Mode:   req.Mode,
		})
		h.settle(status, err)
	}()
	r.logger.Info("Prompt submitted in background", slog.String("task_id", req.TaskID), slog.Int("chars", len(req.Prompt)))
	return h
}
