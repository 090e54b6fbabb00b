package attempt

import (
	"context"
	"time"

	"github.com/agentforge/deskrun/internals/desk"
	"github.com/agentforge/deskrun/internals/events"
	"github.com/agentforge/deskrun/internals/failure"
	"github.com/agentforge/deskrun/internals/submit"
	"github.com/agentforge/deskrun/internals/timeouts"
)

// State is the lifecycle position of one attempt.
type State string

const (
	StateCreated      State = "created"
	StateConfigured   State = "configured"
	StateSubmitted    State = "submitted"
	StatePolling      State = "polling"
	StateCompleted    State = "completed"
	StateTimedOut     State = "timed_out"
	StateEarlySuccess State = "early_success"
	// StateAborted ends an attempt that never reached polling.
	StateAborted State = "aborted"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateEarlySuccess, StateAborted:
		return true
	}
	return false
}

// Phase names recorded per attempt.
const (
	PhaseTaskCreation = "task_creation"
	PhaseFirstChunk   = "first_chunk"
	PhaseCompletion   = "completion"
	PhaseFileOnDisk   = "file_on_disk"
)

const autoAnswer = "yes"

// ControlPlane is the subset of the control-plane API an attempt drives.
type ControlPlane interface {
	CreateTask(ctx context.Context, name string) (string, error)
	SetMainModel(ctx context.Context, taskID, model string) error
	UpdateTask(ctx context.Context, taskID string, updates desk.TaskUpdates) error
	AddContextFile(ctx context.Context, taskID, path string) error
	AnswerQuestion(ctx context.Context, taskID, answer string) error
	Interrupt(ctx context.Context, taskID string) error
}

type Monitor interface {
	UpdateTaskID(taskID string)
	Snapshot() events.State
	ClearQuestion()
}

type Submitter interface {
	Start(ctx context.Context, req submit.Request) *submit.Handle
}

// Probe reports which models the inference service has loaded.
type Probe interface {
	RunningModels(ctx context.Context) ([]string, error)
}

type Config struct {
	Model      string
	Mode       desk.Mode
	Prompt     string
	TargetFile string

	Timeout         time.Duration
	PollInterval    time.Duration
	SettleDelay     time.Duration
	GraceWindow     time.Duration
	StaleThreshold  time.Duration
	InterruptSettle time.Duration
}

// withDefaults fills zero durations from the timeouts package.
func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = desk.ModeCode
	}
	if c.Timeout <= 0 {
		c.Timeout = timeouts.DefaultAttempt
	}
	if c.PollInterval <= 0 {
		c.PollInterval = timeouts.PollInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.GraceWindow < 0 {
		c.GraceWindow = 0
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = timeouts.StaleThreshold
	}
	if c.InterruptSettle < 0 {
		c.InterruptSettle = 0
	}
	return c
}

// DefaultConfig returns the production timings for model, mode and prompt.
func DefaultConfig(model string, mode desk.Mode, prompt string) Config {
	return Config{
		Model:           model,
		Mode:            mode,
		Prompt:          prompt,
		Timeout:         timeouts.DefaultAttempt,
		PollInterval:    timeouts.PollInterval,
		SettleDelay:     timeouts.SettleDelay,
		GraceWindow:     timeouts.GraceWindow,
		StaleThreshold:  timeouts.StaleThreshold,
		InterruptSettle: timeouts.InterruptSettle,
	}
}

type Task struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Prompt    string
	Mode      desk.Mode
}

type Result struct {
	Number int
	Task   Task
	State  State
	// Reason is set only for StateTimedOut.
	Reason     failure.Reason
	Elapsed    time.Duration
	Chunks     int
	FileOnDisk bool
	Outcome    submit.Outcome
	Err        error
}

func (r Result) Succeeded() bool {
	return r.State == StateCompleted || r.State == StateEarlySuccess
}

// ArtifactProduced reports whether the target file had content when the
// attempt ended, whatever its terminal state.
func (r Result) ArtifactProduced() bool {
	return r.FileOnDisk
}
