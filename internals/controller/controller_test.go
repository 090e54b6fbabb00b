package controller

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/deskrun/internals/attempt"
	"github.com/agentforge/deskrun/internals/failure"
)

type scripted struct {
	states []attempt.State
	// onDisk marks attempts that end with the target file written.
	onDisk map[int]bool
	calls  []int
	times  []time.Time
}

func (s *scripted) Run(ctx context.Context, n int) attempt.Result {
	s.calls = append(s.calls, n)
	s.times = append(s.times, time.Now())
	state := s.states[len(s.calls)-1]
	result := attempt.Result{Number: n, State: state, Task: attempt.Task{ID: "task-" + string(rune('0'+n))}}
	if state == attempt.StateTimedOut {
		result.Reason = failure.ConnectionError
	}
	result.FileOnDisk = s.onDisk[n]
	return result
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunExhaustsAttempts(t *testing.T) {
	attempter := &scripted{states: []attempt.State{attempt.StateTimedOut, attempt.StateAborted, attempt.StateTimedOut}}
	var observed []int
	c := New(Config{MaxAttempts: 3, Cooldown: 20 * time.Millisecond}, attempter, discardLogger(),
		WithObserver(func(r attempt.Result) { observed = append(observed, r.Number) }))

	summary := c.Run(context.Background())

	assert.False(t, summary.Succeeded)
	assert.Equal(t, []int{1, 2, 3}, attempter.calls)
	assert.Equal(t, []int{1, 2, 3}, observed)
	require.Len(t, summary.Attempts, 3)
	assert.Equal(t, failure.ConnectionError, summary.Attempts[0].Reason)
	assert.Equal(t, "task-3", summary.LastTaskID)
	for i := 1; i < len(attempter.times); i++ {
		assert.GreaterOrEqual(t, attempter.times[i].Sub(attempter.times[i-1]), 20*time.Millisecond)
	}
}

func TestRunStopsAtFirstSuccess(t *testing.T) {
	attempter := &scripted{states: []attempt.State{attempt.StateTimedOut, attempt.StateEarlySuccess, attempt.StateTimedOut}}
	c := New(Config{MaxAttempts: 3, Cooldown: time.Millisecond}, attempter, discardLogger())

	summary := c.Run(context.Background())

	assert.True(t, summary.Succeeded)
	assert.Equal(t, []int{1, 2}, attempter.calls)
	last, ok := summary.Last()
	require.True(t, ok)
	assert.Equal(t, attempt.StateEarlySuccess, last.State)
	assert.Equal(t, "task-2", summary.LastTaskID)
}

func TestRunStopsWhenTimedOutAttemptLeftTarget(t *testing.T) {
	attempter := &scripted{
		states: []attempt.State{attempt.StateTimedOut, attempt.StateCompleted},
		onDisk: map[int]bool{1: true},
	}
	c := New(Config{MaxAttempts: 2, Cooldown: time.Millisecond}, attempter, discardLogger())

	summary := c.Run(context.Background())

	assert.Equal(t, []int{1}, attempter.calls)
	assert.False(t, summary.Succeeded)
	assert.True(t, summary.ArtifactProduced)
	require.Len(t, summary.Attempts, 1)
	assert.Equal(t, attempt.StateTimedOut, summary.Attempts[0].State)
}

func TestRunSingleAttemptDoesNotCoolDown(t *testing.T) {
	attempter := &scripted{states: []attempt.State{attempt.StateTimedOut}}
	c := New(Config{MaxAttempts: 1, Cooldown: time.Hour}, attempter, discardLogger())

	done := make(chan Summary, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case summary := <-done:
		assert.False(t, summary.Succeeded)
		assert.Len(t, summary.Attempts, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("controller waited after the last attempt")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	attempter := &scripted{states: []attempt.State{attempt.StateTimedOut, attempt.StateCompleted}}
	c := New(Config{MaxAttempts: 2, Cooldown: time.Hour}, attempter, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	summary := c.Run(ctx)

	assert.False(t, summary.Succeeded)
	assert.Equal(t, []int{1}, attempter.calls)
}

func TestMaxAttemptsFloor(t *testing.T) {
	attempter := &scripted{states: []attempt.State{attempt.StateCompleted}}
	c := New(Config{MaxAttempts: 0}, attempter, discardLogger())
	assert.True(t, c.Run(context.Background()).Succeeded)
}
