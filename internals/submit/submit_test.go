package submit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/deskrun/internals/desk"
)

type senderFunc func(ctx context.Context, req desk.RunPromptRequest) (int, error)

func (f senderFunc) RunPrompt(ctx context.Context, req desk.RunPromptRequest) (int, error) {
	return f(ctx, req)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("request never settled")
	}
}

func TestStartReturnsBeforeRequestSettles(t *testing.T) {
	release := make(chan struct{})
	var got desk.RunPromptRequest
	sender := senderFunc(func(ctx context.Context, req desk.RunPromptRequest) (int, error) {
		got = req
		<-release
		return 200, nil
	})
	runner := NewRunner(sender, time.Minute, discardLogger())

	h := runner.Start(context.Background(), Request{TaskID: "t1", Prompt: "create a.txt", Mode: desk.ModeAgent})
	assert.False(t, h.Outcome().Done)

	close(release)
	waitDone(t, h)

	outcome := h.Outcome()
	assert.True(t, outcome.Done)
	assert.Equal(t, 200, outcome.StatusCode)
	assert.Empty(t, outcome.Err)
	assert.Equal(t, desk.RunPromptRequest{TaskID: "t1", Prompt: "create a.txt", Mode: desk.ModeAgent}, got)
}

func TestTransportErrorIsRecorded(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, req desk.RunPromptRequest) (int, error) {
		return 0, errors.New("connection refused")
	})
	h := NewRunner(sender, time.Minute, discardLogger()).Start(context.Background(), Request{TaskID: "t1"})
	waitDone(t, h)

	outcome := h.Outcome()
	assert.True(t, outcome.Done)
	assert.Zero(t, outcome.StatusCode)
	assert.Equal(t, "connection refused", outcome.Err)
}

func TestBackstopBoundsTheCall(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, req desk.RunPromptRequest) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	h := NewRunner(sender, 20*time.Millisecond, discardLogger()).Start(context.Background(), Request{TaskID: "t1"})
	waitDone(t, h)

	require.True(t, h.Outcome().Done)
	assert.Contains(t, h.Outcome().Err, "deadline exceeded")
	assert.True(t, strings.HasPrefix(h.Outcome().Err, "timeout: "))
}

func TestBackstopOnSlowServerReadsAsTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	sender := senderFunc(func(ctx context.Context, req desk.RunPromptRequest) (int, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/api/run-prompt", nil)
		if err != nil {
			return 0, err
		}
		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	})
	h := NewRunner(sender, 50*time.Millisecond, discardLogger()).Start(context.Background(), Request{TaskID: "t1"})
	waitDone(t, h)

	outcome := h.Outcome()
	require.True(t, outcome.Done)
	assert.Zero(t, outcome.StatusCode)
	assert.True(t, strings.HasPrefix(outcome.Err, "timeout: "), outcome.Err)
	assert.Contains(t, outcome.Err, "/api/run-prompt")
}

func TestSettleHappensOnce(t *testing.T) {
	h := &Handle{done: make(chan struct{})}
	h.settle(500, nil)
	h.settle(0, errors.New("late"))

	outcome := h.Outcome()
	assert.Equal(t, 500, outcome.StatusCode)
	assert.Empty(t, outcome.Err)
}
