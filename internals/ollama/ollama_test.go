package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOllama struct {
	mu       sync.Mutex
	generate map[string]any
	delay    time.Duration
}

func (f *fakeOllama) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/tags", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"qwen2.5-coder:32b","model":"qwen2.5-coder:32b"},{"name":"llama3:8b","model":"llama3:8b"}]}`))
	})
	r.Get("/api/ps", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"qwen2.5-coder:32b","model":"qwen2.5-coder:32b","size":19851336640}]}`))
	})
	r.Post("/api/generate", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		f.mu.Lock()
		f.generate = body
		delay := f.delay
		f.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return
			}
		}
		_, _ = w.Write([]byte(`{"model":"qwen2.5-coder:32b","response":"Hello","done":true}` + "\n"))
	})
	return r
}

func newTestClient(t *testing.T, fake *fakeOllama) *Client {
	t.Helper()
	server := httptest.NewServer(fake.router())
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL, server.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "qwen2.5-coder:32b", ShortName("ollama/qwen2.5-coder:32b"))
	assert.Equal(t, "llama3", ShortName("llama3"))
}

func TestCheckModel(t *testing.T) {
	client := newTestClient(t, &fakeOllama{})

	require.NoError(t, client.CheckModel(context.Background(), "ollama/qwen2.5-coder:32b"))

	err := client.CheckModel(context.Background(), "ollama/mistral")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelNotFound))
	assert.Contains(t, err.Error(), "llama3:8b")
}

func TestCheckModelUnreachable(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	err = client.CheckModel(context.Background(), "ollama/qwen2.5-coder:32b")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrModelNotFound))
}

func TestRunningModels(t *testing.T) {
	client := newTestClient(t, &fakeOllama{})

	models, err := client.RunningModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"qwen2.5-coder:32b"}, models)
}

func TestWarmUpKeepsModelLoaded(t *testing.T) {
	fake := &fakeOllama{}
	client := newTestClient(t, fake)

	require.NoError(t, client.WarmUp(context.Background(), "ollama/qwen2.5-coder:32b", time.Second))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "qwen2.5-coder:32b", fake.generate["model"])
	assert.Equal(t, false, fake.generate["stream"])
	assert.NotNil(t, fake.generate["keep_alive"])
}

func TestWarmUpTimeout(t *testing.T) {
	client := newTestClient(t, &fakeOllama{delay: time.Second})

	err := client.WarmUp(context.Background(), "ollama/qwen2.5-coder:32b", 30*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warm-up")
}
