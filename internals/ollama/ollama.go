package ollama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/agentforge/deskrun/internals/timeouts"
)

var ErrModelNotFound = errors.New("model not found")

const keepAlive = 24 * time.Hour

type Client struct {
	api    *api.Client
	logger *slog.Logger
}

func NewClient(host string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("ollama: bad host %q: %w", host, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		api:    api.NewClient(u, httpClient),
		logger: logger.With(slog.String("component", "ollama")),
	}, nil
}

// ShortName strips the provider prefix used by the control plane.
func ShortName(model string) string {
	return strings.TrimPrefix(model, "ollama/")
}

// CheckModel verifies the service answers and has model available.
func (c *Client) CheckModel(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.HealthProbe)
	defer cancel()

	resp, err := c.api.List(ctx)
	if err != nil {
		return fmt.Errorf("reach ollama: %w", err)
	}
	short := ShortName(model)
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		if strings.Contains(m.Name, short) {
			c.logger.Info("Ollama healthy", slog.String("model", short))
			return nil
		}
		names = append(names, m.Name)
	}
	return fmt.Errorf("%w: %s (available: %s)", ErrModelNotFound, short, strings.Join(names, ", "))
}

// RunningModels lists the models currently loaded in memory.
func (c *Client) RunningModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.HealthProbe)
	defer cancel()

	resp, err := c.api.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		c.logger.Debug("Loaded model", slog.String("name", m.Name), slog.Int64("size", m.Size), slog.Time("expires_at", m.ExpiresAt))
		names = append(names, m.Name)
	}
	return names, nil
}

// WarmUp forces the model into memory with a trivial prompt and a long keep-alive.
func (c *Client) WarmUp(ctx context.Context, model string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = timeouts.DefaultWarmUp
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	short := ShortName(model)
	c.logger.Info("Warming up model (may take several minutes)", slog.String("model", short))
	stream := false
	req := &api.GenerateRequest{
		Model:     short,
		Prompt:    "hi",
		Stream:    &stream,
		KeepAlive: &api.Duration{Duration: keepAlive},
	}
	if err := c.api.Generate(ctx, req, func(api.GenerateResponse) error { return nil }); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("warm-up timed out after %s: %w", timeout, err)
		}
		return fmt.Errorf("warm-up: %w", err)
	}
	c.logger.Info("Model is warm", slog.String("model", short))
	return nil
}
