package desk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentforge/deskrun/internals/timeouts"
)

const maxErrorBody = 200

var ErrNoTaskID = errors.New("create task: response has no id")

type Client struct {
	baseURL    string
	projectDir string
	username   string
	password   string
	httpClient *http.Client
}

// APIError is a non-2xx response from the control plane.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("unexpected status: %d", e.StatusCode)
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

func WithProjectDir(dir string) Option {
	return func(c *Client) {
		c.projectDir = dir
	}
}

func NewClient(opts ...Option) *Client {
	client := &Client{
		baseURL:    "http://localhost:24337",
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) ProjectDir() string {
	return c.projectDir
}

type response struct {
	StatusCode int
	Body       []byte
}

func (r response) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r response) err() error {
	body := strings.TrimSpace(string(r.Body))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &APIError{StatusCode: r.StatusCode, Body: body}
}

// do issues one call. A zero timeout leaves the deadline to ctx.
func (c *Client) do(ctx context.Context, method, path string, payload any, timeout time.Duration) (response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return response{}, err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api"+path, body)
	if err != nil {
		return response{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, err
	}
	return response{StatusCode: resp.StatusCode, Body: data}, nil
}

// call is do plus status judgement.
func (c *Client) call(ctx context.Context, method, path string, payload any) (response, error) {
	resp, err := c.do(ctx, method, path, payload, timeouts.ControlCall)
	if err != nil {
		return resp, err
	}
	if !resp.ok() {
		return resp, resp.err()
	}
	return resp, nil
}

func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/settings", nil, timeouts.HealthProbe)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return resp.err()
	}
	return nil
}

type projectRequest struct {
	ProjectDir string `json:"projectDir"`
}

func (c *Client) AddOpenProject(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, "/project/add-open", projectRequest{ProjectDir: c.projectDir})
	return err
}

func (c *Client) SetActiveProject(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, "/project/set-active", projectRequest{ProjectDir: c.projectDir})
	return err
}

func (c *Client) SetEditFormat(ctx context.Context, model string, format EditFormat) error {
	payload := struct {
		ProjectDir     string                `json:"projectDir"`
		UpdatedFormats map[string]EditFormat `json:"updatedFormats"`
	}{
		ProjectDir:     c.projectDir,
		UpdatedFormats: map[string]EditFormat{model: format},
	}
	_, err := c.call(ctx, http.MethodPost, "/project/settings/edit-formats", payload)
	return err
}

func (c *Client) SetAutoApprove(ctx context.Context, enabled bool) error {
	payload := struct {
		ProjectDir  string `json:"projectDir"`
		AutoApprove bool   `json:"autoApprove"`
	}{ProjectDir: c.projectDir, AutoApprove: enabled}
	_, err := c.call(ctx, http.MethodPost, "/project/settings/update", payload)
	return err
}

func (c *Client) ListTasks(ctx context.Context) ([]TaskInfo, error) {
	resp, err := c.call(ctx, http.MethodGet, "/project/tasks?projectDir="+url.QueryEscape(c.projectDir), nil)
	if err != nil {
		return nil, err
	}
	var tasks []TaskInfo
	if err := json.Unmarshal(resp.Body, &tasks); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return tasks, nil
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	payload := struct {
		ProjectDir string `json:"projectDir"`
		ID         string `json:"id"`
	}{ProjectDir: c.projectDir, ID: taskID}
	_, err := c.call(ctx, http.MethodPost, "/project/tasks/delete", payload)
	return err
}

// CreateTask returns the id of the new, activated task.
func (c *Client) CreateTask(ctx context.Context, name string) (string, error) {
	payload := struct {
		ProjectDir string `json:"projectDir"`
		Name       string `json:"name"`
		Activate   bool   `json:"activate"`
	}{ProjectDir: c.projectDir, Name: name, Activate: true}
	resp, err := c.call(ctx, http.MethodPost, "/project/tasks/new", payload)
	if err != nil {
		return "", err
	}
	var created TaskInfo
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return "", fmt.Errorf("decode created task: %w", err)
	}
	if created.ID == "" {
		return "", ErrNoTaskID
	}
	return created.ID, nil
}

func (c *Client) SetMainModel(ctx context.Context, taskID, model string) error {
	payload := struct {
		ProjectDir string `json:"projectDir"`
		TaskID     string `json:"taskId"`
		MainModel  string `json:"mainModel"`
	}{ProjectDir: c.projectDir, TaskID: taskID, MainModel: model}
	_, err := c.call(ctx, http.MethodPost, "/project/settings/main-model", payload)
	return err
}

func (c *Client) UpdateTask(ctx context.Context, taskID string, updates TaskUpdates) error {
	payload := struct {
		ProjectDir string      `json:"projectDir"`
		ID         string      `json:"id"`
		Updates    TaskUpdates `json:"updates"`
	}{ProjectDir: c.projectDir, ID: taskID, Updates: updates}
	_, err := c.call(ctx, http.MethodPost, "/project/tasks", payload)
	return err
}

// AddContextFile registers path by its base name as a read-write context file.
func (c *Client) AddContextFile(ctx context.Context, taskID, path string) error {
	payload := struct {
		ProjectDir string `json:"projectDir"`
		TaskID     string `json:"taskId"`
		Path       string `json:"path"`
		ReadOnly   bool   `json:"readOnly"`
	}{ProjectDir: c.projectDir, TaskID: taskID, Path: baseName(path), ReadOnly: false}
	_, err := c.call(ctx, http.MethodPost, "/add-context-file", payload)
	return err
}

// RunPrompt blocks until the control plane answers. The returned error is
// non-nil only when no response arrived; any status is reported as-is.
func (c *Client) RunPrompt(ctx context.Context, req RunPromptRequest) (int, error) {
	payload := struct {
		ProjectDir string `json:"projectDir"`
		TaskID     string `json:"taskId"`
		Prompt     string `json:"prompt"`
		Mode       Mode   `json:"mode"`
	}{ProjectDir: c.projectDir, TaskID: req.TaskID, Prompt: req.Prompt, Mode: req.Mode}
	resp, err := c.do(ctx, http.MethodPost, "/run-prompt", payload, 0)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

func (c *Client) AnswerQuestion(ctx context.Context, taskID, answer string) error {
	payload := struct {
		ProjectDir string `json:"projectDir"`
		TaskID     string `json:"taskId"`
		Answer     string `json:"answer"`
	}{ProjectDir: c.projectDir, TaskID: taskID, Answer: answer}
	_, err := c.call(ctx, http.MethodPost, "/project/answer-question", payload)
	return err
}

func (c *Client) Interrupt(ctx context.Context, taskID string) error {
	payload := struct {
		ProjectDir string `json:"projectDir"`
		TaskID     string `json:"taskId"`
	}{ProjectDir: c.projectDir, TaskID: taskID}
	_, err := c.call(ctx, http.MethodPost, "/project/interrupt", payload)
	return err
}

func baseName(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
