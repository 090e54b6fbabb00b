package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/agentforge/deskrun/internals/timeouts"
)

// State is a point-in-time copy of the per-task observation state.
type State struct {
	TaskID          string
	Completed       bool
	QuestionPending bool
	QuestionText    string
	FileDropped     bool
	ChunksReceived  int
	LastActivity    time.Time
}

// Credentials authenticate the stream connection.
type Credentials struct {
	Username string
	Password string
}

// Stream is an established event-stream connection. Done is closed once the
// connection is gone, whoever closed it.
type Stream interface {
	Emit(event string, payload any) error
	Close() error
	Done() <-chan struct{}
}

// Dialer opens a stream and delivers every inbound `event` payload to onEvent
// from the stream's own goroutine.
type Dialer func(ctx context.Context, creds Credentials, onEvent func(raw json.RawMessage)) (Stream, error)

var ErrNotConnected = errors.New("event stream not connected")

type subscribeRequest struct {
	Action     string   `json:"action"`
	EventTypes []Kind   `json:"eventTypes"`
	BaseDirs   []string `json:"baseDirs"`
}

// Monitor tracks completion, question and chunk signals for the current task.
type Monitor struct {
	projectDir string
	dial       Dialer
	logger     *slog.Logger
	now        func() time.Time

	reconnectAttempts uint64
	reconnectDelay    time.Duration

	mu     sync.Mutex
	state  State
	stream Stream
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithDialer(dial Dialer) Option {
	return func(m *Monitor) {
		if dial != nil {
			m.dial = dial
		}
	}
}

// WithReconnect bounds how often a dropped stream is re-dialled and the
// initial delay between tries.
func WithReconnect(attempts int, delay time.Duration) Option {
	return func(m *Monitor) {
		if attempts > 0 {
			m.reconnectAttempts = uint64(attempts)
		}
		if delay > 0 {
			m.reconnectDelay = delay
		}
	}
}

func NewMonitor(baseURL string, projectDir string, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		projectDir: projectDir,
		logger:     logger.With(slog.String("component", "events")),
		now:        time.Now,

		reconnectAttempts: timeouts.ReconnectAttempts,
		reconnectDelay:    timeouts.ReconnectDelay,
	}
	m.dial = SocketDialer(baseURL, m.logger)
	for _, opt := range opts {
		opt(m)
	}
	m.state = State{TaskID: "pending", LastActivity: m.now()}
	return m
}

// Connect opens the stream and subscribes to the monitored event kinds. A
// stream that drops afterwards is re-dialled and re-subscribed until
// Disconnect.
func (m *Monitor) Connect(ctx context.Context, creds Credentials) error {
	stream, err := m.subscribe(ctx, creds)
	if err != nil {
		return err
	}

	superviseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.stream = stream
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.supervise(superviseCtx, creds, stream)
	return nil
}

func (m *Monitor) subscribe(ctx context.Context, creds Credentials) (Stream, error) {
	stream, err := m.dial(ctx, creds, m.handleRaw)
	if err != nil {
		return nil, fmt.Errorf("connect event stream: %w", err)
	}
	m.logger.Info("Connected to event stream")

	request := subscribeRequest{
		Action:     "subscribe-events",
		EventTypes: SubscribedKinds,
		BaseDirs:   []string{m.projectDir},
	}
	if err := stream.Emit("message", request); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("subscribe to events: %w", err)
	}
	m.logger.Info("Subscribed to events", slog.String("project_dir", m.projectDir))
	return stream, nil
}

// supervise waits for the current stream to drop and replaces it.
func (m *Monitor) supervise(ctx context.Context, creds Credentials, stream Stream) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.Done():
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("Event stream dropped; reconnecting")

		next, err := m.reconnect(ctx, creds)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error("Event stream lost", slog.Uint64("attempts", m.reconnectAttempts), slog.String("error", err.Error()))
			}
			return
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			_ = next.Close()
			return
		}
		m.stream = next
		m.mu.Unlock()
		stream = next
	}
}

func (m *Monitor) reconnect(ctx context.Context, creds Credentials) (Stream, error) {
	var stream Stream
	backoff := retry.WithCappedDuration(timeouts.ReconnectMaxDelay, retry.NewExponential(m.reconnectDelay))
	backoff = retry.WithMaxRetries(m.reconnectAttempts-1, backoff)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := m.subscribe(ctx, creds)
		if err != nil {
			m.logger.Warn("Reconnect failed", slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		stream = s
		return nil
	})
	return stream, err
}

// Disconnect stops reconnecting and closes the stream. Safe to call more than once.
func (m *Monitor) Disconnect() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			m.logger.Debug("Event stream close failed", slog.String("error", err.Error()))
		}
	}
	m.wg.Wait()
}

// UpdateTaskID resets all per-task fields and filters on the new id.
func (m *Monitor) UpdateTaskID(taskID string) {
	m.mu.Lock()
	m.state = State{TaskID: taskID, LastActivity: m.now()}
	m.mu.Unlock()
}

func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ClearQuestion drops the pending flag after the question was answered.
func (m *Monitor) ClearQuestion() {
	m.mu.Lock()
	m.state.QuestionPending = false
	m.mu.Unlock()
}

func (m *Monitor) handleRaw(raw json.RawMessage) {
	ev, err := ParseEvent(raw)
	if err != nil {
		m.logger.Debug("Dropping malformed event", slog.String("error", err.Error()))
		return
	}
	m.Handle(ev)
}

// Handle applies one event to the state. Events tagged with another task are ignored.
func (m *Monitor) Handle(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Data.TaskID != "" && ev.Data.TaskID != m.state.TaskID {
		return
	}
	m.state.LastActivity = m.now()

	switch ev.Type {
	case KindChunk:
		m.state.ChunksReceived++
		content := ev.Data.ChunkText()
		if n := m.state.ChunksReceived; n <= 5 || n%20 == 0 {
			m.logger.Debug("Chunk received", slog.Int("chunk", n), slog.String("preview", preview(content, 100)))
		}
		m.markDroppedLocked(content)
	case KindResponseCompleted, KindTaskCompleted, KindTaskCancelled:
		if m.state.Completed {
			return
		}
		m.state.Completed = true
		m.logger.Info("Completion signal received", slog.String("type", string(ev.Type)), slog.String("preview", preview(ev.Data.LogText(), 150)))
	case KindQuestionAsked:
		question := preview(ev.Data.QuestionText(), 200)
		m.state.QuestionText = question
		m.state.QuestionPending = true
		m.logger.Info("Question asked", slog.String("question", question))
	case KindQuestionAnswered:
		m.state.QuestionPending = false
		m.logger.Debug("Question answered")
	case KindLog:
		content := ev.Data.LogText()
		m.logger.Debug("Remote log", slog.String("level", ev.Data.Level), slog.String("preview", preview(content, 120)))
		m.markDroppedLocked(content)
	case KindContextFilesUpdated:
		m.logger.Debug("Context files updated", slog.Int("files", len(ev.Data.Files)))
	case KindTool, KindUserMessage:
		m.logger.Debug("Event", slog.String("type", string(ev.Type)), slog.String("preview", preview(ev.Data.LogText(), 120)))
	default:
		m.logger.Debug("Unhandled event", slog.String("type", string(ev.Type)))
	}
}

func (m *Monitor) markDroppedLocked(content string) {
	if m.state.FileDropped || !signalsDropped(content) {
		return
	}
	m.state.FileDropped = true
	m.logger.Info("File dropped from chat context")
}
