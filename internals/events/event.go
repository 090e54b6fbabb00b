package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the closed set of event types the monitor subscribes to.
type Kind string

const (
	KindChunk               Kind = "response-chunk"
	KindResponseCompleted   Kind = "response-completed"
	KindQuestionAsked       Kind = "ask-question"
	KindQuestionAnswered    Kind = "question-answered"
	KindUserMessage         Kind = "user-message"
	KindLog                 Kind = "log"
	KindTool                Kind = "tool"
	KindContextFilesUpdated Kind = "context-files-updated"
	KindTaskCompleted       Kind = "task-completed"
	KindTaskCancelled       Kind = "task-cancelled"
)

// SubscribedKinds is sent with the subscription request, in this order.
var SubscribedKinds = []Kind{
	KindChunk,
	KindResponseCompleted,
	KindQuestionAsked,
	KindQuestionAnswered,
	KindUserMessage,
	KindLog,
	KindTool,
	KindContextFilesUpdated,
	KindTaskCompleted,
	KindTaskCancelled,
}

// droppedMarker appears in aider output when a file leaves the chat context.
const droppedMarker = "dropping"

// Data is the subset of an event's data object the monitor reads.
type Data struct {
	TaskID   string            `json:"taskId"`
	Content  json.RawMessage   `json:"content"`
	Chunk    json.RawMessage   `json:"chunk"`
	Question json.RawMessage   `json:"question"`
	Message  json.RawMessage   `json:"message"`
	Level    string            `json:"level"`
	Files    []json.RawMessage `json:"files"`
}

// Event is one inbound `event` payload: {type, data}.
type Event struct {
	Type Kind `json:"type"`
	Data Data `json:"data"`
}

// ParseEvent decodes the payload of an `event` frame.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev.Type = Kind(strings.TrimSpace(string(ev.Type)))
	return ev, nil
}

func (d Data) text(fields ...json.RawMessage) string {
	for _, field := range fields {
		if s := rawString(field); s != "" {
			return s
		}
	}
	return ""
}

// ChunkText is the streamed content of a chunk event.
func (d Data) ChunkText() string {
	return d.text(d.Content, d.Chunk)
}

// QuestionText is the question payload of an ask-question event.
func (d Data) QuestionText() string {
	return d.text(d.Question, d.Content)
}

// LogText is the message of a log event.
func (d Data) LogText() string {
	return d.text(d.Content, d.Message)
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func signalsDropped(content string) bool {
	return strings.Contains(strings.ToLower(content), droppedMarker)
}

// preview cuts s to at most limit characters, never inside a rune.
func preview(s string, limit int) string {
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
