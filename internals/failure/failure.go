package failure

import (
	"strings"
	"time"

	"github.com/agentforge/deskrun/internals/events"
	"github.com/agentforge/deskrun/internals/submit"
	"github.com/agentforge/deskrun/internals/timeouts"
)

// Reason classifies why an attempt timed out.
type Reason string

const (
	ColdStart          Reason = "cold_start"
	PartialResponse    Reason = "partial_response"
	QuestionUnanswered Reason = "question_unanswered"
	ConnectionError    Reason = "connection_error"
	OllamaError        Reason = "ollama_error"
	Unknown            Reason = "unknown"
)

func (r Reason) String() string {
	return string(r)
}

var connectionMarkers = []string{"timeout", "connection", "deadline exceeded"}

// Classify maps the signals observed at timeout to a Reason. First match wins.
func Classify(state events.State, outcome submit.Outcome, elapsed time.Duration) Reason {
	if state.ChunksReceived == 0 {
		if elapsed > timeouts.ColdStartBoundary {
			return ColdStart
		}
		return ConnectionError
	}
	if state.QuestionPending {
		return QuestionUnanswered
	}
	if outcome.Err != "" {
		lowered := strings.ToLower(outcome.Err)
		for _, marker := range connectionMarkers {
			if strings.Contains(lowered, marker) {
				return ConnectionError
			}
		}
		return OllamaError
	}
	if state.ChunksReceived > 0 {
		return PartialResponse
	}
	return Unknown
}

// Stale reports whether streaming started and then went quiet for longer than threshold.
func Stale(state events.State, now time.Time, threshold time.Duration) (bool, time.Duration) {
	if state.ChunksReceived == 0 {
		return false, 0
	}
	quiet := now.Sub(state.LastActivity)
	return quiet > threshold, quiet
}

func Hint(r Reason) string {
	switch r {
	case ColdStart:
		return "model was probably still loading; warm it up or raise --timeout"
	case ConnectionError:
		return "no output reached the stream; check AiderDesk and Ollama connectivity"
	case QuestionUnanswered:
		return "an interactive question was never answered"
	case OllamaError:
		return "the prompt request failed; check the Ollama server log"
	case PartialResponse:
		return "generation started but never finished; try --edit-format whole"
	default:
		return "no signal explains the timeout"
	}
}
