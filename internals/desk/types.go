package desk

// Mode is the agent mode a prompt runs in.
type Mode string

const (
	ModeCode      Mode = "code"
	ModeAgent     Mode = "agent"
	ModeAsk       Mode = "ask"
	ModeArchitect Mode = "architect"
)

var Modes = []Mode{ModeCode, ModeAgent, ModeAsk, ModeArchitect}

// EditFormat is how the model is asked to express file edits.
type EditFormat string

const (
	EditDiff        EditFormat = "diff"
	EditWhole       EditFormat = "whole"
	EditUdiff       EditFormat = "udiff"
	EditEditorDiff  EditFormat = "editor-diff"
	EditEditorWhole EditFormat = "editor-whole"
)

var EditFormats = []EditFormat{EditDiff, EditWhole, EditUdiff, EditEditorDiff, EditEditorWhole}

type TaskInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type TaskUpdates struct {
	AutoApprove bool `json:"autoApprove"`
	CurrentMode Mode `json:"currentMode"`
}

type RunPromptRequest struct {
	TaskID string
	Prompt string
	Mode   Mode
}
