package assistant

import "encoding/json"

const (
	EventStart               = "start"
	EventStartStep           = "start-step"
	EventTextDelta           = "text-delta"
	EventReasoningDelta      = "reasoning-delta"
	EventToolInputAvailable  = "tool-input-available"
	EventToolOutputAvailable = "tool-output-available"
	EventToolOutputError     = "tool-output-error"
	EventSourceURL           = "source-url"
	EventFinishStep          = "finish-step"
	EventFinish              = "finish"
	EventError               = "error"
)

// Event is one element of the UI message stream.
type Event struct {
	Type string `json:"type"`

	MessageID string `json:"messageId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	StreamID  string `json:"streamId,omitempty"`

	// text-delta / reasoning-delta
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`

	SourceID string `json:"sourceId,omitempty"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`

	FinishReason string `json:"finishReason,omitempty"`
}

type Emitter func(Event) error
