package ai

import (
	"context"
	"encoding/json"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is the provider-neutral wire message.
type Message struct {
	Role    string
	Content string
	Files   []File

	// assistant
	ToolCalls []ToolCall

	// tool
	ToolCallID string
	ToolName   string
}

type File struct {
	MediaType string
	URL       string
	Filename  string
}

type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolSpec describes a callable tool. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ChatRequest struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

type DeltaType string

const (
	DeltaText      DeltaType = "text"
	DeltaReasoning DeltaType = "reasoning"
	DeltaToolCall  DeltaType = "tool-call"
	DeltaSource    DeltaType = "source"
	DeltaFinish    DeltaType = "finish"
)

// Delta is one streamed unit of a model step. Tool calls are delivered whole,
// after the provider finished streaming their arguments.
type Delta struct {
	Type         DeltaType
	Text         string
	ToolCall     *ToolCall
	Source       *Source
	FinishReason string
}

type Source struct {
	ID    string
	URL   string
	Title string
}

// Provider runs one model step. Both channels are closed when the step ends;
// at most one error is sent.
type Provider interface {
	Name() string
	StreamChat(ctx context.Context, req ChatRequest) (<-chan Delta, <-chan error)
}

// emptyArgs normalizes missing tool arguments to an empty object.
func emptyArgs(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
