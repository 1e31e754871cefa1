package chat

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartFile       = "file"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
	PartSourceURL  = "source-url"
	PartStepStart  = "step-start"
)

// UIMessage is the message shape exchanged with the chat UI and stored in
// Message.Content.
type UIMessage struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	Parts     []Part     `json:"parts"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// file
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
	Filename  string `json:"filename,omitempty"`

	// tool-call / tool-result
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`

	// source-url
	SourceID string `json:"sourceId,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Text concatenates the text parts of m.
func (m UIMessage) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func toUIMessage(m Message) (UIMessage, error) {
	var parts []Part
	if len(m.Content) > 0 {
		if err := json.Unmarshal(m.Content, &parts); err != nil {
			return UIMessage{}, err
		}
	}
	createdAt := m.CreatedAt
	return UIMessage{ID: m.ID, Role: m.Role, Parts: parts, CreatedAt: &createdAt}, nil
}
