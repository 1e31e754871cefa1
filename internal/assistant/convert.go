package assistant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/medchat/internal/ai"
	"github.com/suPer8Hu/medchat/internal/chat"
)

var ErrValidation = errors.New("invalid messages")

// ValidationError points at the first message that cannot be sent to a
// model. errors.Is(err, ErrValidation) holds for it.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message %d: %s", e.Index, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(i int, format string, args ...any) error {
	return &ValidationError{Index: i, Reason: fmt.Sprintf(format, args...)}
}

// ToModelMessages converts a UI transcript to provider messages. Assistant
// messages are split at step boundaries into an assistant message followed
// by one tool message per result. Reasoning and source parts are not sent
// back to the model.
func ToModelMessages(msgs []chat.UIMessage) ([]ai.Message, error) {
	out := make([]ai.Message, 0, len(msgs))
	for i, m := range msgs {
		if len(m.Parts) == 0 {
			return nil, invalid(i, "message has no parts")
		}
		var (
			conv []ai.Message
			err  error
		)
		switch m.Role {
		case chat.RoleUser:
			conv, err = userMessage(i, m)
		case chat.RoleSystem:
			conv, err = systemMessage(i, m)
		case chat.RoleAssistant:
			conv, err = assistantMessages(i, m)
		default:
			return nil, invalid(i, "unknown role %q", m.Role)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, conv...)
	}
	return out, nil
}

func userMessage(i int, m chat.UIMessage) ([]ai.Message, error) {
	msg := ai.Message{Role: ai.RoleUser}
	var b strings.Builder
	for j, p := range m.Parts {
		switch p.Type {
		case chat.PartText:
			b.WriteString(p.Text)
		case chat.PartFile:
			if p.URL == "" || p.MediaType == "" {
				return nil, invalid(i, "file part %d needs url and mediaType", j)
			}
			msg.Files = append(msg.Files, ai.File{MediaType: p.MediaType, URL: p.URL, Filename: p.Filename})
		case chat.PartStepStart:
		default:
			return nil, invalid(i, "part %d: %q is not allowed in a user message", j, p.Type)
		}
	}
	msg.Content = b.String()
	if msg.Content == "" && len(msg.Files) == 0 {
		return nil, invalid(i, "user message has no content")
	}
	return []ai.Message{msg}, nil
}

func systemMessage(i int, m chat.UIMessage) ([]ai.Message, error) {
	var b strings.Builder
	for j, p := range m.Parts {
		if p.Type != chat.PartText {
			return nil, invalid(i, "part %d: system messages only carry text", j)
		}
		b.WriteString(p.Text)
	}
	return []ai.Message{{Role: ai.RoleSystem, Content: b.String()}}, nil
}

func assistantMessages(i int, m chat.UIMessage) ([]ai.Message, error) {
	var (
		out     []ai.Message
		text    strings.Builder
		calls   []ai.ToolCall
		results []ai.Message
		pending = map[string]string{}
	)
	flush := func() error {
		if len(pending) > 0 {
			return invalid(i, "%d tool call(s) without a result", len(pending))
		}
		if text.Len() > 0 || len(calls) > 0 {
			out = append(out, ai.Message{Role: ai.RoleAssistant, Content: text.String(), ToolCalls: calls})
		}
		out = append(out, results...)
		text.Reset()
		calls, results = nil, nil
		return nil
	}

	for j, p := range m.Parts {
		switch p.Type {
		case chat.PartStepStart:
			if err := flush(); err != nil {
				return nil, err
			}
		case chat.PartText:
			if len(results) > 0 {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			text.WriteString(p.Text)
		case chat.PartReasoning, chat.PartSourceURL:
		case chat.PartToolCall:
			if p.ToolCallID == "" || p.ToolName == "" {
				return nil, invalid(i, "part %d: tool call needs toolCallId and toolName", j)
			}
			if len(p.Input) > 0 && !json.Valid(p.Input) {
				return nil, invalid(i, "part %d: tool input is not valid JSON", j)
			}
			if len(results) > 0 {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			args := p.Input
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			calls = append(calls, ai.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Args: args})
			pending[p.ToolCallID] = p.ToolName
		case chat.PartToolResult:
			name, ok := pending[p.ToolCallID]
			if !ok {
				return nil, invalid(i, "part %d: tool result for unknown call %q", j, p.ToolCallID)
			}
			delete(pending, p.ToolCallID)
			results = append(results, ai.Message{
				Role:       ai.RoleTool,
				ToolCallID: p.ToolCallID,
				ToolName:   name,
				Content:    resultContent(p),
			})
		default:
			return nil, invalid(i, "part %d: unknown part type %q", j, p.Type)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func resultContent(p chat.Part) string {
	if p.ErrorText != "" {
		b, _ := json.Marshal(map[string]string{"error": p.ErrorText})
		return string(b)
	}
	if len(p.Output) == 0 {
		return "null"
	}
	return string(p.Output)
}
