package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/ai"
	"github.com/suPer8Hu/medchat/internal/auth"
	"github.com/suPer8Hu/medchat/internal/chat"
	"github.com/suPer8Hu/medchat/internal/common"
	"github.com/suPer8Hu/medchat/internal/tools"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrChatCreate means the chat referenced by the request was missing and
	// creating it failed. Clients may retry.
	ErrChatCreate = errors.New("failed to create chat")
)

type ChatStore interface {
	VerifyChatAccess(ctx context.Context, chatID, practitionerID string) (bool, error)
	CreateChatWithID(ctx context.Context, chatID, practitionerID, title string) (string, error)
	LoadChat(ctx context.Context, chatID, practitionerID string) ([]chat.UIMessage, error)
	SaveChat(ctx context.Context, chatID, practitionerID string, messages []chat.UIMessage) error
}

// ToolSource supplies remote tools. It returns an empty set when the remote
// server is unavailable.
type ToolSource interface {
	Tools(ctx context.Context) tools.Set
}

type Options struct {
	Provider string
	Model    string
	MaxSteps int
}

type Assistant struct {
	chats     ChatStore
	providers *ai.Registry
	finder    tools.ContentFinder
	remote    ToolSource
	opts      Options
	log       zerolog.Logger
}

// New wires the orchestration. remote may be nil when no tool server is
// configured.
func New(chats ChatStore, providers *ai.Registry, finder tools.ContentFinder, remote ToolSource, opts Options, log zerolog.Logger) *Assistant {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 10
	}
	return &Assistant{
		chats:     chats,
		providers: providers,
		finder:    finder,
		remote:    remote,
		opts:      opts,
		log:       log.With().Str("component", "assistant").Logger(),
	}
}

// Request is one inbound chat post.
type Request struct {
	ChatID  string
	Message *chat.UIMessage
}

// Turn is a prepared request: the chat exists, the transcript converts
// cleanly and the tools are resolved.
type Turn struct {
	ChatID string
	// StreamID, when set, is announced in the start event.
	StreamID string

	user       *auth.SessionUser
	transcript []chat.UIMessage
	model      []ai.Message
	tools      tools.Set
	provider   ai.Provider
	maxSteps   int
	log        zerolog.Logger
}

func (t *Turn) ToolNames() []string { return t.tools.Names() }

// Prepare resolves the chat, loads and extends the transcript, validates it
// and assembles the tool set. Nothing is persisted except a newly created
// chat row.
func (a *Assistant) Prepare(ctx context.Context, u *auth.SessionUser, req Request) (*Turn, error) {
	if u == nil || u.PractitionerID == "" {
		return nil, ErrUnauthenticated
	}
	if req.Message == nil {
		return nil, &ValidationError{Index: 0, Reason: "message is required"}
	}
	pid := u.PractitionerID
	log := a.log.With().Str("practitioner_id", pid).Logger()

	chatID := strings.TrimSpace(req.ChatID)
	ok := false
	if chatID != "" {
		var err error
		ok, err = a.chats.VerifyChatAccess(ctx, chatID, pid)
		if err != nil {
			return nil, fmt.Errorf("verify chat: %w", err)
		}
	}
	if !ok {
		id, err := a.chats.CreateChatWithID(ctx, chatID, pid, "")
		if err != nil {
			log.Error().Err(err).Str("chat_id", chatID).Msg("create chat on miss")
			return nil, fmt.Errorf("%w: %v", ErrChatCreate, err)
		}
		chatID = id
	}
	log = log.With().Str("chat_id", chatID).Logger()

	history, err := a.chats.LoadChat(ctx, chatID, pid)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}

	inbound := *req.Message
	if inbound.ID == "" {
		if inbound.ID, err = common.NewMessageID(); err != nil {
			return nil, err
		}
	}
	if inbound.Role == "" {
		inbound.Role = chat.RoleUser
	}
	if inbound.Role != chat.RoleUser {
		return nil, &ValidationError{Index: len(history), Reason: "inbound message must have role user"}
	}
	transcript := make([]chat.UIMessage, 0, len(history)+1)
	for _, m := range history {
		if m.Role == "" && len(m.Parts) == 0 {
			continue
		}
		transcript = append(transcript, m)
	}
	transcript = append(transcript, inbound)

	model, err := ToModelMessages(transcript)
	if err != nil {
		return nil, err
	}

	set := tools.Local(a.finder)
	if a.remote != nil {
		set = tools.Merge(set, a.remote.Tools(ctx), log)
	}

	provider, err := a.providers.Get(ctx, a.opts.Provider, a.opts.Model)
	if err != nil {
		return nil, err
	}

	return &Turn{
		ChatID:     chatID,
		user:       u,
		transcript: transcript,
		model:      model,
		tools:      set,
		provider:   provider,
		maxSteps:   a.opts.MaxSteps,
		log:        log,
	}, nil
}

// Stream runs the tool-calling loop and reports every step through emit.
// It returns the generated assistant message. Tool failures are fed back to
// the model; a provider error or a failing emit ends the turn with an error.
func (t *Turn) Stream(ctx context.Context, emit Emitter) (chat.UIMessage, error) {
	msgID, err := common.NewMessageID()
	if err != nil {
		return chat.UIMessage{}, err
	}
	out := chat.UIMessage{ID: msgID, Role: chat.RoleAssistant}

	if err := emit(Event{Type: EventStart, MessageID: msgID, ChatID: t.ChatID, StreamID: t.StreamID}); err != nil {
		return chat.UIMessage{}, err
	}

	req := ai.ChatRequest{
		System:   SystemPrompt(t.user),
		Messages: append([]ai.Message(nil), t.model...),
		Tools:    t.tools.Specs(),
	}

	finish := "stop"
	blocks := 0
	for step := 0; step < t.maxSteps; step++ {
		if err := emit(Event{Type: EventStartStep}); err != nil {
			return chat.UIMessage{}, err
		}
		out.Parts = append(out.Parts, chat.Part{Type: chat.PartStepStart})

		sr, err := t.runStep(ctx, req, &out, &blocks, emit)
		if err != nil {
			t.log.Warn().Err(err).Int("step", step).Msg("model step failed")
			_ = emit(Event{Type: EventError, ErrorText: "The assistant failed to respond. Please try again."})
			return chat.UIMessage{}, err
		}
		if sr.finishReason != "" {
			finish = sr.finishReason
		}
		if len(sr.calls) == 0 {
			if err := emit(Event{Type: EventFinishStep}); err != nil {
				return chat.UIMessage{}, err
			}
			break
		}

		req.Messages = append(req.Messages, ai.Message{Role: ai.RoleAssistant, Content: sr.text, ToolCalls: sr.calls})
		for _, call := range sr.calls {
			msg, err := t.runTool(ctx, call, &out, emit)
			if err != nil {
				return chat.UIMessage{}, err
			}
			req.Messages = append(req.Messages, msg)
		}
		if err := emit(Event{Type: EventFinishStep}); err != nil {
			return chat.UIMessage{}, err
		}
		if step == t.maxSteps-1 {
			t.log.Info().Int("max_steps", t.maxSteps).Msg("step limit reached")
			finish = "tool-calls"
		}
	}

	if err := emit(Event{Type: EventFinish, FinishReason: finish}); err != nil {
		return chat.UIMessage{}, err
	}
	return out, nil
}

type stepResult struct {
	text         string
	calls        []ai.ToolCall
	finishReason string
}

func (t *Turn) runStep(ctx context.Context, req ai.ChatRequest, out *chat.UIMessage, blocks *int, emit Emitter) (stepResult, error) {
	var (
		sr       stepResult
		text     strings.Builder
		lastType ai.DeltaType
		blockID  string
	)
	deltas, errs := t.provider.StreamChat(ctx, req)
	for d := range deltas {
		switch d.Type {
		case ai.DeltaText, ai.DeltaReasoning:
			partType, evType := chat.PartText, EventTextDelta
			if d.Type == ai.DeltaReasoning {
				partType, evType = chat.PartReasoning, EventReasoningDelta
			}
			n := len(out.Parts)
			if lastType != d.Type || n == 0 || out.Parts[n-1].Type != partType {
				*blocks++
				blockID = strconv.Itoa(*blocks)
				out.Parts = append(out.Parts, chat.Part{Type: partType})
				n++
			}
			out.Parts[n-1].Text += d.Text
			if d.Type == ai.DeltaText {
				text.WriteString(d.Text)
			}
			if err := emit(Event{Type: evType, ID: blockID, Delta: d.Text}); err != nil {
				drain(deltas)
				return sr, err
			}
		case ai.DeltaToolCall:
			call := *d.ToolCall
			if call.ID == "" {
				id, err := common.NewToolCallID()
				if err != nil {
					drain(deltas)
					return sr, err
				}
				call.ID = id
			}
			if len(call.Args) == 0 || !json.Valid(call.Args) {
				call.Args = json.RawMessage(`{}`)
			}
			sr.calls = append(sr.calls, call)
			out.Parts = append(out.Parts, chat.Part{
				Type:       chat.PartToolCall,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Input:      call.Args,
			})
			if err := emit(Event{Type: EventToolInputAvailable, ToolCallID: call.ID, ToolName: call.Name, Input: call.Args}); err != nil {
				drain(deltas)
				return sr, err
			}
		case ai.DeltaSource:
			s := d.Source
			out.Parts = append(out.Parts, chat.Part{Type: chat.PartSourceURL, SourceID: s.ID, URL: s.URL, Title: s.Title})
			if err := emit(Event{Type: EventSourceURL, SourceID: s.ID, URL: s.URL, Title: s.Title}); err != nil {
				drain(deltas)
				return sr, err
			}
		case ai.DeltaFinish:
			sr.finishReason = d.FinishReason
		}
		lastType = d.Type
	}
	if err := <-errs; err != nil {
		return sr, err
	}
	sr.text = text.String()
	return sr, nil
}

// runTool executes one call and returns the tool message for the model.
func (t *Turn) runTool(ctx context.Context, call ai.ToolCall, out *chat.UIMessage, emit Emitter) (ai.Message, error) {
	var res tools.Result
	tool, ok := t.tools[call.Name]
	if !ok {
		res = tools.Result{Err: fmt.Errorf("unknown tool %q", call.Name)}
	} else {
		res = tool.Call(ctx, call.Args)
	}

	var output json.RawMessage
	if res.OK() {
		b, err := json.Marshal(res.Output)
		if err != nil {
			res = tools.Result{Err: fmt.Errorf("encode tool output: %w", err)}
		} else {
			output = b
		}
	}

	msg := ai.Message{Role: ai.RoleTool, ToolCallID: call.ID, ToolName: call.Name}
	part := chat.Part{Type: chat.PartToolResult, ToolCallID: call.ID, ToolName: call.Name}
	var ev Event
	if res.OK() {
		msg.Content = string(output)
		part.Output = output
		ev = Event{Type: EventToolOutputAvailable, ToolCallID: call.ID, Output: output}
	} else {
		t.log.Warn().Err(res.Err).Str("tool", call.Name).Msg("tool call failed")
		part.ErrorText = res.Err.Error()
		msg.Content = resultContent(part)
		ev = Event{Type: EventToolOutputError, ToolCallID: call.ID, ErrorText: part.ErrorText}
	}
	out.Parts = append(out.Parts, part)
	return msg, emit(ev)
}

func drain(ch <-chan ai.Delta) {
	for range ch {
	}
}

// Commit stores the transcript with the generated message. It must only be
// called after Stream returned without error.
func (a *Assistant) Commit(ctx context.Context, t *Turn, generated chat.UIMessage) error {
	msgs := append(append([]chat.UIMessage(nil), t.transcript...), generated)
	if err := a.chats.SaveChat(ctx, t.ChatID, t.user.PractitionerID, msgs); err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	return nil
}

// Complete streams a single-shot completion with no tools and no history.
func (a *Assistant) Complete(ctx context.Context, prompt string, emit Emitter) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return &ValidationError{Index: 0, Reason: "prompt is required"}
	}
	provider, err := a.providers.Get(ctx, a.opts.Provider, a.opts.Model)
	if err != nil {
		return err
	}
	deltas, errs := provider.StreamChat(ctx, ai.ChatRequest{
		Messages: []ai.Message{{Role: ai.RoleUser, Content: prompt}},
	})
	for d := range deltas {
		if d.Type != ai.DeltaText {
			continue
		}
		if err := emit(Event{Type: EventTextDelta, ID: "1", Delta: d.Text}); err != nil {
			drain(deltas)
			return err
		}
	}
	if err := <-errs; err != nil {
		return err
	}
	return emit(Event{Type: EventFinish, FinishReason: "stop"})
}
