package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	geminiRoleUser  = "user"
	geminiRoleModel = "model"

	// BatchEmbedContents accepts at most this many requests.
	geminiEmbedBatch = 100
)

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Close() error { return p.client.Close() }

// StreamChat streams one model step. The last converted content is sent as
// the new turn and everything before it becomes chat history.
func (p *GeminiProvider) StreamChat(ctx context.Context, req ChatRequest) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		system, contents, err := toGeminiContents(req)
		if err != nil {
			errs <- err
			return
		}
		if len(contents) == 0 {
			errs <- errors.New("gemini: no messages to send")
			return
		}
		last := contents[len(contents)-1]
		if last.Role != geminiRoleUser {
			errs <- fmt.Errorf("gemini: last message has role %q, want user", last.Role)
			return
		}

		model := p.client.GenerativeModel(p.model)
		if system != "" {
			model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
		}
		if len(req.Tools) > 0 {
			decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
			for _, t := range req.Tools {
				decls = append(decls, &genai.FunctionDeclaration{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  toGeminiParameters(t.Parameters),
				})
			}
			model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		}

		cs := model.StartChat()
		cs.History = contents[:len(contents)-1]
		iter := cs.SendMessageStream(ctx, last.Parts...)

		finish := ""
		seenSources := map[string]bool{}
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				errs <- fmt.Errorf("gemini: %w", err)
				return
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			cand := resp.Candidates[0]
			if cand.Content != nil {
				for _, part := range cand.Content.Parts {
					d, ok, err := geminiPartDelta(part)
					if err != nil {
						errs <- err
						return
					}
					if !ok {
						continue
					}
					if err := send(ctx, deltas, d); err != nil {
						errs <- err
						return
					}
				}
			}
			if cand.CitationMetadata != nil {
				for _, c := range cand.CitationMetadata.CitationSources {
					if c == nil || c.URI == nil || *c.URI == "" || seenSources[*c.URI] {
						continue
					}
					seenSources[*c.URI] = true
					src := &Source{ID: fmt.Sprintf("src-%d", len(seenSources)), URL: *c.URI}
					if err := send(ctx, deltas, Delta{Type: DeltaSource, Source: src}); err != nil {
						errs <- err
						return
					}
				}
			}
			if r := geminiFinishReason(cand.FinishReason); r != "" {
				finish = r
			}
		}

		if err := send(ctx, deltas, Delta{Type: DeltaFinish, FinishReason: finish}); err != nil {
			errs <- err
		}
	}()

	return deltas, errs
}

func geminiFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonUnspecified:
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return "content-filter"
	default:
		return "other"
	}
}

func geminiPartDelta(part genai.Part) (Delta, bool, error) {
	switch v := part.(type) {
	case genai.Text:
		if v == "" {
			return Delta{}, false, nil
		}
		return Delta{Type: DeltaText, Text: string(v)}, true, nil
	case genai.FunctionCall:
		args, err := json.Marshal(v.Args)
		if err != nil {
			return Delta{}, false, fmt.Errorf("gemini: encode args for %s: %w", v.Name, err)
		}
		if v.Args == nil {
			args = nil
		}
		id, err := newToolCallID()
		if err != nil {
			return Delta{}, false, err
		}
		return Delta{Type: DeltaToolCall, ToolCall: &ToolCall{ID: id, Name: v.Name, Args: emptyArgs(args)}}, true, nil
	default:
		return Delta{}, false, nil
	}
}

// toGeminiContents folds system messages into the system instruction and
// merges consecutive turns of the same role, which Gemini rejects.
func toGeminiContents(req ChatRequest) (string, []*genai.Content, error) {
	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}
	var out []*genai.Content
	push := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case RoleUser:
			var parts []genai.Part
			if m.Content != "" {
				parts = append(parts, genai.Text(m.Content))
			}
			for _, f := range m.Files {
				parts = append(parts, geminiFilePart(f))
			}
			push(geminiRoleUser, parts...)
		case RoleAssistant:
			var parts []genai.Part
			if m.Content != "" {
				parts = append(parts, genai.Text(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if err := json.Unmarshal(emptyArgs(tc.Args), &args); err != nil {
					return "", nil, fmt.Errorf("gemini: tool call %s args: %w", tc.ID, err)
				}
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: args})
			}
			push(geminiRoleModel, parts...)
		case RoleTool:
			push(geminiRoleUser, genai.FunctionResponse{Name: m.ToolName, Response: geminiToolResponse(m.Content)})
		default:
			return "", nil, fmt.Errorf("gemini: unsupported role %q", m.Role)
		}
	}
	return strings.Join(system, "\n\n"), out, nil
}

// geminiToolResponse wraps tool output in the object Gemini requires.
func geminiToolResponse(content string) map[string]any {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		v = content
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"result": v}
}

func geminiFilePart(f File) genai.Part {
	if mediaType, data, ok := parseDataURL(f.URL); ok {
		if f.MediaType != "" {
			mediaType = f.MediaType
		}
		return genai.Blob{MIMEType: mediaType, Data: data}
	}
	return genai.FileData{MIMEType: f.MediaType, URI: f.URL}
}

// toGeminiParameters converts a JSON Schema object into a Gemini schema.
// Objects without properties are sent without parameters.
func toGeminiParameters(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s, ok := toGeminiSchema(schema)
	if !ok || s.Type != genai.TypeObject || len(s.Properties) == 0 {
		return nil
	}
	return s
}

// toGeminiSchema reports false for type names Gemini has no counterpart
// for. Untyped schemas accept any value and are sent as strings.
func toGeminiSchema(schema map[string]any) (*genai.Schema, bool) {
	s := &genai.Schema{}
	if d, ok := schema["description"].(string); ok {
		s.Description = d
	}
	if n, ok := schema["nullable"].(bool); ok {
		s.Nullable = n
	}

	typ, _ := schema["type"].(string)
	if types, ok := schema["type"].([]any); ok {
		// ["string","null"] style unions
		for _, t := range types {
			name, _ := t.(string)
			if name == "null" {
				s.Nullable = true
				continue
			}
			if typ == "" {
				typ = name
			}
		}
	}

	switch typ {
	case "object":
		s.Type = genai.TypeObject
		props, _ := schema["properties"].(map[string]any)
		if len(props) > 0 {
			s.Properties = make(map[string]*genai.Schema, len(props))
			for name, raw := range props {
				child, _ := raw.(map[string]any)
				if cs, ok := toGeminiSchema(child); ok {
					s.Properties[name] = cs
				}
			}
		}
		for _, name := range requiredNames(schema["required"]) {
			if _, ok := s.Properties[name]; ok {
				s.Required = append(s.Required, name)
			}
		}
	case "array":
		s.Type = genai.TypeArray
		items, _ := schema["items"].(map[string]any)
		is, ok := toGeminiSchema(items)
		if !ok {
			return nil, false
		}
		s.Items = is
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "string", "":
		s.Type = genai.TypeString
		if enum, ok := schema["enum"].([]any); ok && typ == "string" {
			for _, e := range enum {
				if v, ok := e.(string); ok {
					s.Enum = append(s.Enum, v)
				}
			}
			if len(s.Enum) > 0 {
				s.Format = "enum"
			}
		}
	default:
		return nil, false
	}
	return s, true
}

func requiredNames(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if name, ok := r.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

// GeminiEmbedder embeds text with a Gemini embedding model.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini embedder: api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: new client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: model}, nil
}

func (e *GeminiEmbedder) Close() error { return e.client.Close() }

func (e *GeminiEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, genai.TaskTypeRetrievalDocument, texts)
}

func (e *GeminiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := e.embed(ctx, genai.TaskTypeRetrievalQuery, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *GeminiEmbedder) embed(ctx context.Context, task genai.TaskType, texts []string) ([][]float32, error) {
	em := e.client.EmbeddingModel(e.model)
	em.TaskType = task

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiEmbedBatch {
		end := min(start+geminiEmbedBatch, len(texts))
		batch := em.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}
		res, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("gemini embedding request failed: %w", err)
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini embedding: got %d embeddings for %d inputs", len(res.Embeddings), end-start)
		}
		for _, emb := range res.Embeddings {
			if emb == nil || len(emb.Values) == 0 {
				return nil, errors.New("no embedding data received from gemini")
			}
			out = append(out, emb.Values)
		}
	}
	return out, nil
}
