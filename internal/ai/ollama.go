package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1:latest"
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		// no global timeout; streaming is bounded by ctx
		Client: &http.Client{},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaChatReq struct {
	Model    string       `json:"model"`
	Messages []ollamaMsg  `json:"messages"`
	Tools    []ollamaTool `json:"tools,omitempty"`
	Stream   bool         `json:"stream"`
}

type ollamaMsg struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type ollamaStreamResp struct {
	Message    ollamaMsg `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (p *OllamaProvider) buildRequest(req ChatRequest) ollamaChatReq {
	out := ollamaChatReq{Model: p.Model, Stream: true}
	if req.System != "" {
		out.Messages = append(out.Messages, ollamaMsg{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		om := ollamaMsg{Role: m.Role, Content: m.Content}
		for _, f := range m.Files {
			if data, ok := imageDataURL(f); ok {
				om.Images = append(om.Images, data)
				continue
			}
			om.Content += fmt.Sprintf("\n[attached file: %s]", fileLabel(f))
		}
		for _, tc := range m.ToolCalls {
			var c ollamaToolCall
			c.Function.Name = tc.Name
			c.Function.Arguments = emptyArgs(tc.Args)
			om.ToolCalls = append(om.ToolCalls, c)
		}
		if m.Role == RoleTool {
			om.ToolName = m.ToolName
		}
		out.Messages = append(out.Messages, om)
	}
	for _, t := range req.Tools {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ot)
	}
	return out
}

// StreamChat streams one model step from /api/chat.
func (p *OllamaProvider) StreamChat(ctx context.Context, req ChatRequest) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("ollama: http client is nil")
			return
		}

		b, err := json.Marshal(p.buildRequest(req))
		if err != nil {
			errs <- err
			return
		}

		url := fmt.Sprintf("%s/api/chat", p.BaseURL)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.Client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			errs <- fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			return
		}

		sc := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaStreamResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != "" {
				errs <- errors.New(decoded.Error)
				return
			}

			if decoded.Message.Thinking != "" {
				if err := send(ctx, deltas, Delta{Type: DeltaReasoning, Text: decoded.Message.Thinking}); err != nil {
					errs <- err
					return
				}
			}
			if decoded.Message.Content != "" {
				if err := send(ctx, deltas, Delta{Type: DeltaText, Text: decoded.Message.Content}); err != nil {
					errs <- err
					return
				}
			}
			// ollama sends tool calls whole and without ids
			for _, tc := range decoded.Message.ToolCalls {
				id, err := newToolCallID()
				if err != nil {
					errs <- err
					return
				}
				call := &ToolCall{ID: id, Name: tc.Function.Name, Args: emptyArgs(tc.Function.Arguments)}
				if err := send(ctx, deltas, Delta{Type: DeltaToolCall, ToolCall: call}); err != nil {
					errs <- err
					return
				}
			}

			if decoded.Done {
				if err := send(ctx, deltas, Delta{Type: DeltaFinish, FinishReason: decoded.DoneReason}); err != nil {
					errs <- err
				}
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
	}()

	return deltas, errs
}

// OllamaEmbedder calls /api/embed.
type OllamaEmbedder struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaEmbedder{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OllamaEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{"model": e.Model, "input": texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama embed: status %d", resp.StatusCode)
	}

	var decoded struct {
		Embeddings [][]float32 `json:"embeddings"`
		Error      string      `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}
	if len(decoded.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d embeddings for %d inputs", len(decoded.Embeddings), len(texts))
	}
	return decoded.Embeddings, nil
}

func (e *OllamaEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// imageDataURL returns the base64 payload of an image data URL.
func imageDataURL(f File) (string, bool) {
	if !strings.HasPrefix(f.MediaType, "image/") {
		return "", false
	}
	mediaType, data, ok := parseDataURL(f.URL)
	if !ok || !strings.HasPrefix(mediaType, "image/") {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

// parseDataURL decodes a base64 "data:" URL.
func parseDataURL(u string) (mediaType string, data []byte, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", nil, false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", nil, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, false
	}
	return strings.TrimSuffix(meta, ";base64"), data, true
}

func fileLabel(f File) string {
	if f.Filename != "" {
		return f.Filename
	}
	return f.MediaType
}

// send delivers d unless ctx ends first.
func send(ctx context.Context, ch chan<- Delta, d Delta) error {
	select {
	case ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
