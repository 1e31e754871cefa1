package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{},
	}
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

type openRouterMsg struct {
	Role       string               `json:"role"`
	Content    any                  `json:"content"`
	ToolCalls  []openRouterToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type openRouterContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
	File *struct {
		Filename string `json:"filename,omitempty"`
		FileData string `json:"file_data"`
	} `json:"file,omitempty"`
}

type openRouterToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openRouterTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openRouterChatReq struct {
	Model    string           `json:"model"`
	Messages []openRouterMsg  `json:"messages"`
	Tools    []openRouterTool `json:"tools,omitempty"`
	Stream   bool             `json:"stream"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content     string               `json:"content"`
			Reasoning   string               `json:"reasoning"`
			ToolCalls   []openRouterToolCall `json:"tool_calls"`
			Annotations []struct {
				Type        string `json:"type"`
				URLCitation struct {
					URL   string `json:"url"`
					Title string `json:"title"`
				} `json:"url_citation"`
			} `json:"annotations"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenRouterProvider) buildRequest(req ChatRequest) openRouterChatReq {
	out := openRouterChatReq{Model: strings.TrimSpace(p.Model), Stream: true}
	if req.System != "" {
		out.Messages = append(out.Messages, openRouterMsg{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		om := openRouterMsg{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if len(m.Files) > 0 {
			parts := []openRouterContentPart{{Type: "text", Text: m.Content}}
			for _, f := range m.Files {
				if strings.HasPrefix(f.MediaType, "image/") {
					part := openRouterContentPart{Type: "image_url"}
					part.ImageURL = &struct {
						URL string `json:"url"`
					}{URL: f.URL}
					parts = append(parts, part)
					continue
				}
				part := openRouterContentPart{Type: "file"}
				part.File = &struct {
					Filename string `json:"filename,omitempty"`
					FileData string `json:"file_data"`
				}{Filename: f.Filename, FileData: f.URL}
				parts = append(parts, part)
			}
			om.Content = parts
		}
		for _, tc := range m.ToolCalls {
			var c openRouterToolCall
			c.ID = tc.ID
			c.Type = "function"
			c.Function.Name = tc.Name
			c.Function.Arguments = string(emptyArgs(tc.Args))
			om.ToolCalls = append(om.ToolCalls, c)
		}
		out.Messages = append(out.Messages, om)
	}
	for _, t := range req.Tools {
		var ot openRouterTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		if ot.Function.Parameters == nil {
			ot.Function.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, ot)
	}
	return out
}

// StreamChat streams one model step via SSE. Tool call fragments are
// accumulated by index and emitted once the step finishes.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, req ChatRequest) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("openrouter: http client is nil")
			return
		}
		if strings.TrimSpace(p.APIKey) == "" {
			errs <- errors.New("openrouter: api key is required")
			return
		}
		if strings.TrimSpace(p.Model) == "" {
			errs <- errors.New("openrouter: model is required")
			return
		}

		b, err := json.Marshal(p.buildRequest(req))
		if err != nil {
			errs <- err
			return
		}

		url := fmt.Sprintf("%s/chat/completions", p.BaseURL)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
		if p.SiteURL != "" {
			httpReq.Header.Set("HTTP-Referer", p.SiteURL)
		}
		if p.AppName != "" {
			httpReq.Header.Set("X-Title", p.AppName)
		}

		resp, err := p.Client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			msg := strings.TrimSpace(string(body))
			if msg == "" {
				msg = fmt.Sprintf("status %d", resp.StatusCode)
			}
			errs <- fmt.Errorf("openrouter: %s", msg)
			return
		}

		pending := map[int]*ToolCall{}
		finish := ""
		seenSources := map[string]bool{}

		flush := func() error {
			idx := make([]int, 0, len(pending))
			for i := range pending {
				idx = append(idx, i)
			}
			sort.Ints(idx)
			for _, i := range idx {
				call := pending[i]
				if call.ID == "" {
					id, err := newToolCallID()
					if err != nil {
						return err
					}
					call.ID = id
				}
				call.Args = emptyArgs(call.Args)
				if err := send(ctx, deltas, Delta{Type: DeltaToolCall, ToolCall: call}); err != nil {
					return err
				}
			}
			return send(ctx, deltas, Delta{Type: DeltaFinish, FinishReason: finish})
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				if err := flush(); err != nil {
					errs <- err
				}
				return
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- errors.New(decoded.Error.Message)
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			choice := decoded.Choices[0]
			if choice.Delta.Reasoning != "" {
				if err := send(ctx, deltas, Delta{Type: DeltaReasoning, Text: choice.Delta.Reasoning}); err != nil {
					errs <- err
					return
				}
			}
			if choice.Delta.Content != "" {
				if err := send(ctx, deltas, Delta{Type: DeltaText, Text: choice.Delta.Content}); err != nil {
					errs <- err
					return
				}
			}
			for _, a := range choice.Delta.Annotations {
				if a.Type != "url_citation" || a.URLCitation.URL == "" || seenSources[a.URLCitation.URL] {
					continue
				}
				seenSources[a.URLCitation.URL] = true
				src := &Source{ID: fmt.Sprintf("src-%d", len(seenSources)), URL: a.URLCitation.URL, Title: a.URLCitation.Title}
				if err := send(ctx, deltas, Delta{Type: DeltaSource, Source: src}); err != nil {
					errs <- err
					return
				}
			}
			for i, tc := range choice.Delta.ToolCalls {
				index := i
				if tc.Index != nil {
					index = *tc.Index
				}
				call, ok := pending[index]
				if !ok {
					call = &ToolCall{}
					pending[index] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Args = append(call.Args, tc.Function.Arguments...)
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finish = *choice.FinishReason
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
		// stream ended without [DONE]
		if err := flush(); err != nil {
			errs <- err
		}
	}()

	return deltas, errs
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Client     *http.Client
}

func NewOpenAIEmbedder(baseURL, apiKey, model string, dimensions int) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIEmbedder{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		Dimensions: dimensions,
		Client:     &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OpenAIEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]any{"model": e.Model, "input": texts}
	if e.Dimensions > 0 {
		reqBody["dimensions"] = e.Dimensions
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("embeddings: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if len(decoded.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(decoded.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}
