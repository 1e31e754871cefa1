package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

const clientName = "medchat"

// RemoteTool is a tool descriptor as listed by the server.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Session is a live connection to the tool server.
type Session interface {
	ListTools(ctx context.Context) ([]RemoteTool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Close() error
}

type Dialer func(ctx context.Context) (Session, error)

// NewDialer connects over streamable HTTP. With sseFallback a failed
// connection is retried over the legacy SSE transport.
func NewDialer(url string, sseFallback bool, version string) Dialer {
	return func(ctx context.Context) (Session, error) {
		s, err := dialStreamable(ctx, url, version)
		if err == nil || !sseFallback {
			return s, err
		}
		s, sseErr := dialSSE(ctx, url, version)
		if sseErr != nil {
			return nil, newError(CodeConnectionFailed, "connect "+url, errors.Join(err, sseErr))
		}
		return s, nil
	}
}

func dialStreamable(ctx context.Context, url, version string) (Session, error) {
	c, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, newError(CodeConnectionFailed, "create streamable http client", err)
	}
	return startSession(ctx, c, version)
}

func dialSSE(ctx context.Context, url, version string) (Session, error) {
	c, err := client.NewSSEMCPClient(url)
	if err != nil {
		return nil, newError(CodeConnectionFailed, "create sse client", err)
	}
	return startSession(ctx, c, version)
}

// startSession starts the transport and runs the handshake under ctx. The
// transport itself lives until Close; SSE ties its stream to the start ctx.
func startSession(ctx context.Context, c *client.Client, version string) (Session, error) {
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		_ = c.Close()
		return nil, newError(CodeConnectionFailed, "start transport", err)
	}
	req := mcpgo.InitializeRequest{}
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{Name: clientName, Version: version}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		if isAuthError(err) {
			return nil, newError(CodeAuthenticationFailed, "initialize", err)
		}
		return nil, newError(CodeConnectionFailed, "initialize", err)
	}
	return &clientSession{c: c}, nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "403")
}

type clientSession struct {
	c *client.Client
}

func (s *clientSession) ListTools(ctx context.Context) ([]RemoteTool, error) {
	res, err := s.c.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, newError(CodeToolFetchFailed, "list tools", err)
	}
	out := make([]RemoteTool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := inputSchema(t)
		if err != nil {
			return nil, newError(CodeInvalidResponse, "tool "+t.Name, err)
		}
		out = append(out, RemoteTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out, nil
}

// inputSchema reads the schema the way the server sent it, whether it was
// structured or raw.
func inputSchema(t mcpgo.Tool) (map[string]any, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, err
	}
	return decoded.InputSchema, nil
}

func (s *clientSession) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := s.c.CallTool(ctx, req)
	if err != nil {
		return nil, newError(CodeToolExecutionFailed, "call "+name, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		return nil, newError(CodeToolExecutionFailed, name, fmt.Errorf("%w: %s", ErrToolReported, text))
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, nil
	}
	return text, nil
}

func contentText(content []mcpgo.Content) string {
	var b strings.Builder
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			b.WriteString(v.Text)
		case *mcpgo.TextContent:
			b.WriteString(v.Text)
		default:
			fmt.Fprintf(&b, "[%T content omitted]", c)
		}
	}
	return b.String()
}

func (s *clientSession) Close() error { return s.c.Close() }
