package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/ai"
)

var ErrInvalidInput = errors.New("invalid tool input")

type ExecuteFunc func(ctx context.Context, args map[string]any) (any, error)

type Tool struct {
	Name        string
	Description string
	// Params is the object schema of the arguments.
	Params  *Param
	Execute ExecuteFunc
}

// Result is the outcome of one tool call. Exactly one of Output and Err is
// meaningful.
type Result struct {
	Output any
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

func (t Tool) Spec() ai.ToolSpec {
	params := t.Params
	if params == nil {
		params = Object(nil)
	}
	return ai.ToolSpec{Name: t.Name, Description: t.Description, Parameters: params.JSONSchema()}
}

// Call decodes and validates raw arguments, then runs the tool.
func (t Tool) Call(ctx context.Context, raw json.RawMessage) Result {
	args := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return Result{Err: fmt.Errorf("%w: %v", ErrInvalidInput, err)}
		}
	}
	if t.Params != nil {
		v, err := t.Params.Validate(args)
		if err != nil {
			return Result{Err: err}
		}
		if m, ok := v.(map[string]any); ok {
			args = m
		}
	}
	out, err := t.Execute(ctx, args)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Output: out}
}

// Set maps tool names to tools.
type Set map[string]Tool

func (s Set) Add(t Tool) { s[t.Name] = t }

// Names returns the tool names in sorted order.
func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s Set) Specs() []ai.ToolSpec {
	out := make([]ai.ToolSpec, 0, len(s))
	for _, name := range s.Names() {
		out = append(out, s[name].Spec())
	}
	return out
}

// Merge combines local and remote tools. On a name collision the local tool
// is kept and the remote one is dropped.
func Merge(local, remote Set, log zerolog.Logger) Set {
	out := make(Set, len(local)+len(remote))
	for name, t := range remote {
		out[name] = t
	}
	for name, t := range local {
		if _, clash := remote[name]; clash {
			log.Warn().Str("tool", name).Msg("remote tool shadowed by local tool")
		}
		out[name] = t
	}
	return out
}
