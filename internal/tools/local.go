package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/suPer8Hu/medchat/internal/knowledge"
)

const (
	InformationToolName = "getInformation"
	CurrentDateToolName = "getCurrentDate"
)

type ContentFinder interface {
	FindRelevantContent(ctx context.Context, query string) ([]knowledge.Match, error)
}

// NewInformationTool searches the knowledge base. Search failures are
// returned to the caller as tool errors.
func NewInformationTool(finder ContentFinder) Tool {
	return Tool{
		Name:        InformationToolName,
		Description: "get information from your knowledge base to answer questions.",
		Params: Object(map[string]*Param{
			"question": String("the users question"),
		}, "question"),
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			q, _ := args["question"].(string)
			matches, err := finder.FindRelevantContent(ctx, q)
			if err != nil {
				return nil, fmt.Errorf("search knowledge base: %w", err)
			}
			return matches, nil
		},
	}
}

type CurrentDate struct {
	Timestamp int64  `json:"timestamp"`
	ISO       string `json:"iso"`
	Local     string `json:"local"`
	Timezone  string `json:"timezone"`
	UTC       string `json:"utc"`
}

// NewCurrentDateTool reports the time from now in loc. Nil arguments use
// time.Now and time.Local.
func NewCurrentDateTool(now func() time.Time, loc *time.Location) Tool {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return Tool{
		Name:        CurrentDateToolName,
		Description: "Get the current date and time with timezone information",
		Params:      Object(nil),
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			t := now()
			local := t.In(loc)
			return CurrentDate{
				Timestamp: t.UnixMilli(),
				ISO:       t.UTC().Format("2006-01-02T15:04:05.000Z"),
				Local:     local.Format("Monday, January 2, 2006 at 03:04:05 PM MST"),
				Timezone:  loc.String(),
				UTC:       t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"),
			}, nil
		},
	}
}

// Local returns the tools that are always available.
func Local(finder ContentFinder) Set {
	s := Set{}
	s.Add(NewInformationTool(finder))
	s.Add(NewCurrentDateTool(nil, nil))
	return s
}
