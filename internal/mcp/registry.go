package mcp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/tools"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL = 5 * time.Minute

	dialTimeout    = 30 * time.Second
	refreshTimeout = 90 * time.Second
)

type Config struct {
	URL string
	// Prefix is prepended to every remote tool name.
	Prefix   string
	CacheTTL time.Duration
}

// Registry exposes the tool server's tools as a tools.Set. It owns one
// lazily dialed session and caches the converted tools for CacheTTL.
type Registry struct {
	cfg     Config
	dial    Dialer
	monitor *Monitor
	retry   RetryPolicy
	probe   *http.Client
	log     zerolog.Logger
	now     func() time.Time

	sessMu  sync.Mutex
	session Session

	mu        sync.Mutex
	cache     tools.Set
	fetchedAt time.Time

	group singleflight.Group
}

func NewRegistry(cfg Config, dial Dialer, monitor *Monitor, log zerolog.Logger) *Registry {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if monitor == nil {
		monitor = NewMonitor()
	}
	return &Registry{
		cfg:     cfg,
		dial:    dial,
		monitor: monitor,
		retry:   DefaultRetryPolicy(),
		probe:   &http.Client{},
		log:     log.With().Str("component", "mcp").Logger(),
		now:     time.Now,
	}
}

func (r *Registry) Enabled() bool { return r.cfg.URL != "" && r.dial != nil }

func (r *Registry) Monitor() *Monitor { return r.monitor }

// Tools returns the cached remote tools, refreshing them when the cache is
// older than CacheTTL. A failed refresh yields an empty set; the caller
// carries on with local tools only.
func (r *Registry) Tools(ctx context.Context) tools.Set {
	if !r.Enabled() {
		return tools.Set{}
	}
	if set, ok := r.cached(); ok {
		return set
	}
	set, err := r.Refresh(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to fetch MCP tools")
		r.monitor.RecordFailure(err.Error())
		return tools.Set{}
	}
	return set
}

func (r *Registry) cached() (tools.Set, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache != nil && r.now().Sub(r.fetchedAt) < r.cfg.CacheTTL {
		return r.cache, true
	}
	return nil, false
}

// Refresh fetches the tool list with retries and replaces the cache.
// Concurrent callers share one fetch, which runs detached from any one
// caller's ctx. A caller whose ctx ends stops waiting; the fetch goes on.
func (r *Registry) Refresh(ctx context.Context) (tools.Set, error) {
	if !r.Enabled() {
		return tools.Set{}, nil
	}
	ch := r.group.DoChan("tools", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		set, err := WithRetry(fctx, r.monitor, r.retry, r.fetch)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache = set
		r.fetchedAt = r.now()
		r.mu.Unlock()
		r.log.Info().Int("tools", len(set)).Msg("MCP tools refreshed")
		return set, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(tools.Set), nil
	case <-ctx.Done():
		return nil, newError(CodeTimeout, "refresh tools", ctx.Err())
	}
}

func (r *Registry) fetch(ctx context.Context) (tools.Set, error) {
	s, err := r.getSession(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := s.ListTools(ctx)
	if err != nil {
		r.dropSession(s)
		return nil, err
	}
	if len(remote) == 0 {
		return nil, newError(CodeToolFetchFailed, "list tools", ErrNoTools)
	}
	set := make(tools.Set, len(remote))
	for _, rt := range remote {
		set.Add(r.convert(rt))
	}
	return set, nil
}

func (r *Registry) convert(rt RemoteTool) tools.Tool {
	remoteName := rt.Name
	params := tools.FromJSONSchema(rt.InputSchema)
	if params.Kind != tools.KindObject {
		params = tools.Object(nil)
	}
	return tools.Tool{
		Name:        r.cfg.Prefix + remoteName,
		Description: rt.Description,
		Params:      params,
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			s, err := r.getSession(ctx)
			if err != nil {
				return nil, err
			}
			out, err := s.CallTool(ctx, remoteName, args)
			if err != nil {
				// the server answered; the session is fine
				if !errors.Is(err, ErrToolReported) {
					r.dropSession(s)
				}
				var mcpErr *Error
				if !errors.As(err, &mcpErr) {
					err = newError(CodeToolExecutionFailed, remoteName, err)
				}
				return nil, err
			}
			return out, nil
		},
	}
}

// getSession returns the shared session, dialing it when there is none. The
// session outlives the request that dialed it.
func (r *Registry) getSession(ctx context.Context) (Session, error) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	if r.session != nil {
		return r.session, nil
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dialTimeout)
	defer cancel()
	s, err := r.dial(dctx)
	if err != nil {
		return nil, err
	}
	r.session = s
	return s, nil
}

// dropSession forgets s so the next call dials again.
func (r *Registry) dropSession(s Session) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	if r.session == s {
		_ = s.Close()
		r.session = nil
	}
}

func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = nil
	r.fetchedAt = time.Time{}
}

func (r *Registry) LastFetch() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchedAt
}

type Status struct {
	Enabled   bool      `json:"enabled"`
	Connected bool      `json:"connected"`
	ToolCount int       `json:"toolCount"`
	ToolNames []string  `json:"toolNames"`
	LastFetch time.Time `json:"lastFetch"`
	Health    Health    `json:"health"`
}

// Status probes the server, loads the tools and records one health sample.
func (r *Registry) Status(ctx context.Context) Status {
	if !r.Enabled() {
		return Status{ToolNames: []string{}, Health: Unhealthy}
	}
	sample := Probe(ctx, r.probe, r.cfg.URL)
	set := r.Tools(ctx)
	sample.ToolCount = len(set)
	r.monitor.RecordHealth(sample)
	return Status{
		Enabled:   true,
		Connected: sample.Connected,
		ToolCount: len(set),
		ToolNames: set.Names(),
		LastFetch: r.LastFetch(),
		Health:    r.monitor.Health(),
	}
}

func (r *Registry) Close() error {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	if r.session == nil {
		return nil
	}
	err := r.session.Close()
	r.session = nil
	return err
}
