package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/tools"
)

type fakeSession struct {
	mu        sync.Mutex
	listCalls int
	tools     []RemoteTool
	listErr   error
	calls     []string
	callOut   any
	callErr   error
	closed    bool
}

func (s *fakeSession) ListTools(ctx context.Context) ([]RemoteTool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.tools, nil
}

func (s *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	return s.callOut, s.callErr
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestRegistry(t *testing.T, s *fakeSession) (*Registry, *fakeClock, *[]time.Duration, *int) {
	t.Helper()
	dials := 0
	dial := func(ctx context.Context) (Session, error) {
		dials++
		return s, nil
	}
	r := NewRegistry(Config{URL: "http://mcp.local/mcp"}, dial, NewMonitor(), zerolog.Nop())
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.now = clock.now
	var delays []time.Duration
	r.retry.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return r, clock, &delays, &dials
}

func patientTool() RemoteTool {
	var schema map[string]any
	_ = json.Unmarshal([]byte(`{
		"type":"object",
		"properties":{"patient_id":{"type":"string"}},
		"required":["patient_id"]
	}`), &schema)
	return RemoteTool{Name: "get_patient", Description: "Read a patient", InputSchema: schema}
}

func TestTools_CachedWithinTTL(t *testing.T) {
	s := &fakeSession{tools: []RemoteTool{patientTool()}}
	r, clock, _, dials := newTestRegistry(t, s)
	ctx := context.Background()

	first := r.Tools(ctx)
	if len(first) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(first))
	}
	clock.t = clock.t.Add(4 * time.Minute)
	r.Tools(ctx)
	if s.listCalls != 1 {
		t.Fatalf("expected one fetch within TTL, got %d", s.listCalls)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	r.Tools(ctx)
	if s.listCalls != 2 {
		t.Fatalf("expected exactly one refresh after TTL, got %d fetches", s.listCalls)
	}
	if *dials != 1 {
		t.Fatalf("session should be reused, dialed %d times", *dials)
	}
}

func TestTools_DegradesToEmptyAfterRetries(t *testing.T) {
	s := &fakeSession{listErr: errors.New("connection refused")}
	r, _, delays, _ := newTestRegistry(t, s)

	set := r.Tools(context.Background())
	if set == nil || len(set) != 0 {
		t.Fatalf("expected empty set, got %v", set)
	}
	if s.listCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", s.listCalls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != 2 || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Fatalf("unexpected backoff: %v", *delays)
	}
	m := r.Monitor().Metrics()
	if m.FailedRequests != 4 || m.SuccessfulRequests != 0 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if m.LastError == "" {
		t.Fatalf("last error not recorded")
	}
}

func TestTools_ZeroToolsIsFailure(t *testing.T) {
	s := &fakeSession{}
	r, _, _, _ := newTestRegistry(t, s)
	if _, err := r.Refresh(context.Background()); !errors.Is(err, ErrNoTools) || CodeOf(err) != CodeToolFetchFailed {
		t.Fatalf("expected TOOL_FETCH_FAILED, got %v", err)
	}
	if s.listCalls != 3 {
		t.Fatalf("expected retries, got %d calls", s.listCalls)
	}
}

func TestTools_DisabledWithoutURL(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil, zerolog.Nop())
	if len(r.Tools(context.Background())) != 0 {
		t.Fatalf("expected no tools")
	}
	if st := r.Status(context.Background()); st.Enabled || st.ToolCount != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestClearCache_ForcesRefresh(t *testing.T) {
	s := &fakeSession{tools: []RemoteTool{patientTool()}}
	r, _, _, _ := newTestRegistry(t, s)
	r.Tools(context.Background())
	r.ClearCache()
	r.Tools(context.Background())
	if s.listCalls != 2 {
		t.Fatalf("expected refetch after clear, got %d", s.listCalls)
	}
}

func TestRemoteTool_ValidatesAndCalls(t *testing.T) {
	s := &fakeSession{tools: []RemoteTool{patientTool()}, callOut: map[string]any{"name": "Jane"}}
	r, _, _, _ := newTestRegistry(t, s)
	r.cfg.Prefix = "fhir_"
	set := r.Tools(context.Background())

	tool, ok := set["fhir_get_patient"]
	if !ok {
		t.Fatalf("prefixed tool missing: %v", set.Names())
	}
	if res := tool.Call(context.Background(), json.RawMessage(`{}`)); res.OK() {
		t.Fatalf("missing patient_id should fail validation")
	}
	res := tool.Call(context.Background(), json.RawMessage(`{"patient_id":"p1"}`))
	if !res.OK() {
		t.Fatalf("call: %v", res.Err)
	}
	if len(s.calls) != 1 || s.calls[0] != "get_patient" {
		t.Fatalf("remote call should use the unprefixed name: %v", s.calls)
	}

	s.callErr = errors.New("boom")
	res = tool.Call(context.Background(), json.RawMessage(`{"patient_id":"p1"}`))
	if CodeOf(res.Err) != CodeToolExecutionFailed {
		t.Fatalf("expected TOOL_EXECUTION_FAILED, got %v", res.Err)
	}
}

func TestFetchFailure_RedialsSession(t *testing.T) {
	s := &fakeSession{listErr: errors.New("eof")}
	r, _, _, dials := newTestRegistry(t, s)
	r.Tools(context.Background())
	if *dials != 3 {
		t.Fatalf("expected a fresh dial per attempt, got %d", *dials)
	}
	if !s.closed {
		t.Fatalf("broken session should be closed")
	}
}

func TestCallFailure_RedialsSession(t *testing.T) {
	s := &fakeSession{tools: []RemoteTool{patientTool()}, callErr: errors.New("broken pipe")}
	r, _, _, dials := newTestRegistry(t, s)
	tool := r.Tools(context.Background())["get_patient"]
	args := json.RawMessage(`{"patient_id":"p1"}`)

	for i := 0; i < 3; i++ {
		if res := tool.Call(context.Background(), args); res.OK() {
			t.Fatalf("call %d should fail", i)
		}
	}
	if !s.closed {
		t.Fatalf("session should be closed after a failed exchange")
	}
	if *dials != 3 {
		t.Fatalf("expected a dial for the listing and after each failure, got %d", *dials)
	}

	// an error result from the tool keeps the session
	s.callErr = newError(CodeToolExecutionFailed, "get_patient", fmt.Errorf("%w: unknown patient", ErrToolReported))
	tool.Call(context.Background(), args)
	tool.Call(context.Background(), args)
	if *dials != 4 {
		t.Fatalf("tool-reported errors should not redial, got %d dials", *dials)
	}
}

func TestSession_OutlivesDialingRequest(t *testing.T) {
	s := &fakeSession{tools: []RemoteTool{patientTool()}}
	var dialErr error
	dials := 0
	dial := func(ctx context.Context) (Session, error) {
		dials++
		dialErr = ctx.Err()
		return s, nil
	}
	r := NewRegistry(Config{URL: "http://mcp.local/mcp"}, dial, NewMonitor(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Tools(ctx)

	// the detached fetch may still be running; a live caller joins or reads it
	set, err := r.Refresh(context.Background())
	if err != nil || len(set) != 1 {
		t.Fatalf("expected tools after the first caller left, got %v err=%v", set, err)
	}
	if dialErr != nil {
		t.Fatalf("session was dialed with the caller's ctx: %v", dialErr)
	}
	if dials != 1 {
		t.Fatalf("expected one shared session, dialed %d times", dials)
	}
}

func TestRefresh_CallerCancelDoesNotFailOthers(t *testing.T) {
	release := make(chan struct{})
	s := &blockingSession{
		fakeSession: fakeSession{tools: []RemoteTool{patientTool()}},
		release:     release,
		entered:     make(chan struct{}),
	}
	r := NewRegistry(Config{URL: "http://mcp.local/mcp"}, func(ctx context.Context) (Session, error) {
		return s, nil
	}, NewMonitor(), zerolog.Nop())

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Refresh(first)
		firstErr <- err
	}()
	<-s.entered

	second := make(chan tools.Set, 1)
	go func() {
		set, _ := r.Refresh(context.Background())
		second <- set
	}()

	cancel()
	if err := <-firstErr; CodeOf(err) != CodeTimeout {
		t.Fatalf("cancelled caller should stop waiting, got %v", err)
	}
	close(release)
	if set := <-second; len(set) != 1 {
		t.Fatalf("remaining caller should get the tools, got %v", set)
	}
}

// blockingSession holds ListTools until release is closed.
type blockingSession struct {
	fakeSession
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *blockingSession) ListTools(ctx context.Context) ([]RemoteTool, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.fakeSession.ListTools(ctx)
}

func TestWithRetry_SucceedsAfterFailure(t *testing.T) {
	m := NewMonitor()
	attempts := 0
	p := RetryPolicy{Attempts: 3, Delay: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}
	v, err := WithRetry(context.Background(), m, p, func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("got %d, %v", v, err)
	}
	got := m.Metrics()
	if got.TotalRequests != 2 || got.SuccessfulRequests != 1 || got.FailedRequests != 1 {
		t.Fatalf("unexpected metrics %+v", got)
	}
	if rate := m.SuccessRate(); rate != 50 {
		t.Fatalf("success rate = %v", rate)
	}
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{Attempts: 3, Delay: time.Hour}
	_, err := WithRetry(ctx, NewMonitor(), p, func(ctx context.Context) (int, error) {
		return 0, errors.New("down")
	})
	if CodeOf(err) != CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestMonitor_HistoryCappedAndHealth(t *testing.T) {
	m := NewMonitor()
	if !m.IsHealthy() || m.SuccessRate() != 100 {
		t.Fatalf("empty monitor should be healthy with 100%% success")
	}
	for i := 0; i < 150; i++ {
		m.RecordHealth(HealthStatus{Connected: true, ToolCount: i})
	}
	all := m.HealthHistory(0)
	if len(all) != historySize {
		t.Fatalf("history not capped: %d", len(all))
	}
	if all[0].ToolCount != 50 || all[len(all)-1].ToolCount != 149 {
		t.Fatalf("ring order wrong: first=%d last=%d", all[0].ToolCount, all[len(all)-1].ToolCount)
	}

	// 8 of the last 10 connected
	for i := 0; i < 2; i++ {
		m.RecordHealth(HealthStatus{Connected: false})
	}
	if !m.IsHealthy() || m.Health() != Healthy {
		t.Fatalf("80%% connected should be healthy")
	}
	m.RecordHealth(HealthStatus{Connected: false})
	if m.IsHealthy() || m.Health() != Degraded {
		t.Fatalf("70%% connected should be degraded, got %s", m.Health())
	}
	for i := 0; i < 5; i++ {
		m.RecordHealth(HealthStatus{Connected: false})
	}
	if m.Health() != Unhealthy {
		t.Fatalf("expected unhealthy, got %s", m.Health())
	}

	d := m.Dashboard()
	if len(d.RecentHealth) != 20 {
		t.Fatalf("dashboard should show 20 samples, got %d", len(d.RecentHealth))
	}
	// 12 connected of the last 20
	if d.Uptime != 60 {
		t.Fatalf("uptime = %v", d.Uptime)
	}
}

func TestMonitor_AverageLatency(t *testing.T) {
	m := NewMonitor()
	m.RecordSuccess(100 * time.Millisecond)
	m.RecordSuccess(300 * time.Millisecond)
	if avg := m.Metrics().AverageResponseTime; avg != 200 {
		t.Fatalf("average = %v", avg)
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	if st := Probe(context.Background(), srv.Client(), srv.URL+"/mcp"); !st.Connected {
		t.Fatalf("expected connected, got %+v", st)
	}
	if st := Probe(context.Background(), srv.Client(), srv.URL+"/down"); st.Connected || st.Error == "" {
		t.Fatalf("expected failure sample, got %+v", st)
	}
	if st := Probe(context.Background(), srv.Client(), "http://127.0.0.1:1/unreachable"); st.Connected {
		t.Fatalf("unreachable server reported connected")
	}
}

func TestStatus_RecordsSampleWithToolCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	s := &fakeSession{tools: []RemoteTool{patientTool()}}
	r, _, _, _ := newTestRegistry(t, s)
	r.cfg.URL = srv.URL
	st := r.Status(context.Background())
	if !st.Connected || st.ToolCount != 1 || st.ToolNames[0] != "get_patient" || st.Health != Healthy {
		t.Fatalf("unexpected status %+v", st)
	}
	h := r.Monitor().HealthHistory(1)
	if len(h) != 1 || h[0].ToolCount != 1 {
		t.Fatalf("sample not recorded: %+v", h)
	}
}
