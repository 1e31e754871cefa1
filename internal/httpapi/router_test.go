package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/ai"
	"github.com/suPer8Hu/medchat/internal/assistant"
	"github.com/suPer8Hu/medchat/internal/auth"
	"github.com/suPer8Hu/medchat/internal/blobstore"
	"github.com/suPer8Hu/medchat/internal/chat"
	"github.com/suPer8Hu/medchat/internal/config"
	"github.com/suPer8Hu/medchat/internal/db"
	"github.com/suPer8Hu/medchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/medchat/internal/knowledge"
	"github.com/suPer8Hu/medchat/internal/mcp"
	"github.com/suPer8Hu/medchat/internal/models"
	"github.com/suPer8Hu/medchat/internal/streambuf"
	"github.com/suPer8Hu/medchat/internal/users"
	"gorm.io/gorm"
)

const fhirToken = "fhir-secret-token"

type textProvider struct {
	text string
	err  error
}

func (p *textProvider) Name() string { return "fake" }

func (p *textProvider) StreamChat(ctx context.Context, req ai.ChatRequest) (<-chan ai.Delta, <-chan error) {
	deltas := make(chan ai.Delta, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(deltas)
		if p.err != nil {
			errs <- p.err
			return
		}
		deltas <- ai.Delta{Type: ai.DeltaText, Text: p.text}
		deltas <- ai.Delta{Type: ai.DeltaFinish, FinishReason: "stop"}
	}()
	return deltas, errs
}

// flatEmbedder maps every text to the same vector.
type flatEmbedder struct{}

func (flatEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (flatEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

// scriptedProvider plays one delta script per model step.
type scriptedProvider struct {
	mu    sync.Mutex
	steps [][]ai.Delta
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) StreamChat(ctx context.Context, req ai.ChatRequest) (<-chan ai.Delta, <-chan error) {
	p.mu.Lock()
	step := p.steps[min(p.calls, len(p.steps)-1)]
	p.calls++
	p.mu.Unlock()

	deltas := make(chan ai.Delta, len(step))
	errs := make(chan error, 1)
	for _, d := range step {
		deltas <- d
	}
	close(deltas)
	close(errs)
	return deltas, errs
}

// stallingProvider sends one text delta and then waits for the request to
// end.
type stallingProvider struct {
	started chan struct{}
}

func (p *stallingProvider) Name() string { return "stalling" }

func (p *stallingProvider) StreamChat(ctx context.Context, req ai.ChatRequest) (<-chan ai.Delta, <-chan error) {
	deltas := make(chan ai.Delta, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(deltas)
		deltas <- ai.Delta{Type: ai.DeltaText, Text: "Partial answer"}
		close(p.started)
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return deltas, errs
}

// downSession lists one tool and then behaves like a server that went away.
type downSession struct{}

func (downSession) ListTools(ctx context.Context) ([]mcp.RemoteTool, error) {
	return []mcp.RemoteTool{{
		Name:        "get_patient",
		Description: "Read a patient",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"patient_id": map[string]any{"type": "string"}},
		},
	}}, nil
}

func (downSession) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return nil, errors.New("dial tcp 10.0.0.9:8000: connect: connection refused")
}

func (downSession) Close() error { return nil }

func (s *testServer) useProvider(p ai.Provider) {
	s.models.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) { return p, nil })
}

type fakeVerifier struct {
	name string
	err  error
}

func (v fakeVerifier) Verify(ctx context.Context, baseURL, practitionerID, accessToken string) (string, error) {
	return v.name, v.err
}

type testServer struct {
	r        *gin.Engine
	h        *handlers.Handler
	db       *gorm.DB
	sessions *auth.Manager
	provider *textProvider
	models   *ai.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, u := range []models.User{{ID: "u-a", PractitionerID: "prac-a", Name: "Dr. A"}, {ID: "u-b", PractitionerID: "prac-b"}} {
		if err := gdb.Create(&u).Error; err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}

	log := zerolog.Nop()
	cfg := &config.Config{
		Env:            "development",
		SessionCookie:  "session",
		AuthVerifyFHIR: true,
		UploadMaxBytes: 1 << 20,
	}
	sessions, err := auth.NewManager(strings.Repeat("k", 32), time.Hour)
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}

	p := &textProvider{text: "Hello from the model"}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) { return p, nil })

	chats := chat.NewService(chat.NewRepo(gdb))
	krepo := knowledge.NewRepo(gdb)
	ksvc := knowledge.NewService(krepo, flatEmbedder{}, knowledge.NewSearcher(gdb), knowledge.Options{Threshold: 0.5, Limit: 4}, log)
	remote := mcp.NewRegistry(mcp.Config{}, nil, nil, log)

	h := &handlers.Handler{
		DB:         gdb,
		Cfg:        cfg,
		Log:        log,
		Chats:      chats,
		Users:      users.NewRepo(gdb),
		Sessions:   sessions,
		Verifier:   fakeVerifier{name: "Dr. Verified"},
		Assistant:  assistant.New(chats, reg, ksvc, remote, assistant.Options{Provider: "fake", MaxSteps: 3}, log),
		Knowledge:  ksvc,
		Ingestor:   knowledge.NewIngestor(ksvc, krepo, blobstore.NewMemory(), nil, log),
		Tools:      remote,
		Streams:    streambuf.NewMemory(time.Minute),
		ResumePoll: 5 * time.Millisecond,
	}
	return &testServer{r: NewRouter(h), h: h, db: gdb, sessions: sessions, provider: p, models: reg}
}

func (s *testServer) token(t *testing.T, pid, userID string) string {
	t.Helper()
	tok, _, err := s.sessions.Issue(auth.SessionUser{
		ID:             userID,
		PractitionerID: pid,
		FHIRBaseURL:    "https://fhir.example.org",
		AccessToken:    fhirToken,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code  int             `json:"code"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return e
}

func TestNoRoute(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/nope", "", nil)
	if w.Code != http.StatusNotFound || decode(t, w).Code != 40400 {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"tools":"disabled"`) {
		t.Fatalf("tools signal missing: %s", w.Body.String())
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	s := newTestServer(t)
	for _, rt := range []struct{ method, path string }{
		{http.MethodPost, "/chat"},
		{http.MethodGet, "/chat?chatId=x"},
		{http.MethodGet, "/auth/session"},
		{http.MethodGet, "/auth/me"},
		{http.MethodGet, "/collections"},
		{http.MethodGet, "/chats"},
	} {
		w := s.do(t, rt.method, rt.path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: got %d", rt.method, rt.path, w.Code)
		}
		if e := decode(t, w); e.Code != 40101 || e.Error == "" {
			t.Fatalf("%s %s: envelope %+v", rt.method, rt.path, e)
		}
	}

	w := s.do(t, http.MethodGet, "/auth/session", "garbage.token.value", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("tampered token: got %d", w.Code)
	}
}

func TestCreateSession(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/auth/session", "", map[string]string{
		"practitionerId": "prac-new",
		"fhirBaseUrl":    "https://fhir.example.org",
		"accessToken":    fhirToken,
		"patientId":      "pat-1",
		"patientName":    "Jane Roe",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), fhirToken) {
		t.Fatalf("access token leaked: %s", w.Body.String())
	}
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "session" {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" || !cookie.HttpOnly {
		t.Fatalf("session cookie missing or not HttpOnly: %+v", cookie)
	}
	if cookie.MaxAge != int(time.Hour.Seconds()) {
		t.Fatalf("cookie max-age should follow the session ttl, got %d", cookie.MaxAge)
	}

	var data struct {
		User struct {
			PractitionerName string `json:"practitionerName"`
			HasAccessToken   bool   `json:"hasAccessToken"`
		} `json:"user"`
	}
	if err := json.Unmarshal(decode(t, w).Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.User.PractitionerName != "Dr. Verified" || !data.User.HasAccessToken {
		t.Fatalf("user view: %+v", data.User)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(cookie)
	me := httptest.NewRecorder()
	s.r.ServeHTTP(me, req)
	if me.Code != http.StatusOK || !strings.Contains(me.Body.String(), `"practitionerId":"prac-new"`) {
		t.Fatalf("me: %d %s", me.Code, me.Body.String())
	}

	out := s.do(t, http.MethodDelete, "/auth/session", "", nil)
	if out.Code != http.StatusOK {
		t.Fatalf("sign out: %d", out.Code)
	}
}

func TestCreateSession_Rejected(t *testing.T) {
	s := newTestServer(t)
	body := map[string]string{"practitionerId": "prac-a", "fhirBaseUrl": "https://fhir.example.org", "accessToken": "x"}

	s.h.Verifier = fakeVerifier{err: auth.ErrPractitionerMismatch}
	if w := s.do(t, http.MethodPost, "/auth/session", "", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("mismatch: got %d", w.Code)
	}
	s.h.Verifier = fakeVerifier{err: errors.New("connection refused")}
	if w := s.do(t, http.MethodPost, "/auth/session", "", body); w.Code != http.StatusBadGateway {
		t.Fatalf("fhir down: got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/auth/session", "", map[string]string{"practitionerId": "p"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: got %d", w.Code)
	}
}

func TestCreateSession_FHIRServerNotAllowed(t *testing.T) {
	s := newTestServer(t)
	s.h.Cfg.FHIRAllowedBaseURLs = []string{"https://fhir.example.org"}
	// a dial would surface as 502
	s.h.Verifier = fakeVerifier{err: errors.New("dialed")}

	for _, base := range []string{"https://attacker.example.net", "http://169.254.169.254/latest", "file:///etc/passwd"} {
		w := s.do(t, http.MethodPost, "/auth/session", "", map[string]string{
			"practitionerId": "prac-a",
			"fhirBaseUrl":    base,
			"accessToken":    fhirToken,
		})
		if w.Code != http.StatusForbidden || decode(t, w).Code != 40301 {
			t.Fatalf("%s: got %d %s", base, w.Code, w.Body.String())
		}
	}

	s.h.Verifier = fakeVerifier{name: "Dr. A"}
	w := s.do(t, http.MethodPost, "/auth/session", "", map[string]string{
		"practitionerId": "prac-a",
		"fhirBaseUrl":    "https://fhir.example.org/",
		"accessToken":    fhirToken,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("allowed server: got %d %s", w.Code, w.Body.String())
	}
}

func TestToolStatus_Redacted(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/chat?action=tool-status", s.token(t, "prac-a", "u-a"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if strings.Contains(body, fhirToken) || strings.Contains(body, "accessToken") {
		t.Fatalf("token leaked: %s", body)
	}
	if !strings.Contains(body, `"hasAccessToken":true`) || !strings.Contains(body, `"toolCount":0`) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestChatStatus(t *testing.T) {
	s := newTestServer(t)
	tokA := s.token(t, "prac-a", "u-a")

	if w := s.do(t, http.MethodGet, "/chat", tokA, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing chatId: got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/chat?chatId=missing", tokA, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing chat: got %d", w.Code)
	}

	id, err := s.h.Chats.CreateChat(context.Background(), "prac-b", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w := s.do(t, http.MethodGet, "/chat?chatId="+id, tokA, nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign chat: got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/chat?chatId="+id, s.token(t, "prac-b", "u-b"), nil); w.Code != http.StatusOK {
		t.Fatalf("own chat: got %d", w.Code)
	}
}

func chatBody(id, role, text string) map[string]any {
	return map[string]any{
		"id": id,
		"message": map[string]any{
			"id":    "client-1",
			"role":  role,
			"parts": []map[string]string{{"type": "text", "text": text}},
		},
	}
}

func TestPostChat_StreamsSavesAndResumes(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "prac-a", "u-a")

	w := s.do(t, http.MethodPost, "/chat", tok, chatBody("chat-1", "user", "Any interactions with warfarin?"))
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{`"type":"start"`, `"chatId":"chat-1"`, `"type":"text-delta"`, `"delta":"Hello from the model"`, `"type":"finish"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %s:\n%s", want, body)
		}
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream not terminated:\n%s", body)
	}

	msgs, err := s.h.Chats.LoadChat(context.Background(), "chat-1", "prac-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != chat.RoleUser || msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("saved transcript: %+v", msgs)
	}
	if !strings.HasPrefix(msgs[1].ID, "msg-") {
		t.Fatalf("generated id %q", msgs[1].ID)
	}

	re := s.do(t, http.MethodGet, "/chat/chat-1/stream", tok, nil)
	if re.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", re.Code, re.Body.String())
	}
	if !strings.Contains(re.Body.String(), `"delta":"Hello from the model"`) || strings.Count(re.Body.String(), "data: [DONE]") != 1 {
		t.Fatalf("resume body:\n%s", re.Body.String())
	}

	if nc := s.do(t, http.MethodGet, "/chat/chat-1/stream", s.token(t, "prac-b", "u-b"), nil); nc.Code != http.StatusNoContent {
		t.Fatalf("foreign resume: got %d", nc.Code)
	}
}

func TestPostChat_ProviderFailureSavesNothing(t *testing.T) {
	s := newTestServer(t)
	s.provider.err = errors.New("upstream 500")
	tok := s.token(t, "prac-a", "u-a")

	w := s.do(t, http.MethodPost, "/chat", tok, chatBody("chat-2", "user", "hi"))
	if !strings.Contains(w.Body.String(), `"type":"error"`) {
		t.Fatalf("no error event:\n%s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "[DONE]") {
		t.Fatalf("failed stream must not complete:\n%s", w.Body.String())
	}
	var n int64
	s.db.Model(&chat.Message{}).Where("chat_id = ?", "chat-2").Count(&n)
	if n != 0 {
		t.Fatalf("saved %d messages after a failed turn", n)
	}
}

func TestPostChat_Validation(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "prac-a", "u-a")

	w := s.do(t, http.MethodPost, "/chat", tok, chatBody("chat-3", "assistant", "spoofed"))
	if w.Code != http.StatusBadRequest || decode(t, w).Code != 40001 {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, "/chat", tok, "{not json"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/chat", tok, map[string]string{"id": "chat-4"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing message: got %d", w.Code)
	}
}

func TestCompletion(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "prac-a", "u-a")

	if w := s.do(t, http.MethodPost, "/completion", tok, map[string]string{"prompt": " "}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt: got %d", w.Code)
	}
	w := s.do(t, http.MethodPost, "/completion", tok, map[string]string{"prompt": "Summarize"})
	if !strings.Contains(w.Body.String(), `"delta":"Hello from the model"`) || !strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n") {
		t.Fatalf("completion body:\n%s", w.Body.String())
	}
}

func TestChatManagement(t *testing.T) {
	s := newTestServer(t)
	tokA := s.token(t, "prac-a", "u-a")
	tokB := s.token(t, "prac-b", "u-b")

	w := s.do(t, http.MethodPost, "/chats", tokA, map[string]string{"title": "Rounds"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		ChatID string `json:"chatId"`
	}
	_ = json.Unmarshal(decode(t, w).Data, &created)
	id := created.ChatID

	if w := s.do(t, http.MethodPatch, "/chats/"+id, tokA, map[string]string{"title": "  "}); w.Code != http.StatusBadRequest {
		t.Fatalf("blank title: got %d", w.Code)
	}
	if w := s.do(t, http.MethodPatch, "/chats/"+id, tokA, map[string]string{"title": "Ward 3"}); w.Code != http.StatusOK {
		t.Fatalf("rename: got %d", w.Code)
	}
	if w := s.do(t, http.MethodPatch, "/chats/"+id, tokB, map[string]string{"title": "mine"}); w.Code != http.StatusNotFound {
		t.Fatalf("foreign rename: got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/chats/"+id+"/pin", tokA, nil); !strings.Contains(w.Body.String(), `"pinned":true`) {
		t.Fatalf("pin: %s", w.Body.String())
	}
	if w := s.do(t, http.MethodGet, "/chats/"+id+"/messages", tokB, nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign transcript: got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/chats/"+id+"/messages", tokA, nil); w.Code != http.StatusOK {
		t.Fatalf("transcript: got %d", w.Code)
	}

	list := s.do(t, http.MethodGet, "/chats", tokA, nil)
	if !strings.Contains(list.Body.String(), `"title":"Ward 3"`) {
		t.Fatalf("list: %s", list.Body.String())
	}
	if w := s.do(t, http.MethodDelete, "/chats/"+id, tokA, nil); w.Code != http.StatusOK {
		t.Fatalf("delete: got %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/chats/"+id, tokA, nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete: got %d", w.Code)
	}
}

func TestCollections(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "prac-a", "u-a")

	if w := s.do(t, http.MethodPost, "/collections", tok, map[string]string{"content": "   "}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty content: got %d", w.Code)
	}
	w := s.do(t, http.MethodPost, "/collections", tok, map[string]string{"content": "Warfarin and aspirin raise bleeding risk."})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Resource struct {
			ID string `json:"id"`
		} `json:"resource"`
	}
	_ = json.Unmarshal(decode(t, w).Data, &created)
	if created.Resource.ID == "" {
		t.Fatalf("no resource id: %s", w.Body.String())
	}

	list := s.do(t, http.MethodGet, "/collections", tok, nil)
	if !strings.Contains(list.Body.String(), created.Resource.ID) {
		t.Fatalf("list: %s", list.Body.String())
	}
	if w := s.do(t, http.MethodDelete, "/collections/"+created.Resource.ID, tok, nil); w.Code != http.StatusOK {
		t.Fatalf("delete: got %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/collections/"+created.Resource.ID, tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete: got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/collections?async=true", tok, map[string]string{"content": "x"}); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("async without queue: got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/collections/jobs/unknown", tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown job: got %d", w.Code)
	}
}

func TestCollections_MultipartUpload(t *testing.T) {
	s := newTestServer(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte("Metformin is first-line therapy for type 2 diabetes."))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/collections", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.token(t, "prac-a", "u-a"))
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"blobKey":"collections/`) {
		t.Fatalf("upload not archived: %s", w.Body.String())
	}
}

func TestMCPStatus_Disabled(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/mcp/status", s.token(t, "prac-a", "u-a"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"enabled":false`) || !strings.Contains(w.Body.String(), `"dashboard"`) {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestPostChat_UnreachableToolServer(t *testing.T) {
	s := newTestServer(t)
	dials := 0
	remote := mcp.NewRegistry(mcp.Config{URL: "http://10.0.0.9:8000/mcp"}, func(ctx context.Context) (mcp.Session, error) {
		dials++
		if dials > 1 {
			return nil, errors.New("dial tcp 10.0.0.9:8000: connect: connection refused")
		}
		return downSession{}, nil
	}, nil, zerolog.Nop())
	s.h.Tools = remote
	s.h.Assistant = assistant.New(s.h.Chats, s.models, s.h.Knowledge, remote, assistant.Options{Provider: "fake", MaxSteps: 3}, zerolog.Nop())
	s.useProvider(&scriptedProvider{steps: [][]ai.Delta{
		{
			{Type: ai.DeltaToolCall, ToolCall: &ai.ToolCall{ID: "call-1", Name: "get_patient", Args: json.RawMessage(`{"patient_id":"p1"}`)}},
			{Type: ai.DeltaFinish, FinishReason: "tool-calls"},
		},
		{
			{Type: ai.DeltaToolCall, ToolCall: &ai.ToolCall{ID: "call-2", Name: "get_patient", Args: json.RawMessage(`{"patient_id":"p1"}`)}},
			{Type: ai.DeltaFinish, FinishReason: "tool-calls"},
		},
		{
			{Type: ai.DeltaText, Text: "The record server is unreachable right now."},
			{Type: ai.DeltaFinish, FinishReason: "stop"},
		},
	}})
	tok := s.token(t, "prac-a", "u-a")

	w := s.do(t, http.MethodPost, "/chat", tok, chatBody("chat-tools", "user", "Summarize patient p1"))
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if n := strings.Count(body, `"type":"tool-output-error"`); n != 2 {
		t.Fatalf("expected 2 tool errors, got %d:\n%s", n, body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream not terminated:\n%s", body)
	}

	msgs, err := s.h.Chats.LoadChat(context.Background(), "chat-tools", "prac-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("saved transcript: %+v", msgs)
	}
	failed := 0
	for _, p := range msgs[1].Parts {
		if p.Type == chat.PartToolResult && p.ErrorText != "" {
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("expected 2 failed tool results in the saved reply, got %d: %+v", failed, msgs[1].Parts)
	}
	if dials != 2 {
		t.Fatalf("expected a redial after the failed call, got %d dials", dials)
	}
}

func TestPostChat_ClientDisconnectSavesNothing(t *testing.T) {
	s := newTestServer(t)
	p := &stallingProvider{started: make(chan struct{})}
	s.useProvider(p)
	tok := s.token(t, "prac-a", "u-a")

	raw, _ := json.Marshal(chatBody("chat-gone", "user", "Long question"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(raw)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		defer close(served)
		s.r.ServeHTTP(w, req)
	}()
	<-p.started
	waitBuffered(t, s, "chat-gone", "Partial answer")
	cancel()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after the client left")
	}

	var n int64
	s.db.Model(&chat.Message{}).Where("chat_id = ?", "chat-gone").Count(&n)
	if n != 0 {
		t.Fatalf("saved %d messages after a disconnect", n)
	}

	// the partial stream replays, but not as a finished turn
	re := s.do(t, http.MethodGet, "/chat/chat-gone/stream", tok, nil)
	if re.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", re.Code, re.Body.String())
	}
	body := re.Body.String()
	if strings.Contains(body, "[DONE]") {
		t.Fatalf("interrupted stream resumed as complete:\n%s", body)
	}
	if !strings.HasSuffix(body, "\n\n") || !strings.Contains(body, `"type":"error"`) {
		t.Fatalf("expected a closing error event:\n%s", body)
	}
}

// waitBuffered blocks until the chat's latest stream holds an event
// containing want.
func waitBuffered(t *testing.T, s *testServer, chatID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ids, err := s.h.Chats.LoadStreams(context.Background(), chatID, "prac-a")
		if err == nil && len(ids) > 0 {
			evs, _, _ := s.h.Streams.Read(context.Background(), ids[len(ids)-1], 0)
			for _, ev := range evs {
				if strings.Contains(string(ev), want) {
					return
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stream for %s never buffered %q", chatID, want)
}
