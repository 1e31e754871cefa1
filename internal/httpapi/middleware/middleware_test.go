package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/auth"
)

func newEngine(t *testing.T) (*gin.Engine, *auth.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, err := auth.NewManager("test-secret-test-secret-test-secret", time.Hour)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	r := gin.New()
	r.Use(RequestID(), Recovery(zerolog.Nop()), Logger(zerolog.Nop()), Session(m, "session"))
	r.GET("/open", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	r.GET("/private", SessionRequired(), func(c *gin.Context) { c.String(http.StatusOK, User(c).PractitionerID) })
	return r, m
}

func TestRequestID(t *testing.T) {
	r, _ := newEngine(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("request id not assigned")
	}

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(RequestIDHeader) != "abc" {
		t.Fatalf("incoming request id not kept")
	}
}

func TestRecovery(t *testing.T) {
	r, _ := newEngine(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestSessionRequired(t *testing.T) {
	r, m := newEngine(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", w.Code)
	}

	token, _, err := m.Issue(auth.SessionUser{ID: "u1", PractitionerID: "prac-1", FHIRBaseURL: "https://fhir.example"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: token})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "prac-1" {
		t.Fatalf("expected 200 prac-1, got %d %q", w.Code, w.Body.String())
	}
}
