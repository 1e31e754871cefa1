package config

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "file::memory:")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SESSION_SECRET", "dev-secret")
	t.Setenv("AI_PROVIDER", "ollama")
	t.Setenv("ENV", "development")
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("expected session ttl 1h, got %s", cfg.SessionTTL)
	}
	if cfg.SessionCookie != "session" {
		t.Errorf("expected cookie name session, got %s", cfg.SessionCookie)
	}
	if cfg.MCPToolCacheTTL != 5*time.Minute {
		t.Errorf("expected tool cache ttl 5m, got %s", cfg.MCPToolCacheTTL)
	}
	if cfg.ChatMaxSteps != 10 {
		t.Errorf("expected 10 max steps, got %d", cfg.ChatMaxSteps)
	}
	if cfg.RetrievalThreshold != 0.5 || cfg.RetrievalLimit != 4 {
		t.Errorf("unexpected retrieval policy: threshold=%v limit=%d", cfg.RetrievalThreshold, cfg.RetrievalLimit)
	}
	if cfg.EmbeddingDimensions != 3072 {
		t.Errorf("expected 3072 dimensions, got %d", cfg.EmbeddingDimensions)
	}
}

func TestLoad_ParsesDurations(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("MCP_TOOL_CACHE_TTL", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("expected 30m, got %s", cfg.SessionTTL)
	}
	if cfg.MCPToolCacheTTL != 90*time.Second {
		t.Errorf("expected 90s, got %s", cfg.MCPToolCacheTTL)
	}
}

func TestValidate_ShortSecretOutsideDev(t *testing.T) {
	c := &Config{
		Env:                 "production",
		DBDriver:            "postgres",
		DatabaseURL:         "postgres://x",
		SessionSecret:       "short",
		SessionTTL:          time.Hour,
		AIProvider:          "ollama",
		EmbeddingProvider:   "ollama",
		EmbeddingDimensions: 768,
		ChatMaxSteps:        10,
		RetrievalThreshold:  0.5,
		RetrievalLimit:      4,
		FHIRAllowedBaseURLs: []string{"https://fhir.example.org/r4"},
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected short secret to be rejected in production")
	}

	c.SessionSecret = "0123456789abcdef0123456789abcdef"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.FHIRAllowedBaseURLs = nil
	if err := c.Validate(); err == nil {
		t.Fatal("expected missing FHIR allowlist to be rejected in production")
	}
	c.FHIRAllowedBaseURLs = []string{"ftp://fhir.example.org"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected non-http allowlist entry to be rejected")
	}
}

func TestLoad_FHIRAllowlist(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FHIR_ALLOWED_BASE_URLS", "https://fhir.example.org/r4/, https://EHR.Example.com/fhir")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.FHIRAllowedBaseURLs) != 2 {
		t.Fatalf("expected 2 entries, got %v", cfg.FHIRAllowedBaseURLs)
	}

	for _, tc := range []struct {
		base string
		want bool
	}{
		{"https://fhir.example.org/r4", true},
		{"https://fhir.example.org/r4/", true},
		{"https://ehr.example.com/fhir", true},
		{"https://fhir.example.org", false},
		{"https://fhir.example.org/r4/../admin", false},
		{"http://fhir.example.org/r4", false},
		{"https://attacker.example.net/r4", false},
		{"https://user@fhir.example.org/r4", false},
		{"not a url", false},
	} {
		if got := cfg.FHIRBaseAllowed(tc.base); got != tc.want {
			t.Errorf("FHIRBaseAllowed(%q) = %v, want %v", tc.base, got, tc.want)
		}
	}
}

func TestFHIRBaseAllowed_EmptyList(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.FHIRBaseAllowed("https://any.example.org/fhir") {
		t.Error("expected any server to be accepted in development")
	}
	c.Env = "production"
	if c.FHIRBaseAllowed("https://any.example.org/fhir") {
		t.Error("expected no server to be accepted in production without a list")
	}
}

func TestValidate_ProviderKeys(t *testing.T) {
	c := &Config{
		Env:                 "development",
		DBDriver:            "sqlite",
		DatabaseURL:         "file::memory:",
		SessionSecret:       "dev",
		SessionTTL:          time.Hour,
		AIProvider:          "gemini",
		EmbeddingProvider:   "gemini",
		EmbeddingDimensions: 3072,
		ChatMaxSteps:        10,
		RetrievalLimit:      4,
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected missing GEMINI_API_KEY to be rejected")
	}
	c.GeminiAPIKey = "k"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.GeminiEmbeddingKey() != "k" {
		t.Errorf("expected embedding key to fall back to chat key")
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}
	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
