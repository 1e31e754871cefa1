package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DBDriver    string `mapstructure:"DB_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// rabbitMQ
	RabbitURL         string `mapstructure:"RABBIT_URL"`
	RabbitQueue       string `mapstructure:"RABBIT_QUEUE"`
	WorkerConcurrency int    `mapstructure:"WORKER_CONCURRENCY"`

	// session
	SessionSecret  string        `mapstructure:"SESSION_SECRET"`
	SessionTTL     time.Duration `mapstructure:"SESSION_TTL"`
	SessionCookie  string        `mapstructure:"SESSION_COOKIE"`
	AuthVerifyFHIR bool          `mapstructure:"AUTH_VERIFY_FHIR"`
	// FHIR servers a launch may name; comma separated in the environment.
	FHIRAllowedBaseURLs []string `mapstructure:"FHIR_ALLOWED_BASE_URLS"`

	// AI provider
	AIProvider        string `mapstructure:"AI_PROVIDER"`
	GeminiAPIKey      string `mapstructure:"GEMINI_API_KEY"`
	GeminiModel       string `mapstructure:"GEMINI_MODEL"`
	OpenRouterBaseURL string `mapstructure:"OPENROUTER_BASE_URL"`
	OpenRouterAPIKey  string `mapstructure:"OPENROUTER_API_KEY"`
	OpenRouterModel   string `mapstructure:"OPENROUTER_MODEL"`
	OpenRouterSiteURL string `mapstructure:"OPENROUTER_SITE_URL"`
	OpenRouterAppName string `mapstructure:"OPENROUTER_APP_NAME"`
	OllamaBaseURL     string `mapstructure:"OLLAMA_BASE_URL"`
	OllamaModel       string `mapstructure:"OLLAMA_MODEL"`

	// embeddings
	EmbeddingProvider   string `mapstructure:"EMBEDDING_PROVIDER"`
	EmbeddingModel      string `mapstructure:"EMBEDDING_MODEL"`
	EmbeddingBaseURL    string `mapstructure:"EMBEDDING_BASE_URL"`
	EmbeddingAPIKey     string `mapstructure:"EMBEDDING_API_KEY"`
	EmbeddingDimensions int    `mapstructure:"EMBEDDING_DIMENSIONS"`

	// remote tools
	MCPServerURL    string        `mapstructure:"MCP_SERVER_URL"`
	MCPSSEFallback  bool          `mapstructure:"MCP_SSE_FALLBACK"`
	MCPToolPrefix   string        `mapstructure:"MCP_TOOL_PREFIX"`
	MCPToolCacheTTL time.Duration `mapstructure:"MCP_TOOL_CACHE_TTL"`

	ChatMaxSteps       int     `mapstructure:"CHAT_MAX_STEPS"`
	RetrievalThreshold float64 `mapstructure:"RETRIEVAL_THRESHOLD"`
	RetrievalLimit     int     `mapstructure:"RETRIEVAL_LIMIT"`

	// uploads
	S3Bucket       string `mapstructure:"S3_BUCKET"`
	S3Endpoint     string `mapstructure:"S3_ENDPOINT"`
	S3Region       string `mapstructure:"S3_REGION"`
	UploadMaxBytes int64  `mapstructure:"UPLOAD_MAX_BYTES"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DB_DRIVER", "DATABASE_URL",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"RABBIT_URL", "RABBIT_QUEUE", "WORKER_CONCURRENCY",
	"SESSION_SECRET", "SESSION_TTL", "SESSION_COOKIE", "AUTH_VERIFY_FHIR", "FHIR_ALLOWED_BASE_URLS",
	"AI_PROVIDER", "GEMINI_API_KEY", "GEMINI_MODEL",
	"OPENROUTER_BASE_URL", "OPENROUTER_API_KEY", "OPENROUTER_MODEL", "OPENROUTER_SITE_URL", "OPENROUTER_APP_NAME",
	"OLLAMA_BASE_URL", "OLLAMA_MODEL",
	"EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_BASE_URL", "EMBEDDING_API_KEY", "EMBEDDING_DIMENSIONS",
	"MCP_SERVER_URL", "MCP_SSE_FALLBACK", "MCP_TOOL_PREFIX", "MCP_TOOL_CACHE_TTL",
	"CHAT_MAX_STEPS", "RETRIEVAL_THRESHOLD", "RETRIEVAL_LIMIT",
	"S3_BUCKET", "S3_ENDPOINT", "S3_REGION", "UPLOAD_MAX_BYTES",
}

// Load reads .env (if present) into the process environment and then the
// environment into Config.
func Load() (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("RABBIT_QUEUE", "ingest_jobs")
	v.SetDefault("WORKER_CONCURRENCY", 2)
	v.SetDefault("SESSION_TTL", time.Hour)
	v.SetDefault("SESSION_COOKIE", "session")
	v.SetDefault("AUTH_VERIFY_FHIR", true)
	v.SetDefault("AI_PROVIDER", "gemini")
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("OPENROUTER_MODEL", "openrouter/auto")
	v.SetDefault("OLLAMA_BASE_URL", "http://localhost:11434")
	v.SetDefault("OLLAMA_MODEL", "llama3.1:latest")
	v.SetDefault("EMBEDDING_PROVIDER", "gemini")
	v.SetDefault("EMBEDDING_MODEL", "gemini-embedding-001")
	v.SetDefault("EMBEDDING_DIMENSIONS", 3072)
	v.SetDefault("MCP_SSE_FALLBACK", false)
	v.SetDefault("MCP_TOOL_CACHE_TTL", 5*time.Minute)
	v.SetDefault("CHAT_MAX_STEPS", 10)
	v.SetDefault("RETRIEVAL_THRESHOLD", 0.5)
	v.SetDefault("RETRIEVAL_LIMIT", 4)
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("UPLOAD_MAX_BYTES", 10<<20)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	cfg.AIProvider = strings.ToLower(strings.TrimSpace(cfg.AIProvider))
	cfg.EmbeddingProvider = strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider))
	cfg.FHIRAllowedBaseURLs = splitList(cfg.FHIRAllowedBaseURLs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects configurations the server cannot run with. Outside
// development the session secret must be at least 32 bytes.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	switch c.DBDriver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be \"postgres\", \"mysql\" or \"sqlite\", got %q", c.DBDriver)
	}

	if c.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}
	if !c.IsDev() && len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 bytes outside development, got %d", len(c.SessionSecret))
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be positive")
	}
	for _, u := range c.FHIRAllowedBaseURLs {
		if normalizeBaseURL(u) == "" {
			return fmt.Errorf("FHIR_ALLOWED_BASE_URLS: %q is not an http(s) base url", u)
		}
	}
	if !c.IsDev() && len(c.FHIRAllowedBaseURLs) == 0 {
		return errors.New("FHIR_ALLOWED_BASE_URLS is required outside development")
	}

	switch c.AIProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY is required when AI_PROVIDER is \"gemini\"")
		}
	case "openrouter":
		if c.OpenRouterAPIKey == "" {
			return errors.New("OPENROUTER_API_KEY is required when AI_PROVIDER is \"openrouter\"")
		}
	case "ollama":
	default:
		return fmt.Errorf("AI_PROVIDER must be \"gemini\", \"openrouter\" or \"ollama\", got %q", c.AIProvider)
	}

	switch c.EmbeddingProvider {
	case "gemini", "openai", "ollama":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be \"gemini\", \"openai\" or \"ollama\", got %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDimensions <= 0 {
		return errors.New("EMBEDDING_DIMENSIONS must be positive")
	}

	if c.ChatMaxSteps <= 0 || c.ChatMaxSteps > 50 {
		return fmt.Errorf("CHAT_MAX_STEPS must be between 1 and 50, got %d", c.ChatMaxSteps)
	}
	if c.RetrievalThreshold < -1 || c.RetrievalThreshold > 1 {
		return fmt.Errorf("RETRIEVAL_THRESHOLD must be within [-1, 1], got %v", c.RetrievalThreshold)
	}
	if c.RetrievalLimit <= 0 {
		return errors.New("RETRIEVAL_LIMIT must be positive")
	}
	if c.WorkerConcurrency <= 0 || c.WorkerConcurrency > 50 {
		c.WorkerConcurrency = 2
	}
	if c.MCPToolCacheTTL <= 0 {
		c.MCPToolCacheTTL = 5 * time.Minute
	}
	return nil
}

// GeminiEmbeddingKey returns the key used by the Gemini embedder, falling back
// to the chat key.
func (c *Config) GeminiEmbeddingKey() string {
	if c.EmbeddingAPIKey != "" {
		return c.EmbeddingAPIKey
	}
	return c.GeminiAPIKey
}

// FHIRBaseAllowed reports whether base names one of FHIR_ALLOWED_BASE_URLS.
// Scheme and host compare case-insensitively and a trailing slash is ignored.
// With no list configured any server is accepted in development only.
func (c *Config) FHIRBaseAllowed(base string) bool {
	want := normalizeBaseURL(base)
	if want == "" {
		return false
	}
	if len(c.FHIRAllowedBaseURLs) == 0 {
		return c.IsDev()
	}
	for _, a := range c.FHIRAllowedBaseURLs {
		if normalizeBaseURL(a) == want {
			return true
		}
	}
	return false
}

// normalizeBaseURL returns "" for anything but a plain http(s) base url.
func normalizeBaseURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	return scheme + "://" + strings.ToLower(u.Host) + strings.TrimRight(u.EscapedPath(), "/")
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
