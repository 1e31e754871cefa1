package app

import (
	"context"
	"testing"

	"github.com/suPer8Hu/medchat/internal/ai"
	"github.com/suPer8Hu/medchat/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		OllamaBaseURL:     "http://ollama:11434",
		OllamaModel:       "llama3.1:latest",
		OpenRouterBaseURL: "https://openrouter.ai/api/v1",
		OpenRouterAPIKey:  "k",
		OpenRouterModel:   "openrouter/auto",
		EmbeddingModel:    "nomic-embed-text",
	}
}

func TestProviders_DefaultModel(t *testing.T) {
	reg := Providers(testConfig())

	p, err := reg.Get(context.Background(), "ollama", "")
	if err != nil {
		t.Fatalf("get ollama: %v", err)
	}
	op, ok := p.(*ai.OllamaProvider)
	if !ok || op.Model != "llama3.1:latest" {
		t.Fatalf("unexpected provider %#v", p)
	}

	p, err = reg.Get(context.Background(), "OpenRouter", "anthropic/claude-sonnet-4")
	if err != nil {
		t.Fatalf("get openrouter: %v", err)
	}
	if p.(*ai.OpenRouterProvider).Model != "anthropic/claude-sonnet-4" {
		t.Fatalf("explicit model not used")
	}
}

func TestEmbedder_Select(t *testing.T) {
	cfg := testConfig()
	cfg.EmbeddingProvider = "ollama"
	e, c, err := Embedder(context.Background(), cfg)
	if err != nil {
		t.Fatalf("embedder: %v", err)
	}
	defer c.Close()
	if oe, ok := e.(*ai.OllamaEmbedder); !ok || oe.BaseURL != "http://ollama:11434" {
		t.Fatalf("expected ollama embedder on the chat base url, got %#v", e)
	}

	cfg.EmbeddingProvider = "cohere"
	if _, _, err := Embedder(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestBlobs_DisabledWithoutBucket(t *testing.T) {
	b, err := Blobs(context.Background(), testConfig())
	if err != nil || b != nil {
		t.Fatalf("expected nil store, got %v %v", b, err)
	}
}
