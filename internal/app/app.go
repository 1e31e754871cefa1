// Package app builds the shared collaborators of the server and the worker
// from configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/ai"
	"github.com/suPer8Hu/medchat/internal/blobstore"
	"github.com/suPer8Hu/medchat/internal/config"
	"github.com/suPer8Hu/medchat/internal/knowledge"
	"gorm.io/gorm"
)

// Providers registers every chat provider. A missing model falls back to
// the configured one. Gemini clients are reused per model.
func Providers(cfg *config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	var (
		mu     sync.Mutex
		gemini = map[string]*ai.GeminiProvider{}
	)
	reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.GeminiModel
		}
		mu.Lock()
		defer mu.Unlock()
		if p, ok := gemini[m]; ok {
			return p, nil
		}
		// the client outlives the request that created it
		p, err := ai.NewGeminiProvider(context.WithoutCancel(ctx), cfg.GeminiAPIKey, m)
		if err != nil {
			return nil, err
		}
		gemini[m] = p
		return p, nil
	})

	return reg
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Embedder returns the configured embedding client and a closer for it.
func Embedder(ctx context.Context, cfg *config.Config) (knowledge.Embedder, io.Closer, error) {
	switch cfg.EmbeddingProvider {
	case "gemini":
		e, err := ai.NewGeminiEmbedder(ctx, cfg.GeminiEmbeddingKey(), cfg.EmbeddingModel)
		if err != nil {
			return nil, nil, err
		}
		return e, e, nil
	case "openai":
		return ai.NewOpenAIEmbedder(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions), nopCloser{}, nil
	case "ollama":
		base := cfg.EmbeddingBaseURL
		if base == "" {
			base = cfg.OllamaBaseURL
		}
		return ai.NewOllamaEmbedder(base, cfg.EmbeddingModel), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported embedding provider %q", cfg.EmbeddingProvider)
	}
}

// Knowledge builds the retrieval service on gdb.
func Knowledge(cfg *config.Config, gdb *gorm.DB, emb knowledge.Embedder, log zerolog.Logger) *knowledge.Service {
	return knowledge.NewService(
		knowledge.NewRepo(gdb),
		emb,
		knowledge.NewSearcher(gdb),
		knowledge.Options{
			Threshold:  cfg.RetrievalThreshold,
			Limit:      cfg.RetrievalLimit,
			Dimensions: cfg.EmbeddingDimensions,
		},
		log,
	)
}

// Blobs returns the S3 archive, or nil when no bucket is configured.
func Blobs(ctx context.Context, cfg *config.Config) (knowledge.BlobStore, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	s, err := blobstore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		return nil, err
	}
	return s, nil
}
