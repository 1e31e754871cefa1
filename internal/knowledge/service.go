package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Embedder turns text into vectors. Implementations live in internal/ai.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	Threshold float64
	Limit     int
	// Dimensions, when set, is the vector width every embedding must have.
	Dimensions int
}

type Service struct {
	repo     *Repo
	embedder Embedder
	searcher Searcher
	opts     Options
	log      zerolog.Logger
}

func NewService(repo *Repo, embedder Embedder, searcher Searcher, opts Options, log zerolog.Logger) *Service {
	if opts.Limit <= 0 {
		opts.Limit = 4
	}
	return &Service{
		repo:     repo,
		embedder: embedder,
		searcher: searcher,
		opts:     opts,
		log:      log.With().Str("component", "knowledge").Logger(),
	}
}

// CreateResource chunks content, embeds every chunk and stores the resource
// with its embeddings.
func (s *Service) CreateResource(ctx context.Context, content string) (*Resource, error) {
	content = strings.TrimSpace(content)
	chunks := Chunk(content)
	if len(chunks) == 0 {
		return nil, ErrEmptyContent
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	res := &Resource{ID: uuid.NewString(), Content: content}
	embeddings := make([]Embedding, 0, len(chunks))
	for i, chunk := range chunks {
		if err := s.checkDimensions(vectors[i]); err != nil {
			return nil, err
		}
		embeddings = append(embeddings, Embedding{
			ID:         uuid.NewString(),
			ResourceID: res.ID,
			Content:    chunk,
			Embedding:  NewVector(vectors[i]),
		})
	}

	if err := s.repo.CreateResource(ctx, res, embeddings); err != nil {
		return nil, fmt.Errorf("store resource: %w", err)
	}
	s.log.Info().Str("resource_id", res.ID).Int("chunks", len(chunks)).Msg("resource created")
	return res, nil
}

// FindRelevantContent returns the stored chunks most similar to query that
// clear the similarity threshold. Failures are returned, never swallowed.
func (s *Service) FindRelevantContent(ctx context.Context, query string) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Match{}, nil
	}
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := s.checkDimensions(vec); err != nil {
		return nil, err
	}
	matches, err := s.searcher.Search(ctx, vec, s.opts.Threshold, s.opts.Limit)
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []Match{}
	}
	return matches, nil
}

func (s *Service) ListResources(ctx context.Context) ([]Resource, error) {
	out, err := s.repo.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Resource{}
	}
	return out, nil
}

func (s *Service) DeleteResource(ctx context.Context, id string) error {
	deleted, err := s.repo.DeleteResource(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrResourceNotFound
	}
	return nil
}

func (s *Service) checkDimensions(v []float32) error {
	if s.opts.Dimensions > 0 && len(v) != s.opts.Dimensions {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(v), s.opts.Dimensions)
	}
	return nil
}
