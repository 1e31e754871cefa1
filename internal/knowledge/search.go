package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// Searcher ranks stored embeddings by cosine similarity to query, keeping
// matches with similarity > threshold, best first, at most limit.
type Searcher interface {
	Search(ctx context.Context, query []float32, threshold float64, limit int) ([]Match, error)
}

// NewSearcher picks the vector search strategy for the database dialect.
func NewSearcher(db *gorm.DB) Searcher {
	switch db.Dialector.Name() {
	case "postgres":
		return &pgvectorSearcher{db: db}
	case "mysql":
		return &tidbSearcher{db: db}
	default:
		return &memorySearcher{db: db}
	}
}

type pgvectorSearcher struct {
	db *gorm.DB
}

func (s *pgvectorSearcher) Search(ctx context.Context, query []float32, threshold float64, limit int) ([]Match, error) {
	vec := pgvector.NewVector(query)
	var out []Match
	err := s.db.WithContext(ctx).Raw(`
		SELECT e.content, 1 - (e.embedding <=> CAST(? AS vector)) AS similarity,
		       e.resource_id, r.content AS resource_content,
		       e.embedding <=> CAST(? AS vector) AS distance
		FROM embeddings e
		JOIN resources r ON r.id = e.resource_id
		WHERE 1 - (e.embedding <=> CAST(? AS vector)) > ?
		ORDER BY distance ASC
		LIMIT ?`,
		vec, vec, vec, threshold, limit,
	).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	return out, nil
}

type tidbSearcher struct {
	db *gorm.DB
}

func (s *tidbSearcher) Search(ctx context.Context, query []float32, threshold float64, limit int) ([]Match, error) {
	vec := pgvector.NewVector(query).String()
	var out []Match
	err := s.db.WithContext(ctx).Raw(`
		SELECT e.content, 1 - VEC_COSINE_DISTANCE(e.embedding, ?) AS similarity,
		       e.resource_id, r.content AS resource_content,
		       VEC_COSINE_DISTANCE(e.embedding, ?) AS distance
		FROM embeddings e
		JOIN resources r ON r.id = e.resource_id
		WHERE 1 - VEC_COSINE_DISTANCE(e.embedding, ?) > ?
		ORDER BY distance ASC
		LIMIT ?`,
		vec, vec, vec, threshold, limit,
	).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("tidb vector search: %w", err)
	}
	return out, nil
}

// memorySearcher scores every stored embedding in process. It serves sqlite,
// which has no vector type.
type memorySearcher struct {
	db *gorm.DB
}

func (s *memorySearcher) Search(ctx context.Context, query []float32, threshold float64, limit int) ([]Match, error) {
	var rows []Embedding
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	var out []Match
	for _, row := range rows {
		sim, err := CosineSimilarity(query, row.Embedding.Slice())
		if err != nil {
			continue
		}
		if sim <= threshold {
			continue
		}
		out = append(out, Match{
			Content:    row.Content,
			Similarity: sim,
			ResourceID: row.ResourceID,
			Distance:   1 - sim,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(out))
	for _, m := range out {
		ids = append(ids, m.ResourceID)
	}
	var resources []Resource
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&resources).Error; err != nil {
		return nil, fmt.Errorf("load resources: %w", err)
	}
	byID := make(map[string]string, len(resources))
	for _, r := range resources {
		byID[r.ID] = r.Content
	}
	for i := range out {
		out[i].ResourceContent = byID[out[i].ResourceID]
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between a and b. A zero
// vector has similarity 0 with everything.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, errors.New("vectors cannot be empty")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same dimension: %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
