package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docchat/internal/models"
	"docchat/internal/service/vector"
)

var ErrEmptyQuery = errors.New("query is empty")

// QueryEmbedder embeds a single search query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Service finds the stored passages closest to a query.
type Service struct {
	embedder QueryEmbedder
	store    vector.Store
}

func NewService(embedder QueryEmbedder, store vector.Store) *Service {
	return &Service{embedder: embedder, store: store}
}

// Search returns at most topK passages, best match first.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]models.Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = 5
	}
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	passages := make([]models.Passage, 0, len(matches))
	for _, m := range matches {
		passages = append(passages, models.Passage{
			FileID:     m.Payload.FileID,
			ChunkIndex: m.Payload.ChunkIndex,
			Text:       m.Payload.Text,
			Score:      m.Score,
		})
	}
	return passages, nil
}
