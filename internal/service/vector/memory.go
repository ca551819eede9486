package vector

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process store using brute-force cosine similarity.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	points    map[string]Point
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string]Point)}
}

func (s *MemoryStore) EnsureCollection(_ context.Context, dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension != 0 && s.dimension != dimension {
		return ErrDimensionMismatch
	}
	s.dimension = dimension
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		if s.dimension == 0 {
			s.dimension = len(p.Vector)
		}
		if len(p.Vector) != s.dimension {
			return ErrDimensionMismatch
		}
	}
	for _, p := range points {
		s.points[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dimension != 0 && len(vector) != s.dimension {
		return nil, ErrDimensionMismatch
	}
	matches := make([]Match, 0, len(s.points))
	for _, p := range s.points {
		matches = append(matches, Match{ID: p.ID, Score: cosine(p.Vector, vector), Payload: p.Payload})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.points {
		if p.Payload.FileID == fileID {
			delete(s.points, id)
		}
	}
	return nil
}

func (s *MemoryStore) Health(context.Context) error { return nil }

// Len returns the number of stored points.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
