package vector

import (
	"context"
	"errors"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Payload is stored next to each vector.
type Payload struct {
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
}

type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

type Match struct {
	ID      string
	Score   float64
	Payload Payload
}

// Store is a similarity index over document chunks.
type Store interface {
	EnsureCollection(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, vector []float32, topK int) ([]Match, error)
	DeleteDocument(ctx context.Context, fileID string) error
	Health(ctx context.Context) error
}
