package embedding

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/tmc/langchaingo/embeddings"

	"docchat/internal/logger"
	"docchat/internal/service/vector"
)

var ErrNoText = errors.New("no extracted text to embed")

type Options struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	Concurrency  int
}

// Indexer chunks document text, embeds the chunks and stores the vectors.
type Indexer struct {
	embedder embeddings.Embedder
	store    vector.Store
	pool     *ants.Pool
	opts     Options
	log      *logger.Logger
}

func NewIndexer(embedder embeddings.Embedder, store vector.Store, opts Options, log *logger.Logger) (*Indexer, error) {
	if embedder == nil || store == nil {
		return nil, errors.New("embedder and vector store are required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 800
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Indexer{embedder: embedder, store: store, pool: pool, opts: opts, log: log.With("component", "indexer")}, nil
}

// PointID derives a stable vector id from the document id and chunk index.
func PointID(fileID string, index int) string {
	ns, err := uuid.Parse(fileID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceURL, []byte(fileID))
	}
	return uuid.NewSHA1(ns, []byte(strconv.Itoa(index))).String()
}

// Index replaces the vectors of fileID with embeddings of text and returns the chunk count.
func (ix *Indexer) Index(ctx context.Context, fileID, text string) (int, error) {
	chunks := Chunk(text, ix.opts.ChunkSize, ix.opts.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, ErrNoText
	}

	vectors, err := ix.embedAll(ctx, chunks)
	if err != nil {
		return 0, err
	}

	points := make([]vector.Point, len(chunks))
	for i, chunk := range chunks {
		points[i] = vector.Point{
			ID:      PointID(fileID, i),
			Vector:  vectors[i],
			Payload: vector.Payload{FileID: fileID, ChunkIndex: i, Text: chunk},
		}
	}
	if err := ix.store.DeleteDocument(ctx, fileID); err != nil {
		return 0, fmt.Errorf("clear previous vectors: %w", err)
	}
	for start := 0; start < len(points); start += ix.opts.BatchSize {
		end := min(start+ix.opts.BatchSize, len(points))
		if err := ix.store.Upsert(ctx, points[start:end]); err != nil {
			return 0, fmt.Errorf("upsert vectors: %w", err)
		}
	}
	ix.log.Debug("document indexed", "file_id", fileID, "chunks", len(chunks))
	return len(chunks), nil
}

// embedAll embeds chunks in batches spread over the pool, keeping order.
func (ix *Indexer) embedAll(ctx context.Context, chunks []string) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for start := 0; start < len(chunks); start += ix.opts.BatchSize {
		start, end := start, min(start+ix.opts.BatchSize, len(chunks))
		wg.Add(1)
		err := ix.pool.Submit(func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				record(err)
				return
			}
			vecs, err := ix.embedder.EmbedDocuments(ctx, chunks[start:end])
			if err != nil {
				record(fmt.Errorf("embed chunks %d-%d: %w", start, end, err))
				return
			}
			if len(vecs) != end-start {
				record(fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), end-start))
				return
			}
			copy(vectors[start:end], vecs)
		})
		if err != nil {
			wg.Done()
			record(fmt.Errorf("submit embedding batch: %w", err))
			break
		}
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return vectors, nil
}

// Remove deletes all vectors stored for fileID.
func (ix *Indexer) Remove(ctx context.Context, fileID string) error {
	return ix.store.DeleteDocument(ctx, fileID)
}

func (ix *Indexer) Close() {
	ix.pool.Release()
}
