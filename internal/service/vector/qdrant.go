package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docchat/internal/logger"
)

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// QdrantStore is a minimal REST client to Qdrant using cosine distance.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	http       *http.Client
	log        *logger.Logger
}

// OperationError carries the failing Qdrant call and its HTTP status.
type OperationError struct {
	Operation  string
	StatusCode int
	Message    string
	Cause      error
}

func (e *OperationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("qdrant %s failed (status=%d): %v", e.Operation, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("qdrant %s failed (status=%d): %s", e.Operation, e.StatusCode, e.Message)
}

func (e *OperationError) Unwrap() error { return e.Cause }

func NewQdrantStore(cfg QdrantConfig, log *logger.Logger) (*QdrantStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("qdrant url is required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, errors.New("qdrant collection is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &QdrantStore{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		http:       &http.Client{Timeout: timeout},
		log:        log.With("component", "qdrant"),
	}, nil
}

func (s *QdrantStore) collectionPath(suffix string) string {
	return "/collections/" + s.collection + suffix
}

// EnsureCollection creates the collection if it does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	err := s.doJSON(ctx, "get collection", http.MethodGet, s.collectionPath(""), nil, nil)
	if err == nil {
		return nil
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.StatusCode != http.StatusNotFound {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	if err := s.doJSON(ctx, "create collection", http.MethodPut, s.collectionPath(""), body, nil); err != nil {
		return err
	}
	s.log.Info("qdrant collection created", "collection", s.collection, "dimension", dimension)
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	items := make([]map[string]any, len(points))
	for i, p := range points {
		items[i] = map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		}
	}
	return s.doJSON(ctx, "upsert", http.MethodPut, s.collectionPath("/points?wait=true"), map[string]any{"points": items}, nil)
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			ID      json.RawMessage `json:"id"`
			Score   float64         `json:"score"`
			Payload Payload         `json:"payload"`
		} `json:"result"`
	}
	if err := s.doJSON(ctx, "search", http.MethodPost, s.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		matches = append(matches, Match{ID: decodePointID(r.ID), Score: r.Score, Payload: r.Payload})
	}
	return matches, nil
}

// DeleteDocument removes every point whose payload belongs to fileID.
func (s *QdrantStore) DeleteDocument(ctx context.Context, fileID string) error {
	req := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "file_id", "match": map[string]any{"value": fileID}},
			},
		},
	}
	err := s.doJSON(ctx, "delete", http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.StatusCode == http.StatusNotFound {
		// no collection means nothing to delete
		return nil
	}
	return err
}

func (s *QdrantStore) Health(ctx context.Context) error {
	return s.doJSON(ctx, "list collections", http.MethodGet, "/collections", nil, nil)
}

func (s *QdrantStore) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &OperationError{Operation: op, Cause: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return &OperationError{Operation: op, Cause: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return &OperationError{Operation: op, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &OperationError{Operation: op, StatusCode: resp.StatusCode, Cause: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return &OperationError{Operation: op, StatusCode: resp.StatusCode, Message: truncateBody(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &OperationError{Operation: op, StatusCode: resp.StatusCode, Cause: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func decodePointID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
