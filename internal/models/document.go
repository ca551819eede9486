package models

import "time"

type Status string

const (
	StatusUploaded   Status = "UPLOADED"
	StatusExtracting Status = "EXTRACTING"
	StatusExtracted  Status = "EXTRACTED"
	StatusEmbedding  Status = "EMBEDDING"
	StatusEmbedded   Status = "EMBEDDED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no pipeline stage can follow s.
func (s Status) Terminal() bool {
	return s == StatusEmbedded || s == StatusFailed
}

// External is the status value exposed to HTTP clients.
func (s Status) External() string {
	switch s {
	case StatusExtracting:
		return "extracting"
	case StatusEmbedding:
		return "embedding"
	case StatusFailed:
		return "failed"
	default:
		return string(s)
	}
}

type Stage string

const (
	StageExtraction Stage = "extraction"
	StageEmbedding  Stage = "embedding"
)

// Document is an uploaded PDF and its pipeline state.
type Document struct {
	FileID           string    `json:"file_id"`
	OriginalFilename string    `json:"original_filename"`
	FileHash         string    `json:"file_hash"`
	SizeBytes        int64     `json:"size_bytes"`
	ContentType      string    `json:"content_type"`
	StoredPath       string    `json:"-"`
	Status           Status    `json:"status"`
	FailureStage     Stage     `json:"failure_stage,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	ChunkCount       int       `json:"chunk_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
