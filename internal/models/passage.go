package models

// Passage is a ranked chunk of document text returned by retrieval.
type Passage struct {
	FileID     string  `json:"file_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}
