package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docchat/internal/models"
)

var (
	// ErrNotFound is returned when no document record exists for the id.
	ErrNotFound = errors.New("document not found")
	// ErrStatusConflict is returned when a compare-and-set transition finds
	// the record in a different status than expected.
	ErrStatusConflict = errors.New("document status changed concurrently")
)

// Store persists document records and their extracted text.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const documentColumns = `file_id, original_filename, file_hash, size_bytes, content_type, stored_path,
	status, failure_stage, failure_reason, chunk_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	d := new(models.Document)
	if err := row.Scan(&d.FileID, &d.OriginalFilename, &d.FileHash, &d.SizeBytes, &d.ContentType, &d.StoredPath,
		&d.Status, &d.FailureStage, &d.FailureReason, &d.ChunkCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return d, nil
}

// Create inserts a new record. CreatedAt/UpdatedAt are set by the store.
func (s *Store) Create(ctx context.Context, doc *models.Document) error {
	if doc == nil || doc.FileID == "" {
		return errors.New("file_id is required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.FileID, doc.OriginalFilename, doc.FileHash, doc.SizeBytes, doc.ContentType, doc.StoredPath,
		doc.Status, doc.FailureStage, doc.FailureReason, doc.ChunkCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now
	return nil
}

func (s *Store) Get(ctx context.Context, fileID string) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE file_id = ?`, fileID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// List returns every document in insertion order.
func (s *Store) List(ctx context.Context) ([]*models.Document, error) {
	return s.query(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY seq ASC`)
}

// ListByStatus returns documents currently in one of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE status IN (`+marks+`) ORDER BY seq ASC`, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*models.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) Exists(ctx context.Context, fileID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE file_id = ?`, fileID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("document exists: %w", err)
	}
	return true, nil
}

// Transition moves a document from one status to another only if it is
// still in the expected status. failure fields are overwritten; pass empty
// values for non-failure transitions.
func (s *Store) Transition(ctx context.Context, fileID string, from, to models.Status, stage models.Stage, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, failure_stage = ?, failure_reason = ?, updated_at = ?
		 WHERE file_id = ? AND status = ?`,
		to, stage, reason, time.Now().UTC(), fileID, from,
	)
	if err != nil {
		return fmt.Errorf("transition document %s -> %s: %w", from, to, err)
	}
	return s.checkAffected(ctx, res, fileID)
}

// CompleteExtraction stores the extracted text and moves the document from
// EXTRACTING to EXTRACTED in one transaction.
func (s *Store) CompleteExtraction(ctx context.Context, fileID, text string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = ?, failure_stage = '', failure_reason = '', updated_at = ?
		 WHERE file_id = ? AND status = ?`,
		models.StatusExtracted, now, fileID, models.StatusExtracting,
	)
	if err != nil {
		return fmt.Errorf("complete extraction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document rows affected: %w", err)
	}
	if affected == 0 {
		err = s.missingOrConflict(ctx, tx, fileID)
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM document_texts WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("clear document text: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO document_texts (file_id, content, created_at) VALUES (?, ?, ?)`,
		fileID, text, now,
	); err != nil {
		return fmt.Errorf("save document text: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit extraction: %w", err)
	}
	return nil
}

// CompleteEmbedding records the chunk count and moves the document from
// EMBEDDING to EMBEDDED.
func (s *Store) CompleteEmbedding(ctx context.Context, fileID string, chunks int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, chunk_count = ?, failure_stage = '', failure_reason = '', updated_at = ?
		 WHERE file_id = ? AND status = ?`,
		models.StatusEmbedded, chunks, time.Now().UTC(), fileID, models.StatusEmbedding,
	)
	if err != nil {
		return fmt.Errorf("complete embedding: %w", err)
	}
	return s.checkAffected(ctx, res, fileID)
}

// Text returns the extracted text of a document.
func (s *Store) Text(ctx context.Context, fileID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM document_texts WHERE file_id = ?`, fileID).Scan(&text)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get document text: %w", err)
	}
	return text, nil
}

// Delete removes the record together with its extracted text.
func (s *Store) Delete(ctx context.Context, fileID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM document_texts WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete document text: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete document: %w", err)
	}
	return nil
}

func (s *Store) checkAffected(ctx context.Context, res sql.Result, fileID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document rows affected: %w", err)
	}
	if affected == 0 {
		return s.missingOrConflict(ctx, s.db, fileID)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) missingOrConflict(ctx context.Context, q queryRower, fileID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE file_id = ?`, fileID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("document exists: %w", err)
	}
	return ErrStatusConflict
}
