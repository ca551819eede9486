package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"docchat/internal/models"
)

var (
	ErrNotFound   = errors.New("conversation not found")
	ErrEmptyTitle = errors.New("title cannot be empty")
)

// Store persists conversations and their messages.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new conversation with the given title.
func (s *Store) Create(ctx context.Context, title string) (*models.Conversation, error) {
	return s.CreateWithID(ctx, uuid.NewString(), title)
}

// CreateWithID inserts a conversation under a caller-chosen id.
func (s *Store) CreateWithID(ctx context.Context, id, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("conversation id required")
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now, now,
	); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &models.Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now, Messages: make([]*models.Message, 0)}, nil
}

func (s *Store) header(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// Get returns a conversation with its full ordered message history.
func (s *Store) Get(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := s.header(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Messages, err = s.History(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Latest returns the most recently active conversation with at most limit
// trailing messages (limit <= 0 means all), or ErrNotFound when there is none.
func (s *Store) Latest(ctx context.Context, limit int) (*models.Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations ORDER BY updated_at DESC, created_at DESC LIMIT 1`,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest conversation: %w", err)
	}
	c, err := s.header(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Messages, err = s.History(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns conversation summaries ordered by last activity.
func (s *Store) List(ctx context.Context, limit int) ([]models.ConversationSummary, error) {
	query := `SELECT id, title, updated_at FROM conversations ORDER BY updated_at DESC, created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var cs models.ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.Title, &cs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		summaries = append(summaries, cs)
	}
	return summaries, rows.Err()
}

// History returns the last limit messages in turn order (limit <= 0 means all).
func (s *Store) History(ctx context.Context, id string, limit int) ([]*models.Message, error) {
	query := `SELECT id, conversation_id, seq, role, content, rewrite, emotion, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq DESC`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.Rewrite, &m.Emotion, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastMessage returns the newest message of a conversation, or nil if it has none.
func (s *Store) LastMessage(ctx context.Context, id string) (*models.Message, error) {
	msgs, err := s.History(ctx, id, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// AppendMessage stores a new message at the end of the conversation and
// updates the conversation's updated_at timestamp.
func (s *Store) AppendMessage(ctx context.Context, msg models.Message) (_ *models.Message, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrNotFound
		return nil, err
	}

	var seq int
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, msg.ConversationID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next message seq: %w", err)
	}
	msg.Seq = seq + 1
	msg.CreatedAt = now

	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, role, content, rewrite, emotion, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Seq, msg.Role, msg.Content, msg.Rewrite, msg.Emotion, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return &msg, nil
}

// UpdateMessage rewrites the content fields of an existing message.
func (s *Store) UpdateMessage(ctx context.Context, msg *models.Message) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, rewrite = ?, emotion = ? WHERE id = ? AND conversation_id = ?`,
		msg.Content, msg.Rewrite, msg.Emotion, msg.ID, msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Rename replaces the title. Messages and activity time are left untouched.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		// mysql reports 0 rows when the title is unchanged
		if _, err := s.header(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a conversation and all of its messages.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}
