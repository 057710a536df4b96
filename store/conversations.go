package store

import (
	"context"
	"database/sql"
)

// DefaultConversationTitle is the placeholder every conversation starts
// with until the title job names it from the first exchange.
const DefaultConversationTitle = "Nouvelle conversation"

// Conversation represents a row in the conversations table.
type Conversation struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Archived  bool   `json:"archived"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Message represents a row in the messages table. Sources is the JSON
// source list attached to assistant messages.
type Message struct {
	ID              int64   `json:"id"`
	ConversationID  int64   `json:"conversation_id"`
	Role            string  `json:"role"`
	Content         string  `json:"content"`
	Sources         string  `json:"sources,omitempty"`
	ModelUsed       string  `json:"model_used,omitempty"`
	TokensInput     int     `json:"tokens_input"`
	TokensOutput    int     `json:"tokens_output"`
	CostUSD         float64 `json:"cost_usd"`
	CostXAF         float64 `json:"cost_xaf"`
	CacheHit        string  `json:"cache_hit,omitempty"` // "", "exact", "semantic"
	Partial         bool    `json:"partial"`
	ResponseSeconds float64 `json:"response_seconds"`
	CreatedAt       string  `json:"created_at"`

	// Aggregated from the feedback table on reads.
	Upvotes   int `json:"upvotes"`
	Downvotes int `json:"downvotes"`
}

// Feedback is one user's rating of one assistant message.
type Feedback struct {
	ID        int64  `json:"id"`
	MessageID int64  `json:"message_id"`
	UserID    string `json:"user_id"`
	Rating    int    `json:"rating"` // 1 or -1
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at"`
}

// CreateConversation opens a new thread for the user.
func (s *Store) CreateConversation(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (user_id) VALUES (?)", userID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	c := &Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, archived, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.UserID, &c.Title, &c.Archived, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns the user's threads, most recently active
// first. Archived threads are excluded unless includeArchived is set.
func (s *Store) ListConversations(ctx context.Context, userID string, includeArchived bool, limit int) ([]Conversation, error) {
	query := `
		SELECT id, user_id, title, archived, created_at, updated_at
		FROM conversations WHERE user_id = ?`
	args := []any{userID}
	if !includeArchived {
		query += " AND archived = 0"
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Archived, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// SetConversationTitle renames a conversation.
func (s *Store) SetConversationTitle(ctx context.Context, id int64, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetConversationArchived flips the archived flag.
func (s *Store) SetConversationArchived(ctx context.Context, id int64, archived bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET archived = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, archived, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteConversation removes a conversation; messages and feedback
// cascade.
func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// InsertMessage appends a message to its conversation and bumps the
// conversation's activity timestamp in the same transaction.
func (s *Store) InsertMessage(ctx context.Context, m Message) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, sources, model_used,
				tokens_input, tokens_output, cost_usd, cost_xaf, cache_hit, partial, response_seconds)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		`, m.ConversationID, m.Role, m.Content, m.Sources, m.ModelUsed,
			m.TokensInput, m.TokensOutput, m.CostUSD, m.CostXAF,
			m.CacheHit, m.Partial, m.ResponseSeconds)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			m.ConversationID)
		return err
	})
	return id, err
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m := &Message{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(sources, ''),
			COALESCE(model_used, ''), tokens_input, tokens_output,
			cost_usd, cost_xaf, COALESCE(cache_hit, ''), partial,
			response_seconds, created_at
		FROM messages WHERE id = ?
	`, id).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Sources,
		&m.ModelUsed, &m.TokensInput, &m.TokensOutput,
		&m.CostUSD, &m.CostXAF, &m.CacheHit, &m.Partial,
		&m.ResponseSeconds, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns a conversation's messages in order, each with
// its feedback tallies.
func (s *Store) ListMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.role, m.content, COALESCE(m.sources, ''),
			COALESCE(m.model_used, ''), m.tokens_input, m.tokens_output,
			m.cost_usd, m.cost_xaf, COALESCE(m.cache_hit, ''), m.partial,
			m.response_seconds, m.created_at,
			COALESCE(SUM(CASE WHEN f.rating = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN f.rating = -1 THEN 1 ELSE 0 END), 0)
		FROM messages m
		LEFT JOIN feedback f ON f.message_id = m.id
		WHERE m.conversation_id = ?
		GROUP BY m.id
		ORDER BY m.id`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Sources,
			&m.ModelUsed, &m.TokensInput, &m.TokensOutput,
			&m.CostUSD, &m.CostXAF, &m.CacheHit, &m.Partial,
			&m.ResponseSeconds, &m.CreatedAt,
			&m.Upvotes, &m.Downvotes); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecentMessages returns the last n messages of a conversation in
// chronological order, for the generation history window.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content FROM (
			SELECT id, role, content FROM messages
			WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id`, conversationID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content); err != nil {
			return nil, err
		}
		m.ConversationID = conversationID
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpsertFeedback records or revises one user's rating of a message.
func (s *Store) UpsertFeedback(ctx context.Context, f Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (message_id, user_id, rating, comment)
		VALUES (?, ?, ?, NULLIF(?, ''))
		ON CONFLICT(message_id, user_id) DO UPDATE SET
			rating = excluded.rating,
			comment = excluded.comment,
			created_at = CURRENT_TIMESTAMP
	`, f.MessageID, f.UserID, f.Rating, f.Comment)
	return err
}
