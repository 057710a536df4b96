package store

import (
	"context"
	"database/sql"
	"errors"
)

// UsageEvent is one append-only row in the token spend ledger.
type UsageEvent struct {
	ID           int64   `json:"id"`
	Operation    string  `json:"operation"` // embedding, generation, rerank, title, ocr
	Model        string  `json:"model"`
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	CostUSD      float64 `json:"cost_usd"`
	CostXAF      float64 `json:"cost_xaf"`
	ExchangeRate float64 `json:"exchange_rate"`
	DocumentID   *int64  `json:"document_id,omitempty"`
	MessageID    *int64  `json:"message_id,omitempty"`
	UserID       string  `json:"user_id,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// InsertUsage appends a spend event to the ledger.
func (s *Store) InsertUsage(ctx context.Context, u UsageEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (operation, model, tokens_input, tokens_output,
			cost_usd, cost_xaf, exchange_rate, document_id, message_id, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))
	`, u.Operation, u.Model, u.TokensInput, u.TokensOutput,
		u.CostUSD, u.CostXAF, u.ExchangeRate, u.DocumentID, u.MessageID, u.UserID)
	return err
}

// UsageTotal aggregates spend for one operation type.
type UsageTotal struct {
	Operation    string  `json:"operation"`
	Events       int     `json:"events"`
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	CostUSD      float64 `json:"cost_usd"`
	CostXAF      float64 `json:"cost_xaf"`
}

// UsageTotals groups ledger spend by operation since the given
// timestamp (SQLite datetime string; empty means all time).
func (s *Store) UsageTotals(ctx context.Context, since string) ([]UsageTotal, error) {
	query := `
		SELECT operation, COUNT(*),
			COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0),
			COALESCE(SUM(cost_usd), 0), COALESCE(SUM(cost_xaf), 0)
		FROM token_usage`
	var args []any
	if since != "" {
		query += " WHERE created_at >= ?"
		args = append(args, since)
	}
	query += " GROUP BY operation ORDER BY operation"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []UsageTotal
	for rows.Next() {
		var t UsageTotal
		if err := rows.Scan(&t.Operation, &t.Events,
			&t.TokensInput, &t.TokensOutput, &t.CostUSD, &t.CostXAF); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// ExchangeRate is one row of the append-only rate history.
type ExchangeRate struct {
	ID        int64   `json:"id"`
	Pair      string  `json:"pair"` // e.g. "USD/XAF"
	Rate      float64 `json:"rate"`
	Source    string  `json:"source,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// InsertExchangeRate appends a new rate; history is never rewritten.
func (s *Store) InsertExchangeRate(ctx context.Context, pair string, rate float64, source string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO exchange_rates (pair, rate, source) VALUES (?, ?, NULLIF(?, ''))",
		pair, rate, source)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestExchangeRate returns the newest rate for a pair, or nil when
// no rate has been recorded yet.
func (s *Store) LatestExchangeRate(ctx context.Context, pair string) (*ExchangeRate, error) {
	r := &ExchangeRate{}
	var source sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pair, rate, source, created_at FROM exchange_rates
		WHERE pair = ? ORDER BY id DESC LIMIT 1
	`, pair).Scan(&r.ID, &r.Pair, &r.Rate, &source, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Source = source.String
	return r, nil
}

// ListExchangeRates returns the rate history for a pair, newest first.
func (s *Store) ListExchangeRates(ctx context.Context, pair string, limit int) ([]ExchangeRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pair, rate, COALESCE(source, ''), created_at FROM exchange_rates
		WHERE pair = ? ORDER BY id DESC LIMIT ?
	`, pair, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []ExchangeRate
	for rows.Next() {
		var r ExchangeRate
		if err := rows.Scan(&r.ID, &r.Pair, &r.Rate, &r.Source, &r.CreatedAt); err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}
