// ABOUTME: SQLite implementation of the append-only credit ledger
// ABOUTME: Balance is the sum of deltas; charges are recorded only after successful generation

package store

import (
	"context"
	"fmt"
	"time"
)

// RecordTransaction appends one ledger entry. Entries are never updated or
// deleted; corrections are new entries with opposite deltas.
func (s *SQLiteStore) RecordTransaction(ctx context.Context, tx *CreditTransaction) error {
	query := `
		INSERT INTO credit_transactions (id, user_id, delta, memo, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Delta,
		tx.Memo,
		nullString(tx.MessageID),
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting credit transaction: %w", err)
	}

	s.logger.Debug("credit transaction recorded",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"delta", tx.Delta,
		"memo", tx.Memo,
	)
	return nil
}

// Balance returns the current credit balance for a user. Users with no ledger
// entries have a zero balance.
func (s *SQLiteStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM credit_transactions WHERE user_id = ?`,
		userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("querying balance: %w", err)
	}
	return balance, nil
}

// ListTransactions returns a user's most recent ledger entries, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, delta, memo, COALESCE(message_id, ''), created_at
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying credit transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txs []*CreditTransaction
	for rows.Next() {
		var tx CreditTransaction
		var createdAt string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Delta, &tx.Memo, &tx.MessageID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning credit transaction: %w", err)
		}
		if tx.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		txs = append(txs, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transaction rows: %w", err)
	}
	return txs, nil
}
