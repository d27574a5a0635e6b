package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// ── Event log ─────────────────────────────────────────────────────
//
// The (user_id, seq) primary key is the only ordering authority: Append
// reads the current maximum and inserts max+1. A concurrent writer that
// wins the race triggers a primary-key violation, which surfaces as
// ErrAppendConflict so the caller can retry the whole logical operation.
// Rows are never updated or deleted.

// Append writes one event and returns its sequence number.
func (s *GraphStore) Append(ctx context.Context, userID string, op types.EventOp, payload any) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}
	if !types.IsValidEventOp(op) {
		return 0, fmt.Errorf("%w: unknown event op %q", storage.ErrInvalidInput, op)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to marshal event payload: %w", err)
	}

	last, err := s.LastSeq(ctx, userID)
	if err != nil {
		return 0, err
	}
	seq := last + 1

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (user_id, seq, op, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, seq, string(op), string(payloadJSON), time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: seq %d taken for user %s", storage.ErrAppendConflict, seq, userID)
		}
		return 0, fmt.Errorf("sqlite: failed to append event: %w", err)
	}
	return seq, nil
}

// LastSeq returns the highest sequence number for a user.
func (s *GraphStore) LastSeq(ctx context.Context, userID string) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE user_id = ?`, userID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read last event seq: %w", err)
	}
	return last.Int64, nil
}

// Replay returns up to limit events with seq > fromSeq in sequence order.
func (s *GraphStore) Replay(ctx context.Context, userID string, fromSeq int64, limit int) ([]types.Event, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}
	if limit < 1 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, seq, op, payload, created_at
		FROM events
		WHERE user_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?`, userID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to replay events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var (
			ev      types.Event
			op      string
			payload string
		)
		if err := rows.Scan(&ev.UserID, &ev.Seq, &op, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan event row: %w", err)
		}
		ev.Op = types.EventOp(op)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: event iteration failed: %w", err)
	}
	return events, nil
}
