package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// ── Mood ops ──────────────────────────────────────────────────────

// RecordMood stores a mood snapshot.
func (s *GraphStore) RecordMood(ctx context.Context, snap *types.MoodSnapshot) error {
	if snap == nil || snap.UserID == "" {
		return fmt.Errorf("%w: snapshot and user_id are required", storage.ErrInvalidInput)
	}
	if snap.ID == "" {
		snap.ID = types.NewMoodSnapshot(snap.UserID).ID
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	if snap.SampleCount < 1 {
		snap.SampleCount = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mood_snapshots
			(id, user_id, timestamp, valence_avg, arousal_avg, dominance_avg,
			 intensity_avg, dominant_label, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.ID, snap.UserID, snap.Timestamp.UTC(),
		snap.ValenceAvg, snap.ArousalAvg, snap.DominanceAvg,
		snap.IntensityAvg, nullIfEmpty(snap.DominantLabel), snap.SampleCount)
	if err != nil {
		return fmt.Errorf("postgres: failed to record mood snapshot: %w", err)
	}
	return nil
}

// HardDeleteMood removes a mood snapshot row entirely (raw-state method).
func (s *GraphStore) HardDeleteMood(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mood_snapshots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to hard-delete mood snapshot: %w", err)
	}
	return requireRows(res, id)
}

// RecentMoods returns the newest snapshots for a user, newest first.
func (s *GraphStore) RecentMoods(ctx context.Context, userID string, limit int) ([]*types.MoodSnapshot, error) {
	if limit < 1 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, timestamp, valence_avg, arousal_avg, dominance_avg,
		       intensity_avg, dominant_label, sample_count
		FROM mood_snapshots
		WHERE user_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query mood snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*types.MoodSnapshot
	for rows.Next() {
		var (
			snap  types.MoodSnapshot
			label sql.NullString
		)
		if err := rows.Scan(
			&snap.ID, &snap.UserID, &snap.Timestamp,
			&snap.ValenceAvg, &snap.ArousalAvg, &snap.DominanceAvg,
			&snap.IntensityAvg, &label, &snap.SampleCount,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan mood snapshot: %w", err)
		}
		snap.DominantLabel = label.String
		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: mood snapshot iteration failed: %w", err)
	}
	return snaps, nil
}

// MoodTrend aggregates snapshots inside [from, to].
func (s *GraphStore) MoodTrend(ctx context.Context, userID string, from, to time.Time) (*types.MoodTrend, error) {
	trend := &types.MoodTrend{UserID: userID, From: from, To: to}

	var valence, arousal, dominance sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(valence_avg), AVG(arousal_avg), AVG(dominance_avg), COUNT(*)
		FROM mood_snapshots
		WHERE user_id = $1 AND timestamp >= $2 AND timestamp <= $3`,
		userID, from.UTC(), to.UTC()).
		Scan(&valence, &arousal, &dominance, &trend.Snapshots)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to aggregate mood trend: %w", err)
	}
	trend.ValenceAvg = valence.Float64
	trend.ArousalAvg = arousal.Float64
	trend.DominanceAvg = dominance.Float64
	return trend, nil
}

// ── Temporal ops ──────────────────────────────────────────────────

// SetNodeRetention writes a recomputed retention score.
func (s *GraphStore) SetNodeRetention(ctx context.Context, id string, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET retention_score = $1 WHERE id = $2`, clampScore(score), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to set node retention: %w", err)
	}
	return requireRows(res, id)
}

// SetEdgeRetention writes a recomputed retention score.
func (s *GraphStore) SetEdgeRetention(ctx context.Context, id string, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE edges SET retention_score = $1 WHERE id = $2`, clampScore(score), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to set edge retention: %w", err)
	}
	return requireRows(res, id)
}

// GetPassRun returns lifecycle bookkeeping for (user, pass).
func (s *GraphStore) GetPassRun(ctx context.Context, userID string, pass storage.PassKind) (*storage.PassRun, error) {
	run := &storage.PassRun{UserID: userID, Pass: pass}
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run_at, runs FROM pass_runs WHERE user_id = $1 AND pass = $2`,
		userID, string(pass)).Scan(&run.LastRunAt, &run.Runs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pass %s for user %s", storage.ErrNotFound, pass, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get pass run: %w", err)
	}
	return run, nil
}

// RecordPassRun upserts lifecycle bookkeeping for (user, pass).
func (s *GraphStore) RecordPassRun(ctx context.Context, userID string, pass storage.PassKind, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pass_runs (user_id, pass, last_run_at, runs)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (user_id, pass) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			runs = pass_runs.runs + 1`,
		userID, string(pass), at.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to record pass run: %w", err)
	}
	return nil
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
