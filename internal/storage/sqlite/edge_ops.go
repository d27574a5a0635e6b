package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

const edgeColumns = `id, user_id, source_id, target_id, relation, weight, attrs,
	access_count, last_accessed_at, retention_score, soft_deleted,
	created_at, updated_at`

const insertEdgeSQL = `
	INSERT INTO edges (` + edgeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func scanEdge(row rowScanner) (*types.Edge, error) {
	var (
		e            types.Edge
		attrs        sql.NullString
		lastAccessed sql.NullTime
		softDeleted  int
	)

	err := row.Scan(
		&e.ID, &e.UserID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &attrs,
		&e.AccessCount, &lastAccessed, &e.RetentionScore, &softDeleted,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.SoftDeleted = softDeleted != 0
	if lastAccessed.Valid {
		t := lastAccessed.Time
		e.LastAccessedAt = &t
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &e.Attrs); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal edge attrs: %w", err)
		}
	}
	if e.Attrs == nil {
		e.Attrs = types.Attrs{}
	}
	return &e, nil
}

func edgeArgs(e *types.Edge) ([]any, error) {
	attrsJSON, err := marshalOrNil(e.Attrs)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal edge attrs: %w", err)
	}
	return []any{
		e.ID, e.UserID, e.SourceID, e.TargetID, string(e.Relation), e.Weight, attrsJSON,
		e.AccessCount, e.LastAccessedAt, e.RetentionScore, boolToInt(e.SoftDeleted),
		e.CreatedAt, e.UpdatedAt,
	}, nil
}

// ── Edge ops ──────────────────────────────────────────────────────

// CreateEdge stores a directed edge after verifying both endpoints are live.
// An existing live triple makes the call an idempotent no-op.
func (s *GraphStore) CreateEdge(ctx context.Context, edge *types.Edge) (*types.Edge, bool, error) {
	if edge == nil || edge.UserID == "" || edge.SourceID == "" || edge.TargetID == "" {
		return nil, false, fmt.Errorf("%w: edge endpoints are required", storage.ErrInvalidInput)
	}
	if !types.IsValidRelationType(edge.Relation) {
		return nil, false, fmt.Errorf("%w: unknown relation type %q", storage.ErrInvalidInput, edge.Relation)
	}

	for _, endpoint := range []string{edge.SourceID, edge.TargetID} {
		var softDeleted int
		err := s.db.QueryRowContext(ctx,
			`SELECT soft_deleted FROM nodes WHERE id = ? AND user_id = ?`,
			endpoint, edge.UserID).Scan(&softDeleted)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && softDeleted != 0) {
			return nil, false, fmt.Errorf("%w: node %s", storage.ErrDanglingReference, endpoint)
		}
		if err != nil {
			return nil, false, fmt.Errorf("sqlite: edge endpoint check failed: %w", err)
		}
	}

	existing, err := s.findEdgeTriple(ctx, edge.UserID, edge.SourceID, edge.TargetID, edge.Relation)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	created := edge.Clone()
	if created.ID == "" {
		created.ID = types.NewEdge(edge.UserID, edge.SourceID, edge.TargetID, edge.Relation).ID
	}
	now := time.Now().UTC()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = now
	if created.RetentionScore == 0 {
		created.RetentionScore = 1.0
	}

	args, err := edgeArgs(created)
	if err != nil {
		return nil, false, err
	}
	if _, err := s.db.ExecContext(ctx, insertEdgeSQL, args...); err != nil {
		if isUniqueViolation(err) {
			// Triple race: another writer inserted the edge first.
			existing, ferr := s.findEdgeTriple(ctx, edge.UserID, edge.SourceID, edge.TargetID, edge.Relation)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("sqlite: failed to create edge: %w", err)
	}
	return created, true, nil
}

func (s *GraphStore) findEdgeTriple(ctx context.Context, userID, sourceID, targetID string, relation types.RelationType) (*types.Edge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM edges
		 WHERE user_id = ? AND source_id = ? AND target_id = ? AND relation = ? AND soft_deleted = 0`,
		userID, sourceID, targetID, string(relation))
	edge, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: edge %s->%s %s", storage.ErrNotFound, sourceID, targetID, relation)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: edge triple lookup failed: %w", err)
	}
	return edge, nil
}

// GetEdge retrieves an edge by ID.
func (s *GraphStore) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id)
	edge, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: edge %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get edge: %w", err)
	}
	return edge, nil
}

// QueryEdges returns edges matching the query, ordered by creation time.
func (s *GraphStore) QueryEdges(ctx context.Context, q storage.EdgeQuery) ([]*types.Edge, error) {
	if q.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}
	q.Normalize()

	query := `SELECT ` + edgeColumns + ` FROM edges WHERE user_id = ?`
	args := []any{q.UserID}

	if !q.IncludeDeleted {
		query += " AND soft_deleted = 0"
	}
	if q.SourceID != "" {
		query += " AND source_id = ?"
		args = append(args, q.SourceID)
	}
	if q.TargetID != "" {
		query += " AND target_id = ?"
		args = append(args, q.TargetID)
	}
	if q.Relation != "" {
		query += " AND relation = ?"
		args = append(args, string(q.Relation))
	}
	if !q.CreatedAfter.IsZero() {
		query += " AND created_at > ?"
		args = append(args, q.CreatedAfter.UTC())
	}
	if !q.CreatedBefore.IsZero() {
		query += " AND created_at < ?"
		args = append(args, q.CreatedBefore.UTC())
	}
	if q.MaxRetention > 0 {
		query += " AND retention_score <= ?"
		args = append(args, q.MaxRetention)
	}

	query += " ORDER BY created_at LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []*types.Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan edge row: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: edge row iteration failed: %w", err)
	}
	return edges, nil
}

// SoftDeleteEdge tombstones an edge.
func (s *GraphStore) SoftDeleteEdge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE edges SET soft_deleted = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to soft-delete edge: %w", err)
	}
	return requireRows(res, id)
}

// PutEdge writes the full edge state verbatim (raw-state method).
func (s *GraphStore) PutEdge(ctx context.Context, edge *types.Edge) error {
	if edge == nil || edge.ID == "" {
		return fmt.Errorf("%w: edge with id is required", storage.ErrInvalidInput)
	}
	args, err := edgeArgs(edge)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertEdgeSQL+`
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			relation = excluded.relation,
			weight = excluded.weight,
			attrs = excluded.attrs,
			access_count = excluded.access_count,
			last_accessed_at = excluded.last_accessed_at,
			retention_score = excluded.retention_score,
			soft_deleted = excluded.soft_deleted,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to put edge: %w", err)
	}
	return nil
}

// HardDeleteEdge removes an edge row entirely (raw-state method).
func (s *GraphStore) HardDeleteEdge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to hard-delete edge: %w", err)
	}
	return requireRows(res, id)
}
