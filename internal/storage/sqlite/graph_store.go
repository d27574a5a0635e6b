package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// GraphStore implements storage.GraphStore and storage.EventLog using SQLite.
// One concrete type carries all method groups; the files in this package
// split them by concern (node/edge ops here, mood and temporal ops in
// mood_ops.go, the event log in event_log.go).
type GraphStore struct {
	db *sql.DB
}

// NewGraphStore opens a SQLite database, configures WAL mode, and creates
// the schema. Use ":memory:" for tests.
func NewGraphStore(dsn string) (*GraphStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	// Wait instead of returning SQLITE_BUSY when the connection is held.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &GraphStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *GraphStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for integration tooling (backups, ad-hoc audits).
func (s *GraphStore) DB() *sql.DB { return s.db }

const nodeColumns = `id, user_id, type, key, name, text, attrs,
	access_count, last_accessed_at, retention_score, abstraction_level,
	consolidation_source, revision_history, soft_deleted, embedding,
	created_at, updated_at`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*types.Node, error) {
	var (
		n            types.Node
		key          sql.NullString
		name         sql.NullString
		text         sql.NullString
		attrs        sql.NullString
		lastAccessed sql.NullTime
		consolidated sql.NullString
		revisions    sql.NullString
		softDeleted  int
		embedding    sql.NullString
	)

	err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &key, &name, &text, &attrs,
		&n.AccessCount, &lastAccessed, &n.RetentionScore, &n.AbstractionLevel,
		&consolidated, &revisions, &softDeleted, &embedding,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Key = key.String
	n.Name = name.String
	n.Text = text.String
	n.SoftDeleted = softDeleted != 0
	if lastAccessed.Valid {
		t := lastAccessed.Time
		n.LastAccessedAt = &t
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &n.Attrs); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal node attrs: %w", err)
		}
	}
	if consolidated.Valid && consolidated.String != "" {
		if err := json.Unmarshal([]byte(consolidated.String), &n.ConsolidationSource); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal consolidation_source: %w", err)
		}
	}
	if revisions.Valid && revisions.String != "" {
		if err := json.Unmarshal([]byte(revisions.String), &n.RevisionHistory); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal revision_history: %w", err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &n.Embedding); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal embedding: %w", err)
		}
	}

	n.EnsureDefaults()
	return &n, nil
}

// nodeArgs marshals the variable-width fields and returns the full argument
// list matching nodeColumns order.
func nodeArgs(n *types.Node) ([]any, error) {
	attrsJSON, err := marshalOrNil(n.Attrs)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal node attrs: %w", err)
	}
	consolidatedJSON, err := marshalOrNil(n.ConsolidationSource)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal consolidation_source: %w", err)
	}
	revisionsJSON, err := marshalOrNil(n.RevisionHistory)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal revision_history: %w", err)
	}
	embeddingJSON, err := marshalOrNil(n.Embedding)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal embedding: %w", err)
	}

	return []any{
		n.ID, n.UserID, string(n.Type), nullIfEmpty(n.Key), nullIfEmpty(n.Name),
		nullIfEmpty(n.Text), attrsJSON,
		n.AccessCount, n.LastAccessedAt, n.RetentionScore, string(n.AbstractionLevel),
		consolidatedJSON, revisionsJSON, boolToInt(n.SoftDeleted), embeddingJSON,
		n.CreatedAt, n.UpdatedAt,
	}, nil
}

func marshalOrNil(v any) (any, error) {
	switch val := v.(type) {
	case types.Attrs:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case []types.Revision:
		if len(val) == 0 {
			return nil, nil
		}
	case []float32:
		if len(val) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
// modernc.org/sqlite does not expose a typed error for this, so we match on
// the message the same way the driver's own tests do.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const insertNodeSQL = `
	INSERT INTO nodes (` + nodeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ── Node ops ──────────────────────────────────────────────────────

// UpsertNode creates the node or merges its attributes into the live node
// with the same natural key. The read-modify-write runs on the store's
// single writer connection; a cross-process natural-key race surfaces as a
// unique violation and is resolved by retrying once as an update.
func (s *GraphStore) UpsertNode(ctx context.Context, node *types.Node) (*storage.UpsertResult, error) {
	if node == nil || node.UserID == "" {
		return nil, fmt.Errorf("%w: node and user_id are required", storage.ErrInvalidInput)
	}
	if !types.IsValidNodeType(node.Type) {
		return nil, fmt.Errorf("%w: unknown node type %q", storage.ErrInvalidInput, node.Type)
	}

	res, err := s.upsertNodeTx(ctx, s.db, node)
	if err == nil || !isUniqueViolation(err) {
		return res, err
	}

	// Natural-key race: another writer created the key between our read and
	// insert. Retry once; the second attempt finds the row and merges.
	res, err = s.upsertNodeTx(ctx, s.db, node)
	if err != nil && isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return res, err
}

// execer abstracts *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *GraphStore) upsertNodeTx(ctx context.Context, ex execer, node *types.Node) (*storage.UpsertResult, error) {
	now := time.Now().UTC()

	var existing *types.Node
	if node.Key != "" {
		row := ex.QueryRowContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes
			 WHERE user_id = ? AND type = ? AND key = ? AND soft_deleted = 0`,
			node.UserID, string(node.Type), node.Key)
		found, err := scanNode(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: natural key lookup failed: %w", err)
		}
		existing = found
	} else if node.ID != "" {
		row := ex.QueryRowContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, node.ID)
		found, err := scanNode(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: node lookup failed: %w", err)
		}
		existing = found
	}

	if existing == nil {
		created := node.Clone()
		if created.ID == "" {
			fresh := types.NewNode(node.UserID, node.Type, node.Key)
			created.ID = fresh.ID
		}
		if created.CreatedAt.IsZero() {
			created.CreatedAt = now
		}
		created.UpdatedAt = now
		created.EnsureDefaults()

		args, err := nodeArgs(created)
		if err != nil {
			return nil, err
		}
		if _, err := ex.ExecContext(ctx, insertNodeSQL, args...); err != nil {
			return nil, err
		}
		return &storage.UpsertResult{Node: created, Created: true}, nil
	}

	// Merge: incoming attribute keys win, name/text/embedding are replaced
	// when non-empty, and the existing decay block is preserved so the
	// upsert does not reset retention bookkeeping.
	merged := existing.Clone()
	merged.Attrs = existing.Attrs.Merge(node.Attrs)
	if node.Name != "" {
		merged.Name = node.Name
	}
	if node.Text != "" {
		merged.Text = node.Text
	}
	if len(node.Embedding) > 0 {
		merged.Embedding = append([]float32(nil), node.Embedding...)
	}
	merged.UpdatedAt = now

	if err := s.putNode(ctx, ex, merged); err != nil {
		return nil, err
	}
	return &storage.UpsertResult{Node: merged, Created: false}, nil
}

// UpsertNodes applies a batch of upserts in one transaction.
func (s *GraphStore) UpsertNodes(ctx context.Context, nodes []*types.Node) ([]*storage.UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to begin batch upsert: %w", err)
	}
	defer tx.Rollback()

	results := make([]*storage.UpsertResult, 0, len(nodes))
	for _, node := range nodes {
		if node == nil || node.UserID == "" {
			return nil, fmt.Errorf("%w: node and user_id are required", storage.ErrInvalidInput)
		}
		res, err := s.upsertNodeTx(ctx, tx, node)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to commit batch upsert: %w", err)
	}
	return results, nil
}

// GetNode retrieves a node by ID and records the access.
func (s *GraphStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	node, err := s.PeekNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.touchNodes(ctx, []string{id}); err != nil {
		return nil, err
	}
	node.Touch(time.Now())
	return node, nil
}

// PeekNode retrieves a node by ID without recording an access.
func (s *GraphStore) PeekNode(ctx context.Context, id string) (*types.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get node: %w", err)
	}
	return node, nil
}

// FindNodeByKey retrieves the live node with the given natural key and
// records the access.
func (s *GraphStore) FindNodeByKey(ctx context.Context, userID string, nodeType types.NodeType, key string) (*types.Node, error) {
	node, err := s.PeekNodeByKey(ctx, userID, nodeType, key)
	if err != nil {
		return nil, err
	}
	if err := s.touchNodes(ctx, []string{node.ID}); err != nil {
		return nil, err
	}
	node.Touch(time.Now())
	return node, nil
}

// PeekNodeByKey retrieves the live node with the given natural key without
// recording an access.
func (s *GraphStore) PeekNodeByKey(ctx context.Context, userID string, nodeType types.NodeType, key string) (*types.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE user_id = ? AND type = ? AND key = ? AND soft_deleted = 0`,
		userID, string(nodeType), key)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s/%s", storage.ErrNotFound, userID, nodeType, key)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to find node by key: %w", err)
	}
	return node, nil
}

// GetNodesByIDs retrieves the user's nodes matching ids in one query,
// without recording accesses.
func (s *GraphStore) GetNodesByIDs(ctx context.Context, userID string, ids []string) ([]*types.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	unique := dedupStrings(ids)
	placeholders := strings.Repeat("?,", len(unique)-1) + "?"
	args := make([]any, 0, len(unique)+1)
	args = append(args, userID)
	for _, id := range unique {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE user_id = ? AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get nodes by ids: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// QueryNodes returns nodes matching the query.
func (s *GraphStore) QueryNodes(ctx context.Context, q storage.NodeQuery) ([]*types.Node, error) {
	if q.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}
	q.Normalize()

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE user_id = ?`
	args := []any{q.UserID}

	if !q.IncludeDeleted {
		query += " AND soft_deleted = 0"
	}
	if len(q.Types) > 0 {
		placeholders := strings.Repeat("?,", len(q.Types)-1) + "?"
		query += " AND type IN (" + placeholders + ")"
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if q.KeyPrefix != "" {
		query += " AND key LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(q.KeyPrefix)+"%")
	}
	if !q.CreatedAfter.IsZero() {
		query += " AND created_at > ?"
		args = append(args, q.CreatedAfter.UTC())
	}
	if !q.CreatedBefore.IsZero() {
		query += " AND created_at < ?"
		args = append(args, q.CreatedBefore.UTC())
	}
	if q.MinRetention > 0 {
		query += " AND retention_score >= ?"
		args = append(args, q.MinRetention)
	}
	if q.MaxRetention > 0 {
		query += " AND retention_score <= ?"
		args = append(args, q.MaxRetention)
	}
	if q.AbstractionLevel != "" {
		query += " AND abstraction_level = ?"
		args = append(args, string(q.AbstractionLevel))
	}

	if q.RecentFirst {
		query += " ORDER BY created_at DESC"
	} else {
		query += " ORDER BY created_at"
	}
	query += " LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query nodes: %w", err)
	}
	defer rows.Close()

	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, err
	}

	if q.Touch && len(nodes) > 0 {
		ids := make([]string, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID
		}
		if err := s.touchNodes(ctx, ids); err != nil {
			return nil, err
		}
		now := time.Now()
		for _, n := range nodes {
			n.Touch(now)
		}
	}
	return nodes, nil
}

// ListUsers returns the distinct user IDs with at least one node row.
func (s *GraphStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM nodes ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// SoftDeleteNode tombstones a node.
func (s *GraphStore) SoftDeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET soft_deleted = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to soft-delete node: %w", err)
	}
	return requireRows(res, id)
}

// RestoreNode clears a node's tombstone. Fails with ErrConflict when a live
// node now occupies the same natural key.
func (s *GraphStore) RestoreNode(ctx context.Context, id string) error {
	node, err := s.PeekNode(ctx, id)
	if err != nil {
		return err
	}
	if node.Key != "" {
		var occupant string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM nodes
			 WHERE user_id = ? AND type = ? AND key = ? AND soft_deleted = 0 AND id != ?`,
			node.UserID, string(node.Type), node.Key, id).Scan(&occupant)
		if err == nil {
			return fmt.Errorf("%w: key %s held by node %s", storage.ErrConflict, node.Key, occupant)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: restore key check failed: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET soft_deleted = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to restore node: %w", err)
	}
	return requireRows(res, id)
}

// MergeNodes re-points edges, deduplicates parallel edges, removes
// self-loops, unions consolidation_source, and tombstones the losers in one
// transaction. A failure at any step rolls back the whole merge.
func (s *GraphStore) MergeNodes(ctx context.Context, userID, winnerID string, loserIDs []string) (*types.Node, error) {
	if userID == "" || winnerID == "" {
		return nil, fmt.Errorf("%w: user_id and winner_id are required", storage.ErrInvalidInput)
	}
	losers := dedupStrings(loserIDs)
	filtered := losers[:0]
	for _, id := range losers {
		if id != winnerID {
			filtered = append(filtered, id)
		}
	}
	losers = filtered

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to begin merge: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ? AND user_id = ? AND soft_deleted = 0`,
		winnerID, userID)
	winner, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: winner node %s", storage.ErrNotFound, winnerID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load merge winner: %w", err)
	}

	if len(losers) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("sqlite: failed to commit merge: %w", err)
		}
		return winner, nil
	}

	sources := append([]string(nil), winner.ConsolidationSource...)
	for _, loserID := range losers {
		row := tx.QueryRowContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE id = ? AND user_id = ?`,
			loserID, userID)
		loser, err := scanNode(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: loser node %s", storage.ErrNotFound, loserID)
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to load merge loser: %w", err)
		}
		sources = append(sources, loser.ConsolidationSource...)
		sources = append(sources, loser.ID)
	}
	winner.ConsolidationSource = dedupStrings(sources)

	placeholders := strings.Repeat("?,", len(losers)-1) + "?"
	loserArgs := make([]any, 0, len(losers))
	for _, id := range losers {
		loserArgs = append(loserArgs, id)
	}

	// Deduplicate parallel edges against the post-merge triples before
	// re-pointing: idx_edges_triple is checked per row during UPDATE, so a
	// loser edge whose re-pointed triple already exists live must go first.
	// Keep one row of each prospective live triple.
	dedupArgs := append([]any{userID, userID}, loserArgs...)
	dedupArgs = append(dedupArgs, winnerID)
	dedupArgs = append(dedupArgs, loserArgs...)
	dedupArgs = append(dedupArgs, winnerID)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE user_id = ? AND soft_deleted = 0
		   AND id NOT IN (
		     SELECT min_id FROM (
		       SELECT MIN(id) AS min_id FROM edges
		       WHERE user_id = ? AND soft_deleted = 0
		       GROUP BY CASE WHEN source_id IN (`+placeholders+`) THEN ? ELSE source_id END,
		                CASE WHEN target_id IN (`+placeholders+`) THEN ? ELSE target_id END,
		                relation
		     )
		   )`, dedupArgs...); err != nil {
		return nil, fmt.Errorf("sqlite: failed to dedup parallel edges: %w", err)
	}

	// Re-point edges to the winner.
	args := append([]any{winnerID, userID}, loserArgs...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE edges SET source_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND source_id IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("sqlite: failed to re-point edge sources: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE edges SET target_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND target_id IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("sqlite: failed to re-point edge targets: %w", err)
	}

	// Remove self-loops created by the re-pointing.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE user_id = ? AND source_id = ? AND target_id = ?`,
		userID, winnerID, winnerID); err != nil {
		return nil, fmt.Errorf("sqlite: failed to drop self-loops: %w", err)
	}

	// Tombstone the losers.
	delArgs := append([]any{userID}, loserArgs...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET soft_deleted = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND id IN (`+placeholders+`)`, delArgs...); err != nil {
		return nil, fmt.Errorf("sqlite: failed to tombstone merge losers: %w", err)
	}

	winner.UpdatedAt = time.Now().UTC()
	if err := s.putNode(ctx, tx, winner); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to commit merge: %w", err)
	}
	return winner, nil
}

// PutNode writes the full node state verbatim (raw-state method).
func (s *GraphStore) PutNode(ctx context.Context, node *types.Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("%w: node with id is required", storage.ErrInvalidInput)
	}
	return s.putNode(ctx, s.db, node)
}

func (s *GraphStore) putNode(ctx context.Context, ex execer, node *types.Node) error {
	args, err := nodeArgs(node)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, insertNodeSQL+`
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			type = excluded.type,
			key = excluded.key,
			name = excluded.name,
			text = excluded.text,
			attrs = excluded.attrs,
			access_count = excluded.access_count,
			last_accessed_at = excluded.last_accessed_at,
			retention_score = excluded.retention_score,
			abstraction_level = excluded.abstraction_level,
			consolidation_source = excluded.consolidation_source,
			revision_history = excluded.revision_history,
			soft_deleted = excluded.soft_deleted,
			embedding = excluded.embedding,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to put node: %w", err)
	}
	return nil
}

// HardDeleteNode removes a node row entirely (raw-state method).
func (s *GraphStore) HardDeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to hard-delete node: %w", err)
	}
	return requireRows(res, id)
}

func (s *GraphStore) touchNodes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET access_count = access_count + 1, last_accessed_at = ?
		 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record node access: %w", err)
	}
	return nil
}

func collectNodes(rows *sql.Rows) ([]*types.Node, error) {
	var nodes []*types.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan node row: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: node row iteration failed: %w", err)
	}
	return nodes, nil
}

func requireRows(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected unavailable: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
