package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// GraphStore implements storage.GraphStore and storage.EventLog using
// PostgreSQL. When the pgvector extension is available, node embeddings are
// additionally stored in a native vector column and SimilarNodes becomes a
// server-side cosine search.
type GraphStore struct {
	db                *sql.DB
	pgvectorAvailable bool
}

// NewGraphStore connects to PostgreSQL and creates the schema.
func NewGraphStore(connString string) (*GraphStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	s := &GraphStore{db: db}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("postgres: pgvector extension unavailable, similarity search disabled: %v", err)
	} else if _, err := db.Exec(MigrationPgvector); err != nil {
		log.Printf("postgres: pgvector migration failed, similarity search disabled: %v", err)
	} else {
		s.pgvectorAvailable = true
	}

	return s, nil
}

// Close releases the underlying connection pool.
func (s *GraphStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for integration tooling (backups, ad-hoc audits).
func (s *GraphStore) DB() *sql.DB { return s.db }

// PgvectorAvailable reports whether native similarity search is usable.
func (s *GraphStore) PgvectorAvailable() bool { return s.pgvectorAvailable }

const nodeColumns = `id, user_id, type, key, name, text, attrs,
	access_count, last_accessed_at, retention_score, abstraction_level,
	consolidation_source, revision_history, soft_deleted, embedding,
	created_at, updated_at`

const insertNodeSQL = `
	INSERT INTO nodes (` + nodeColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

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
		embedding    sql.NullString
	)

	err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &key, &name, &text, &attrs,
		&n.AccessCount, &lastAccessed, &n.RetentionScore, &n.AbstractionLevel,
		&consolidated, &revisions, &n.SoftDeleted, &embedding,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Key = key.String
	n.Name = name.String
	n.Text = text.String
	if lastAccessed.Valid {
		t := lastAccessed.Time
		n.LastAccessedAt = &t
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &n.Attrs); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal node attrs: %w", err)
		}
	}
	if consolidated.Valid && consolidated.String != "" {
		if err := json.Unmarshal([]byte(consolidated.String), &n.ConsolidationSource); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal consolidation_source: %w", err)
		}
	}
	if revisions.Valid && revisions.String != "" {
		if err := json.Unmarshal([]byte(revisions.String), &n.RevisionHistory); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal revision_history: %w", err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &n.Embedding); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal embedding: %w", err)
		}
	}

	n.EnsureDefaults()
	return &n, nil
}

func nodeArgs(n *types.Node) ([]any, error) {
	attrsJSON, err := marshalOrNil(n.Attrs)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to marshal node attrs: %w", err)
	}
	consolidatedJSON, err := marshalOrNil(n.ConsolidationSource)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to marshal consolidation_source: %w", err)
	}
	revisionsJSON, err := marshalOrNil(n.RevisionHistory)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to marshal revision_history: %w", err)
	}
	embeddingJSON, err := marshalOrNil(n.Embedding)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to marshal embedding: %w", err)
	}

	return []any{
		n.ID, n.UserID, string(n.Type), nullIfEmpty(n.Key), nullIfEmpty(n.Name),
		nullIfEmpty(n.Text), attrsJSON,
		n.AccessCount, n.LastAccessedAt, n.RetentionScore, string(n.AbstractionLevel),
		consolidatedJSON, revisionsJSON, n.SoftDeleted, embeddingJSON,
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

// isUniqueViolation reports whether err is a unique-constraint error
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ── Node ops ──────────────────────────────────────────────────────

// UpsertNode creates the node or merges its attributes into the live node
// with the same natural key. A concurrent natural-key race surfaces as a
// unique violation on insert and is resolved by retrying once as an update.
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
			 WHERE user_id = $1 AND type = $2 AND key = $3 AND soft_deleted = FALSE`,
			node.UserID, string(node.Type), node.Key)
		found, err := scanNode(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("postgres: natural key lookup failed: %w", err)
		}
		existing = found
	} else if node.ID != "" {
		row := ex.QueryRowContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, node.ID)
		found, err := scanNode(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("postgres: node lookup failed: %w", err)
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
		s.syncEmbedding(ctx, ex, created)
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
		return nil, fmt.Errorf("postgres: failed to begin batch upsert: %w", err)
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
		return nil, fmt.Errorf("postgres: failed to commit batch upsert: %w", err)
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
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get node: %w", err)
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
		 WHERE user_id = $1 AND type = $2 AND key = $3 AND soft_deleted = FALSE`,
		userID, string(nodeType), key)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s/%s", storage.ErrNotFound, userID, nodeType, key)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to find node by key: %w", err)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE user_id = $1 AND id = ANY($2)`,
		userID, pq.Array(unique))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get nodes by ids: %w", err)
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

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE user_id = $1`
	args := []any{q.UserID}

	if !q.IncludeDeleted {
		query += " AND soft_deleted = FALSE"
	}
	if len(q.Types) > 0 {
		typeStrs := make([]string, len(q.Types))
		for i, t := range q.Types {
			typeStrs[i] = string(t)
		}
		args = append(args, pq.Array(typeStrs))
		query += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	if q.KeyPrefix != "" {
		args = append(args, escapeLike(q.KeyPrefix)+"%")
		query += fmt.Sprintf(` AND key LIKE $%d ESCAPE '\'`, len(args))
	}
	if !q.CreatedAfter.IsZero() {
		args = append(args, q.CreatedAfter.UTC())
		query += fmt.Sprintf(" AND created_at > $%d", len(args))
	}
	if !q.CreatedBefore.IsZero() {
		args = append(args, q.CreatedBefore.UTC())
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	if q.MinRetention > 0 {
		args = append(args, q.MinRetention)
		query += fmt.Sprintf(" AND retention_score >= $%d", len(args))
	}
	if q.MaxRetention > 0 {
		args = append(args, q.MaxRetention)
		query += fmt.Sprintf(" AND retention_score <= $%d", len(args))
	}
	if q.AbstractionLevel != "" {
		args = append(args, string(q.AbstractionLevel))
		query += fmt.Sprintf(" AND abstraction_level = $%d", len(args))
	}

	if q.RecentFirst {
		query += " ORDER BY created_at DESC"
	} else {
		query += " ORDER BY created_at"
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query nodes: %w", err)
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
		return nil, fmt.Errorf("postgres: failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// SoftDeleteNode tombstones a node.
func (s *GraphStore) SoftDeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET soft_deleted = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to soft-delete node: %w", err)
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
			 WHERE user_id = $1 AND type = $2 AND key = $3 AND soft_deleted = FALSE AND id != $4`,
			node.UserID, string(node.Type), node.Key, id).Scan(&occupant)
		if err == nil {
			return fmt.Errorf("%w: key %s held by node %s", storage.ErrConflict, node.Key, occupant)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("postgres: restore key check failed: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET soft_deleted = FALSE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to restore node: %w", err)
	}
	return requireRows(res, id)
}

// MergeNodes re-points edges, deduplicates parallel edges, removes
// self-loops, unions consolidation_source, and tombstones the losers in one
// transaction.
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
		return nil, fmt.Errorf("postgres: failed to begin merge: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1 AND user_id = $2 AND soft_deleted = FALSE`,
		winnerID, userID)
	winner, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: winner node %s", storage.ErrNotFound, winnerID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load merge winner: %w", err)
	}

	if len(losers) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("postgres: failed to commit merge: %w", err)
		}
		return winner, nil
	}

	sources := append([]string(nil), winner.ConsolidationSource...)
	for _, loserID := range losers {
		row := tx.QueryRowContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE id = $1 AND user_id = $2`,
			loserID, userID)
		loser, err := scanNode(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: loser node %s", storage.ErrNotFound, loserID)
		}
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to load merge loser: %w", err)
		}
		sources = append(sources, loser.ConsolidationSource...)
		sources = append(sources, loser.ID)
	}
	winner.ConsolidationSource = dedupStrings(sources)

	loserArr := pq.Array(losers)

	// Deduplicate parallel edges against the post-merge triples before
	// re-pointing: idx_edges_triple is checked per row during UPDATE and a
	// partial unique index cannot be deferred, so a loser edge whose
	// re-pointed triple already exists live must go first. Keep one row of
	// each prospective live triple.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE user_id = $1 AND soft_deleted = FALSE
		   AND id NOT IN (
		     SELECT MIN(id) FROM edges
		     WHERE user_id = $1 AND soft_deleted = FALSE
		     GROUP BY CASE WHEN source_id = ANY($2) THEN $3::text ELSE source_id END,
		              CASE WHEN target_id = ANY($2) THEN $3::text ELSE target_id END,
		              relation
		   )`,
		userID, loserArr, winnerID); err != nil {
		return nil, fmt.Errorf("postgres: failed to dedup parallel edges: %w", err)
	}

	// Re-point edges to the winner.
	if _, err := tx.ExecContext(ctx,
		`UPDATE edges SET source_id = $1, updated_at = NOW()
		 WHERE user_id = $2 AND source_id = ANY($3)`,
		winnerID, userID, loserArr); err != nil {
		return nil, fmt.Errorf("postgres: failed to re-point edge sources: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE edges SET target_id = $1, updated_at = NOW()
		 WHERE user_id = $2 AND target_id = ANY($3)`,
		winnerID, userID, loserArr); err != nil {
		return nil, fmt.Errorf("postgres: failed to re-point edge targets: %w", err)
	}

	// Remove self-loops created by the re-pointing.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE user_id = $1 AND source_id = $2 AND target_id = $2`,
		userID, winnerID); err != nil {
		return nil, fmt.Errorf("postgres: failed to drop self-loops: %w", err)
	}

	// Tombstone the losers.
	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET soft_deleted = TRUE, updated_at = NOW()
		 WHERE user_id = $1 AND id = ANY($2)`,
		userID, loserArr); err != nil {
		return nil, fmt.Errorf("postgres: failed to tombstone merge losers: %w", err)
	}

	winner.UpdatedAt = time.Now().UTC()
	if err := s.putNode(ctx, tx, winner); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: failed to commit merge: %w", err)
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
		ON CONFLICT (id) DO UPDATE SET
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
		return fmt.Errorf("postgres: failed to put node: %w", err)
	}
	s.syncEmbedding(ctx, ex, node)
	return nil
}

// HardDeleteNode removes a node row entirely (raw-state method).
func (s *GraphStore) HardDeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to hard-delete node: %w", err)
	}
	return requireRows(res, id)
}

func (s *GraphStore) touchNodes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET access_count = access_count + 1, last_accessed_at = $1
		 WHERE id = ANY($2)`,
		time.Now().UTC(), pq.Array(ids))
	if err != nil {
		return fmt.Errorf("postgres: failed to record node access: %w", err)
	}
	return nil
}

func collectNodes(rows *sql.Rows) ([]*types.Node, error) {
	var nodes []*types.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan node row: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: node row iteration failed: %w", err)
	}
	return nodes, nil
}

func requireRows(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected unavailable: %w", err)
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
