package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pgvector/pgvector-go"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// syncEmbedding mirrors the JSON embedding into the native vector column.
// Best effort: a failure here degrades similarity search, not correctness,
// so it is logged rather than returned.
func (s *GraphStore) syncEmbedding(ctx context.Context, ex execer, node *types.Node) {
	if !s.pgvectorAvailable {
		return
	}
	if len(node.Embedding) == 0 {
		if _, err := ex.ExecContext(ctx,
			`UPDATE nodes SET embedding_vec = NULL WHERE id = $1`, node.ID); err != nil {
			log.Printf("postgres: failed to clear embedding vector for node %s: %v", node.ID, err)
		}
		return
	}
	if _, err := ex.ExecContext(ctx,
		`UPDATE nodes SET embedding_vec = $1 WHERE id = $2`,
		pgvector.NewVector(node.Embedding), node.ID); err != nil {
		log.Printf("postgres: failed to sync embedding vector for node %s: %v", node.ID, err)
	}
}

// SimilarNode pairs a node with its cosine similarity to a query embedding.
type SimilarNode struct {
	Node       *types.Node
	Similarity float64
}

// SimilarNodes returns the user's live nodes nearest to the embedding by
// cosine similarity, best first. Requires pgvector; callers check
// PgvectorAvailable and fall back to in-process scoring otherwise.
func (s *GraphStore) SimilarNodes(ctx context.Context, userID string, embedding []float32, limit int) ([]SimilarNode, error) {
	if !s.pgvectorAvailable {
		return nil, fmt.Errorf("%w: pgvector extension unavailable", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: embedding is required", storage.ErrInvalidInput)
	}
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`, 1 - (embedding_vec <=> $1) AS similarity
		FROM nodes
		WHERE user_id = $2 AND soft_deleted = FALSE AND embedding_vec IS NOT NULL
		ORDER BY embedding_vec <=> $1
		LIMIT $3`,
		pgvector.NewVector(embedding), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: similarity query failed: %w", err)
	}
	defer rows.Close()

	var matches []SimilarNode
	for rows.Next() {
		match, err := scanSimilarNode(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan similarity row: %w", err)
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: similarity iteration failed: %w", err)
	}
	return matches, nil
}

func scanSimilarNode(rows *sql.Rows) (SimilarNode, error) {
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
		similarity   float64
	)

	err := rows.Scan(
		&n.ID, &n.UserID, &n.Type, &key, &name, &text, &attrs,
		&n.AccessCount, &lastAccessed, &n.RetentionScore, &n.AbstractionLevel,
		&consolidated, &revisions, &n.SoftDeleted, &embedding,
		&n.CreatedAt, &n.UpdatedAt, &similarity,
	)
	if err != nil {
		return SimilarNode{}, err
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
			return SimilarNode{}, err
		}
	}
	if consolidated.Valid && consolidated.String != "" {
		if err := json.Unmarshal([]byte(consolidated.String), &n.ConsolidationSource); err != nil {
			return SimilarNode{}, err
		}
	}
	if revisions.Valid && revisions.String != "" {
		if err := json.Unmarshal([]byte(revisions.String), &n.RevisionHistory); err != nil {
			return SimilarNode{}, err
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &n.Embedding); err != nil {
			return SimilarNode{}, err
		}
	}

	n.EnsureDefaults()
	return SimilarNode{Node: &n, Similarity: similarity}, nil
}
