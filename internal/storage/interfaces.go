// Package storage defines the persistence contracts for the mnemo knowledge
// graph: the GraphStore (current state) and the EventLog (immutable mutation
// ledger). Backends implement both; the engine facade is the only component
// that writes to the two in tandem.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/mnemo/pkg/types"
)

// GraphStore provides CRUD and upsert-by-natural-key over one user-scoped
// graph of typed nodes and edges. A single concrete type per backend
// implements all method groups: node ops, edge ops, mood ops, and temporal
// ops.
//
// Raw-state methods (PutNode, PutEdge, HardDeleteNode, HardDeleteEdge)
// bypass natural-key and tombstone logic. They exist for exactly two
// callers: event replay and the facade's compensating rollbacks. Nothing
// else may use them.
type GraphStore interface {
	// ── Node ops ──────────────────────────────────────────────────

	// UpsertNode creates the node, or merges its attributes into the live
	// node with the same (user_id, type, key). On merge, incoming attribute
	// keys win, name/text/embedding are overwritten when non-empty, and the
	// decay block of the existing node is preserved. Returns the canonical
	// stored node and whether it was created.
	UpsertNode(ctx context.Context, node *types.Node) (*UpsertResult, error)

	// UpsertNodes applies a batch of upserts in one transaction.
	UpsertNodes(ctx context.Context, nodes []*types.Node) ([]*UpsertResult, error)

	// GetNode retrieves a node by ID and records the access (bumps
	// access_count, sets last_accessed_at). Returns ErrNotFound.
	GetNode(ctx context.Context, id string) (*types.Node, error)

	// PeekNode retrieves a node by ID without recording an access.
	PeekNode(ctx context.Context, id string) (*types.Node, error)

	// FindNodeByKey retrieves the live node with the given natural key and
	// records the access. Returns ErrNotFound.
	FindNodeByKey(ctx context.Context, userID string, nodeType types.NodeType, key string) (*types.Node, error)

	// PeekNodeByKey retrieves the live node with the given natural key
	// without recording an access.
	PeekNodeByKey(ctx context.Context, userID string, nodeType types.NodeType, key string) (*types.Node, error)

	// GetNodesByIDs retrieves the user's nodes matching ids, without
	// recording accesses. Unknown ids are skipped, not errors.
	GetNodesByIDs(ctx context.Context, userID string, ids []string) ([]*types.Node, error)

	// QueryNodes returns nodes matching the query, ordered by creation
	// time unless RecentFirst is set.
	QueryNodes(ctx context.Context, q NodeQuery) ([]*types.Node, error)

	// ListUsers returns the distinct user IDs with at least one node row,
	// tombstoned or not.
	ListUsers(ctx context.Context) ([]string, error)

	// SoftDeleteNode tombstones a node. Returns ErrNotFound.
	SoftDeleteNode(ctx context.Context, id string) error

	// RestoreNode clears a node's tombstone. Returns ErrNotFound. Returns
	// ErrConflict if a live node now occupies the same natural key.
	RestoreNode(ctx context.Context, id string) error

	// MergeNodes re-points every edge referencing a loser to the winner,
	// deduplicates resulting parallel edges, removes self-loops, unions
	// consolidation_source, and tombstones the losers — atomically in one
	// transaction. Returns the post-merge winner.
	MergeNodes(ctx context.Context, userID, winnerID string, loserIDs []string) (*types.Node, error)

	// PutNode writes the full node state verbatim (raw-state method).
	PutNode(ctx context.Context, node *types.Node) error

	// HardDeleteNode removes a node row entirely (raw-state method).
	HardDeleteNode(ctx context.Context, id string) error

	// ── Edge ops ──────────────────────────────────────────────────

	// CreateEdge stores a directed edge. Fails with ErrDanglingReference
	// when either endpoint is unknown or soft-deleted. When the
	// (source, target, relation) triple already exists live, it is a no-op
	// returning the stored edge with Created=false.
	CreateEdge(ctx context.Context, edge *types.Edge) (*types.Edge, bool, error)

	// GetEdge retrieves an edge by ID. Returns ErrNotFound.
	GetEdge(ctx context.Context, id string) (*types.Edge, error)

	// QueryEdges returns edges matching the query, ordered by creation time.
	QueryEdges(ctx context.Context, q EdgeQuery) ([]*types.Edge, error)

	// SoftDeleteEdge tombstones an edge. Returns ErrNotFound.
	SoftDeleteEdge(ctx context.Context, id string) error

	// PutEdge writes the full edge state verbatim (raw-state method).
	PutEdge(ctx context.Context, edge *types.Edge) error

	// HardDeleteEdge removes an edge row entirely (raw-state method).
	HardDeleteEdge(ctx context.Context, id string) error

	// ── Mood ops ──────────────────────────────────────────────────

	// RecordMood stores a mood snapshot.
	RecordMood(ctx context.Context, snap *types.MoodSnapshot) error

	// HardDeleteMood removes a mood snapshot row entirely (raw-state method).
	HardDeleteMood(ctx context.Context, id string) error

	// RecentMoods returns the newest snapshots for a user, newest first.
	RecentMoods(ctx context.Context, userID string, limit int) ([]*types.MoodSnapshot, error)

	// MoodTrend aggregates snapshots inside [from, to].
	MoodTrend(ctx context.Context, userID string, from, to time.Time) (*types.MoodTrend, error)

	// ── Temporal ops ──────────────────────────────────────────────

	// SetNodeRetention writes a recomputed retention score.
	SetNodeRetention(ctx context.Context, id string, score float64) error

	// SetEdgeRetention writes a recomputed retention score.
	SetEdgeRetention(ctx context.Context, id string, score float64) error

	// GetPassRun returns lifecycle bookkeeping for (user, pass), or
	// ErrNotFound when the pass has never run.
	GetPassRun(ctx context.Context, userID string, pass PassKind) (*PassRun, error)

	// RecordPassRun upserts lifecycle bookkeeping for (user, pass).
	RecordPassRun(ctx context.Context, userID string, pass PassKind, at time.Time) error

	// Close releases any resources held by the store.
	Close() error
}

// EventLog is the append-only mutation ledger. Every accepted mutation is
// recorded with a strictly monotonic per-user sequence number; entries are
// never edited or removed.
type EventLog interface {
	// Append writes one event and returns its sequence number. The payload
	// is serialized to JSON. Returns ErrAppendConflict when the user's
	// sequence advanced concurrently; the caller retries the whole logical
	// operation.
	Append(ctx context.Context, userID string, op types.EventOp, payload any) (int64, error)

	// LastSeq returns the highest sequence number for a user (0 when the
	// log is empty).
	LastSeq(ctx context.Context, userID string) (int64, error)

	// Replay returns up to limit events with seq > fromSeq in sequence
	// order. The explicit cursor makes replay lazy and restartable:
	// callers loop, feeding the last seen seq back in.
	Replay(ctx context.Context, userID string, fromSeq int64, limit int) ([]types.Event, error)

	// Close releases any resources held by the log.
	Close() error
}
