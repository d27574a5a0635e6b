package storage

import (
	"errors"
	"time"

	"github.com/scrypster/mnemo/pkg/types"
)

var (
	// ErrNotFound indicates that the requested node, edge, or snapshot
	// does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a natural-key race: two writers created the
	// same (user_id, type, key) concurrently. Stores resolve it internally
	// by retrying as an upsert; it is never surfaced to callers of the
	// facade.
	ErrConflict = errors.New("natural key conflict")

	// ErrDanglingReference indicates an edge operation referencing a
	// missing or soft-deleted endpoint.
	ErrDanglingReference = errors.New("dangling node reference")

	// ErrAppendConflict indicates the per-user event sequence advanced
	// while an append was in flight. The whole logical operation must be
	// retried.
	ErrAppendConflict = errors.New("event sequence conflict")

	// ErrTransientFailure indicates a logical operation exhausted its
	// bounded retries.
	ErrTransientFailure = errors.New("transient failure, retries exhausted")

	// ErrIntegrityViolation indicates a replay-and-verify mismatch between
	// the event log and the live store.
	ErrIntegrityViolation = errors.New("store/log integrity violation")
)

// NodeQuery filters node reads. The zero value of a field means the filter
// is unconstrained.
type NodeQuery struct {
	// UserID scopes the query; required.
	UserID string

	// Types restricts results to the given node types.
	Types []types.NodeType

	// KeyPrefix restricts results to nodes whose natural key starts with
	// the prefix.
	KeyPrefix string

	// CreatedAfter / CreatedBefore bound the creation-time window.
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// MinRetention / MaxRetention bound the retention score. Zero means
	// unconstrained (retention filters are only meaningful above zero).
	MinRetention float64
	MaxRetention float64

	// AbstractionLevel restricts results to one lifecycle level.
	AbstractionLevel types.AbstractionLevel

	// IncludeDeleted includes soft-deleted nodes. By default tombstones
	// are excluded from all queries.
	IncludeDeleted bool

	// RecentFirst orders by created_at descending instead of the default
	// ascending creation order.
	RecentFirst bool

	// Touch marks the read as a user-facing access: returned nodes get
	// their access_count incremented and last_accessed_at set. Lifecycle
	// scans leave it false so housekeeping reads do not reinforce decay.
	Touch bool

	// Limit caps the result size (default 500, max 5000).
	Limit int
}

// Normalize applies defaults and bounds to the query.
func (q *NodeQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 500
	}
	if q.Limit > 5000 {
		q.Limit = 5000
	}
}

// EdgeQuery filters edge reads. The zero value of a field means the filter
// is unconstrained.
type EdgeQuery struct {
	// UserID scopes the query; required.
	UserID string

	// SourceID / TargetID restrict to edges touching a specific node.
	SourceID string
	TargetID string

	// Relation restricts to one relation type.
	Relation types.RelationType

	CreatedAfter  time.Time
	CreatedBefore time.Time

	// MaxRetention bounds the retention score; zero means unconstrained.
	MaxRetention float64

	// IncludeDeleted includes soft-deleted edges.
	IncludeDeleted bool

	// Limit caps the result size (default 1000, max 10000).
	Limit int
}

// Normalize applies defaults and bounds to the query.
func (q *EdgeQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 1000
	}
	if q.Limit > 10000 {
		q.Limit = 10000
	}
}

// UpsertResult pairs an upserted node with whether the call created it
// (true) or merged into an existing live node (false).
type UpsertResult struct {
	Node    *types.Node
	Created bool
}

// PassKind names a lifecycle pass for pass-run bookkeeping.
type PassKind string

const (
	PassConsolidate PassKind = "consolidate"
	PassAbstract    PassKind = "abstract"
	PassForget      PassKind = "forget"
)

// PassRun records when a lifecycle pass last ran for a user, so the
// scheduler trigger can enforce pass periods across restarts.
type PassRun struct {
	UserID    string
	Pass      PassKind
	LastRunAt time.Time
	Runs      int
}
