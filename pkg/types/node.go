package types

import (
	"time"

	"github.com/google/uuid"
)

// Revision records one rewrite of a node's text, appended when the
// reconsolidation engine resolves a contradiction. The history is
// append-only: earlier entries are never edited or removed, so the
// original wording of a belief is always recoverable.
type Revision struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Node is a typed fact about a user. Nodes with a non-empty Key are unique
// per (user_id, type, key) among live nodes; upserting the same natural key
// merges attributes into the existing node instead of creating a duplicate.
type Node struct {
	ID     string   `json:"id"`
	UserID string   `json:"user_id"`
	Type   NodeType `json:"type"`

	// Key is the natural key. Empty means the node is addressable by ID only.
	Key string `json:"key,omitempty"`

	Name  string `json:"name,omitempty"`
	Text  string `json:"text,omitempty"`
	Attrs Attrs  `json:"attrs,omitempty"`

	// Decay block.
	AccessCount         int              `json:"access_count"`
	LastAccessedAt      *time.Time       `json:"last_accessed_at,omitempty"`
	RetentionScore      float64          `json:"retention_score"`
	AbstractionLevel    AbstractionLevel `json:"abstraction_level"`
	ConsolidationSource []string         `json:"consolidation_source,omitempty"`
	RevisionHistory     []Revision       `json:"revision_history,omitempty"`

	// SoftDeleted marks the node as tombstoned. Soft deletion is terminal
	// unless explicitly reversed; lifecycle passes never un-delete.
	SoftDeleted bool `json:"soft_deleted"`

	// Embedding is the optional similarity-oracle vector for this node.
	Embedding []float32 `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewNode returns a node with a fresh ID and the default decay block:
// retention 1.0, abstraction raw, zero accesses.
func NewNode(userID string, nodeType NodeType, key string) *Node {
	now := time.Now().UTC()
	return &Node{
		ID:               uuid.NewString(),
		UserID:           userID,
		Type:             nodeType,
		Key:              key,
		Attrs:            Attrs{},
		RetentionScore:   1.0,
		AbstractionLevel: AbstractionRaw,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// EnsureDefaults backfills the decay block on nodes deserialized from
// records written before a field existed.
func (n *Node) EnsureDefaults() {
	if n.AbstractionLevel == "" {
		n.AbstractionLevel = AbstractionRaw
	}
	if n.RetentionScore == 0 && n.AccessCount == 0 && n.LastAccessedAt == nil {
		n.RetentionScore = 1.0
	}
	if n.Attrs == nil {
		n.Attrs = Attrs{}
	}
}

// Touch records a read: bumps the access count and the last-accessed stamp.
func (n *Node) Touch(now time.Time) {
	n.AccessCount++
	t := now.UTC()
	n.LastAccessedAt = &t
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := *n
	out.Attrs = n.Attrs.Clone()
	out.ConsolidationSource = append([]string(nil), n.ConsolidationSource...)
	out.RevisionHistory = append([]Revision(nil), n.RevisionHistory...)
	out.Embedding = append([]float32(nil), n.Embedding...)
	if n.LastAccessedAt != nil {
		t := *n.LastAccessedAt
		out.LastAccessedAt = &t
	}
	return &out
}

// Live reports whether the node participates in natural-key uniqueness and
// edge endpoint checks.
func (n *Node) Live() bool { return !n.SoftDeleted }

// Protected reports whether the forget pass must never auto-delete this
// node: belief-like nodes whose text has been revised more than twice are
// load-bearing regardless of retention score.
func (n *Node) Protected() bool {
	return IsBeliefLike(n.Type) && len(n.RevisionHistory) > 2
}
