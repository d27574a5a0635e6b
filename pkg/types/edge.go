package types

import (
	"time"

	"github.com/google/uuid"
)

// Edge is a directed, typed relationship between two nodes of the same
// user. The (user_id, source_id, target_id, relation) triple is unique:
// creating an existing triple is a no-op returning the stored edge.
type Edge struct {
	ID       string       `json:"id"`
	UserID   string       `json:"user_id"`
	SourceID string       `json:"source_id"`
	TargetID string       `json:"target_id"`
	Relation RelationType `json:"relation"`

	// Weight is the relationship strength in [0,1].
	Weight float64 `json:"weight"`
	Attrs  Attrs   `json:"attrs,omitempty"`

	// Decay block, mirroring Node.
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	RetentionScore float64    `json:"retention_score"`

	SoftDeleted bool `json:"soft_deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEdge returns an edge with a fresh ID, full retention, and weight 1.0.
func NewEdge(userID, sourceID, targetID string, relation RelationType) *Edge {
	now := time.Now().UTC()
	return &Edge{
		ID:             uuid.NewString(),
		UserID:         userID,
		SourceID:       sourceID,
		TargetID:       targetID,
		Relation:       relation,
		Weight:         1.0,
		Attrs:          Attrs{},
		RetentionScore: 1.0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy of the edge.
func (e *Edge) Clone() *Edge {
	out := *e
	out.Attrs = e.Attrs.Clone()
	if e.LastAccessedAt != nil {
		t := *e.LastAccessedAt
		out.LastAccessedAt = &t
	}
	return &out
}

// Live reports whether the edge counts toward its endpoints' connectivity.
func (e *Edge) Live() bool { return !e.SoftDeleted }
