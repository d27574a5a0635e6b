package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// Resolution names the outcome of a reconsolidation proposal.
type Resolution string

// Proposal resolutions.
const (
	// ResolutionNoConflict: nothing similar exists, committed as new.
	ResolutionNoConflict Resolution = "no_conflict"

	// ResolutionDuplicate: similarity at or above the duplicate threshold,
	// merged into the existing node via the upsert path.
	ResolutionDuplicate Resolution = "duplicate"

	// ResolutionContradiction: the judge found the ambiguous pair to
	// conflict. The existing node's text was rewritten, the old text
	// appended to its revision history, and a CONTRADICTS edge links it to
	// a tombstoned copy of the old wording.
	ResolutionContradiction Resolution = "contradiction"

	// ResolutionCompatible: the judge found the ambiguous pair to coexist,
	// committed as new.
	ResolutionCompatible Resolution = "compatible"
)

// ReconsolidationParams holds the similarity bands of the state machine.
type ReconsolidationParams struct {
	// DuplicateThreshold: similarity at or above this is a duplicate.
	// Default: 0.75.
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`

	// AmbiguousThreshold: similarity in [AmbiguousThreshold,
	// DuplicateThreshold) escalates to the conflict judge. Default: 0.5.
	AmbiguousThreshold float64 `yaml:"ambiguous_threshold"`
}

// Normalize fills zero values with defaults.
func (p *ReconsolidationParams) Normalize() {
	if p.DuplicateThreshold <= 0 {
		p.DuplicateThreshold = 0.75
	}
	if p.AmbiguousThreshold <= 0 {
		p.AmbiguousThreshold = 0.5
	}
}

// Outcome reports how a proposal was resolved.
type Outcome struct {
	Resolution Resolution

	// Node is the committed node: the new node, the merge target, or the
	// revised existing node.
	Node *types.Node

	// ContradictedID is the tombstoned copy holding the superseded text,
	// set only on contradiction.
	ContradictedID string
}

// Reconsolidator resolves a proposed belief-like node against the user's
// existing beliefs before it is committed:
//
//	Proposed -> NoConflict                  commit as new
//	         -> Duplicate (sim >= 0.75)     merge via upsert
//	         -> Ambiguous [0.5, 0.75)       escalate to judge
//	              -> Contradiction          revise existing, keep old text
//	              -> Compatible             commit as new
//
// The original belief text is never discarded: a contradiction preserves it
// in the revision history and in a tombstoned copy linked by a CONTRADICTS
// edge.
type Reconsolidator struct {
	graph  *Graph
	collab *Collaborators
	params ReconsolidationParams
}

// NewReconsolidator wires a reconsolidation engine over the facade.
func NewReconsolidator(graph *Graph, collab *Collaborators, params ReconsolidationParams) *Reconsolidator {
	params.Normalize()
	return &Reconsolidator{graph: graph, collab: collab, params: params}
}

// Propose runs the state machine for one candidate node. Non-belief-like
// nodes skip detection and commit directly.
func (r *Reconsolidator) Propose(ctx context.Context, proposed *types.Node) (*Outcome, error) {
	if proposed == nil || proposed.UserID == "" {
		return nil, fmt.Errorf("%w: node and user_id are required", storage.ErrInvalidInput)
	}
	if !types.IsBeliefLike(proposed.Type) {
		res, err := r.graph.UpsertNode(ctx, proposed)
		if err != nil {
			return nil, err
		}
		return &Outcome{Resolution: ResolutionNoConflict, Node: res.Node}, nil
	}

	match, similarity, err := r.bestMatch(ctx, proposed)
	if err != nil {
		return nil, err
	}

	switch {
	case match == nil || similarity < r.params.AmbiguousThreshold:
		return r.commitNew(ctx, proposed, ResolutionNoConflict)

	case similarity >= r.params.DuplicateThreshold:
		merged := proposed.Clone()
		merged.Key = match.Key
		merged.ID = match.ID
		res, err := r.graph.UpsertNode(ctx, merged)
		if err != nil {
			return nil, err
		}
		return &Outcome{Resolution: ResolutionDuplicate, Node: res.Node}, nil

	default:
		verdict := r.collab.Judge(ctx, match.Text, proposed.Text)
		if verdict != VerdictContradiction {
			return r.commitNew(ctx, proposed, ResolutionCompatible)
		}
		return r.resolveContradiction(ctx, match, proposed)
	}
}

// bestMatch scans the user's live nodes of the proposed type for the highest
// similarity. Oracle failures score 0, so a degraded oracle resolves
// everything as NoConflict and never merges.
func (r *Reconsolidator) bestMatch(ctx context.Context, proposed *types.Node) (*types.Node, float64, error) {
	existing, err := r.graph.QueryNodes(ctx, storage.NodeQuery{
		UserID: proposed.UserID,
		Types:  []types.NodeType{proposed.Type},
		Limit:  verifyQueryLimit,
	})
	if err != nil {
		return nil, 0, err
	}

	var (
		best     *types.Node
		bestSim  float64
		selfByID = proposed.ID
	)
	for _, candidate := range existing {
		if candidate.ID == selfByID {
			continue
		}
		if proposed.Key != "" && candidate.Key == proposed.Key {
			// Same natural key is the upsert path's business, not a
			// contradiction between distinct beliefs.
			continue
		}
		sim := r.collab.Similarity(ctx, proposed, candidate)
		if sim > bestSim {
			best, bestSim = candidate, sim
		}
	}
	return best, bestSim, nil
}

func (r *Reconsolidator) commitNew(ctx context.Context, proposed *types.Node, resolution Resolution) (*Outcome, error) {
	res, err := r.graph.UpsertNode(ctx, proposed)
	if err != nil {
		return nil, err
	}
	return &Outcome{Resolution: resolution, Node: res.Node}, nil
}

// resolveContradiction rewrites the existing belief to the proposed text and
// preserves the superseded wording twice: in the revision history and in a
// tombstoned copy reachable over a CONTRADICTS edge.
func (r *Reconsolidator) resolveContradiction(ctx context.Context, existing, proposed *types.Node) (*Outcome, error) {
	copyNode := types.NewNode(existing.UserID, existing.Type, "")
	copyNode.Text = existing.Text
	copyNode.Name = existing.Name
	copyNode.AbstractionLevel = existing.AbstractionLevel

	copyRes, err := r.graph.UpsertNode(ctx, copyNode)
	if err != nil {
		return nil, err
	}

	edge := types.NewEdge(existing.UserID, existing.ID, copyRes.Node.ID, types.RelContradicts)
	if _, _, err := r.graph.CreateEdge(ctx, edge); err != nil {
		return nil, err
	}

	// Tombstone the copy after the edge exists; the endpoint check only
	// applies at creation time.
	if err := r.graph.SoftDeleteNode(ctx, existing.UserID, copyRes.Node.ID); err != nil {
		return nil, err
	}

	revised, err := r.graph.ReviseNode(ctx, existing.UserID, existing.ID, proposed.Text,
		fmt.Sprintf("contradicted at %s", time.Now().UTC().Format(time.RFC3339)))
	if err != nil {
		return nil, err
	}

	log.Printf("engine: belief %s revised after contradiction, prior text kept in %s",
		existing.ID, copyRes.Node.ID)

	return &Outcome{
		Resolution:     ResolutionContradiction,
		Node:           revised,
		ContradictedID: copyRes.Node.ID,
	}, nil
}
