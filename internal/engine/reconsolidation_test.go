package engine

import (
	"context"
	"testing"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

func newTestReconsolidator(t *testing.T, oracle SimilarityOracle, judge ConflictJudge) (*Reconsolidator, *Graph) {
	t.Helper()
	graph, _ := newTestGraph(t)
	collab := NewCollaborators(oracle, nil, judge, fastParams())
	return NewReconsolidator(graph, collab, ReconsolidationParams{}), graph
}

func proposeBelief(userID, text string) *types.Node {
	n := types.NewNode(userID, types.NodeTypeBelief, "")
	n.Text = text
	return n
}

func TestPropose_NonBeliefSkipsDetection(t *testing.T) {
	oracle := &stubOracle{score: 0.9}
	r, _ := newTestReconsolidator(t, oracle, nil)

	note := types.NewNode("user-1", types.NodeTypeNote, "")
	note.Text = "bought oat milk"
	outcome, err := r.Propose(context.Background(), note)
	if err != nil {
		t.Fatalf("Propose() failed: %v", err)
	}
	if outcome.Resolution != ResolutionNoConflict {
		t.Errorf("notes should commit directly, got %q", outcome.Resolution)
	}
	if oracle.calls != 0 {
		t.Errorf("non-belief-like proposals must not consult the oracle, got %d calls", oracle.calls)
	}
}

func TestPropose_NoConflictWhenNothingSimilar(t *testing.T) {
	r, graph := newTestReconsolidator(t, &stubOracle{score: 0.2}, nil)
	ctx := context.Background()

	if _, err := graph.UpsertNode(ctx, proposeBelief("user-1", "mornings are for writing")); err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}

	outcome, err := r.Propose(ctx, proposeBelief("user-1", "debt is dangerous"))
	if err != nil {
		t.Fatalf("Propose() failed: %v", err)
	}
	if outcome.Resolution != ResolutionNoConflict {
		t.Errorf("low similarity should resolve as no_conflict, got %q", outcome.Resolution)
	}

	beliefs, _ := graph.QueryNodes(ctx, storage.NodeQuery{
		UserID: "user-1",
		Types:  []types.NodeType{types.NodeTypeBelief},
	})
	if len(beliefs) != 2 {
		t.Errorf("both beliefs should be live, got %d", len(beliefs))
	}
}

func TestPropose_DuplicateMergesIntoExisting(t *testing.T) {
	r, graph := newTestReconsolidator(t, &stubOracle{score: 0.9}, nil)
	ctx := context.Background()

	existing := types.NewNode("user-1", types.NodeTypeBelief, "belief:coffee")
	existing.Text = "coffee helps me focus"
	res, err := graph.UpsertNode(ctx, existing)
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}

	outcome, err := r.Propose(ctx, proposeBelief("user-1", "coffee sharpens my focus"))
	if err != nil {
		t.Fatalf("Propose() failed: %v", err)
	}
	if outcome.Resolution != ResolutionDuplicate {
		t.Fatalf("high similarity should resolve as duplicate, got %q", outcome.Resolution)
	}
	if outcome.Node.ID != res.Node.ID {
		t.Errorf("duplicate should merge into the existing node: got %s, want %s", outcome.Node.ID, res.Node.ID)
	}

	beliefs, _ := graph.QueryNodes(ctx, storage.NodeQuery{
		UserID: "user-1",
		Types:  []types.NodeType{types.NodeTypeBelief},
	})
	if len(beliefs) != 1 {
		t.Errorf("a duplicate must not add a second live belief, got %d", len(beliefs))
	}
}

func TestPropose_AmbiguousCompatibleCoexists(t *testing.T) {
	r, graph := newTestReconsolidator(t, &stubOracle{score: 0.6}, &stubJudge{verdict: VerdictCompatible})
	ctx := context.Background()

	if _, err := graph.UpsertNode(ctx, proposeBelief("user-1", "I need quiet to work")); err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}

	outcome, err := r.Propose(ctx, proposeBelief("user-1", "I work well in cafes sometimes"))
	if err != nil {
		t.Fatalf("Propose() failed: %v", err)
	}
	if outcome.Resolution != ResolutionCompatible {
		t.Errorf("compatible verdict should commit as new, got %q", outcome.Resolution)
	}

	beliefs, _ := graph.QueryNodes(ctx, storage.NodeQuery{
		UserID: "user-1",
		Types:  []types.NodeType{types.NodeTypeBelief},
	})
	if len(beliefs) != 2 {
		t.Errorf("compatible beliefs should coexist, got %d live", len(beliefs))
	}
}

func TestPropose_ContradictionRevisesAndPreservesOldText(t *testing.T) {
	r, graph := newTestReconsolidator(t, &stubOracle{score: 0.6}, &stubJudge{verdict: VerdictContradiction})
	ctx := context.Background()

	existing := proposeBelief("user-1", "I am bad at public speaking")
	res, err := graph.UpsertNode(ctx, existing)
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}

	outcome, err := r.Propose(ctx, proposeBelief("user-1", "my talks have been going well"))
	if err != nil {
		t.Fatalf("Propose() failed: %v", err)
	}
	if outcome.Resolution != ResolutionContradiction {
		t.Fatalf("contradiction verdict should resolve as contradiction, got %q", outcome.Resolution)
	}

	// The existing belief carries the new text, with the old wording in its
	// revision history.
	revised, err := graph.PeekNode(ctx, res.Node.ID)
	if err != nil {
		t.Fatalf("PeekNode() failed: %v", err)
	}
	if revised.Text != "my talks have been going well" {
		t.Errorf("existing belief should be rewritten, got %q", revised.Text)
	}
	if len(revised.RevisionHistory) != 1 || revised.RevisionHistory[0].Text != "I am bad at public speaking" {
		t.Errorf("revision history should preserve the old wording, got %+v", revised.RevisionHistory)
	}

	// The superseded wording also survives in a tombstoned copy behind a
	// CONTRADICTS edge.
	if outcome.ContradictedID == "" {
		t.Fatal("contradiction outcome should name the tombstoned copy")
	}
	copyNode, err := graph.PeekNode(ctx, outcome.ContradictedID)
	if err != nil {
		t.Fatalf("PeekNode(copy) failed: %v", err)
	}
	if !copyNode.SoftDeleted || copyNode.Text != "I am bad at public speaking" {
		t.Errorf("copy should be tombstoned with the old text, got deleted=%v text=%q",
			copyNode.SoftDeleted, copyNode.Text)
	}

	edges, err := graph.QueryEdges(ctx, storage.EdgeQuery{
		UserID:   "user-1",
		SourceID: res.Node.ID,
		Relation: types.RelContradicts,
	})
	if err != nil {
		t.Fatalf("QueryEdges() failed: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetID != outcome.ContradictedID {
		t.Errorf("expected one CONTRADICTS edge to the copy, got %d", len(edges))
	}

	// Everything went through the facade; the history replays cleanly.
	if err := graph.ReplayAndVerify(ctx, "user-1"); err != nil {
		t.Errorf("post-contradiction history should verify, got %v", err)
	}
}
