package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/internal/storage/sqlite"
	"github.com/scrypster/mnemo/pkg/types"
)

func newTestLifecycle(t *testing.T, oracle SimilarityOracle, params LifecycleParams) (*Lifecycle, *Graph) {
	t.Helper()
	graph, _ := newTestGraph(t)
	collab := NewCollaborators(oracle, nil, nil, fastParams())
	return NewLifecycle(graph, collab, NewDecayer(DecayParams{}), params), graph
}

func agedNode(userID string, nodeType types.NodeType, key, text string, age time.Duration) *types.Node {
	n := types.NewNode(userID, nodeType, key)
	n.Text = text
	n.CreatedAt = time.Now().Add(-age).UTC()
	n.UpdatedAt = n.CreatedAt
	return n
}

func TestConsolidate_MergesSimilarCluster(t *testing.T) {
	lc, graph := newTestLifecycle(t, &stubOracle{score: 0.9}, LifecycleParams{})
	ctx := context.Background()

	// Three stale raw notes about the same thing, plus one fresh note that
	// must not be touched.
	old := 14 * 24 * time.Hour
	var memberIDs []string
	for _, text := range []string{"slept badly", "bad sleep again", "another rough night"} {
		res, err := graph.UpsertNode(ctx, agedNode("user-1", types.NodeTypeNote, "", text, old))
		if err != nil {
			t.Fatalf("UpsertNode() failed: %v", err)
		}
		memberIDs = append(memberIDs, res.Node.ID)
	}
	fresh, err := graph.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeNote, "note:fresh"))
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}

	report, err := lc.Consolidate(ctx, "user-1")
	if err != nil {
		t.Fatalf("Consolidate() failed: %v", err)
	}
	if report.Merged != 1 {
		t.Fatalf("expected 1 merged cluster, got %d", report.Merged)
	}

	// The originals are tombstoned; one episodic node carries their lineage.
	episodic, err := graph.QueryNodes(ctx, storage.NodeQuery{
		UserID:           "user-1",
		AbstractionLevel: types.AbstractionEpisodic,
	})
	if err != nil {
		t.Fatalf("QueryNodes() failed: %v", err)
	}
	if len(episodic) != 1 {
		t.Fatalf("expected 1 episodic node, got %d", len(episodic))
	}
	promoted := episodic[0]
	if promoted.Text == "" {
		t.Error("promoted node should carry a summary text")
	}
	sources := make(map[string]bool)
	for _, id := range promoted.ConsolidationSource {
		sources[id] = true
	}
	for _, id := range memberIDs {
		if !sources[id] {
			t.Errorf("consolidation source should include member %s", id)
		}
		n, err := graph.PeekNode(ctx, id)
		if err != nil {
			t.Fatalf("PeekNode() failed: %v", err)
		}
		if !n.SoftDeleted {
			t.Errorf("merged member %s should be tombstoned", id)
		}
	}

	got, err := graph.PeekNode(ctx, fresh.Node.ID)
	if err != nil {
		t.Fatalf("PeekNode(fresh) failed: %v", err)
	}
	if got.SoftDeleted || got.AbstractionLevel != types.AbstractionRaw {
		t.Error("fresh node must be untouched by consolidation")
	}

	// The merge went through the facade, so the history replays cleanly.
	if err := graph.ReplayAndVerify(ctx, "user-1"); err != nil {
		t.Errorf("post-consolidation history should verify, got %v", err)
	}
}

func TestConsolidate_LeavesSmallClustersAlone(t *testing.T) {
	// Oracle scores everything dissimilar, so every node is its own cluster.
	lc, graph := newTestLifecycle(t, &stubOracle{score: 0.1}, LifecycleParams{})
	ctx := context.Background()

	old := 14 * 24 * time.Hour
	for _, text := range []string{"one", "two"} {
		if _, err := graph.UpsertNode(ctx, agedNode("user-1", types.NodeTypeNote, "", text, old)); err != nil {
			t.Fatalf("UpsertNode() failed: %v", err)
		}
	}

	report, err := lc.Consolidate(ctx, "user-1")
	if err != nil {
		t.Fatalf("Consolidate() failed: %v", err)
	}
	if report.Merged != 0 {
		t.Errorf("dissimilar nodes should not merge, got %d", report.Merged)
	}
}

func TestAbstract_PromotesOldEpisodic(t *testing.T) {
	lc, graph := newTestLifecycle(t, &stubOracle{score: 0.9}, LifecycleParams{})
	ctx := context.Background()

	old := 40 * 24 * time.Hour
	for _, text := range []string{"week of poor sleep", "another bad sleep stretch"} {
		n := agedNode("user-1", types.NodeTypeNote, "", text, old)
		n.AbstractionLevel = types.AbstractionEpisodic
		if _, err := graph.UpsertNode(ctx, n); err != nil {
			t.Fatalf("UpsertNode() failed: %v", err)
		}
	}

	report, err := lc.Abstract(ctx, "user-1")
	if err != nil {
		t.Fatalf("Abstract() failed: %v", err)
	}
	if report.Merged != 1 {
		t.Fatalf("expected 1 promoted cluster, got %d", report.Merged)
	}

	semantic, err := graph.QueryNodes(ctx, storage.NodeQuery{
		UserID:           "user-1",
		AbstractionLevel: types.AbstractionSemantic,
	})
	if err != nil {
		t.Fatalf("QueryNodes() failed: %v", err)
	}
	if len(semantic) != 1 {
		t.Errorf("expected 1 semantic node, got %d", len(semantic))
	}
}

func TestForget_TombstonesDecayedLeaves(t *testing.T) {
	lc, graph := newTestLifecycle(t, &stubOracle{score: 0}, LifecycleParams{})
	ctx := context.Background()

	old := 40 * 24 * time.Hour

	// Orphan has fully decayed and nothing references it: forgotten.
	orphan, err := graph.UpsertNode(ctx, agedNode("user-1", types.NodeTypeNote, "note:orphan", "stale", old))
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}

	// Anchored pair has fully decayed nodes but a fresh edge between them:
	// both survive.
	a, err := graph.UpsertNode(ctx, agedNode("user-1", types.NodeTypeNote, "note:a", "a", old))
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}
	b, err := graph.UpsertNode(ctx, agedNode("user-1", types.NodeTypePerson, "person:b", "b", old))
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}
	if _, _, err := graph.CreateEdge(ctx, types.NewEdge("user-1", a.Node.ID, b.Node.ID, types.RelRelatesTo)); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}

	report, err := lc.Forget(ctx, "user-1")
	if err != nil {
		t.Fatalf("Forget() failed: %v", err)
	}
	if report.Deleted != 1 {
		t.Errorf("expected exactly the orphan to be forgotten, deleted=%d", report.Deleted)
	}

	gone, _ := graph.PeekNode(ctx, orphan.Node.ID)
	if !gone.SoftDeleted {
		t.Error("decayed orphan should be tombstoned")
	}
	kept, _ := graph.PeekNode(ctx, a.Node.ID)
	if kept.SoftDeleted {
		t.Error("node with a live edge must survive the forget pass")
	}
	if kept.RetentionScore >= 0.1 {
		t.Errorf("forget should persist the recomputed retention, got %f", kept.RetentionScore)
	}
}

func TestForget_NeverDeletesProtectedBeliefs(t *testing.T) {
	lc, graph := newTestLifecycle(t, &stubOracle{score: 0}, LifecycleParams{})
	ctx := context.Background()

	belief := agedNode("user-1", types.NodeTypeBelief, "belief:core", "original", 40*24*time.Hour)
	res, err := graph.UpsertNode(ctx, belief)
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}
	for _, text := range []string{"first revision", "second revision", "third revision"} {
		if _, err := graph.ReviseNode(ctx, "user-1", res.Node.ID, text, "test"); err != nil {
			t.Fatalf("ReviseNode() failed: %v", err)
		}
	}

	report, err := lc.Forget(ctx, "user-1")
	if err != nil {
		t.Fatalf("Forget() failed: %v", err)
	}
	if report.Skipped < 1 {
		t.Errorf("protected belief should be reported as skipped, got %d", report.Skipped)
	}

	kept, _ := graph.PeekNode(ctx, res.Node.ID)
	if kept.SoftDeleted {
		t.Error("a belief with more than two revisions must never be auto-deleted")
	}
}

func TestForget_DropsDecayedEdges(t *testing.T) {
	lc, graph := newTestLifecycle(t, &stubOracle{score: 0}, LifecycleParams{})
	ctx := context.Background()

	// Endpoints stay fresh; only the edge has decayed away.
	a, _ := graph.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypePerson, "person:a"))
	b, _ := graph.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypePerson, "person:b"))
	edge := types.NewEdge("user-1", a.Node.ID, b.Node.ID, types.RelRelatesTo)
	edge.CreatedAt = time.Now().Add(-60 * 24 * time.Hour).UTC()
	created, _, err := graph.CreateEdge(ctx, edge)
	if err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}

	report, err := lc.Forget(ctx, "user-1")
	if err != nil {
		t.Fatalf("Forget() failed: %v", err)
	}
	if report.Deleted != 1 {
		t.Errorf("expected the decayed edge to be dropped, deleted=%d", report.Deleted)
	}
	got, err := graph.GetEdge(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetEdge() failed: %v", err)
	}
	if !got.SoftDeleted {
		t.Error("decayed edge should be tombstoned")
	}
}

func TestDue_EnforcesPassPeriods(t *testing.T) {
	lc, graph := newTestLifecycle(t, &stubOracle{score: 0}, LifecycleParams{ForgetPeriod: time.Hour})
	ctx := context.Background()

	due, err := lc.Due(ctx, "user-1", storage.PassForget)
	if err != nil {
		t.Fatalf("Due() failed: %v", err)
	}
	if !due {
		t.Error("a pass that never ran should be due")
	}

	if err := graph.RecordPassRun(ctx, "user-1", storage.PassForget, time.Now().UTC()); err != nil {
		t.Fatalf("RecordPassRun() failed: %v", err)
	}
	due, err = lc.Due(ctx, "user-1", storage.PassForget)
	if err != nil {
		t.Fatalf("Due() failed: %v", err)
	}
	if due {
		t.Error("a pass that just ran should not be due inside its period")
	}

	if err := graph.RecordPassRun(ctx, "user-1", storage.PassForget, time.Now().Add(-2*time.Hour).UTC()); err != nil {
		t.Fatalf("RecordPassRun() failed: %v", err)
	}
	due, err = lc.Due(ctx, "user-1", storage.PassForget)
	if err != nil {
		t.Fatalf("Due() failed: %v", err)
	}
	if !due {
		t.Error("a pass past its period should be due")
	}
}

// mergeRejectingStore fails every merge so the compensation path runs.
type mergeRejectingStore struct {
	*sqlite.GraphStore
}

func (s *mergeRejectingStore) MergeNodes(ctx context.Context, userID, winnerID string, loserIDs []string) (*types.Node, error) {
	return nil, errors.New("merge unavailable")
}

func TestConsolidate_FailedMergeLeavesNoOrphan(t *testing.T) {
	store, err := sqlite.NewGraphStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	graph := NewGraph(&mergeRejectingStore{GraphStore: store}, store)
	collab := NewCollaborators(&stubOracle{score: 0.9}, nil, nil, fastParams())
	lc := NewLifecycle(graph, collab, NewDecayer(DecayParams{}), LifecycleParams{})
	ctx := context.Background()

	old := 14 * 24 * time.Hour
	var memberIDs []string
	for _, text := range []string{"slept badly", "bad sleep again", "another rough night"} {
		res, err := graph.UpsertNode(ctx, agedNode("user-1", types.NodeTypeNote, "", text, old))
		if err != nil {
			t.Fatalf("UpsertNode() failed: %v", err)
		}
		memberIDs = append(memberIDs, res.Node.ID)
	}

	report, err := lc.Consolidate(ctx, "user-1")
	if err != nil {
		t.Fatalf("Consolidate() failed: %v", err)
	}
	if report.Merged != 0 {
		t.Errorf("failed merge units must not count as merged, got %d", report.Merged)
	}

	// The promoted node was committed before the merge failed; the pass must
	// tombstone it instead of leaving an orphan for every future run.
	episodic, err := graph.QueryNodes(ctx, storage.NodeQuery{
		UserID:           "user-1",
		AbstractionLevel: types.AbstractionEpisodic,
	})
	if err != nil {
		t.Fatalf("QueryNodes() failed: %v", err)
	}
	if len(episodic) != 0 {
		t.Errorf("expected no live promoted node after a failed merge, got %d", len(episodic))
	}

	// The members stay live and eligible for the next run.
	for _, id := range memberIDs {
		n, err := graph.PeekNode(ctx, id)
		if err != nil {
			t.Fatalf("PeekNode() failed: %v", err)
		}
		if n.SoftDeleted {
			t.Errorf("member %s must survive a failed merge", id)
		}
	}

	// Both the promoted node's creation and its removal went through the
	// facade, so the history still replays cleanly.
	if err := graph.ReplayAndVerify(ctx, "user-1"); err != nil {
		t.Errorf("post-failure history should verify, got %v", err)
	}
}
