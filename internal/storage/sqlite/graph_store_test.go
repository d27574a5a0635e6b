package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// newTestStore creates an in-memory store with the full schema applied.
func newTestStore(t *testing.T) *GraphStore {
	t.Helper()
	store, err := NewGraphStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertNode_CreateThenMerge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := types.NewNode("user-1", types.NodeTypePerson, "person:anna")
	first.Name = "Anna"
	first.Attrs["city"] = types.Text("Berlin")

	res, err := store.UpsertNode(ctx, first)
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}
	if !res.Created {
		t.Error("first upsert should create")
	}

	// Bump the decay block so we can verify the merge preserves it.
	if _, err := store.GetNode(ctx, res.Node.ID); err != nil {
		t.Fatalf("GetNode() failed: %v", err)
	}

	second := types.NewNode("user-1", types.NodeTypePerson, "person:anna")
	second.Text = "met at the climbing gym"
	second.Attrs["city"] = types.Text("Hamburg")
	second.Attrs["age"] = types.Number(34)

	res2, err := store.UpsertNode(ctx, second)
	if err != nil {
		t.Fatalf("second UpsertNode() failed: %v", err)
	}
	if res2.Created {
		t.Error("same natural key should merge, not create")
	}
	if res2.Node.ID != res.Node.ID {
		t.Errorf("merge should keep the existing ID: got %s, want %s", res2.Node.ID, res.Node.ID)
	}
	if res2.Node.Name != "Anna" {
		t.Errorf("empty incoming name should not clear the existing one, got %q", res2.Node.Name)
	}
	if res2.Node.Text != "met at the climbing gym" {
		t.Errorf("non-empty incoming text should replace, got %q", res2.Node.Text)
	}
	if !res2.Node.Attrs["city"].Equal(types.Text("Hamburg")) {
		t.Error("incoming attribute keys should win")
	}
	if !res2.Node.Attrs["age"].Equal(types.Number(34)) {
		t.Error("new attribute keys should be added")
	}
	if res2.Node.AccessCount != 1 {
		t.Errorf("merge should preserve the decay block, access count = %d", res2.Node.AccessCount)
	}
}

func TestUpsertNode_EmptyKeyAlwaysCreates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := types.NewNode("user-1", types.NodeTypeNote, "")
	b := types.NewNode("user-1", types.NodeTypeNote, "")

	resA, err := store.UpsertNode(ctx, a)
	if err != nil {
		t.Fatalf("UpsertNode(a) failed: %v", err)
	}
	resB, err := store.UpsertNode(ctx, b)
	if err != nil {
		t.Fatalf("UpsertNode(b) failed: %v", err)
	}
	if !resA.Created || !resB.Created {
		t.Error("keyless nodes should always create")
	}
	if resA.Node.ID == resB.Node.ID {
		t.Error("keyless nodes should get distinct IDs")
	}
}

func TestUpsertNode_RejectsUnknownType(t *testing.T) {
	store := newTestStore(t)
	node := types.NewNode("user-1", types.NodeType("GADGET"), "")
	if _, err := store.UpsertNode(context.Background(), node); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("unknown type should be ErrInvalidInput, got %v", err)
	}
}

func TestGetNode_TouchesButPeekDoesNot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res, err := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeNote, ""))
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}

	peeked, err := store.PeekNode(ctx, res.Node.ID)
	if err != nil {
		t.Fatalf("PeekNode() failed: %v", err)
	}
	if peeked.AccessCount != 0 {
		t.Errorf("peek must not record an access, count = %d", peeked.AccessCount)
	}

	got, err := store.GetNode(ctx, res.Node.ID)
	if err != nil {
		t.Fatalf("GetNode() failed: %v", err)
	}
	if got.AccessCount != 1 || got.LastAccessedAt == nil {
		t.Errorf("get should record the access, count = %d", got.AccessCount)
	}

	again, _ := store.PeekNode(ctx, res.Node.ID)
	if again.AccessCount != 1 {
		t.Errorf("touch should persist, count = %d", again.AccessCount)
	}
}

func TestSoftDelete_FreesNaturalKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res, err := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeProject, "project:sail"))
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}
	if err := store.SoftDeleteNode(ctx, res.Node.ID); err != nil {
		t.Fatalf("SoftDeleteNode() failed: %v", err)
	}

	if _, err := store.FindNodeByKey(ctx, "user-1", types.NodeTypeProject, "project:sail"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("tombstoned node should not resolve by key, got %v", err)
	}

	// The key is free for a new live node.
	res2, err := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeProject, "project:sail"))
	if err != nil {
		t.Fatalf("re-upsert after delete failed: %v", err)
	}
	if !res2.Created || res2.Node.ID == res.Node.ID {
		t.Error("upsert after soft delete should create a fresh node")
	}

	// Restoring the old node now collides with the new occupant.
	if err := store.RestoreNode(ctx, res.Node.ID); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("restore into an occupied key should be ErrConflict, got %v", err)
	}
}

func TestRestoreNode_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res, err := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeGoal, "goal:run"))
	if err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}
	if err := store.SoftDeleteNode(ctx, res.Node.ID); err != nil {
		t.Fatalf("SoftDeleteNode() failed: %v", err)
	}
	if err := store.RestoreNode(ctx, res.Node.ID); err != nil {
		t.Fatalf("RestoreNode() failed: %v", err)
	}
	got, err := store.FindNodeByKey(ctx, "user-1", types.NodeTypeGoal, "goal:run")
	if err != nil {
		t.Fatalf("restored node should resolve by key: %v", err)
	}
	if got.ID != res.Node.ID {
		t.Error("restore should bring back the same node")
	}
}

func TestCreateEdge_RejectsDanglingAndTombstoned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	live, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypePerson, "person:a"))
	dead, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypePerson, "person:b"))
	if err := store.SoftDeleteNode(ctx, dead.Node.ID); err != nil {
		t.Fatalf("SoftDeleteNode() failed: %v", err)
	}

	_, _, err := store.CreateEdge(ctx, types.NewEdge("user-1", live.Node.ID, "missing", types.RelRelatesTo))
	if !errors.Is(err, storage.ErrDanglingReference) {
		t.Errorf("missing endpoint should be ErrDanglingReference, got %v", err)
	}

	_, _, err = store.CreateEdge(ctx, types.NewEdge("user-1", live.Node.ID, dead.Node.ID, types.RelRelatesTo))
	if !errors.Is(err, storage.ErrDanglingReference) {
		t.Errorf("tombstoned endpoint should be ErrDanglingReference, got %v", err)
	}
}

func TestCreateEdge_IdempotentTriple(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypePerson, "person:a"))
	b, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeProject, "project:p"))

	first, created, err := store.CreateEdge(ctx, types.NewEdge("user-1", a.Node.ID, b.Node.ID, types.RelOwnsProject))
	if err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	if !created {
		t.Error("first triple should create")
	}

	second, created, err := store.CreateEdge(ctx, types.NewEdge("user-1", a.Node.ID, b.Node.ID, types.RelOwnsProject))
	if err != nil {
		t.Fatalf("duplicate CreateEdge() failed: %v", err)
	}
	if created {
		t.Error("existing live triple should be a no-op")
	}
	if second.ID != first.ID {
		t.Errorf("no-op should return the stored edge: got %s, want %s", second.ID, first.ID)
	}

	// A different relation between the same endpoints is a distinct edge.
	_, created, err = store.CreateEdge(ctx, types.NewEdge("user-1", a.Node.ID, b.Node.ID, types.RelRelatesTo))
	if err != nil {
		t.Fatalf("CreateEdge() with different relation failed: %v", err)
	}
	if !created {
		t.Error("different relation should create a new edge")
	}
}

func TestMergeNodes_RepointsAndTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	winner, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeNote, "note:w"))
	loser, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeNote, "note:l"))
	other, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypePerson, "person:o"))

	// loser -> other must survive as winner -> other.
	// other -> loser must survive as other -> winner.
	// winner -> loser must vanish as a self-loop.
	if _, _, err := store.CreateEdge(ctx, types.NewEdge("user-1", loser.Node.ID, other.Node.ID, types.RelRelatesTo)); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	if _, _, err := store.CreateEdge(ctx, types.NewEdge("user-1", other.Node.ID, loser.Node.ID, types.RelDescribesEvent)); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	if _, _, err := store.CreateEdge(ctx, types.NewEdge("user-1", winner.Node.ID, loser.Node.ID, types.RelRelatesTo)); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}

	merged, err := store.MergeNodes(ctx, "user-1", winner.Node.ID, []string{loser.Node.ID})
	if err != nil {
		t.Fatalf("MergeNodes() failed: %v", err)
	}
	if merged.ID != winner.Node.ID {
		t.Error("merge should return the winner")
	}
	found := false
	for _, src := range merged.ConsolidationSource {
		if src == loser.Node.ID {
			found = true
		}
	}
	if !found {
		t.Error("winner should record the loser in consolidation_source")
	}

	gone, err := store.PeekNode(ctx, loser.Node.ID)
	if err != nil {
		t.Fatalf("PeekNode(loser) failed: %v", err)
	}
	if !gone.SoftDeleted {
		t.Error("loser should be tombstoned")
	}

	edges, err := store.QueryEdges(ctx, storage.EdgeQuery{UserID: "user-1"})
	if err != nil {
		t.Fatalf("QueryEdges() failed: %v", err)
	}
	triples := make(map[string]bool)
	for _, e := range edges {
		triples[e.SourceID+"->"+e.TargetID+":"+string(e.Relation)] = true
		if e.SourceID == loser.Node.ID || e.TargetID == loser.Node.ID {
			t.Errorf("live edge still references the loser: %+v", e)
		}
		if e.SourceID == e.TargetID {
			t.Errorf("merge left a self-loop: %+v", e)
		}
	}
	if !triples[winner.Node.ID+"->"+other.Node.ID+":"+string(types.RelRelatesTo)] {
		t.Error("outgoing loser edge should be repointed to the winner")
	}
	if !triples[other.Node.ID+"->"+winner.Node.ID+":"+string(types.RelDescribesEvent)] {
		t.Error("incoming loser edge should be repointed to the winner")
	}
}

func TestMergeNodes_DeduplicatesParallelEdges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	winner, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeNote, "note:w"))
	loser, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeNote, "note:l"))
	target, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypePerson, "person:t"))

	// Both winner and loser point at target with the same relation; after the
	// merge exactly one edge of that triple must remain.
	if _, _, err := store.CreateEdge(ctx, types.NewEdge("user-1", winner.Node.ID, target.Node.ID, types.RelRelatesTo)); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	if _, _, err := store.CreateEdge(ctx, types.NewEdge("user-1", loser.Node.ID, target.Node.ID, types.RelRelatesTo)); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}

	if _, err := store.MergeNodes(ctx, "user-1", winner.Node.ID, []string{loser.Node.ID}); err != nil {
		t.Fatalf("MergeNodes() failed: %v", err)
	}

	edges, err := store.QueryEdges(ctx, storage.EdgeQuery{
		UserID:   "user-1",
		SourceID: winner.Node.ID,
		Relation: types.RelRelatesTo,
	})
	if err != nil {
		t.Fatalf("QueryEdges() failed: %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("expected exactly one deduplicated edge, got %d", len(edges))
	}
}

func TestMergeNodes_LosersSharingNeighborCollapse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	winner, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeNote, "note:w"))
	loserA, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeNote, "note:a"))
	loserC, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeNote, "note:c"))
	shared, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypePerson, "person:b"))

	// Both losers reference the same neighbor; re-pointing them must not trip
	// the live-triple unique index.
	if _, _, err := store.CreateEdge(ctx, types.NewEdge("user-1", loserA.Node.ID, shared.Node.ID, types.RelRelatesTo)); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	if _, _, err := store.CreateEdge(ctx, types.NewEdge("user-1", loserC.Node.ID, shared.Node.ID, types.RelRelatesTo)); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	// Incoming side as well.
	if _, _, err := store.CreateEdge(ctx, types.NewEdge("user-1", shared.Node.ID, loserA.Node.ID, types.RelDescribesEvent)); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	if _, _, err := store.CreateEdge(ctx, types.NewEdge("user-1", shared.Node.ID, loserC.Node.ID, types.RelDescribesEvent)); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}

	if _, err := store.MergeNodes(ctx, "user-1", winner.Node.ID, []string{loserA.Node.ID, loserC.Node.ID}); err != nil {
		t.Fatalf("MergeNodes() failed: %v", err)
	}

	outgoing, err := store.QueryEdges(ctx, storage.EdgeQuery{
		UserID:   "user-1",
		SourceID: winner.Node.ID,
		Relation: types.RelRelatesTo,
	})
	if err != nil {
		t.Fatalf("QueryEdges() failed: %v", err)
	}
	if len(outgoing) != 1 || outgoing[0].TargetID != shared.Node.ID {
		t.Errorf("expected one winner->shared edge, got %d", len(outgoing))
	}

	incoming, err := store.QueryEdges(ctx, storage.EdgeQuery{
		UserID:   "user-1",
		TargetID: winner.Node.ID,
		Relation: types.RelDescribesEvent,
	})
	if err != nil {
		t.Fatalf("QueryEdges() failed: %v", err)
	}
	if len(incoming) != 1 || incoming[0].SourceID != shared.Node.ID {
		t.Errorf("expected one shared->winner edge, got %d", len(incoming))
	}
}

func TestQueryNodes_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := types.NewNode("user-1", types.NodeTypeNote, "note:old")
	old.CreatedAt = time.Now().Add(-10 * 24 * time.Hour).UTC()
	fresh := types.NewNode("user-1", types.NodeTypeNote, "note:fresh")
	person := types.NewNode("user-1", types.NodeTypePerson, "person:x")
	foreign := types.NewNode("user-2", types.NodeTypeNote, "note:foreign")

	for _, n := range []*types.Node{old, fresh, person, foreign} {
		if _, err := store.UpsertNode(ctx, n); err != nil {
			t.Fatalf("UpsertNode() failed: %v", err)
		}
	}

	notes, err := store.QueryNodes(ctx, storage.NodeQuery{
		UserID: "user-1",
		Types:  []types.NodeType{types.NodeTypeNote},
	})
	if err != nil {
		t.Fatalf("QueryNodes() failed: %v", err)
	}
	if len(notes) != 2 {
		t.Errorf("expected 2 notes for user-1, got %d", len(notes))
	}

	aged, err := store.QueryNodes(ctx, storage.NodeQuery{
		UserID:        "user-1",
		CreatedBefore: time.Now().Add(-72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("QueryNodes() failed: %v", err)
	}
	if len(aged) != 1 || aged[0].Key != "note:old" {
		t.Errorf("CreatedBefore should select only the old node, got %d", len(aged))
	}

	prefixed, err := store.QueryNodes(ctx, storage.NodeQuery{UserID: "user-1", KeyPrefix: "note:"})
	if err != nil {
		t.Fatalf("QueryNodes() failed: %v", err)
	}
	if len(prefixed) != 2 {
		t.Errorf("key prefix should match both notes, got %d", len(prefixed))
	}

	if _, err := store.QueryNodes(ctx, storage.NodeQuery{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("missing user_id should be ErrInvalidInput, got %v", err)
	}
}

func TestQueryNodes_TouchFlag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res, _ := store.UpsertNode(ctx, types.NewNode("user-1", types.NodeTypeNote, "note:a"))

	if _, err := store.QueryNodes(ctx, storage.NodeQuery{UserID: "user-1"}); err != nil {
		t.Fatalf("QueryNodes() failed: %v", err)
	}
	n, _ := store.PeekNode(ctx, res.Node.ID)
	if n.AccessCount != 0 {
		t.Error("housekeeping query must not touch")
	}

	if _, err := store.QueryNodes(ctx, storage.NodeQuery{UserID: "user-1", Touch: true}); err != nil {
		t.Fatalf("QueryNodes(touch) failed: %v", err)
	}
	n, _ = store.PeekNode(ctx, res.Node.ID)
	if n.AccessCount != 1 {
		t.Errorf("touching query should record the access, count = %d", n.AccessCount)
	}
}

func TestListUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertNode(ctx, types.NewNode("user-b", types.NodeTypeNote, "")); err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}
	if _, err := store.UpsertNode(ctx, types.NewNode("user-a", types.NodeTypeNote, "")); err != nil {
		t.Fatalf("UpsertNode() failed: %v", err)
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers() failed: %v", err)
	}
	if len(users) != 2 || users[0] != "user-a" || users[1] != "user-b" {
		t.Errorf("expected sorted [user-a user-b], got %v", users)
	}
}

func TestRecordMood_AndTrend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Hour).UTC()
	for i, valence := range []float64{-0.5, 0.5} {
		snap := types.NewMoodSnapshot("user-1")
		snap.ValenceAvg = valence
		snap.Timestamp = base.Add(time.Duration(i) * time.Hour)
		if err := store.RecordMood(ctx, snap); err != nil {
			t.Fatalf("RecordMood() failed: %v", err)
		}
	}

	moods, err := store.RecentMoods(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("RecentMoods() failed: %v", err)
	}
	if len(moods) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(moods))
	}
	if moods[0].Timestamp.Before(moods[1].Timestamp) {
		t.Error("recent moods should be newest first")
	}

	trend, err := store.MoodTrend(ctx, "user-1", base.Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("MoodTrend() failed: %v", err)
	}
	if trend.Snapshots != 2 {
		t.Errorf("trend should cover both snapshots, got %d", trend.Snapshots)
	}
	if trend.ValenceAvg != 0 {
		t.Errorf("valence average should be 0, got %f", trend.ValenceAvg)
	}
}

func TestPassRun_Bookkeeping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetPassRun(ctx, "user-1", storage.PassForget); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("never-run pass should be ErrNotFound, got %v", err)
	}

	first := time.Now().Add(-time.Hour).UTC()
	if err := store.RecordPassRun(ctx, "user-1", storage.PassForget, first); err != nil {
		t.Fatalf("RecordPassRun() failed: %v", err)
	}
	if err := store.RecordPassRun(ctx, "user-1", storage.PassForget, time.Now().UTC()); err != nil {
		t.Fatalf("RecordPassRun() failed: %v", err)
	}

	run, err := store.GetPassRun(ctx, "user-1", storage.PassForget)
	if err != nil {
		t.Fatalf("GetPassRun() failed: %v", err)
	}
	if run.Runs != 2 {
		t.Errorf("run counter should be 2, got %d", run.Runs)
	}
	if !run.LastRunAt.After(first) {
		t.Error("last run timestamp should advance")
	}
}
