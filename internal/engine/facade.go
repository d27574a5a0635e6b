package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// appendAttempts bounds the retries on an event-log sequence race before the
// mutation is rolled back and surfaced as transient.
const appendAttempts = 3

// Graph is the event-sourced facade over a GraphStore and an EventLog. It is
// the only component that writes to both: every accepted mutation is a store
// write plus a log append, and if the append fails after bounded retries the
// store effect is undone with a compensating inverse. Store state and log
// state never diverge.
//
// Structural mutations (merge, delete, restore, revise) take a per-user
// exclusive section. Reads and plain upserts run concurrently; natural-key
// races are absorbed by the store's retry-as-upsert.
//
// Retention scores and access counters are derived state recomputed from
// timestamps already in the log, so writes to them are not evented and
// ReplayAndVerify ignores them.
type Graph struct {
	store storage.GraphStore
	log   storage.EventLog

	locks sync.Map // userID -> *sync.Mutex

	// observer, when set, receives every event accepted into the log.
	// Best-effort tap for live tails; must not block.
	observer func(types.Event)
}

// NewGraph wires a facade over the given store and log. The two are usually
// the same backend value implementing both interfaces.
func NewGraph(store storage.GraphStore, eventLog storage.EventLog) *Graph {
	return &Graph{store: store, log: eventLog}
}

// Store exposes the underlying store for composition roots.
func (g *Graph) Store() storage.GraphStore { return g.store }

// SetObserver installs the accepted-event tap. Call before serving traffic.
func (g *Graph) SetObserver(fn func(types.Event)) { g.observer = fn }

// lockUser enters the user's exclusive section and returns the release func.
func (g *Graph) lockUser(userID string) func() {
	v, _ := g.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// appendEvent appends with bounded retry on sequence races. Exhausted
// retries surface as ErrTransientFailure; the caller rolls back the store
// effect.
func (g *Graph) appendEvent(ctx context.Context, userID string, op types.EventOp, payload any) (int64, error) {
	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		var seq int64
		seq, err = g.log.Append(ctx, userID, op, payload)
		if err == nil {
			g.notifyObserver(userID, seq, op, payload)
			return seq, nil
		}
		if !errors.Is(err, storage.ErrAppendConflict) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: event append for %s exhausted %d attempts: %v",
		storage.ErrTransientFailure, op, appendAttempts, err)
}

func (g *Graph) notifyObserver(userID string, seq int64, op types.EventOp, payload any) {
	if g.observer == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	g.observer(types.Event{
		Seq:       seq,
		UserID:    userID,
		Op:        op,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
}

// ── Node mutations ────────────────────────────────────────────────

// UpsertNode creates or merges a node and logs the mutation.
func (g *Graph) UpsertNode(ctx context.Context, node *types.Node) (*storage.UpsertResult, error) {
	if node == nil || node.UserID == "" {
		return nil, fmt.Errorf("%w: node and user_id are required", storage.ErrInvalidInput)
	}
	defer g.lockUser(node.UserID)()
	return g.upsertNodeLocked(ctx, node)
}

func (g *Graph) upsertNodeLocked(ctx context.Context, node *types.Node) (*storage.UpsertResult, error) {
	prior, err := g.peekUpsertTarget(ctx, node)
	if err != nil {
		return nil, err
	}

	res, err := g.store.UpsertNode(ctx, node)
	if err != nil {
		return nil, err
	}

	op := types.OpUpdateNode
	if res.Created {
		op = types.OpCreateNode
	}
	if _, err := g.appendEvent(ctx, node.UserID, op, types.NodePayload{Node: res.Node}); err != nil {
		g.rollbackNode(ctx, res.Node.ID, prior, res.Created)
		return nil, err
	}
	return res, nil
}

// UpsertNodes applies a batch of upserts as one logical unit, logging one
// event per node.
func (g *Graph) UpsertNodes(ctx context.Context, userID string, nodes []*types.Node) ([]*storage.UpsertResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}
	defer g.lockUser(userID)()

	priors := make([]*types.Node, len(nodes))
	for i, node := range nodes {
		if node == nil || node.UserID != userID {
			return nil, fmt.Errorf("%w: batch nodes must share user_id", storage.ErrInvalidInput)
		}
		prior, err := g.peekUpsertTarget(ctx, node)
		if err != nil {
			return nil, err
		}
		priors[i] = prior
	}

	results, err := g.store.UpsertNodes(ctx, nodes)
	if err != nil {
		return nil, err
	}

	for i, res := range results {
		op := types.OpUpdateNode
		if res.Created {
			op = types.OpCreateNode
		}
		if _, err := g.appendEvent(ctx, userID, op, types.NodePayload{Node: res.Node}); err != nil {
			// Roll back the unlogged tail only. Nodes whose events made it
			// into the log stay committed; undoing them would leave log
			// entries with no matching store state.
			for j := len(results) - 1; j >= i; j-- {
				g.rollbackNode(ctx, results[j].Node.ID, priors[j], results[j].Created)
			}
			return nil, err
		}
	}
	return results, nil
}

// peekUpsertTarget captures the pre-image an upsert would merge into, or nil
// when the upsert will create.
func (g *Graph) peekUpsertTarget(ctx context.Context, node *types.Node) (*types.Node, error) {
	var (
		prior *types.Node
		err   error
	)
	if node.Key != "" {
		prior, err = g.store.PeekNodeByKey(ctx, node.UserID, node.Type, node.Key)
	} else if node.ID != "" {
		prior, err = g.store.PeekNode(ctx, node.ID)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return prior, nil
}

// rollbackNode undoes a node write: created rows are removed, updated rows
// get their pre-image back.
func (g *Graph) rollbackNode(ctx context.Context, id string, prior *types.Node, created bool) {
	var err error
	if created {
		err = g.store.HardDeleteNode(ctx, id)
	} else if prior != nil {
		err = g.store.PutNode(ctx, prior)
	}
	if err != nil {
		log.Printf("engine: compensating rollback for node %s failed: %v", id, err)
	}
}

// SoftDeleteNode tombstones a node and logs the mutation. Deleting an
// already-tombstoned node is a no-op.
func (g *Graph) SoftDeleteNode(ctx context.Context, userID, id string) error {
	defer g.lockUser(userID)()

	prior, err := g.store.PeekNode(ctx, id)
	if err != nil {
		return err
	}
	if prior.SoftDeleted {
		return nil
	}
	if err := g.store.SoftDeleteNode(ctx, id); err != nil {
		return err
	}
	if _, err := g.appendEvent(ctx, userID, types.OpSoftDeleteNode, types.DeletePayload{ID: id}); err != nil {
		if rerr := g.store.PutNode(ctx, prior); rerr != nil {
			log.Printf("engine: compensating rollback for node %s failed: %v", id, rerr)
		}
		return err
	}
	return nil
}

// RestoreNode clears a node's tombstone and logs the mutation.
func (g *Graph) RestoreNode(ctx context.Context, userID, id string) error {
	defer g.lockUser(userID)()

	prior, err := g.store.PeekNode(ctx, id)
	if err != nil {
		return err
	}
	if !prior.SoftDeleted {
		return nil
	}
	if err := g.store.RestoreNode(ctx, id); err != nil {
		return err
	}
	if _, err := g.appendEvent(ctx, userID, types.OpRestoreNode, types.DeletePayload{ID: id}); err != nil {
		if rerr := g.store.PutNode(ctx, prior); rerr != nil {
			log.Printf("engine: compensating rollback for node %s failed: %v", id, rerr)
		}
		return err
	}
	return nil
}

// ReviseNode rewrites a node's text, appending the prior text to the
// revision history. The history is append-only; the old wording is never
// discarded.
func (g *Graph) ReviseNode(ctx context.Context, userID, id, newText, reason string) (*types.Node, error) {
	defer g.lockUser(userID)()

	prior, err := g.store.PeekNode(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	revised := prior.Clone()
	revised.RevisionHistory = append(revised.RevisionHistory, types.Revision{
		Text:      prior.Text,
		Timestamp: now,
		Reason:    reason,
	})
	revised.Text = newText
	revised.UpdatedAt = now

	if err := g.store.PutNode(ctx, revised); err != nil {
		return nil, err
	}
	if _, err := g.appendEvent(ctx, userID, types.OpUpdateNode, types.NodePayload{Node: revised}); err != nil {
		if rerr := g.store.PutNode(ctx, prior); rerr != nil {
			log.Printf("engine: compensating rollback for node %s failed: %v", id, rerr)
		}
		return nil, err
	}
	return revised, nil
}

// MergeNodes merges losers into the winner atomically and logs the merge.
// The store transaction covers the structural change; the compensating path
// restores the snapshot of every touched node and edge if the append fails.
func (g *Graph) MergeNodes(ctx context.Context, userID, winnerID string, loserIDs []string) (*types.Node, error) {
	defer g.lockUser(userID)()

	ids := append([]string{winnerID}, loserIDs...)
	nodeSnap := make([]*types.Node, 0, len(ids))
	for _, id := range ids {
		node, err := g.store.PeekNode(ctx, id)
		if err != nil {
			return nil, err
		}
		nodeSnap = append(nodeSnap, node)
	}
	edgeSnap, err := g.snapshotEdges(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	winner, err := g.store.MergeNodes(ctx, userID, winnerID, loserIDs)
	if err != nil {
		return nil, err
	}

	payload := types.MergePayload{Winner: winner, LoserIDs: loserIDs}
	if _, err := g.appendEvent(ctx, userID, types.OpMergeNodes, payload); err != nil {
		for _, node := range nodeSnap {
			if rerr := g.store.PutNode(ctx, node); rerr != nil {
				log.Printf("engine: merge rollback for node %s failed: %v", node.ID, rerr)
			}
		}
		for _, edge := range edgeSnap {
			if rerr := g.store.PutEdge(ctx, edge); rerr != nil {
				log.Printf("engine: merge rollback for edge %s failed: %v", edge.ID, rerr)
			}
		}
		return nil, err
	}
	return winner, nil
}

// snapshotEdges collects every edge touching any of the ids, tombstoned
// rows included. A merge only modifies or removes edges in this set.
func (g *Graph) snapshotEdges(ctx context.Context, userID string, ids []string) ([]*types.Edge, error) {
	seen := make(map[string]bool)
	var snap []*types.Edge
	for _, id := range ids {
		for _, q := range []storage.EdgeQuery{
			{UserID: userID, SourceID: id, IncludeDeleted: true, Limit: 10000},
			{UserID: userID, TargetID: id, IncludeDeleted: true, Limit: 10000},
		} {
			edges, err := g.store.QueryEdges(ctx, q)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if !seen[e.ID] {
					seen[e.ID] = true
					snap = append(snap, e)
				}
			}
		}
	}
	return snap, nil
}

// ── Edge mutations ────────────────────────────────────────────────

// CreateEdge stores an edge and logs the mutation. An existing live triple
// is an idempotent no-op and is not logged.
func (g *Graph) CreateEdge(ctx context.Context, edge *types.Edge) (*types.Edge, bool, error) {
	if edge == nil || edge.UserID == "" {
		return nil, false, fmt.Errorf("%w: edge and user_id are required", storage.ErrInvalidInput)
	}
	defer g.lockUser(edge.UserID)()

	created, wasNew, err := g.store.CreateEdge(ctx, edge)
	if err != nil {
		return nil, false, err
	}
	if !wasNew {
		return created, false, nil
	}
	if _, err := g.appendEvent(ctx, edge.UserID, types.OpCreateEdge, types.EdgePayload{Edge: created}); err != nil {
		if rerr := g.store.HardDeleteEdge(ctx, created.ID); rerr != nil {
			log.Printf("engine: compensating rollback for edge %s failed: %v", created.ID, rerr)
		}
		return nil, false, err
	}
	return created, true, nil
}

// SoftDeleteEdge tombstones an edge and logs the mutation.
func (g *Graph) SoftDeleteEdge(ctx context.Context, userID, id string) error {
	defer g.lockUser(userID)()

	prior, err := g.store.GetEdge(ctx, id)
	if err != nil {
		return err
	}
	if prior.SoftDeleted {
		return nil
	}
	if err := g.store.SoftDeleteEdge(ctx, id); err != nil {
		return err
	}
	if _, err := g.appendEvent(ctx, userID, types.OpSoftDeleteEdge, types.DeletePayload{ID: id}); err != nil {
		if rerr := g.store.PutEdge(ctx, prior); rerr != nil {
			log.Printf("engine: compensating rollback for edge %s failed: %v", id, rerr)
		}
		return err
	}
	return nil
}

// ── Mood ──────────────────────────────────────────────────────────

// RecordMood stores a mood snapshot and logs the mutation.
func (g *Graph) RecordMood(ctx context.Context, snap *types.MoodSnapshot) error {
	if snap == nil || snap.UserID == "" {
		return fmt.Errorf("%w: snapshot and user_id are required", storage.ErrInvalidInput)
	}
	defer g.lockUser(snap.UserID)()

	if err := g.store.RecordMood(ctx, snap); err != nil {
		return err
	}
	if _, err := g.appendEvent(ctx, snap.UserID, types.OpRecordMood, types.MoodPayload{Snapshot: snap}); err != nil {
		if rerr := g.store.HardDeleteMood(ctx, snap.ID); rerr != nil {
			log.Printf("engine: compensating rollback for mood %s failed: %v", snap.ID, rerr)
		}
		return err
	}
	return nil
}

// ── Read and maintenance passthroughs ─────────────────────────────

// GetNode retrieves a node by ID and records the access.
func (g *Graph) GetNode(ctx context.Context, id string) (*types.Node, error) {
	return g.store.GetNode(ctx, id)
}

// PeekNode retrieves a node by ID without recording an access.
func (g *Graph) PeekNode(ctx context.Context, id string) (*types.Node, error) {
	return g.store.PeekNode(ctx, id)
}

// FindNodeByKey retrieves the live node with the given natural key.
func (g *Graph) FindNodeByKey(ctx context.Context, userID string, nodeType types.NodeType, key string) (*types.Node, error) {
	return g.store.FindNodeByKey(ctx, userID, nodeType, key)
}

// GetNodesByIDs retrieves the user's nodes matching ids.
func (g *Graph) GetNodesByIDs(ctx context.Context, userID string, ids []string) ([]*types.Node, error) {
	return g.store.GetNodesByIDs(ctx, userID, ids)
}

// QueryNodes returns nodes matching the query.
func (g *Graph) QueryNodes(ctx context.Context, q storage.NodeQuery) ([]*types.Node, error) {
	return g.store.QueryNodes(ctx, q)
}

// ListUsers returns the distinct user IDs with at least one node.
func (g *Graph) ListUsers(ctx context.Context) ([]string, error) {
	return g.store.ListUsers(ctx)
}

// GetEdge retrieves an edge by ID.
func (g *Graph) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	return g.store.GetEdge(ctx, id)
}

// QueryEdges returns edges matching the query.
func (g *Graph) QueryEdges(ctx context.Context, q storage.EdgeQuery) ([]*types.Edge, error) {
	return g.store.QueryEdges(ctx, q)
}

// RecentMoods returns the newest mood snapshots for a user.
func (g *Graph) RecentMoods(ctx context.Context, userID string, limit int) ([]*types.MoodSnapshot, error) {
	return g.store.RecentMoods(ctx, userID, limit)
}

// MoodTrend aggregates mood snapshots inside [from, to].
func (g *Graph) MoodTrend(ctx context.Context, userID string, from, to time.Time) (*types.MoodTrend, error) {
	return g.store.MoodTrend(ctx, userID, from, to)
}

// SetNodeRetention writes a recomputed retention score (derived state, not
// evented).
func (g *Graph) SetNodeRetention(ctx context.Context, id string, score float64) error {
	return g.store.SetNodeRetention(ctx, id, score)
}

// SetEdgeRetention writes a recomputed retention score (derived state, not
// evented).
func (g *Graph) SetEdgeRetention(ctx context.Context, id string, score float64) error {
	return g.store.SetEdgeRetention(ctx, id, score)
}

// GetPassRun returns lifecycle bookkeeping for (user, pass).
func (g *Graph) GetPassRun(ctx context.Context, userID string, pass storage.PassKind) (*storage.PassRun, error) {
	return g.store.GetPassRun(ctx, userID, pass)
}

// RecordPassRun upserts lifecycle bookkeeping for (user, pass).
func (g *Graph) RecordPassRun(ctx context.Context, userID string, pass storage.PassKind, at time.Time) error {
	return g.store.RecordPassRun(ctx, userID, pass, at)
}

// LastSeq returns the user's highest event sequence number.
func (g *Graph) LastSeq(ctx context.Context, userID string) (int64, error) {
	return g.log.LastSeq(ctx, userID)
}

// Replay returns up to limit events with seq > fromSeq in sequence order.
func (g *Graph) Replay(ctx context.Context, userID string, fromSeq int64, limit int) ([]types.Event, error) {
	return g.log.Replay(ctx, userID, fromSeq, limit)
}
