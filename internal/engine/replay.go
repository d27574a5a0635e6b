package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// replayPageSize is the cursor window for paging through the event log.
const replayPageSize = 500

// verifyQueryLimit bounds how much live state one verification loads.
const verifyQueryLimit = 5000

// shadowGraph is the pure in-memory reducer over a user's event sequence.
// Applying every event in order reconstructs the graph's structural state:
// nodes, edges, tombstones. Access counters and retention scores are derived
// state outside the log and are not modeled.
type shadowGraph struct {
	nodes map[string]*types.Node
	edges map[string]*types.Edge
}

func newShadowGraph() *shadowGraph {
	return &shadowGraph{
		nodes: make(map[string]*types.Node),
		edges: make(map[string]*types.Edge),
	}
}

func (sg *shadowGraph) apply(ev types.Event) error {
	switch ev.Op {
	case types.OpCreateNode, types.OpUpdateNode:
		var p types.NodePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Node == nil {
			return fmt.Errorf("seq %d: bad node payload: %v", ev.Seq, err)
		}
		sg.nodes[p.Node.ID] = p.Node.Clone()

	case types.OpSoftDeleteNode:
		var p types.DeletePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("seq %d: bad delete payload: %v", ev.Seq, err)
		}
		if n, ok := sg.nodes[p.ID]; ok {
			n.SoftDeleted = true
		}

	case types.OpRestoreNode:
		var p types.DeletePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("seq %d: bad restore payload: %v", ev.Seq, err)
		}
		if n, ok := sg.nodes[p.ID]; ok {
			n.SoftDeleted = false
		}

	case types.OpMergeNodes:
		var p types.MergePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Winner == nil {
			return fmt.Errorf("seq %d: bad merge payload: %v", ev.Seq, err)
		}
		sg.applyMerge(p)

	case types.OpCreateEdge, types.OpUpdateEdge:
		var p types.EdgePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Edge == nil {
			return fmt.Errorf("seq %d: bad edge payload: %v", ev.Seq, err)
		}
		sg.edges[p.Edge.ID] = p.Edge.Clone()

	case types.OpSoftDeleteEdge:
		var p types.DeletePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("seq %d: bad edge delete payload: %v", ev.Seq, err)
		}
		if e, ok := sg.edges[p.ID]; ok {
			e.SoftDeleted = true
		}

	case types.OpRecordMood:
		// Mood snapshots are append-only rows outside the graph structure.

	default:
		return fmt.Errorf("seq %d: unknown op %q", ev.Seq, ev.Op)
	}
	return nil
}

// applyMerge mirrors the store's merge semantics: winner gets its post-merge
// state, losers are tombstoned, edges are re-pointed, self-loops dropped,
// and parallel live triples deduplicated keeping the smallest edge ID.
func (sg *shadowGraph) applyMerge(p types.MergePayload) {
	sg.nodes[p.Winner.ID] = p.Winner.Clone()

	loserSet := make(map[string]bool, len(p.LoserIDs))
	for _, id := range p.LoserIDs {
		loserSet[id] = true
		if n, ok := sg.nodes[id]; ok {
			n.SoftDeleted = true
		}
	}

	for id, e := range sg.edges {
		if loserSet[e.SourceID] {
			e.SourceID = p.Winner.ID
		}
		if loserSet[e.TargetID] {
			e.TargetID = p.Winner.ID
		}
		if e.SourceID == p.Winner.ID && e.TargetID == p.Winner.ID {
			delete(sg.edges, id)
		}
	}

	// Dedup live triples touching the winner, keeping the smallest ID to
	// match the store.
	keep := make(map[string]string)
	for id, e := range sg.edges {
		if e.SoftDeleted {
			continue
		}
		triple := e.SourceID + "\x00" + e.TargetID + "\x00" + string(e.Relation)
		if kept, ok := keep[triple]; !ok || id < kept {
			keep[triple] = id
		}
	}
	for id, e := range sg.edges {
		if e.SoftDeleted || (e.SourceID != p.Winner.ID && e.TargetID != p.Winner.ID) {
			continue
		}
		triple := e.SourceID + "\x00" + e.TargetID + "\x00" + string(e.Relation)
		if keep[triple] != id {
			delete(sg.edges, id)
		}
	}
}

// ReplayAndVerify rebuilds a shadow graph from the user's event log and
// asserts it matches the live store. Read-only: a mismatch is reported as
// ErrIntegrityViolation and corrupts nothing. Not for the hot path.
func (g *Graph) ReplayAndVerify(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}

	shadow := newShadowGraph()
	var cursor int64
	for {
		events, err := g.log.Replay(ctx, userID, cursor, replayPageSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if err := shadow.apply(ev); err != nil {
				return fmt.Errorf("%w: %v", storage.ErrIntegrityViolation, err)
			}
			cursor = ev.Seq
		}
	}

	liveNodes, err := g.store.QueryNodes(ctx, storage.NodeQuery{
		UserID:         userID,
		IncludeDeleted: true,
		Limit:          verifyQueryLimit,
	})
	if err != nil {
		return err
	}
	liveEdges, err := g.store.QueryEdges(ctx, storage.EdgeQuery{
		UserID:         userID,
		IncludeDeleted: true,
		Limit:          verifyQueryLimit,
	})
	if err != nil {
		return err
	}

	if err := verifyNodes(shadow, liveNodes); err != nil {
		return err
	}
	return verifyEdges(shadow, liveEdges)
}

// verifyNodes compares structural node state: identity, type, natural key,
// texts, attributes, tombstones, consolidation lineage, revision history.
// Access counters, retention scores, and timestamps are derived state and
// excluded.
func verifyNodes(shadow *shadowGraph, live []*types.Node) error {
	liveByID := make(map[string]*types.Node, len(live))
	for _, n := range live {
		liveByID[n.ID] = n
	}

	for id, sn := range shadow.nodes {
		ln, ok := liveByID[id]
		if !ok {
			return fmt.Errorf("%w: node %s in log but not in store", storage.ErrIntegrityViolation, id)
		}
		if reason := nodeMismatch(sn, ln); reason != "" {
			return fmt.Errorf("%w: node %s: %s", storage.ErrIntegrityViolation, id, reason)
		}
	}
	for _, ln := range live {
		if _, ok := shadow.nodes[ln.ID]; !ok {
			return fmt.Errorf("%w: node %s in store but not in log", storage.ErrIntegrityViolation, ln.ID)
		}
	}
	return nil
}

func nodeMismatch(shadow, live *types.Node) string {
	switch {
	case shadow.Type != live.Type:
		return fmt.Sprintf("type %s != %s", shadow.Type, live.Type)
	case shadow.Key != live.Key:
		return fmt.Sprintf("key %q != %q", shadow.Key, live.Key)
	case shadow.Name != live.Name:
		return "name differs"
	case shadow.Text != live.Text:
		return "text differs"
	case shadow.SoftDeleted != live.SoftDeleted:
		return fmt.Sprintf("soft_deleted %v != %v", shadow.SoftDeleted, live.SoftDeleted)
	case shadow.AbstractionLevel != live.AbstractionLevel:
		return fmt.Sprintf("abstraction %s != %s", shadow.AbstractionLevel, live.AbstractionLevel)
	case !shadow.Attrs.Equal(live.Attrs):
		return "attrs differ"
	case !sameStringSet(shadow.ConsolidationSource, live.ConsolidationSource):
		return "consolidation_source differs"
	case len(shadow.RevisionHistory) != len(live.RevisionHistory):
		return "revision_history length differs"
	}
	for i := range shadow.RevisionHistory {
		if shadow.RevisionHistory[i].Text != live.RevisionHistory[i].Text {
			return fmt.Sprintf("revision %d text differs", i)
		}
	}
	return ""
}

// verifyEdges compares live edge triples as sets. Edge IDs are excluded so
// dedup tie-breaking differences cannot mask or fake a real divergence.
func verifyEdges(shadow *shadowGraph, live []*types.Edge) error {
	shadowTriples := make(map[string]bool)
	for _, e := range shadow.edges {
		if !e.SoftDeleted {
			shadowTriples[edgeTriple(e)] = true
		}
	}
	liveTriples := make(map[string]bool)
	for _, e := range live {
		if !e.SoftDeleted {
			liveTriples[edgeTriple(e)] = true
		}
	}

	for t := range shadowTriples {
		if !liveTriples[t] {
			return fmt.Errorf("%w: edge %s in log but not in store", storage.ErrIntegrityViolation, t)
		}
	}
	for t := range liveTriples {
		if !shadowTriples[t] {
			return fmt.Errorf("%w: edge %s in store but not in log", storage.ErrIntegrityViolation, t)
		}
	}
	return nil
}

func edgeTriple(e *types.Edge) string {
	return fmt.Sprintf("%s->%s[%s]", e.SourceID, e.TargetID, e.Relation)
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
