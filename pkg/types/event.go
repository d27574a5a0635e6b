package types

import (
	"encoding/json"
	"time"
)

// EventOp names the mutation an event records.
type EventOp string

// Event operation constants.
const (
	OpCreateNode     EventOp = "create_node"
	OpUpdateNode     EventOp = "update_node"
	OpSoftDeleteNode EventOp = "soft_delete_node"
	OpRestoreNode    EventOp = "restore_node"
	OpMergeNodes     EventOp = "merge_nodes"
	OpCreateEdge     EventOp = "create_edge"
	OpUpdateEdge     EventOp = "update_edge"
	OpSoftDeleteEdge EventOp = "soft_delete_edge"
	OpRecordMood     EventOp = "record_mood"
)

// ValidEventOps is a slice of all valid event operations for validation.
var ValidEventOps = []EventOp{
	OpCreateNode,
	OpUpdateNode,
	OpSoftDeleteNode,
	OpRestoreNode,
	OpMergeNodes,
	OpCreateEdge,
	OpUpdateEdge,
	OpSoftDeleteEdge,
	OpRecordMood,
}

// IsValidEventOp checks if the given event operation is valid.
func IsValidEventOp(op EventOp) bool {
	for _, valid := range ValidEventOps {
		if valid == op {
			return true
		}
	}
	return false
}

// Event is one immutable entry in a user's mutation ledger. Seq is the
// per-user sequence number assigned by the event log; replaying a user's
// events in Seq order reconstructs their graph exactly.
type Event struct {
	Seq       int64           `json:"seq"`
	UserID    string          `json:"user_id"`
	Op        EventOp         `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NodePayload is the payload for node-scoped events. Create and update
// events carry the full post-state of the node so replay needs no side
// lookups.
type NodePayload struct {
	Node *Node `json:"node"`
}

// EdgePayload is the payload for edge-scoped events.
type EdgePayload struct {
	Edge *Edge `json:"edge"`
}

// DeletePayload is the payload for soft-delete and restore events.
type DeletePayload struct {
	ID string `json:"id"`
}

// MergePayload is the payload for merge_nodes events. Winner carries the
// full post-merge state; LoserIDs lists the nodes tombstoned by the merge.
type MergePayload struct {
	Winner   *Node    `json:"winner"`
	LoserIDs []string `json:"loser_ids"`
}

// MoodPayload is the payload for record_mood events.
type MoodPayload struct {
	Snapshot *MoodSnapshot `json:"snapshot"`
}
