package types

import (
	"testing"
	"time"
)

func TestNewNode_Defaults(t *testing.T) {
	n := NewNode("user-1", NodeTypePerson, "person:anna")
	if n.ID == "" {
		t.Error("new node should have an ID")
	}
	if n.RetentionScore != 1.0 {
		t.Errorf("new node retention should be 1.0, got %f", n.RetentionScore)
	}
	if n.AbstractionLevel != AbstractionRaw {
		t.Errorf("new node should be raw, got %s", n.AbstractionLevel)
	}
	if n.AccessCount != 0 || n.LastAccessedAt != nil {
		t.Error("new node should have zero accesses")
	}
}

func TestNode_Touch(t *testing.T) {
	n := NewNode("user-1", NodeTypeNote, "")
	now := time.Now()
	n.Touch(now)
	n.Touch(now.Add(time.Minute))

	if n.AccessCount != 2 {
		t.Errorf("access count should be 2, got %d", n.AccessCount)
	}
	if n.LastAccessedAt == nil || !n.LastAccessedAt.Equal(now.Add(time.Minute).UTC()) {
		t.Errorf("last accessed should track the latest touch, got %v", n.LastAccessedAt)
	}
}

func TestNode_EnsureDefaults(t *testing.T) {
	n := &Node{ID: "n1", UserID: "user-1", Type: NodeTypeNote}
	n.EnsureDefaults()

	if n.AbstractionLevel != AbstractionRaw {
		t.Errorf("abstraction level should default to raw, got %q", n.AbstractionLevel)
	}
	if n.RetentionScore != 1.0 {
		t.Errorf("retention should default to 1.0, got %f", n.RetentionScore)
	}
	if n.Attrs == nil {
		t.Error("attrs should default to an empty bag")
	}

	// A node that genuinely decayed to zero keeps its score.
	accessed := time.Now()
	decayed := &Node{ID: "n2", RetentionScore: 0, AccessCount: 3, LastAccessedAt: &accessed}
	decayed.EnsureDefaults()
	if decayed.RetentionScore != 0 {
		t.Errorf("decayed retention should stay 0, got %f", decayed.RetentionScore)
	}
}

func TestNode_CloneIsDeep(t *testing.T) {
	n := NewNode("user-1", NodeTypeBelief, "belief:b1")
	n.Attrs["tags"] = List("a", "b")
	n.ConsolidationSource = []string{"x"}
	n.RevisionHistory = []Revision{{Text: "old", Timestamp: time.Now()}}
	n.Embedding = []float32{0.1, 0.2}

	c := n.Clone()
	c.Attrs["tags"] = List("changed")
	c.ConsolidationSource[0] = "y"
	c.RevisionHistory[0].Text = "mutated"
	c.Embedding[0] = 9

	if n.Attrs["tags"].List[0] != "a" {
		t.Error("clone mutated original attrs")
	}
	if n.ConsolidationSource[0] != "x" {
		t.Error("clone mutated original consolidation source")
	}
	if n.RevisionHistory[0].Text != "old" {
		t.Error("clone mutated original revision history")
	}
	if n.Embedding[0] != 0.1 {
		t.Error("clone mutated original embedding")
	}
}

func TestNode_Protected(t *testing.T) {
	belief := NewNode("user-1", NodeTypeBelief, "")
	if belief.Protected() {
		t.Error("belief with no revisions should not be protected")
	}
	belief.RevisionHistory = []Revision{{}, {}, {}}
	if !belief.Protected() {
		t.Error("belief with three revisions should be protected")
	}

	note := NewNode("user-1", NodeTypeNote, "")
	note.RevisionHistory = []Revision{{}, {}, {}}
	if note.Protected() {
		t.Error("non-belief-like node should never be protected")
	}
}
