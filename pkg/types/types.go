// Package types defines the core data structures for the mnemo knowledge
// graph: typed nodes and edges, the immutable event record, tagged-variant
// attribute values, and the decay metadata that drives the memory lifecycle.
package types

// NodeType classifies a node as a kind of fact about a user.
type NodeType string

// Node type constants.
const (
	NodeTypePerson  NodeType = "PERSON"
	NodeTypeNote    NodeType = "NOTE"
	NodeTypeProject NodeType = "PROJECT"
	NodeTypeTask    NodeType = "TASK"
	NodeTypeGoal    NodeType = "GOAL"
	NodeTypeBelief  NodeType = "BELIEF"
	NodeTypeThought NodeType = "THOUGHT"
	NodeTypeInsight NodeType = "INSIGHT"
	NodeTypeValue   NodeType = "VALUE"
	NodeTypeNeed    NodeType = "NEED"
	NodeTypePart    NodeType = "PART"
	NodeTypeEvent   NodeType = "EVENT"
	NodeTypeEmotion NodeType = "EMOTION"
)

// ValidNodeTypes is a slice of all valid node types for validation.
var ValidNodeTypes = []NodeType{
	NodeTypePerson,
	NodeTypeNote,
	NodeTypeProject,
	NodeTypeTask,
	NodeTypeGoal,
	NodeTypeBelief,
	NodeTypeThought,
	NodeTypeInsight,
	NodeTypeValue,
	NodeTypeNeed,
	NodeTypePart,
	NodeTypeEvent,
	NodeTypeEmotion,
}

// IsValidNodeType checks if the given node type is valid.
func IsValidNodeType(t NodeType) bool {
	for _, valid := range ValidNodeTypes {
		if valid == t {
			return true
		}
	}
	return false
}

// BeliefLikeTypes are the node types the reconsolidation engine screens for
// contradictions and the forget pass protects from automatic deletion.
var BeliefLikeTypes = []NodeType{
	NodeTypeBelief,
	NodeTypeNeed,
	NodeTypeValue,
}

// IsBeliefLike reports whether t participates in reconsolidation and the
// protected-node rule.
func IsBeliefLike(t NodeType) bool {
	for _, b := range BeliefLikeTypes {
		if b == t {
			return true
		}
	}
	return false
}

// RelationType classifies a directed edge between two nodes.
type RelationType string

// Relation type constants.
const (
	RelHasValue       RelationType = "HAS_VALUE"
	RelHoldsBelief    RelationType = "HOLDS_BELIEF"
	RelHasNeed        RelationType = "HAS_NEED"
	RelOwnsProject    RelationType = "OWNS_PROJECT"
	RelHasTask        RelationType = "HAS_TASK"
	RelHasGoal        RelationType = "HAS_GOAL"
	RelRelatesTo      RelationType = "RELATES_TO"
	RelDescribesEvent RelationType = "DESCRIBES_EVENT"
	RelFeels          RelationType = "FEELS"
	RelEmotionAbout   RelationType = "EMOTION_ABOUT"
	RelHasPart        RelationType = "HAS_PART"
	RelTriggers       RelationType = "TRIGGERS"
	RelTriggeredBy    RelationType = "TRIGGERED_BY"
	RelProtects       RelationType = "PROTECTS"
	RelSupports       RelationType = "SUPPORTS"
	RelContradicts    RelationType = "CONTRADICTS"
	RelConsolidates   RelationType = "CONSOLIDATES"
)

// ValidRelationTypes is a slice of all valid relation types for validation.
var ValidRelationTypes = []RelationType{
	RelHasValue,
	RelHoldsBelief,
	RelHasNeed,
	RelOwnsProject,
	RelHasTask,
	RelHasGoal,
	RelRelatesTo,
	RelDescribesEvent,
	RelFeels,
	RelEmotionAbout,
	RelHasPart,
	RelTriggers,
	RelTriggeredBy,
	RelProtects,
	RelSupports,
	RelContradicts,
	RelConsolidates,
}

// IsValidRelationType checks if the given relation type is valid.
func IsValidRelationType(t RelationType) bool {
	for _, valid := range ValidRelationTypes {
		if valid == t {
			return true
		}
	}
	return false
}

// AbstractionLevel tracks how far a node has travelled through the memory
// lifecycle: raw extraction hit, consolidated episodic memory, or
// summarized semantic memory.
type AbstractionLevel string

const (
	// AbstractionRaw is the level assigned at creation.
	AbstractionRaw AbstractionLevel = "raw"

	// AbstractionEpisodic is assigned by the consolidate pass.
	AbstractionEpisodic AbstractionLevel = "episodic"

	// AbstractionSemantic is assigned by the abstract pass.
	AbstractionSemantic AbstractionLevel = "semantic"
)

// IsValidAbstractionLevel checks if the given abstraction level is valid.
func IsValidAbstractionLevel(l AbstractionLevel) bool {
	switch l {
	case AbstractionRaw, AbstractionEpisodic, AbstractionSemantic:
		return true
	}
	return false
}
