// Package engine coordinates the graph store and event log behind a single
// event-sourced facade, and runs the memory lifecycle (consolidate, abstract,
// forget) and reconsolidation on top of it.
package engine

import (
	"math"
	"time"

	"github.com/scrypster/mnemo/pkg/types"
)

// retentionWriteThreshold is the minimum change required to write a
// recomputed retention score back to the store.
const retentionWriteThreshold = 0.001

// DecayParams configures the retention curve. Every value is tunable; the
// defaults follow a spaced-repetition shape where one half-life without
// access halves retention and each access adds a small permanent floor.
type DecayParams struct {
	// HalfLifeHours is the time for the exponential term to halve.
	// Default: 168 (one week).
	HalfLifeHours float64 `yaml:"half_life_hours"`

	// AccessBoost is added per recorded access. Default: 0.01.
	AccessBoost float64 `yaml:"access_boost"`

	// AccessBoostCap bounds the total access contribution. Default: 0.3.
	AccessBoostCap float64 `yaml:"access_boost_cap"`
}

// Normalize fills zero values with defaults.
func (p *DecayParams) Normalize() {
	if p.HalfLifeHours <= 0 {
		p.HalfLifeHours = 168.0
	}
	if p.AccessBoost <= 0 {
		p.AccessBoost = 0.01
	}
	if p.AccessBoostCap <= 0 {
		p.AccessBoostCap = 0.3
	}
}

// Decayer computes retention scores for nodes and edges.
//
// The retention score is:
//
//	retention = clamp(exp(-λ * hours_since_access) + min(access_count * boost, cap), 0, 1)
//
// where λ = ln(2) / half_life_hours. More recent access raises the
// exponential term; more accesses raise the floor, so the score is monotonic
// in both.
type Decayer struct {
	params DecayParams
}

// NewDecayer returns a Decayer with the given parameters, defaulted where
// zero.
func NewDecayer(params DecayParams) *Decayer {
	params.Normalize()
	return &Decayer{params: params}
}

func (d *Decayer) lambda() float64 {
	return math.Ln2 / d.params.HalfLifeHours
}

// retention computes the score from a reference time and access count.
func (d *Decayer) retention(ref time.Time, accessCount int, now time.Time) float64 {
	hours := now.Sub(ref).Hours()
	if hours < 0 {
		hours = 0
	}
	decayed := math.Exp(-d.lambda() * hours)
	boost := math.Min(float64(accessCount)*d.params.AccessBoost, d.params.AccessBoostCap)
	return clamp01(decayed + boost)
}

// NodeRetention returns the node's current retention score. The reference
// time is the last access, falling back to creation.
func (d *Decayer) NodeRetention(n *types.Node, now time.Time) float64 {
	ref := n.CreatedAt
	if n.LastAccessedAt != nil && !n.LastAccessedAt.IsZero() {
		ref = *n.LastAccessedAt
	}
	return d.retention(ref, n.AccessCount, now)
}

// EdgeRetention returns the edge's current retention score.
func (d *Decayer) EdgeRetention(e *types.Edge, now time.Time) float64 {
	ref := e.CreatedAt
	if e.LastAccessedAt != nil && !e.LastAccessedAt.IsZero() {
		ref = *e.LastAccessedAt
	}
	return d.retention(ref, e.AccessCount, now)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
