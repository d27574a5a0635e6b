package types

import (
	"time"

	"github.com/google/uuid"
)

// MoodSnapshot is an aggregated affect reading for a user at a point in
// time. Snapshots are append-only observations; they live alongside the
// graph and feed trend queries, not the lifecycle passes.
type MoodSnapshot struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	ValenceAvg   float64 `json:"valence_avg"`
	ArousalAvg   float64 `json:"arousal_avg"`
	DominanceAvg float64 `json:"dominance_avg"`
	IntensityAvg float64 `json:"intensity_avg"`

	// DominantLabel is the most frequent emotion label in the sample window.
	DominantLabel string `json:"dominant_label,omitempty"`
	SampleCount   int    `json:"sample_count"`

	Timestamp time.Time `json:"timestamp"`
}

// NewMoodSnapshot returns a snapshot with a fresh ID and the current time.
func NewMoodSnapshot(userID string) *MoodSnapshot {
	return &MoodSnapshot{
		ID:           uuid.NewString(),
		UserID:       userID,
		IntensityAvg: 0.5,
		SampleCount:  1,
		Timestamp:    time.Now().UTC(),
	}
}

// MoodTrend summarizes snapshots over a time window.
type MoodTrend struct {
	UserID       string    `json:"user_id"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	ValenceAvg   float64   `json:"valence_avg"`
	ArousalAvg   float64   `json:"arousal_avg"`
	DominanceAvg float64   `json:"dominance_avg"`
	Snapshots    int       `json:"snapshots"`
}
