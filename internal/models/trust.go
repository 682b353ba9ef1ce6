package models

import (
	"time"
)

// Trust score bounds.
const (
	MinTrustScore = 0.0
	MaxTrustScore = 100.0
)

// TrustEventSeed is the event type written when a score is seeded.
const TrustEventSeed = "seed"

// TrustEvent is one immutable entry in a vehicle's trust ledger. PreviousScore
// and NewScore are captured at application time; Sequence is the application
// order. Hash chains the entry to the previous one.
type TrustEvent struct {
	ID            string            `bson:"_id" json:"id"`
	VehicleID     string            `bson:"vehicle_id" json:"vehicle_id"`
	Sequence      int64             `bson:"sequence" json:"sequence"`
	Type          string            `bson:"type" json:"type"`
	DeltaScore    float64           `bson:"delta_score" json:"delta_score"`
	PreviousScore float64           `bson:"previous_score" json:"previous_score"`
	NewScore      float64           `bson:"new_score" json:"new_score"`
	RecordedAt    time.Time         `bson:"recorded_at" json:"recorded_at"`
	AppliedAt     time.Time         `bson:"applied_at" json:"applied_at"`
	Source        string            `bson:"source" json:"source"`
	Metadata      map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	PrevHash      string            `bson:"prev_hash" json:"prev_hash"`
	Hash          string            `bson:"hash" json:"hash"`
}

// TrustScoreState is the cached projection of a vehicle's ledger.
type TrustScoreState struct {
	VehicleID    string    `bson:"vehicle_id" json:"vehicle_id"`
	CurrentScore float64   `bson:"current_score" json:"current_score"`
	LastUpdated  time.Time `bson:"last_updated" json:"last_updated"`
	Version      int64     `bson:"version" json:"version"`
	LastHash     string    `bson:"last_hash" json:"last_hash"`
}

// ScoreChange is the previous/new pair returned when an event is applied.
type ScoreChange struct {
	VehicleID     string  `json:"vehicle_id"`
	PreviousScore float64 `json:"previous_score"`
	NewScore      float64 `json:"new_score"`
	Sequence      int64   `json:"sequence"`
}

// ClampScore bounds a score to [MinTrustScore, MaxTrustScore].
func ClampScore(score float64) float64 {
	if score < MinTrustScore {
		return MinTrustScore
	}
	if score > MaxTrustScore {
		return MaxTrustScore
	}
	return score
}
