package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BatchStatus tracks a daily batch from creation to external anchoring.
type BatchStatus string

const (
	BatchPending       BatchStatus = "pending"
	BatchConsolidating BatchStatus = "consolidating"
	BatchAnchored      BatchStatus = "anchored"
	BatchError         BatchStatus = "error"
)

// TelemetrySegment is a contiguous drive interval bounded by an inactivity gap.
type TelemetrySegment struct {
	StartTime      time.Time `bson:"start_time" json:"start_time"`
	EndTime        time.Time `bson:"end_time" json:"end_time"`
	Distance       float64   `bson:"distance" json:"distance"` // in kilometers
	ContentAddress string    `bson:"content_address,omitempty" json:"content_address,omitempty"`
	ReadingCount   int       `bson:"reading_count" json:"reading_count"`
}

// TelemetryBatch holds one vehicle's segments for one calendar date.
// (VehicleID, Date) is unique.
type TelemetryBatch struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	VehicleID     string             `bson:"vehicle_id" json:"vehicle_id"`
	DeviceID      string             `bson:"device_id" json:"device_id"`
	Date          string             `bson:"date" json:"date"`
	Segments      []TelemetrySegment `bson:"segments" json:"segments"`
	TotalDistance float64            `bson:"total_distance" json:"total_distance"`
	SegmentsCount int                `bson:"segments_count" json:"segments_count"`
	MerkleRoot    string             `bson:"merkle_root,omitempty" json:"merkle_root,omitempty"`
	Status        BatchStatus        `bson:"status" json:"status"`
	LastError     string             `bson:"last_error,omitempty" json:"last_error,omitempty"`
	AnchorRefs    []string           `bson:"anchor_refs,omitempty" json:"anchor_refs,omitempty"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at" json:"updated_at"`
}

// SetSegments replaces the segment list and recomputes the derived totals.
func (b *TelemetryBatch) SetSegments(segments []TelemetrySegment) {
	b.Segments = segments
	b.SegmentsCount = len(segments)
	total := 0.0
	for _, s := range segments {
		total += s.Distance
	}
	b.TotalDistance = total
}

// ProofSide says on which side of the running hash a sibling is combined.
type ProofSide string

const (
	SideLeft  ProofSide = "left"
	SideRight ProofSide = "right"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	SiblingHash string    `json:"sibling_hash"`
	Side        ProofSide `json:"side"`
}

// MerkleProof is the ordered list of steps from a leaf to the root.
type MerkleProof struct {
	LeafIndex int         `json:"leaf_index"`
	Steps     []ProofStep `json:"steps"`
}
