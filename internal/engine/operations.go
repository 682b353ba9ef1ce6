package engine

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-integrity/internal/consolidator"
	"github.com/ukydev/fleet-integrity/internal/merkle"
	"github.com/ukydev/fleet-integrity/internal/models"
	"github.com/ukydev/fleet-integrity/internal/trust"
)

// SeedTrustScore sets a vehicle's trust score.
func (e *Engine) SeedTrustScore(ctx context.Context, vehicleID string, score float64, source string) (models.ScoreChange, error) {
	change, err := e.ledger.Seed(ctx, vehicleID, score, source)
	if err != nil {
		return change, err
	}
	e.logger.WithFields(log.Fields{"vehicle_id": vehicleID, "score": score}).Info("Trust score seeded")
	return change, nil
}

// ApplyTrustEvent appends a score adjustment.
func (e *Engine) ApplyTrustEvent(ctx context.Context, in trust.EventInput) (models.ScoreChange, error) {
	return e.ledger.Apply(ctx, in)
}

// GetTrustScore returns the current score projection.
func (e *Engine) GetTrustScore(ctx context.Context, vehicleID string) (models.TrustScoreState, error) {
	return e.ledger.Score(ctx, vehicleID)
}

// GetTrustHistory returns the ledger, most recent first.
func (e *Engine) GetTrustHistory(ctx context.Context, vehicleID string) ([]models.TrustEvent, error) {
	return e.ledger.History(ctx, vehicleID)
}

// VerifyTrustLedger replays the ledger and reports any inconsistency.
func (e *Engine) VerifyTrustLedger(ctx context.Context, vehicleID string) (trust.VerifyReport, error) {
	report, err := e.ledger.Verify(ctx, vehicleID)
	if err == nil && !report.Valid {
		e.logger.WithFields(log.Fields{
			"vehicle_id": vehicleID,
			"problems":   report.Problems,
		}).Warn("Trust ledger verification failed")
	}
	return report, err
}

// ConsolidateBatch builds the batch for a vehicle and date. created is false
// when the batch already existed.
func (e *Engine) ConsolidateBatch(ctx context.Context, vehicleID, date string) (*models.TelemetryBatch, bool, error) {
	return e.consolidator.Consolidate(ctx, vehicleID, date)
}

// GetBatch returns the batch for a vehicle and date.
func (e *Engine) GetBatch(ctx context.Context, vehicleID, date string) (*models.TelemetryBatch, error) {
	return e.consolidator.Get(ctx, vehicleID, date)
}

// AttachAnchor marks a batch anchored.
func (e *Engine) AttachAnchor(ctx context.Context, vehicleID, date string, refs []string) (*models.TelemetryBatch, error) {
	return e.consolidator.AttachAnchor(ctx, vehicleID, date, refs)
}

// ReportAnchorFailure records a failed anchoring attempt on a batch.
func (e *Engine) ReportAnchorFailure(ctx context.Context, vehicleID, date, reason string) (*models.TelemetryBatch, error) {
	batch, err := e.consolidator.ReportAnchorFailure(ctx, vehicleID, date, reason)
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(log.Fields{"vehicle_id": vehicleID, "date": date, "reason": reason}).Warn("Anchoring failed")
	return batch, nil
}

// BatchProof returns a segment's membership proof against its batch root.
func (e *Engine) BatchProof(ctx context.Context, vehicleID, date string, index int) (*consolidator.SegmentProof, error) {
	return e.consolidator.Proof(ctx, vehicleID, date, index)
}

// SegmentReadings returns the archived raw readings behind a batch segment.
func (e *Engine) SegmentReadings(ctx context.Context, vehicleID, date string, index int) ([]models.TelemetryReading, error) {
	return e.consolidator.SegmentReadings(ctx, vehicleID, date, index)
}

// BuildMerkleTree builds a tree over segments in order.
func (e *Engine) BuildMerkleTree(segments []models.TelemetrySegment) (*merkle.Tree, error) {
	return merkle.Build(segments)
}

// GenerateProof returns the proof for the leaf at index.
func (e *Engine) GenerateProof(tree *merkle.Tree, index int) (models.MerkleProof, error) {
	return tree.Proof(index)
}

// VerifySegment checks a segment's proof against root.
func (e *Engine) VerifySegment(seg models.TelemetrySegment, root string, proof models.MerkleProof) bool {
	return merkle.VerifySegment(seg, root, proof)
}
