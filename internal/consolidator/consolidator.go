// Package consolidator groups a vehicle's accepted readings for one UTC day
// into segments, commits them to a Merkle root and tracks the resulting
// batch through external anchoring.
package consolidator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/fleet-integrity/internal/db"
	"github.com/ukydev/fleet-integrity/internal/ingest"
	"github.com/ukydev/fleet-integrity/internal/keylock"
	"github.com/ukydev/fleet-integrity/internal/merkle"
	"github.com/ukydev/fleet-integrity/internal/models"
)

var (
	ErrInvalidTransition = errors.New("consolidator: invalid batch status transition")
	ErrNotConsolidated   = errors.New("consolidator: batch has no merkle root")
	ErrNotArchived       = errors.New("consolidator: segment readings are not archived")
)

// ErrNoReadings is recorded on a batch whose day has no accepted readings.
const ErrNoReadings = "no accepted readings"

// RawArchiver stores a segment's readings under their content address and
// reads them back.
type RawArchiver interface {
	Put(readings []models.TelemetryReading) (string, error)
	Get(address string) ([]models.TelemetryReading, error)
}

// Anchorer submits a consolidated batch for external anchoring. Anchoring
// completes asynchronously through AttachAnchor or ReportAnchorFailure.
type Anchorer interface {
	Submit(ctx context.Context, batch *models.TelemetryBatch) error
}

// Store is the persistence the consolidator needs.
type Store interface {
	db.BatchStore
	db.ReadingStore
}

// Config tunes consolidation.
type Config struct {
	InactivityGap time.Duration
}

// Consolidator builds and tracks daily batches.
type Consolidator struct {
	store    Store
	raw      RawArchiver
	anchorer Anchorer
	cfg      Config
	locks    *keylock.Locks
	now      func() time.Time
}

// New creates a Consolidator. raw and anchorer are optional.
func New(store Store, raw RawArchiver, anchorer Anchorer, cfg Config) *Consolidator {
	if cfg.InactivityGap <= 0 {
		cfg.InactivityGap = DefaultInactivityGap
	}
	return &Consolidator{store: store, raw: raw, anchorer: anchorer, cfg: cfg, locks: keylock.New(), now: time.Now}
}

// ParseDate checks a YYYY-MM-DD calendar date.
func ParseDate(date string) (time.Time, error) {
	t, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return time.Time{}, &ingest.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	return t, nil
}

// Consolidate creates the batch for vehicleID on date. There is at most one
// batch per vehicle and date: when it already exists it is returned with
// created false. An existing batch is worked on again when it never got a
// root, when it is in error, or when accepted readings for the date changed
// since its root was computed. Anchored batches are final.
// Failures to anchor or an empty day are recorded on the batch, not returned.
func (c *Consolidator) Consolidate(ctx context.Context, vehicleID, date string) (*models.TelemetryBatch, bool, error) {
	if vehicleID == "" {
		return nil, false, &ingest.ValidationError{Field: "vehicle_id", Reason: "required"}
	}
	if _, err := ParseDate(date); err != nil {
		return nil, false, err
	}
	unlock := c.locks.Lock(batchKey(vehicleID, date))
	defer unlock()

	now := c.now().UTC()
	batch := &models.TelemetryBatch{
		VehicleID: vehicleID,
		Date:      date,
		Status:    models.BatchPending,
		Segments:  []models.TelemetrySegment{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := c.store.InsertBatch(ctx, batch)
	if err == nil {
		b, err := c.run(ctx, batch, models.BatchPending)
		return b, true, err
	}
	if !errors.Is(err, db.ErrDuplicate) {
		return nil, false, fmt.Errorf("insert batch: %w", err)
	}

	existing, err := c.store.FindBatch(ctx, vehicleID, date)
	if err != nil {
		return nil, false, err
	}
	switch existing.Status {
	case models.BatchAnchored:
		return existing, false, nil
	case models.BatchConsolidating, models.BatchError:
		stale, err := c.stale(ctx, existing)
		if err != nil {
			return nil, false, err
		}
		if stale {
			existing.MerkleRoot = ""
		} else if existing.Status == models.BatchConsolidating {
			return existing, false, nil
		}
	}
	b, err := c.run(ctx, existing, existing.Status)
	return b, false, err
}

func batchKey(vehicleID, date string) string {
	return vehicleID + "/" + date
}

// stale reports whether batch's root no longer covers the accepted readings
// of its date.
func (c *Consolidator) stale(ctx context.Context, batch *models.TelemetryBatch) (bool, error) {
	if batch.MerkleRoot == "" {
		return true, nil
	}
	readings, err := c.store.FindAcceptedReadings(ctx, batch.VehicleID, batch.Date)
	if err != nil {
		return false, fmt.Errorf("find readings: %w", err)
	}
	committed := 0
	for _, seg := range batch.Segments {
		committed += seg.ReadingCount
	}
	return len(readings) != committed, nil
}

// run takes a batch from status from through consolidation and anchoring
// submission. A batch whose commit fails is left in error so that the next
// Consolidate retries it.
func (c *Consolidator) run(ctx context.Context, batch *models.TelemetryBatch, from models.BatchStatus) (*models.TelemetryBatch, error) {
	batch.Status = models.BatchConsolidating
	batch.LastError = ""
	batch.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateBatch(ctx, batch, from); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return c.store.FindBatch(ctx, batch.VehicleID, batch.Date)
		}
		return nil, fmt.Errorf("update batch: %w", err)
	}

	if batch.MerkleRoot == "" {
		reason, err := c.commit(ctx, batch)
		if err != nil {
			if _, ferr := c.fail(ctx, batch, err.Error()); ferr != nil {
				return nil, errors.Join(err, ferr)
			}
			return nil, err
		}
		if reason != "" {
			return c.fail(ctx, batch, reason)
		}
	}

	if c.anchorer != nil {
		if err := c.anchorer.Submit(ctx, batch); err != nil {
			return c.fail(ctx, batch, "anchor submission: "+err.Error())
		}
	}
	return batch, nil
}

// commit builds segments, archives their readings and stores the Merkle
// root. A non-empty reason means the batch could not be committed.
func (c *Consolidator) commit(ctx context.Context, batch *models.TelemetryBatch) (string, error) {
	readings, err := c.store.FindAcceptedReadings(ctx, batch.VehicleID, batch.Date)
	if err != nil {
		return "", fmt.Errorf("find readings: %w", err)
	}
	if len(readings) == 0 {
		batch.SetSegments([]models.TelemetrySegment{})
		return ErrNoReadings, nil
	}

	built := BuildSegments(readings, c.cfg.InactivityGap)
	segments := make([]models.TelemetrySegment, len(built))
	for i, s := range built {
		if c.raw != nil {
			address, err := c.raw.Put(s.Readings)
			if err != nil {
				return "archive readings: " + err.Error(), nil
			}
			s.ContentAddress = address
		}
		segments[i] = s.TelemetrySegment
	}
	tree, err := merkle.Build(segments)
	if err != nil {
		return err.Error(), nil
	}

	batch.DeviceID = built[0].Readings[0].DeviceID
	batch.SetSegments(segments)
	batch.MerkleRoot = tree.Root.String()
	batch.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateBatch(ctx, batch, models.BatchConsolidating); err != nil {
		return "", fmt.Errorf("update batch: %w", err)
	}
	return "", nil
}

func (c *Consolidator) fail(ctx context.Context, batch *models.TelemetryBatch, reason string) (*models.TelemetryBatch, error) {
	batch.Status = models.BatchError
	batch.LastError = reason
	batch.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateBatch(ctx, batch, models.BatchConsolidating); err != nil {
		return nil, fmt.Errorf("update batch: %w", err)
	}
	return batch, nil
}

// Get returns the batch for vehicleID on date.
func (c *Consolidator) Get(ctx context.Context, vehicleID, date string) (*models.TelemetryBatch, error) {
	if _, err := ParseDate(date); err != nil {
		return nil, err
	}
	return c.store.FindBatch(ctx, vehicleID, date)
}

// AttachAnchor records external anchor references and marks the batch
// anchored. Only committed batches awaiting anchoring can be anchored.
func (c *Consolidator) AttachAnchor(ctx context.Context, vehicleID, date string, refs []string) (*models.TelemetryBatch, error) {
	if len(refs) == 0 {
		return nil, &ingest.ValidationError{Field: "anchor_refs", Reason: "at least one reference is required"}
	}
	if _, err := ParseDate(date); err != nil {
		return nil, err
	}
	unlock := c.locks.Lock(batchKey(vehicleID, date))
	defer unlock()
	batch, err := c.Get(ctx, vehicleID, date)
	if err != nil {
		return nil, err
	}
	from := batch.Status
	if from != models.BatchConsolidating && from != models.BatchError {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, models.BatchAnchored)
	}
	if batch.MerkleRoot == "" {
		return nil, ErrNotConsolidated
	}
	batch.AnchorRefs = append(batch.AnchorRefs, refs...)
	batch.Status = models.BatchAnchored
	batch.LastError = ""
	batch.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateBatch(ctx, batch, from); err != nil {
		return nil, err
	}
	return batch, nil
}

// ReportAnchorFailure moves a batch that is not yet anchored to error.
func (c *Consolidator) ReportAnchorFailure(ctx context.Context, vehicleID, date, reason string) (*models.TelemetryBatch, error) {
	if reason == "" {
		return nil, &ingest.ValidationError{Field: "reason", Reason: "required"}
	}
	if _, err := ParseDate(date); err != nil {
		return nil, err
	}
	unlock := c.locks.Lock(batchKey(vehicleID, date))
	defer unlock()
	batch, err := c.Get(ctx, vehicleID, date)
	if err != nil {
		return nil, err
	}
	from := batch.Status
	if from == models.BatchAnchored {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, models.BatchError)
	}
	batch.Status = models.BatchError
	batch.LastError = reason
	batch.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateBatch(ctx, batch, from); err != nil {
		return nil, err
	}
	return batch, nil
}

// SegmentProof is a segment with its membership proof against a batch root.
type SegmentProof struct {
	Segment models.TelemetrySegment `json:"segment"`
	Proof   models.MerkleProof      `json:"proof"`
	Root    string                  `json:"merkle_root"`
}

// Proof returns the membership proof for the segment at index.
func (c *Consolidator) Proof(ctx context.Context, vehicleID, date string, index int) (*SegmentProof, error) {
	batch, err := c.Get(ctx, vehicleID, date)
	if err != nil {
		return nil, err
	}
	if batch.MerkleRoot == "" {
		return nil, ErrNotConsolidated
	}
	tree, err := merkle.Build(batch.Segments)
	if err != nil {
		return nil, err
	}
	proof, err := tree.Proof(index)
	if err != nil {
		return nil, err
	}
	return &SegmentProof{Segment: batch.Segments[index], Proof: proof, Root: batch.MerkleRoot}, nil
}

// SegmentReadings returns the archived readings behind the segment at index.
func (c *Consolidator) SegmentReadings(ctx context.Context, vehicleID, date string, index int) ([]models.TelemetryReading, error) {
	batch, err := c.Get(ctx, vehicleID, date)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(batch.Segments) {
		return nil, merkle.ErrIndexOutOfRange
	}
	seg := batch.Segments[index]
	if c.raw == nil || seg.ContentAddress == "" {
		return nil, ErrNotArchived
	}
	return c.raw.Get(seg.ContentAddress)
}
