package db

import (
	"context"
	"errors"
	"time"

	"github.com/ukydev/fleet-integrity/internal/models"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness invariant rejects an insert.
	ErrDuplicate = errors.New("already exists")
	// ErrConflict is returned when a conditional write lost to a concurrent one.
	ErrConflict = errors.New("concurrent write conflict")
	// ErrInvalidID is returned for IDs that are not valid ObjectID hex.
	ErrInvalidID = errors.New("invalid ID")
)

// ReadingStore defines the interface for ingested reading operations.
type ReadingStore interface {
	InsertReading(ctx context.Context, reading models.StoredReading) error
	// UpdateReadingResult replaces the validation result of a stored reading.
	UpdateReadingResult(ctx context.Context, vehicleID, id string, result models.MileageValidationResult) error
	// FindAcceptedReadings returns the VALID readings of a vehicle on a UTC
	// calendar date, oldest first.
	FindAcceptedReadings(ctx context.Context, vehicleID, date string) ([]models.TelemetryReading, error)
}

// MileageStore defines the interface for verified mileage state.
type MileageStore interface {
	GetMileageState(ctx context.Context, vehicleID string) (*models.VehicleMileageState, error)
	// AdvanceMileage stores state unless the stored mileage is already
	// higher, in which case it returns ErrConflict.
	AdvanceMileage(ctx context.Context, state models.VehicleMileageState) error
}

// AlertStore defines the interface for fraud alert operations.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert *models.FraudAlert) error
	FindAlerts(ctx context.Context, vehicleID string) ([]models.FraudAlert, error)
	FindAlertByID(ctx context.Context, id string) (*models.FraudAlert, error)
	// UpdateAlertStatus moves an alert from one status to another and
	// returns ErrConflict when the alert is no longer in from.
	UpdateAlertStatus(ctx context.Context, id string, from, to models.AlertStatus, at time.Time) error
}

// TrustStore defines the interface for the trust ledger and its projection.
type TrustStore interface {
	GetTrustScore(ctx context.Context, vehicleID string) (*models.TrustScoreState, error)
	// AppendTrustEvent commits the event and the projection it produces
	// together. The projection must currently be at version
	// event.Sequence-1 (absent for sequence 1), otherwise ErrConflict.
	AppendTrustEvent(ctx context.Context, event models.TrustEvent) error
	// FindTrustEvents returns a vehicle's events in application order.
	FindTrustEvents(ctx context.Context, vehicleID string) ([]models.TrustEvent, error)
}

// BatchStore defines the interface for daily telemetry batches.
type BatchStore interface {
	// InsertBatch returns ErrDuplicate when (vehicle, date) already exists.
	InsertBatch(ctx context.Context, batch *models.TelemetryBatch) error
	FindBatch(ctx context.Context, vehicleID, date string) (*models.TelemetryBatch, error)
	// UpdateBatch replaces the batch if its stored status is still expected.
	UpdateBatch(ctx context.Context, batch *models.TelemetryBatch, expected models.BatchStatus) error
}

// Store is everything the engine persists.
type Store interface {
	ReadingStore
	MileageStore
	AlertStore
	TrustStore
	BatchStore
	Close(ctx context.Context) error
}

// projectionFrom derives the projection an appended event leaves behind.
func projectionFrom(event models.TrustEvent) models.TrustScoreState {
	return models.TrustScoreState{
		VehicleID:    event.VehicleID,
		CurrentScore: event.NewScore,
		LastUpdated:  event.AppliedAt,
		Version:      event.Sequence,
		LastHash:     event.Hash,
	}
}
