// Package fraud turns flagged validation results into durable alerts and
// drives the operator-controlled alert lifecycle.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ukydev/fleet-integrity/internal/db"
	"github.com/ukydev/fleet-integrity/internal/models"
)

var (
	ErrNotFlagged        = errors.New("fraud: validation result is not flagged")
	ErrInvalidTransition = errors.New("fraud: invalid alert status transition")
	ErrInvalidStatus     = errors.New("fraud: unknown alert status")
)

// SeverityConfig holds the distance thresholds, in kilometers, at which an
// alert escalates.
type SeverityConfig struct {
	MediumKm float64
	HighKm   float64
}

// DefaultSeverityConfig returns the thresholds used when nothing is set.
func DefaultSeverityConfig() SeverityConfig {
	return SeverityConfig{MediumKm: 1000, HighKm: 10000}
}

// Recorder writes fraud alerts.
type Recorder struct {
	store db.AlertStore
	cfg   SeverityConfig
	now   func() time.Time
}

// NewRecorder creates a Recorder backed by store.
func NewRecorder(store db.AlertStore, cfg SeverityConfig) *Recorder {
	return &Recorder{store: store, cfg: cfg, now: time.Now}
}

// Record stores one new alert for a flagged result. Repeated detections are
// never merged: each call appends an alert.
func (r *Recorder) Record(ctx context.Context, reading models.TelemetryReading, result models.MileageValidationResult) (*models.FraudAlert, error) {
	if !result.Flagged {
		return nil, ErrNotFlagged
	}
	now := r.now().UTC()
	alert := &models.FraudAlert{
		VehicleID:  reading.VehicleID,
		AlertType:  AlertType(result.Status),
		Severity:   r.Severity(result),
		Status:     models.AlertActive,
		DetectedAt: now,
		UpdatedAt:  now,
		Details: models.AlertDetails{
			ExpectedValue: result.PreviousVerifiedMileage,
			ActualValue:   result.ReportedMileage,
			Delta:         result.Delta,
			Reason:        result.Reason,
			ReadingID:     reading.ID,
			DeviceID:      reading.DeviceID,
		},
	}
	if err := r.store.InsertAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// AlertType maps a validation status to the alert type recorded for it.
func AlertType(status models.ValidationStatus) string {
	switch status {
	case models.StatusRollbackDetected:
		return models.AlertTypeOdometerRollback
	case models.StatusImpossibleDistance:
		return models.AlertTypeImpossibleDistance
	default:
		return models.AlertTypeSuspiciousReading
	}
}

// Severity grades a result by how far it strays: the size of the rollback,
// or the distance beyond what was plausible.
func (r *Recorder) Severity(result models.MileageValidationResult) models.Severity {
	var magnitude float64
	switch result.Status {
	case models.StatusRollbackDetected:
		magnitude = math.Abs(result.Delta)
	case models.StatusImpossibleDistance:
		magnitude = result.Delta - result.AllowedDistance
	default:
		return models.SeverityLow
	}
	switch {
	case magnitude >= r.cfg.HighKm:
		return models.SeverityHigh
	case magnitude >= r.cfg.MediumKm:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Transition moves an alert to status. Resolved alerts are terminal.
func (r *Recorder) Transition(ctx context.Context, alertID string, status models.AlertStatus) (*models.FraudAlert, error) {
	if !models.IsValidAlertStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	alert, err := r.store.FindAlertByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(alert.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, alert.Status, status)
	}
	now := r.now().UTC()
	if err := r.store.UpdateAlertStatus(ctx, alertID, alert.Status, status, now); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, fmt.Errorf("%w: alert changed concurrently", ErrInvalidTransition)
		}
		return nil, err
	}
	alert.Status = status
	alert.UpdatedAt = now
	return alert, nil
}

// List returns a vehicle's alerts, newest first.
func (r *Recorder) List(ctx context.Context, vehicleID string) ([]models.FraudAlert, error) {
	return r.store.FindAlerts(ctx, vehicleID)
}
