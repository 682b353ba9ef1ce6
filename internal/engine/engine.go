// Package engine ties validation, fraud alerting, the trust ledger and batch
// consolidation together behind the operations the transports expose.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-integrity/internal/consolidator"
	"github.com/ukydev/fleet-integrity/internal/db"
	"github.com/ukydev/fleet-integrity/internal/fraud"
	"github.com/ukydev/fleet-integrity/internal/ingest"
	"github.com/ukydev/fleet-integrity/internal/keylock"
	"github.com/ukydev/fleet-integrity/internal/models"
	"github.com/ukydev/fleet-integrity/internal/trust"
	"github.com/ukydev/fleet-integrity/internal/validator"
)

// Config collects the tunables of every component.
type Config struct {
	Validator     validator.Config
	Severity      fraud.SeverityConfig
	Trust         trust.Config
	Consolidation consolidator.Config
	// RollbackPenalty and ImpossiblePenalty are the trust deltas applied
	// when a reading is flagged. Zero disables the event.
	RollbackPenalty   float64
	ImpossiblePenalty float64
	// MaxRetries bounds re-validation after losing a mileage update race.
	MaxRetries int
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Validator:         validator.DefaultConfig(),
		Severity:          fraud.DefaultSeverityConfig(),
		Trust:             trust.DefaultConfig(),
		Consolidation:     consolidator.Config{InactivityGap: consolidator.DefaultInactivityGap},
		RollbackPenalty:   -30,
		ImpossiblePenalty: -20,
		MaxRetries:        5,
	}
}

// Engine is the integrity service.
type Engine struct {
	store        db.Store
	locks        *keylock.Locks
	validator    *validator.Validator
	recorder     *fraud.Recorder
	ledger       *trust.Ledger
	consolidator *consolidator.Consolidator
	cfg          Config
	logger       log.FieldLogger
	now          func() time.Time
}

// New wires an Engine over store. raw and anchorer may be nil.
func New(store db.Store, raw consolidator.RawArchiver, anchorer consolidator.Anchorer, cfg Config, logger log.FieldLogger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Engine{
		store:        store,
		locks:        keylock.New(),
		validator:    validator.New(cfg.Validator),
		recorder:     fraud.NewRecorder(store, cfg.Severity),
		ledger:       trust.NewLedger(store, nil, cfg.Trust),
		consolidator: consolidator.New(store, raw, anchorer, cfg.Consolidation),
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// IngestReading normalizes a raw payload and ingests it. Malformed input
// returns *ingest.ValidationError and changes nothing.
func (e *Engine) IngestReading(ctx context.Context, vehicleID string, raw ingest.RawReading) (models.MileageValidationResult, error) {
	reading, err := ingest.Normalize(raw, vehicleID, e.now())
	if err != nil {
		return models.MileageValidationResult{}, err
	}
	return e.IngestNormalized(ctx, reading)
}

// IngestNormalized validates a canonical reading against the vehicle's
// verified mileage and records the outcome. A flagged result is returned
// with a nil error: detecting fraud is not a failure to ingest.
func (e *Engine) IngestNormalized(ctx context.Context, reading models.TelemetryReading) (models.MileageValidationResult, error) {
	unlock := e.locks.Lock(reading.VehicleID)
	defer unlock()

	logger := e.logger.WithFields(log.Fields{
		"vehicle_id": reading.VehicleID,
		"reading_id": reading.ID,
		"mileage":    reading.Mileage,
	})

	// The reading is stored before any state moves, as PENDING, so an
	// advanced mileage always has its reading on record.
	err := e.store.InsertReading(ctx, models.StoredReading{
		ID:      reading.ID,
		Reading: reading,
		Result:  models.MileageValidationResult{Status: models.StatusPending},
		Date:    reading.Date(),
	})
	if err != nil {
		return models.MileageValidationResult{}, fmt.Errorf("store reading: %w", err)
	}

	var (
		state  *models.VehicleMileageState
		result models.MileageValidationResult
	)
	for attempt := 0; ; attempt++ {
		state, err = e.mileageState(ctx, reading.VehicleID)
		if err != nil {
			return result, err
		}
		result = e.validator.Validate(state, reading)
		if !validator.ShouldAdvance(result) {
			break
		}
		err = e.store.AdvanceMileage(ctx, models.VehicleMileageState{
			VehicleID:           reading.VehicleID,
			LastVerifiedMileage: reading.Mileage,
			LastVerifiedAt:      reading.Timestamp,
			LastReadingID:       reading.ID,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, db.ErrConflict) || attempt+1 >= e.cfg.MaxRetries {
			return result, fmt.Errorf("advance mileage: %w", err)
		}
		logger.WithField("attempt", attempt+1).Debug("Mileage advanced concurrently, revalidating")
	}

	if err := e.store.UpdateReadingResult(ctx, reading.VehicleID, reading.ID, result); err != nil {
		return result, fmt.Errorf("finalize reading: %w", err)
	}

	logger = logger.WithField("status", result.Status)
	if result.Flagged {
		logger.WithField("reason", result.Reason).Warn("Reading flagged")
		if err := e.recordFraud(ctx, reading, result); err != nil {
			return result, err
		}
		return result, nil
	}
	logger.Debug("Reading accepted")

	if result.Status == models.StatusValid && state != nil {
		previous := state.LastVerifiedAt.UTC().Format(models.DateLayout)
		if !state.LastVerifiedAt.IsZero() && reading.Date() > previous {
			e.closeDay(ctx, reading.VehicleID, previous)
		}
	}
	return result, nil
}

func (e *Engine) mileageState(ctx context.Context, vehicleID string) (*models.VehicleMileageState, error) {
	state, err := e.store.GetMileageState(ctx, vehicleID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load mileage state: %w", err)
	}
	return state, nil
}

// recordFraud stores the alert and applies the trust penalty for a flagged
// reading.
func (e *Engine) recordFraud(ctx context.Context, reading models.TelemetryReading, result models.MileageValidationResult) error {
	alert, err := e.recorder.Record(ctx, reading, result)
	if err != nil {
		return err
	}

	var penalty float64
	switch result.Status {
	case models.StatusRollbackDetected:
		penalty = e.cfg.RollbackPenalty
	case models.StatusImpossibleDistance:
		penalty = e.cfg.ImpossiblePenalty
	}
	if penalty == 0 {
		return nil
	}

	change, err := e.ledger.Apply(ctx, trust.EventInput{
		VehicleID:  reading.VehicleID,
		Type:       alert.AlertType,
		DeltaScore: penalty,
		RecordedAt: reading.Timestamp,
		Source:     "validator",
		Metadata: map[string]string{
			"alert_id":   alert.ID.Hex(),
			"reading_id": reading.ID,
			"delta_km":   strconv.FormatFloat(result.Delta, 'f', -1, 64),
		},
	})
	if err != nil {
		return fmt.Errorf("apply trust penalty: %w", err)
	}
	e.logger.WithFields(log.Fields{
		"vehicle_id":     reading.VehicleID,
		"alert_id":       alert.ID.Hex(),
		"previous_score": change.PreviousScore,
		"new_score":      change.NewScore,
	}).Info("Trust penalty applied")
	return nil
}

// closeDay consolidates a finished day. Failures are logged; the reading
// that crossed the boundary is already accepted.
func (e *Engine) closeDay(ctx context.Context, vehicleID, date string) {
	logger := e.logger.WithFields(log.Fields{"vehicle_id": vehicleID, "date": date})
	batch, created, err := e.consolidator.Consolidate(ctx, vehicleID, date)
	if err != nil {
		logger.WithError(err).Error("Failed to consolidate previous day")
		return
	}
	if created {
		logger.WithFields(log.Fields{
			"status":      batch.Status,
			"segments":    batch.SegmentsCount,
			"merkle_root": batch.MerkleRoot,
		}).Info("Consolidated previous day")
	}
}

// MileageState returns the verified mileage of a vehicle.
func (e *Engine) MileageState(ctx context.Context, vehicleID string) (*models.VehicleMileageState, error) {
	return e.store.GetMileageState(ctx, vehicleID)
}

// Alerts returns a vehicle's fraud alerts, newest first.
func (e *Engine) Alerts(ctx context.Context, vehicleID string) ([]models.FraudAlert, error) {
	return e.recorder.List(ctx, vehicleID)
}

// TransitionAlert moves an alert through its lifecycle.
func (e *Engine) TransitionAlert(ctx context.Context, alertID string, status models.AlertStatus) (*models.FraudAlert, error) {
	alert, err := e.recorder.Transition(ctx, alertID, status)
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(log.Fields{"alert_id": alertID, "status": status}).Info("Alert status changed")
	return alert, nil
}
