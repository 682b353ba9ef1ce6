// Package validator decides whether a reported odometer value is trustworthy
// against a vehicle's last verified mileage. It is pure: it never mutates
// state and never returns an error. Callers act on the returned result.
package validator

import (
	"fmt"
	"math"

	"github.com/ukydev/fleet-integrity/internal/models"
)

// Config holds the tunable detection parameters.
type Config struct {
	// RollbackToleranceKm is the width of the negative band treated as sensor
	// jitter (SUSPICIOUS, not flagged). Zero means any decrease is a rollback.
	RollbackToleranceKm float64
	// MaxSpeedKmh bounds the distance a vehicle could cover between readings.
	MaxSpeedKmh float64
	// DistanceSlackKm is added to the speed bound to absorb clock skew and
	// odometer rounding.
	DistanceSlackKm float64
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		RollbackToleranceKm: 0,
		MaxSpeedKmh:         250,
		DistanceSlackKm:     1,
	}
}

// Validator applies Config to readings.
type Validator struct {
	cfg Config
}

// New creates a validator.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate classifies reading against state. A nil state is a vehicle with no
// verified history: any finite non-negative reading is VALID.
func (v *Validator) Validate(state *models.VehicleMileageState, reading models.TelemetryReading) models.MileageValidationResult {
	result := models.MileageValidationResult{
		ReadingID:       reading.ID,
		ReportedMileage: reading.Mileage,
	}

	if math.IsNaN(reading.Mileage) || math.IsInf(reading.Mileage, 0) || reading.Mileage < 0 {
		result.Status = models.StatusSuspicious
		result.Flagged = true
		result.Reason = fmt.Sprintf("reported mileage %v is not a non-negative finite number", reading.Mileage)
		return result
	}

	if state == nil {
		result.Delta = reading.Mileage
		result.Status = models.StatusValid
		result.Reason = fmt.Sprintf("initial reading of %.1f km", reading.Mileage)
		return result
	}

	previous := state.LastVerifiedMileage
	delta := reading.Mileage - previous
	result.PreviousVerifiedMileage = previous
	result.Delta = delta

	switch {
	case delta < -v.cfg.RollbackToleranceKm:
		result.Status = models.StatusRollbackDetected
		result.Flagged = true
		result.Reason = fmt.Sprintf("odometer rollback: reported %.1f km is below verified %.1f km (delta %.1f km)",
			reading.Mileage, previous, delta)
		return result
	case delta < 0:
		result.Status = models.StatusSuspicious
		result.Reason = fmt.Sprintf("reported %.1f km is %.1f km below verified %.1f km, within the %.1f km tolerance",
			reading.Mileage, -delta, previous, v.cfg.RollbackToleranceKm)
		return result
	}

	if !state.LastVerifiedAt.IsZero() && v.cfg.MaxSpeedKmh > 0 {
		elapsed := reading.Timestamp.Sub(state.LastVerifiedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		allowed := v.cfg.MaxSpeedKmh*elapsed.Hours() + v.cfg.DistanceSlackKm
		result.AllowedDistance = allowed
		if delta > allowed {
			result.Status = models.StatusImpossibleDistance
			result.Flagged = true
			result.Reason = fmt.Sprintf("impossible distance: %.1f km in %s exceeds the %.1f km plausible at %.0f km/h",
				delta, elapsed, allowed, v.cfg.MaxSpeedKmh)
			return result
		}
	}

	result.Status = models.StatusValid
	result.Reason = fmt.Sprintf("mileage advanced by %.1f km", delta)
	return result
}

// ShouldAdvance reports whether result may move the verified mileage.
func ShouldAdvance(result models.MileageValidationResult) bool {
	return result.Status == models.StatusValid && !result.Flagged
}
