package models

import (
	"time"
)

// TelemetryReading is a single odometer report from a vehicle-mounted device.
// It is created once on ingestion and never mutated afterwards.
type TelemetryReading struct {
	ID          string    `bson:"_id" json:"id"`
	VehicleID   string    `bson:"vehicle_id" json:"vehicle_id"`
	DeviceID    string    `bson:"device_id" json:"device_id"`
	Mileage     float64   `bson:"mileage" json:"mileage"` // in kilometers
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	Location    *Location `bson:"location,omitempty" json:"location,omitempty"`
	Speed       *float64  `bson:"speed,omitempty" json:"speed,omitempty"`
	EngineRPM   *float64  `bson:"engine_rpm,omitempty" json:"engine_rpm,omitempty"`
	EngineTemp  *float64  `bson:"engine_temp,omitempty" json:"engine_temp,omitempty"`
	FuelLevel   *float64  `bson:"fuel_level,omitempty" json:"fuel_level,omitempty"`
	BatteryLvl  *float64  `bson:"battery_level,omitempty" json:"battery_level,omitempty"`
	DataQuality float64   `bson:"data_quality" json:"data_quality"`
	Source      string    `bson:"source" json:"source"` // "api", "mqtt", "simulator"
}

// Date returns the UTC calendar date of the reading as YYYY-MM-DD.
func (r TelemetryReading) Date() string {
	return r.Timestamp.UTC().Format(DateLayout)
}

// DateLayout is the calendar date format used for batch keys.
const DateLayout = "2006-01-02"

// ValidationStatus is the outcome of checking a reading against the verified mileage.
type ValidationStatus string

const (
	StatusValid              ValidationStatus = "VALID"
	StatusRollbackDetected   ValidationStatus = "ROLLBACK_DETECTED"
	StatusSuspicious         ValidationStatus = "SUSPICIOUS"
	StatusImpossibleDistance ValidationStatus = "IMPOSSIBLE_DISTANCE"
	StatusPending            ValidationStatus = "PENDING"
)

// MileageValidationResult is computed once per reading at validation time.
type MileageValidationResult struct {
	ReadingID               string           `bson:"reading_id" json:"reading_id"`
	PreviousVerifiedMileage float64          `bson:"previous_verified_mileage" json:"previous_verified_mileage"`
	ReportedMileage         float64          `bson:"reported_mileage" json:"reported_mileage"`
	Delta                   float64          `bson:"delta" json:"delta"`
	Status                  ValidationStatus `bson:"status" json:"status"`
	Flagged                 bool             `bson:"flagged" json:"flagged"`
	Reason                  string           `bson:"reason" json:"reason"`
	// AllowedDistance is the physically plausible distance for the elapsed
	// interval. Zero when no previous timestamp was known.
	AllowedDistance float64 `bson:"allowed_distance,omitempty" json:"allowed_distance,omitempty"`
}

// StoredReading pairs an ingested reading with its validation result.
type StoredReading struct {
	ID      string                  `bson:"_id" json:"id"`
	Reading TelemetryReading        `bson:"reading" json:"reading"`
	Result  MileageValidationResult `bson:"result" json:"result"`
	Date    string                  `bson:"date" json:"date"`
}
