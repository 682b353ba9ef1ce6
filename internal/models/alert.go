package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AlertStatus is the operator-driven lifecycle of a fraud alert.
type AlertStatus string

const (
	AlertActive        AlertStatus = "active"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
)

// Severity ranks how serious a detection is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert types recorded on vehicles.
const (
	AlertTypeOdometerRollback   = "odometer_rollback"
	AlertTypeImpossibleDistance = "impossible_distance"
	AlertTypeSuspiciousReading  = "suspicious_reading"
)

// FraudAlert is durable evidence of a rejected reading.
type FraudAlert struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	VehicleID  string             `bson:"vehicle_id" json:"vehicle_id"`
	AlertType  string             `bson:"alert_type" json:"alert_type"`
	Severity   Severity           `bson:"severity" json:"severity"`
	Status     AlertStatus        `bson:"status" json:"status"`
	DetectedAt time.Time          `bson:"detected_at" json:"detected_at"`
	Details    AlertDetails       `bson:"details" json:"details"`
	UpdatedAt  time.Time          `bson:"updated_at" json:"updated_at"`
}

// AlertDetails records what was expected against what was reported.
type AlertDetails struct {
	ExpectedValue float64 `bson:"expected_value" json:"expected_value"`
	ActualValue   float64 `bson:"actual_value" json:"actual_value"`
	Delta         float64 `bson:"delta" json:"delta"`
	Reason        string  `bson:"reason" json:"reason"`
	ReadingID     string  `bson:"reading_id" json:"reading_id"`
	DeviceID      string  `bson:"device_id" json:"device_id"`
}

// IsValidAlertStatus checks if a status is one of the known lifecycle states
func IsValidAlertStatus(status AlertStatus) bool {
	switch status {
	case AlertActive, AlertInvestigating, AlertResolved:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an alert may move from one status to another.
// Resolved alerts are terminal.
func CanTransition(from, to AlertStatus) bool {
	switch from {
	case AlertActive:
		return to == AlertInvestigating || to == AlertResolved
	case AlertInvestigating:
		return to == AlertResolved
	default:
		return false
	}
}
