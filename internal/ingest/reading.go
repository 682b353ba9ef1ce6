// Package ingest maps the field-name variants devices send into the single
// canonical TelemetryReading shape. Nothing downstream sees the aliases.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ukydev/fleet-integrity/internal/models"
)

// ValidationError reports a malformed or missing reading field. A reading that
// fails validation is rejected before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid reading: %s: %s", e.Field, e.Reason)
}

// FlexTime accepts an RFC3339 string or unix seconds.
type FlexTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		f.Time = t
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	whole, frac := math.Modf(secs)
	f.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

// RawReading is the ingress payload as devices and integrations send it.
type RawReading struct {
	VehicleID      string `json:"vehicle_id"`
	VehicleIDCamel string `json:"vehicleId"`
	DeviceID       string `json:"device_id"`
	DeviceIDCamel  string `json:"deviceId"`

	Mileage              *float64 `json:"mileage"`
	CurrentMileage       *float64 `json:"currentMileage"`
	CurrentMileageSnake  *float64 `json:"current_mileage"`
	NewMileage           *float64 `json:"newMileage"`
	NewMileageSnake      *float64 `json:"new_mileage"`
	ReportedMileage      *float64 `json:"reportedMileage"`
	ReportedMileageSnake *float64 `json:"reported_mileage"`
	OdometerKM           *float64 `json:"odometer_km"`

	Timestamp    FlexTime         `json:"timestamp"`
	Location     *models.Location `json:"location,omitempty"`
	Speed        *float64         `json:"speed,omitempty"`
	EngineRPM    *float64         `json:"engine_rpm,omitempty"`
	EngineTemp   *float64         `json:"engine_temp,omitempty"`
	FuelLevel    *float64         `json:"fuel_level,omitempty"`
	BatteryLevel *float64         `json:"battery_level,omitempty"`
	DataQuality  *float64         `json:"data_quality,omitempty"`
	Source       string           `json:"source,omitempty"`
}

// mileage resolves the aliases in precedence order.
func (r RawReading) mileage() *float64 {
	for _, m := range []*float64{
		r.Mileage,
		r.CurrentMileage, r.CurrentMileageSnake,
		r.NewMileage, r.NewMileageSnake,
		r.ReportedMileage, r.ReportedMileageSnake,
		r.OdometerKM,
	} {
		if m != nil {
			return m
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Normalize converts a raw payload into a canonical reading. pathVehicleID,
// when set, is authoritative and must agree with any id in the body.
func Normalize(raw RawReading, pathVehicleID string, now time.Time) (models.TelemetryReading, error) {
	bodyVehicleID := firstNonEmpty(raw.VehicleID, raw.VehicleIDCamel)
	vehicleID := pathVehicleID
	if vehicleID == "" {
		vehicleID = bodyVehicleID
	} else if bodyVehicleID != "" && bodyVehicleID != pathVehicleID {
		return models.TelemetryReading{}, &ValidationError{Field: "vehicle_id", Reason: "does not match request path"}
	}
	if vehicleID == "" {
		return models.TelemetryReading{}, &ValidationError{Field: "vehicle_id", Reason: "required"}
	}

	m := raw.mileage()
	if m == nil {
		return models.TelemetryReading{}, &ValidationError{Field: "mileage", Reason: "required"}
	}
	if math.IsNaN(*m) || math.IsInf(*m, 0) {
		return models.TelemetryReading{}, &ValidationError{Field: "mileage", Reason: "must be a finite number"}
	}
	if *m < 0 {
		return models.TelemetryReading{}, &ValidationError{Field: "mileage", Reason: "must not be negative"}
	}

	quality := 1.0
	if raw.DataQuality != nil {
		quality = *raw.DataQuality
		if math.IsNaN(quality) || quality < 0 || quality > 1 {
			return models.TelemetryReading{}, &ValidationError{Field: "data_quality", Reason: "must be between 0 and 1"}
		}
	}

	ts := raw.Timestamp.Time
	if ts.IsZero() {
		ts = now
	}

	source := raw.Source
	if source == "" {
		source = "api"
	}

	return models.TelemetryReading{
		ID:          uuid.NewString(),
		VehicleID:   vehicleID,
		DeviceID:    firstNonEmpty(raw.DeviceID, raw.DeviceIDCamel),
		Mileage:     *m,
		Timestamp:   ts.UTC(),
		Location:    raw.Location,
		Speed:       raw.Speed,
		EngineRPM:   raw.EngineRPM,
		EngineTemp:  raw.EngineTemp,
		FuelLevel:   raw.FuelLevel,
		BatteryLvl:  raw.BatteryLevel,
		DataQuality: quality,
		Source:      source,
	}, nil
}
