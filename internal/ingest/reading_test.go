package ingest

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func decode(t *testing.T, body string) RawReading {
	t.Helper()
	var raw RawReading
	require.NoError(t, json.Unmarshal([]byte(body), &raw))
	return raw
}

func TestNormalize_MileageAliases(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"mileage", `{"mileage": 50100}`},
		{"currentMileage", `{"currentMileage": 50100}`},
		{"current_mileage", `{"current_mileage": 50100}`},
		{"newMileage", `{"newMileage": 50100}`},
		{"new_mileage", `{"new_mileage": 50100}`},
		{"reportedMileage", `{"reportedMileage": 50100}`},
		{"reported_mileage", `{"reported_mileage": 50100}`},
		{"odometer_km", `{"odometer_km": 50100}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Normalize(decode(t, tt.body), "veh-1", now)
			require.NoError(t, err)
			assert.Equal(t, 50100.0, r.Mileage)
			assert.Equal(t, "veh-1", r.VehicleID)
		})
	}
}

func TestNormalize_AliasPrecedence(t *testing.T) {
	r, err := Normalize(decode(t, `{"reportedMileage": 1, "mileage": 2, "newMileage": 3}`), "veh-1", now)
	require.NoError(t, err)
	assert.Equal(t, 2.0, r.Mileage)
}

func TestNormalize_Defaults(t *testing.T) {
	r, err := Normalize(decode(t, `{"vehicleId": "veh-9", "deviceId": "obd-7", "mileage": 10}`), "", now)
	require.NoError(t, err)
	assert.Equal(t, "veh-9", r.VehicleID)
	assert.Equal(t, "obd-7", r.DeviceID)
	assert.Equal(t, now, r.Timestamp)
	assert.Equal(t, "api", r.Source)
	assert.Equal(t, 1.0, r.DataQuality)
	assert.NotEmpty(t, r.ID)
}

func TestNormalize_Timestamps(t *testing.T) {
	r, err := Normalize(decode(t, `{"mileage": 1, "timestamp": "2025-01-01T10:00:00+02:00"}`), "veh-1", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), r.Timestamp)

	r, err = Normalize(decode(t, `{"mileage": 1, "timestamp": 1735725600}`), "veh-1", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), r.Timestamp)

	var raw RawReading
	assert.Error(t, json.Unmarshal([]byte(`{"mileage": 1, "timestamp": "yesterday"}`), &raw))
}

func TestNormalize_Rejections(t *testing.T) {
	neg := -1.0
	nan := math.NaN()
	inf := math.Inf(1)
	badQuality := 1.5
	ok := 10.0

	tests := []struct {
		name  string
		raw   RawReading
		path  string
		field string
	}{
		{"missing vehicle", RawReading{Mileage: &ok}, "", "vehicle_id"},
		{"vehicle mismatch", RawReading{VehicleID: "other", Mileage: &ok}, "veh-1", "vehicle_id"},
		{"missing mileage", RawReading{}, "veh-1", "mileage"},
		{"negative mileage", RawReading{Mileage: &neg}, "veh-1", "mileage"},
		{"nan mileage", RawReading{Mileage: &nan}, "veh-1", "mileage"},
		{"inf mileage", RawReading{Mileage: &inf}, "veh-1", "mileage"},
		{"bad quality", RawReading{Mileage: &ok, DataQuality: &badQuality}, "veh-1", "data_quality"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw, tt.path, now)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
