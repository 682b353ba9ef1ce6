package models

import (
	"time"
)

// VehicleMileageState is the last verified odometer value of a vehicle.
// Only a VALID validation result moves it, and only forward.
type VehicleMileageState struct {
	VehicleID           string    `bson:"vehicle_id" json:"vehicle_id"`
	LastVerifiedMileage float64   `bson:"last_verified_mileage" json:"last_verified_mileage"`
	LastVerifiedAt      time.Time `bson:"last_verified_at" json:"last_verified_at"`
	LastReadingID       string    `bson:"last_reading_id" json:"last_reading_id"`
}
