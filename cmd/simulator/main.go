// Command simulator drives a synthetic fleet against the integrity API.
// Each vehicle reports its odometer on a fixed tick; a configurable share of
// reports is rolled back to exercise fraud detection.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-integrity/internal/auth"
	"github.com/ukydev/fleet-integrity/internal/models"
)

// Location is a latitude/longitude pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Reading is the odometer payload posted for each tick.
type Reading struct {
	DeviceID     string    `json:"device_id"`
	Mileage      float64   `json:"mileage"`
	Timestamp    time.Time `json:"timestamp"`
	Location     Location  `json:"location"`
	Speed        float64   `json:"speed"`
	FuelLevel    float64   `json:"fuel_level,omitempty"`
	BatteryLevel float64   `json:"battery_level,omitempty"`
	Source       string    `json:"source"`
}

var depots = []Location{
	{Lat: 51.5074, Lon: -0.1278},  // London
	{Lat: 48.8566, Lon: 2.3522},   // Paris
	{Lat: 52.5200, Lon: 13.4050},  // Berlin
	{Lat: 40.4168, Lon: -3.7038},  // Madrid
	{Lat: 41.0082, Lon: 28.9784},  // Istanbul
	{Lat: 35.1856, Lon: 33.3823},  // Nicosia
	{Lat: 51.4816, Lon: -3.1791},  // Cardiff
	{Lat: 40.7128, Lon: -74.0060}, // New York
}

func haversineKm(a, b Location) float64 {
	const earthRadiusKm = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func jitter(rng *rand.Rand, base Location, meters float64) Location {
	latDeg := meters / 111320.0
	lonDeg := meters / (111320.0 * math.Cos(base.Lat*math.Pi/180))
	return Location{
		Lat: base.Lat + (rng.Float64()*2-1)*latDeg,
		Lon: base.Lon + (rng.Float64()*2-1)*lonDeg,
	}
}

// Vehicle is the simulated state of one fleet vehicle.
type Vehicle struct {
	ID         string
	DeviceID   string
	Electric   bool
	Position   Location
	Target     Location
	SpeedKmh   float64
	OdometerKm float64
	EnergyPct  float64

	rng *rand.Rand
}

func newVehicle(index int, rng *rand.Rand) *Vehicle {
	depot := depots[index%len(depots)]
	return &Vehicle{
		ID:         fmt.Sprintf("SIM-%03d", index+1),
		DeviceID:   fmt.Sprintf("obd-sim-%03d", index+1),
		Electric:   rng.Intn(2) == 0,
		Position:   jitter(rng, depot, 500),
		Target:     jitter(rng, depot, 20000),
		SpeedKmh:   30 + rng.Float64()*30,
		OdometerKm: 5000 + math.Round(rng.Float64()*80000),
		EnergyPct:  50 + rng.Float64()*50,
		rng:        rng,
	}
}

// Drive moves the vehicle toward its target for elapsed time and returns the
// distance covered. A new target is picked on arrival.
func (v *Vehicle) Drive(elapsed time.Duration) float64 {
	v.SpeedKmh += (v.rng.Float64()*2 - 1) * 1.5
	v.SpeedKmh = math.Max(15, math.Min(90, v.SpeedKmh))

	step := v.SpeedKmh * elapsed.Hours()
	left := haversineKm(v.Position, v.Target)
	if step >= left {
		v.Position = v.Target
		v.Target = jitter(v.rng, v.Position, 20000)
		step = left
	} else if left > 0 {
		t := step / left
		v.Position = Location{
			Lat: v.Position.Lat + (v.Target.Lat-v.Position.Lat)*t,
			Lon: v.Position.Lon + (v.Target.Lon-v.Position.Lon)*t,
		}
	}

	v.OdometerKm += step
	drain := 0.4
	if v.Electric {
		drain = 0.8
	}
	v.EnergyPct -= step * drain
	if v.EnergyPct < 5 {
		v.EnergyPct = 100
	}
	return step
}

// Report builds the reading for the current state. With probability
// rollbackRate the odometer is wound back by 500 to 5000 km; the true
// odometer is left untouched.
func (v *Vehicle) Report(now time.Time, rollbackRate float64) (Reading, bool) {
	mileage := v.OdometerKm
	rolledBack := false
	if rollbackRate > 0 && v.rng.Float64() < rollbackRate {
		mileage = math.Max(0, mileage-(500+v.rng.Float64()*4500))
		rolledBack = true
	}
	r := Reading{
		DeviceID:  v.DeviceID,
		Mileage:   math.Round(mileage*10) / 10,
		Timestamp: now.UTC(),
		Location:  v.Position,
		Speed:     v.SpeedKmh,
		Source:    "simulator",
	}
	if v.Electric {
		r.BatteryLevel = v.EnergyPct
	} else {
		r.FuelLevel = v.EnergyPct
	}
	return r, rolledBack
}

// Client posts readings to the API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// Send posts one reading and returns the HTTP status. 200 and 422 are
// both accepted outcomes.
func (c *Client) Send(ctx context.Context, vehicleID string, r Reading) (int, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("marshal reading: %w", err)
	}
	url := fmt.Sprintf("%s/vehicles/%s/readings", c.BaseURL, vehicleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post reading: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func simulate(ctx context.Context, c *Client, v *Vehicle, interval time.Duration, rollbackRate float64) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	logger := log.WithField("vehicle_id", v.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			v.Drive(interval)
			reading, rolledBack := v.Report(now, rollbackRate)
			status, err := c.Send(ctx, v.ID, reading)
			if err != nil {
				if ctx.Err() == nil {
					logger.WithError(err).Error("Failed to send reading")
				}
				continue
			}
			entry := logger.WithFields(log.Fields{"mileage": reading.Mileage, "status": status})
			switch {
			case status == http.StatusUnprocessableEntity:
				entry.WithField("injected", rolledBack).Warn("Reading flagged")
			case rolledBack:
				entry.Warn("Injected rollback was not flagged")
			default:
				entry.Debug("Sent reading")
			}
		}
	}
}

// tokenFromEnv prefers a ready-made SIM_AUTH_TOKEN and otherwise signs a
// device token with JWT_SECRET.
func tokenFromEnv(getenv func(string) string) (string, error) {
	if token := getenv("SIM_AUTH_TOKEN"); token != "" {
		return token, nil
	}
	secret := getenv("JWT_SECRET")
	if secret == "" {
		return "", nil
	}
	svc, err := auth.NewService(secret, 0)
	if err != nil {
		return "", err
	}
	return svc.GenerateToken("simulator", models.RoleDevice)
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return def
}

func main() {
	token, err := tokenFromEnv(os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("Failed to build auth token")
	}
	if token == "" {
		log.Warn("No SIM_AUTH_TOKEN or JWT_SECRET set; requests will be rejected")
	}

	apiURL := os.Getenv("API_BASE_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080/api"
	}
	fleetSize := envInt("FLEET_SIZE", 10)
	interval := time.Duration(envInt("SIM_TICK_SECONDS", 2)) * time.Second
	rollbackRate := envFloat("SIM_ROLLBACK_RATE", 0.02)

	log.WithFields(log.Fields{
		"fleet_size":    fleetSize,
		"api_url":       apiURL,
		"interval":      interval,
		"rollback_rate": rollbackRate,
	}).Info("Starting fleet simulation")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &Client{BaseURL: apiURL, Token: token, HTTP: &http.Client{Timeout: 10 * time.Second}}
	seed := time.Now().UnixNano()
	for i := 0; i < fleetSize; i++ {
		v := newVehicle(i, rand.New(rand.NewSource(seed+int64(i))))
		go simulate(ctx, client, v, interval, rollbackRate)
	}

	<-ctx.Done()
	log.Info("Simulation stopped")
}
