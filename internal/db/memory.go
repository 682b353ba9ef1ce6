package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ukydev/fleet-integrity/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type batchKey struct {
	vehicleID string
	date      string
}

// MemoryStore implements Store in process memory. It enforces the same
// uniqueness and conditional-write rules as MongoStore.
type MemoryStore struct {
	mu       sync.RWMutex
	readings map[string][]models.StoredReading
	mileage  map[string]models.VehicleMileageState
	alerts   map[primitive.ObjectID]models.FraudAlert
	scores   map[string]models.TrustScoreState
	events   map[string][]models.TrustEvent
	batches  map[batchKey]models.TelemetryBatch
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings: make(map[string][]models.StoredReading),
		mileage:  make(map[string]models.VehicleMileageState),
		alerts:   make(map[primitive.ObjectID]models.FraudAlert),
		scores:   make(map[string]models.TrustScoreState),
		events:   make(map[string][]models.TrustEvent),
		batches:  make(map[batchKey]models.TelemetryBatch),
	}
}

// InsertReading stores an ingested reading with its validation result.
func (s *MemoryStore) InsertReading(ctx context.Context, reading models.StoredReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := reading.Reading.VehicleID
	for _, existing := range s.readings[id] {
		if existing.ID == reading.ID {
			return ErrDuplicate
		}
	}
	s.readings[id] = append(s.readings[id], reading)
	return nil
}

// UpdateReadingResult sets the validation result of a stored reading.
func (s *MemoryStore) UpdateReadingResult(ctx context.Context, vehicleID, id string, result models.MileageValidationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.readings[vehicleID] {
		if existing.ID == id {
			s.readings[vehicleID][i].Result = result
			return nil
		}
	}
	return ErrNotFound
}

// FindAcceptedReadings returns VALID readings for the date, oldest first.
func (s *MemoryStore) FindAcceptedReadings(ctx context.Context, vehicleID, date string) ([]models.TelemetryReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TelemetryReading
	for _, r := range s.readings[vehicleID] {
		if r.Date == date && r.Result.Status == models.StatusValid {
			out = append(out, r.Reading)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// GetMileageState returns the verified mileage of a vehicle.
func (s *MemoryStore) GetMileageState(ctx context.Context, vehicleID string) (*models.VehicleMileageState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.mileage[vehicleID]
	if !ok {
		return nil, ErrNotFound
	}
	return &state, nil
}

// AdvanceMileage stores state if it does not move the mileage backwards.
func (s *MemoryStore) AdvanceMileage(ctx context.Context, state models.VehicleMileageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.mileage[state.VehicleID]; ok && current.LastVerifiedMileage > state.LastVerifiedMileage {
		return ErrConflict
	}
	s.mileage[state.VehicleID] = state
	return nil
}

// InsertAlert stores a new alert and assigns its ID.
func (s *MemoryStore) InsertAlert(ctx context.Context, alert *models.FraudAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert.ID.IsZero() {
		alert.ID = primitive.NewObjectID()
	}
	s.alerts[alert.ID] = *alert
	return nil
}

// FindAlerts returns a vehicle's alerts, newest first.
func (s *MemoryStore) FindAlerts(ctx context.Context, vehicleID string) ([]models.FraudAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.FraudAlert{}
	for _, a := range s.alerts {
		if a.VehicleID == vehicleID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID.Hex() > out[j].ID.Hex()
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out, nil
}

// FindAlertByID finds an alert by its hex ID.
func (s *MemoryStore) FindAlertByID(ctx context.Context, id string) (*models.FraudAlert, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: alert %q", ErrInvalidID, id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[objectID]
	if !ok {
		return nil, ErrNotFound
	}
	return &alert, nil
}

// UpdateAlertStatus moves an alert between statuses.
func (s *MemoryStore) UpdateAlertStatus(ctx context.Context, id string, from, to models.AlertStatus, at time.Time) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%w: alert %q", ErrInvalidID, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[objectID]
	if !ok {
		return ErrNotFound
	}
	if alert.Status != from {
		return ErrConflict
	}
	alert.Status = to
	alert.UpdatedAt = at
	s.alerts[objectID] = alert
	return nil
}

// GetTrustScore returns the cached projection.
func (s *MemoryStore) GetTrustScore(ctx context.Context, vehicleID string) (*models.TrustScoreState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.scores[vehicleID]
	if !ok {
		return nil, ErrNotFound
	}
	return &score, nil
}

// AppendTrustEvent commits an event and its projection under one lock.
func (s *MemoryStore) AppendTrustEvent(ctx context.Context, event models.TrustEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.scores[event.VehicleID]
	switch {
	case !ok && event.Sequence != 1:
		return ErrConflict
	case ok && current.Version != event.Sequence-1:
		return ErrConflict
	}
	event.Metadata = copyMetadata(event.Metadata)
	s.events[event.VehicleID] = append(s.events[event.VehicleID], event)
	s.scores[event.VehicleID] = projectionFrom(event)
	return nil
}

// FindTrustEvents returns events in application order.
func (s *MemoryStore) FindTrustEvents(ctx context.Context, vehicleID string) ([]models.TrustEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[vehicleID]
	out := make([]models.TrustEvent, len(events))
	copy(out, events)
	return out, nil
}

// InsertBatch creates a batch; (vehicle, date) is unique.
func (s *MemoryStore) InsertBatch(ctx context.Context, batch *models.TelemetryBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := batchKey{batch.VehicleID, batch.Date}
	if _, ok := s.batches[key]; ok {
		return ErrDuplicate
	}
	if batch.ID.IsZero() {
		batch.ID = primitive.NewObjectID()
	}
	s.batches[key] = cloneBatch(*batch)
	return nil
}

// FindBatch finds the batch for a vehicle and date.
func (s *MemoryStore) FindBatch(ctx context.Context, vehicleID, date string) (*models.TelemetryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchKey{vehicleID, date}]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneBatch(batch)
	return &out, nil
}

// UpdateBatch replaces a batch still in the expected status.
func (s *MemoryStore) UpdateBatch(ctx context.Context, batch *models.TelemetryBatch, expected models.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := batchKey{batch.VehicleID, batch.Date}
	current, ok := s.batches[key]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected {
		return ErrConflict
	}
	s.batches[key] = cloneBatch(*batch)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func cloneBatch(b models.TelemetryBatch) models.TelemetryBatch {
	if b.Segments != nil {
		b.Segments = append([]models.TelemetrySegment(nil), b.Segments...)
	}
	if b.AnchorRefs != nil {
		b.AnchorRefs = append([]string(nil), b.AnchorRefs...)
	}
	return b
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
