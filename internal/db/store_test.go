package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-integrity/internal/models"
)

var t0 = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

// runStoreContract exercises the behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("accepted readings filtered and ordered", func(t *testing.T) {
		s := newStore(t)
		add := func(id string, at time.Time, status models.ValidationStatus) {
			r := models.TelemetryReading{ID: id, VehicleID: "veh-r", Mileage: 1, Timestamp: at}
			require.NoError(t, s.InsertReading(ctx, models.StoredReading{
				ID: id, Reading: r, Result: models.MileageValidationResult{Status: status}, Date: r.Date(),
			}))
		}
		add("r2", t0.Add(2*time.Hour), models.StatusValid)
		add("r1", t0.Add(time.Hour), models.StatusValid)
		add("r3", t0.Add(3*time.Hour), models.StatusRollbackDetected)
		add("r4", t0.Add(24*time.Hour), models.StatusValid)

		got, err := s.FindAcceptedReadings(ctx, "veh-r", "2025-01-01")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "r1", got[0].ID)
		assert.Equal(t, "r2", got[1].ID)
	})

	t.Run("pending readings count once finalized", func(t *testing.T) {
		s := newStore(t)
		r := models.TelemetryReading{ID: "p1", VehicleID: "veh-p", Mileage: 5, Timestamp: t0}
		require.NoError(t, s.InsertReading(ctx, models.StoredReading{
			ID: r.ID, Reading: r, Result: models.MileageValidationResult{Status: models.StatusPending}, Date: r.Date(),
		}))
		got, err := s.FindAcceptedReadings(ctx, "veh-p", "2025-01-01")
		require.NoError(t, err)
		assert.Empty(t, got)

		require.NoError(t, s.UpdateReadingResult(ctx, "veh-p", "p1", models.MileageValidationResult{Status: models.StatusValid}))
		got, err = s.FindAcceptedReadings(ctx, "veh-p", "2025-01-01")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "p1", got[0].ID)

		err = s.UpdateReadingResult(ctx, "veh-p", "missing", models.MileageValidationResult{Status: models.StatusValid})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mileage only advances", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetMileageState(ctx, "veh-m")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.AdvanceMileage(ctx, models.VehicleMileageState{VehicleID: "veh-m", LastVerifiedMileage: 100, LastVerifiedAt: t0}))
		require.NoError(t, s.AdvanceMileage(ctx, models.VehicleMileageState{VehicleID: "veh-m", LastVerifiedMileage: 150, LastVerifiedAt: t0}))
		err = s.AdvanceMileage(ctx, models.VehicleMileageState{VehicleID: "veh-m", LastVerifiedMileage: 120, LastVerifiedAt: t0})
		assert.ErrorIs(t, err, ErrConflict)

		state, err := s.GetMileageState(ctx, "veh-m")
		require.NoError(t, err)
		assert.Equal(t, 150.0, state.LastVerifiedMileage)
	})

	t.Run("alert status transitions are conditional", func(t *testing.T) {
		s := newStore(t)
		alert := &models.FraudAlert{VehicleID: "veh-a", Status: models.AlertActive, DetectedAt: t0}
		require.NoError(t, s.InsertAlert(ctx, alert))
		require.False(t, alert.ID.IsZero())

		require.NoError(t, s.UpdateAlertStatus(ctx, alert.ID.Hex(), models.AlertActive, models.AlertInvestigating, t0))
		err := s.UpdateAlertStatus(ctx, alert.ID.Hex(), models.AlertActive, models.AlertResolved, t0)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.FindAlertByID(ctx, alert.ID.Hex())
		require.NoError(t, err)
		assert.Equal(t, models.AlertInvestigating, got.Status)

		_, err = s.FindAlertByID(ctx, "invalid-id")
		assert.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("alerts newest first", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertAlert(ctx, &models.FraudAlert{VehicleID: "veh-b", DetectedAt: t0, AlertType: "old"}))
		require.NoError(t, s.InsertAlert(ctx, &models.FraudAlert{VehicleID: "veh-b", DetectedAt: t0.Add(time.Minute), AlertType: "new"}))
		alerts, err := s.FindAlerts(ctx, "veh-b")
		require.NoError(t, err)
		require.Len(t, alerts, 2)
		assert.Equal(t, "new", alerts[0].AlertType)
	})

	t.Run("trust append is version conditioned", func(t *testing.T) {
		s := newStore(t)
		ev := models.TrustEvent{ID: "e1", VehicleID: "veh-t", Sequence: 1, NewScore: 100, AppliedAt: t0, Hash: "h1"}
		require.NoError(t, s.AppendTrustEvent(ctx, ev))

		dup := ev
		dup.ID = "e1b"
		assert.ErrorIs(t, s.AppendTrustEvent(ctx, dup), ErrConflict)

		skip := models.TrustEvent{ID: "e3", VehicleID: "veh-t", Sequence: 3, NewScore: 10, AppliedAt: t0}
		assert.ErrorIs(t, s.AppendTrustEvent(ctx, skip), ErrConflict)

		next := models.TrustEvent{ID: "e2", VehicleID: "veh-t", Sequence: 2, DeltaScore: -30, PreviousScore: 100, NewScore: 70, AppliedAt: t0, PrevHash: "h1", Hash: "h2"}
		require.NoError(t, s.AppendTrustEvent(ctx, next))

		score, err := s.GetTrustScore(ctx, "veh-t")
		require.NoError(t, err)
		assert.Equal(t, 70.0, score.CurrentScore)
		assert.Equal(t, int64(2), score.Version)
		assert.Equal(t, "h2", score.LastHash)

		events, err := s.FindTrustEvents(ctx, "veh-t")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].Sequence)
	})

	t.Run("batch unique per vehicle and date", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		results := make([]error, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = s.InsertBatch(ctx, &models.TelemetryBatch{VehicleID: "veh-c", Date: "2025-01-01", Status: models.BatchPending})
			}(i)
		}
		wg.Wait()
		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, ErrDuplicate)
			}
		}
		assert.Equal(t, 1, winners)
	})

	t.Run("batch update is status conditioned", func(t *testing.T) {
		s := newStore(t)
		b := &models.TelemetryBatch{VehicleID: "veh-u", Date: "2025-01-02", Status: models.BatchPending}
		require.NoError(t, s.InsertBatch(ctx, b))

		b.Status = models.BatchConsolidating
		require.NoError(t, s.UpdateBatch(ctx, b, models.BatchPending))
		assert.ErrorIs(t, s.UpdateBatch(ctx, b, models.BatchPending), ErrConflict)

		missing := &models.TelemetryBatch{VehicleID: "veh-u", Date: "1999-01-01"}
		assert.ErrorIs(t, s.UpdateBatch(ctx, missing, models.BatchPending), ErrNotFound)

		got, err := s.FindBatch(ctx, "veh-u", "2025-01-02")
		require.NoError(t, err)
		assert.Equal(t, models.BatchConsolidating, got.Status)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_FindBatchReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := &models.TelemetryBatch{VehicleID: "v", Date: "2025-01-01", Segments: []models.TelemetrySegment{{Distance: 1}}}
	require.NoError(t, s.InsertBatch(ctx, b))

	got, err := s.FindBatch(ctx, "v", "2025-01-01")
	require.NoError(t, err)
	got.Segments[0].Distance = 99

	again, err := s.FindBatch(ctx, "v", "2025-01-01")
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.Segments[0].Distance)
}
