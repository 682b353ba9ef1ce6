package trust

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-integrity/internal/db"
	"github.com/ukydev/fleet-integrity/internal/models"
)

func newLedger() (*Ledger, *db.MemoryStore) {
	store := db.NewMemoryStore()
	return NewLedger(store, nil, DefaultConfig()), store
}

func TestSeedAndApply(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	change, err := l.Seed(ctx, "veh-1", 100, "test")
	require.NoError(t, err)
	assert.Equal(t, 100.0, change.NewScore)

	change, err = l.Apply(ctx, EventInput{VehicleID: "veh-1", Type: "odometer_rollback", DeltaScore: -30})
	require.NoError(t, err)
	assert.Equal(t, 100.0, change.PreviousScore)
	assert.Equal(t, 70.0, change.NewScore)

	change, err = l.Apply(ctx, EventInput{VehicleID: "veh-1", Type: "odometer_rollback", DeltaScore: -30})
	require.NoError(t, err)
	assert.Equal(t, 70.0, change.PreviousScore)
	assert.Equal(t, 40.0, change.NewScore)
	assert.Equal(t, int64(3), change.Sequence)

	state, err := l.Score(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, 40.0, state.CurrentScore)

	history, err := l.History(ctx, "veh-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 40.0, history[0].NewScore)
	assert.Equal(t, models.TrustEventSeed, history[2].Type)
}

func TestApply_Clamps(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()
	_, err := l.Seed(ctx, "veh-1", 10, "test")
	require.NoError(t, err)

	change, err := l.Apply(ctx, EventInput{VehicleID: "veh-1", Type: "penalty", DeltaScore: -50})
	require.NoError(t, err)
	assert.Equal(t, 0.0, change.NewScore)

	change, err = l.Apply(ctx, EventInput{VehicleID: "veh-1", Type: "bonus", DeltaScore: 500})
	require.NoError(t, err)
	assert.Equal(t, 100.0, change.NewScore)

	history, err := l.History(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, 500.0, history[0].DeltaScore)
}

func TestApply_UnseededStartsFromDefault(t *testing.T) {
	l, _ := newLedger()
	change, err := l.Apply(context.Background(), EventInput{VehicleID: "veh-new", Type: "impossible_distance", DeltaScore: -20})
	require.NoError(t, err)
	assert.Equal(t, 100.0, change.PreviousScore)
	assert.Equal(t, 80.0, change.NewScore)
	assert.Equal(t, int64(1), change.Sequence)
}

func TestScore_NeverTouched(t *testing.T) {
	l, _ := newLedger()
	_, err := l.Score(context.Background(), "ghost")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRejectsInvalidInputWithoutWriting(t *testing.T) {
	ctx := context.Background()
	l, store := newLedger()

	for _, score := range []float64{-1, 101, math.NaN(), math.Inf(1)} {
		_, err := l.Seed(ctx, "veh-1", score, "test")
		assert.ErrorIs(t, err, ErrInvalidScore)
	}
	for _, delta := range []float64{math.NaN(), math.Inf(-1)} {
		_, err := l.Apply(ctx, EventInput{VehicleID: "veh-1", Type: "x", DeltaScore: delta})
		assert.ErrorIs(t, err, ErrInvalidDelta)
	}
	_, err := l.Apply(ctx, EventInput{VehicleID: "veh-1", DeltaScore: 1})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	events, err := store.FindTrustEvents(ctx, "veh-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestApply_ConcurrentEventsBothLand(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()
	_, err := l.Seed(ctx, "veh-1", 100, "test")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, delta := range []float64{-20, -15} {
		wg.Add(1)
		go func(delta float64) {
			defer wg.Done()
			_, err := l.Apply(ctx, EventInput{VehicleID: "veh-1", Type: "penalty", DeltaScore: delta})
			assert.NoError(t, err)
		}(delta)
	}
	wg.Wait()

	state, err := l.Score(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, 65.0, state.CurrentScore)

	report, err := l.Verify(ctx, "veh-1")
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Problems)
	assert.Equal(t, 3, report.Events)
}

func TestApply_ManyConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()
	_, err := l.Seed(ctx, "veh-1", 0, "test")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Apply(ctx, EventInput{VehicleID: "veh-1", Type: "bonus", DeltaScore: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := l.Score(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, state.CurrentScore)
	assert.Equal(t, int64(51), state.Version)
}

// conflictingStore loses the first n appends, as if another process had
// written the vehicle in between.
type conflictingStore struct {
	*db.MemoryStore
	failures int
	calls    int
}

func (s *conflictingStore) AppendTrustEvent(ctx context.Context, event models.TrustEvent) error {
	s.calls++
	if s.calls <= s.failures {
		return db.ErrConflict
	}
	return s.MemoryStore.AppendTrustEvent(ctx, event)
}

func TestApply_RetriesOnConflict(t *testing.T) {
	store := &conflictingStore{MemoryStore: db.NewMemoryStore(), failures: 2}
	l := NewLedger(store, nil, DefaultConfig())

	change, err := l.Apply(context.Background(), EventInput{VehicleID: "veh-1", Type: "penalty", DeltaScore: -10})
	require.NoError(t, err)
	assert.Equal(t, 90.0, change.NewScore)
	assert.Equal(t, 3, store.calls)
}

func TestApply_GivesUpAfterMaxRetries(t *testing.T) {
	store := &conflictingStore{MemoryStore: db.NewMemoryStore(), failures: 100}
	l := NewLedger(store, nil, Config{DefaultSeed: 100, MaxRetries: 3})

	_, err := l.Apply(context.Background(), EventInput{VehicleID: "veh-1", Type: "penalty", DeltaScore: -10})
	assert.True(t, errors.Is(err, db.ErrConflict))
	assert.Equal(t, 3, store.calls)
}

func TestVerify_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	l, store := newLedger()
	_, err := l.Seed(ctx, "veh-1", 100, "test")
	require.NoError(t, err)
	_, err = l.Apply(ctx, EventInput{VehicleID: "veh-1", Type: "penalty", DeltaScore: -30})
	require.NoError(t, err)

	report, err := l.Verify(ctx, "veh-1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 70.0, report.ReplayedScore)

	events, err := store.FindTrustEvents(ctx, "veh-1")
	require.NoError(t, err)
	tampered := events[1]
	tampered.DeltaScore = -10
	tampered.NewScore = 90

	forged := db.NewMemoryStore()
	require.NoError(t, forged.AppendTrustEvent(ctx, events[0]))
	require.NoError(t, forged.AppendTrustEvent(ctx, tampered))

	report, err = NewLedger(forged, nil, DefaultConfig()).Verify(ctx, "veh-1")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Problems)
}

func TestVerify_EmptyLedger(t *testing.T) {
	l, _ := newLedger()
	report, err := l.Verify(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.Events)
}

func TestEventHash_CoversFields(t *testing.T) {
	e := models.TrustEvent{ID: "e", VehicleID: "v", Sequence: 1, Type: "seed", NewScore: 100}
	h1, err := EventHash(e)
	require.NoError(t, err)
	e.NewScore = 99
	h2, err := EventHash(e)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Len(t, h1, 64)
}
