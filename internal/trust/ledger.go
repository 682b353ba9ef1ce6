// Package trust keeps each vehicle's trust score as an append-only,
// hash-chained ledger of score events with a cached projection of the
// current score.
//
// All writes for one vehicle run under that vehicle's key lock. The store
// additionally conditions every append on the projection version, so a
// second process writing the same vehicle loses with db.ErrConflict and the
// ledger re-reads and retries.
package trust

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ukydev/fleet-integrity/internal/codec"
	"github.com/ukydev/fleet-integrity/internal/db"
	"github.com/ukydev/fleet-integrity/internal/keylock"
	"github.com/ukydev/fleet-integrity/internal/models"
	"github.com/zeebo/blake3"
)

var (
	ErrInvalidScore = errors.New("trust: score must be a finite number in [0, 100]")
	ErrInvalidDelta = errors.New("trust: delta must be a finite number")
	ErrInvalidEvent = errors.New("trust: event requires a vehicle ID and a type")
)

// Config tunes the ledger.
type Config struct {
	// DefaultSeed is the score a vehicle starts from when an event arrives
	// before it was seeded.
	DefaultSeed float64
	// MaxRetries bounds how often an append is retried after losing a
	// version race.
	MaxRetries int
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{DefaultSeed: models.MaxTrustScore, MaxRetries: 5}
}

// EventInput describes a score adjustment.
type EventInput struct {
	VehicleID  string
	Type       string
	DeltaScore float64
	RecordedAt time.Time
	Source     string
	Metadata   map[string]string
}

// Ledger applies and audits trust events.
type Ledger struct {
	store db.TrustStore
	locks *keylock.Locks
	cfg   Config
	now   func() time.Time
}

// NewLedger creates a Ledger. A nil locks gets a private lock set.
func NewLedger(store db.TrustStore, locks *keylock.Locks, cfg Config) *Ledger {
	if locks == nil {
		locks = keylock.New()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Ledger{store: store, locks: locks, cfg: cfg, now: time.Now}
}

// Seed sets a vehicle's score. The seed is itself a ledger entry, so
// re-seeding keeps the earlier history.
func (l *Ledger) Seed(ctx context.Context, vehicleID string, score float64, source string) (models.ScoreChange, error) {
	if vehicleID == "" {
		return models.ScoreChange{}, ErrInvalidEvent
	}
	if math.IsNaN(score) || math.IsInf(score, 0) || score < models.MinTrustScore || score > models.MaxTrustScore {
		return models.ScoreChange{}, fmt.Errorf("%w: got %v", ErrInvalidScore, score)
	}
	return l.append(ctx, EventInput{
		VehicleID:  vehicleID,
		Type:       models.TrustEventSeed,
		RecordedAt: l.now(),
		Source:     source,
	}, func(previous float64) float64 { return score })
}

// Apply appends an adjustment of in.DeltaScore. The resulting score is
// clamped to [0, 100]; the event keeps the requested delta.
func (l *Ledger) Apply(ctx context.Context, in EventInput) (models.ScoreChange, error) {
	if in.VehicleID == "" || in.Type == "" {
		return models.ScoreChange{}, ErrInvalidEvent
	}
	if math.IsNaN(in.DeltaScore) || math.IsInf(in.DeltaScore, 0) {
		return models.ScoreChange{}, fmt.Errorf("%w: got %v", ErrInvalidDelta, in.DeltaScore)
	}
	return l.append(ctx, in, func(previous float64) float64 {
		return models.ClampScore(previous + in.DeltaScore)
	})
}

func (l *Ledger) append(ctx context.Context, in EventInput, next func(previous float64) float64) (models.ScoreChange, error) {
	unlock := l.locks.Lock(in.VehicleID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < l.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.ScoreChange{}, err
		}
		event, err := l.nextEvent(ctx, in, next)
		if err != nil {
			return models.ScoreChange{}, err
		}
		err = l.store.AppendTrustEvent(ctx, event)
		if err == nil {
			return models.ScoreChange{
				VehicleID:     event.VehicleID,
				PreviousScore: event.PreviousScore,
				NewScore:      event.NewScore,
				Sequence:      event.Sequence,
			}, nil
		}
		if !errors.Is(err, db.ErrConflict) {
			return models.ScoreChange{}, fmt.Errorf("append trust event: %w", err)
		}
		lastErr = err
	}
	return models.ScoreChange{}, fmt.Errorf("append trust event after %d attempts: %w", l.cfg.MaxRetries, lastErr)
}

// nextEvent builds the event that follows the current projection.
func (l *Ledger) nextEvent(ctx context.Context, in EventInput, next func(previous float64) float64) (models.TrustEvent, error) {
	previous := l.cfg.DefaultSeed
	var version int64
	var prevHash string
	state, err := l.store.GetTrustScore(ctx, in.VehicleID)
	switch {
	case err == nil:
		previous = state.CurrentScore
		version = state.Version
		prevHash = state.LastHash
	case errors.Is(err, db.ErrNotFound):
	default:
		return models.TrustEvent{}, fmt.Errorf("read trust score: %w", err)
	}

	newScore := next(previous)
	delta := in.DeltaScore
	if in.Type == models.TrustEventSeed {
		delta = newScore - previous
	}
	recordedAt := in.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = l.now()
	}
	event := models.TrustEvent{
		ID:            uuid.NewString(),
		VehicleID:     in.VehicleID,
		Sequence:      version + 1,
		Type:          in.Type,
		DeltaScore:    delta,
		PreviousScore: previous,
		NewScore:      newScore,
		RecordedAt:    recordedAt.UTC().Truncate(time.Millisecond),
		AppliedAt:     l.now().UTC().Truncate(time.Millisecond),
		Source:        in.Source,
		Metadata:      in.Metadata,
		PrevHash:      prevHash,
	}
	hash, err := EventHash(event)
	if err != nil {
		return models.TrustEvent{}, err
	}
	event.Hash = hash
	return event, nil
}

// Score returns the cached projection. It returns db.ErrNotFound for a
// vehicle that has never been seeded or adjusted.
func (l *Ledger) Score(ctx context.Context, vehicleID string) (models.TrustScoreState, error) {
	state, err := l.store.GetTrustScore(ctx, vehicleID)
	if err != nil {
		return models.TrustScoreState{}, err
	}
	return *state, nil
}

// History returns a vehicle's events, most recently applied first.
func (l *Ledger) History(ctx context.Context, vehicleID string) ([]models.TrustEvent, error) {
	events, err := l.store.FindTrustEvents(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Sequence > events[j].Sequence })
	return events, nil
}

// hashFields is the canonical form of an event for hashing. Times are UTC
// unix milliseconds, the precision every store keeps.
type hashFields struct {
	_             struct{} `cbor:",toarray"`
	ID            string
	VehicleID     string
	Sequence      int64
	Type          string
	DeltaScore    float64
	PreviousScore float64
	NewScore      float64
	RecordedAt    int64
	AppliedAt     int64
	Source        string
	Metadata      map[string]string
	PrevHash      string
}

// EventHash returns the hex BLAKE3 digest of the event's canonical CBOR
// encoding. The Hash field itself is not covered.
func EventHash(e models.TrustEvent) (string, error) {
	data, err := codec.Marshal(hashFields{
		ID:            e.ID,
		VehicleID:     e.VehicleID,
		Sequence:      e.Sequence,
		Type:          e.Type,
		DeltaScore:    e.DeltaScore,
		PreviousScore: e.PreviousScore,
		NewScore:      e.NewScore,
		RecordedAt:    e.RecordedAt.UnixMilli(),
		AppliedAt:     e.AppliedAt.UnixMilli(),
		Source:        e.Source,
		Metadata:      e.Metadata,
		PrevHash:      e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("encode trust event: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
