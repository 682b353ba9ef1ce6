package trust

import (
	"context"
	"errors"
	"fmt"

	"github.com/ukydev/fleet-integrity/internal/db"
	"github.com/ukydev/fleet-integrity/internal/models"
)

// VerifyReport is the outcome of replaying a vehicle's ledger.
type VerifyReport struct {
	VehicleID      string   `json:"vehicle_id"`
	Valid          bool     `json:"valid"`
	Events         int      `json:"events"`
	ReplayedScore  float64  `json:"replayed_score"`
	ProjectedScore float64  `json:"projected_score"`
	Problems       []string `json:"problems,omitempty"`
}

// Verify replays the ledger in application order and checks the hash chain,
// the sequence, each event's score pair and the cached projection.
func (l *Ledger) Verify(ctx context.Context, vehicleID string) (VerifyReport, error) {
	report := VerifyReport{VehicleID: vehicleID, Valid: true}
	fail := func(format string, args ...any) {
		report.Valid = false
		report.Problems = append(report.Problems, fmt.Sprintf(format, args...))
	}

	events, err := l.store.FindTrustEvents(ctx, vehicleID)
	if err != nil {
		return report, err
	}
	report.Events = len(events)

	prevHash := ""
	var score float64
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			fail("event %s: sequence %d, want %d", e.ID, e.Sequence, want)
		}
		if e.PrevHash != prevHash {
			fail("event %d: previous hash does not link to event %d", e.Sequence, e.Sequence-1)
		}
		hash, err := EventHash(e)
		if err != nil {
			return report, err
		}
		if hash != e.Hash {
			fail("event %d: hash mismatch", e.Sequence)
		}
		if i > 0 && e.PreviousScore != score {
			fail("event %d: previous score %v, want %v", e.Sequence, e.PreviousScore, score)
		}
		if e.Type == models.TrustEventSeed {
			if e.NewScore != models.ClampScore(e.NewScore) {
				fail("event %d: seed %v out of range", e.Sequence, e.NewScore)
			}
		} else if want := models.ClampScore(e.PreviousScore + e.DeltaScore); e.NewScore != want {
			fail("event %d: new score %v, want %v", e.Sequence, e.NewScore, want)
		}
		score = e.NewScore
		prevHash = e.Hash
	}
	report.ReplayedScore = score

	state, err := l.Score(ctx, vehicleID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return report, err
	}
	if err != nil {
		if len(events) > 0 {
			fail("ledger has %d events but no projection", len(events))
		}
		return report, nil
	}
	report.ProjectedScore = state.CurrentScore
	if state.CurrentScore != score {
		fail("projected score %v, replayed %v", state.CurrentScore, score)
	}
	if state.Version != int64(len(events)) {
		fail("projection version %d, ledger has %d events", state.Version, len(events))
	}
	if state.LastHash != prevHash {
		fail("projection hash does not match the last event")
	}
	return report, nil
}
