package consolidator

import (
	"sort"
	"time"

	"github.com/ukydev/fleet-integrity/internal/models"
)

// DefaultInactivityGap separates two drives when no reading arrives for
// longer than this.
const DefaultInactivityGap = 30 * time.Minute

// Segment is a consolidated segment together with the readings it was cut
// from.
type Segment struct {
	models.TelemetrySegment
	Readings []models.TelemetryReading
}

// BuildSegments orders readings by time and cuts them into segments wherever
// two consecutive readings are more than gap apart. A segment's distance is
// the mileage it covered, never negative. Bounds are kept at millisecond
// precision so they hash the same after a round trip through MongoDB.
func BuildSegments(readings []models.TelemetryReading, gap time.Duration) []Segment {
	if len(readings) == 0 {
		return nil
	}
	if gap <= 0 {
		gap = DefaultInactivityGap
	}
	sorted := make([]models.TelemetryReading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var segments []Segment
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) && sorted[i].Timestamp.Sub(sorted[i-1].Timestamp) <= gap {
			continue
		}
		segments = append(segments, newSegment(sorted[start:i]))
		start = i
	}
	return segments
}

func newSegment(run []models.TelemetryReading) Segment {
	first, last := run[0], run[len(run)-1]
	distance := last.Mileage - first.Mileage
	if distance < 0 {
		distance = 0
	}
	return Segment{
		TelemetrySegment: models.TelemetrySegment{
			StartTime:    first.Timestamp.UTC().Truncate(time.Millisecond),
			EndTime:      last.Timestamp.UTC().Truncate(time.Millisecond),
			Distance:     distance,
			ReadingCount: len(run),
		},
		Readings: run,
	}
}
