package canonical

import (
	"time"

	"github.com/phl-surveillance/platform/internal/shared/types"
)

// EpiWeekEnding returns the Saturday that closes the CDC epidemiological
// week (Sunday through Saturday) containing t.
func EpiWeekEnding(t time.Time) time.Time {
	d := Day(t)
	offset := (int(time.Saturday) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset)
}

// VectorRecordID derives a stable ID for a trap event.
func VectorRecordID(sourceID, recordKey string) types.ID {
	return types.NewDeterministicID("vector", sourceID, recordKey)
}
