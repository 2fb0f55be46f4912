// Package gaps finds the days of a requested range that the store has not
// synced yet and collapses them into contiguous ranges for reporting.
package gaps

import (
	"fmt"
	"sort"
	"time"

	"github.com/johnayoung/tamagoyaki/internal/models"
)

// Gap is a run of consecutive unsynced UTC days. Start and End are both
// inclusive day starts.
type Gap struct {
	Start time.Time
	End   time.Time
	Days  int
}

// String renders the gap as "YYYYMMDD-YYYYMMDD (N days)".
func (g Gap) String() string {
	unit := "days"
	if g.Days == 1 {
		unit = "day"
	}
	return fmt.Sprintf("%s-%s (%d %s)", g.Start.Format(models.DateLayout), g.End.Format(models.DateLayout), g.Days, unit)
}

// Collapse groups days into contiguous gaps. Input order does not matter and
// duplicates are ignored.
func Collapse(days []time.Time) []Gap {
	if len(days) == 0 {
		return nil
	}

	sorted := make([]time.Time, 0, len(days))
	seen := make(map[int64]bool, len(days))
	for _, d := range days {
		d = models.TruncateDay(d)
		if seen[d.Unix()] {
			continue
		}
		seen[d.Unix()] = true
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var gaps []Gap
	current := Gap{Start: sorted[0], End: sorted[0], Days: 1}
	for _, d := range sorted[1:] {
		if d.Equal(current.End.Add(models.Day)) {
			current.End = d
			current.Days++
			continue
		}
		gaps = append(gaps, current)
		current = Gap{Start: d, End: d, Days: 1}
	}
	return append(gaps, current)
}
