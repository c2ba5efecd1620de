package ledger

import (
	"fmt"
	"time"
)

// TimeRange is a half-open [Start, End) query window.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// RangeBounds resolves a named range relative to now, in UTC. Recognized
// names: "today", "7d", "30d", "month" (current calendar month), and
// "custom" with explicit bounds.
func RangeBounds(name string, now time.Time, customStart, customEnd *time.Time) (TimeRange, error) {
	now = now.UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch name {
	case "", "today":
		return TimeRange{Start: startOfDay, End: startOfDay.AddDate(0, 0, 1)}, nil
	case "7d":
		return TimeRange{Start: startOfDay.AddDate(0, 0, -6), End: startOfDay.AddDate(0, 0, 1)}, nil
	case "30d":
		return TimeRange{Start: startOfDay.AddDate(0, 0, -29), End: startOfDay.AddDate(0, 0, 1)}, nil
	case "month":
		startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return TimeRange{Start: startOfMonth, End: startOfMonth.AddDate(0, 1, 0)}, nil
	case "custom":
		if customStart == nil || customEnd == nil {
			return TimeRange{}, fmt.Errorf("custom range requires explicit start and end")
		}
		if !customEnd.After(*customStart) {
			return TimeRange{}, fmt.Errorf("custom range end must be after start")
		}
		return TimeRange{Start: customStart.UTC(), End: customEnd.UTC()}, nil
	default:
		return TimeRange{}, fmt.Errorf("unknown range %q", name)
	}
}
