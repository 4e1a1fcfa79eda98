package usage

import "time"

// DefaultWindow is the trailing quota window. It is not calendar aligned.
const DefaultWindow = 24 * time.Hour

// WindowBounds returns the trailing window [end-size, end].
// This is a PURE function.
func WindowBounds(end time.Time, size time.Duration) (start time.Time) {
	if size <= 0 {
		size = DefaultWindow
	}
	return end.Add(-size)
}

// InWindow reports whether t lies in the closed interval [start, end].
func InWindow(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

// LatestReset returns the newest reset timestamp in [start, end], if any.
// This is a PURE function.
func LatestReset(events []Event, start, end time.Time) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, e := range events {
		if e.EffectiveKind() != KindReset || !InWindow(e.Timestamp, start, end) {
			continue
		}
		if !found || e.Timestamp.After(latest) {
			latest = e.Timestamp
			found = true
		}
	}
	return latest, found
}

// Aggregate sums a subject's events over the trailing window ending at end.
// Consumption before the latest reset in the window is excluded; grants count
// from the effective window start as well.
// This is a PURE function.
func Aggregate(subjectID string, events []Event, end time.Time, size time.Duration) Usage {
	start := WindowBounds(end, size)
	if reset, ok := LatestReset(events, start, end); ok {
		start = reset
	}

	result := Usage{
		SubjectID:   subjectID,
		WindowStart: start,
		WindowEnd:   end,
	}

	for _, e := range events {
		if e.SubjectID != subjectID || !InWindow(e.Timestamp, start, end) {
			continue
		}
		switch e.EffectiveKind() {
		case KindConsumption:
			result.UnitsUsed = SaturatingAdd(result.UnitsUsed, e.Units.Total())
			result.InputUnits = SaturatingAdd(result.InputUnits, e.Units.Input)
			result.OutputUnits = SaturatingAdd(result.OutputUnits, e.Units.Output)
			result.CostEstimate += e.CostEstimate
			result.EventCount++
		case KindGrant:
			result.GrantedUnits = SaturatingAdd(result.GrantedUnits, e.Units.Total())
		}
	}

	return result
}
