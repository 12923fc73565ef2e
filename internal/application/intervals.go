package application

import (
	"fmt"
	"sort"
)

// IntervalConflict describes two intervals of one participant that violate
// the non-overlap rule.
type IntervalConflict struct {
	ParticipantKey string
	FirstID        string
	SecondID       string
	Reason         string
}

// IntervalConflictError aggregates every conflict found by ValidateIntervals.
type IntervalConflictError struct {
	Conflicts []IntervalConflict
}

// Error implements the error interface.
func (e *IntervalConflictError) Error() string {
	if e == nil || len(e.Conflicts) == 0 {
		return ""
	}
	c := e.Conflicts[0]
	if len(e.Conflicts) == 1 {
		return fmt.Sprintf("application: interval %s conflicts with %s for %q: %s", c.SecondID, c.FirstID, c.ParticipantKey, c.Reason)
	}
	return fmt.Sprintf("application: %d interval conflicts, first for %q: %s", len(e.Conflicts), c.ParticipantKey, c.Reason)
}

// ValidateIntervals checks per participant that intervals do not overlap,
// that at most one is open and that an open interval is the latest one.
func ValidateIntervals(intervals []AttendanceInterval) error {
	byKey := make(map[string][]AttendanceInterval)
	var keys []string
	for _, iv := range intervals {
		if _, ok := byKey[iv.ParticipantKey]; !ok {
			keys = append(keys, iv.ParticipantKey)
		}
		byKey[iv.ParticipantKey] = append(byKey[iv.ParticipantKey], iv)
	}

	var conflicts []IntervalConflict
	for _, key := range keys {
		list := byKey[key]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].OpenedAt.Before(list[j].OpenedAt)
		})
		for i, iv := range list {
			if iv.ClosedAt != nil && iv.ClosedAt.Before(iv.OpenedAt) {
				conflicts = append(conflicts, IntervalConflict{ParticipantKey: key, FirstID: iv.ID, SecondID: iv.ID, Reason: "closed before opened"})
			}
			if i == 0 {
				continue
			}
			prev := list[i-1]
			switch {
			case prev.ClosedAt == nil:
				conflicts = append(conflicts, IntervalConflict{ParticipantKey: key, FirstID: prev.ID, SecondID: iv.ID, Reason: "opened while another interval is open"})
			case iv.OpenedAt.Before(*prev.ClosedAt):
				conflicts = append(conflicts, IntervalConflict{ParticipantKey: key, FirstID: prev.ID, SecondID: iv.ID, Reason: "overlaps previous interval"})
			}
		}
	}

	if len(conflicts) == 0 {
		return nil
	}
	return &IntervalConflictError{Conflicts: conflicts}
}
