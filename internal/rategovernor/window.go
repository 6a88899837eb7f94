package rategovernor

import (
	"time"

	"github.com/ignite/sequencer/internal/domain"
)

// inWindow reports whether now, converted to the window's timezone,
// falls within the configured day-of-week and clock-time bounds.
func inWindow(w domain.SendWindow, now time.Time) (bool, error) {
	loc, err := windowLocation(w)
	if err != nil {
		return false, err
	}
	local := now.In(loc)

	if len(w.Days) > 0 && !w.Days[local.Weekday()] {
		return false, nil
	}

	startMin, err := parseHHMM(w.StartHHMM)
	if err != nil {
		return false, err
	}
	endMin, err := parseHHMM(w.EndHHMM)
	if err != nil {
		return false, err
	}
	nowMin := local.Hour()*60 + local.Minute()

	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin, nil
	}
	// Window wraps past midnight (e.g. 22:00-02:00).
	return nowMin >= startMin || nowMin < endMin, nil
}

// nextWindowOpening returns the first window start (StartHHMM on an
// eligible day) on or after from. It returns from itself only when from
// is exactly a start instant; from later inside an open window, it
// returns the next eligible day's start.
func nextWindowOpening(w domain.SendWindow, from time.Time) (time.Time, error) {
	loc, err := windowLocation(w)
	if err != nil {
		return time.Time{}, err
	}
	startMin, err := parseHHMM(w.StartHHMM)
	if err != nil {
		return time.Time{}, err
	}

	local := from.In(loc)
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		if len(w.Days) > 0 && !w.Days[day.Weekday()] {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), startMin/60, startMin%60, 0, 0, loc)
		if !candidate.Before(from) {
			return candidate.In(time.UTC), nil
		}
	}
	// No eligible day found in a week; fall back to a week out (should not
	// happen given a non-empty window with at least one allowed day).
	return from.AddDate(0, 0, 7).In(time.UTC), nil
}

func windowLocation(w domain.SendWindow) (*time.Location, error) {
	if w.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(w.Timezone)
}

func parseHHMM(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
