package rategovernor

import (
	"time"

	"github.com/ignite/sequencer/internal/domain"
)

// effectiveCap computes the sender's cap for "now": the plain daily cap
// when warmup is disabled, otherwise the ramp curve's cap for the number
// of days since warmup started (table days past the curve's end fall
// back to the daily cap). Day boundaries are evaluated in the sender's
// send-window timezone, the same location inWindow/nextWindowOpening
// use, so a warmup day rolls over at local midnight rather than UTC
// midnight.
func effectiveCap(sender domain.Sender, now time.Time) int {
	if !sender.WarmupEnabled || sender.WarmupStartDate == nil {
		return sender.DailyCap
	}
	curve, ok := domain.DefaultRampCurves[sender.RampKey]
	if !ok {
		return sender.DailyCap
	}
	loc, err := windowLocation(sender.Window)
	if err != nil {
		loc = time.UTC
	}
	daysSince := daysSinceStart(*sender.WarmupStartDate, now, loc)
	return curve.CapForDay(daysSince, sender.DailyCap)
}

// daysSinceStart returns the 1-based warmup day number for "now" given a
// warmup start date, both truncated to calendar dates in loc.
func daysSinceStart(start, now time.Time, loc *time.Location) int {
	startLocal := start.In(loc)
	nowLocal := now.In(loc)
	startDate := time.Date(startLocal.Year(), startLocal.Month(), startLocal.Day(), 0, 0, 0, 0, loc)
	nowDate := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), 0, 0, 0, 0, loc)
	days := int(nowDate.Sub(startDate).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	return days
}

// dateKey formats now as the calendar-date key used in warmup_counts,
// evaluated in loc so the key matches the calendar date the sender's
// send window itself uses.
func dateKey(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("2006-01-02")
}
