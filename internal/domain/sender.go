package domain

import "time"

// SendWindow is the (days-of-week, start-end clock interval, timezone)
// outside of which a sender may not send.
type SendWindow struct {
	Days     map[time.Weekday]bool `json:"days" db:"-"`
	StartHHMM string               `json:"start" db:"window_start"` // "09:00"
	EndHHMM   string               `json:"end" db:"window_end"`     // "17:00"
	Timezone  string               `json:"timezone" db:"window_tz"`
}

// Sender is the identity a sequence sends as: its display details, its
// rate-governing configuration, and its warmup state.
type Sender struct {
	Email            string     `json:"email" db:"email"`
	Name             string     `json:"name" db:"name"`
	Title            string     `json:"title" db:"title"`
	Phone            string     `json:"phone,omitempty" db:"phone"`
	SignatureRich    string     `json:"signature_rich" db:"signature_rich"`
	SignaturePlain   string     `json:"signature_plain" db:"signature_plain"`
	WarmupEnabled    bool       `json:"warmup_enabled" db:"warmup_enabled"`
	WarmupStartDate  *time.Time `json:"warmup_start_date,omitempty" db:"warmup_start_date"`
	RampKey          string     `json:"ramp_key,omitempty" db:"ramp_key"`
	DailyCap         int        `json:"daily_cap" db:"daily_cap"`
	OnHold           bool       `json:"on_hold" db:"on_hold"`
	Window           SendWindow `json:"window" db:"-"`
}

// RampCurve is a lookup table of per-day send caps during warmup, keyed
// by the number of days since warmup started (1-based). Days past the
// table's length fall back to the sender's DailyCap.
type RampCurve []int

// CapForDay returns the warmup cap for the given 1-based day number,
// falling back to dailyCap once the curve is exhausted.
func (c RampCurve) CapForDay(day int, dailyCap int) int {
	if day < 1 || day > len(c) {
		return dailyCap
	}
	return c[day-1]
}

// DefaultRampCurves holds the named ramp tables senders can reference by
// RampKey. "standard" ramps from 5/day to 50/day over four weeks, the
// shape used for most inbox warmup guidance.
var DefaultRampCurves = map[string]RampCurve{
	"standard": buildStandardRamp(),
	"fast": {10, 15, 20, 25, 35, 45, 50, 60, 75, 90, 100},
}

func buildStandardRamp() RampCurve {
	curve := make(RampCurve, 28)
	stages := []struct {
		throughDay int
		volume     int
	}{
		{7, 5}, {14, 15}, {21, 30}, {28, 50},
	}
	day := 0
	for _, stage := range stages {
		for day < stage.throughDay {
			curve[day] = stage.volume
			day++
		}
	}
	return curve
}
