// Package schedule decides whether a recurring definition is due at a given minute.
//
// Each of the five calendar fields (minute, hour, day of month, month, day of
// week) holds one of:
//
//	*        always matches
//	15       matches when the instant's value is exactly 15
//	2,3      matches when the value is a member of the set
//	*/3      matches when value % 3 == 0
//
// Fields are ANDed. The step form applies the divisor to the absolute field
// value, not to an offset from the start of the field's range, so "*/2" in the
// day-of-month field matches the 2nd, 4th, ... and never the 1st. That is a
// known limitation kept for compatibility with existing schedules.
package schedule

import (
	"strconv"
	"strings"
	"time"
)

// Fields are the five cron-like expressions of a schedule.
type Fields struct {
	Minute     string `json:"minute" yaml:"minute" toml:"minute"`
	Hour       string `json:"hour" yaml:"hour" toml:"hour"`
	DayOfMonth string `json:"day_of_month" yaml:"day_of_month" toml:"day_of_month"`
	Month      string `json:"month" yaml:"month" toml:"month"`
	DayOfWeek  string `json:"day_of_week" yaml:"day_of_week" toml:"day_of_week"`
}

// Every matches every minute.
var Every = Fields{Minute: "*", Hour: "*", DayOfMonth: "*", Month: "*", DayOfWeek: "*"}

// String renders the fields in crontab order.
func (f Fields) String() string {
	return strings.Join([]string{f.Minute, f.Hour, f.DayOfMonth, f.Month, f.DayOfWeek}, " ")
}

// IsEligible reports whether f matches the instant t in t's own location.
// Seconds are ignored.
func IsEligible(f Fields, t time.Time) bool {
	return matchField(f.Minute, t.Minute()) &&
		matchField(f.Hour, t.Hour()) &&
		matchField(f.DayOfMonth, t.Day()) &&
		matchField(f.Month, int(t.Month())) &&
		matchField(f.DayOfWeek, int(t.Weekday()))
}

// matchField tests one expression against one calendar value.
func matchField(expr string, value int) bool {
	current := strconv.Itoa(value)

	if expr == "*" || expr == current {
		return true
	}

	if strings.Contains(expr, ",") {
		for _, member := range strings.Split(expr, ",") {
			if member == current {
				return true
			}
		}
		return false
	}

	if i := strings.LastIndex(expr, "/"); i >= 0 {
		step, err := strconv.Atoi(expr[i+1:])
		if err != nil || step <= 0 {
			return false
		}
		return value%step == 0
	}

	return false
}

// Next returns the first minute strictly after from that f matches,
// searching at most limit ahead. ok is false when nothing matches in range.
func Next(f Fields, from time.Time, limit time.Duration) (next time.Time, ok bool) {
	t := from.Truncate(time.Minute).Add(time.Minute)
	end := from.Add(limit)
	for !t.After(end) {
		if IsEligible(f, t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}
