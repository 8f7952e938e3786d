package schedule

import (
	"strings"

	"github.com/teranos/tock/errors"
)

// Parse splits a crontab-style line "m h dom mon dow" into Fields and validates it.
func Parse(expr string) (Fields, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Fields{}, errors.NewInvalidRequestError("expected 5 fields (minute hour day_of_month month day_of_week), got %d", len(parts))
	}
	f := Fields{
		Minute:     parts[0],
		Hour:       parts[1],
		DayOfMonth: parts[2],
		Month:      parts[3],
		DayOfWeek:  parts[4],
	}
	if err := Validate(f); err != nil {
		return Fields{}, err
	}
	return f, nil
}
