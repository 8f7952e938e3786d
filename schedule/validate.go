package schedule

import (
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/teranos/tock/errors"
)

// parser checks field ranges with standard five-field crontab bounds.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate rejects expressions IsEligible cannot evaluate: ranges, names,
// empty fields and out-of-range values.
func Validate(f Fields) error {
	named := []struct {
		name string
		expr string
	}{
		{"minute", f.Minute},
		{"hour", f.Hour},
		{"day_of_month", f.DayOfMonth},
		{"month", f.Month},
		{"day_of_week", f.DayOfWeek},
	}

	for _, field := range named {
		if err := checkForm(field.expr); err != nil {
			return errors.NewInvalidRequestError("%s %q: %s", field.name, field.expr, err)
		}
	}

	if _, err := parser.Parse(f.String()); err != nil {
		return errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	return nil
}

// checkForm accepts "*", "N", "N,M,..." and "*/N".
func checkForm(expr string) error {
	switch {
	case expr == "":
		return errors.New("empty expression")
	case expr == "*":
		return nil
	case strings.HasPrefix(expr, "*/"):
		step, err := strconv.Atoi(expr[2:])
		if err != nil || step <= 0 {
			return errors.New("step must be a positive integer")
		}
		return nil
	}

	for _, member := range strings.Split(expr, ",") {
		if _, err := strconv.Atoi(member); err != nil {
			return errors.New("expected *, a number, a comma list or */N")
		}
	}
	return nil
}
