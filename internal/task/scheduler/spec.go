package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrScheduleInvalid wraps every schedule parse failure so callers can test
// for the class without matching message text.
var ErrScheduleInvalid = errors.New("invalid schedule")

// newParser builds the schedule parser shared by the service.
// SecondOptional allows both 5-field and 6-field (with seconds) cron specs;
// Descriptor enables "@hourly", "@every 5m" and friends.
func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// normalizeSchedule maps the schedule forms we accept onto a string the cron
// parser understands.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "55 * * * *", "@hourly"
//   - Interval duration: "55m", "2h30m" (normalized to "@every ...")
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "every:" forces interval parsing
func normalizeSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: schedule required", ErrScheduleInvalid)
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", fmt.Errorf("%w: cron expression required after 'cron:'", ErrScheduleInvalid)
		}
		return expr, nil
	}
	if strings.HasPrefix(low, "every:") {
		v := strings.TrimSpace(s[len("every:"):])
		d, err := parseInterval(v)
		if err != nil {
			return "", err
		}
		return "@every " + d.String(), nil
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return s, nil
	}

	// A bare Go duration means interval.
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("%w: interval must be > 0", ErrScheduleInvalid)
		}
		return "@every " + d.String(), nil
	}

	return "", fmt.Errorf(
		"%w: %q (use cron like '*/5 * * * *' or a duration like '55m')", ErrScheduleInvalid, raw)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrScheduleInvalid)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: interval %q (use a Go duration like '55m'/'2h30m')", ErrScheduleInvalid, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrScheduleInvalid)
	}
	return d, nil
}
