package scheduler

import (
	"errors"
	"testing"
)

func TestNormalizeScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "cron", raw: "*/5 * * * *", want: "*/5 * * * *"},
		{name: "cron with seconds", raw: "30 */5 * * * *", want: "30 */5 * * * *"},
		{name: "descriptor", raw: "@hourly", want: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", want: "0 0 * * *"},
		{name: "duration", raw: "55m", want: "@every 55m0s"},
		{name: "compound duration", raw: "2h30m", want: "@every 2h30m0s"},
		{name: "prefixed interval", raw: "every:45s", want: "@every 45s"},
		{name: "surrounding space", raw: "  @daily  ", want: "@daily"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeSchedule(tt.raw)
			if err != nil {
				t.Fatalf("normalizeSchedule(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("normalizeSchedule(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "every:", "every:nope", "-5m", "0s"} {
		if _, err := normalizeSchedule(raw); !errors.Is(err, ErrScheduleInvalid) {
			t.Fatalf("normalizeSchedule(%q) error = %v, want ErrScheduleInvalid", raw, err)
		}
	}
}

func TestNormalizedSpecsParse(t *testing.T) {
	t.Parallel()
	p := newParser()
	for _, raw := range []string{"*/5 * * * *", "@hourly", "55m", "every:90s", "15 3 * * 1"} {
		spec, err := normalizeSchedule(raw)
		if err != nil {
			t.Fatalf("normalizeSchedule(%q) error: %v", raw, err)
		}
		if _, err := p.Parse(spec); err != nil {
			t.Fatalf("Parse(%q) error: %v", spec, err)
		}
	}
}
