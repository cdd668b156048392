package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cadenceParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// IntervalSchedule fires a fixed duration after the previous tick. Unlike
// cron.ConstantDelaySchedule it keeps sub-second precision.
type IntervalSchedule struct {
	Interval time.Duration
}

var _ cron.Schedule = IntervalSchedule{}

func (s IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// Every returns a fixed-interval cadence.
func Every(d time.Duration) (cron.Schedule, error) {
	if d <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", d)
	}
	return IntervalSchedule{Interval: d}, nil
}

// ParseCadence accepts a Go duration ("5s"), an "@every <duration>"
// descriptor or a standard five-field cron expression.
func ParseCadence(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty cadence")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		return Every(d)
	}
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid cadence %q: %w", spec, err)
		}
		return Every(d)
	}
	sched, err := cadenceParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cadence %q: %w", spec, err)
	}
	return sched, nil
}

// delayUntilNext is how long to wait from now for the next activation.
func delayUntilNext(s cron.Schedule, now time.Time) time.Duration {
	d := s.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
