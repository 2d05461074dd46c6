package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is the pause between two sync cycles when none is configured.
const DefaultInterval = 60 * time.Second

var (
	ErrISOFormat = errors.New("invalid ISO8601 duration")
	ErrInterval  = errors.New("invalid interval")
)

// ParseInterval converts the configured cycle interval into a duration.
// Accepted forms, tried in order:
//
//	60            plain seconds
//	90s, 1h30m    Go duration
//	PT5M, P1DT2H  ISO8601 duration
//	@every 5m     cron macro
//	*/5 * * * *   five field cron, the gap between two consecutive activations
//
// Empty input returns DefaultInterval. The result must be positive.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultInterval, nil
	}

	var d time.Duration
	var err error
	switch {
	case isDigits(s):
		var n int64
		n, err = strconv.ParseInt(s, 10, 64)
		d = time.Duration(n) * time.Second
	case strings.HasPrefix(s, "P"):
		d, err = ParseISODuration(s)
	case strings.HasPrefix(s, "@") || strings.Count(s, " ") >= 4:
		d, err = ParseCron(s)
	default:
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", ErrInterval, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w %q: must be positive", ErrInterval, s)
	}
	return d, nil
}

// ParseCron parses a standard five field expression or a macro and returns the
// gap between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		schedule, err = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next := schedule.Next(time.Now())
	return schedule.Next(next).Sub(next), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

// ParseISODuration parses the day and time part of an ISO8601 duration,
// e.g. P1D, PT90S, P1DT2H30M. Years, months and weeks are ambiguous and rejected.
func ParseISODuration(dur string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}

	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	var ret time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		ret += time.Duration(n) * unit
	}
	if sec := m[4]; sec != "" {
		f, err := strconv.ParseFloat(strings.Replace(sec, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		ret += time.Duration(f * float64(time.Second))
	}
	return ret, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
