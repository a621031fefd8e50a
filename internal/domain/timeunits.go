package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// NOMADSTimeUnits is the time axis convention of the NOMADS DAP service.
const NOMADSTimeUnits = "days since 1-1-1 00:00:0.0"

var epochLayouts = []string{
	"2006-1-2 15:04:05",
	"2006-1-2 15:04:5",
	"2006-1-2 15:04",
	"2006-1-2T15:04:05Z",
	"2006-1-2",
}

// DecodeTime converts a time axis value to UTC according to its CF units
// attribute ("<unit> since <epoch>"). An empty units string means NOMADS days.
func DecodeTime(units string, v float64) (time.Time, error) {
	units = strings.TrimSpace(units)
	if units == "" || strings.HasPrefix(units, "days since 1-1-1") {
		return nomadsTime(v), nil
	}

	unit, epoch, ok := strings.Cut(units, " since ")
	if !ok {
		return time.Time{}, fmt.Errorf("%w: time units %q", ErrConfiguration, units)
	}
	base, err := parseEpoch(epoch)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time units %q: %w", ErrConfiguration, units, err)
	}

	var step time.Duration
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "seconds", "second", "s":
		step = time.Second
	case "minutes", "minute", "min":
		step = time.Minute
	case "hours", "hour", "h":
		step = time.Hour
	case "days", "day", "d":
		whole, frac := math.Modf(v)
		return base.AddDate(0, 0, int(whole)).Add(time.Duration(frac * float64(24*time.Hour))), nil
	default:
		return time.Time{}, fmt.Errorf("%w: time unit %q", ErrConfiguration, unit)
	}
	return base.Add(time.Duration(v * float64(step))), nil
}

// nomadsTime decodes the NOMADS axis: the integer part is a proleptic
// Gregorian day ordinal (1 == 0001-01-01), offset by one extra day, and the
// fractional part is the time of day.
func nomadsTime(v float64) time.Time {
	whole, frac := math.Modf(v)
	day := time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, int(whole)-2)
	return day.Add(time.Duration(math.Round(frac * float64(24*time.Hour))))
}

func parseEpoch(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, " UTC")
	if i := strings.IndexByte(s, '.'); i > 0 && strings.Count(s, ":") == 2 {
		s = s[:i]
	}
	for _, layout := range epochLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized epoch %q", s)
}
