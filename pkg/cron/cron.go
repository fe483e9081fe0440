// Package cron parses five-field cron expressions and computes their next
// activation time.
//
// Supported syntax per field: "*", "N", "N-M", "*/S", "N-M/S" and
// comma-separated lists of those. Month and weekday fields accept
// three-letter names, and weekday 7 is Sunday. The descriptors @yearly,
// @annually, @monthly, @weekly, @daily, @midnight and @hourly are
// accepted. When both day-of-month and day-of-week are restricted a day
// matches if either does, as in Vixie cron.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed expression. The zero value matches nothing.
type Schedule struct {
	expr     string
	minute   bits
	hour     bits
	dom      bits
	month    bits
	dow      bits
	domStar  bool
	dowStar  bool
	location *time.Location
}

type bits uint64

func (b bits) has(v int) bool { return b&(1<<uint(v)) != 0 }

type field struct {
	name     string
	min, max int
	names    map[string]int
}

var (
	minuteField = field{name: "minute", min: 0, max: 59}
	hourField   = field{name: "hour", min: 0, max: 23}
	domField    = field{name: "day-of-month", min: 1, max: 31}
	monthField  = field{name: "month", min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	// Weekday accepts 7 for Sunday; it is folded onto 0 after parsing.
	dowField = field{name: "day-of-week", min: 0, max: 7, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
)

var descriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// Parse parses expr and evaluates it in UTC.
func Parse(expr string) (Schedule, error) {
	return ParseInLocation(expr, time.UTC)
}

// ParseInLocation parses expr and evaluates it in loc.
func ParseInLocation(expr string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	trimmed := strings.TrimSpace(expr)
	spec := trimmed
	if strings.HasPrefix(spec, "@") {
		expanded, ok := descriptors[strings.ToLower(spec)]
		if !ok {
			return Schedule{}, fmt.Errorf("cron: unknown descriptor %q", spec)
		}
		spec = expanded
	}

	parts := strings.Fields(spec)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("cron: %q: expected 5 fields, got %d", trimmed, len(parts))
	}

	s := Schedule{expr: trimmed, location: loc}
	var err error
	if s.minute, _, err = minuteField.parse(parts[0]); err != nil {
		return Schedule{}, err
	}
	if s.hour, _, err = hourField.parse(parts[1]); err != nil {
		return Schedule{}, err
	}
	if s.dom, s.domStar, err = domField.parse(parts[2]); err != nil {
		return Schedule{}, err
	}
	if s.month, _, err = monthField.parse(parts[3]); err != nil {
		return Schedule{}, err
	}
	if s.dow, s.dowStar, err = dowField.parse(parts[4]); err != nil {
		return Schedule{}, err
	}
	if s.dow.has(7) {
		s.dow |= 1
		s.dow &^= 1 << 7
	}
	return s, nil
}

// String returns the expression as written.
func (s Schedule) String() string { return s.expr }

// Matches reports whether t, truncated to the minute, is an activation.
func (s Schedule) Matches(t time.Time) bool {
	t = t.In(s.loc())
	return s.month.has(int(t.Month())) && s.dayMatches(t) &&
		s.hour.has(t.Hour()) && s.minute.has(t.Minute())
}

// searchHorizon bounds Next for expressions such as "0 0 30 2 *" that
// never fire.
const searchHorizon = 5 * 366 * 24 * time.Hour

// Next returns the first activation strictly after t. The result is in
// the schedule's location. ok is false when nothing matches within five
// years.
func (s Schedule) Next(t time.Time) (next time.Time, ok bool) {
	loc := s.loc()
	t = t.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(searchHorizon)

	for t.Before(limit) {
		if !s.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.hour.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !s.minute.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

func (s Schedule) dayMatches(t time.Time) bool {
	domOK := s.dom.has(t.Day())
	dowOK := s.dow.has(int(t.Weekday()))
	if s.domStar || s.dowStar {
		return domOK && dowOK
	}
	return domOK || dowOK
}

func (s Schedule) loc() *time.Location {
	if s.location == nil {
		return time.UTC
	}
	return s.location
}

// parse returns the bit set for one field and whether it starts with "*",
// which is what the day-of-month/day-of-week OR rule keys on.
func (f field) parse(text string) (bits, bool, error) {
	if text == "?" {
		text = "*"
	}
	star := strings.HasPrefix(text, "*")
	var set bits
	for _, term := range strings.Split(text, ",") {
		b, err := f.parseTerm(term)
		if err != nil {
			return 0, false, fmt.Errorf("cron: %s field %q: %w", f.name, text, err)
		}
		set |= b
	}
	return set, star, nil
}

func (f field) parseTerm(term string) (bits, error) {
	rangePart, stepPart, hasStep := strings.Cut(term, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad step %q", stepPart)
		}
		step = n
	}

	lo, hi := f.min, f.max
	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = f.value(a); err != nil {
			return 0, err
		}
		if hi, err = f.value(b); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("range %d-%d is inverted", lo, hi)
		}
	default:
		v, err := f.value(rangePart)
		if err != nil {
			return 0, err
		}
		lo = v
		hi = v
		if hasStep {
			// "N/S" means from N to the end of the field.
			hi = f.max
		}
	}
	return f.span(lo, hi, step), nil
}

func (f field) value(s string) (int, error) {
	if v, ok := f.names[strings.ToLower(s)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	if v < f.min || v > f.max {
		return 0, fmt.Errorf("value %d outside [%d, %d]", v, f.min, f.max)
	}
	return v, nil
}

func (f field) span(lo, hi, step int) bits {
	var b bits
	for v := lo; v <= hi; v += step {
		b |= 1 << uint(v)
	}
	return b
}
