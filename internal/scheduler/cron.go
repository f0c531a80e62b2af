package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed six-field cron expression:
//
//	seconds minutes hours day-of-month month day-of-week
//
// Fields support *, a-b, a-b/step, */step, and comma lists. Day-of-week 0
// and 7 both denote Sunday. Evaluation is UTC only.
type Schedule struct {
	sec, min, hour, dom, month, dow fieldSet

	// A field whose expression starts with * is unrestricted for the
	// day-of-month/day-of-week combination rule.
	domStar, dowStar bool
}

type fieldSet uint64

func (f fieldSet) has(v int) bool { return f&(1<<uint(v)) != 0 }

type fieldBounds struct {
	name     string
	min, max int
}

var bounds = [6]fieldBounds{
	{"seconds", 0, 59},
	{"minutes", 0, 59},
	{"hours", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// Parse compiles a six-field cron expression.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 6 {
		return nil, fmt.Errorf("cron %q: want 6 fields, got %d", expr, len(fields))
	}
	var sets [6]fieldSet
	for i, f := range fields {
		set, err := parseField(f, bounds[i])
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		sets[i] = set
	}
	s := &Schedule{
		sec: sets[0], min: sets[1], hour: sets[2],
		dom: sets[3], month: sets[4], dow: sets[5],
		domStar: strings.HasPrefix(fields[3], "*"),
		dowStar: strings.HasPrefix(fields[5], "*"),
	}
	// 7 is an alias for Sunday.
	if s.dow.has(7) {
		s.dow |= 1 << 0
		s.dow &^= 1 << 7
	}
	return s, nil
}

func parseField(field string, b fieldBounds) (fieldSet, error) {
	var set fieldSet
	for _, part := range strings.Split(field, ",") {
		ps, err := parseRange(part, b)
		if err != nil {
			return 0, err
		}
		set |= ps
	}
	return set, nil
}

func parseRange(part string, b fieldBounds) (fieldSet, error) {
	if part == "" {
		return 0, fmt.Errorf("%s: empty element", b.name)
	}
	rangePart := part
	step := 1
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		rangePart = part[:idx]
		var err error
		step, err = strconv.Atoi(part[idx+1:])
		if err != nil || step <= 0 {
			return 0, fmt.Errorf("%s: bad step in %q", b.name, part)
		}
	}

	lo, hi := b.min, b.max
	switch {
	case rangePart == "*":
		// full range
	case strings.Contains(rangePart, "-"):
		seg := strings.SplitN(rangePart, "-", 2)
		var err error
		if lo, err = strconv.Atoi(seg[0]); err != nil {
			return 0, fmt.Errorf("%s: bad range %q", b.name, part)
		}
		if hi, err = strconv.Atoi(seg[1]); err != nil {
			return 0, fmt.Errorf("%s: bad range %q", b.name, part)
		}
	default:
		v, err := strconv.Atoi(rangePart)
		if err != nil {
			return 0, fmt.Errorf("%s: bad value %q", b.name, part)
		}
		lo, hi = v, v
		if strings.Contains(part, "/") {
			// a/step extends to the field maximum, vixie style.
			hi = b.max
		}
	}
	if lo < b.min || hi > b.max || lo > hi {
		return 0, fmt.Errorf("%s: %q out of range %d-%d", b.name, part, b.min, b.max)
	}
	var set fieldSet
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

// dayMatches applies the day combination rule. With both day fields
// constrained the match is the union, but the day-of-week contribution only
// applies within the first week of the month; past day 7 the day-of-month
// alone decides.
func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := s.dom.has(t.Day())
	dowOK := s.dow.has(int(t.Weekday()))
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || (dowOK && t.Day() <= 7)
	}
}

// Next returns the first matching instant strictly after t, in UTC. The
// search gives up five years out and returns the zero time (an expression
// like "0 0 0 30 2 *" never fires).
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.UTC().Truncate(time.Second).Add(time.Second)
	limit := t.AddDate(5, 0, 0)

WRAP:
	for t.Before(limit) {
		if !s.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
			continue WRAP
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
			continue WRAP
		}
		if !s.hour.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Add(time.Hour)
			continue WRAP
		}
		if !s.min.has(t.Minute()) {
			t = t.Truncate(time.Minute).Add(time.Minute)
			continue WRAP
		}
		if !s.sec.has(t.Second()) {
			t = t.Add(time.Second)
			continue WRAP
		}
		return t
	}
	return time.Time{}
}
