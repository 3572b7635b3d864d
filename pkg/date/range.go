package date

import (
	"regexp"
	"strings"
	"time"
)

// DateRange is a half-open search window over dates. A nil bound means
// unbounded on that side. Ranges parse from two alternative syntaxes:
//
//	[[From] <value>][ To <value>]    keywords case insensitive
//	[<value>][; <value>]
//
// A bare value is expanded by granularity: "2003-02" covers the whole
// of February 2003.
type DateRange struct {
	From *Date
	To   *Date
}

// IntervalRange is the interval counterpart of DateRange.
type IntervalRange struct {
	From *Interval
	To   *Interval
}

var (
	rangeRE     = regexp.MustCompile(`(?i)^(?:from)?(.*?)to(.*?)$`)
	rangeFromRE = regexp.MustCompile(`(?i)^from(.+)$`)
)

// splitRange breaks a range expression into from/to parts, reporting
// ok=false for a bare value that needs granularity expansion.
func splitRange(spec string) (from, to string, ok bool) {
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, ";") {
		parts := strings.SplitN(spec, ";", 2)
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
	}
	if m := rangeRE.FindStringSubmatch(spec); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
	}
	if m := rangeFromRE.FindStringSubmatch(spec); m != nil {
		return strings.TrimSpace(m[1]), "", true
	}
	return "", "", false
}

// ParseDateRange parses a date search window in loc.
func ParseDateRange(spec string, loc *time.Location) (DateRange, error) {
	var r DateRange
	from, to, ok := splitRange(spec)
	if !ok {
		// bare value: expand by granularity
		lo, err := parse(spec, loc, noGranularity)
		if err != nil {
			return r, err
		}
		hi, err := parse(spec, loc, endOfSpan)
		if err != nil {
			return r, err
		}
		r.From, r.To = &lo, &hi
		return r, nil
	}
	if from != "" {
		d, err := Parse(from, loc)
		if err != nil {
			return r, err
		}
		r.From = &d
	}
	if to != "" {
		d, err := Parse(to, loc)
		if err != nil {
			return r, err
		}
		r.To = &d
	}
	return r, nil
}

// Contains reports whether d falls inside the window.
func (r DateRange) Contains(d Date) bool {
	if r.From != nil && d.Before(*r.From) {
		return false
	}
	if r.To != nil && d.After(*r.To) {
		return false
	}
	return true
}

// ParseIntervalRange parses an interval search window.
func ParseIntervalRange(spec string) (IntervalRange, error) {
	var r IntervalRange
	from, to, ok := splitRange(spec)
	if !ok {
		iv, err := ParseInterval(spec)
		if err != nil {
			return r, err
		}
		r.From = &iv
		r.To = &iv
		return r, nil
	}
	if from != "" {
		iv, err := ParseInterval(from)
		if err != nil {
			return r, err
		}
		r.From = &iv
	}
	if to != "" {
		iv, err := ParseInterval(to)
		if err != nil {
			return r, err
		}
		r.To = &iv
	}
	return r, nil
}

// Contains reports whether iv falls inside the window.
func (r IntervalRange) Contains(iv Interval) bool {
	if r.From != nil && iv.Compare(*r.From) < 0 {
		return false
	}
	if r.To != nil && iv.Compare(*r.To) > 0 {
		return false
	}
	return true
}
