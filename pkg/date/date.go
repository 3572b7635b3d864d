package date

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Date is an instant stored in UTC. As strings, stamps use the
// international standard date format joined to the time by a period,
// e.g. "2000-06-24.13:03:59". Partial forms are accepted on input:
// the time or just the seconds may be omitted, the date may be just
// yyyy, yyyy-mm or mm-dd, and "." means "right now". Input with a
// date component is interpreted in the supplied location and
// converted to UTC for storage.
type Date struct {
	t time.Time
}

var dateRE = regexp.MustCompile(`^\s*` +
	`(?:(\d{4})(?:[/-](\d{1,2})(?:[/-](\d{1,2}))?)?|(\d{1,2})[/-](\d{1,2}))?` + // yyyy[-mm[-dd]] or mm-dd
	`([.T])?` +
	`(?:(\d{1,2}):(\d{2})(?::(\d{1,2})(?:\.\d+)?)?)?` + // hh:mm[:ss]
	`(?:\s?([+-]\d{4}))?` + // timezone offset
	`\s*(.*?)\s*$`) // trailing interval offset, e.g. ". - 2d"

var serialisedDateRE = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})(\d{2})(\d{2})(\d{2})(?:\.\d+)?$`)

// Parse builds a Date from spec. Missing date components default to
// the current moment in loc. A nil loc means UTC.
func Parse(spec string, loc *time.Location) (Date, error) {
	return parse(spec, loc, noGranularity)
}

type granularity int

const (
	noGranularity granularity = iota
	// endOfSpan pushes the date to the last second covered by the
	// precision of the input, e.g. "2008" becomes 2008-12-31.23:59:59.
	endOfSpan
)

func parse(spec string, loc *time.Location, gran granularity) (Date, error) {
	if loc == nil {
		loc = time.UTC
	}

	if m := serialisedDateRE.FindStringSubmatch(strings.TrimSpace(spec)); m != nil {
		var p [6]int
		for i := range p {
			p[i], _ = strconv.Atoi(m[i+1])
		}
		return Date{time.Date(p[0], time.Month(p[1]), p[2], p[3], p[4], p[5], 0, time.UTC)}, nil
	}

	m := dateRE.FindStringSubmatch(spec)
	if m == nil {
		return Date{}, fmt.Errorf(`not a date spec %q ("yyyy-mm-dd", "mm-dd", "HH:MM", "HH:MM:SS" or "yyyy-mm-dd.HH:MM:SS")`, spec)
	}
	yS, moS, dS, aS, bS := m[1], m[2], m[3], m[4], m[5]
	hS, miS, sS := m[7], m[8], m[9]
	tzS, rest := m[10], m[11]

	// "." or "T" alone (possibly with an offset interval) means now
	now := time.Now().In(loc)
	y, mo, d := now.Date()
	h, mi, s := now.Clock()

	var grained granularity
	haveDate := yS != "" || aS != ""
	haveTime := hS != "" && miS != ""
	if haveDate {
		if yS != "" {
			y, _ = strconv.Atoi(yS)
			mo, d = time.January, 1
			if moS != "" {
				mm, _ := strconv.Atoi(moS)
				mo = time.Month(mm)
				if dS != "" {
					d, _ = strconv.Atoi(dS)
				}
			}
		} else {
			mm, _ := strconv.Atoi(aS)
			mo = time.Month(mm)
			d, _ = strconv.Atoi(bS)
		}
		h, mi, s = 0, 0, 0
	}
	if haveTime {
		h, _ = strconv.Atoi(hS)
		mi, _ = strconv.Atoi(miS)
		s = 0
		if sS != "" {
			s, _ = strconv.Atoi(sS)
		}
	}

	if gran == endOfSpan {
		switch {
		case sS != "":
			return Date{}, fmt.Errorf("date spec %q is already second-granular", spec)
		case haveTime:
			grained = endOfSpan // minute precision: widen by one minute
		case haveDate:
			grained = endOfSpan
		default:
			return Date{}, fmt.Errorf("could not determine granularity of %q", spec)
		}
	}

	var t time.Time
	if tzS != "" {
		// explicit offset overrides the user's location
		sign := -1
		if tzS[0] == '-' {
			sign = 1
		}
		oh, _ := strconv.Atoi(tzS[1:3])
		om, _ := strconv.Atoi(tzS[3:5])
		t = time.Date(y, mo, d, h, mi, s, 0, time.UTC)
		t = t.Add(time.Duration(sign) * (time.Duration(oh)*time.Hour + time.Duration(om)*time.Minute))
	} else {
		t = time.Date(y, mo, d, h, mi, s, 0, loc).UTC()
	}

	dt := Date{t}

	if rest != "" && rest != "." {
		iv, err := ParseInterval(rest)
		if err != nil {
			return Date{}, fmt.Errorf("%q not a date / time spec: %w", spec, err)
		}
		dt = dt.AddInterval(iv)
	}

	if grained == endOfSpan {
		switch {
		case haveTime:
			dt = Date{dt.t.Add(time.Minute - time.Second)}
		case dS != "" || aS != "":
			dt = Date{dt.t.AddDate(0, 0, 1).Add(-time.Second)}
		case moS != "":
			dt = Date{dt.t.AddDate(0, 1, 0).Add(-time.Second)}
		default:
			dt = Date{dt.t.AddDate(1, 0, 0).Add(-time.Second)}
		}
	}
	return dt, nil
}

// Now returns the current instant.
func Now() Date {
	t := time.Now().UTC()
	return Date{t.Truncate(time.Second)}
}

// FromTime wraps an existing time, normalised to UTC second precision.
func FromTime(t time.Time) Date {
	return Date{t.UTC().Truncate(time.Second)}
}

// FromSerialised decodes the 14-digit yyyymmddHHMMSS storage form.
func FromSerialised(s string) (Date, error) {
	m := serialisedDateRE.FindStringSubmatch(s)
	if m == nil {
		return Date{}, fmt.Errorf("not a serialised date: %q", s)
	}
	return parse(s, time.UTC, noGranularity)
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool { return d.t.IsZero() }

// Time returns the wrapped UTC time.
func (d Date) Time() time.Time { return d.t }

// Serialise returns the compact storage form yyyymmddHHMMSS.
func (d Date) Serialise() string {
	return d.t.Format("20060102150405")
}

// String renders the full date format, always in UTC.
func (d Date) String() string {
	return d.t.Format("2006-01-02.15:04:05")
}

// Local renders the date in the given location for display.
func (d Date) Local(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return d.t.In(loc).Format("2006-01-02.15:04:05")
}

// AddInterval applies iv and returns the resulting date. Seconds,
// minutes and hours are applied before years, months and days so
// month-length overflow behaves predictably.
func (d Date) AddInterval(iv Interval) Date {
	sign := iv.Sign
	t := d.t.Add(time.Duration(sign) * (time.Duration(iv.Hour)*time.Hour +
		time.Duration(iv.Minute)*time.Minute +
		time.Duration(iv.Second)*time.Second))
	t = t.AddDate(sign*iv.Year, sign*iv.Month, sign*iv.Day)
	return Date{t}
}

// Sub returns the interval from other to d.
func (d Date) Sub(other Date) Interval {
	secs := int(d.t.Sub(other.t) / time.Second)
	return IntervalFromSeconds(secs)
}

func (d Date) Equal(other Date) bool  { return d.t.Equal(other.t) }
func (d Date) Before(other Date) bool { return d.t.Before(other.t) }
func (d Date) After(other Date) bool  { return d.t.After(other.t) }

// Compare returns -1, 0 or 1 in the manner of strings.Compare.
func (d Date) Compare(other Date) int {
	switch {
	case d.t.Before(other.t):
		return -1
	case d.t.After(other.t):
		return 1
	}
	return 0
}
