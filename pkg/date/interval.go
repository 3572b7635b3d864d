package date

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Interval is a signed duration expressed in calendar units. Suffixes
// "y", "m", "w" and "d" give years, months, weeks (folded into days)
// and days; a trailing hh:mm[:ss] gives the time part:
//
//	"3y"        three years
//	"2y 1m"     two years and one month
//	"2w 3d"     seventeen days
//	"1d 2:50"   one day, two hours and fifty minutes
//	"14:00"     fourteen hours
//	"0:04:33"   four minutes and 33 seconds
//
// Ordering is by approximate total seconds (a month counts 30 days, a
// year 365).
type Interval struct {
	Sign   int // +1 or -1
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
	Second int
}

var intervalRE = regexp.MustCompile(`^\s*([-+])?` +
	`\s*(?:(\d+)\s*y)?` +
	`\s*(?:(\d+)\s*m)?` +
	`\s*(?:(\d+)\s*w)?` +
	`\s*(?:(\d+)\s*d)?` +
	`\s*(?:(\d+):(\d+)(?::(\d+))?)?\s*$`)

var serialisedIntervalRE = regexp.MustCompile(`^([+-])?1?(\d{4})(\d{2})(\d{2})(\d{2})(\d{2})(\d{2})$`)

// ParseInterval builds an Interval from its textual or serialised form.
func ParseInterval(spec string) (Interval, error) {
	iv := Interval{Sign: 1}

	if m := serialisedIntervalRE.FindStringSubmatch(strings.TrimSpace(spec)); m != nil {
		if m[1] == "-" {
			iv.Sign = -1
		}
		iv.Year, _ = strconv.Atoi(m[2])
		iv.Month, _ = strconv.Atoi(m[3])
		iv.Day, _ = strconv.Atoi(m[4])
		iv.Hour, _ = strconv.Atoi(m[5])
		iv.Minute, _ = strconv.Atoi(m[6])
		iv.Second, _ = strconv.Atoi(m[7])
		return iv, nil
	}

	m := intervalRE.FindStringSubmatch(spec)
	if m == nil {
		return Interval{}, fmt.Errorf(`not an interval spec %q ([+-] [#y] [#m] [#w] [#d] [[H]H:MM[:SS]])`, spec)
	}
	if m[1] == "-" {
		iv.Sign = -1
	}
	valid := false
	grab := func(s string) int {
		if s == "" {
			return 0
		}
		valid = true
		n, _ := strconv.Atoi(s)
		return n
	}
	iv.Year = grab(m[2])
	iv.Month = grab(m[3])
	week := grab(m[4])
	iv.Day = grab(m[5]) + week*7
	iv.Hour = grab(m[6])
	iv.Minute = grab(m[7])
	iv.Second = grab(m[8])
	if !valid {
		return Interval{}, fmt.Errorf("not an interval spec %q", spec)
	}
	return iv, nil
}

// IntervalFromSeconds builds an interval from a plain second count,
// normalising up to days.
func IntervalFromSeconds(secs int) Interval {
	iv := Interval{Sign: 1}
	if secs < 0 {
		iv.Sign = -1
		secs = -secs
	}
	iv.Second = secs % 60
	secs /= 60
	iv.Minute = secs % 60
	secs /= 60
	iv.Hour = secs % 24
	iv.Day = secs / 24
	return iv
}

// Seconds approximates the interval in seconds for ordering, treating
// a year as 365 days and a month as 30.
func (iv Interval) Seconds() int {
	days := iv.Year*365 + iv.Month*30 + iv.Day
	return iv.Sign * (((days*24+iv.Hour)*60+iv.Minute)*60 + iv.Second)
}

// Negate flips the interval's direction.
func (iv Interval) Negate() Interval {
	if iv.Sign < 0 {
		iv.Sign = 1
	} else {
		iv.Sign = -1
	}
	return iv
}

// IsZero reports whether every component is zero.
func (iv Interval) IsZero() bool {
	return iv.Year == 0 && iv.Month == 0 && iv.Day == 0 &&
		iv.Hour == 0 && iv.Minute == 0 && iv.Second == 0
}

// Serialise returns the storage form syyyymmddHHMMSS.
func (iv Interval) Serialise() string {
	sign := "+"
	if iv.Sign < 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s%04d%02d%02d%02d%02d%02d", sign,
		iv.Year, iv.Month, iv.Day, iv.Hour, iv.Minute, iv.Second)
}

// String renders the human form, e.g. "+ 1d 2:50".
func (iv Interval) String() string {
	var parts []string
	if iv.Year != 0 {
		parts = append(parts, fmt.Sprintf("%dy", iv.Year))
	}
	if iv.Month != 0 {
		parts = append(parts, fmt.Sprintf("%dm", iv.Month))
	}
	if iv.Day != 0 {
		parts = append(parts, fmt.Sprintf("%dd", iv.Day))
	}
	if iv.Second != 0 {
		parts = append(parts, fmt.Sprintf("%d:%02d:%02d", iv.Hour, iv.Minute, iv.Second))
	} else if iv.Hour != 0 || iv.Minute != 0 {
		parts = append(parts, fmt.Sprintf("%d:%02d", iv.Hour, iv.Minute))
	}
	if len(parts) == 0 {
		return "00:00"
	}
	sign := "+"
	if iv.Sign < 0 {
		sign = "-"
	}
	return sign + " " + strings.Join(parts, " ")
}

// Compare orders two intervals by their second count.
func (iv Interval) Compare(other Interval) int {
	a, b := iv.Seconds(), other.Seconds()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
