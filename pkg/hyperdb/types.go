package hyperdb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/roundup-tracker/hyperdb/pkg/date"
	"github.com/roundup-tracker/hyperdb/pkg/password"
	"github.com/roundup-tracker/hyperdb/pkg/storage"
)

// PropType describes one property type. The set of implementations
// is closed: String, Number, Boolean, Date, Interval, Password, Link
// and Multilink.
//
// In-memory property values are one of: string, float64, bool,
// date.Date, date.Interval, *password.Password, a link id string, a
// []string of multilink ids, or nil for unset.
type PropType interface {
	Kind() storage.PropKind
	// FromRaw parses user input into a canonical value. "" yields
	// nil for every type except String, where it is the empty
	// string.
	FromRaw(db *Database, raw string) (any, error)
	// ToStorage reduces a canonical value to its storage primitive.
	ToStorage(v any) (any, error)
	// FromStorage is the inverse of ToStorage.
	FromStorage(v any) (any, error)
	Equal(a, b any) bool
	// Less orders canonical values for sorting. Nil sorts before
	// everything.
	Less(a, b any) bool
}

// lessNil handles the shared nil ordering. ok means the comparison
// was decided.
func lessNil(a, b any) (result, ok bool) {
	if a == nil || b == nil {
		return a == nil && b != nil, true
	}
	return false, false
}

// String is a text property. Indexed strings feed the full-text
// indexer.
type String struct {
	Indexed bool
}

func (String) Kind() storage.PropKind { return storage.KindString }

func (String) FromRaw(db *Database, raw string) (any, error) {
	return raw, nil
}

func (String) ToStorage(v any) (any, error)   { return v, nil }
func (String) FromStorage(v any) (any, error) { return v, nil }

func (String) Equal(a, b any) bool { return a == b }

func (String) Less(a, b any) bool {
	if r, ok := lessNil(a, b); ok {
		return r
	}
	return strings.ToLower(a.(string)) < strings.ToLower(b.(string))
}

// Number is a float-valued property.
type Number struct{}

func (Number) Kind() storage.PropKind { return storage.KindNumber }

func (Number) FromRaw(db *Database, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil, valueErrorf("%q is not a number", raw)
	}
	return n, nil
}

func (Number) ToStorage(v any) (any, error)   { return v, nil }
func (Number) FromStorage(v any) (any, error) { return v, nil }

func (Number) Equal(a, b any) bool { return a == b }

func (Number) Less(a, b any) bool {
	if r, ok := lessNil(a, b); ok {
		return r
	}
	return a.(float64) < b.(float64)
}

// Boolean is a yes/no property.
type Boolean struct{}

func (Boolean) Kind() storage.PropKind { return storage.KindBoolean }

func (Boolean) FromRaw(db *Database, raw string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return nil, nil
	case "yes", "true", "on", "1":
		return true, nil
	case "no", "false", "off", "0":
		return false, nil
	}
	return nil, valueErrorf("%q is not a boolean", raw)
}

func (Boolean) ToStorage(v any) (any, error)   { return v, nil }
func (Boolean) FromStorage(v any) (any, error) { return v, nil }

func (Boolean) Equal(a, b any) bool { return a == b }

func (Boolean) Less(a, b any) bool {
	if r, ok := lessNil(a, b); ok {
		return r
	}
	// false sorts before true
	return !a.(bool) && b.(bool)
}

// Date is a point-in-time property, stored in UTC.
type Date struct{}

func (Date) Kind() storage.PropKind { return storage.KindDate }

func (Date) FromRaw(db *Database, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := date.Parse(raw, db.config.Timezone)
	if err != nil {
		return nil, valueErrorf("%q is not a date: %v", raw, err)
	}
	return d, nil
}

func (Date) ToStorage(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return v.(date.Date).Serialise(), nil
}

func (Date) FromStorage(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	d, err := date.FromSerialised(v.(string))
	if err != nil {
		return nil, fmt.Errorf("bad stored date %q: %w", v, err)
	}
	return d, nil
}

func (Date) Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.(date.Date).Equal(b.(date.Date))
}

func (Date) Less(a, b any) bool {
	if r, ok := lessNil(a, b); ok {
		return r
	}
	return a.(date.Date).Before(b.(date.Date))
}

// Interval is a duration property.
type Interval struct{}

func (Interval) Kind() storage.PropKind { return storage.KindInterval }

func (Interval) FromRaw(db *Database, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	iv, err := date.ParseInterval(raw)
	if err != nil {
		return nil, valueErrorf("%q is not an interval: %v", raw, err)
	}
	return iv, nil
}

func (Interval) ToStorage(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return v.(date.Interval).Serialise(), nil
}

func (Interval) FromStorage(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	iv, err := date.ParseInterval(v.(string))
	if err != nil {
		return nil, fmt.Errorf("bad stored interval %q: %w", v, err)
	}
	return iv, nil
}

func (Interval) Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.(date.Interval).Compare(b.(date.Interval)) == 0
}

func (Interval) Less(a, b any) bool {
	if r, ok := lessNil(a, b); ok {
		return r
	}
	return a.(date.Interval).Compare(b.(date.Interval)) < 0
}

// Password is a write-only credential property. Raw input is hashed
// under the configured scheme; values tagged "{scheme}" are taken as
// already hashed.
type Password struct{}

func (Password) Kind() storage.PropKind { return storage.KindPassword }

func (Password) FromRaw(db *Database, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	p, err := password.Parse(raw, password.SchemePBKDF2, db.config.PBKDF2Rounds)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (Password) ToStorage(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return v.(*password.Password).String(), nil
}

func (Password) FromStorage(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	p, err := password.FromStored(v.(string))
	if err != nil {
		return nil, fmt.Errorf("bad stored password: %w", err)
	}
	return p, nil
}

func (Password) Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.(*password.Password).Equal(b.(*password.Password))
}

func (Password) Less(a, b any) bool {
	if r, ok := lessNil(a, b); ok {
		return r
	}
	// passwords have no meaningful order; compare hashes for a
	// stable sort
	return a.(*password.Password).String() < b.(*password.Password).String()
}

// Link points at one item of another class. The value is the target
// id.
type Link struct {
	Class string
}

func (Link) Kind() storage.PropKind { return storage.KindLink }

// FromRaw accepts a target id or the target class's key value. An
// empty string or "-1" clears the link.
func (l Link) FromRaw(db *Database, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "-1" {
		return nil, nil
	}
	id, err := db.resolveLinkTarget(l.Class, raw)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (Link) ToStorage(v any) (any, error)   { return v, nil }
func (Link) FromStorage(v any) (any, error) { return v, nil }

func (Link) Equal(a, b any) bool { return a == b }

func (Link) Less(a, b any) bool {
	if r, ok := lessNil(a, b); ok {
		return r
	}
	return idLess(a.(string), b.(string))
}

// Multilink points at a set of items of another class. The value is
// a []string of target ids, kept in numeric order.
type Multilink struct {
	Class string
}

func (Multilink) Kind() storage.PropKind { return storage.KindMultilink }

// FromRaw accepts a comma-separated list of ids or key values.
// Elements prefixed + or - are additions and removals against the
// current value; the caller applies those via ApplyDelta.
func (m Multilink) FromRaw(db *Database, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := db.resolveLinkTarget(m.Class, strings.TrimPrefix(strings.TrimPrefix(part, "+"), "-"))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

// ApplyDelta interprets a raw list with +/- prefixed elements
// against current. A list with no prefixes replaces current
// entirely.
func (m Multilink) ApplyDelta(db *Database, current []string, raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	hasDelta := false
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "+") || strings.HasPrefix(part, "-") {
			hasDelta = true
			break
		}
	}
	if !hasDelta {
		v, err := m.FromRaw(db, raw)
		if err != nil {
			return nil, err
		}
		ids, _ := v.([]string)
		return ids, nil
	}
	set := map[string]bool{}
	for _, id := range current {
		set[id] = true
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		remove := strings.HasPrefix(part, "-")
		name := strings.TrimPrefix(strings.TrimPrefix(part, "+"), "-")
		id, err := db.resolveLinkTarget(m.Class, name)
		if err != nil {
			return nil, err
		}
		if remove {
			if !set[id] {
				return nil, valueErrorf("%s%s is not linked", m.Class, id)
			}
			delete(set, id)
		} else {
			set[id] = true
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

func (Multilink) ToStorage(v any) (any, error)   { return v, nil }
func (Multilink) FromStorage(v any) (any, error) { return v, nil }

func (Multilink) Equal(a, b any) bool {
	am, _ := a.([]string)
	bm, _ := b.([]string)
	if len(am) != len(bm) {
		return false
	}
	for i := range am {
		if am[i] != bm[i] {
			return false
		}
	}
	return true
}

// Less orders multilinks by length then element ids; only used to
// stabilise sorts, grouping uses the linked items' labels instead.
func (Multilink) Less(a, b any) bool {
	am, _ := a.([]string)
	bm, _ := b.([]string)
	if len(am) != len(bm) {
		return len(am) < len(bm)
	}
	for i := range am {
		if am[i] != bm[i] {
			return idLess(am[i], bm[i])
		}
	}
	return false
}

func idLess(a, b string) bool {
	an, _ := strconv.Atoi(a)
	bn, _ := strconv.Atoi(b)
	if an != bn {
		return an < bn
	}
	return a < b
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
}
