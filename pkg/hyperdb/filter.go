package hyperdb

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/roundup-tracker/hyperdb/pkg/date"
)

// SortSpec orders filter output by one property. Dir is '+' for
// ascending, '-' for descending.
type SortSpec struct {
	Dir  byte
	Prop string
}

// Ascending and Descending build sort specifications.
func Ascending(prop string) SortSpec  { return SortSpec{Dir: '+', Prop: prop} }
func Descending(prop string) SortSpec { return SortSpec{Dir: '-', Prop: prop} }

// Filter returns live item ids matching spec, ordered by group then
// sort specifications.
//
// Spec maps a property path to a match expression. Values are a
// string or a []string (OR across list elements):
//   - Link: target ids or key values; "-1" matches an unset link
//   - Multilink: any-of target ids; "-1" matches the empty set
//   - String: case-insensitive substring, with ? and * wildcards
//   - Date, Interval, Number: a range "from X to Y", "X; Y", a
//     single bound "from X" / "to Y", or a bare value (dates expand
//     to their granularity, so "2003-02" covers the month)
//   - Boolean, id: membership
//
// A path "a.b.c" traverses Link/Multilink properties: items whose a
// links to something whose b links to something whose c matches.
//
// matchIDs, when non-nil, pre-filters the candidates (typically
// full-text search hits).
func (cl *Class) Filter(matchIDs []string, spec map[string]any,
	sortBy, groupBy []SortSpec) ([]string, error) {
	return cl.filter(matchIDs, spec, sortBy, groupBy, false)
}

// FilterWithRetired is Filter over all items, retired included.
func (cl *Class) FilterWithRetired(matchIDs []string, spec map[string]any,
	sortBy, groupBy []SortSpec) ([]string, error) {
	return cl.filter(matchIDs, spec, sortBy, groupBy, true)
}

func (cl *Class) filter(matchIDs []string, spec map[string]any,
	sortBy, groupBy []SortSpec, includeRetired bool) ([]string, error) {
	conds := make([]*condition, 0, len(spec))
	for path, value := range spec {
		cond, err := cl.compileCondition(path, value)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}

	candidates, err := cl.listIDs(includeRetired)
	if err != nil {
		return nil, err
	}
	if matchIDs != nil {
		allow := make(map[string]bool, len(matchIDs))
		for _, id := range matchIDs {
			allow[id] = true
		}
		kept := candidates[:0]
		for _, id := range candidates {
			if allow[id] {
				kept = append(kept, id)
			}
		}
		candidates = kept
	}

	var result []string
	for _, id := range candidates {
		ok := true
		for _, cond := range conds {
			match, err := cond.eval(cl, id)
			if err != nil {
				return nil, err
			}
			if !match {
				ok = false
				break
			}
		}
		if ok {
			result = append(result, id)
		}
	}

	specs := append(append([]SortSpec(nil), groupBy...), sortBy...)
	if len(specs) > 0 {
		if err := cl.sortIDsBy(result, specs); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// step is one hop of a property path.
type step struct {
	class *Class
	prop  string
	t     PropType
}

type condition struct {
	steps []step
	match func(v any) bool
}

// compileCondition resolves a (possibly transitive) property path
// and builds the terminal matcher.
func (cl *Class) compileCondition(path string, value any) (*condition, error) {
	parts := strings.Split(path, ".")
	cond := &condition{}
	cur := cl
	for i, name := range parts {
		t, err := cur.propType(name)
		if err != nil {
			return nil, valueErrorf("class %s has no property %q in %q", cur.name, name, path)
		}
		cond.steps = append(cond.steps, step{class: cur, prop: name, t: t})
		if i == len(parts)-1 {
			break
		}
		var targetName string
		switch lt := t.(type) {
		case Link:
			targetName = lt.Class
		case Multilink:
			targetName = lt.Class
		default:
			return nil, valueErrorf("%s.%s in %q is not a link property", cur.name, name, path)
		}
		next, err := cl.db.GetClass(targetName)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	terminal := cond.steps[len(cond.steps)-1]
	match, err := buildMatcher(cl.db, terminal, value)
	if err != nil {
		return nil, err
	}
	cond.match = match
	return cond, nil
}

func (cond *condition) eval(cl *Class, id string) (bool, error) {
	return evalSteps(cond.steps, id, cond.match)
}

func evalSteps(steps []step, id string, match func(any) bool) (bool, error) {
	s := steps[0]
	v, err := s.class.Get(id, s.prop)
	if err != nil {
		return false, err
	}
	if len(steps) == 1 {
		return match(v), nil
	}
	switch s.t.(type) {
	case Link:
		target, _ := v.(string)
		if target == "" {
			return false, nil
		}
		return evalSteps(steps[1:], target, match)
	case Multilink:
		for _, target := range multilinkValue(v) {
			ok, err := evalSteps(steps[1:], target, match)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

// rawList flattens a match expression into its OR branches.
func rawList(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, valueErrorf("bad filter value element %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, valueErrorf("bad filter value %T", value)
}

func buildMatcher(db *Database, terminal step, value any) (func(any) bool, error) {
	raws, err := rawList(value)
	if err != nil {
		return nil, err
	}
	switch t := terminal.t.(type) {
	case Link:
		want := map[string]bool{}
		for _, raw := range raws {
			if raw == "-1" || raw == "" {
				want[""] = true
				continue
			}
			id, err := db.resolveLinkTarget(t.Class, raw)
			if err != nil {
				return nil, err
			}
			want[id] = true
		}
		return func(v any) bool {
			s, _ := v.(string)
			return want[s]
		}, nil
	case Multilink:
		wantEmpty := false
		want := map[string]bool{}
		for _, raw := range raws {
			if raw == "-1" {
				wantEmpty = true
				continue
			}
			id, err := db.resolveLinkTarget(t.Class, raw)
			if err != nil {
				return nil, err
			}
			want[id] = true
		}
		return func(v any) bool {
			ml := multilinkValue(v)
			if len(ml) == 0 {
				return wantEmpty
			}
			for _, id := range ml {
				if want[id] {
					return true
				}
			}
			return false
		}, nil
	case String:
		if terminal.prop == "id" {
			break
		}
		res := make([]*regexp.Regexp, 0, len(raws))
		for _, raw := range raws {
			re, err := globRE(raw)
			if err != nil {
				return nil, err
			}
			res = append(res, re)
		}
		return func(v any) bool {
			s, ok := v.(string)
			if !ok {
				return false
			}
			for _, re := range res {
				if re.MatchString(s) {
					return true
				}
			}
			return false
		}, nil
	case Number:
		return numberMatcher(raws)
	case Boolean:
		want := map[bool]bool{}
		for _, raw := range raws {
			v, err := Boolean{}.FromRaw(db, raw)
			if err != nil {
				return nil, err
			}
			if b, ok := v.(bool); ok {
				want[b] = true
			}
		}
		return func(v any) bool {
			b, ok := v.(bool)
			return ok && want[b]
		}, nil
	case Date:
		ranges := make([]date.DateRange, 0, len(raws))
		for _, raw := range raws {
			r, err := date.ParseDateRange(raw, db.config.Timezone)
			if err != nil {
				return nil, valueErrorf("bad date range %q: %v", raw, err)
			}
			ranges = append(ranges, r)
		}
		return func(v any) bool {
			d, ok := v.(date.Date)
			if !ok {
				return false
			}
			for _, r := range ranges {
				if r.Contains(d) {
					return true
				}
			}
			return false
		}, nil
	case Interval:
		ranges := make([]date.IntervalRange, 0, len(raws))
		for _, raw := range raws {
			r, err := date.ParseIntervalRange(raw)
			if err != nil {
				return nil, valueErrorf("bad interval range %q: %v", raw, err)
			}
			ranges = append(ranges, r)
		}
		return func(v any) bool {
			iv, ok := v.(date.Interval)
			if !ok {
				return false
			}
			for _, r := range ranges {
				if r.Contains(iv) {
					return true
				}
			}
			return false
		}, nil
	case Password:
		return nil, valueErrorf("%s.%s: passwords cannot be filtered on",
			terminal.class.name, terminal.prop)
	}
	// id membership
	want := map[string]bool{}
	for _, raw := range raws {
		want[raw] = true
	}
	return func(v any) bool {
		s, _ := v.(string)
		return want[s]
	}, nil
}

// globRE compiles a filter pattern: regex metacharacters are
// literal, ? matches one character, * any run, and the match is a
// case-insensitive substring search.
func globRE(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*?`)
	return regexp.Compile(`(?i)` + quoted)
}

func numberMatcher(raws []string) (func(any) bool, error) {
	type numRange struct {
		lo, hi   float64
		haveLo   bool
		haveHi   bool
	}
	var ranges []numRange
	parseBound := func(s string) (float64, error) {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, valueErrorf("%q is not a number", s)
		}
		return n, nil
	}
	for _, raw := range raws {
		raw := strings.TrimSpace(raw)
		lower := strings.ToLower(raw)
		var r numRange
		switch {
		case strings.Contains(raw, ";"):
			parts := strings.SplitN(raw, ";", 2)
			for i, part := range []string{parts[0], parts[1]} {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				n, err := parseBound(part)
				if err != nil {
					return nil, err
				}
				if i == 0 {
					r.lo, r.haveLo = n, true
				} else {
					r.hi, r.haveHi = n, true
				}
			}
		case strings.HasPrefix(lower, "from"):
			rest := strings.TrimSpace(raw[4:])
			if idx := strings.Index(strings.ToLower(rest), "to"); idx >= 0 {
				lo, err := parseBound(rest[:idx])
				if err != nil {
					return nil, err
				}
				hi, err := parseBound(rest[idx+2:])
				if err != nil {
					return nil, err
				}
				r = numRange{lo: lo, hi: hi, haveLo: true, haveHi: true}
			} else {
				lo, err := parseBound(rest)
				if err != nil {
					return nil, err
				}
				r = numRange{lo: lo, haveLo: true}
			}
		case strings.HasPrefix(lower, "to"):
			hi, err := parseBound(raw[2:])
			if err != nil {
				return nil, err
			}
			r = numRange{hi: hi, haveHi: true}
		default:
			n, err := parseBound(raw)
			if err != nil {
				return nil, err
			}
			r = numRange{lo: n, hi: n, haveLo: true, haveHi: true}
		}
		ranges = append(ranges, r)
	}
	return func(v any) bool {
		n, ok := v.(float64)
		if !ok {
			return false
		}
		for _, r := range ranges {
			if r.haveLo && n < r.lo {
				continue
			}
			if r.haveHi && n > r.hi {
				continue
			}
			return true
		}
		return false
	}, nil
}

// sortKey is one item's value under one sort specification.
type sortKey struct {
	t PropType
	v any
}

// sortIDsBy orders ids in place by the given specifications. Links
// sort by the referent's label property, multilinks by the joined
// labels of their referents. Unset values sort first on every
// backend.
func (cl *Class) sortIDsBy(ids []string, specs []SortSpec) error {
	keys := make(map[string][]sortKey, len(ids))
	for _, id := range ids {
		ks := make([]sortKey, 0, len(specs))
		for _, s := range specs {
			k, err := cl.sortValue(id, s.Prop)
			if err != nil {
				return err
			}
			ks = append(ks, k)
		}
		keys[id] = ks
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := keys[ids[i]], keys[ids[j]]
		for k, s := range specs {
			ka, kb := a[k], b[k]
			if ka.t.Equal(ka.v, kb.v) {
				continue
			}
			less := ka.t.Less(ka.v, kb.v)
			if s.Dir == '-' {
				return !less
			}
			return less
		}
		return idLess(ids[i], ids[j])
	})
	return nil
}

func (cl *Class) sortValue(id, prop string) (sortKey, error) {
	if prop == "id" {
		n, _ := strconv.Atoi(id)
		return sortKey{t: Number{}, v: float64(n)}, nil
	}
	t, err := cl.propType(prop)
	if err != nil {
		return sortKey{}, err
	}
	v, err := cl.Get(id, prop)
	if err != nil {
		return sortKey{}, err
	}
	switch lt := t.(type) {
	case Link:
		if v == nil {
			return sortKey{t: String{}, v: nil}, nil
		}
		label, err := cl.db.labelOf(lt.Class, v.(string))
		if err != nil {
			return sortKey{}, err
		}
		return sortKey{t: String{}, v: label}, nil
	case Multilink:
		ml := multilinkValue(v)
		if len(ml) == 0 {
			return sortKey{t: String{}, v: nil}, nil
		}
		labels := make([]string, 0, len(ml))
		for _, target := range ml {
			label, err := cl.db.labelOf(lt.Class, target)
			if err != nil {
				return sortKey{}, err
			}
			labels = append(labels, label)
		}
		sort.Strings(labels)
		return sortKey{t: String{}, v: strings.Join(labels, ",")}, nil
	}
	return sortKey{t: t, v: v}, nil
}

// labelOf renders an item by its class's label property.
func (db *Database) labelOf(classname, id string) (string, error) {
	cl, err := db.GetClass(classname)
	if err != nil {
		return "", err
	}
	prop := cl.LabelProp()
	if prop == "id" {
		return id, nil
	}
	v, err := cl.Get(id, prop)
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	if v == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", v), nil
}
