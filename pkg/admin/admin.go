// Package admin implements the administrative commands behind the
// roundup-admin CLI: inspecting and mutating items, journal history,
// packing, reindexing, and whole-database CSV export/import. The CLI
// is a thin argument parser over this package.
package admin

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/roundup-tracker/hyperdb/pkg/date"
	"github.com/roundup-tracker/hyperdb/pkg/hyperdb"
	"github.com/roundup-tracker/hyperdb/pkg/password"
	"github.com/roundup-tracker/hyperdb/pkg/security"
)

// Admin runs commands against one open database.
type Admin struct {
	db  *hyperdb.Database
	sec *security.Security

	// Out receives command output.
	Out io.Writer
	// Separator joins multi-valued output lines; "\n" when empty.
	Separator string
	// Designators prints issue123 instead of the bare id 123.
	Designators bool
}

// New binds the command set to a database.
func New(db *hyperdb.Database, sec *security.Security, out io.Writer) *Admin {
	return &Admin{db: db, sec: sec, Out: out}
}

func (a *Admin) sep() string {
	if a.Separator == "" {
		return "\n"
	}
	return a.Separator
}

func (a *Admin) printID(classname, id string) string {
	if a.Designators {
		return classname + id
	}
	return id
}

// parseProps turns prop=value arguments into canonical values. When
// id names an existing item, multilink values may carry +/- prefixes
// applied against the current value.
func (a *Admin) parseProps(cl *hyperdb.Class, id string, args []string) (map[string]any, error) {
	all := cl.Properties()
	props := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("argument %q is not propname=value", arg)
		}
		t, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("%s has no property %q", cl.Name(), name)
		}
		if ml, isMulti := t.(hyperdb.Multilink); isMulti && id != "" {
			current, err := cl.Get(id, name)
			if err != nil {
				return nil, err
			}
			ids, _ := current.([]string)
			v, err := ml.ApplyDelta(a.db, ids, raw)
			if err != nil {
				return nil, err
			}
			props[name] = v
			continue
		}
		v, err := t.FromRaw(a.db, raw)
		if err != nil {
			return nil, err
		}
		props[name] = v
	}
	return props, nil
}

// valueString renders a canonical value for display.
func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "yes"
		}
		return "no"
	case date.Date:
		return x.String()
	case date.Interval:
		return x.String()
	case *password.Password:
		return x.String()
	case []string:
		return strings.Join(x, ",")
	}
	return fmt.Sprint(v)
}

// Create makes a new item from prop=value arguments and prints its id.
func (a *Admin) Create(classname string, args []string) (string, error) {
	cl, err := a.db.GetClass(classname)
	if err != nil {
		return "", err
	}
	props, err := a.parseProps(cl, "", args)
	if err != nil {
		return "", err
	}
	id, err := cl.Create(props)
	if err != nil {
		return "", err
	}
	fmt.Fprintln(a.Out, a.printID(classname, id))
	return id, nil
}

// Set updates items from prop=value arguments. Designators may name
// several items comma-separated; each gets the same assignments.
func (a *Admin) Set(designators string, args []string) error {
	for _, d := range strings.Split(designators, ",") {
		classname, id, err := hyperdb.SplitDesignator(strings.TrimSpace(d))
		if err != nil {
			return err
		}
		cl, err := a.db.GetClass(classname)
		if err != nil {
			return err
		}
		props, err := a.parseProps(cl, id, args)
		if err != nil {
			return err
		}
		if err := cl.Set(id, props); err != nil {
			return err
		}
	}
	return nil
}

// Get prints one property of each designated item.
func (a *Admin) Get(propname string, designators []string) error {
	var out []string
	for _, d := range designators {
		classname, id, err := hyperdb.SplitDesignator(d)
		if err != nil {
			return err
		}
		cl, err := a.db.GetClass(classname)
		if err != nil {
			return err
		}
		v, err := cl.Get(id, propname)
		if err != nil {
			return err
		}
		out = append(out, valueString(v))
	}
	fmt.Fprintln(a.Out, strings.Join(out, a.sep()))
	return nil
}

// Display prints every property of an item, one per line.
func (a *Admin) Display(designator string) error {
	classname, id, err := hyperdb.SplitDesignator(designator)
	if err != nil {
		return err
	}
	cl, err := a.db.GetClass(classname)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(cl.Properties()))
	for name := range cl.Properties() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := cl.Get(id, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "%s: %s\n", name, valueString(v))
	}
	return nil
}

// List prints id and label of every live item of the class. Propname
// overrides the label property.
func (a *Admin) List(classname, propname string) error {
	cl, err := a.db.GetClass(classname)
	if err != nil {
		return err
	}
	if propname == "" {
		propname = cl.LabelProp()
	}
	ids, err := cl.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		v, err := cl.Get(id, propname)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "%4s: %s\n", a.printID(classname, id), valueString(v))
	}
	return nil
}

// Table prints selected properties of every live item in fixed-width
// columns. Each colspec is "propname" or "propname:width"; without a
// width the column sizes to its longest value.
func (a *Admin) Table(classname string, colspecs []string) error {
	cl, err := a.db.GetClass(classname)
	if err != nil {
		return err
	}
	all := cl.Properties()
	type column struct {
		name  string
		width int
	}
	cols := make([]column, 0, len(colspecs))
	for _, spec := range colspecs {
		name, w, hasWidth := strings.Cut(spec, ":")
		if _, ok := all[name]; !ok {
			return fmt.Errorf("%s has no property %q", classname, name)
		}
		col := column{name: name, width: len(name)}
		if hasWidth {
			n, err := strconv.Atoi(w)
			if err != nil || n < 1 {
				return fmt.Errorf("bad column width %q", spec)
			}
			col.width = n
		}
		cols = append(cols, col)
	}

	ids, err := cl.List()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		row := make([]string, len(cols))
		for i, col := range cols {
			v, err := cl.Get(id, col.name)
			if err != nil {
				return err
			}
			row[i] = valueString(v)
			if len(row[i]) > cols[i].width && !strings.Contains(colspecs[i], ":") {
				cols[i].width = len(row[i])
			}
		}
		rows = append(rows, row)
	}

	line := func(cells []string) {
		parts := make([]string, len(cols))
		for i, col := range cols {
			cell := cells[i]
			if len(cell) > col.width {
				cell = cell[:col.width]
			}
			parts[i] = fmt.Sprintf("%-*s", col.width, cell)
		}
		fmt.Fprintln(a.Out, strings.TrimRight(strings.Join(parts, " "), " "))
	}
	header := make([]string, len(cols))
	for i, col := range cols {
		header[i] = strings.ToUpper(col.name)
	}
	line(header)
	for _, row := range rows {
		line(row)
	}
	return nil
}

// Find prints items whose link properties reference the given
// targets, given as prop=value arguments (values may be ids or keys).
func (a *Admin) Find(classname string, args []string) error {
	cl, err := a.db.GetClass(classname)
	if err != nil {
		return err
	}
	all := cl.Properties()
	want := map[string][]string{}
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("argument %q is not propname=value", arg)
		}
		t, ok := all[name]
		if !ok {
			return fmt.Errorf("%s has no property %q", classname, name)
		}
		var targetClass string
		switch lt := t.(type) {
		case hyperdb.Link:
			targetClass = lt.Class
		case hyperdb.Multilink:
			targetClass = lt.Class
		default:
			return fmt.Errorf("%s.%s is not a link", classname, name)
		}
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" || part == "-1" {
				want[name] = append(want[name], "")
				continue
			}
			id, err := resolveTarget(a.db, targetClass, part)
			if err != nil {
				return err
			}
			want[name] = append(want[name], id)
		}
	}
	ids, err := cl.Find(want)
	if err != nil {
		return err
	}
	a.printIDList(classname, ids)
	return nil
}

func resolveTarget(db *hyperdb.Database, classname, raw string) (string, error) {
	v, err := hyperdb.Link{Class: classname}.FromRaw(db, raw)
	if err != nil {
		return "", err
	}
	id, _ := v.(string)
	return id, nil
}

// Filter prints items matching prop=value filter expressions, sorted
// by the given properties (prefix "-" for descending).
func (a *Admin) Filter(classname string, args, sortBy []string) error {
	cl, err := a.db.GetClass(classname)
	if err != nil {
		return err
	}
	spec := map[string]any{}
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("argument %q is not propname=value", arg)
		}
		if strings.Contains(raw, ",") {
			var parts []string
			for _, p := range strings.Split(raw, ",") {
				parts = append(parts, strings.TrimSpace(p))
			}
			spec[name] = parts
			continue
		}
		spec[name] = raw
	}
	var specs []hyperdb.SortSpec
	for _, s := range sortBy {
		if strings.HasPrefix(s, "-") {
			specs = append(specs, hyperdb.Descending(s[1:]))
		} else {
			specs = append(specs, hyperdb.Ascending(s))
		}
	}
	ids, err := cl.Filter(nil, spec, specs, nil)
	if err != nil {
		return err
	}
	a.printIDList(classname, ids)
	return nil
}

func (a *Admin) printIDList(classname string, ids []string) {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = a.printID(classname, id)
	}
	fmt.Fprintln(a.Out, strings.Join(out, a.sep()))
}

// History prints the item's journal, one entry per line.
func (a *Admin) History(designator string) error {
	classname, id, err := hyperdb.SplitDesignator(designator)
	if err != nil {
		return err
	}
	cl, err := a.db.GetClass(classname)
	if err != nil {
		return err
	}
	entries, err := cl.History(id)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ts, err := date.FromSerialised(e.Timestamp)
		when := e.Timestamp
		if err == nil {
			when = ts.String()
		}
		if e.Params == nil {
			fmt.Fprintf(a.Out, "%s %s user%s %s\n", e.ID, when, e.Actor, e.Action)
			continue
		}
		fmt.Fprintf(a.Out, "%s %s user%s %s %v\n", e.ID, when, e.Actor, e.Action, e.Params)
	}
	return nil
}

// Retire retires each designated item.
func (a *Admin) Retire(designators []string) error {
	return a.eachItem(designators, func(cl *hyperdb.Class, id string) error {
		return cl.Retire(id)
	})
}

// Restore brings each designated item back from retirement.
func (a *Admin) Restore(designators []string) error {
	return a.eachItem(designators, func(cl *hyperdb.Class, id string) error {
		return cl.Restore(id)
	})
}

func (a *Admin) eachItem(designators []string, fn func(cl *hyperdb.Class, id string) error) error {
	for _, d := range designators {
		classname, id, err := hyperdb.SplitDesignator(d)
		if err != nil {
			return err
		}
		cl, err := a.db.GetClass(classname)
		if err != nil {
			return err
		}
		if err := fn(cl, id); err != nil {
			return err
		}
	}
	return nil
}

// Commit makes the session's changes durable.
func (a *Admin) Commit() error { return a.db.Commit() }

// Rollback abandons the session's uncommitted changes.
func (a *Admin) Rollback() error { return a.db.Rollback() }

// Pack compacts journals. Spec is either a period ("2y", "30d") kept
// from now backwards, or an absolute cutoff date.
func (a *Admin) Pack(spec string) error {
	var cutoff date.Date
	if iv, err := date.ParseInterval(spec); err == nil && !iv.IsZero() {
		cutoff = date.Now().AddInterval(iv.Negate())
	} else {
		d, err := date.Parse(spec, a.db.Config().Timezone)
		if err != nil {
			return fmt.Errorf("%q is neither a period nor a date", spec)
		}
		cutoff = d
	}
	return a.db.Pack(cutoff)
}

// Reindex rebuilds the full-text index from scratch.
func (a *Admin) Reindex() error { return a.db.Reindex() }

// Specification prints the class schema, one property per line.
func (a *Admin) Specification(classname string) error {
	cl, err := a.db.GetClass(classname)
	if err != nil {
		return err
	}
	all := cl.Properties()
	for _, name := range cl.PropNames() {
		fmt.Fprintf(a.Out, "%s: %s\n", name, typeName(all[name]))
	}
	return nil
}

func typeName(t hyperdb.PropType) string {
	switch x := t.(type) {
	case hyperdb.String:
		if x.Indexed {
			return "<String indexed>"
		}
		return "<String>"
	case hyperdb.Number:
		return "<Number>"
	case hyperdb.Boolean:
		return "<Boolean>"
	case hyperdb.Date:
		return "<Date>"
	case hyperdb.Interval:
		return "<Interval>"
	case hyperdb.Password:
		return "<Password>"
	case hyperdb.Link:
		return fmt.Sprintf("<Link to %q>", x.Class)
	case hyperdb.Multilink:
		return fmt.Sprintf("<Multilink to %q>", x.Class)
	}
	return fmt.Sprintf("%T", t)
}

// Security prints the configured roles and their permissions. With a
// rolename, only that role is shown.
func (a *Admin) Security(rolename string) error {
	if a.sec == nil {
		return fmt.Errorf("no security model configured")
	}
	if rolename != "" {
		role, ok := a.sec.Role(rolename)
		if !ok {
			return fmt.Errorf("no role %q", rolename)
		}
		fmt.Fprintln(a.Out, role.Describe())
		return nil
	}
	for _, name := range a.sec.RoleNames() {
		role, ok := a.sec.Role(name)
		if !ok {
			continue
		}
		fmt.Fprintln(a.Out, role.Describe())
	}
	return nil
}
