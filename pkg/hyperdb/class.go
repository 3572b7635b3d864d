package hyperdb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roundup-tracker/hyperdb/pkg/date"
	"github.com/roundup-tracker/hyperdb/pkg/password"
	"github.com/roundup-tracker/hyperdb/pkg/storage"
)

// AddAuditor registers a pre-mutation hook for an action (create,
// set, retire, restore). Auditors run in registration order.
func (cl *Class) AddAuditor(action string, fn Auditor) {
	cl.auditors[action] = append(cl.auditors[action], fn)
}

// AddReactor registers a post-commit hook for an action.
func (cl *Class) AddReactor(action string, fn Reactor) {
	cl.reactors[action] = append(cl.reactors[action], fn)
}

func (cl *Class) audit(action, id string, props map[string]any) error {
	for _, fn := range cl.auditors[action] {
		if err := fn(cl.db, cl, id, props); err != nil {
			return err
		}
	}
	return nil
}

// checkValue verifies a canonical value's Go type against the
// property type.
// normalizeValue maps the link "unset" spellings ("" and "-1") to
// nil so callers may pass either.
func (cl *Class) normalizeValue(name string, v any) any {
	if _, ok := cl.props[name].(Link); ok {
		if s, ok := v.(string); ok && (s == "" || s == "-1") {
			return nil
		}
	}
	return v
}

func (cl *Class) checkValue(name string, t PropType, v any) error {
	if v == nil {
		return nil
	}
	ok := false
	switch t.(type) {
	case String:
		_, ok = v.(string)
	case Number:
		_, ok = v.(float64)
	case Boolean:
		_, ok = v.(bool)
	case Date:
		_, ok = v.(date.Date)
	case Interval:
		_, ok = v.(date.Interval)
	case Password:
		_, ok = v.(*password.Password)
	case Link:
		_, ok = v.(string)
	case Multilink:
		_, ok = v.([]string)
	}
	if !ok {
		return valueErrorf("%s.%s: bad value type %T", cl.name, name, v)
	}
	return nil
}

// checkLinkTargets enforces that link values reference live items.
func (cl *Class) checkLinkTargets(name string, t PropType, v any) error {
	if v == nil {
		return nil
	}
	switch lt := t.(type) {
	case Link:
		id := v.(string)
		if id == "" {
			return nil
		}
		if !cl.db.itemIsLive(lt.Class, id) {
			return valueErrorf("%s.%s: no live %s with id %s", cl.name, name, lt.Class, id)
		}
	case Multilink:
		seen := map[string]bool{}
		for _, id := range v.([]string) {
			if seen[id] {
				return valueErrorf("%s.%s: duplicate %s%s", cl.name, name, lt.Class, id)
			}
			seen[id] = true
			if !cl.db.itemIsLive(lt.Class, id) {
				return valueErrorf("%s.%s: no live %s with id %s", cl.name, name, lt.Class, id)
			}
		}
	}
	return nil
}

// Create makes a new item from canonical property values and returns
// its id. The change is buffered until Commit.
func (cl *Class) Create(props map[string]any) (string, error) {
	pending := make(map[string]any, len(props))
	for name, v := range props {
		pending[name] = v
	}
	if err := cl.audit("create", "", pending); err != nil {
		return "", err
	}
	for name, v := range pending {
		pending[name] = cl.normalizeValue(name, v)
	}
	for name, v := range pending {
		t, ok := cl.props[name]
		if !ok {
			return "", fmt.Errorf("class %s has no property %q: %w", cl.name, name, ErrNoSuchProperty)
		}
		if err := cl.checkValue(name, t, v); err != nil {
			return "", err
		}
		if err := cl.checkLinkTargets(name, t, v); err != nil {
			return "", err
		}
	}
	for name := range cl.required {
		if v, ok := pending[name]; !ok || v == nil {
			return "", valueErrorf("%s.%s is required", cl.name, name)
		}
	}
	if cl.key != "" {
		keyval, _ := pending[cl.key].(string)
		if keyval == "" {
			return "", valueErrorf("%s.%s (the key) is required", cl.name, cl.key)
		}
		if _, err := cl.Lookup(keyval); err == nil {
			return "", valueErrorf("%s with key %q already exists", cl.name, keyval)
		}
	}

	id, err := cl.db.backend.AllocateID(cl.name)
	if err != nil {
		return "", &DatabaseError{Op: "allocate " + cl.name, Err: err}
	}
	row := &storage.Row{ID: id, Props: map[string]any{}}
	var content string
	haveContent := false
	for name, v := range pending {
		if v == nil {
			continue
		}
		if cl.fileClass && name == "content" {
			content = v.(string)
			haveContent = true
			continue
		}
		sv, err := cl.props[name].ToStorage(v)
		if err != nil {
			return "", err
		}
		row.Props[name] = sv
	}
	if cl.journalled {
		now := date.Now().Serialise()
		row.Props["creation"] = now
		row.Props["activity"] = now
		row.Props["creator"] = cl.db.actor
		row.Props["actor"] = cl.db.actor
	}

	dk := designator(cl.name, id)
	cl.db.overlay[dk] = row
	cl.db.created[dk] = true
	cl.db.dirty = append(cl.db.dirty, dk)
	if haveContent {
		if err := cl.db.files.Set(cl.name, id, "content", []byte(content)); err != nil {
			return "", err
		}
	}
	cl.db.addJournal(cl.name, id, "create", nil)
	cl.journalLinks(id, nil, pending)
	cl.db.reactorQueue = append(cl.db.reactorQueue, queuedReaction{
		classname: cl.name, id: id, action: "create", oldValues: nil,
	})
	return id, nil
}

// ImportItem recreates an item under its exported id, system
// properties included. Auditors, reactors and journal entries are
// skipped, and the id counter advances past the imported id so later
// creates cannot collide. The change is buffered until Commit.
func (cl *Class) ImportItem(id string, props map[string]any, retired bool) error {
	n, err := strconv.Atoi(id)
	if err != nil || n < 1 {
		return valueErrorf("bad id %q", id)
	}
	all := cl.Properties()
	row := &storage.Row{ID: id, Props: map[string]any{}, Retired: retired}
	var content string
	haveContent := false
	for name, v := range props {
		if v == nil || name == "id" {
			continue
		}
		t, ok := all[name]
		if !ok {
			return fmt.Errorf("class %s has no property %q: %w", cl.name, name, ErrNoSuchProperty)
		}
		if cl.fileClass && name == "content" {
			content = v.(string)
			haveContent = true
			continue
		}
		sv, err := t.ToStorage(v)
		if err != nil {
			return err
		}
		row.Props[name] = sv
	}

	dk := designator(cl.name, id)
	cl.db.overlay[dk] = row
	cl.db.created[dk] = true
	cl.db.dirty = append(cl.db.dirty, dk)
	if haveContent {
		if err := cl.db.files.Set(cl.name, id, "content", []byte(content)); err != nil {
			return err
		}
	}

	next, err := cl.db.backend.NextID(cl.name)
	if err != nil {
		return &DatabaseError{Op: "import " + cl.name, Err: err}
	}
	if next <= n {
		if err := cl.db.backend.SetID(cl.name, n+1); err != nil {
			return &DatabaseError{Op: "import " + cl.name, Err: err}
		}
	}
	return nil
}

// journalLinks writes link/unlink entries on journalled link targets
// when a Link or Multilink property changes.
func (cl *Class) journalLinks(id string, old, new map[string]any) {
	for name, t := range cl.props {
		var targetClass string
		switch lt := t.(type) {
		case Link:
			targetClass = lt.Class
		case Multilink:
			targetClass = lt.Class
		default:
			continue
		}
		newV, inNew := new[name]
		if !inNew {
			continue
		}
		params := []string{cl.name, id, name}
		switch t.(type) {
		case Link:
			oldID, _ := old[name].(string)
			newID, _ := newV.(string)
			if oldID == newID {
				continue
			}
			if oldID != "" {
				cl.db.addJournal(targetClass, oldID, "unlink", params)
			}
			if newID != "" {
				cl.db.addJournal(targetClass, newID, "link", params)
			}
		case Multilink:
			oldIDs, _ := old[name].([]string)
			newIDs, _ := newV.([]string)
			oldSet := map[string]bool{}
			for _, t := range oldIDs {
				oldSet[t] = true
			}
			newSet := map[string]bool{}
			for _, t := range newIDs {
				newSet[t] = true
			}
			for t := range oldSet {
				if !newSet[t] {
					cl.db.addJournal(targetClass, t, "unlink", params)
				}
			}
			for t := range newSet {
				if !oldSet[t] {
					cl.db.addJournal(targetClass, t, "link", params)
				}
			}
		}
	}
}

// Get returns one property of an item as a canonical value. Retired
// items remain gettable by id.
func (cl *Class) Get(id, propname string) (any, error) {
	if propname == "id" {
		if _, err := cl.db.getRow(cl.name, id); err != nil {
			return nil, err
		}
		return id, nil
	}
	t, err := cl.propType(propname)
	if err != nil {
		return nil, err
	}
	row, err := cl.db.getRow(cl.name, id)
	if err != nil {
		return nil, err
	}
	if cl.fileClass && propname == "content" {
		content, err := cl.db.files.Get(cl.name, id, "content")
		if err != nil {
			return nil, err
		}
		return string(content), nil
	}
	sv, ok := row.Props[propname]
	if !ok {
		if _, isML := t.(Multilink); isML {
			return []string(nil), nil
		}
		return nil, nil
	}
	return t.FromStorage(sv)
}

// GetDefault is Get returning dflt instead of an unset value.
func (cl *Class) GetDefault(id, propname string, dflt any) (any, error) {
	v, err := cl.Get(id, propname)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return dflt, nil
	}
	return v, nil
}

// Set updates properties of an item from canonical values. Only
// genuinely changed properties are recorded; the journal entry's
// params carry the old values.
func (cl *Class) Set(id string, props map[string]any) error {
	if _, err := cl.db.getRow(cl.name, id); err != nil {
		return err
	}
	pending := make(map[string]any, len(props))
	for name, v := range props {
		pending[name] = v
	}
	if err := cl.audit("set", id, pending); err != nil {
		return err
	}

	oldValues := map[string]any{}
	oldStorage := map[string]any{}
	newValues := map[string]any{}
	for name, v := range pending {
		v = cl.normalizeValue(name, v)
		t, ok := cl.props[name]
		if !ok {
			if isSystemProp(name) {
				return valueErrorf("%s.%s is read-only", cl.name, name)
			}
			return fmt.Errorf("class %s has no property %q: %w", cl.name, name, ErrNoSuchProperty)
		}
		if err := cl.checkValue(name, t, v); err != nil {
			return err
		}
		old, err := cl.Get(id, name)
		if err != nil {
			return err
		}
		if t.Equal(old, v) {
			continue
		}
		if cl.required[name] && v == nil {
			return valueErrorf("%s.%s is required", cl.name, name)
		}
		if err := cl.checkLinkTargets(name, t, v); err != nil {
			return err
		}
		if name == cl.key {
			keyval, _ := v.(string)
			if keyval == "" {
				return valueErrorf("%s.%s (the key) is required", cl.name, cl.key)
			}
			if other, err := cl.Lookup(keyval); err == nil && other != id {
				return valueErrorf("%s with key %q already exists", cl.name, keyval)
			}
		}
		oldValues[name] = old
		os, err := t.ToStorage(old)
		if err != nil {
			return err
		}
		oldStorage[name] = os
		newValues[name] = v
	}
	if len(newValues) == 0 {
		return nil
	}

	row, err := cl.db.editRow(cl.name, id)
	if err != nil {
		return err
	}
	for name, v := range newValues {
		if cl.fileClass && name == "content" {
			s, _ := v.(string)
			if err := cl.db.files.Set(cl.name, id, "content", []byte(s)); err != nil {
				return err
			}
			continue
		}
		if v == nil {
			delete(row.Props, name)
			continue
		}
		sv, err := cl.props[name].ToStorage(v)
		if err != nil {
			return err
		}
		row.Props[name] = sv
	}
	if cl.journalled {
		row.Props["activity"] = date.Now().Serialise()
		row.Props["actor"] = cl.db.actor
	}
	cl.db.addJournal(cl.name, id, "set", oldStorage)
	cl.journalLinks(id, oldValues, newValues)
	cl.db.reactorQueue = append(cl.db.reactorQueue, queuedReaction{
		classname: cl.name, id: id, action: "set", oldValues: oldValues,
	})
	return nil
}

// Retire soft-deletes an item: it vanishes from listings, lookups
// and filters but keeps its id and history.
func (cl *Class) Retire(id string) error {
	if err := cl.audit("retire", id, nil); err != nil {
		return err
	}
	row, err := cl.db.editRow(cl.name, id)
	if err != nil {
		return err
	}
	row.Retired = true
	cl.db.addJournal(cl.name, id, "retired", nil)
	cl.db.reactorQueue = append(cl.db.reactorQueue, queuedReaction{
		classname: cl.name, id: id, action: "retire",
	})
	return nil
}

// Restore reverses a retire. It fails if a live item has taken the
// retired item's key value in the meantime.
func (cl *Class) Restore(id string) error {
	row, err := cl.db.getRow(cl.name, id)
	if err != nil {
		return err
	}
	if !row.Retired {
		return nil
	}
	if cl.key != "" {
		if keyval, ok := row.Props[cl.key].(string); ok {
			if other, err := cl.Lookup(keyval); err == nil && other != id {
				return valueErrorf("cannot restore %s%s: key %q is in use by %s%s",
					cl.name, id, keyval, cl.name, other)
			}
		}
	}
	if err := cl.audit("restore", id, nil); err != nil {
		return err
	}
	edit, err := cl.db.editRow(cl.name, id)
	if err != nil {
		return err
	}
	edit.Retired = false
	cl.db.addJournal(cl.name, id, "restored", nil)
	cl.db.reactorQueue = append(cl.db.reactorQueue, queuedReaction{
		classname: cl.name, id: id, action: "restore",
	})
	return nil
}

// IsRetired reports the item's retire state.
func (cl *Class) IsRetired(id string) (bool, error) {
	row, err := cl.db.getRow(cl.name, id)
	if err != nil {
		return false, err
	}
	return row.Retired, nil
}

// Destroy removes an item outright. Only non-journalled classes
// (sessions, one-time keys) support it; there is no recovery.
func (cl *Class) Destroy(id string) error {
	if cl.journalled {
		return fmt.Errorf("class %s is journalled, items can only be retired", cl.name)
	}
	if _, err := cl.db.getRow(cl.name, id); err != nil {
		return err
	}
	dk := designator(cl.name, id)
	if _, ok := cl.db.overlay[dk]; !ok {
		cl.db.overlay[dk] = &storage.Row{ID: id}
		cl.db.dirty = append(cl.db.dirty, dk)
	}
	cl.db.destroyed[dk] = true
	delete(cl.db.cache, dk)
	return nil
}

// Lookup resolves the key property value of a live item to its id.
func (cl *Class) Lookup(keyvalue string) (string, error) {
	if cl.key == "" {
		return "", fmt.Errorf("class %s has no key property", cl.name)
	}
	// the transaction's own view first
	for dk, row := range cl.db.overlay {
		classname, id, err := SplitDesignator(dk)
		if err != nil || classname != cl.name {
			continue
		}
		if cl.db.destroyed[dk] || row.Retired {
			continue
		}
		if v, ok := row.Props[cl.key].(string); ok && v == keyvalue {
			return id, nil
		}
	}
	id, err := cl.db.backend.LookupByKey(cl.name, cl.key, keyvalue)
	if err == storage.ErrNotFound {
		return "", fmt.Errorf("no %s with key %q: %w", cl.name, keyvalue, ErrNoSuchItem)
	}
	if err != nil {
		return "", &DatabaseError{Op: "lookup " + cl.name, Err: err}
	}
	// the overlay may have retired it or moved its key
	if row, ok := cl.db.overlay[designator(cl.name, id)]; ok {
		if row.Retired {
			return "", fmt.Errorf("no %s with key %q: %w", cl.name, keyvalue, ErrNoSuchItem)
		}
		if v, _ := row.Props[cl.key].(string); v != keyvalue {
			return "", fmt.Errorf("no %s with key %q: %w", cl.name, keyvalue, ErrNoSuchItem)
		}
	}
	if cl.db.destroyed[designator(cl.name, id)] {
		return "", fmt.Errorf("no %s with key %q: %w", cl.name, keyvalue, ErrNoSuchItem)
	}
	return id, nil
}

// List returns the ids of live items in numeric order.
func (cl *Class) List() ([]string, error) {
	return cl.listIDs(false)
}

// ListAll returns all ids, retired included, in numeric order.
func (cl *Class) ListAll() ([]string, error) {
	return cl.listIDs(true)
}

func (cl *Class) listIDs(includeRetired bool) ([]string, error) {
	backendIDs, err := cl.db.backend.ListIDs(cl.name, true)
	if err != nil {
		return nil, &DatabaseError{Op: "list " + cl.name, Err: err}
	}
	seen := map[string]bool{}
	var ids []string
	include := func(id string, retired bool) {
		if seen[id] {
			return
		}
		seen[id] = true
		if cl.db.destroyed[designator(cl.name, id)] {
			return
		}
		if retired && !includeRetired {
			return
		}
		ids = append(ids, id)
	}
	// overlay state wins over the committed rows
	for dk, row := range cl.db.overlay {
		classname, id, err := SplitDesignator(dk)
		if err != nil || classname != cl.name {
			continue
		}
		include(id, row.Retired)
	}
	for _, id := range backendIDs {
		if seen[id] {
			continue
		}
		row, err := cl.db.getRow(cl.name, id)
		if err != nil {
			return nil, err
		}
		include(id, row.Retired)
	}
	sortIDs(ids)
	return ids, nil
}

// hasOverlayEntries reports whether this transaction touched the
// class, which forces queries off the backend's fast paths.
func (db *Database) hasOverlayEntries(classname string) bool {
	for dk := range db.overlay {
		cn, _, err := SplitDesignator(dk)
		if err == nil && cn == classname {
			return true
		}
	}
	return false
}

// Find returns ids of live items whose Link property equals any of
// the given target ids, or whose Multilink contains any of them.
// Conditions AND across properties. A target id of "-1" or "" means
// "link unset".
func (cl *Class) Find(props map[string][]string) ([]string, error) {
	var result map[string]bool
	for name, targets := range props {
		t, ok := cl.props[name]
		if !ok {
			return nil, fmt.Errorf("class %s has no property %q: %w", cl.name, name, ErrNoSuchProperty)
		}
		switch t.(type) {
		case Link, Multilink:
		default:
			return nil, valueErrorf("%s.%s is not a link property", cl.name, name)
		}
		normalized := make([]string, 0, len(targets))
		for _, id := range targets {
			if id == "-1" {
				id = ""
			}
			normalized = append(normalized, id)
		}
		ids, err := cl.findByLink(name, normalized)
		if err != nil {
			return nil, err
		}
		matches := map[string]bool{}
		for _, id := range ids {
			matches[id] = true
		}
		if result == nil {
			result = matches
			continue
		}
		for id := range result {
			if !matches[id] {
				delete(result, id)
			}
		}
	}
	ids := make([]string, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

func (cl *Class) findByLink(name string, targets []string) ([]string, error) {
	if !cl.db.hasOverlayEntries(cl.name) {
		ids, err := cl.db.backend.FindByLink(cl.name, name, targets)
		if err != nil {
			return nil, &DatabaseError{Op: "find " + cl.name, Err: err}
		}
		live := ids[:0]
		for _, id := range ids {
			if cl.db.itemIsLive(cl.name, id) {
				live = append(live, id)
			}
		}
		return live, nil
	}
	want := map[string]bool{}
	for _, id := range targets {
		want[id] = true
	}
	all, err := cl.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range all {
		row, err := cl.db.getRow(cl.name, id)
		if err != nil {
			return nil, err
		}
		switch cl.props[name].(type) {
		case Multilink:
			ml := multilinkValue(row.Props[name])
			if len(ml) == 0 {
				if want[""] {
					out = append(out, id)
				}
				continue
			}
			for _, target := range ml {
				if want[target] {
					out = append(out, id)
					break
				}
			}
		default:
			v, _ := row.Props[name].(string)
			if want[v] {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func multilinkValue(v any) []string {
	switch ml := v.(type) {
	case []string:
		return ml
	case []any:
		out := make([]string, 0, len(ml))
		for _, e := range ml {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StringFind returns live ids whose String properties equal the
// given values, case-insensitively, AND-ed across properties.
func (cl *Class) StringFind(props map[string]string) ([]string, error) {
	for name := range props {
		t, ok := cl.props[name]
		if !ok {
			return nil, fmt.Errorf("class %s has no property %q: %w", cl.name, name, ErrNoSuchProperty)
		}
		if _, isString := t.(String); !isString {
			return nil, valueErrorf("%s.%s is not a String", cl.name, name)
		}
	}
	all, err := cl.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range all {
		row, err := cl.db.getRow(cl.name, id)
		if err != nil {
			return nil, err
		}
		match := true
		for name, want := range props {
			got, _ := row.Props[name].(string)
			if !strings.EqualFold(got, want) {
				match = false
				break
			}
		}
		if match {
			out = append(out, id)
		}
	}
	return out, nil
}

// History returns the item's journal, committed entries first, then
// entries buffered in the open transaction.
func (cl *Class) History(id string) ([]storage.JournalEntry, error) {
	if !cl.journalled {
		return nil, fmt.Errorf("class %s is not journalled", cl.name)
	}
	if _, err := cl.db.getRow(cl.name, id); err != nil {
		return nil, err
	}
	entries, err := cl.db.backend.GetJournal(cl.name, id)
	if err != nil {
		return nil, &DatabaseError{Op: "history " + designator(cl.name, id), Err: err}
	}
	for _, qj := range cl.db.journalQueue {
		if qj.classname == cl.name && qj.id == id {
			entries = append(entries, qj.entry)
		}
	}
	return entries, nil
}

// ImportJournal replaces an item's journal wholesale, as written by
// a database export. Non-journalled classes ignore it.
func (cl *Class) ImportJournal(id string, entries []storage.JournalEntry) error {
	if !cl.journalled {
		return nil
	}
	if err := cl.db.backend.SetJournal(cl.name, id, entries); err != nil {
		return &DatabaseError{Op: "import journal " + designator(cl.name, id), Err: err}
	}
	return nil
}

// Pack compacts journals of every journalled class: entries older
// than cutoff are dropped except each item's create entry and its
// latest entry. Pack commits immediately.
func (db *Database) Pack(cutoff date.Date) error {
	serialised := cutoff.Serialise()
	for _, classname := range db.classOrder {
		if !db.classes[classname].journalled {
			continue
		}
		if err := db.backend.PackJournal(classname, serialised); err != nil {
			db.backend.Rollback()
			return &DatabaseError{Op: "pack " + classname, Err: err}
		}
	}
	if err := db.backend.Commit(); err != nil {
		return &DatabaseError{Op: "pack", Err: err}
	}
	return nil
}
