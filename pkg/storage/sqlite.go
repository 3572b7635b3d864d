package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteBackend maps classes onto relational tables:
//
//	_<class>           one row per item, _<prop> columns, __retired__
//	<class>__journal   one row per journal entry
//	<class>_<prop>     (linkid, nodeid) rows per multilink entry
//	ids                per-class id counters
//
// Mutations run in a lazily-begun transaction that Commit finishes.
type SQLiteBackend struct {
	db      *sql.DB
	tx      *sql.Tx
	classes map[string]ClassInfo
}

// OpenSQLite opens (creating if needed) the database file.
func OpenSQLite(path string, timeoutSeconds int) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	// a single writer at a time, waiting out concurrent readers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", timeoutSeconds*1000)); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: sqlite pragma: %w", err)
	}
	return &SQLiteBackend{db: db, classes: map[string]ClassInfo{}}, nil
}

func columnType(kind PropKind) string {
	switch kind {
	case KindNumber:
		return "REAL"
	case KindBoolean:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// Setup implements Backend. Existing tables gain columns and
// multilink tables for properties added to the schema; dropped
// properties keep their columns.
func (b *SQLiteBackend) Setup(classes []ClassInfo) error {
	if _, err := b.db.Exec(
		`CREATE TABLE IF NOT EXISTS ids (classname TEXT PRIMARY KEY, next INTEGER)`); err != nil {
		return fmt.Errorf("storage: setup: %w", err)
	}
	for _, info := range classes {
		b.classes[info.Name] = info
		if err := b.setupClass(info); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteBackend) setupClass(info ClassInfo) error {
	cols := []string{"id TEXT PRIMARY KEY", "__retired__ INTEGER NOT NULL DEFAULT 0"}
	for _, name := range sortedProps(info) {
		kind := info.Props[name]
		if kind == KindMultilink {
			continue
		}
		cols = append(cols, fmt.Sprintf("_%s %s", name, columnType(kind)))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS _%s (%s)", info.Name, strings.Join(cols, ", "))
	if _, err := b.db.Exec(stmt); err != nil {
		return fmt.Errorf("storage: setup %s: %w", info.Name, err)
	}

	existing, err := b.tableColumns("_" + info.Name)
	if err != nil {
		return err
	}
	for _, name := range sortedProps(info) {
		kind := info.Props[name]
		if kind == KindMultilink {
			stmt := fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS %s_%s (linkid TEXT, nodeid TEXT)", info.Name, name)
			if _, err := b.db.Exec(stmt); err != nil {
				return fmt.Errorf("storage: setup %s.%s: %w", info.Name, name, err)
			}
			continue
		}
		if !existing["_"+name] {
			log.Infof("storage: adding column _%s.%s", info.Name, name)
			stmt := fmt.Sprintf("ALTER TABLE _%s ADD COLUMN _%s %s",
				info.Name, name, columnType(kind))
			if _, err := b.db.Exec(stmt); err != nil {
				return fmt.Errorf("storage: setup %s.%s: %w", info.Name, name, err)
			}
		}
	}
	stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s__journal
		(nodeid TEXT, entryid TEXT, date TEXT, tag TEXT, action TEXT, params TEXT)`, info.Name)
	if _, err := b.db.Exec(stmt); err != nil {
		return fmt.Errorf("storage: setup %s journal: %w", info.Name, err)
	}
	return nil
}

func sortedProps(info ClassInfo) []string {
	names := make([]string, 0, len(info.Props))
	for name := range info.Props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *SQLiteBackend) tableColumns(table string) (map[string]bool, error) {
	rows, err := b.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("storage: table_info %s: %w", table, err)
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	if b.tx != nil {
		b.tx.Rollback()
		b.tx = nil
	}
	return b.db.Close()
}

// exec runs inside the open transaction, beginning one if needed.
func (b *SQLiteBackend) exec(query string, args ...any) error {
	if b.tx == nil {
		tx, err := b.db.Begin()
		if err != nil {
			return fmt.Errorf("storage: begin: %w", err)
		}
		b.tx = tx
	}
	if _, err := b.tx.Exec(query, args...); err != nil {
		return fmt.Errorf("storage: %s: %w", query, err)
	}
	return nil
}

// query reads through the open transaction when there is one, so a
// commit in progress sees its own writes.
func (b *SQLiteBackend) query(query string, args ...any) (*sql.Rows, error) {
	if b.tx != nil {
		return b.tx.Query(query, args...)
	}
	return b.db.Query(query, args...)
}

// Commit implements Backend.
func (b *SQLiteBackend) Commit() error {
	if b.tx == nil {
		return nil
	}
	err := b.tx.Commit()
	b.tx = nil
	if err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// Rollback implements Backend.
func (b *SQLiteBackend) Rollback() error {
	if b.tx == nil {
		return nil
	}
	err := b.tx.Rollback()
	b.tx = nil
	if err != nil {
		return fmt.Errorf("storage: rollback: %w", err)
	}
	return nil
}

// toColumn converts a storage primitive to its column value.
func toColumn(kind PropKind, v any) any {
	if v == nil {
		return nil
	}
	if kind == KindBoolean {
		if v.(bool) {
			return 1
		}
		return 0
	}
	return v
}

func (b *SQLiteBackend) rowColumns(classname string, row *Row) (cols []string, vals []any) {
	info := b.classes[classname]
	cols = []string{"id", "__retired__"}
	retired := 0
	if row.Retired {
		retired = 1
	}
	vals = []any{row.ID, retired}
	for _, name := range sortedProps(info) {
		kind := info.Props[name]
		if kind == KindMultilink {
			continue
		}
		cols = append(cols, "_"+name)
		vals = append(vals, toColumn(kind, row.Props[name]))
	}
	return cols, vals
}

func (b *SQLiteBackend) writeMultilinks(classname string, row *Row, replace bool) error {
	info := b.classes[classname]
	for _, name := range sortedProps(info) {
		if info.Props[name] != KindMultilink {
			continue
		}
		if replace {
			err := b.exec(fmt.Sprintf("DELETE FROM %s_%s WHERE nodeid = ?", classname, name), row.ID)
			if err != nil {
				return err
			}
		}
		ml, _ := row.Props[name].([]string)
		for _, linkid := range ml {
			err := b.exec(fmt.Sprintf(
				"INSERT INTO %s_%s (linkid, nodeid) VALUES (?, ?)", classname, name),
				linkid, row.ID)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Insert implements Backend.
func (b *SQLiteBackend) Insert(classname string, row *Row) error {
	cols, vals := b.rowColumns(classname, row)
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO _%s (%s) VALUES (%s)",
		classname, strings.Join(cols, ", "), marks)
	if err := b.exec(stmt, vals...); err != nil {
		return err
	}
	return b.writeMultilinks(classname, row, false)
}

// Update implements Backend.
func (b *SQLiteBackend) Update(classname string, row *Row) error {
	cols, vals := b.rowColumns(classname, row)
	sets := make([]string, 0, len(cols)-1)
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		if col == "id" {
			continue
		}
		sets = append(sets, col+" = ?")
		args = append(args, vals[i])
	}
	args = append(args, row.ID)
	stmt := fmt.Sprintf("UPDATE _%s SET %s WHERE id = ?", classname, strings.Join(sets, ", "))
	if err := b.exec(stmt, args...); err != nil {
		return err
	}
	return b.writeMultilinks(classname, row, true)
}

// Remove implements Backend.
func (b *SQLiteBackend) Remove(classname, id string) error {
	info := b.classes[classname]
	if err := b.exec(fmt.Sprintf("DELETE FROM _%s WHERE id = ?", classname), id); err != nil {
		return err
	}
	for _, name := range sortedProps(info) {
		if info.Props[name] != KindMultilink {
			continue
		}
		err := b.exec(fmt.Sprintf("DELETE FROM %s_%s WHERE nodeid = ?", classname, name), id)
		if err != nil {
			return err
		}
	}
	return b.exec(fmt.Sprintf("DELETE FROM %s__journal WHERE nodeid = ?", classname), id)
}

// fromColumn converts a scanned column back to a storage primitive.
func fromColumn(kind PropKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
	case KindBoolean:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	default:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	}
	return nil, fmt.Errorf("storage: unexpected column value %T", v)
}

// Fetch implements Backend. Multilink properties are materialised
// from their link tables.
func (b *SQLiteBackend) Fetch(classname, id string) (*Row, error) {
	info := b.classes[classname]
	var scalar []string
	for _, name := range sortedProps(info) {
		if info.Props[name] != KindMultilink {
			scalar = append(scalar, name)
		}
	}
	cols := "__retired__"
	for _, name := range scalar {
		cols += ", _" + name
	}
	rows, err := b.query(fmt.Sprintf("SELECT %s FROM _%s WHERE id = ?", cols, classname), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	dest := make([]any, len(scalar)+1)
	ptrs := make([]any, len(dest))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("storage: fetch %s%s: %w", classname, id, err)
	}
	rows.Close()

	row := &Row{ID: id, Props: map[string]any{}}
	if n, ok := dest[0].(int64); ok {
		row.Retired = n != 0
	}
	for i, name := range scalar {
		v, err := fromColumn(info.Props[name], dest[i+1])
		if err != nil {
			return nil, fmt.Errorf("storage: fetch %s%s.%s: %w", classname, id, name, err)
		}
		if v != nil {
			row.Props[name] = v
		}
	}
	for _, name := range sortedProps(info) {
		if info.Props[name] != KindMultilink {
			continue
		}
		ids, err := b.queryIDs(fmt.Sprintf(
			"SELECT linkid FROM %s_%s WHERE nodeid = ? ORDER BY CAST(linkid AS INTEGER)",
			classname, name), id)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			row.Props[name] = ids
		}
	}
	return row, nil
}

func (b *SQLiteBackend) queryIDs(stmt string, args ...any) ([]string, error) {
	rows, err := b.query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListIDs implements Backend.
func (b *SQLiteBackend) ListIDs(classname string, includeRetired bool) ([]string, error) {
	stmt := fmt.Sprintf("SELECT id FROM _%s", classname)
	if !includeRetired {
		stmt += " WHERE __retired__ = 0"
	}
	return b.queryIDs(stmt + " ORDER BY CAST(id AS INTEGER)")
}

// AllocateID implements Backend. The counter is written outside the
// transaction so rolled-back ids are not reused.
func (b *SQLiteBackend) AllocateID(classname string) (string, error) {
	next, err := b.NextID(classname)
	if err != nil {
		return "", err
	}
	_, err = b.db.Exec(
		`INSERT INTO ids (classname, next) VALUES (?, ?)
		 ON CONFLICT (classname) DO UPDATE SET next = excluded.next`,
		classname, next+1)
	if err != nil {
		return "", fmt.Errorf("storage: allocate id: %w", err)
	}
	return fmt.Sprintf("%d", next), nil
}

// NextID implements Backend.
func (b *SQLiteBackend) NextID(classname string) (int, error) {
	rows, err := b.db.Query("SELECT next FROM ids WHERE classname = ?", classname)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 1, rows.Err()
	}
	var next int
	if err := rows.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// SetID implements Backend.
func (b *SQLiteBackend) SetID(classname string, next int) error {
	_, err := b.db.Exec(
		`INSERT INTO ids (classname, next) VALUES (?, ?)
		 ON CONFLICT (classname) DO UPDATE SET next = excluded.next`,
		classname, next)
	if err != nil {
		return fmt.Errorf("storage: set id: %w", err)
	}
	return nil
}

// LookupByKey implements Backend.
func (b *SQLiteBackend) LookupByKey(classname, keyprop, value string) (string, error) {
	ids, err := b.queryIDs(fmt.Sprintf(
		"SELECT id FROM _%s WHERE _%s = ? AND __retired__ = 0", classname, keyprop), value)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	return ids[0], nil
}

// FindByLink implements Backend.
func (b *SQLiteBackend) FindByLink(classname, prop string, targetIDs []string) ([]string, error) {
	info := b.classes[classname]
	wantUnset := false
	var targets []any
	for _, id := range targetIDs {
		if id == "" {
			wantUnset = true
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 && !wantUnset {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(targets)), ", ")

	if info.Props[prop] == KindMultilink {
		var clauses []string
		if len(targets) > 0 {
			clauses = append(clauses, fmt.Sprintf(
				"id IN (SELECT nodeid FROM %s_%s WHERE linkid IN (%s))", classname, prop, marks))
		}
		if wantUnset {
			clauses = append(clauses, fmt.Sprintf(
				"id NOT IN (SELECT nodeid FROM %s_%s)", classname, prop))
		}
		stmt := fmt.Sprintf("SELECT id FROM _%s WHERE %s ORDER BY CAST(id AS INTEGER)",
			classname, strings.Join(clauses, " OR "))
		return b.queryIDs(stmt, targets...)
	}

	var clauses []string
	if len(targets) > 0 {
		clauses = append(clauses, fmt.Sprintf("_%s IN (%s)", prop, marks))
	}
	if wantUnset {
		clauses = append(clauses, fmt.Sprintf("_%s IS NULL", prop))
	}
	stmt := fmt.Sprintf("SELECT id FROM _%s WHERE %s ORDER BY CAST(id AS INTEGER)",
		classname, strings.Join(clauses, " OR "))
	return b.queryIDs(stmt, targets...)
}

// AddJournal implements Backend.
func (b *SQLiteBackend) AddJournal(classname, id string, entry JournalEntry) error {
	params, err := json.Marshal(entry.Params)
	if err != nil {
		return fmt.Errorf("storage: journal %s%s: %w", classname, id, err)
	}
	return b.exec(fmt.Sprintf(
		"INSERT INTO %s__journal (nodeid, entryid, date, tag, action, params) VALUES (?, ?, ?, ?, ?, ?)",
		classname), id, entry.ID, entry.Timestamp, entry.Actor, entry.Action, string(params))
}

// SetJournal implements Backend.
func (b *SQLiteBackend) SetJournal(classname, id string, entries []JournalEntry) error {
	err := b.exec(fmt.Sprintf("DELETE FROM %s__journal WHERE nodeid = ?", classname), id)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := b.AddJournal(classname, id, e); err != nil {
			return err
		}
	}
	return nil
}

// GetJournal implements Backend.
func (b *SQLiteBackend) GetJournal(classname, id string) ([]JournalEntry, error) {
	rows, err := b.query(fmt.Sprintf(
		"SELECT entryid, date, tag, action, params FROM %s__journal WHERE nodeid = ? ORDER BY date, rowid",
		classname), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var params string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &params); err != nil {
			return nil, err
		}
		if params != "" && params != "null" {
			if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
				return nil, fmt.Errorf("storage: journal %s%s: %w", classname, id, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PackJournal implements Backend.
func (b *SQLiteBackend) PackJournal(classname, cutoff string) error {
	nodeids, err := b.queryIDs(fmt.Sprintf(
		"SELECT DISTINCT nodeid FROM %s__journal", classname))
	if err != nil {
		return err
	}
	for _, id := range nodeids {
		entries, err := b.GetJournal(classname, id)
		if err != nil {
			return err
		}
		packed := packEntries(entries, cutoff)
		if len(packed) == len(entries) {
			continue
		}
		if err := b.SetJournal(classname, id, packed); err != nil {
			return err
		}
	}
	return nil
}
