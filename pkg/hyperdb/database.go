package hyperdb

import (
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/roundup-tracker/hyperdb/pkg/blobstore"
	"github.com/roundup-tracker/hyperdb/pkg/config"
	"github.com/roundup-tracker/hyperdb/pkg/date"
	"github.com/roundup-tracker/hyperdb/pkg/indexer"
	"github.com/roundup-tracker/hyperdb/pkg/storage"
)

// Auditor runs before a mutation is buffered. It may mutate props
// (the pending values for create/set) or return a *Reject to veto.
type Auditor func(db *Database, cl *Class, id string, props map[string]any) error

// Reactor runs after commit with the old values of the properties
// the mutation changed. Errors are logged, never propagated.
type Reactor func(db *Database, cl *Class, id string, oldValues map[string]any) error

// Database is one handle onto a tracker database. A handle buffers
// all mutations until Commit and is not safe for concurrent use.
type Database struct {
	config  *config.Config
	backend storage.Backend
	files   *blobstore.Store
	index   indexer.Indexer

	classes    map[string]*Class
	classOrder []string

	// actor is the user id journal entries are attributed to.
	actor string

	// committed rows read this transaction, bounded
	cache map[string]*storage.Row
	// uncommitted state, keyed by designator
	overlay   map[string]*storage.Row
	created   map[string]bool
	destroyed map[string]bool
	// designators in first-touch order, so creates reach the
	// backend before updates that link to them
	dirty []string

	journalQueue []queuedJournal
	reactorQueue []queuedReaction
}

type queuedJournal struct {
	classname string
	id        string
	entry     storage.JournalEntry
}

type queuedReaction struct {
	classname string
	id        string
	action    string
	oldValues map[string]any
}

// Open assembles a database from its parts. The classes slice fixes
// the schema; the backend is set up (and migrated) to match.
func Open(cfg *config.Config, backend storage.Backend, files *blobstore.Store,
	index indexer.Indexer, classes []ClassSpec) (*Database, error) {
	db := &Database{
		config:    cfg,
		backend:   backend,
		files:     files,
		index:     index,
		classes:   map[string]*Class{},
		actor:     "1",
		cache:     map[string]*storage.Row{},
		overlay:   map[string]*storage.Row{},
		created:   map[string]bool{},
		destroyed: map[string]bool{},
	}
	infos := make([]storage.ClassInfo, 0, len(classes))
	for _, spec := range classes {
		cl, err := newClass(db, spec)
		if err != nil {
			return nil, err
		}
		if _, dup := db.classes[cl.name]; dup {
			return nil, fmt.Errorf("duplicate class %q", cl.name)
		}
		db.classes[cl.name] = cl
		db.classOrder = append(db.classOrder, cl.name)
		infos = append(infos, cl.storageInfo())
	}
	if err := backend.Setup(infos); err != nil {
		return nil, &DatabaseError{Op: "setup", Err: err}
	}
	return db, nil
}

// Config returns the configuration the database was opened with.
func (db *Database) Config() *config.Config { return db.config }

// Classes returns classnames in declaration order.
func (db *Database) Classes() []string {
	return append([]string(nil), db.classOrder...)
}

// GetClass resolves a classname.
func (db *Database) GetClass(name string) (*Class, error) {
	cl, ok := db.classes[name]
	if !ok {
		return nil, fmt.Errorf("no such class %q", name)
	}
	return cl, nil
}

// SetActor switches the identity recorded on subsequent mutations.
func (db *Database) SetActor(userid string) { db.actor = userid }

// Actor returns the current journalling identity.
func (db *Database) Actor() string { return db.actor }

// Indexer exposes the full-text indexer for searches.
func (db *Database) Indexer() indexer.Indexer { return db.index }

// FileStorage exposes the blob store.
func (db *Database) FileStorage() *blobstore.Store { return db.files }

func designator(classname, id string) string { return classname + id }

// getRow returns the item's current row: the transaction's overlay
// view if it has one, else the committed row via the node cache.
// The returned row must not be mutated unless it is the overlay's.
func (db *Database) getRow(classname, id string) (*storage.Row, error) {
	dk := designator(classname, id)
	if db.destroyed[dk] {
		return nil, ErrNoSuchItem
	}
	if row, ok := db.overlay[dk]; ok {
		return row, nil
	}
	if row, ok := db.cache[dk]; ok {
		return row, nil
	}
	row, err := db.backend.Fetch(classname, id)
	if err == storage.ErrNotFound {
		return nil, ErrNoSuchItem
	}
	if err != nil {
		return nil, &DatabaseError{Op: "fetch " + dk, Err: err}
	}
	if len(db.cache) >= db.cacheLimit() {
		db.cache = map[string]*storage.Row{}
	}
	db.cache[dk] = row
	return row, nil
}

func (db *Database) cacheLimit() int {
	if n := db.config.RDBMS.CacheSize; n > 0 {
		return n
	}
	return 100
}

// editRow returns a mutable overlay row for the item, cloning the
// committed row on first touch.
func (db *Database) editRow(classname, id string) (*storage.Row, error) {
	dk := designator(classname, id)
	if row, ok := db.overlay[dk]; ok {
		return row, nil
	}
	row, err := db.getRow(classname, id)
	if err != nil {
		return nil, err
	}
	clone := row.Clone()
	db.overlay[dk] = clone
	db.dirty = append(db.dirty, dk)
	return clone, nil
}

func (db *Database) addJournal(classname, id, action string, params any) {
	cl := db.classes[classname]
	if cl == nil || !cl.journalled {
		return
	}
	db.journalQueue = append(db.journalQueue, queuedJournal{
		classname: classname,
		id:        id,
		entry: storage.JournalEntry{
			ID:        id,
			Timestamp: date.Now().Serialise(),
			Actor:     db.actor,
			Action:    action,
			Params:    params,
		},
	})
}

// resolveLinkTarget turns a raw link reference (an id or a key
// value) into a target id, honoring uncommitted items. The sentinel
// "@current_user" names the acting user.
func (db *Database) resolveLinkTarget(classname, raw string) (string, error) {
	cl, ok := db.classes[classname]
	if !ok {
		return "", valueErrorf("no such class %q", classname)
	}
	if raw == "@current_user" && classname == "user" {
		return db.actor, nil
	}
	if _, err := strconv.Atoi(raw); err == nil {
		return raw, nil
	}
	id, err := cl.Lookup(raw)
	if err != nil {
		return "", valueErrorf("no %s with key %q", classname, raw)
	}
	return id, nil
}

// itemIsLive reports whether the id names a live item, overlay
// included.
func (db *Database) itemIsLive(classname, id string) bool {
	row, err := db.getRow(classname, id)
	return err == nil && !row.Retired
}

// Commit flushes the transaction: rows and journals reach the
// backend in mutation order, staged blobs are renamed into place,
// touched items are reindexed, the backend commits, and finally
// reactors run on the committed state.
func (db *Database) Commit() error {
	fail := func(op string, err error) error {
		db.backend.Rollback()
		db.files.Rollback()
		db.index.Rollback()
		return &DatabaseError{Op: op, Err: err}
	}

	for _, dk := range db.dirty {
		classname, id, err := SplitDesignator(dk)
		if err != nil {
			return fail("commit", err)
		}
		row := db.overlay[dk]
		switch {
		case db.destroyed[dk]:
			if err := db.backend.Remove(classname, id); err != nil {
				return fail("destroy "+dk, err)
			}
		case db.created[dk]:
			if err := db.backend.Insert(classname, row); err != nil {
				return fail("insert "+dk, err)
			}
		default:
			if err := db.backend.Update(classname, row); err != nil {
				return fail("update "+dk, err)
			}
		}
	}
	for _, qj := range db.journalQueue {
		if db.destroyed[designator(qj.classname, qj.id)] {
			continue
		}
		if err := db.backend.AddJournal(qj.classname, qj.id, qj.entry); err != nil {
			return fail("journal "+designator(qj.classname, qj.id), err)
		}
	}
	if err := db.files.Commit(); err != nil {
		return fail("blob commit", err)
	}
	if err := db.reindexTouched(); err != nil {
		return fail("index", err)
	}
	if err := db.index.Save(); err != nil {
		return fail("index save", err)
	}
	if err := db.backend.Commit(); err != nil {
		db.files.Rollback()
		db.index.Rollback()
		return &DatabaseError{Op: "commit", Err: err}
	}

	reactions := db.reactorQueue
	db.clearBuffers()
	for _, qr := range reactions {
		cl := db.classes[qr.classname]
		for _, react := range cl.reactors[qr.action] {
			if err := react(db, cl, qr.id, qr.oldValues); err != nil {
				log.Errorf("reactor error on %s %s%s: %v",
					qr.action, qr.classname, qr.id, err)
			}
		}
	}
	return nil
}

// reindexTouched refreshes the full-text index for every indexable
// property of every item the transaction touched.
func (db *Database) reindexTouched() error {
	for _, dk := range db.dirty {
		classname, id, err := SplitDesignator(dk)
		if err != nil {
			return err
		}
		cl := db.classes[classname]
		if db.destroyed[dk] {
			for _, prop := range cl.indexedProps() {
				db.index.Remove(indexer.Entry{Classname: classname, ID: id, Property: prop})
			}
			continue
		}
		row := db.overlay[dk]
		for _, prop := range cl.indexedProps() {
			entry := indexer.Entry{Classname: classname, ID: id, Property: prop}
			if cl.fileClass && prop == "content" {
				content, err := db.files.Get(classname, id, prop)
				if err != nil {
					db.index.Remove(entry)
					continue
				}
				db.index.Add(entry, string(content))
				continue
			}
			if text, ok := row.Props[prop].(string); ok {
				db.index.Add(entry, text)
			} else {
				db.index.Remove(entry)
			}
		}
	}
	return nil
}

// Rollback abandons the transaction, discarding buffered rows,
// journals, staged blobs and index changes.
func (db *Database) Rollback() error {
	err := db.backend.Rollback()
	db.files.Rollback()
	db.index.Rollback()
	db.clearBuffers()
	if err != nil {
		return &DatabaseError{Op: "rollback", Err: err}
	}
	return nil
}

func (db *Database) clearBuffers() {
	db.cache = map[string]*storage.Row{}
	db.overlay = map[string]*storage.Row{}
	db.created = map[string]bool{}
	db.destroyed = map[string]bool{}
	db.dirty = nil
	db.journalQueue = nil
	db.reactorQueue = nil
}

// Close rolls back any open transaction and releases the backend,
// blob store and indexer.
func (db *Database) Close() error {
	if len(db.dirty) > 0 {
		log.Warnf("closing database with %d uncommitted changes", len(db.dirty))
	}
	db.backend.Rollback()
	db.files.Rollback()
	db.index.Rollback()
	db.clearBuffers()
	if err := db.index.Close(); err != nil {
		log.Errorf("closing indexer: %v", err)
	}
	return db.backend.Close()
}

// Reindex rebuilds the full-text index from scratch.
func (db *Database) Reindex() error {
	for _, classname := range db.classOrder {
		cl := db.classes[classname]
		props := cl.indexedProps()
		if len(props) == 0 {
			continue
		}
		ids, err := db.backend.ListIDs(classname, true)
		if err != nil {
			return &DatabaseError{Op: "reindex " + classname, Err: err}
		}
		for _, id := range ids {
			row, err := db.backend.Fetch(classname, id)
			if err != nil {
				return &DatabaseError{Op: "reindex " + designator(classname, id), Err: err}
			}
			for _, prop := range props {
				entry := indexer.Entry{Classname: classname, ID: id, Property: prop}
				if cl.fileClass && prop == "content" {
					content, err := db.files.Get(classname, id, prop)
					if err != nil {
						continue
					}
					db.index.Add(entry, string(content))
					continue
				}
				if text, ok := row.Props[prop].(string); ok {
					db.index.Add(entry, text)
				}
			}
		}
	}
	return db.index.Save()
}

// SearchFullText runs the indexer over the given class and folds
// property hits on linked file items up to their linking items. The
// result maps item ids to the file-class properties and file ids the
// words were found in; direct hits map to an empty property map.
func (db *Database) SearchFullText(terms []string, cl *Class) (map[string]map[string][]string, error) {
	hits, err := db.index.Search(terms)
	if err != nil {
		return nil, err
	}
	results := map[string]map[string][]string{}
	ensure := func(id string) map[string][]string {
		if results[id] == nil {
			results[id] = map[string][]string{}
		}
		return results[id]
	}
	for _, hit := range hits {
		if hit.Classname == cl.name {
			if db.itemIsLive(cl.name, hit.ID) {
				ensure(hit.ID)
			}
			continue
		}
		// a hit on another class folds up through Link/Multilink
		// properties of cl that reference it
		for _, prop := range cl.order {
			var target string
			switch t := cl.props[prop].(type) {
			case Link:
				target = t.Class
			case Multilink:
				target = t.Class
			default:
				continue
			}
			if target != hit.Classname {
				continue
			}
			linked, err := cl.Find(map[string][]string{prop: {hit.ID}})
			if err != nil {
				return nil, err
			}
			for _, id := range linked {
				m := ensure(id)
				m[prop] = append(m[prop], hit.ID)
			}
		}
	}
	return results, nil
}
