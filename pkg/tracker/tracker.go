// Package tracker ties a tracker home directory to a running
// database: it loads config.ini, opens the configured storage
// backend, and composes the blob store, full-text index, security
// model and session stores around the schema. Trackers are cached
// per home so repeated opens within a process share the embedded
// storage engine.
package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/fslock"
	log "github.com/sirupsen/logrus"

	"github.com/roundup-tracker/hyperdb/pkg/blobstore"
	"github.com/roundup-tracker/hyperdb/pkg/config"
	"github.com/roundup-tracker/hyperdb/pkg/hyperdb"
	"github.com/roundup-tracker/hyperdb/pkg/indexer"
	"github.com/roundup-tracker/hyperdb/pkg/security"
	"github.com/roundup-tracker/hyperdb/pkg/session"
	"github.com/roundup-tracker/hyperdb/pkg/storage"
)

// Schema declares what a tracker stores and how it is guarded. The
// classes are fixed for the tracker's lifetime.
type Schema struct {
	Classes []hyperdb.ClassSpec
	// ConfigureSecurity registers the tracker's permissions and
	// roles on each opened handle. Nil leaves only the predeclared
	// Admin and Anonymous roles.
	ConfigureSecurity func(db *hyperdb.Database, sec *security.Security)
	// RegisterDetectors attaches auditors and reactors to each
	// opened handle.
	RegisterDetectors func(db *hyperdb.Database) error
}

// Tracker is one tracker home. It owns the embedded storage engine;
// handles opened from it share that engine but buffer their own
// transactions.
type Tracker struct {
	Home   string
	Config *config.Config

	schema Schema

	mu   sync.Mutex
	kv   storage.KV    // badger/pebble engine, nil for sqlite
	lock *fslock.Lock  // writer lock, nil for sqlite
	open int           // live handles
}

var (
	instancesMu sync.Mutex
	instances   = map[string]*Tracker{}
)

// Get returns the tracker for a home directory, loading its
// configuration on first use. The schema must be identical across
// calls for the same home.
func Get(home string, schema Schema) (*Tracker, error) {
	abs, err := filepath.Abs(home)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	instancesMu.Lock()
	defer instancesMu.Unlock()
	if t, ok := instances[abs]; ok {
		return t, nil
	}
	cfg, err := config.Load(abs)
	if err != nil {
		return nil, err
	}
	t := &Tracker{Home: abs, Config: cfg, schema: schema}
	instances[abs] = t
	log.Debugf("tracker: loaded %s (backend %s)", abs, cfg.Backend)
	return t, nil
}

// Handle is one opened view onto the tracker's database, bound to an
// acting user. Handles are not safe for concurrent use; open one per
// request.
type Handle struct {
	Tracker  *Tracker
	DB       *hyperdb.Database
	Security *security.Security
	// UserID is the acting user resolved at open, "1" (admin) when
	// no username was given.
	UserID string

	// Sessions and OneTimeKeys are present when the schema declares
	// "session" and "otk" classes.
	Sessions    *session.Store
	OneTimeKeys *session.Store
}

// Open builds a handle, resolving username to the acting user via
// the user class's key property. An empty username acts as user 1.
func (t *Tracker) Open(username string) (*Handle, error) {
	cfg := t.Config
	if err := os.MkdirAll(cfg.Database, 0o777&^cfg.Umask|0o700); err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	backend, err := t.newBackend()
	if err != nil {
		return nil, err
	}
	files := blobstore.New(cfg.Database, cfg.Umask)
	idx := indexer.NewNative(cfg.Database, cfg.Umask, cfg.IndexerStopwords)
	db, err := hyperdb.Open(cfg, backend, files, idx, t.schema.Classes)
	if err != nil {
		backend.Close()
		return nil, err
	}

	h := &Handle{Tracker: t, DB: db, UserID: "1"}
	if username != "" {
		users, err := db.GetClass("user")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("tracker: schema has no user class to resolve %q", username)
		}
		id, err := users.Lookup(username)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("tracker: no user %q: %w", username, err)
		}
		h.UserID = id
	}
	db.SetActor(h.UserID)

	h.Security = security.New(db)
	if t.schema.ConfigureSecurity != nil {
		t.schema.ConfigureSecurity(db, h.Security)
	}
	if t.schema.RegisterDetectors != nil {
		if err := t.schema.RegisterDetectors(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.GetClass("session"); err == nil {
		if h.Sessions, err = session.New(db, "session"); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.GetClass("otk"); err == nil {
		if h.OneTimeKeys, err = session.New(db, "otk"); err != nil {
			db.Close()
			return nil, err
		}
	}

	t.mu.Lock()
	t.open++
	t.mu.Unlock()
	return h, nil
}

// Close rolls back anything uncommitted and releases the handle.
func (h *Handle) Close() error {
	err := h.DB.Close()
	t := h.Tracker
	t.mu.Lock()
	t.open--
	t.mu.Unlock()
	return err
}

// newBackend opens storage per the configured backend name. The
// embedded engines admit one opener, so badger and pebble are opened
// once per tracker and shared across handles behind the tracker's
// writer lock; sqlite connections are per handle and serialize via
// the busy timeout.
func (t *Tracker) newBackend() (storage.Backend, error) {
	cfg := t.Config
	switch cfg.Backend {
	case "sqlite":
		return storage.OpenSQLite(filepath.Join(cfg.Database, "db.sqlite3"), cfg.RDBMS.SQLiteTimeout)
	case "badger", "pebble":
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.kv == nil {
			lock := fslock.New(filepath.Join(cfg.Database, "lock"))
			if err := lock.TryLock(); err != nil {
				return nil, fmt.Errorf("tracker: database is locked: %w", err)
			}
			var (
				kv  storage.KV
				err error
			)
			if cfg.Backend == "badger" {
				kv, err = storage.OpenBadger(filepath.Join(cfg.Database, "badger"))
			} else {
				kv, err = storage.OpenPebble(filepath.Join(cfg.Database, "pebble"))
			}
			if err != nil {
				lock.Unlock()
				return nil, err
			}
			t.kv = kv
			t.lock = lock
		}
		return storage.NewKV(sharedKV{t.kv}, "")
	}
	return nil, &config.OptionValueError{
		Section: "main", Option: "backend", Value: cfg.Backend,
		Reason: "unknown backend",
	}
}

// CloseEngine shuts the shared embedded engine down, after which the
// tracker cannot open new handles until re-fetched. Callers must
// close every handle first.
func (t *Tracker) CloseEngine() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open > 0 {
		return fmt.Errorf("tracker: %d handles still open", t.open)
	}
	var err error
	if t.kv != nil {
		err = t.kv.Close()
		t.kv = nil
	}
	if t.lock != nil {
		t.lock.Unlock()
		t.lock = nil
	}
	instancesMu.Lock()
	delete(instances, t.Home)
	instancesMu.Unlock()
	return err
}

// sharedKV hides Close from per-handle backends so closing a handle
// leaves the tracker's engine running.
type sharedKV struct {
	storage.KV
}

func (sharedKV) Close() error { return nil }
