package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundup-tracker/hyperdb/pkg/blobstore"
	"github.com/roundup-tracker/hyperdb/pkg/config"
	"github.com/roundup-tracker/hyperdb/pkg/date"
	"github.com/roundup-tracker/hyperdb/pkg/hyperdb"
	"github.com/roundup-tracker/hyperdb/pkg/indexer"
	"github.com/roundup-tracker/hyperdb/pkg/storage"
)

func openTestDB(t *testing.T) *hyperdb.Database {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		Home:         home,
		Database:     home,
		Umask:        0o002,
		Timezone:     time.UTC,
		PBKDF2Rounds: 1000,
	}
	cfg.RDBMS.CacheSize = 100
	backend, err := storage.NewKV(storage.NewMemoryKV(), "")
	require.NoError(t, err)
	files := blobstore.New(cfg.Database, cfg.Umask)
	idx := indexer.NewNative(cfg.Database, cfg.Umask, nil)
	db, err := hyperdb.Open(cfg, backend, files, idx, []hyperdb.ClassSpec{
		ClassSpec("session"),
		ClassSpec("otk"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSetGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s, err := New(db, "session")
	require.NoError(t, err)

	key := s.UniqueKey()
	require.NoError(t, s.Set(key, "3", map[string]any{"csrf": "abc", "n": 4.0}))
	require.NoError(t, db.Commit())

	user, values, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "3", user)
	assert.Equal(t, "abc", values["csrf"])
	assert.Equal(t, 4.0, values["n"])
}

func TestSetOverwritesExisting(t *testing.T) {
	db := openTestDB(t)
	s, err := New(db, "session")
	require.NoError(t, err)

	key := s.UniqueKey()
	require.NoError(t, s.Set(key, "3", map[string]any{"a": "1"}))
	require.NoError(t, s.Set(key, "4", map[string]any{"b": "2"}))
	require.NoError(t, db.Commit())

	user, values, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "4", user)
	assert.NotContains(t, values, "a")
	assert.Equal(t, "2", values["b"])

	// only one record for the key
	cl, err := db.GetClass("session")
	require.NoError(t, err)
	ids, err := cl.List()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestUniqueKeys(t *testing.T) {
	db := openTestDB(t)
	s, err := New(db, "otk")
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		k := s.UniqueKey()
		assert.NotContains(t, k, "-")
		assert.False(t, seen[k])
		seen[k] = true
	}
}

func TestDestroy(t *testing.T) {
	db := openTestDB(t)
	s, err := New(db, "session")
	require.NoError(t, err)

	key := s.UniqueKey()
	require.NoError(t, s.Set(key, "3", nil))
	require.NoError(t, db.Commit())

	require.NoError(t, s.Destroy(key))
	require.NoError(t, db.Commit())

	_, _, err = s.Get(key)
	assert.Error(t, err)

	// destroying a missing key is fine
	assert.NoError(t, s.Destroy("nope"))
}

func TestCleanDestroysStaleOnly(t *testing.T) {
	db := openTestDB(t)
	s, err := New(db, "session")
	require.NoError(t, err)
	cl, err := db.GetClass("session")
	require.NoError(t, err)

	fresh := s.UniqueKey()
	require.NoError(t, s.Set(fresh, "3", nil))

	stale := s.UniqueKey()
	require.NoError(t, s.Set(stale, "4", nil))
	id, err := cl.Lookup(stale)
	require.NoError(t, err)
	old := date.Now().AddInterval(mustInterval(t, "- 2d"))
	require.NoError(t, cl.Set(id, map[string]any{"lastuse": old}))
	require.NoError(t, db.Commit())

	n, err := s.Clean(mustInterval(t, "1d"))
	require.NoError(t, err)
	require.NoError(t, db.Commit())
	assert.Equal(t, 1, n)

	_, _, err = s.Get(fresh)
	assert.NoError(t, err)
	_, _, err = s.Get(stale)
	assert.Error(t, err)
}

func TestJournalledClassRejected(t *testing.T) {
	home := t.TempDir()
	cfg := &config.Config{
		Home: home, Database: home, Umask: 0o002,
		Timezone: time.UTC, PBKDF2Rounds: 1000,
	}
	cfg.RDBMS.CacheSize = 100
	spec := ClassSpec("session")
	spec.Journalled = true
	backend, err := storage.NewKV(storage.NewMemoryKV(), "")
	require.NoError(t, err)
	db, err := hyperdb.Open(cfg, backend,
		blobstore.New(cfg.Database, cfg.Umask),
		indexer.NewNative(cfg.Database, cfg.Umask, nil),
		[]hyperdb.ClassSpec{spec})
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, "session")
	assert.Error(t, err)
}

func mustInterval(t *testing.T, spec string) date.Interval {
	t.Helper()
	iv, err := date.ParseInterval(spec)
	require.NoError(t, err)
	return iv
}
