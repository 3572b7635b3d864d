package hyperdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundup-tracker/hyperdb/pkg/blobstore"
	"github.com/roundup-tracker/hyperdb/pkg/config"
	"github.com/roundup-tracker/hyperdb/pkg/date"
	"github.com/roundup-tracker/hyperdb/pkg/indexer"
	"github.com/roundup-tracker/hyperdb/pkg/password"
	"github.com/roundup-tracker/hyperdb/pkg/storage"
)

func testSchema() []ClassSpec {
	return []ClassSpec{
		{
			Name: "user",
			Props: []PropDef{
				{Name: "username", Type: String{}},
				{Name: "password", Type: Password{}},
				{Name: "roles", Type: String{}},
			},
			Key:        "username",
			Journalled: true,
		},
		{
			Name: "status",
			Props: []PropDef{
				{Name: "name", Type: String{}},
				{Name: "order", Type: Number{}},
			},
			Key: "name",
		},
		{
			Name: "file",
			Props: []PropDef{
				{Name: "content", Type: String{Indexed: true}},
				{Name: "name", Type: String{}},
				{Name: "type", Type: String{}},
			},
			Journalled: true,
			FileClass:  true,
		},
		{
			Name: "issue",
			Props: []PropDef{
				{Name: "title", Type: String{Indexed: true}},
				{Name: "status", Type: Link{Class: "status"}},
				{Name: "assignedto", Type: Link{Class: "user"}},
				{Name: "nosy", Type: Multilink{Class: "user"}},
				{Name: "files", Type: Multilink{Class: "file"}},
				{Name: "deadline", Type: Date{}},
				{Name: "spent", Type: Interval{}},
				{Name: "priority", Type: Number{}},
				{Name: "open", Type: Boolean{}},
			},
			Journalled: true,
		},
		{
			Name: "session",
			Props: []PropDef{
				{Name: "sid", Type: String{}},
				{Name: "lastuse", Type: Date{}},
			},
			Key: "sid",
		},
	}
}

func testConfig(home string) *config.Config {
	return &config.Config{
		Home:         home,
		Database:     home,
		Backend:      "memory",
		Umask:        0o002,
		Timezone:     time.UTC,
		PBKDF2Rounds: 1000,
		RDBMS:        config.RDBMS{CacheSize: 100},
	}
}

// openOn builds a database over an existing store, so tests can
// close and reopen the same data.
func openOn(t *testing.T, home string, kv storage.KV) *Database {
	t.Helper()
	backend, err := storage.NewKV(kv, "")
	require.NoError(t, err)
	db, err := Open(testConfig(home), backend,
		blobstore.New(home, 0o002), indexer.NewNative(home, 0o002, nil), testSchema())
	require.NoError(t, err)
	return db
}

func openTestDB(t *testing.T) *Database {
	return openOn(t, t.TempDir(), storage.NewMemoryKV())
}

func mustClass(t *testing.T, db *Database, name string) *Class {
	t.Helper()
	cl, err := db.GetClass(name)
	require.NoError(t, err)
	return cl
}

func create(t *testing.T, cl *Class, props map[string]any) string {
	t.Helper()
	id, err := cl.Create(props)
	require.NoError(t, err)
	return id
}

func TestCreateAndJournal(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")
	status := mustClass(t, db, "status")

	create(t, status, map[string]any{"name": "unread"})
	id := create(t, issue, map[string]any{"title": "spam", "status": "1"})
	require.NoError(t, db.Commit())

	v, err := issue.Get(id, "title")
	require.NoError(t, err)
	assert.Equal(t, "spam", v)

	creator, err := issue.Get(id, "creator")
	require.NoError(t, err)
	assert.Equal(t, db.Actor(), creator)

	entries, err := issue.History(id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "create", entries[0].Action)
	assert.Nil(t, entries[0].Params)

	// activity is never before creation
	cr, err := issue.Get(id, "creation")
	require.NoError(t, err)
	act, err := issue.Get(id, "activity")
	require.NoError(t, err)
	assert.False(t, act.(date.Date).Before(cr.(date.Date)))
}

func TestSetThenRollback(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := mustClass(t, db, "user")

	uid := create(t, user, map[string]any{"username": "foo"})
	require.NoError(t, db.Commit())

	require.NoError(t, user.Set(uid, map[string]any{"username": "bar"}))
	v, err := user.Get(uid, "username")
	require.NoError(t, err)
	assert.Equal(t, "bar", v)

	require.NoError(t, db.Rollback())
	v, err = user.Get(uid, "username")
	require.NoError(t, err)
	assert.Equal(t, "foo", v)
}

func TestRetireKeyReuseAndRestoreClash(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := mustClass(t, db, "user")

	uid1 := create(t, user, map[string]any{"username": "spam"})
	require.NoError(t, db.Commit())
	require.NoError(t, user.Retire(uid1))
	require.NoError(t, db.Commit())

	_, err := user.Lookup("spam")
	assert.ErrorIs(t, err, ErrNoSuchItem)

	// the key is free for reuse by a new live item
	uid2 := create(t, user, map[string]any{"username": "spam"})
	require.NoError(t, db.Commit())
	assert.NotEqual(t, uid1, uid2)

	// but the retired item can no longer come back
	err = user.Restore(uid1)
	var ve *ValueError
	assert.ErrorAs(t, err, &ve)

	// retired items stay gettable by id
	v, err := user.Get(uid1, "username")
	require.NoError(t, err)
	assert.Equal(t, "spam", v)
}

func TestRestoreWithoutClash(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := mustClass(t, db, "user")

	uid := create(t, user, map[string]any{"username": "ghost"})
	require.NoError(t, db.Commit())
	require.NoError(t, user.Retire(uid))
	require.NoError(t, db.Commit())
	require.NoError(t, user.Restore(uid))
	require.NoError(t, db.Commit())

	got, err := user.Lookup("ghost")
	require.NoError(t, err)
	assert.Equal(t, uid, got)

	entries, err := user.History(uid)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "retired", entries[1].Action)
	assert.Equal(t, "restored", entries[2].Action)
}

func TestKeyUniqueAmongLive(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := mustClass(t, db, "user")

	create(t, user, map[string]any{"username": "dup"})
	_, err := user.Create(map[string]any{"username": "dup"})
	var ve *ValueError
	assert.ErrorAs(t, err, &ve)
}

func TestSetRecordsOldValues(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")
	status := mustClass(t, db, "status")

	create(t, status, map[string]any{"name": "unread"})
	create(t, status, map[string]any{"name": "done"})
	id := create(t, issue, map[string]any{"title": "first", "status": "1"})
	require.NoError(t, db.Commit())

	require.NoError(t, issue.Set(id, map[string]any{"title": "second", "status": "2"}))
	// unchanged values do not journal
	require.NoError(t, issue.Set(id, map[string]any{"title": "second"}))
	require.NoError(t, db.Commit())

	entries, err := issue.History(id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	set := entries[1]
	assert.Equal(t, "set", set.Action)
	params, ok := set.Params.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "first", params["title"])
	assert.Equal(t, "1", params["status"])
}

func TestLinkJournalOnTarget(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")
	user := mustClass(t, db, "user")

	u1 := create(t, user, map[string]any{"username": "alice"})
	u2 := create(t, user, map[string]any{"username": "bob"})
	id := create(t, issue, map[string]any{"assignedto": u1})
	require.NoError(t, db.Commit())

	require.NoError(t, issue.Set(id, map[string]any{"assignedto": u2, "nosy": []string{u1}}))
	require.NoError(t, db.Commit())

	h1, err := user.History(u1)
	require.NoError(t, err)
	var actions []string
	for _, e := range h1 {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "link")
	assert.Contains(t, actions, "unlink")

	h2, err := user.History(u2)
	require.NoError(t, err)
	last := h2[len(h2)-1]
	assert.Equal(t, "link", last.Action)
	assert.Equal(t, []string{"issue", id, "assignedto"}, toStringSlice(last.Params))
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			out = append(out, e.(string))
		}
		return out
	}
	return nil
}

func TestLinkMinusOneClears(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")
	status := mustClass(t, db, "status")

	create(t, status, map[string]any{"name": "unread"})
	id := create(t, issue, map[string]any{"title": "linked", "status": "1"})
	require.NoError(t, db.Commit())

	require.NoError(t, issue.Set(id, map[string]any{"status": "-1"}))
	v, err := issue.Get(id, "status")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, issue.Set(id, map[string]any{"status": "1"}))
	require.NoError(t, issue.Set(id, map[string]any{"status": ""}))
	v, err = issue.Get(id, "status")
	require.NoError(t, err)
	assert.Nil(t, v)

	id2 := create(t, issue, map[string]any{"title": "born unset", "status": "-1"})
	v, err = issue.Get(id2, "status")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestLinkTargetMustBeLive(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")

	_, err := issue.Create(map[string]any{"status": "99"})
	var ve *ValueError
	assert.ErrorAs(t, err, &ve)
}

func TestMultilinkFilter(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")
	user := mustClass(t, db, "user")

	u1 := create(t, user, map[string]any{"username": "u1"})
	u2 := create(t, user, map[string]any{"username": "u2"})
	i1 := create(t, issue, map[string]any{"nosy": []string{u1}})
	i2 := create(t, issue, map[string]any{"nosy": []string{u1, u2}})
	i3 := create(t, issue, map[string]any{})
	require.NoError(t, db.Commit())

	ids, err := issue.Filter(nil, map[string]any{"nosy": u2}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i2}, ids)

	// the empty-multilink sentinel
	ids, err = issue.Filter(nil, map[string]any{"nosy": "-1"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i3}, ids)
	_ = i1
}

func TestDateRangeFilter(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")

	mk := func(spec string) string {
		d, err := date.Parse(spec, time.UTC)
		require.NoError(t, err)
		return create(t, issue, map[string]any{"deadline": d})
	}
	mk("2003-01-01")
	i2 := mk("2003-02-16")
	i3 := mk("2003-02-18")
	i4 := mk("2004-03-08")
	require.NoError(t, db.Commit())

	ids, err := issue.Filter(nil, map[string]any{"deadline": "2003-02"}, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{i2, i3}, ids)

	ids, err = issue.Filter(nil, map[string]any{"deadline": "from 2003-02-17"}, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{i3, i4}, ids)
}

func TestFullTextSearchWithLinks(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")
	file := mustClass(t, db, "file")

	f1 := create(t, file, map[string]any{"content": "hello"})
	f2 := create(t, file, map[string]any{"content": "world, blah blah"})
	i1 := create(t, issue, map[string]any{"title": "flebble plop", "files": []string{f1, f2}})
	i2 := create(t, issue, map[string]any{"title": "flebble frooz"})
	require.NoError(t, db.Commit())

	hits, err := db.SearchFullText([]string{"hello"}, issue)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, []string{f1}, hits[i1]["files"])

	hits, err = db.SearchFullText([]string{"flebble"}, issue)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	assert.Contains(t, hits, i1)
	assert.Contains(t, hits, i2)

	// mutated content leaves the index with the new state
	require.NoError(t, file.Set(f1, map[string]any{"content": ""}))
	require.NoError(t, db.Commit())
	hits, err = db.SearchFullText([]string{"hello"}, issue)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFilterStringSubstring(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")

	i1 := create(t, issue, map[string]any{"title": "the quick brown fox"})
	i2 := create(t, issue, map[string]any{"title": "Lazy Dog"})
	require.NoError(t, db.Commit())

	ids, err := issue.Filter(nil, map[string]any{"title": "QUICK"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i1}, ids)

	ids, err = issue.Filter(nil, map[string]any{"title": "l*dog"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i2}, ids)
}

func TestFilterTransitive(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")
	status := mustClass(t, db, "status")

	create(t, status, map[string]any{"name": "unread", "order": 1.0})
	create(t, status, map[string]any{"name": "resolved", "order": 9.0})
	i1 := create(t, issue, map[string]any{"status": "1"})
	i2 := create(t, issue, map[string]any{"status": "2"})
	require.NoError(t, db.Commit())

	ids, err := issue.Filter(nil, map[string]any{"status.name": "resolved"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i2}, ids)

	_, err = issue.Filter(nil, map[string]any{"status.bogus": "x"}, nil, nil)
	var ve *ValueError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "has no property")
	_ = i1
}

func TestFilterSortByLinkLabel(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")
	status := mustClass(t, db, "status")

	create(t, status, map[string]any{"name": "zulu"})
	create(t, status, map[string]any{"name": "alpha"})
	i1 := create(t, issue, map[string]any{"status": "1"})
	i2 := create(t, issue, map[string]any{"status": "2"})
	i3 := create(t, issue, map[string]any{})
	require.NoError(t, db.Commit())

	// unset links sort first, then by the status name
	ids, err := issue.Filter(nil, nil, []SortSpec{Ascending("status")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i3, i2, i1}, ids)

	ids, err = issue.Filter(nil, nil, []SortSpec{Descending("status")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i1, i2, i3}, ids)
}

func TestFilterMatchIDsIntersect(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")

	i1 := create(t, issue, map[string]any{"title": "needle one"})
	i2 := create(t, issue, map[string]any{"title": "needle two"})
	require.NoError(t, db.Commit())

	ids, err := issue.Filter([]string{i2}, map[string]any{"title": "needle"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i2}, ids)
	_ = i1
}

func TestFilterNumberRange(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")

	i1 := create(t, issue, map[string]any{"priority": 1.0})
	i2 := create(t, issue, map[string]any{"priority": 5.0})
	i3 := create(t, issue, map[string]any{"priority": 9.0})
	require.NoError(t, db.Commit())

	ids, err := issue.Filter(nil, map[string]any{"priority": "from 2 to 6"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i2}, ids)

	ids, err = issue.Filter(nil, map[string]any{"priority": "5"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i2}, ids)
	_, _ = i1, i3
}

func TestFilterExcludesRetired(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")

	i1 := create(t, issue, map[string]any{"title": "kept"})
	i2 := create(t, issue, map[string]any{"title": "kept too"})
	require.NoError(t, db.Commit())
	require.NoError(t, issue.Retire(i2))
	require.NoError(t, db.Commit())

	ids, err := issue.Filter(nil, map[string]any{"title": "kept"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i1}, ids)

	ids, err = issue.FilterWithRetired(nil, map[string]any{"title": "kept"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{i1, i2}, ids)
}

func TestAuditorsMutateAndReject(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")

	issue.AddAuditor("create", func(db *Database, cl *Class, id string, props map[string]any) error {
		if props["title"] == "forbidden" {
			return &Reject{Msg: "no such titles here"}
		}
		props["title"] = props["title"].(string) + "!"
		return nil
	})

	id := create(t, issue, map[string]any{"title": "fine"})
	v, err := issue.Get(id, "title")
	require.NoError(t, err)
	assert.Equal(t, "fine!", v)

	_, err = issue.Create(map[string]any{"title": "forbidden"})
	var rej *Reject
	assert.ErrorAs(t, err, &rej)
}

func TestReactorsFireAfterCommit(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")

	var fired []string
	issue.AddReactor("set", func(db *Database, cl *Class, id string, old map[string]any) error {
		fired = append(fired, old["title"].(string))
		return nil
	})

	id := create(t, issue, map[string]any{"title": "v1"})
	require.NoError(t, db.Commit())
	require.NoError(t, issue.Set(id, map[string]any{"title": "v2"}))
	assert.Empty(t, fired)
	require.NoError(t, db.Commit())
	assert.Equal(t, []string{"v1"}, fired)

	// a rolled-back set never reaches the reactor
	require.NoError(t, issue.Set(id, map[string]any{"title": "v3"}))
	require.NoError(t, db.Rollback())
	assert.Len(t, fired, 1)
}

func TestDestroyOnlyNonJournalled(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	session := mustClass(t, db, "session")
	issue := mustClass(t, db, "issue")

	sid := create(t, session, map[string]any{"sid": "abc"})
	require.NoError(t, db.Commit())
	require.NoError(t, session.Destroy(sid))
	require.NoError(t, db.Commit())
	_, err := session.Get(sid, "sid")
	assert.ErrorIs(t, err, ErrNoSuchItem)

	id := create(t, issue, map[string]any{"title": "x"})
	require.NoError(t, db.Commit())
	assert.Error(t, issue.Destroy(id))
}

func TestFindAcrossProps(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")
	user := mustClass(t, db, "user")
	status := mustClass(t, db, "status")

	u1 := create(t, user, map[string]any{"username": "a"})
	create(t, status, map[string]any{"name": "open"})
	i1 := create(t, issue, map[string]any{"status": "1", "nosy": []string{u1}})
	i2 := create(t, issue, map[string]any{"status": "1"})
	require.NoError(t, db.Commit())

	ids, err := issue.Find(map[string][]string{"status": {"1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{i1, i2}, ids)

	ids, err = issue.Find(map[string][]string{"status": {"1"}, "nosy": {u1}})
	require.NoError(t, err)
	assert.Equal(t, []string{i1}, ids)
}

func TestStringFindCaseInsensitive(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := mustClass(t, db, "user")

	uid := create(t, user, map[string]any{"username": "Alice"})
	require.NoError(t, db.Commit())

	ids, err := user.StringFind(map[string]string{"username": "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{uid}, ids)

	ids, err = user.StringFind(map[string]string{"username": "alic"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReopenSeesCommittedState(t *testing.T) {
	home := t.TempDir()
	kv := storage.NewMemoryKV()

	db := openOn(t, home, kv)
	issue := mustClass(t, db, "issue")
	id := create(t, issue, map[string]any{"title": "durable", "priority": 3.0})
	require.NoError(t, db.Commit())
	require.NoError(t, db.Close())

	db2 := openOn(t, home, kv)
	defer db2.Close()
	issue2 := mustClass(t, db2, "issue")
	v, err := issue2.Get(id, "title")
	require.NoError(t, err)
	assert.Equal(t, "durable", v)
	p, err := issue2.Get(id, "priority")
	require.NoError(t, err)
	assert.Equal(t, 3.0, p)
}

func TestPasswordRoundTrip(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := mustClass(t, db, "user")

	pw, err := password.New("sekrit", password.SchemePBKDF2, 1000)
	require.NoError(t, err)
	uid := create(t, user, map[string]any{"username": "x", "password": pw})
	require.NoError(t, db.Commit())

	v, err := user.Get(uid, "password")
	require.NoError(t, err)
	got, ok := v.(*password.Password)
	require.True(t, ok)
	assert.True(t, got.Verify("sekrit"))
	assert.False(t, got.Verify("wrong"))
}

func TestPack(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")

	id := create(t, issue, map[string]any{"title": "v1"})
	require.NoError(t, db.Commit())
	require.NoError(t, issue.Set(id, map[string]any{"title": "v2"}))
	require.NoError(t, db.Commit())
	require.NoError(t, issue.Set(id, map[string]any{"title": "v3"}))
	require.NoError(t, db.Commit())

	cutoff := date.Now().AddInterval(date.Interval{Sign: 1, Day: 1})
	require.NoError(t, db.Pack(cutoff))

	entries, err := issue.History(id)
	require.NoError(t, err)
	// create and the latest entry survive any cutoff
	require.Len(t, entries, 2)
	assert.Equal(t, "create", entries[0].Action)
	assert.Equal(t, "set", entries[1].Action)
}

func TestSplitDesignator(t *testing.T) {
	classname, id, err := SplitDesignator("issue123")
	require.NoError(t, err)
	assert.Equal(t, "issue", classname)
	assert.Equal(t, "123", id)

	for _, bad := range []string{"issue", "123", "Issue12", "issue12x", ""} {
		_, _, err := SplitDesignator(bad)
		var de *DesignatorError
		assert.ErrorAs(t, err, &de, "designator %q", bad)
	}
}

func TestGetUnknownThings(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	issue := mustClass(t, db, "issue")

	_, err := issue.Get("1", "title")
	assert.ErrorIs(t, err, ErrNoSuchItem)

	id := create(t, issue, map[string]any{"title": "x"})
	_, err = issue.Get(id, "bogus")
	assert.ErrorIs(t, err, ErrNoSuchProperty)
}

func TestLabelProp(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	assert.Equal(t, "username", mustClass(t, db, "user").LabelProp())
	assert.Equal(t, "name", mustClass(t, db, "status").LabelProp())
	// no key, no name, no title: first property alphabetically
	assert.Equal(t, "assignedto", mustClass(t, db, "issue").LabelProp())
}

func TestUncommittedVisibleToOwnTransaction(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := mustClass(t, db, "user")

	uid := create(t, user, map[string]any{"username": "pending"})

	// visible to lookup, list and filter before commit
	got, err := user.Lookup("pending")
	require.NoError(t, err)
	assert.Equal(t, uid, got)

	ids, err := user.List()
	require.NoError(t, err)
	assert.Equal(t, []string{uid}, ids)

	ids, err = user.Filter(nil, map[string]any{"username": "pending"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{uid}, ids)
}
