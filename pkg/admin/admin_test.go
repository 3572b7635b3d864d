package admin

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundup-tracker/hyperdb/pkg/blobstore"
	"github.com/roundup-tracker/hyperdb/pkg/config"
	"github.com/roundup-tracker/hyperdb/pkg/hyperdb"
	"github.com/roundup-tracker/hyperdb/pkg/indexer"
	"github.com/roundup-tracker/hyperdb/pkg/security"
	"github.com/roundup-tracker/hyperdb/pkg/storage"
)

func testSchema() []hyperdb.ClassSpec {
	return []hyperdb.ClassSpec{
		{
			Name: "user",
			Props: []hyperdb.PropDef{
				{Name: "username", Type: hyperdb.String{}},
				{Name: "roles", Type: hyperdb.String{}},
			},
			Key:        "username",
			Journalled: true,
		},
		{
			Name: "status",
			Props: []hyperdb.PropDef{
				{Name: "name", Type: hyperdb.String{}},
			},
			Key: "name",
		},
		{
			Name: "issue",
			Props: []hyperdb.PropDef{
				{Name: "title", Type: hyperdb.String{Indexed: true}},
				{Name: "status", Type: hyperdb.Link{Class: "status"}},
				{Name: "nosy", Type: hyperdb.Multilink{Class: "user"}},
				{Name: "priority", Type: hyperdb.Number{}},
			},
			Journalled: true,
		},
	}
}

func openAdmin(t *testing.T) (*Admin, *hyperdb.Database, *bytes.Buffer) {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		Home: home, Database: home, Umask: 0o002,
		Timezone: time.UTC, PBKDF2Rounds: 1000,
	}
	cfg.RDBMS.CacheSize = 100
	backend, err := storage.NewKV(storage.NewMemoryKV(), "")
	require.NoError(t, err)
	db, err := hyperdb.Open(cfg, backend,
		blobstore.New(cfg.Database, cfg.Umask),
		indexer.NewNative(cfg.Database, cfg.Umask, nil),
		testSchema())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	out := &bytes.Buffer{}
	return New(db, security.New(db), out), db, out
}

func seed(t *testing.T, a *Admin) {
	t.Helper()
	_, err := a.Create("user", []string{"username=admin", "roles=Admin"})
	require.NoError(t, err)
	_, err = a.Create("status", []string{"name=open"})
	require.NoError(t, err)
	_, err = a.Create("status", []string{"name=closed"})
	require.NoError(t, err)
	_, err = a.Create("issue", []string{"title=first bug", "status=open", "priority=2"})
	require.NoError(t, err)
	_, err = a.Create("issue", []string{"title=second bug", "status=closed", "nosy=admin", "priority=1"})
	require.NoError(t, err)
	require.NoError(t, a.Commit())
}

func TestCreatePrintsID(t *testing.T) {
	a, _, out := openAdmin(t)
	id, err := a.Create("status", []string{"name=open"})
	require.NoError(t, err)
	assert.Equal(t, "1", id)
	assert.Equal(t, "1\n", out.String())

	out.Reset()
	a.Designators = true
	_, err = a.Create("status", []string{"name=closed"})
	require.NoError(t, err)
	assert.Equal(t, "status2\n", out.String())
}

func TestSetAndGet(t *testing.T) {
	a, _, out := openAdmin(t)
	seed(t, a)

	require.NoError(t, a.Set("issue1", []string{"status=closed", "priority=5"}))
	require.NoError(t, a.Commit())

	require.NoError(t, a.Get("status", []string{"issue1"}))
	assert.Equal(t, "2\n", out.String())

	out.Reset()
	require.NoError(t, a.Get("priority", []string{"issue1", "issue2"}))
	assert.Equal(t, "5\n1\n", out.String())

	out.Reset()
	a.Separator = ", "
	require.NoError(t, a.Get("priority", []string{"issue1", "issue2"}))
	assert.Equal(t, "5, 1\n", out.String())
}

func TestSetMultilinkDelta(t *testing.T) {
	a, db, _ := openAdmin(t)
	seed(t, a)

	require.NoError(t, a.Set("issue1", []string{"nosy=+admin"}))
	cl, err := db.GetClass("issue")
	require.NoError(t, err)
	v, err := cl.Get("1", "nosy")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, v)

	require.NoError(t, a.Set("issue1", []string{"nosy=-admin"}))
	v, err = cl.Get("1", "nosy")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestList(t *testing.T) {
	a, _, out := openAdmin(t)
	seed(t, a)

	require.NoError(t, a.List("status", ""))
	assert.Contains(t, out.String(), "1: open")
	assert.Contains(t, out.String(), "2: closed")
}

func TestTable(t *testing.T) {
	a, _, out := openAdmin(t)
	seed(t, a)

	require.NoError(t, a.Table("issue", []string{"id:3", "title", "priority:2"}))
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID  TITLE      PR", lines[0])
	assert.Equal(t, "1   first bug  2", lines[1])
	assert.Equal(t, "2   second bug 1", lines[2])

	assert.Error(t, a.Table("issue", []string{"nope"}))
	assert.Error(t, a.Table("issue", []string{"title:x"}))
}

func TestFindByLinkValue(t *testing.T) {
	a, _, out := openAdmin(t)
	seed(t, a)

	require.NoError(t, a.Find("issue", []string{"status=closed"}))
	assert.Equal(t, "2\n", out.String())

	out.Reset()
	require.NoError(t, a.Find("issue", []string{"nosy=admin"}))
	assert.Equal(t, "2\n", out.String())

	assert.Error(t, a.Find("issue", []string{"title=x"}))
}

func TestFilterSorted(t *testing.T) {
	a, _, out := openAdmin(t)
	seed(t, a)

	require.NoError(t, a.Filter("issue", []string{"title=bug"}, []string{"-priority"}))
	assert.Equal(t, "1\n2\n", out.String())
}

func TestRetireRestore(t *testing.T) {
	a, db, _ := openAdmin(t)
	seed(t, a)

	require.NoError(t, a.Retire([]string{"issue1"}))
	require.NoError(t, a.Commit())
	cl, err := db.GetClass("issue")
	require.NoError(t, err)
	ids, err := cl.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, ids)

	require.NoError(t, a.Restore([]string{"issue1"}))
	require.NoError(t, a.Commit())
	ids, err = cl.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestHistoryOutput(t *testing.T) {
	a, _, out := openAdmin(t)
	seed(t, a)
	require.NoError(t, a.Set("issue1", []string{"priority=9"}))
	require.NoError(t, a.Commit())

	require.NoError(t, a.History("issue1"))
	assert.Contains(t, out.String(), "create")
	assert.Contains(t, out.String(), "set")
	assert.Contains(t, out.String(), "priority")
}

func TestPackSpec(t *testing.T) {
	a, _, _ := openAdmin(t)
	seed(t, a)

	assert.NoError(t, a.Pack("30d"))
	assert.NoError(t, a.Pack("2020-01-01"))
	assert.Error(t, a.Pack("wibble"))
}

func TestSpecification(t *testing.T) {
	a, _, out := openAdmin(t)

	require.NoError(t, a.Specification("issue"))
	assert.Contains(t, out.String(), "title: <String indexed>")
	assert.Contains(t, out.String(), `status: <Link to "status">`)
	assert.Contains(t, out.String(), `nosy: <Multilink to "user">`)
	assert.Contains(t, out.String(), "priority: <Number>")
}

func TestSecurityListing(t *testing.T) {
	a, _, out := openAdmin(t)
	require.NoError(t, a.Security(""))
	assert.Contains(t, out.String(), "Admin")
	assert.Contains(t, out.String(), "Anonymous")

	out.Reset()
	require.NoError(t, a.Security("admin"))
	assert.Contains(t, out.String(), "Admin")
	assert.NotContains(t, out.String(), "Anonymous")

	assert.Error(t, a.Security("nope"))
}

func TestSetSeveralItems(t *testing.T) {
	a, db, _ := openAdmin(t)
	seed(t, a)

	require.NoError(t, a.Set("issue1,issue2", []string{"priority=7"}))
	require.NoError(t, a.Commit())
	cl, err := db.GetClass("issue")
	require.NoError(t, err)
	for _, id := range []string{"1", "2"} {
		v, err := cl.Get(id, "priority")
		require.NoError(t, err)
		assert.Equal(t, 7.0, v)
	}
}

func TestDisplay(t *testing.T) {
	a, _, out := openAdmin(t)
	seed(t, a)

	require.NoError(t, a.Display("issue2"))
	assert.Contains(t, out.String(), "title: second bug")
	assert.Contains(t, out.String(), "status: 2")
	assert.Contains(t, out.String(), "nosy: 1")
	assert.Contains(t, out.String(), "creator: 1")
}

func TestExportImportRoundTrip(t *testing.T) {
	a, db, _ := openAdmin(t)
	seed(t, a)
	require.NoError(t, a.Retire([]string{"issue1"}))
	require.NoError(t, a.Commit())

	dir := t.TempDir()
	require.NoError(t, a.Export(dir, nil))

	b, db2, _ := openAdmin(t)
	require.NoError(t, b.Import(dir))
	require.NoError(t, b.Commit())

	cl, err := db2.GetClass("issue")
	require.NoError(t, err)
	ids, err := cl.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids)

	retired, err := cl.IsRetired("1")
	require.NoError(t, err)
	assert.True(t, retired)

	v, err := cl.Get("2", "title")
	require.NoError(t, err)
	assert.Equal(t, "second bug", v)
	v, err = cl.Get("2", "nosy")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, v)

	// journals travel too
	entries, err := cl.History("2")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "create", entries[0].Action)

	// the id counter moved past the imported ids
	id, err := cl.Create(map[string]any{"title": "third"})
	require.NoError(t, err)
	assert.Equal(t, "3", id)

	// original database untouched
	orig, err := db.GetClass("issue")
	require.NoError(t, err)
	origIDs, err := orig.ListAll()
	require.NoError(t, err)
	assert.Len(t, origIDs, 2)
}
