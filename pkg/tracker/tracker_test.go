package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundup-tracker/hyperdb/pkg/config"
	"github.com/roundup-tracker/hyperdb/pkg/hyperdb"
	"github.com/roundup-tracker/hyperdb/pkg/security"
)

func testSchema() Schema {
	return Schema{
		Classes: []hyperdb.ClassSpec{
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
				Name: "issue",
				Props: []hyperdb.PropDef{
					{Name: "title", Type: hyperdb.String{Indexed: true}},
					{Name: "assignedto", Type: hyperdb.Link{Class: "user"}},
				},
				Journalled: true,
			},
			{
				Name: "session",
				Props: []hyperdb.PropDef{
					{Name: "sid", Type: hyperdb.String{}},
					{Name: "user", Type: hyperdb.String{}},
					{Name: "lastuse", Type: hyperdb.Date{}},
					{Name: "value", Type: hyperdb.String{}},
				},
				Key: "sid",
			},
		},
		ConfigureSecurity: func(db *hyperdb.Database, sec *security.Security) {
			sec.AddRole("User", "A registered user")
		},
	}
}

func newHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	require.NoError(t, config.WriteDefault(home, "sqlite"))
	return home
}

func TestGetCachesByHome(t *testing.T) {
	home := newHome(t)
	a, err := Get(home, testSchema())
	require.NoError(t, err)
	b, err := Get(home, testSchema())
	require.NoError(t, err)
	assert.Same(t, a, b)
	require.NoError(t, a.CloseEngine())
}

func TestGetRequiresConfig(t *testing.T) {
	_, err := Get(t.TempDir(), testSchema())
	require.Error(t, err)
	var nce *config.NoConfigError
	assert.ErrorAs(t, err, &nce)
}

func TestOpenResolvesUser(t *testing.T) {
	tr, err := Get(newHome(t), testSchema())
	require.NoError(t, err)
	defer tr.CloseEngine()

	h, err := tr.Open("")
	require.NoError(t, err)
	users, err := h.DB.GetClass("user")
	require.NoError(t, err)
	id, err := users.Create(map[string]any{"username": "alice", "roles": "User"})
	require.NoError(t, err)
	require.NoError(t, h.DB.Commit())
	require.NoError(t, h.Close())

	h2, err := tr.Open("alice")
	require.NoError(t, err)
	defer h2.Close()
	assert.Equal(t, id, h2.UserID)
	assert.Equal(t, id, h2.DB.Actor())

	_, err = tr.Open("nobody")
	assert.Error(t, err)
}

func TestHandlesSeeCommittedState(t *testing.T) {
	tr, err := Get(newHome(t), testSchema())
	require.NoError(t, err)
	defer tr.CloseEngine()

	h, err := tr.Open("")
	require.NoError(t, err)
	issues, err := h.DB.GetClass("issue")
	require.NoError(t, err)
	_, err = issues.Create(map[string]any{"title": "shared view"})
	require.NoError(t, err)
	require.NoError(t, h.DB.Commit())
	require.NoError(t, h.Close())

	h2, err := tr.Open("")
	require.NoError(t, err)
	defer h2.Close()
	issues2, err := h2.DB.GetClass("issue")
	require.NoError(t, err)
	v, err := issues2.Get("1", "title")
	require.NoError(t, err)
	assert.Equal(t, "shared view", v)
}

func TestSessionStoreWired(t *testing.T) {
	tr, err := Get(newHome(t), testSchema())
	require.NoError(t, err)
	defer tr.CloseEngine()

	h, err := tr.Open("")
	require.NoError(t, err)
	defer h.Close()
	require.NotNil(t, h.Sessions)
	assert.Nil(t, h.OneTimeKeys) // schema has no otk class

	key := h.Sessions.UniqueKey()
	require.NoError(t, h.Sessions.Set(key, "1", map[string]any{"k": "v"}))
	require.NoError(t, h.DB.Commit())
	user, values, err := h.Sessions.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "1", user)
	assert.Equal(t, "v", values["k"])
}

func TestSecurityConfigured(t *testing.T) {
	tr, err := Get(newHome(t), testSchema())
	require.NoError(t, err)
	defer tr.CloseEngine()

	h, err := tr.Open("")
	require.NoError(t, err)
	defer h.Close()
	assert.Contains(t, h.Security.RoleNames(), "User")
}

func TestCurrentUserSentinel(t *testing.T) {
	tr, err := Get(newHome(t), testSchema())
	require.NoError(t, err)
	defer tr.CloseEngine()

	h, err := tr.Open("")
	require.NoError(t, err)
	users, err := h.DB.GetClass("user")
	require.NoError(t, err)
	alice, err := users.Create(map[string]any{"username": "alice"})
	require.NoError(t, err)
	bob, err := users.Create(map[string]any{"username": "bob"})
	require.NoError(t, err)
	issues, err := h.DB.GetClass("issue")
	require.NoError(t, err)
	_, err = issues.Create(map[string]any{"title": "mine", "assignedto": alice})
	require.NoError(t, err)
	_, err = issues.Create(map[string]any{"title": "theirs", "assignedto": bob})
	require.NoError(t, err)
	require.NoError(t, h.DB.Commit())
	require.NoError(t, h.Close())

	h2, err := tr.Open("alice")
	require.NoError(t, err)
	defer h2.Close()
	issues2, err := h2.DB.GetClass("issue")
	require.NoError(t, err)
	ids, err := issues2.Filter(nil, map[string]any{"assignedto": "@current_user"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	v, err := issues2.Get(ids[0], "title")
	require.NoError(t, err)
	assert.Equal(t, "mine", v)
}

func TestUnknownBackendRejected(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, config.WriteDefault(home, "wibble"))
	tr, err := Get(home, testSchema())
	require.NoError(t, err)
	_, err = tr.Open("")
	require.Error(t, err)
	var ove *config.OptionValueError
	assert.ErrorAs(t, err, &ove)
}
