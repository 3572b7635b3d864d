package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, Filename), []byte(body), 0o644))
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := writeConfig(t, "[main]\nbackend = sqlite\n")
	c, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Backend)
	assert.Equal(t, filepath.Join(home, "db"), c.Database)
	assert.Equal(t, "native", c.Indexer)
	assert.Equal(t, time.UTC, c.Timezone)
	assert.Equal(t, 2000000, c.PBKDF2Rounds)
	assert.Equal(t, 30, c.RDBMS.SQLiteTimeout)
	assert.True(t, c.RDBMS.AllowCreate)
}

func TestLoadMissingConfig(t *testing.T) {
	_, err := Load(t.TempDir())
	var nc *NoConfigError
	assert.ErrorAs(t, err, &nc)
}

func TestLoadBackendRequired(t *testing.T) {
	home := writeConfig(t, "[main]\nindexer = native\n")
	_, err := Load(home)
	var unset *OptionUnsetError
	require.ErrorAs(t, err, &unset)
	assert.Equal(t, "backend", unset.Option)
}

func TestLoadTypedOptions(t *testing.T) {
	home := writeConfig(t, `[main]
backend = badger
umask = 027
timezone = UTC
password_pbkdf2_default_rounds = 250000
indexer_stopwords = foo, bar

[rdbms]
sqlite_timeout = 5
allow_drop = yes
`)
	c, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o027), c.Umask)
	assert.Equal(t, 250000, c.PBKDF2Rounds)
	assert.Equal(t, []string{"FOO", "BAR"}, c.IndexerStopwords)
	assert.Equal(t, 5, c.RDBMS.SQLiteTimeout)
	assert.True(t, c.RDBMS.AllowDrop)
}

func TestLoadBadValues(t *testing.T) {
	for _, body := range []string{
		"[main]\nbackend = sqlite\numask = 9z\n",
		"[main]\nbackend = sqlite\ntimezone = Mars/Olympus\n",
		"[main]\nbackend = sqlite\npassword_pbkdf2_default_rounds = 10\n",
		"[main]\nbackend = sqlite\n[rdbms]\nport = nope\n",
		"[main]\nbackend = sqlite\n[rdbms]\nallow_alter = maybe\n",
	} {
		home := writeConfig(t, body)
		_, err := Load(home)
		var ov *OptionValueError
		assert.ErrorAs(t, err, &ov, "config: %s", body)
	}
}

func TestFileIndirection(t *testing.T) {
	home := t.TempDir()
	secret := filepath.Join(home, "dbpass")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret\nsecond line ignored\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(home, Filename),
		[]byte("[main]\nbackend = sqlite\n[rdbms]\npassword = file://"+secret+"\n"), 0o644))
	c, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", c.RDBMS.Password)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, WriteDefault(home, "pebble"))
	c, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, "pebble", c.Backend)
	assert.Equal(t, 1000, c.PBKDF2Rounds)
}

func TestParsingError(t *testing.T) {
	// unclosed section header is a parse failure for the ini reader
	home := writeConfig(t, "[main\nbackend = sqlite\n")
	_, err := Load(home)
	var pe *ParsingOptionError
	if !errors.As(err, &pe) {
		// some ini dialects tolerate it; then backend must still load
		require.NoError(t, err)
	}
}
