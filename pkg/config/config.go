// Package config loads and validates the tracker's config.ini.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Filename is the tracker configuration file, relative to the home.
const Filename = "config.ini"

// NoConfigError means the tracker home has no config.ini at all.
type NoConfigError struct {
	Home string
}

func (e *NoConfigError) Error() string {
	return fmt.Sprintf("no tracker config found in %q", e.Home)
}

// OptionUnsetError names a required setting that has no value.
type OptionUnsetError struct {
	Section, Option string
}

func (e *OptionUnsetError) Error() string {
	return fmt.Sprintf("required setting [%s] %s is not set", e.Section, e.Option)
}

// OptionValueError reports a setting whose value failed its type rule.
type OptionValueError struct {
	Section, Option, Value string
	Reason                 string
}

func (e *OptionValueError) Error() string {
	return fmt.Sprintf("setting [%s] %s: invalid value %q: %s",
		e.Section, e.Option, e.Value, e.Reason)
}

// ParsingOptionError reports an unparseable config file.
type ParsingOptionError struct {
	Path string
	Err  error
}

func (e *ParsingOptionError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Path, e.Err)
}

func (e *ParsingOptionError) Unwrap() error { return e.Err }

// RDBMS carries the sql backend connection settings.
type RDBMS struct {
	Backend        string
	Name           string
	Host           string
	Port           int
	User           string
	Password       string
	IsolationLevel string
	AllowCreate    bool
	AllowAlter     bool
	AllowDrop      bool
	SQLiteTimeout  int
	CacheSize      int
}

// Config is the subset of config.ini the hyperdb core cares about.
type Config struct {
	Home string

	// [main]
	Database         string // on-disk db directory
	Backend          string // "badger", "pebble" or "sqlite"
	Indexer          string // "", "native" or "native-fts"
	IndexerLanguage  string
	IndexerStopwords []string
	Umask            os.FileMode
	Timezone         *time.Location
	PBKDF2Rounds     int

	RDBMS RDBMS
}

// Load reads <home>/config.ini and applies the per-option type rules.
func Load(home string) (*Config, error) {
	path := filepath.Join(home, Filename)
	if _, err := os.Stat(path); err != nil {
		return nil, &NoConfigError{Home: home}
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, &ParsingOptionError{Path: path, Err: err}
	}
	c := &Config{
		Home:         home,
		Umask:        0o002,
		Timezone:     time.UTC,
		PBKDF2Rounds: 2000000,
		RDBMS:        RDBMS{SQLiteTimeout: 30, CacheSize: 100, AllowCreate: true},
	}
	main := f.Section("main")

	c.Backend, err = requiredString(main, "backend")
	if err != nil {
		return nil, err
	}
	c.Database = stringOpt(main, "database", filepath.Join(home, "db"))
	if !filepath.IsAbs(c.Database) {
		c.Database = filepath.Join(home, c.Database)
	}
	c.Indexer = stringOpt(main, "indexer", "native")
	c.IndexerLanguage = stringOpt(main, "indexer_language", "english")
	if v := stringOpt(main, "indexer_stopwords", ""); v != "" {
		for _, w := range strings.Split(v, ",") {
			c.IndexerStopwords = append(c.IndexerStopwords, strings.ToUpper(strings.TrimSpace(w)))
		}
	}
	if v := stringOpt(main, "umask", ""); v != "" {
		n, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return nil, &OptionValueError{Section: "main", Option: "umask", Value: v, Reason: "not an octal number"}
		}
		c.Umask = os.FileMode(n)
	}
	if v := stringOpt(main, "timezone", ""); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return nil, &OptionValueError{Section: "main", Option: "timezone", Value: v, Reason: "unknown timezone"}
		}
		c.Timezone = loc
	}
	if v := stringOpt(main, "password_pbkdf2_default_rounds", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1000 {
			return nil, &OptionValueError{Section: "main", Option: "password_pbkdf2_default_rounds",
				Value: v, Reason: "must be an integer >= 1000"}
		}
		c.PBKDF2Rounds = n
	}

	rdbms := f.Section("rdbms")
	c.RDBMS.Backend = stringOpt(rdbms, "backend", c.Backend)
	c.RDBMS.Name = stringOpt(rdbms, "name", "roundup")
	c.RDBMS.Host = stringOpt(rdbms, "host", "")
	c.RDBMS.User = stringOpt(rdbms, "user", "")
	c.RDBMS.Password = stringOpt(rdbms, "password", "")
	c.RDBMS.IsolationLevel = stringOpt(rdbms, "isolation_level", "read committed")
	for _, opt := range []struct {
		name string
		dst  *bool
	}{
		{"allow_create", &c.RDBMS.AllowCreate},
		{"allow_alter", &c.RDBMS.AllowAlter},
		{"allow_drop", &c.RDBMS.AllowDrop},
	} {
		if v := stringOpt(rdbms, opt.name, ""); v != "" {
			b, err := parseBool(v)
			if err != nil {
				return nil, &OptionValueError{Section: "rdbms", Option: opt.name, Value: v, Reason: "not a boolean"}
			}
			*opt.dst = b
		}
	}
	for _, opt := range []struct {
		name string
		dst  *int
	}{
		{"port", &c.RDBMS.Port},
		{"sqlite_timeout", &c.RDBMS.SQLiteTimeout},
		{"cache_size", &c.RDBMS.CacheSize},
	} {
		if v := stringOpt(rdbms, opt.name, ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, &OptionValueError{Section: "rdbms", Option: opt.name, Value: v, Reason: "not an integer"}
			}
			*opt.dst = n
		}
	}

	log.Debugf("loaded config from %s: backend=%s indexer=%s", path, c.Backend, c.Indexer)
	return c, nil
}

// stringOpt fetches an option, resolving file:// indirection. The
// referenced file's trimmed first line becomes the value, so secrets
// can live outside config.ini.
func stringOpt(sec *ini.Section, name, dflt string) string {
	if !sec.HasKey(name) {
		return dflt
	}
	v := strings.TrimSpace(sec.Key(name).String())
	if v == "" {
		return dflt
	}
	if strings.HasPrefix(v, "file://") {
		data, err := os.ReadFile(strings.TrimPrefix(v, "file://"))
		if err != nil {
			log.Warnf("config option %s: cannot read %s: %v", name, v, err)
			return dflt
		}
		line, _, _ := strings.Cut(string(data), "\n")
		return strings.TrimSpace(line)
	}
	return v
}

func requiredString(sec *ini.Section, name string) (string, error) {
	v := stringOpt(sec, name, "")
	if v == "" {
		return "", &OptionUnsetError{Section: sec.Name(), Option: name}
	}
	return v, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "on", "1":
		return true, nil
	case "no", "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}

// WriteDefault emits a minimal config.ini into home, used by the
// admin install command and the test helpers.
func WriteDefault(home, backend string) error {
	body := fmt.Sprintf(`[main]
backend = %s
indexer = native
timezone = UTC
password_pbkdf2_default_rounds = 1000

[rdbms]
name = roundup
allow_create = yes
`, backend)
	return os.WriteFile(filepath.Join(home, Filename), []byte(body), 0o644)
}
