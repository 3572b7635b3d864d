// Package session stores web sessions and one-time keys in
// non-journalled classes, so they can be destroyed outright when
// they expire.
package session

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/roundup-tracker/hyperdb/pkg/date"
	"github.com/roundup-tracker/hyperdb/pkg/hyperdb"
)

// ClassSpec declares the backing class for a store. Both sessions
// and one-time keys use the same shape under different classnames.
func ClassSpec(classname string) hyperdb.ClassSpec {
	return hyperdb.ClassSpec{
		Name: classname,
		Props: []hyperdb.PropDef{
			{Name: "sid", Type: hyperdb.String{}},
			{Name: "user", Type: hyperdb.String{}},
			{Name: "lastuse", Type: hyperdb.Date{}},
			{Name: "value", Type: hyperdb.String{}},
		},
		Key: "sid",
	}
}

// Store keeps keyed bags of values with a last-use timestamp.
type Store struct {
	db *hyperdb.Database
	cl *hyperdb.Class
}

// New binds a store to its backing class.
func New(db *hyperdb.Database, classname string) (*Store, error) {
	cl, err := db.GetClass(classname)
	if err != nil {
		return nil, err
	}
	if cl.Journalled() {
		return nil, fmt.Errorf("session class %s must not be journalled", classname)
	}
	return &Store{db: db, cl: cl}, nil
}

// UniqueKey returns a fresh opaque session key.
func (s *Store) UniqueKey() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Set stores values under the key, creating the record if needed and
// touching its last-use time.
func (s *Store) Set(key, user string, values map[string]any) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	props := map[string]any{
		"user":    user,
		"lastuse": date.Now(),
		"value":   string(raw),
	}
	if id, err := s.cl.Lookup(key); err == nil {
		return s.cl.Set(id, props)
	}
	props["sid"] = key
	_, err = s.cl.Create(props)
	return err
}

// Get returns the values stored under the key.
func (s *Store) Get(key string) (user string, values map[string]any, err error) {
	id, err := s.cl.Lookup(key)
	if err != nil {
		return "", nil, err
	}
	u, err := s.cl.Get(id, "user")
	if err != nil {
		return "", nil, err
	}
	user, _ = u.(string)
	v, err := s.cl.Get(id, "value")
	if err != nil {
		return "", nil, err
	}
	values = map[string]any{}
	if raw, ok := v.(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return "", nil, fmt.Errorf("session: corrupt value for %s: %w", key, err)
		}
	}
	return user, values, nil
}

// Touch refreshes the key's last-use time.
func (s *Store) Touch(key string) error {
	id, err := s.cl.Lookup(key)
	if err != nil {
		return err
	}
	return s.cl.Set(id, map[string]any{"lastuse": date.Now()})
}

// Destroy removes the key outright. Missing keys are not an error.
func (s *Store) Destroy(key string) error {
	id, err := s.cl.Lookup(key)
	if err != nil {
		return nil
	}
	return s.cl.Destroy(id)
}

// Clean destroys every record whose last use is older than the
// interval, returning how many went.
func (s *Store) Clean(olderThan date.Interval) (int, error) {
	cutoff := date.Now().AddInterval(olderThan.Negate())
	ids, err := s.cl.List()
	if err != nil {
		return 0, err
	}
	destroyed := 0
	for _, id := range ids {
		v, err := s.cl.Get(id, "lastuse")
		if err != nil {
			return destroyed, err
		}
		last, ok := v.(date.Date)
		if ok && !last.Before(cutoff) {
			continue
		}
		if err := s.cl.Destroy(id); err != nil {
			return destroyed, err
		}
		destroyed++
	}
	if destroyed > 0 {
		log.Debugf("session: cleaned %d stale %s records", destroyed, s.cl.Name())
	}
	return destroyed, nil
}
