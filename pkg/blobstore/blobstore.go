// Package blobstore keeps large property content (file class content,
// message bodies) outside the main database, one file per item under
// a bucketed directory tree. Writes land in a .tmp sibling first and
// are renamed into place on commit, so an aborted transaction never
// leaves a partial file visible.
package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Store writes and reads per-item content files under <dir>/files.
type Store struct {
	dir   string
	umask os.FileMode

	// paths written in the open transaction, .tmp suffixed
	pending []string
}

// New returns a store rooted at dir. The files tree is created lazily.
func New(dir string, umask os.FileMode) *Store {
	return &Store{dir: dir, umask: umask}
}

// path returns the final location for (classname, id, property).
// Items are bucketed a thousand to a directory to keep listings sane.
func (s *Store) path(classname, id, property string) string {
	n, _ := strconv.Atoi(id)
	name := classname + id
	if property != "" {
		name += "." + property
	}
	return filepath.Join(s.dir, "files", classname, strconv.Itoa(n/1000), name)
}

// Set stages content for the item. The data is durable on disk
// immediately but only visible to Get after Commit.
func (s *Store) Set(classname, id, property string, content []byte) error {
	final := s.path(classname, id, property)
	if err := os.MkdirAll(filepath.Dir(final), 0o777&^s.umask|0o700); err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, content, 0o666&^s.umask); err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}
	s.pending = append(s.pending, tmp)
	return nil
}

// Get returns the item's content. While a transaction has staged this
// item the staged content is returned. A .tmp file with no pending
// record is a crashed commit; it is renamed into place and served.
func (s *Store) Get(classname, id, property string) ([]byte, error) {
	final := s.path(classname, id, property)
	tmp := final + ".tmp"
	for _, p := range s.pending {
		if p == tmp {
			return os.ReadFile(tmp)
		}
	}
	if data, err := os.ReadFile(final); err == nil {
		return data, nil
	}
	if _, err := os.Stat(tmp); err == nil {
		log.Warnf("blobstore: recovering orphaned %s", tmp)
		if err := os.Rename(tmp, final); err != nil {
			return nil, fmt.Errorf("blobstore: %w", err)
		}
		return os.ReadFile(final)
	}
	// trackers converted from old layouts kept files unbucketed
	legacy := filepath.Join(s.dir, "files", classname, filepath.Base(final))
	if data, err := os.ReadFile(legacy); err == nil {
		return data, nil
	}
	return nil, fmt.Errorf("blobstore: no content for %s%s.%s", classname, id, property)
}

// Commit renames every staged .tmp into its final place.
func (s *Store) Commit() error {
	for _, tmp := range s.pending {
		final := tmp[:len(tmp)-len(".tmp")]
		if err := os.Rename(tmp, final); err != nil {
			return fmt.Errorf("blobstore commit: %w", err)
		}
	}
	s.pending = nil
	return nil
}

// Rollback discards every staged file.
func (s *Store) Rollback() {
	for _, tmp := range s.pending {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			log.Warnf("blobstore rollback: %v", err)
		}
	}
	s.pending = nil
}

// Destroy removes the item's content outright, bypassing the
// transaction. Used only by destroy and import bookkeeping.
func (s *Store) Destroy(classname, id, property string) error {
	final := s.path(classname, id, property)
	os.Remove(final + ".tmp")
	if err := os.Remove(final); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: %w", err)
	}
	return nil
}
