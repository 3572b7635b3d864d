package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/juju/fslock"
	log "github.com/sirupsen/logrus"
)

// KV is the minimal interface the key-value backend needs from an
// embedded store. Interface to help mock this out for testing.
type KV interface {
	// Get returns (nil, false, nil) for a missing key.
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Scan visits keys with the prefix in lexical order.
	Scan(prefix []byte, fn func(key, value []byte) error) error
	Sync() error
	Close() error
}

// KVBackend maps classes onto a flat key space:
//
//	n:<class>:<id padded to 12> -> row JSON
//	j:<class>:<id padded to 12> -> journal JSON
//	c:<class>                   -> next id counter
//
// Mutations are staged in memory and flushed on Commit. Id counters
// write through immediately so ids are never reused, even when the
// transaction rolls back.
type KVBackend struct {
	kv      KV
	lock    *fslock.Lock
	classes map[string]ClassInfo

	pending map[string][]byte // nil value marks a delete
	order   []string
}

// NewKV wraps an embedded store. The lock file serialises writers
// across processes; a held lock fails Open rather than blocking.
func NewKV(kv KV, lockfile string) (*KVBackend, error) {
	b := &KVBackend{
		kv:      kv,
		classes: map[string]ClassInfo{},
		pending: map[string][]byte{},
	}
	if lockfile != "" {
		b.lock = fslock.New(lockfile)
		if err := b.lock.TryLock(); err != nil {
			kv.Close()
			return nil, fmt.Errorf("storage: database is locked: %w", err)
		}
	}
	return b, nil
}

func padID(id string) string {
	if len(id) >= 12 {
		return id
	}
	return strings.Repeat("0", 12-len(id)) + id
}

func nodeKey(classname, id string) string    { return "n:" + classname + ":" + padID(id) }
func journalKey(classname, id string) string { return "j:" + classname + ":" + padID(id) }
func counterKey(classname string) string     { return "c:" + classname }

// Setup implements Backend. The key space is schemaless so there is
// nothing to migrate.
func (b *KVBackend) Setup(classes []ClassInfo) error {
	for _, info := range classes {
		b.classes[info.Name] = info
	}
	return nil
}

// Close implements Backend.
func (b *KVBackend) Close() error {
	if b.lock != nil {
		if err := b.lock.Unlock(); err != nil {
			log.Warnf("storage: releasing lock: %v", err)
		}
	}
	return b.kv.Close()
}

func (b *KVBackend) stage(key string, value []byte) {
	if _, ok := b.pending[key]; !ok {
		b.order = append(b.order, key)
	}
	b.pending[key] = value
}

func (b *KVBackend) get(key string) ([]byte, bool, error) {
	if v, ok := b.pending[key]; ok {
		return v, v != nil, nil
	}
	return b.kv.Get([]byte(key))
}

// scan merges staged writes over the store's view of the prefix.
func (b *KVBackend) scan(prefix string, fn func(key string, value []byte) error) error {
	merged := map[string][]byte{}
	err := b.kv.Scan([]byte(prefix), func(k, v []byte) error {
		merged[string(k)] = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return err
	}
	for k, v := range b.pending {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// Commit implements Backend.
func (b *KVBackend) Commit() error {
	for _, key := range b.order {
		value := b.pending[key]
		var err error
		if value == nil {
			err = b.kv.Delete([]byte(key))
		} else {
			err = b.kv.Set([]byte(key), value)
		}
		if err != nil {
			return fmt.Errorf("storage: commit: %w", err)
		}
	}
	b.pending = map[string][]byte{}
	b.order = nil
	return b.kv.Sync()
}

// Rollback implements Backend.
func (b *KVBackend) Rollback() error {
	b.pending = map[string][]byte{}
	b.order = nil
	return nil
}

type kvRow struct {
	ID      string         `json:"id"`
	Props   map[string]any `json:"props"`
	Retired bool           `json:"retired,omitempty"`
}

func (b *KVBackend) putRow(classname string, row *Row) error {
	raw, err := json.Marshal(kvRow{ID: row.ID, Props: row.Props, Retired: row.Retired})
	if err != nil {
		return fmt.Errorf("storage: %s%s: %w", classname, row.ID, err)
	}
	b.stage(nodeKey(classname, row.ID), raw)
	return nil
}

// Insert implements Backend.
func (b *KVBackend) Insert(classname string, row *Row) error {
	return b.putRow(classname, row)
}

// Update implements Backend.
func (b *KVBackend) Update(classname string, row *Row) error {
	return b.putRow(classname, row)
}

// Remove implements Backend.
func (b *KVBackend) Remove(classname, id string) error {
	b.stage(nodeKey(classname, id), nil)
	b.stage(journalKey(classname, id), nil)
	return nil
}

// Fetch implements Backend.
func (b *KVBackend) Fetch(classname, id string) (*Row, error) {
	raw, ok, err := b.get(nodeKey(classname, id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	var kr kvRow
	if err := json.Unmarshal(raw, &kr); err != nil {
		return nil, fmt.Errorf("storage: %s%s: %w", classname, id, err)
	}
	if kr.Props == nil {
		kr.Props = map[string]any{}
	}
	if err := normalizeProps(b.classes[classname], kr.Props); err != nil {
		return nil, err
	}
	return &Row{ID: kr.ID, Props: kr.Props, Retired: kr.Retired}, nil
}

// ListIDs implements Backend.
func (b *KVBackend) ListIDs(classname string, includeRetired bool) ([]string, error) {
	var ids []string
	err := b.scan("n:"+classname+":", func(key string, value []byte) error {
		var kr kvRow
		if err := json.Unmarshal(value, &kr); err != nil {
			return fmt.Errorf("storage: %s: %w", key, err)
		}
		if kr.Retired && !includeRetired {
			return nil
		}
		ids = append(ids, kr.ID)
		return nil
	})
	return ids, err
}

// AllocateID implements Backend.
func (b *KVBackend) AllocateID(classname string) (string, error) {
	next, err := b.NextID(classname)
	if err != nil {
		return "", err
	}
	// written through immediately, not staged
	if err := b.kv.Set([]byte(counterKey(classname)), []byte(strconv.Itoa(next+1))); err != nil {
		return "", fmt.Errorf("storage: allocate id: %w", err)
	}
	return strconv.Itoa(next), nil
}

// NextID implements Backend.
func (b *KVBackend) NextID(classname string) (int, error) {
	raw, ok, err := b.kv.Get([]byte(counterKey(classname)))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	next, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("storage: bad id counter for %s: %w", classname, err)
	}
	return next, nil
}

// SetID implements Backend.
func (b *KVBackend) SetID(classname string, next int) error {
	return b.kv.Set([]byte(counterKey(classname)), []byte(strconv.Itoa(next)))
}

// LookupByKey implements Backend. The key space has no secondary
// index so this is a class scan.
func (b *KVBackend) LookupByKey(classname, keyprop, value string) (string, error) {
	found := ""
	err := b.scan("n:"+classname+":", func(key string, raw []byte) error {
		var kr kvRow
		if err := json.Unmarshal(raw, &kr); err != nil {
			return fmt.Errorf("storage: %s: %w", key, err)
		}
		if kr.Retired {
			return nil
		}
		if s, ok := kr.Props[keyprop].(string); ok && s == value {
			found = kr.ID
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", ErrNotFound
	}
	return found, nil
}

// FindByLink implements Backend.
func (b *KVBackend) FindByLink(classname, prop string, targetIDs []string) ([]string, error) {
	want := make(map[string]bool, len(targetIDs))
	for _, id := range targetIDs {
		want[id] = true
	}
	kind := b.classes[classname].Props[prop]
	var ids []string
	err := b.scan("n:"+classname+":", func(key string, raw []byte) error {
		var kr kvRow
		if err := json.Unmarshal(raw, &kr); err != nil {
			return fmt.Errorf("storage: %s: %w", key, err)
		}
		v := kr.Props[prop]
		switch kind {
		case KindMultilink:
			ml, _ := v.([]any)
			if len(ml) == 0 {
				if want[""] {
					ids = append(ids, kr.ID)
				}
				return nil
			}
			for _, e := range ml {
				if s, ok := e.(string); ok && want[s] {
					ids = append(ids, kr.ID)
					return nil
				}
			}
		default:
			s, _ := v.(string)
			if want[s] {
				ids = append(ids, kr.ID)
			}
		}
		return nil
	})
	return ids, err
}

// AddJournal implements Backend.
func (b *KVBackend) AddJournal(classname, id string, entry JournalEntry) error {
	entries, err := b.GetJournal(classname, id)
	if err != nil {
		return err
	}
	return b.SetJournal(classname, id, append(entries, entry))
}

// SetJournal implements Backend.
func (b *KVBackend) SetJournal(classname, id string, entries []JournalEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("storage: journal %s%s: %w", classname, id, err)
	}
	b.stage(journalKey(classname, id), raw)
	return nil
}

// GetJournal implements Backend.
func (b *KVBackend) GetJournal(classname, id string) ([]JournalEntry, error) {
	raw, ok, err := b.get(journalKey(classname, id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var entries []JournalEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("storage: journal %s%s: %w", classname, id, err)
	}
	return entries, nil
}

// PackJournal implements Backend.
func (b *KVBackend) PackJournal(classname, cutoff string) error {
	type update struct {
		key     string
		entries []JournalEntry
	}
	var updates []update
	err := b.scan("j:"+classname+":", func(key string, raw []byte) error {
		var entries []JournalEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("storage: %s: %w", key, err)
		}
		packed := packEntries(entries, cutoff)
		if len(packed) != len(entries) {
			updates = append(updates, update{key: key, entries: packed})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, u := range updates {
		raw, err := json.Marshal(u.entries)
		if err != nil {
			return fmt.Errorf("storage: %s: %w", u.key, err)
		}
		b.stage(u.key, raw)
	}
	return nil
}
