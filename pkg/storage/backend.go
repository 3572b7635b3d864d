// Package storage defines the persistence contract the database core
// talks to, plus the shipped implementations: key-value stores
// (badger, pebble) holding serialised rows, and a relational mapping
// over sqlite.
//
// Values cross this boundary already reduced to storage primitives:
// string, float64, bool, []string for multilinks, or nil. Dates are
// the 14-digit yyyymmddHHMMSS form, intervals the signed variant,
// passwords the "{scheme}hash" form, links the target id.
package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Fetch and LookupByKey when no live row
// matches.
var ErrNotFound = errors.New("storage: not found")

// PropKind tells a backend how to store and type a property column.
type PropKind int

const (
	KindString PropKind = iota
	KindNumber
	KindBoolean
	KindDate
	KindInterval
	KindPassword
	KindLink
	KindMultilink
)

// ClassInfo describes one class's storage shape.
type ClassInfo struct {
	Name       string
	Props      map[string]PropKind
	Key        string // key property name, "" if none
	Journalled bool
}

// Row is an item as the backend stores it. Props holds storage
// primitives keyed by property name; absent properties are simply
// missing from the map.
type Row struct {
	ID      string
	Props   map[string]any
	Retired bool
}

// Clone returns a deep copy so callers can mutate overlay rows
// without touching cached ones.
func (r *Row) Clone() *Row {
	props := make(map[string]any, len(r.Props))
	for k, v := range r.Props {
		if ml, ok := v.([]string); ok {
			props[k] = append([]string(nil), ml...)
			continue
		}
		props[k] = v
	}
	return &Row{ID: r.ID, Props: props, Retired: r.Retired}
}

// JournalEntry is one audit record for an item.
type JournalEntry struct {
	ID        string `json:"id"`
	Timestamp string `json:"ts"` // serialised date
	Actor     string `json:"actor"`
	Action    string `json:"action"` // create, set, retired, restored, link, unlink
	Params    any    `json:"params,omitempty"`
}

// Backend is the storage contract. Mutations arrive only while the
// core applies a commit; Commit then makes them durable and Rollback
// abandons them. Implementations need not support concurrent writers.
type Backend interface {
	// Setup creates or migrates storage for the given classes. New
	// properties on existing classes must be accommodated; removed
	// ones may be left in place.
	Setup(classes []ClassInfo) error
	Close() error

	Commit() error
	Rollback() error

	Insert(classname string, row *Row) error
	Update(classname string, row *Row) error
	// Remove deletes the row and its journal outright.
	Remove(classname, id string) error
	Fetch(classname, id string) (*Row, error)
	// ListIDs returns ids in numeric order, retired excluded unless
	// asked for.
	ListIDs(classname string, includeRetired bool) ([]string, error)

	// AllocateID hands out the next id for the class and advances
	// the counter.
	AllocateID(classname string) (string, error)
	// NextID reports the counter without advancing it.
	NextID(classname string) (int, error)
	// SetID forces the counter, used by import.
	SetID(classname string, next int) error

	// LookupByKey finds the live item whose key property equals
	// value. Retired items never match.
	LookupByKey(classname, keyprop, value string) (string, error)
	// FindByLink returns ids of items whose prop links to any of the
	// target ids. Prop may be a link or multilink. A target id of ""
	// matches items with the link unset.
	FindByLink(classname, prop string, targetIDs []string) ([]string, error)

	AddJournal(classname, id string, entry JournalEntry) error
	SetJournal(classname, id string, entries []JournalEntry) error
	GetJournal(classname, id string) ([]JournalEntry, error)
	// PackJournal drops entries older than cutoff (serialised date),
	// always keeping each item's create entry and its latest entry.
	PackJournal(classname, cutoff string) error
}

// packEntries applies the journal retention rule shared by all
// backends.
func packEntries(entries []JournalEntry, cutoff string) []JournalEntry {
	if len(entries) == 0 {
		return entries
	}
	packed := make([]JournalEntry, 0, len(entries))
	for i, e := range entries {
		keep := e.Action == "create" || i == len(entries)-1 || e.Timestamp >= cutoff
		if keep {
			packed = append(packed, e)
		}
	}
	return packed
}

// normalizeProps fixes types after deserialisation: multilinks come
// back as []any, numbers always as float64.
func normalizeProps(info ClassInfo, props map[string]any) error {
	for name, v := range props {
		if v == nil {
			continue
		}
		kind, ok := info.Props[name]
		if !ok {
			// property dropped from the schema; leave the raw value
			continue
		}
		switch kind {
		case KindMultilink:
			switch ml := v.(type) {
			case []string:
			case []any:
				out := make([]string, 0, len(ml))
				for _, e := range ml {
					s, ok := e.(string)
					if !ok {
						return fmt.Errorf("storage: %s.%s: bad multilink element %T", info.Name, name, e)
					}
					out = append(out, s)
				}
				props[name] = out
			default:
				return fmt.Errorf("storage: %s.%s: bad multilink value %T", info.Name, name, v)
			}
		case KindNumber:
			if _, ok := v.(float64); !ok {
				return fmt.Errorf("storage: %s.%s: bad number value %T", info.Name, name, v)
			}
		case KindBoolean:
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("storage: %s.%s: bad boolean value %T", info.Name, name, v)
			}
		default:
			if _, ok := v.(string); !ok {
				return fmt.Errorf("storage: %s.%s: bad value %T", info.Name, name, v)
			}
		}
	}
	return nil
}
