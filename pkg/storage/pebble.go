package storage

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleKV implements KV over Pebble.
type PebbleKV struct {
	pdb *pebble.DB
}

// OpenPebble opens (creating if needed) a pebble store in dir.
func OpenPebble(dir string) (*PebbleKV, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble %s: %w", dir, err)
	}
	return &PebbleKV{pdb: db}, nil
}

func (db *PebbleKV) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := db.pdb.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), value...)
	closer.Close()
	return out, true, nil
}

func (db *PebbleKV) Set(key, value []byte) error {
	return db.pdb.Set(key, value, pebble.NoSync)
}

func (db *PebbleKV) Delete(key []byte) error {
	return db.pdb.Delete(key, pebble.NoSync)
}

func (db *PebbleKV) Scan(prefix []byte, fn func(key, value []byte) error) error {
	upper := append(append([]byte(nil), prefix...), 0xff)
	iter := db.pdb.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			continue
		}
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (db *PebbleKV) Sync() error {
	return db.pdb.Flush()
}

func (db *PebbleKV) Close() error {
	return db.pdb.Close()
}
