package storage

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v3"
	log "github.com/sirupsen/logrus"
)

// BadgerKV implements KV over BadgerDB.
type BadgerKV struct {
	bdb *badger.DB
}

// OpenBadger opens (creating if needed) a badger store in dir.
func OpenBadger(dir string) (*BadgerKV, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger %s: %w", dir, err)
	}
	return &BadgerKV{bdb: db}, nil
}

func (db *BadgerKV) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := db.bdb.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (db *BadgerKV) Set(key, value []byte) error {
	return db.bdb.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (db *BadgerKV) Delete(key []byte) error {
	return db.bdb.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (db *BadgerKV) Scan(prefix []byte, fn func(key, value []byte) error) error {
	return db.bdb.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				return fn(item.Key(), v)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BadgerKV) Sync() error {
	return db.bdb.Sync()
}

func (db *BadgerKV) Close() error {
	if err := db.bdb.RunValueLogGC(0.7); err != nil &&
		err != badger.ErrNoRewrite && err != badger.ErrRejected {
		log.Debugf("storage: badger GC: %v", err)
	}
	return db.bdb.Close()
}
