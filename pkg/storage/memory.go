package storage

import (
	"sort"
	"strings"
)

// MemoryKV is an in-process KV used by tests and demo trackers.
type MemoryKV struct {
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: map[string][]byte{}}
}

func (m *MemoryKV) Get(key []byte) ([]byte, bool, error) {
	v, ok := m.data[string(key)]
	return v, ok, nil
}

func (m *MemoryKV) Set(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *MemoryKV) Scan(prefix []byte, fn func(key, value []byte) error) error {
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), m.data[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryKV) Sync() error { return nil }

func (m *MemoryKV) Close() error { return nil }
