package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the whole transaction and buffers its
// writes; they are applied to the committed maps only when fn succeeds.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{buckets: make(map[string]map[string][]byte)}
	for _, b := range allBuckets {
		s.buckets[string(b)] = make(map[string][]byte)
	}
	return s
}

func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &memKV{base: s.buckets, writes: make(map[string]map[string][]byte), writable: true}
	if err := fn(&ledgerTx{kv: m}); err != nil {
		return err
	}
	for b, keys := range m.writes {
		for k, v := range keys {
			if v == nil {
				delete(s.buckets[b], k)
				continue
			}
			s.buckets[b][k] = v
		}
	}
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&ledgerTx{kv: &memKV{base: s.buckets}})
}

func (s *MemoryStore) Close() error { return nil }

// memKV overlays buffered writes on the committed maps. A nil value in
// writes marks a deletion.
type memKV struct {
	base     map[string]map[string][]byte
	writes   map[string]map[string][]byte
	writable bool
}

func (m *memKV) get(bucket, key []byte) []byte {
	if w, ok := m.writes[string(bucket)]; ok {
		if v, ok := w[string(key)]; ok {
			return v
		}
	}
	return m.base[string(bucket)][string(key)]
}

func (m *memKV) set(bucket, key, value []byte) error {
	if !m.writable {
		return ErrReadOnly
	}
	w, ok := m.writes[string(bucket)]
	if !ok {
		w = make(map[string][]byte)
		m.writes[string(bucket)] = w
	}
	w[string(key)] = value
	return nil
}

func (m *memKV) put(bucket, key, value []byte) error {
	return m.set(bucket, key, bytes.Clone(value))
}

func (m *memKV) del(bucket, key []byte) error {
	return m.set(bucket, key, nil)
}

func (m *memKV) scan(bucket, prefix, from []byte, fn func(k, v []byte) bool) error {
	seen := make(map[string]struct{})
	var keys []string
	collect := func(src map[string][]byte) {
		for k := range src {
			if _, ok := seen[k]; ok {
				continue
			}
			if !bytes.HasPrefix([]byte(k), prefix) || bytes.Compare([]byte(k), from) < 0 {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	collect(m.writes[string(bucket)])
	collect(m.base[string(bucket)])
	sort.Strings(keys)

	for _, k := range keys {
		v := m.get(bucket, []byte(k))
		if v == nil {
			continue
		}
		if !fn([]byte(k), v) {
			return nil
		}
	}
	return nil
}
