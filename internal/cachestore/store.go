package cachestore

import (
	"errors"
	"sort"
	"sync"
)

// ErrTooLarge is returned by size-bounded stores for entries that can never fit.
var ErrTooLarge = errors.New("entry larger than store capacity")

// Store is a set of named key→response containers.
type Store interface {
	// Get returns the entry under key. A miss is (Entry{}, false, nil).
	Get(container, key string) (Entry, bool, error)
	// Put stores ent under ent.Key, replacing any previous entry atomically.
	// The container is created on first write.
	Put(container string, ent Entry) error
	// Delete is idempotent.
	Delete(container, key string) error
	Keys(container string) ([]string, error)
	Containers() ([]string, error)
	DeleteContainer(container string) error
	// Size is the approximate number of bytes held.
	Size() int64
	Close() error
}

// Tiered reads through a RAM front to a durable back store. Writes go to the
// back store first so a crash never leaves RAM ahead of disk. A read that
// misses RAM holds mu shared while it promotes the disk entry, so a
// concurrent write can never be overwritten by the older copy.
type Tiered struct {
	front *Memory
	back  Store

	mu sync.RWMutex
}

func NewTiered(front *Memory, back Store) *Tiered {
	return &Tiered{front: front, back: back}
}

func (t *Tiered) Get(container, key string) (Entry, bool, error) {
	if ent, ok, _ := t.front.Get(container, key); ok {
		return ent, true, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	ent, ok, err := t.back.Get(container, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	_ = t.front.Put(container, ent)
	return ent, true, nil
}

func (t *Tiered) Put(container string, ent Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.back.Put(container, ent); err != nil {
		_ = t.front.Delete(container, ent.Key)
		return err
	}
	if err := t.front.Put(container, ent); err != nil {
		_ = t.front.Delete(container, ent.Key)
	}
	return nil
}

func (t *Tiered) Delete(container, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.front.Delete(container, key)
	return t.back.Delete(container, key)
}

func (t *Tiered) Keys(container string) ([]string, error) {
	return t.back.Keys(container)
}

func (t *Tiered) Containers() ([]string, error) {
	return t.back.Containers()
}

func (t *Tiered) DeleteContainer(container string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.front.DeleteContainer(container)
	return t.back.DeleteContainer(container)
}

func (t *Tiered) Size() int64 { return t.back.Size() }

// RAMSize reports the bytes held by the front tier.
func (t *Tiered) RAMSize() int64 { return t.front.Size() }

func (t *Tiered) Close() error {
	_ = t.front.Close()
	return t.back.Close()
}

// KeyCount sums keys over every container.
func KeyCount(s Store) int {
	names, err := s.Containers()
	if err != nil {
		return 0
	}
	n := 0
	for _, c := range names {
		keys, err := s.Keys(c)
		if err == nil {
			n += len(keys)
		}
	}
	return n
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
