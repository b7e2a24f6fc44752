package cachestore

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"offline0/internal/logging"
)

type ramItem struct {
	id   string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// Memory is a byte-bounded LRU store. It is the RAM tier of Tiered and a
// standalone Store for tests.
type Memory struct {
	maxBytes int64
	overflow *logging.RateLimited

	mu         sync.Mutex
	items      map[string]*ramItem
	containers map[string]struct{}
	head       *ramItem
	tail       *ramItem
	total      int64
}

// NewMemory returns an LRU holding at most maxBytes; 0 means unbounded.
// overflow may be nil.
func NewMemory(maxBytes int64, overflow *logging.RateLimited) *Memory {
	return &Memory{
		maxBytes:   maxBytes,
		overflow:   overflow,
		items:      map[string]*ramItem{},
		containers: map[string]struct{}{},
	}
}

func itemID(container, key string) string { return container + "\x00" + key }

func (c *Memory) Get(container, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[itemID(container, key)]
	if !ok {
		return Entry{}, false, nil
	}
	c.moveToFront(it)
	return it.ent, true, nil
}

func (c *Memory) Put(container string, ent Entry) error {
	ent.Container = container
	sz := ent.approxSize()
	id := itemID(container, ent.Key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && sz > c.maxBytes {
		// The previous entry is superseded even though the new one does not fit.
		if it, ok := c.items[id]; ok {
			c.dropLocked(it)
		}
		return ErrTooLarge
	}

	c.containers[container] = struct{}{}
	if it, ok := c.items[id]; ok {
		c.total += sz - it.size
		it.ent = ent
		it.size = sz
		c.moveToFront(it)
		c.evictLocked(0)
		return nil
	}

	c.evictLocked(sz)
	it := &ramItem{id: id, ent: ent, size: sz}
	c.items[id] = it
	c.addToFront(it)
	c.total += sz
	return nil
}

// evictLocked drops least-recently-used items, 10% at a time, until incoming
// bytes fit.
func (c *Memory) evictLocked(incoming int64) {
	if c.maxBytes <= 0 || c.total+incoming <= c.maxBytes {
		return
	}
	if c.overflow != nil {
		c.overflow.Warn("RAM cache overflow, evicting", zap.Int64("total", c.total), zap.Int64("max", c.maxBytes))
	}
	for c.tail != nil && c.total+incoming > c.maxBytes {
		n := max(len(c.items)/10, 1)
		for i := 0; i < n && c.tail != nil; i++ {
			c.dropLocked(c.tail)
		}
	}
}

func (c *Memory) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.id)
	c.total -= it.size
}

func (c *Memory) Delete(container, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[itemID(container, key)]; ok {
		c.dropLocked(it)
	}
	return nil
}

func (c *Memory) Keys(container string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := container + "\x00"
	set := map[string]struct{}{}
	for id, it := range c.items {
		if strings.HasPrefix(id, prefix) {
			set[it.ent.Key] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

func (c *Memory) Containers() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]struct{}, len(c.containers))
	for name := range c.containers {
		set[name] = struct{}{}
	}
	return sortedKeys(set), nil
}

func (c *Memory) DeleteContainer(container string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := container + "\x00"
	for id, it := range c.items {
		if strings.HasPrefix(id, prefix) {
			c.dropLocked(it)
		}
	}
	delete(c.containers, container)
	return nil
}

func (c *Memory) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Memory) Close() error { return nil }

func (c *Memory) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *Memory) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *Memory) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
