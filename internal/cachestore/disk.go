package cachestore

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	c:<container>              container registry
//	e:<container>\x00<key>     gob Entry
//	m:<container>\x00<key>     gob diskMeta
const (
	prefixContainer = "c:"
	prefixEntry     = "e:"
	prefixMeta      = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

// DiskStore persists containers in leveldb. Writes are serialized and each
// one is a single leveldb batch, so entry, metadata and container registry
// always change together.
type DiskStore struct {
	maxBytes int64
	db       *leveldb.DB

	writeMu sync.Mutex

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
}

// OpenDisk opens (or creates) the store at path. maxBytes of 0 disables eviction.
func OpenDisk(path string, maxBytes int64) (*DiskStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &DiskStore{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]diskMeta{},
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DiskStore) Close() error {
	return d.db.Close()
}

func (d *DiskStore) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		id := string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[id] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *DiskStore) Get(container, key string) (Entry, bool, error) {
	id := itemID(container, key)
	b, err := d.db.Get([]byte(prefixEntry+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	ent.Container = container

	d.mu.Lock()
	if meta, ok := d.index[id]; ok {
		meta.LastAccess = time.Now().Unix()
		d.index[id] = meta
	}
	d.mu.Unlock()
	return ent, true, nil
}

func (d *DiskStore) Put(container string, ent Entry) error {
	ent.Container = container
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	id := itemID(container, ent.Key)
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixContainer+container), nil)
	batch.Put([]byte(prefixEntry+id), b)
	batch.Put([]byte(prefixMeta+id), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.totalSize += meta.Size - d.index[id].Size
	d.index[id] = meta
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSomeLocked(id)
	}
	return nil
}

func (d *DiskStore) Delete(container, key string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.deleteLocked(itemID(container, key))
}

func (d *DiskStore) deleteLocked(id string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixEntry + id))
	batch.Delete([]byte(prefixMeta + id))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}
	d.mu.Lock()
	if meta, ok := d.index[id]; ok {
		d.totalSize -= meta.Size
		delete(d.index, id)
	}
	d.mu.Unlock()
	return nil
}

// evictSomeLocked drops the least recently accessed 10% of entries, never
// the entry that was just written.
func (d *DiskStore) evictSomeLocked(keep string) {
	type item struct {
		id string
		m  diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for id, m := range d.index {
		if id != keep {
			items = append(items, item{id, m})
		}
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := max(len(items)/10, 1)
	for i := 0; i < n && i < len(items); i++ {
		_ = d.deleteLocked(items[i].id)
	}
}

func (d *DiskStore) Keys(container string) ([]string, error) {
	prefix := []byte(prefixMeta + container + "\x00")
	it := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

func (d *DiskStore) Containers() ([]string, error) {
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefixContainer)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Key()), prefixContainer))
	}
	return out, it.Error()
}

// DeleteContainer removes the container and every entry in it in one batch.
func (d *DiskStore) DeleteContainer(container string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	keys, err := d.Keys(container)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixContainer + container))
	for _, k := range keys {
		id := itemID(container, k)
		batch.Delete([]byte(prefixEntry + id))
		batch.Delete([]byte(prefixMeta + id))
	}
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	for _, k := range keys {
		id := itemID(container, k)
		d.totalSize -= d.index[id].Size
		delete(d.index, id)
	}
	d.mu.Unlock()
	return nil
}

func (d *DiskStore) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}
