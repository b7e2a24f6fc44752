package mutationq

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	seq                          last assigned id, big-endian uint64
//	r:<category>\x00<%020d id>   gob Record
//	i:<%020d id>                 category of id
var seqKey = []byte("seq")

// LevelDBBackend stores records in leveldb with synced writes.
type LevelDBBackend struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

func OpenLevelDB(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	b := &LevelDBBackend{db: db}
	v, err := db.Get(seqKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, err
	case len(v) == 8:
		b.seq = binary.BigEndian.Uint64(v)
	default:
		_ = db.Close()
		return nil, fmt.Errorf("corrupt sequence value")
	}
	return b, nil
}

func idKey(id uint64) string { return fmt.Sprintf("%020d", id) }

func recordKey(category string, id uint64) []byte {
	return []byte("r:" + category + "\x00" + idKey(id))
}

func (b *LevelDBBackend) Append(rec Record) (Record, error) {
	if strings.ContainsRune(rec.Category, 0) {
		return Record{}, fmt.Errorf("invalid category %q", rec.Category)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec.ID = b.seq + 1
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return Record{}, err
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, rec.ID)

	batch := new(leveldb.Batch)
	batch.Put(seqKey, seq)
	batch.Put(recordKey(rec.Category, rec.ID), buf.Bytes())
	batch.Put([]byte("i:"+idKey(rec.ID)), []byte(rec.Category))
	if err := b.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return Record{}, err
	}
	b.seq = rec.ID
	return rec, nil
}

func (b *LevelDBBackend) Pending(category string) ([]Record, error) {
	it := b.db.NewIterator(util.BytesPrefix([]byte("r:"+category+"\x00")), nil)
	defer it.Release()

	var out []Record
	for it.Next() {
		var rec Record
		if err := gob.NewDecoder(bytes.NewReader(it.Value())).Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", it.Key(), err)
		}
		out = append(out, rec)
	}
	return out, it.Error()
}

func (b *LevelDBBackend) Remove(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := []byte("i:" + idKey(id))
	category, err := b.db.Get(idx, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(idx)
	batch.Delete(recordKey(string(category), id))
	return b.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (b *LevelDBBackend) Categories() ([]string, error) {
	it := b.db.NewIterator(util.BytesPrefix([]byte("i:")), nil)
	defer it.Release()

	set := map[string]struct{}{}
	for it.Next() {
		set[string(it.Value())] = struct{}{}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (b *LevelDBBackend) Count() (int, error) {
	it := b.db.NewIterator(util.BytesPrefix([]byte("i:")), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (b *LevelDBBackend) Close() error { return b.db.Close() }
