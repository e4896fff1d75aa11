package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout shared by every component that persists into the DB:
//
//	c:<cache>             cache marker
//	e:<cache>\x00<key>    gob CacheEntry
//	q:, qi:, qseq         offline queue (queue.go)
//	meta:active           lifecycle record (lifecycle.go)
const (
	prefixCache = "c:"
	prefixEntry = "e:"
	keySep      = "\x00"
)

func openDB(path string) (*leveldb.DB, error) {
	if path == "" {
		return leveldb.Open(storage.NewMemStorage(), nil)
	}
	return leveldb.OpenFile(path, nil)
}

// Store holds named caches. Each single operation is atomic; there are no
// cross-entry transactions except PutAll.
type Store struct {
	db       *leveldb.DB
	maxBytes int64

	// mu serializes writes so the quota check and the write agree.
	mu    sync.Mutex
	sizes map[string]int64
	total int64
}

// CacheItem is one key/entry pair for PutAll.
type CacheItem struct {
	Key   string
	Entry CacheEntry
}

func newStore(db *leveldb.DB, maxBytes int64) (*Store, error) {
	s := &Store{db: db, maxBytes: maxBytes, sizes: map[string]int64{}}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixEntry)), nil)
	defer it.Release()

	var total int64
	idx := map[string]int64{}
	for it.Next() {
		sz := int64(len(it.Value()))
		idx[string(it.Key())] = sz
		total += sz
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sizes = idx
	s.total = total
	s.mu.Unlock()
	return nil
}

func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Store) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sizes)
}

func markerKey(name string) []byte { return []byte(prefixCache + name) }

func entryPrefix(name string) []byte { return []byte(prefixEntry + name + keySep) }

func entryKey(name, key string) []byte { return append(entryPrefix(name), key...) }

// Open returns a handle to the named cache, creating it if needed.
func (s *Store) Open(ctx context.Context, name string) (*Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.Contains(name, keySep) {
		return nil, fmt.Errorf("invalid cache name %q", name)
	}
	ok, err := s.db.Has(markerKey(name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.db.Put(markerKey(name), markerValue(), nil); err != nil {
			return nil, err
		}
	}
	return &Cache{name: name, s: s}, nil
}

func markerValue() []byte {
	return []byte(time.Now().UTC().Format(time.RFC3339Nano))
}

// Names lists existing caches in name order.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixCache)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(prefixCache))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// DeleteCache removes a cache and every entry in it. It reports whether the
// cache existed.
func (s *Store) DeleteCache(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := s.db.Has(markerKey(name), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(markerKey(name))
	var removed []string
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		k := string(it.Key())
		batch.Delete([]byte(k))
		removed = append(removed, k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	for _, k := range removed {
		s.total -= s.sizes[k]
		delete(s.sizes, k)
	}
	return existed || len(removed) > 0, nil
}

// Len counts the entries of a cache without creating it.
func (s *Store) Len(ctx context.Context, name string) (int, error) {
	keys, err := (&Cache{name: name, s: s}).Keys(ctx)
	return len(keys), err
}

// Match looks key up in the given caches in order and returns the first hit
// together with the cache it came from.
func (s *Store) Match(ctx context.Context, key string, names ...string) (CacheEntry, string, bool, error) {
	for _, name := range names {
		c := &Cache{name: name, s: s}
		ent, ok, err := c.Get(ctx, key)
		if err != nil {
			return CacheEntry{}, "", false, err
		}
		if ok {
			return ent, name, true, nil
		}
	}
	return CacheEntry{}, "", false, nil
}

// Cache is a handle on one named cache.
type Cache struct {
	name string
	s    *Store
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, false, err
	}
	b, err := c.s.db.Get(entryKey(c.name, key), nil)
	if err == leveldb.ErrNotFound {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return ent, true, nil
}

func (c *Cache) Put(ctx context.Context, key string, ent CacheEntry) error {
	return c.PutAll(ctx, []CacheItem{{Key: key, Entry: ent}})
}

// PutAll writes all items in one batch: either every item is stored or none.
func (c *Cache) PutAll(ctx context.Context, items []CacheItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	type encoded struct {
		k []byte
		v []byte
	}
	enc := make([]encoded, 0, len(items))
	for _, it := range items {
		b, err := encodeGob(it.Entry)
		if err != nil {
			return fmt.Errorf("encode %s: %w", it.Key, err)
		}
		enc = append(enc, encoded{k: entryKey(c.name, it.Key), v: b})
	}

	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.total
	pending := map[string]int64{}
	for _, e := range enc {
		k := string(e.k)
		old, ok := pending[k]
		if !ok {
			old = s.sizes[k]
		}
		total += int64(len(e.v)) - old
		pending[k] = int64(len(e.v))
	}
	if s.maxBytes > 0 && total > s.maxBytes {
		return fmt.Errorf("%w: %s would grow to %d of %d bytes", ErrQuotaExceeded, c.name, total, s.maxBytes)
	}

	batch := new(leveldb.Batch)
	batch.Put(markerKey(c.name), markerValue())
	for _, e := range enc {
		batch.Put(e.k, e.v)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	for k, sz := range pending {
		s.sizes[k] = sz
	}
	s.total = total
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey(c.name, key)
	sz, ok := s.sizes[string(k)]
	if !ok {
		return false, nil
	}
	if err := s.db.Delete(k, nil); err != nil {
		return false, err
	}
	s.total -= sz
	delete(s.sizes, string(k))
	return true, nil
}

// Keys lists the cache keys in key order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := entryPrefix(c.name)
	it := c.s.db.NewIterator(util.BytesPrefix(p), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key()[len(p):]))
	}
	return out, it.Error()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
