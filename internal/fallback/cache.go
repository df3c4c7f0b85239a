package fallback

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"sort"
	"sync"
	"time"

	"fallback/internal/codec"
	"fallback/internal/kv"
)

// Durable key layout. Queue keys live under their own prefix in the same
// store.
var (
	cacheEntryPrefix = []byte("ce:")
	cacheMetaPrefix  = []byte("cm:")
)

// responseCache maps request fingerprints to the last successful response.
// A size-bounded RAM LRU sits in front of the durable store. Every Put goes to
// both tiers; the durable write is asynchronous and best effort.
type responseCache struct {
	ram    *ramCache
	disk   *diskCache
	maxAge time.Duration

	// clearMu is held exclusively by Clear; promotions and Puts hold it
	// shared so none can refill RAM from a tier that is being wiped.
	clearMu sync.RWMutex
}

func newResponseCache(store kv.Store, ramMax, diskMax int64, compression codec.Compression, maxAge time.Duration, warn *rateLimitedLogger) (*responseCache, error) {
	disk, err := newDiskCache(store, diskMax, compression, warn)
	if err != nil {
		return nil, err
	}
	return &responseCache{
		ram:    newRAMCache(ramMax),
		disk:   disk,
		maxAge: maxAge,
	}, nil
}

func (c *responseCache) Get(key string) (CacheEntry, bool) {
	ent, ok := c.ram.Get(key)
	if !ok {
		if ent, ok = c.promote(key); !ok {
			return CacheEntry{}, false
		}
	}
	if c.maxAge > 0 && time.Since(time.Unix(ent.StoredAt, 0)) > c.maxAge {
		return CacheEntry{}, false
	}
	return ent, true
}

func (c *responseCache) promote(key string) (CacheEntry, bool) {
	c.clearMu.RLock()
	defer c.clearMu.RUnlock()
	ent, ok := c.disk.Get(key)
	if ok {
		c.ram.Put(key, ent)
	}
	return ent, ok
}

func (c *responseCache) Put(key string, ent CacheEntry) {
	c.clearMu.RLock()
	defer c.clearMu.RUnlock()
	if ent.StoredAt == 0 {
		ent.StoredAt = time.Now().Unix()
	}
	if ent.Hash32 == 0 {
		ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
	}
	c.ram.Put(key, ent)
	c.disk.PutAsync(key, ent)
}

// Clear drops every entry from both tiers and waits until the durable tier is
// empty. Puts issued before Clear are wiped as well.
func (c *responseCache) Clear() error {
	c.clearMu.Lock()
	defer c.clearMu.Unlock()
	err := c.disk.Clear()
	c.ram.Clear()
	return err
}

// Len counts durable entries. Entries whose durable write failed are not
// counted.
func (c *responseCache) Len() int { return c.disk.KeyCount() }

func (c *responseCache) RAMSize() int64  { return c.ram.TotalSize() }
func (c *responseCache) DiskSize() int64 { return c.disk.TotalSize() }

func (c *responseCache) close() { c.disk.close() }

// flush blocks until every durable write queued so far is applied.
func (c *responseCache) flush() { c.disk.flush() }

// ---- disk cache ----

// diskRecord is the stored form of a CacheEntry.
type diskRecord struct {
	Status      int               `cbor:"status"`
	Header      http.Header       `cbor:"header"`
	Body        []byte            `cbor:"body"`
	Compression codec.Compression `cbor:"compression"`
	RawSize     int               `cbor:"raw_size"`
	StoredAt    int64             `cbor:"stored_at"`
	Hash32      uint32            `cbor:"hash32"`
}

type diskMeta struct {
	Size       int64 `cbor:"size"`
	LastAccess int64 `cbor:"last_access"`
}

type diskOpKind int

const (
	diskOpPut diskOpKind = iota
	diskOpTouch
	diskOpDelete
	diskOpClear
	diskOpFlush
)

type diskOp struct {
	kind diskOpKind
	key  string
	ent  *CacheEntry

	// done receives the outcome of clear and flush ops.
	done chan error
}

type diskCache struct {
	maxBytes    int64
	compression codec.Compression

	store kv.Store
	warn  *rateLimitedLogger

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	ops    chan diskOp
	stopCh chan struct{}
	done   chan struct{}
}

func newDiskCache(store kv.Store, maxBytes int64, compression codec.Compression, warn *rateLimitedLogger) (*diskCache, error) {
	d := &diskCache{
		maxBytes:    maxBytes,
		compression: compression,
		store:       store,
		warn:        warn,
		index:       map[string]diskMeta{},
		ops:         make(chan diskOp, 1024),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		return nil, fmt.Errorf("load cache index: %w", err)
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) loadIndex() error {
	var total int64
	idx := map[string]diskMeta{}
	err := d.store.Iterate(cacheMetaPrefix, func(k, v []byte) error {
		key := string(bytes.TrimPrefix(k, cacheMetaPrefix))
		var meta diskMeta
		if err := codec.Unmarshal(v, &meta); err != nil {
			return nil
		}
		idx[key] = meta
		total += meta.Size
		return nil
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) close() {
	close(d.stopCh)
	<-d.done
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskCache) Peek(key string) (CacheEntry, bool) {
	b, err := d.store.Get(entryKey(key))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			d.warn.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return CacheEntry{}, false
	}
	ent, err := decodeDiskRecord(b)
	if err != nil {
		d.warn.Warn().Err(err).Str("key", key).Msg("cache record unreadable")
		return CacheEntry{}, false
	}
	return ent, true
}

func (d *diskCache) Get(key string) (CacheEntry, bool) {
	ent, ok := d.Peek(key)
	if !ok {
		return CacheEntry{}, false
	}
	d.mu.Lock()
	meta, exists := d.index[key]
	if exists {
		meta.LastAccess = time.Now().Unix()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if exists {
		// Access times are advisory; drop the touch when the writer is busy.
		select {
		case d.ops <- diskOp{kind: diskOpTouch, key: key}:
		default:
		}
	}
	return ent, true
}

func (d *diskCache) PutAsync(key string, ent CacheEntry) {
	clone := ent
	d.send(diskOp{kind: diskOpPut, key: key, ent: &clone})
}

func (d *diskCache) Delete(key string) {
	d.send(diskOp{kind: diskOpDelete, key: key})
}

func (d *diskCache) Clear() error {
	return d.wait(diskOpClear)
}

func (d *diskCache) flush() {
	_ = d.wait(diskOpFlush)
}

func (d *diskCache) send(op diskOp) bool {
	select {
	case d.ops <- op:
		return true
	case <-d.stopCh:
		return false
	}
}

func (d *diskCache) wait(kind diskOpKind) error {
	done := make(chan error, 1)
	if !d.send(diskOp{kind: kind, done: done}) {
		return errors.New("cache closed")
	}
	select {
	case err := <-done:
		return err
	case <-d.done:
		select {
		case err := <-done:
			return err
		default:
			return errors.New("cache closed")
		}
	}
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	for {
		select {
		case op := <-d.ops:
			d.apply(op)
		case <-d.stopCh:
			// Apply what was already queued, then exit.
			for {
				select {
				case op := <-d.ops:
					d.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (d *diskCache) apply(op diskOp) {
	switch op.kind {
	case diskOpPut:
		d.applyPut(op.key, *op.ent)
	case diskOpTouch:
		d.applyTouch(op.key)
	case diskOpDelete:
		if err := d.applyDelete(op.key); err != nil {
			d.warn.Warn().Err(err).Str("key", op.key).Msg("cache delete failed")
		}
	case diskOpClear:
		op.done <- d.applyClear()
	case diskOpFlush:
		op.done <- nil
	}
}

func (d *diskCache) applyPut(key string, ent CacheEntry) {
	b, err := encodeDiskRecord(ent, d.compression)
	if err != nil {
		d.warn.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := codec.Marshal(meta)
	if err != nil {
		d.warn.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}

	batch := new(kv.Batch)
	batch.Put(entryKey(key), b)
	batch.Put(metaKey(key), mb)
	if err := d.store.Write(batch, false); err != nil {
		d.warn.Warn().Err(err).Str("key", key).Msg("cache write failed")
		return
	}

	d.mu.Lock()
	if old, ok := d.index[key]; ok {
		d.totalSize -= old.Size
	}
	d.index[key] = meta
	d.totalSize += meta.Size
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome()
	}
}

func (d *diskCache) applyTouch(key string) {
	d.mu.Lock()
	meta, ok := d.index[key]
	d.mu.Unlock()
	if !ok {
		return
	}
	mb, err := codec.Marshal(meta)
	if err != nil {
		return
	}
	batch := new(kv.Batch)
	batch.Put(metaKey(key), mb)
	_ = d.store.Write(batch, false)
}

func (d *diskCache) applyDelete(key string) error {
	batch := new(kv.Batch)
	batch.Delete(entryKey(key))
	batch.Delete(metaKey(key))
	if err := d.store.Write(batch, false); err != nil {
		return err
	}

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
	return nil
}

func (d *diskCache) applyClear() error {
	if _, err := kv.DeletePrefix(d.store, cacheEntryPrefix, true); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}
	if _, err := kv.DeletePrefix(d.store, cacheMetaPrefix, true); err != nil {
		return fmt.Errorf("clear cache index: %w", err)
	}
	d.mu.Lock()
	d.index = map[string]diskMeta{}
	d.totalSize = 0
	d.mu.Unlock()
	return nil
}

// evictSome drops the least recently used 10% of entries.
func (d *diskCache) evictSome() {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		if err := d.applyDelete(items[i].key); err != nil {
			d.warn.Warn().Err(err).Str("key", items[i].key).Msg("cache eviction failed")
		}
	}
}

func entryKey(key string) []byte { return append(append([]byte{}, cacheEntryPrefix...), key...) }
func metaKey(key string) []byte  { return append(append([]byte{}, cacheMetaPrefix...), key...) }

func encodeDiskRecord(ent CacheEntry, preferred codec.Compression) ([]byte, error) {
	body, tag, err := codec.Compress(ent.Body, preferred)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(diskRecord{
		Status:      ent.Status,
		Header:      ent.Header,
		Body:        body,
		Compression: tag,
		RawSize:     len(ent.Body),
		StoredAt:    ent.StoredAt,
		Hash32:      ent.Hash32,
	})
}

func decodeDiskRecord(b []byte) (CacheEntry, error) {
	var rec diskRecord
	if err := codec.Unmarshal(b, &rec); err != nil {
		return CacheEntry{}, err
	}
	body, err := codec.Decompress(rec.Body, rec.Compression, rec.RawSize)
	if err != nil {
		return CacheEntry{}, err
	}
	if crc32.ChecksumIEEE(body) != rec.Hash32 {
		return CacheEntry{}, errors.New("body checksum mismatch")
	}
	return CacheEntry{
		Status:   rec.Status,
		Header:   rec.Header,
		Body:     body,
		StoredAt: rec.StoredAt,
		Hash32:   rec.Hash32,
	}, nil
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU. Evicted entries are simply dropped: the
// durable tier already holds them.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Put(key string, ent CacheEntry) {
	sz := entrySize(ent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && sz > c.maxBytes {
		// Too big for RAM; drop any older copy so Get falls through to disk.
		if it, ok := c.items[key]; ok {
			c.removeLocked(it)
		}
		return
	}

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}

	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil && c.tail != c.head {
		c.removeLocked(c.tail)
	}
}

func (c *ramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]*ramItem{}
	c.head, c.tail = nil, nil
	c.total = 0
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
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

func (c *ramCache) remove(it *ramItem) {
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

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// entrySize approximates the memory held by ent.
func entrySize(ent CacheEntry) int64 {
	n := int64(len(ent.Body)) + 64
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}
