package pathkv

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"sync"
)

type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	closed  bool
	writer  bool
}

// newMemStorage returns a transient in-memory storage. Committed buckets are
// never mutated: a write transaction clones a bucket the first time it
// touches it, so readers can share the committed map without copying.
// Cloning is O(n) in the bucket size and KVBackend opens one transaction per
// call, so every write costs O(n) and storing n branches costs O(n²).
func newMemStorage() storage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, ErrClosed
		}
		s.writer = true
	}
	return &memTx{
		writable: writable,
		base:     s,
		buckets:  s.buckets,
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memBucket
	owned    map[string]bool
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

// own makes the bucket private to this transaction before a mutation. Only
// the first mutation of a bucket in a transaction copies it.
func (tx *memTx) own(name string) *memBucket {
	if tx.owned == nil {
		tx.owned = make(map[string]bool)
		tx.buckets = cloneBucketMap(tx.buckets)
	}
	b := tx.buckets[name]
	if !tx.owned[name] {
		b = b.clone()
		tx.buckets[name] = b
		tx.owned[name] = true
	}
	return b
}

func (tx *memTx) Bucket(name string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	if tx.buckets[name] == nil {
		return nil
	}
	return memBucketHandle{tx: tx, name: name}
}

func (tx *memTx) CreateBucket(name string) (storageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	if tx.buckets[name] == nil {
		tx.own(name)
	}
	return memBucketHandle{tx: tx, name: name}, nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return ErrClosed
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func cloneBucketMap(m map[string]*memBucket) map[string]*memBucket {
	out := make(map[string]*memBucket, len(m)+1)
	for k, b := range m {
		out[k] = b
	}
	return out
}

type memBucket struct {
	items []memKV // sorted by key
}

func (b *memBucket) clone() *memBucket {
	if b == nil {
		return &memBucket{}
	}
	return &memBucket{items: slices.Clone(b.items)}
}

func (b *memBucket) find(key []byte) (idx int, ok bool) {
	items := b.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

// memKV byte slices are never modified after insertion, so clones may share them.
type memKV struct {
	key   []byte
	value []byte
}

type memBucketHandle struct {
	tx   *memTx
	name string
}

func (b memBucketHandle) bucket() *memBucket {
	return b.tx.buckets[b.name]
}

func (b memBucketHandle) Get(key []byte) []byte {
	mb := b.bucket()
	i, ok := mb.find(key)
	if !ok {
		return nil
	}
	return mb.items[i].value
}

func (b memBucketHandle) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	mb := b.tx.own(b.name)
	kv := memKV{key: slices.Clone(key), value: slices.Clone(value)}
	if kv.value == nil {
		kv.value = []byte{}
	}
	i, ok := mb.find(key)
	if ok {
		mb.items[i] = kv
		return nil
	}
	mb.items = slices.Insert(mb.items, i, kv)
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if _, ok := b.bucket().find(key); !ok {
		return nil
	}
	mb := b.tx.own(b.name)
	i, _ := mb.find(key)
	mb.items = slices.Delete(mb.items, i, i+1)
	return nil
}

func (b memBucketHandle) Cursor() storageCursor {
	return &memCursor{b: b.bucket(), pos: -1}
}

func (b memBucketHandle) KeyCount() int { return len(b.bucket().items) }

// memCursor iterates over the bucket version current at creation time.
type memCursor struct {
	b   *memBucket
	pos int
}

func (c *memCursor) at(i int) ([]byte, []byte) {
	c.pos = i
	if i >= len(c.b.items) {
		return nil, nil
	}
	kv := c.b.items[i]
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) {
	return c.at(0)
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	i, _ := c.b.find(seek)
	return c.at(i)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos >= len(c.b.items) {
		return nil, nil
	}
	return c.at(c.pos + 1)
}
