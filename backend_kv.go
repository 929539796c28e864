package pathkv

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

const (
	dataBucket  = "data"
	indexBucket = "index"
)

var emptyIndexValue = []byte{}

// Stored values carry a one-byte header so that an empty leaf is never a
// zero-length value, which some stores cannot tell apart from a missing key.
const valueHeaderV1 byte = 1

func encodeStoredValue(value string) []byte {
	buf := make([]byte, 0, 1+len(value))
	buf = append(buf, valueHeaderV1)
	return append(buf, value...)
}

func decodeStoredValue(raw []byte) (string, error) {
	if len(raw) == 0 || raw[0] != valueHeaderV1 {
		return "", dataErrf(bytes.Clone(raw), 0, nil, "invalid stored value header")
	}
	return string(raw[1:]), nil
}

// KVBackend implements Backend on top of an ordered bucket store: values live
// in the "data" bucket and the index is the "index" bucket with empty values.
// Each call runs in its own storage transaction.
type KVBackend struct {
	st storage
}

var _ Backend = (*KVBackend)(nil)

type BoltOptions struct {
	// Timeout for acquiring the file lock; zero means 10 seconds.
	Timeout time.Duration

	// IsTesting disables fsync and uses a small initial mmap.
	IsTesting bool

	MmapSize int
	FileMode os.FileMode
}

// OpenBolt opens (creating if needed) a Bolt database file.
func OpenBolt(path string, opt BoltOptions) (*KVBackend, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}
	mode := opt.FileMode
	if mode == 0 {
		mode = 0666
	}

	bdb, err := bbolt.Open(path, mode, &bopt)
	if err != nil {
		return nil, fmt.Errorf("pathkv: %w", err)
	}
	b, err := newKVBackend(newBoltStorage(bdb))
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return b, nil
}

// NewMemoryBackend returns a transient in-memory backend, mostly for tests.
// Each write copies the bucket it touches, so it suits small data sets only.
func NewMemoryBackend() *KVBackend {
	return must(newKVBackend(newMemStorage()))
}

func newKVBackend(st storage) (*KVBackend, error) {
	b := &KVBackend{st: st}
	err := b.update(func(tx storageTx) error {
		for _, name := range []string{dataBucket, indexBucket} {
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pathkv: preparing buckets: %w", err)
	}
	return b, nil
}

func (b *KVBackend) update(f func(tx storageTx) error) error {
	tx, err := b.st.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *KVBackend) view(f func(tx storageTx) error) error {
	tx, err := b.st.BeginTx(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

func bucketIn(tx storageTx, name string) (storageBucket, error) {
	buck := tx.Bucket(name)
	if buck == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return buck, nil
}

func (b *KVBackend) Put(ctx context.Context, key, value string) error {
	return b.update(func(tx storageTx) error {
		buck, err := bucketIn(tx, dataBucket)
		if err != nil {
			return err
		}
		return buck.Put([]byte(key), encodeStoredValue(value))
	})
}

func (b *KVBackend) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = b.view(func(tx storageTx) error {
		buck, err := bucketIn(tx, dataBucket)
		if err != nil {
			return err
		}
		raw := buck.Get([]byte(key))
		if raw == nil {
			return nil
		}
		value, err = decodeStoredValue(raw)
		ok = err == nil
		return err
	})
	return
}

func (b *KVBackend) Delete(ctx context.Context, key string) error {
	return b.update(func(tx storageTx) error {
		buck, err := bucketIn(tx, dataBucket)
		if err != nil {
			return err
		}
		return buck.Delete([]byte(key))
	})
}

func (b *KVBackend) IndexAdd(ctx context.Context, key string) error {
	return b.update(func(tx storageTx) error {
		buck, err := bucketIn(tx, indexBucket)
		if err != nil {
			return err
		}
		return buck.Put([]byte(key), emptyIndexValue)
	})
}

func (b *KVBackend) IndexRemove(ctx context.Context, key string) error {
	return b.update(func(tx storageTx) error {
		buck, err := bucketIn(tx, indexBucket)
		if err != nil {
			return err
		}
		return buck.Delete([]byte(key))
	})
}

func (b *KVBackend) IndexContains(ctx context.Context, key string) (found bool, err error) {
	err = b.view(func(tx storageTx) error {
		buck, err := bucketIn(tx, indexBucket)
		if err != nil {
			return err
		}
		found = buck.Get([]byte(key)) != nil
		return nil
	})
	return
}

func (b *KVBackend) KeysByPrefix(ctx context.Context, prefix string) (keys []string, err error) {
	err = b.view(func(tx storageTx) error {
		buck, err := bucketIn(tx, dataBucket)
		if err != nil {
			return err
		}
		p := []byte(prefix)
		c := buck.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return
}

// IndexKeys lists the index, for diagnostics and consistency checks.
func (b *KVBackend) IndexKeys(ctx context.Context) (keys []string, err error) {
	err = b.view(func(tx storageTx) error {
		buck, err := bucketIn(tx, indexBucket)
		if err != nil {
			return err
		}
		keys = make([]string, 0, buck.KeyCount())
		c := buck.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return
}

func (b *KVBackend) Close() error {
	return b.st.Close()
}
