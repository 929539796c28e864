package pathkv

import "context"

// Backend is the key-value substrate the store is built on. Every method is a
// single-key command; nothing is atomic across calls. Implementations must be
// safe for concurrent use, and any timeout or retry policy is theirs.
type Backend interface {
	Put(ctx context.Context, key, value string) error

	// Get returns ok == false if the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	Delete(ctx context.Context, key string) error

	// IndexAdd, IndexRemove and IndexContains maintain the ordered index of
	// live keys. The index is the existence oracle: an empty value is a valid
	// leaf, so value lookups cannot tell absence apart.
	IndexAdd(ctx context.Context, key string) error
	IndexRemove(ctx context.Context, key string) error
	IndexContains(ctx context.Context, key string) (bool, error)

	// KeysByPrefix lists stored keys starting with prefix, in ascending order.
	// An empty prefix lists everything.
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
