package core

import "context"

// KV is a versioned key/value store with compare-and-set semantics. It is
// the persistence primitive underneath the session store; implementations
// range from an in-memory map to SQLite.
//
// Versions start at 1 on create and increment by one per successful Put.
// An expected version of 0 means "create": the Put fails with
// ErrAlreadyExists if the key is present. Any other expected version must
// match the stored version exactly or the Put fails with a
// VersionConflictError carrying the actual version.
type KV interface {
	// Get returns the stored value and its current version.
	// ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (value []byte, version int64, err error)
	// Put stores value if the current version matches expected and returns
	// the new version.
	Put(ctx context.Context, key string, expected int64, value []byte) (int64, error)
	// Delete removes the key if the current version matches expected.
	Delete(ctx context.Context, key string, expected int64) error
	// Keys returns all keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
