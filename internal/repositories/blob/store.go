// Package blob provides the key-value blob store the kernel persists
// through. It is the only durability primitive: opaque values addressed by
// string keys, with no transactions and no schema. All structure (content
// envelopes, indexes, session records) is enforced by the layers above.
package blob

import "context"

// Store is the persistence boundary. An absent key is reported as
// (nil, nil) from Get, never as an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
