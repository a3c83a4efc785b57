package store

import (
	"context"
	"errors"
)

// Bucket selects a logical partition of the key/value substrate.
type Bucket string

const (
	// BucketPlain holds non-sensitive data: queues and settings.
	BucketPlain Bucket = "plain"
	// BucketSecure holds sealed values only; nothing in it is readable without the data key.
	BucketSecure Bucket = "secure"
)

// ErrNotFound is returned by backends when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Backend is the durable key/value substrate underneath Store.
// Implementations must be safe for concurrent use.
type Backend interface {
	Name() string
	Get(ctx context.Context, bucket Bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket Bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket Bucket, key string) error
	Keys(ctx context.Context, bucket Bucket, prefix string) ([]string, error)
	Close() error
}
