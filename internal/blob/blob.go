// Package blob stores encrypted media payloads keyed by generated file id.
package blob

import (
	"context"
	"errors"
)

// ErrNotExist is returned by Get when no blob is stored under the key.
var ErrNotExist = errors.New("blob does not exist")

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
