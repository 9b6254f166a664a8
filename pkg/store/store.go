// Package store provides the narrow durable key-value interface the runtime
// persists checkpoints and evidence bundles through. Any store that can
// save and load a blob by key satisfies it; backends here cover in-memory
// (tests), SQLite (single node), Postgres (shared), and Redis (ephemeral
// coordination).
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no blob exists under the key.
var ErrNotFound = errors.New("store: key not found")

// KV is the persistence contract for checkpoints and evidence bundles.
type KV interface {
	Save(ctx context.Context, key string, blob []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
