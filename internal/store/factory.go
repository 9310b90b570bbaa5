package store

import (
	"context"
	"strings"
)

// New creates a postgres-backed store when configured, otherwise in-memory.
func New(ctx context.Context, databaseURL string, defaults Defaults) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(defaults), nil
	}
	return NewPostgresStore(ctx, databaseURL, defaults)
}
