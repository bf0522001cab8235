package contextstore

import (
	"context"
	"strings"
)

// NewStore picks postgres when a database URL is configured, the file layout
// under dir otherwise, and memory when neither is set. opts only apply to
// the file layout.
func NewStore(ctx context.Context, databaseURL, dir string, opts ...FileOption) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(dir) == "" {
		return NewInMemoryStore(), nil
	}
	return NewFileStore(dir, opts...)
}
