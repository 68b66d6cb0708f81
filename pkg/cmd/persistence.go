// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nexia/flowengine/pkg/persistence"
	"github.com/nexia/flowengine/pkg/persistence/file"
	"github.com/nexia/flowengine/pkg/persistence/postgresql"
	"github.com/nexia/flowengine/pkg/persistence/redis"
	"github.com/nexia/flowengine/pkg/persistence/sqlite"
)

var supportedPersistenceProviders = []string{"file", "postgresql", "sqlite", "redis"}

// NewPersistence opens the store named by the scheme of databaseURL.
// Anything without a known scheme is a file store root directory.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	logger.InfoContext(ctx, "opening persistence", "provider", provider)

	switch provider {
	case "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "sqlite":
		return sqlite.NewPersistence(ctx, logger, databaseURL)
	case "redis":
		return redis.NewPersistence(ctx, databaseURL)
	default:
		p := file.NewPersistence(databaseURL)

		err := p.HealthCheck(ctx)
		if err != nil {
			return nil, fmt.Errorf("open file persistence: %w", err)
		}

		return p, nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	switch scheme {
	case "postgres":
		return "postgresql"
	case "rediss":
		return "redis"
	}

	for _, supported := range supportedPersistenceProviders {
		if scheme == supported {
			return scheme
		}
	}

	return "file"
}
