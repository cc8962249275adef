package history

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// NewStore picks a backend from databaseURL: empty selects the in-memory
// store, postgres:// or postgresql:// selects PostgreSQL, and sqlite://<path>
// or a file: DSN selects SQLite.
func NewStore(ctx context.Context, databaseURL string, opts Options) (Store, error) {
	dsn := strings.TrimSpace(databaseURL)
	switch {
	case dsn == "":
		return NewInMemoryStore(opts), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := NewPostgresStore(ctx, dsn, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		s, err := NewSQLiteStore(ctx, strings.TrimPrefix(dsn, "sqlite://"), opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, goerr.New("unsupported DATABASE_URL scheme", goerr.V("url", redactDSN(dsn)))
	}
}

// redactDSN keeps the scheme only so credentials never reach logs.
func redactDSN(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme + "://…"
	}
	return "…"
}

// Backend names the implementation behind s for health output.
func Backend(s Store) string {
	switch s.(type) {
	case *InMemoryStore:
		return "memory"
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	default:
		return "custom"
	}
}
