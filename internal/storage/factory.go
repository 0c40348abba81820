package storage

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vitaliisemenov/spsync/internal/storage/flatfile"
	"github.com/vitaliisemenov/spsync/internal/storage/postgres"
	"github.com/vitaliisemenov/spsync/internal/storage/sqlite"
)

// Options selects and configures a Local Store backend.
type Options struct {
	Backend string // BackendSQLite | BackendPostgres | BackendFlatFile

	// SQLite / flat-file
	Path string

	// Postgres
	DSN string

	Logger *slog.Logger
}

// NewStore constructs the configured Local Store backend behind the shared
// LocalStore interface, keyed directly on backend name.
func NewStore(ctx context.Context, opts Options) (LocalStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Backend {
	case BackendSQLite, "":
		store, err := sqlite.New(ctx, opts.Path, logger)
		if err != nil {
			return nil, &ErrStorageInitFailed{Backend: BackendSQLite, Cause: err}
		}
		return Instrument(BackendSQLite, store), nil
	case BackendPostgres:
		pool, err := pgxpool.New(ctx, opts.DSN)
		if err != nil {
			return nil, &ErrConnectionFailed{Backend: BackendPostgres, Cause: err}
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, &ErrConnectionFailed{Backend: BackendPostgres, Cause: err}
		}
		store, err := postgres.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, &ErrStorageInitFailed{Backend: BackendPostgres, Cause: err}
		}
		return Instrument(BackendPostgres, store), nil
	case BackendFlatFile:
		store, err := flatfile.New(opts.Path, logger)
		if err != nil {
			return nil, &ErrStorageInitFailed{Backend: BackendFlatFile, Cause: err}
		}
		return Instrument(BackendFlatFile, store), nil
	default:
		return nil, &ErrInvalidBackend{Backend: opts.Backend}
	}
}
