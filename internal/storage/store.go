// Package storage defines the Local Store contract: durable config,
// sync-state, outbox, conflict-log, and per-entity mirror storage. Backends
// are interchangeable; this package only holds the interfaces, shared
// errors, and metrics common to all of them.
package storage

import (
	"context"
	"time"

	"github.com/vitaliisemenov/spsync/internal/domain"
)

// CoreStore is the non-mirror half of the Local Store: config, sync state,
// outbox, and conflict log. Split out from MirrorStore so the Sync Engine
// can depend on two narrow traits rather than one God interface.
type CoreStore interface {
	InitializeSchema(ctx context.Context) error

	GetLocalConfig(ctx context.Context, appId string) (domain.LocalConfig, bool, error)
	SaveLocalConfig(ctx context.Context, cfg domain.LocalConfig) error

	GetSyncState(ctx context.Context, entityName string) (domain.SyncState, bool, error)
	SaveSyncState(ctx context.Context, state domain.SyncState) error

	EnqueueChange(ctx context.Context, entry domain.ChangeLogEntry) (int64, error)
	GetPendingChanges(ctx context.Context, entityName string, limit int) ([]domain.ChangeLogEntry, error)
	MarkChangeApplied(ctx context.Context, id int64, appliedUtc time.Time) error
	MarkChangeFailed(ctx context.Context, id int64, lastError string) error
	MarkChangeConflicted(ctx context.Context, id int64, lastError string) error

	LogConflict(ctx context.Context, entry domain.ConflictLogEntry) error
	GetRecentConflicts(ctx context.Context, limit int) ([]domain.ConflictLogEntry, error)

	// OutboxDepth returns the count of rows per status, for diagnostics.
	OutboxDepth(ctx context.Context) (map[domain.ChangeStatus]int, error)
}

// MirrorStore is the per-entity row storage half of the Local Store.
type MirrorStore interface {
	EnsureEntitySchema(ctx context.Context, table domain.AppTableConfig) error
	UpsertEntity(ctx context.Context, entityName, appPK string, fields map[string]any, system domain.MirrorSystemFields) error
	GetEntity(ctx context.Context, entityName, appPK string) (domain.MirrorRow, bool, error)
}

// LocalStore is the full Local Store contract; every backend in this
// package implements it.
type LocalStore interface {
	CoreStore
	MirrorStore
	Close() error
}

// Backend names used for config selection and metric labels.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendFlatFile = "flatfile"
)
