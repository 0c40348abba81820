// Package facade exposes a single thread-safe entrypoint binding the Local
// Store, Remote Connector, Configuration Manager, and Sync Engine behind
// one lifecycle: open, ensure configuration, sync, and local read/write
// primitives that enqueue outbound changes.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/spsync/internal/configmgr"
	"github.com/vitaliisemenov/spsync/internal/connector"
	"github.com/vitaliisemenov/spsync/internal/domain"
	"github.com/vitaliisemenov/spsync/internal/storage"
	"github.com/vitaliisemenov/spsync/internal/synclock"
	"github.com/vitaliisemenov/spsync/internal/syncengine"
)

// Facade is the single entrypoint an application host drives: it owns the
// local store, talks to the remote connector through the Sync Engine, and
// serializes per-entity sync via a TableLock.
type Facade struct {
	store   storage.LocalStore
	conn    connector.Connector
	config  *configmgr.Manager
	engine  *syncengine.Engine
	lock    synclock.TableLock
	logger  *slog.Logger
	appId   string
}

// New builds a Facade over an already-constructed store and connector. If
// lock is nil, an in-process TableLock is used (the spec-mandated default).
func New(store storage.LocalStore, conn connector.Connector, appId string, lock synclock.TableLock, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	if lock == nil {
		lock = synclock.NewInProcess()
	}
	return &Facade{
		store:  store,
		conn:   conn,
		config: configmgr.New(store, conn, configmgr.WithLogger(logger)),
		engine: syncengine.New(store, store, conn, logger),
		lock:   lock,
		logger: logger,
		appId:  appId,
	}
}

// Initialize opens the store's schema and ensures the local table catalog
// is at least as new as what the server currently advertises.
func (f *Facade) Initialize(ctx context.Context) error {
	if err := f.store.InitializeSchema(ctx); err != nil {
		return fmt.Errorf("initialize local store schema: %w", err)
	}
	_, err := f.EnsureConfig(ctx)
	return err
}

// EnsureConfig delegates to the Configuration Manager.
func (f *Facade) EnsureConfig(ctx context.Context) (domain.LocalConfig, error) {
	return f.config.Refresh(ctx, f.appId)
}

// SyncOnOpen drains the global outbox once, then pulls every OnOpen table
// in priority order.
func (f *Facade) SyncOnOpen(ctx context.Context) error {
	cfg, err := f.EnsureConfig(ctx)
	if err != nil {
		return err
	}
	if err := f.drainOutbox(ctx, cfg); err != nil {
		return err
	}
	for _, t := range cfg.Tables {
		if !t.Enabled || t.SyncPolicy != domain.SyncOnOpen {
			continue
		}
		if err := f.syncDownLocked(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// SyncAll drains the global outbox once, then pulls every Enabled table in
// priority order, regardless of SyncPolicy (except Never).
func (f *Facade) SyncAll(ctx context.Context) error {
	cfg, err := f.EnsureConfig(ctx)
	if err != nil {
		return err
	}
	if err := f.drainOutbox(ctx, cfg); err != nil {
		return err
	}
	for _, t := range cfg.Tables {
		if !t.Enabled || t.SyncPolicy == domain.SyncNever {
			continue
		}
		if err := f.syncDownLocked(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// SyncTable drains the global outbox once, then pulls one entity,
// serialized behind its table lock so two overlapping calls for the same
// entity never race.
func (f *Facade) SyncTable(ctx context.Context, entityName string) error {
	cfg, err := f.EnsureConfig(ctx)
	if err != nil {
		return err
	}
	table, ok := cfg.TableByName(entityName)
	if !ok {
		return fmt.Errorf("unknown entity %q: not present in local configuration", entityName)
	}
	if err := f.drainOutbox(ctx, cfg); err != nil {
		return err
	}
	return f.syncDownLocked(ctx, table)
}

// DrainOutbox pushes every pending outbox row to the remote store, in
// global FIFO order across every known entity, without following up with a
// pull — for operators who want to flush local writes without also
// rewriting the mirror from the server.
func (f *Facade) DrainOutbox(ctx context.Context) error {
	cfg, err := f.EnsureConfig(ctx)
	if err != nil {
		return err
	}
	return f.drainOutbox(ctx, cfg)
}

// drainOutbox runs one global Sync Engine push over the whole outbox,
// acquiring f.lock once per row for the row's own entity so distinct
// entities never block each other and a concurrent per-entity sync can
// never race a row in flight here.
func (f *Facade) drainOutbox(ctx context.Context, cfg domain.LocalConfig) error {
	acquire := func(ctx context.Context, entityName string) (func(), error) {
		unlock, err := f.lock.Lock(ctx, entityName)
		if err != nil {
			return nil, err
		}
		return func() { unlock() }, nil
	}
	if err := f.engine.SyncUp(ctx, cfg, acquire); err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}
	return nil
}

// syncDownLocked acquires table's per-entity lock and pulls it. Locked
// separately from drainOutbox since the outbox drain already released each
// row's lock as soon as that row was pushed.
func (f *Facade) syncDownLocked(ctx context.Context, table domain.AppTableConfig) error {
	unlock, err := f.lock.Lock(ctx, table.EntityName)
	if err != nil {
		return fmt.Errorf("acquire table lock for %s: %w", table.EntityName, err)
	}
	defer unlock()

	if err := f.engine.SyncDown(ctx, table); err != nil {
		return fmt.Errorf("sync down %s: %w", table.EntityName, err)
	}
	return nil
}

// UpsertLocalAndEnqueueInsert merges fields into the mirror row (creating it
// if absent) and enqueues an Insert outbox row.
func (f *Facade) UpsertLocalAndEnqueueInsert(ctx context.Context, entityName, appPK string, fields map[string]any) error {
	return f.upsertLocalAndEnqueue(ctx, entityName, appPK, fields, domain.OpInsert)
}

// UpsertLocalAndEnqueueUpdate merges fields into the existing mirror row and
// enqueues an Update outbox row.
func (f *Facade) UpsertLocalAndEnqueueUpdate(ctx context.Context, entityName, appPK string, fields map[string]any) error {
	return f.upsertLocalAndEnqueue(ctx, entityName, appPK, fields, domain.OpUpdate)
}

func (f *Facade) upsertLocalAndEnqueue(ctx context.Context, entityName, appPK string, fields map[string]any, op domain.ChangeOperation) error {
	table, err := f.tableConfig(ctx, entityName)
	if err != nil {
		return err
	}

	clean := domain.SanitizeFields(fields, table.PkInternalName, table.SelectFields)

	existing, _, err := f.store.GetEntity(ctx, entityName, appPK)
	if err != nil {
		return fmt.Errorf("load existing mirror row: %w", err)
	}
	merged := make(map[string]any, len(existing.Fields)+len(clean))
	for k, v := range existing.Fields {
		merged[k] = v
	}
	for k, v := range clean {
		merged[k] = v
	}
	if err := f.store.UpsertEntity(ctx, entityName, appPK, merged, existing.System); err != nil {
		return fmt.Errorf("upsert local mirror row: %w", err)
	}

	payload, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = f.store.EnqueueChange(ctx, domain.ChangeLogEntry{
		EntityName:  entityName,
		AppPK:       appPK,
		Operation:   op,
		PayloadJson: string(payload),
	})
	if err != nil {
		return fmt.Errorf("enqueue outbox row: %w", err)
	}
	return nil
}

// MarkLocalDeletedAndEnqueueSoftDelete tombstones the mirror row and
// enqueues a SoftDelete outbox row.
func (f *Facade) MarkLocalDeletedAndEnqueueSoftDelete(ctx context.Context, entityName, appPK string) error {
	if _, err := f.tableConfig(ctx, entityName); err != nil {
		return err
	}

	existing, _, err := f.store.GetEntity(ctx, entityName, appPK)
	if err != nil {
		return fmt.Errorf("load existing mirror row: %w", err)
	}
	now := time.Now().UTC()
	existing.System.IsDeleted = true
	existing.System.DeletedAtUtc = &now
	if err := f.store.UpsertEntity(ctx, entityName, appPK, existing.Fields, existing.System); err != nil {
		return fmt.Errorf("tombstone local mirror row: %w", err)
	}

	_, err = f.store.EnqueueChange(ctx, domain.ChangeLogEntry{
		EntityName: entityName,
		AppPK:      appPK,
		Operation:  domain.OpSoftDelete,
	})
	if err != nil {
		return fmt.Errorf("enqueue outbox row: %w", err)
	}
	return nil
}

func (f *Facade) tableConfig(ctx context.Context, entityName string) (domain.AppTableConfig, error) {
	if cached, ok := f.config.CachedTable(entityName); ok {
		return cached, nil
	}
	cfg, err := f.EnsureConfig(ctx)
	if err != nil {
		return domain.AppTableConfig{}, err
	}
	table, ok := cfg.TableByName(entityName)
	if !ok {
		return domain.AppTableConfig{}, fmt.Errorf("unknown entity %q: not present in local configuration", entityName)
	}
	return table, nil
}

// StatusSnapshot is the diagnostics view of engine health returned by
// Status.
type StatusSnapshot struct {
	OutboxDepth     map[domain.ChangeStatus]int     `json:"outboxDepth"`
	SyncStates      map[string]domain.SyncState     `json:"syncStates"`
	RecentConflicts []domain.ConflictLogEntry       `json:"recentConflicts"`
}

// Status returns a point-in-time snapshot consumed by the diagnostics HTTP
// surface.
func (f *Facade) Status(ctx context.Context, cfg domain.LocalConfig, recentConflictsLimit int) (StatusSnapshot, error) {
	depth, err := f.store.OutboxDepth(ctx)
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("load outbox depth: %w", err)
	}
	conflicts, err := f.store.GetRecentConflicts(ctx, recentConflictsLimit)
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("load recent conflicts: %w", err)
	}
	states := make(map[string]domain.SyncState, len(cfg.Tables))
	for _, t := range cfg.Tables {
		state, ok, err := f.store.GetSyncState(ctx, t.EntityName)
		if err != nil {
			return StatusSnapshot{}, fmt.Errorf("load sync state for %s: %w", t.EntityName, err)
		}
		if ok {
			states[t.EntityName] = state
		}
	}
	return StatusSnapshot{OutboxDepth: depth, SyncStates: states, RecentConflicts: conflicts}, nil
}

// Close releases the underlying store's resources.
func (f *Facade) Close() error {
	return f.store.Close()
}
