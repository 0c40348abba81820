package storage

import (
	"context"
	"time"

	"github.com/vitaliisemenov/spsync/internal/domain"
)

// Instrument wraps a backend's LocalStore with the operation counter,
// duration histogram, and classified-error counter every backend method
// shares. NewStore applies this to whichever backend it constructs, so the
// instrumentation lives once in this package rather than duplicated across
// sqlite/postgres/flatfile.
func Instrument(backend string, inner LocalStore) LocalStore {
	return &instrumentedStore{backend: backend, inner: inner}
}

type instrumentedStore struct {
	backend string
	inner   LocalStore
}

func (s *instrumentedStore) observe(operation string, start time.Time, err error) {
	operationsTotal.WithLabelValues(s.backend, operation).Inc()
	operationDuration.WithLabelValues(s.backend, operation).Observe(time.Since(start).Seconds())
	if t := ClassifyError(err); t != "" {
		errorsTotal.WithLabelValues(s.backend, operation, t).Inc()
	}
}

func (s *instrumentedStore) InitializeSchema(ctx context.Context) error {
	start := time.Now()
	err := s.inner.InitializeSchema(ctx)
	s.observe("InitializeSchema", start, err)
	return err
}

func (s *instrumentedStore) GetLocalConfig(ctx context.Context, appId string) (domain.LocalConfig, bool, error) {
	start := time.Now()
	cfg, ok, err := s.inner.GetLocalConfig(ctx, appId)
	s.observe("GetLocalConfig", start, err)
	return cfg, ok, err
}

func (s *instrumentedStore) SaveLocalConfig(ctx context.Context, cfg domain.LocalConfig) error {
	start := time.Now()
	err := s.inner.SaveLocalConfig(ctx, cfg)
	s.observe("SaveLocalConfig", start, err)
	return err
}

func (s *instrumentedStore) GetSyncState(ctx context.Context, entityName string) (domain.SyncState, bool, error) {
	start := time.Now()
	state, ok, err := s.inner.GetSyncState(ctx, entityName)
	s.observe("GetSyncState", start, err)
	return state, ok, err
}

func (s *instrumentedStore) SaveSyncState(ctx context.Context, state domain.SyncState) error {
	start := time.Now()
	err := s.inner.SaveSyncState(ctx, state)
	s.observe("SaveSyncState", start, err)
	return err
}

func (s *instrumentedStore) EnqueueChange(ctx context.Context, entry domain.ChangeLogEntry) (int64, error) {
	start := time.Now()
	id, err := s.inner.EnqueueChange(ctx, entry)
	s.observe("EnqueueChange", start, err)
	return id, err
}

func (s *instrumentedStore) GetPendingChanges(ctx context.Context, entityName string, limit int) ([]domain.ChangeLogEntry, error) {
	start := time.Now()
	changes, err := s.inner.GetPendingChanges(ctx, entityName, limit)
	s.observe("GetPendingChanges", start, err)
	return changes, err
}

func (s *instrumentedStore) MarkChangeApplied(ctx context.Context, id int64, appliedUtc time.Time) error {
	start := time.Now()
	err := s.inner.MarkChangeApplied(ctx, id, appliedUtc)
	s.observe("MarkChangeApplied", start, err)
	return err
}

func (s *instrumentedStore) MarkChangeFailed(ctx context.Context, id int64, lastError string) error {
	start := time.Now()
	err := s.inner.MarkChangeFailed(ctx, id, lastError)
	s.observe("MarkChangeFailed", start, err)
	return err
}

func (s *instrumentedStore) MarkChangeConflicted(ctx context.Context, id int64, lastError string) error {
	start := time.Now()
	err := s.inner.MarkChangeConflicted(ctx, id, lastError)
	s.observe("MarkChangeConflicted", start, err)
	return err
}

func (s *instrumentedStore) LogConflict(ctx context.Context, entry domain.ConflictLogEntry) error {
	start := time.Now()
	err := s.inner.LogConflict(ctx, entry)
	s.observe("LogConflict", start, err)
	return err
}

func (s *instrumentedStore) GetRecentConflicts(ctx context.Context, limit int) ([]domain.ConflictLogEntry, error) {
	start := time.Now()
	entries, err := s.inner.GetRecentConflicts(ctx, limit)
	s.observe("GetRecentConflicts", start, err)
	return entries, err
}

func (s *instrumentedStore) OutboxDepth(ctx context.Context) (map[domain.ChangeStatus]int, error) {
	start := time.Now()
	depth, err := s.inner.OutboxDepth(ctx)
	s.observe("OutboxDepth", start, err)
	return depth, err
}

func (s *instrumentedStore) EnsureEntitySchema(ctx context.Context, table domain.AppTableConfig) error {
	start := time.Now()
	err := s.inner.EnsureEntitySchema(ctx, table)
	s.observe("EnsureEntitySchema", start, err)
	return err
}

func (s *instrumentedStore) UpsertEntity(ctx context.Context, entityName, appPK string, fields map[string]any, system domain.MirrorSystemFields) error {
	start := time.Now()
	err := s.inner.UpsertEntity(ctx, entityName, appPK, fields, system)
	s.observe("UpsertEntity", start, err)
	return err
}

func (s *instrumentedStore) GetEntity(ctx context.Context, entityName, appPK string) (domain.MirrorRow, bool, error) {
	start := time.Now()
	row, ok, err := s.inner.GetEntity(ctx, entityName, appPK)
	if !ok && err == nil {
		s.observe("GetEntity", start, &ErrEntityNotFound{EntityName: entityName, AppPK: appPK})
		return row, ok, err
	}
	s.observe("GetEntity", start, err)
	return row, ok, err
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}
