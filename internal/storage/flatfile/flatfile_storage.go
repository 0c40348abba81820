// Package flatfile implements storage.LocalStore as a single JSON document
// on disk: a legacy, no-SQL-driver backend for single-user, low-volume
// deployments where pulling in a database driver isn't worth it. Trades
// concurrency and query performance for zero third-party dependencies
// (see DESIGN.md).
package flatfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vitaliisemenov/spsync/internal/domain"
)

type document struct {
	Configs       map[string]domain.LocalConfig             `json:"configs"`
	SyncStates    map[string]domain.SyncState                `json:"syncStates"`
	ChangeLog     []domain.ChangeLogEntry                    `json:"changeLog"`
	NextChangeId  int64                                       `json:"nextChangeId"`
	ConflictLog   []domain.ConflictLogEntry                  `json:"conflictLog"`
	NextConflictId int64                                      `json:"nextConflictId"`
	Mirrors       map[string]map[string]domain.MirrorRow     `json:"mirrors"` // entity -> appPK -> row
	EntityFields  map[string]map[string]struct{}             `json:"-"`       // entity -> known user field set (not persisted)
}

// Store implements storage.LocalStore by keeping one document in memory,
// rewriting the whole file on every mutating call. Suitable for the
// single-user, low-volume deployments the legacy backend targets.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	doc    document
}

// New loads (or initializes) the flat-file store at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("flatfile path cannot be empty")
	}
	s := &Store{path: path, logger: logger}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.doc = document{
		Configs:      map[string]domain.LocalConfig{},
		SyncStates:   map[string]domain.SyncState{},
		Mirrors:      map[string]map[string]domain.MirrorRow{},
		EntityFields: map[string]map[string]struct{}{},
	}
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("read flatfile store: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &s.doc); err != nil {
		return fmt.Errorf("decode flatfile store: %w", err)
	}
	if s.doc.Configs == nil {
		s.doc.Configs = map[string]domain.LocalConfig{}
	}
	if s.doc.SyncStates == nil {
		s.doc.SyncStates = map[string]domain.SyncState{}
	}
	if s.doc.Mirrors == nil {
		s.doc.Mirrors = map[string]map[string]domain.MirrorRow{}
	}
	s.doc.EntityFields = map[string]map[string]struct{}{}
	return nil
}

func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create flatfile directory: %w", err)
	}
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode flatfile store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("write flatfile store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) InitializeSchema(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// --- Config ---

func (s *Store) GetLocalConfig(ctx context.Context, appId string) (domain.LocalConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.doc.Configs[appId]
	return cfg, ok, nil
}

func (s *Store) SaveLocalConfig(ctx context.Context, cfg domain.LocalConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Configs[cfg.AppId] = cfg
	return s.persistLocked()
}

// --- Sync state ---

func (s *Store) GetSyncState(ctx context.Context, entityName string) (domain.SyncState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.doc.SyncStates[entityName]
	return st, ok, nil
}

func (s *Store) SaveSyncState(ctx context.Context, state domain.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SyncStates[state.EntityName] = state
	return s.persistLocked()
}

// --- Outbox ---

func (s *Store) EnqueueChange(ctx context.Context, entry domain.ChangeLogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.NextChangeId++
	entry.Id = s.doc.NextChangeId
	if entry.CreatedUtc.IsZero() {
		entry.CreatedUtc = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = domain.StatusPending
	}
	entry.AttemptCount = 0
	s.doc.ChangeLog = append(s.doc.ChangeLog, entry)
	return entry.Id, s.persistLocked()
}

func (s *Store) GetPendingChanges(ctx context.Context, entityName string, limit int) ([]domain.ChangeLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []domain.ChangeLogEntry
	for _, c := range s.doc.ChangeLog {
		if c.Status != domain.StatusPending {
			continue
		}
		if entityName != "" && c.EntityName != entityName {
			continue
		}
		pending = append(pending, c)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedUtc.Equal(pending[j].CreatedUtc) {
			return pending[i].Id < pending[j].Id
		}
		return pending[i].CreatedUtc.Before(pending[j].CreatedUtc)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *Store) withChange(id int64, fn func(*domain.ChangeLogEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.ChangeLog {
		if s.doc.ChangeLog[i].Id == id {
			fn(&s.doc.ChangeLog[i])
			return s.persistLocked()
		}
	}
	return fmt.Errorf("change log entry %d not found", id)
}

func (s *Store) MarkChangeApplied(ctx context.Context, id int64, appliedUtc time.Time) error {
	return s.withChange(id, func(e *domain.ChangeLogEntry) {
		e.Status = domain.StatusApplied
		e.AppliedUtc = &appliedUtc
		e.LastError = ""
	})
}

func (s *Store) MarkChangeFailed(ctx context.Context, id int64, lastError string) error {
	return s.withChange(id, func(e *domain.ChangeLogEntry) {
		e.AttemptCount++
		e.LastError = lastError
	})
}

func (s *Store) MarkChangeConflicted(ctx context.Context, id int64, lastError string) error {
	return s.withChange(id, func(e *domain.ChangeLogEntry) {
		e.Status = domain.StatusConflict
		e.AttemptCount++
		e.LastError = lastError
	})
}

func (s *Store) OutboxDepth(ctx context.Context) (map[domain.ChangeStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.ChangeStatus]int{}
	for _, c := range s.doc.ChangeLog {
		out[c.Status]++
	}
	return out, nil
}

// --- Conflict log ---

func (s *Store) LogConflict(ctx context.Context, entry domain.ConflictLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.NextConflictId++
	entry.Id = s.doc.NextConflictId
	if entry.OccurredUtc.IsZero() {
		entry.OccurredUtc = time.Now().UTC()
	}
	s.doc.ConflictLog = append(s.doc.ConflictLog, entry)
	return s.persistLocked()
}

func (s *Store) GetRecentConflicts(ctx context.Context, limit int) ([]domain.ConflictLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConflictLogEntry, len(s.doc.ConflictLog))
	copy(out, s.doc.ConflictLog)
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredUtc.Equal(out[j].OccurredUtc) {
			return out[i].Id > out[j].Id
		}
		return out[i].OccurredUtc.After(out[j].OccurredUtc)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Mirror ---

func (s *Store) EnsureEntitySchema(ctx context.Context, table domain.AppTableConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Mirrors[table.EntityName]; !ok {
		s.doc.Mirrors[table.EntityName] = map[string]domain.MirrorRow{}
	}
	fields := map[string]struct{}{}
	for _, f := range table.SelectFields {
		if domain.IsReservedField(f, table.PkInternalName) {
			continue
		}
		fields[f] = struct{}{}
	}
	s.doc.EntityFields[table.EntityName] = fields
	return s.persistLocked()
}

func (s *Store) UpsertEntity(ctx context.Context, entityName, appPK string, fields map[string]any, system domain.MirrorSystemFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mirror, ok := s.doc.Mirrors[entityName]
	if !ok {
		mirror = map[string]domain.MirrorRow{}
		s.doc.Mirrors[entityName] = mirror
	}
	whitelist := s.doc.EntityFields[entityName]
	clean := map[string]any{}
	for k, v := range fields {
		if domain.IsReservedField(k, "") {
			continue
		}
		if whitelist != nil {
			if _, ok := whitelist[k]; !ok {
				continue
			}
		}
		clean[k] = v
	}
	mirror[appPK] = domain.MirrorRow{AppPK: appPK, Fields: clean, System: system}
	return s.persistLocked()
}

func (s *Store) GetEntity(ctx context.Context, entityName, appPK string) (domain.MirrorRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mirror, ok := s.doc.Mirrors[entityName]
	if !ok {
		return domain.MirrorRow{}, false, nil
	}
	row, ok := mirror[appPK]
	return row, ok, nil
}
