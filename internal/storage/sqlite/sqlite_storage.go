// Package sqlite implements storage.LocalStore over modernc.org/sqlite, the
// default Local Store backend. Schema is managed idempotently
// by embedded goose migrations for the four core tables; per-entity mirror
// tables are created and widened on demand since the entity set is dynamic
// and unknown at migration-authoring time.
//
// Grounded on the teacher's internal/storage/sqlite/sqlite_storage.go: WAL
// mode, a bounded connection pool, secure file permissions, and an
// RWMutex guarding connection-lifecycle (not data — SQLite serializes
// writers itself).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vitaliisemenov/spsync/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements storage.LocalStore over a SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
	mu     sync.RWMutex

	mirrorMu     sync.Mutex
	mirrorCols   map[string]map[string]struct{} // entityName -> known column set
}

// New opens (creating if absent) the SQLite database at path, enables WAL
// and foreign keys, and runs the embedded core-table migrations.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("invalid path contains '..': %s", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:         db,
		logger:     logger,
		path:       path,
		mirrorCols: make(map[string]map[string]struct{}),
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("failed to set sqlite file permissions to 0600", "path", path, "error", err)
	}

	return s, nil
}

func (s *Store) runMigrations() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("goose migrate up: %w", err)
	}
	return nil
}

// InitializeSchema is a no-op beyond New: migrations already ran at
// construction. It is kept on the interface because other backends (and
// callers that reopen a Store) need it as an explicit idempotent step.
func (s *Store) InitializeSchema(ctx context.Context) error {
	return s.runMigrations()
}

// Close releases the underlying *sql.DB.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func nowUTC() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Config ---

func (s *Store) GetLocalConfig(ctx context.Context, appId string) (domain.LocalConfig, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT app_id, config_version, tables_json, updated_utc FROM local_config WHERE app_id = ?`, appId)

	var cfg domain.LocalConfig
	var tablesJSON, updatedUtc string
	if err := row.Scan(&cfg.AppId, &cfg.ConfigVersion, &tablesJSON, &updatedUtc); err != nil {
		if err == sql.ErrNoRows {
			return domain.LocalConfig{}, false, nil
		}
		return domain.LocalConfig{}, false, err
	}
	if err := json.Unmarshal([]byte(tablesJSON), &cfg.Tables); err != nil {
		return domain.LocalConfig{}, false, fmt.Errorf("decode tables_json: %w", err)
	}
	t, err := parseTime(updatedUtc)
	if err != nil {
		return domain.LocalConfig{}, false, err
	}
	cfg.UpdatedUtc = t
	return cfg, true, nil
}

func (s *Store) SaveLocalConfig(ctx context.Context, cfg domain.LocalConfig) error {
	tablesJSON, err := json.Marshal(cfg.Tables)
	if err != nil {
		return fmt.Errorf("encode tables: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO local_config (app_id, config_version, tables_json, updated_utc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET config_version = excluded.config_version,
			tables_json = excluded.tables_json, updated_utc = excluded.updated_utc`,
		cfg.AppId, cfg.ConfigVersion, string(tablesJSON), formatTime(cfg.UpdatedUtc))
	return err
}

// --- Sync state ---

func (s *Store) GetSyncState(ctx context.Context, entityName string) (domain.SyncState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_name, last_sync_modified_utc, last_sync_sp_id, last_successful_sync_utc,
		       last_config_version_applied, last_error
		FROM sync_state WHERE entity_name = ?`, entityName)

	var st domain.SyncState
	var lastModified, lastSuccess sql.NullString
	var lastError sql.NullString
	if err := row.Scan(&st.EntityName, &lastModified, &st.LastSyncSpId, &lastSuccess,
		&st.LastConfigVersionApplied, &lastError); err != nil {
		if err == sql.ErrNoRows {
			return domain.SyncState{}, false, nil
		}
		return domain.SyncState{}, false, err
	}
	var err error
	if st.LastSyncModifiedUtc, err = scanNullableTime(lastModified); err != nil {
		return domain.SyncState{}, false, err
	}
	if st.LastSuccessfulSyncUtc, err = scanNullableTime(lastSuccess); err != nil {
		return domain.SyncState{}, false, err
	}
	st.LastError = lastError.String
	return st, true, nil
}

func (s *Store) SaveSyncState(ctx context.Context, state domain.SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (entity_name, last_sync_modified_utc, last_sync_sp_id,
			last_successful_sync_utc, last_config_version_applied, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_name) DO UPDATE SET
			last_sync_modified_utc = excluded.last_sync_modified_utc,
			last_sync_sp_id = excluded.last_sync_sp_id,
			last_successful_sync_utc = excluded.last_successful_sync_utc,
			last_config_version_applied = excluded.last_config_version_applied,
			last_error = excluded.last_error`,
		state.EntityName, nullableTime(state.LastSyncModifiedUtc), state.LastSyncSpId,
		nullableTime(state.LastSuccessfulSyncUtc), state.LastConfigVersionApplied, state.LastError)
	return err
}

// --- Outbox ---

func (s *Store) EnqueueChange(ctx context.Context, entry domain.ChangeLogEntry) (int64, error) {
	if entry.CreatedUtc.IsZero() {
		entry.CreatedUtc = nowUTC()
	}
	if entry.Status == "" {
		entry.Status = domain.StatusPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO change_log (entity_name, app_pk, operation, payload_json, created_utc, status, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		entry.EntityName, entry.AppPK, string(entry.Operation), nullString(entry.PayloadJson),
		formatTime(entry.CreatedUtc), string(entry.Status))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) GetPendingChanges(ctx context.Context, entityName string, limit int) ([]domain.ChangeLogEntry, error) {
	var rows *sql.Rows
	var err error
	if entityName == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, entity_name, app_pk, operation, payload_json, created_utc, status, attempt_count, applied_utc, last_error
			FROM change_log WHERE status = ? ORDER BY created_utc ASC, id ASC LIMIT ?`,
			string(domain.StatusPending), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, entity_name, app_pk, operation, payload_json, created_utc, status, attempt_count, applied_utc, last_error
			FROM change_log WHERE status = ? AND entity_name = ? ORDER BY created_utc ASC, id ASC LIMIT ?`,
			string(domain.StatusPending), entityName, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChangeRows(rows)
}

func scanChangeRows(rows *sql.Rows) ([]domain.ChangeLogEntry, error) {
	var out []domain.ChangeLogEntry
	for rows.Next() {
		var e domain.ChangeLogEntry
		var op, status, createdUtc string
		var payload, appliedUtc, lastError sql.NullString
		if err := rows.Scan(&e.Id, &e.EntityName, &e.AppPK, &op, &payload, &createdUtc, &status,
			&e.AttemptCount, &appliedUtc, &lastError); err != nil {
			return nil, err
		}
		e.Operation = domain.ChangeOperation(op)
		e.Status = domain.ChangeStatus(status)
		e.PayloadJson = payload.String
		e.LastError = lastError.String
		t, err := parseTime(createdUtc)
		if err != nil {
			return nil, err
		}
		e.CreatedUtc = t
		if at, err := scanNullableTime(appliedUtc); err != nil {
			return nil, err
		} else {
			e.AppliedUtc = at
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkChangeApplied(ctx context.Context, id int64, appliedUtc time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_log SET status = ?, applied_utc = ?, last_error = NULL WHERE id = ?`,
		string(domain.StatusApplied), formatTime(appliedUtc), id)
	return err
}

func (s *Store) MarkChangeFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_log SET attempt_count = attempt_count + 1, last_error = ? WHERE id = ?`,
		lastError, id)
	return err
}

func (s *Store) MarkChangeConflicted(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_log SET status = ?, attempt_count = attempt_count + 1, last_error = ? WHERE id = ?`,
		string(domain.StatusConflict), lastError, id)
	return err
}

func (s *Store) OutboxDepth(ctx context.Context) (map[domain.ChangeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM change_log GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.ChangeStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[domain.ChangeStatus(status)] = count
	}
	return out, rows.Err()
}

// --- Conflict log ---

func (s *Store) LogConflict(ctx context.Context, entry domain.ConflictLogEntry) error {
	if entry.OccurredUtc.IsZero() {
		entry.OccurredUtc = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_log (occurred_utc, entity_name, app_pk, change_id, operation, policy,
			sharepoint_id, local_etag, server_etag, local_payload_json, server_fields_json, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(entry.OccurredUtc), entry.EntityName, entry.AppPK, entry.ChangeId,
		string(entry.Operation), entry.Policy.String(), entry.SharePointId,
		nullString(entry.LocalETag), nullString(entry.ServerETag),
		nullString(entry.LocalPayloadJson), nullString(entry.ServerFieldsJson), entry.Message)
	return err
}

func (s *Store) GetRecentConflicts(ctx context.Context, limit int) ([]domain.ConflictLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_utc, entity_name, app_pk, change_id, operation, policy, sharepoint_id,
		       local_etag, server_etag, local_payload_json, server_fields_json, message
		FROM conflict_log ORDER BY occurred_utc DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConflictLogEntry
	for rows.Next() {
		var e domain.ConflictLogEntry
		var occurredUtc, op, policy string
		var localETag, serverETag, localPayload, serverFields sql.NullString
		if err := rows.Scan(&e.Id, &occurredUtc, &e.EntityName, &e.AppPK, &e.ChangeId, &op, &policy,
			&e.SharePointId, &localETag, &serverETag, &localPayload, &serverFields, &e.Message); err != nil {
			return nil, err
		}
		e.Operation = domain.ChangeOperation(op)
		e.Policy = parsePolicy(policy)
		e.LocalETag = localETag.String
		e.ServerETag = serverETag.String
		e.LocalPayloadJson = localPayload.String
		e.ServerFieldsJson = serverFields.String
		t, err := parseTime(occurredUtc)
		if err != nil {
			return nil, err
		}
		e.OccurredUtc = t
		out = append(out, e)
	}
	return out, rows.Err()
}

func parsePolicy(s string) domain.ConflictPolicy {
	switch s {
	case "ClientWins":
		return domain.ConflictClientWins
	case "Manual":
		return domain.ConflictManual
	default:
		return domain.ConflictServerWins
	}
}
