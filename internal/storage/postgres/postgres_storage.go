// Package postgres implements storage.LocalStore over pgx/v5, for
// deployments that already centralize application state in Postgres rather
// than shipping a SQLite file per client. Grounded on the teacher's
// internal/infrastructure/repository/postgres_history.go: a shared
// *pgxpool.Pool and context-scoped queries. The package records no metrics
// itself; per-operation Prometheus metrics come from wrapping the Store
// with storage.Instrument.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitaliisemenov/spsync/internal/domain"
)

//go:generate true

const coreSchemaDDL = `
CREATE TABLE IF NOT EXISTS local_config (
	app_id TEXT PRIMARY KEY,
	config_version BIGINT NOT NULL,
	tables_json TEXT NOT NULL,
	updated_utc TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
	entity_name TEXT PRIMARY KEY,
	last_sync_modified_utc TIMESTAMPTZ,
	last_sync_sp_id INTEGER NOT NULL DEFAULT 0,
	last_successful_sync_utc TIMESTAMPTZ,
	last_config_version_applied BIGINT NOT NULL DEFAULT 0,
	last_error TEXT
);

CREATE TABLE IF NOT EXISTS change_log (
	id BIGSERIAL PRIMARY KEY,
	entity_name TEXT NOT NULL,
	app_pk TEXT NOT NULL,
	operation TEXT NOT NULL,
	payload_json TEXT,
	created_utc TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	applied_utc TIMESTAMPTZ,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_change_log_status_created ON change_log(status, created_utc);
CREATE INDEX IF NOT EXISTS idx_change_log_entity_pk ON change_log(entity_name, app_pk);

CREATE TABLE IF NOT EXISTS conflict_log (
	id BIGSERIAL PRIMARY KEY,
	occurred_utc TIMESTAMPTZ NOT NULL,
	entity_name TEXT NOT NULL,
	app_pk TEXT NOT NULL,
	change_id BIGINT NOT NULL,
	operation TEXT NOT NULL,
	policy TEXT NOT NULL,
	sharepoint_id INTEGER NOT NULL DEFAULT 0,
	local_etag TEXT,
	server_etag TEXT,
	local_payload_json TEXT,
	server_fields_json TEXT,
	message TEXT
);
CREATE INDEX IF NOT EXISTS idx_conflict_log_occurred ON conflict_log(occurred_utc);
CREATE INDEX IF NOT EXISTS idx_conflict_log_entity_pk ON conflict_log(entity_name, app_pk);
`

// Store implements storage.LocalStore over a shared pgxpool.Pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps an already-connected pool and ensures the core schema exists.
func New(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.InitializeSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) InitializeSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, coreSchemaDDL)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Config ---

func (s *Store) GetLocalConfig(ctx context.Context, appId string) (domain.LocalConfig, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT app_id, config_version, tables_json, updated_utc FROM local_config WHERE app_id = $1`, appId)

	var cfg domain.LocalConfig
	var tablesJSON string
	if err := row.Scan(&cfg.AppId, &cfg.ConfigVersion, &tablesJSON, &cfg.UpdatedUtc); err != nil {
		if err == pgx.ErrNoRows {
			return domain.LocalConfig{}, false, nil
		}
		return domain.LocalConfig{}, false, err
	}
	if err := json.Unmarshal([]byte(tablesJSON), &cfg.Tables); err != nil {
		return domain.LocalConfig{}, false, fmt.Errorf("decode tables_json: %w", err)
	}
	return cfg, true, nil
}

func (s *Store) SaveLocalConfig(ctx context.Context, cfg domain.LocalConfig) error {
	tablesJSON, err := json.Marshal(cfg.Tables)
	if err != nil {
		return fmt.Errorf("encode tables: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO local_config (app_id, config_version, tables_json, updated_utc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (app_id) DO UPDATE SET config_version = excluded.config_version,
			tables_json = excluded.tables_json, updated_utc = excluded.updated_utc`,
		cfg.AppId, cfg.ConfigVersion, string(tablesJSON), cfg.UpdatedUtc.UTC())
	return err
}

// --- Sync state ---

func (s *Store) GetSyncState(ctx context.Context, entityName string) (domain.SyncState, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT entity_name, last_sync_modified_utc, last_sync_sp_id, last_successful_sync_utc,
		       last_config_version_applied, last_error
		FROM sync_state WHERE entity_name = $1`, entityName)

	var st domain.SyncState
	var lastModified, lastSuccess *time.Time
	var lastError *string
	if err := row.Scan(&st.EntityName, &lastModified, &st.LastSyncSpId, &lastSuccess,
		&st.LastConfigVersionApplied, &lastError); err != nil {
		if err == pgx.ErrNoRows {
			return domain.SyncState{}, false, nil
		}
		return domain.SyncState{}, false, err
	}
	st.LastSyncModifiedUtc = lastModified
	st.LastSuccessfulSyncUtc = lastSuccess
	if lastError != nil {
		st.LastError = *lastError
	}
	return st, true, nil
}

func (s *Store) SaveSyncState(ctx context.Context, state domain.SyncState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (entity_name, last_sync_modified_utc, last_sync_sp_id,
			last_successful_sync_utc, last_config_version_applied, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_name) DO UPDATE SET
			last_sync_modified_utc = excluded.last_sync_modified_utc,
			last_sync_sp_id = excluded.last_sync_sp_id,
			last_successful_sync_utc = excluded.last_successful_sync_utc,
			last_config_version_applied = excluded.last_config_version_applied,
			last_error = excluded.last_error`,
		state.EntityName, state.LastSyncModifiedUtc, state.LastSyncSpId,
		state.LastSuccessfulSyncUtc, state.LastConfigVersionApplied, nullIfEmpty(state.LastError))
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Outbox ---

func (s *Store) EnqueueChange(ctx context.Context, entry domain.ChangeLogEntry) (int64, error) {
	if entry.CreatedUtc.IsZero() {
		entry.CreatedUtc = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = domain.StatusPending
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO change_log (entity_name, app_pk, operation, payload_json, created_utc, status, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6, 0) RETURNING id`,
		entry.EntityName, entry.AppPK, string(entry.Operation), nullIfEmpty(entry.PayloadJson),
		entry.CreatedUtc, string(entry.Status)).Scan(&id)
	return id, err
}

func (s *Store) GetPendingChanges(ctx context.Context, entityName string, limit int) ([]domain.ChangeLogEntry, error) {
	var rows pgx.Rows
	var err error
	if entityName == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, entity_name, app_pk, operation, payload_json, created_utc, status, attempt_count, applied_utc, last_error
			FROM change_log WHERE status = $1 ORDER BY created_utc ASC, id ASC LIMIT $2`,
			string(domain.StatusPending), limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, entity_name, app_pk, operation, payload_json, created_utc, status, attempt_count, applied_utc, last_error
			FROM change_log WHERE status = $1 AND entity_name = $2 ORDER BY created_utc ASC, id ASC LIMIT $3`,
			string(domain.StatusPending), entityName, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChangeLogEntry
	for rows.Next() {
		var e domain.ChangeLogEntry
		var op, status string
		var payload, lastError *string
		var appliedUtc *time.Time
		if err := rows.Scan(&e.Id, &e.EntityName, &e.AppPK, &op, &payload, &e.CreatedUtc, &status,
			&e.AttemptCount, &appliedUtc, &lastError); err != nil {
			return nil, err
		}
		e.Operation = domain.ChangeOperation(op)
		e.Status = domain.ChangeStatus(status)
		if payload != nil {
			e.PayloadJson = *payload
		}
		if lastError != nil {
			e.LastError = *lastError
		}
		e.AppliedUtc = appliedUtc
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkChangeApplied(ctx context.Context, id int64, appliedUtc time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE change_log SET status = $1, applied_utc = $2, last_error = NULL WHERE id = $3`,
		string(domain.StatusApplied), appliedUtc, id)
	return err
}

func (s *Store) MarkChangeFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE change_log SET attempt_count = attempt_count + 1, last_error = $1 WHERE id = $2`,
		lastError, id)
	return err
}

func (s *Store) MarkChangeConflicted(ctx context.Context, id int64, lastError string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE change_log SET status = $1, attempt_count = attempt_count + 1, last_error = $2 WHERE id = $3`,
		string(domain.StatusConflict), lastError, id)
	return err
}

func (s *Store) OutboxDepth(ctx context.Context) (map[domain.ChangeStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM change_log GROUP BY status`)
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
		entry.OccurredUtc = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conflict_log (occurred_utc, entity_name, app_pk, change_id, operation, policy,
			sharepoint_id, local_etag, server_etag, local_payload_json, server_fields_json, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.OccurredUtc, entry.EntityName, entry.AppPK, entry.ChangeId, string(entry.Operation),
		entry.Policy.String(), entry.SharePointId, nullIfEmpty(entry.LocalETag), nullIfEmpty(entry.ServerETag),
		nullIfEmpty(entry.LocalPayloadJson), nullIfEmpty(entry.ServerFieldsJson), entry.Message)
	return err
}

func (s *Store) GetRecentConflicts(ctx context.Context, limit int) ([]domain.ConflictLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, occurred_utc, entity_name, app_pk, change_id, operation, policy, sharepoint_id,
		       local_etag, server_etag, local_payload_json, server_fields_json, message
		FROM conflict_log ORDER BY occurred_utc DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConflictLogEntry
	for rows.Next() {
		var e domain.ConflictLogEntry
		var op, policy string
		var localETag, serverETag, localPayload, serverFields *string
		if err := rows.Scan(&e.Id, &e.OccurredUtc, &e.EntityName, &e.AppPK, &e.ChangeId, &op, &policy,
			&e.SharePointId, &localETag, &serverETag, &localPayload, &serverFields, &e.Message); err != nil {
			return nil, err
		}
		e.Operation = domain.ChangeOperation(op)
		e.Policy = parsePolicy(policy)
		if localETag != nil {
			e.LocalETag = *localETag
		}
		if serverETag != nil {
			e.ServerETag = *serverETag
		}
		if localPayload != nil {
			e.LocalPayloadJson = *localPayload
		}
		if serverFields != nil {
			e.ServerFieldsJson = *serverFields
		}
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
