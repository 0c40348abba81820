// Package syncengine orchestrates the two directions of synchronization:
// incremental pull from the remote store into the local mirror (SyncDown),
// and outbox drain with ETag-based conflict resolution back to the remote
// store (SyncUp).
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/spsync/internal/connector"
	"github.com/vitaliisemenov/spsync/internal/domain"
	"github.com/vitaliisemenov/spsync/internal/storage"
)

const (
	pullOverlap    = 5 * time.Minute
	pullPageSize   = 200
	defaultMaxPush = 100
)

// Engine drives SyncDown and SyncUp against a Local Store and a Connector.
type Engine struct {
	core   storage.CoreStore
	mirror storage.MirrorStore
	conn   connector.Connector
	logger *slog.Logger

	// MaxPushBatch bounds how many outbox rows one SyncUp drains; 0 uses
	// defaultMaxPush.
	MaxPushBatch int
}

// New builds a Sync Engine over a Local Store split into its two narrow
// traits and a Connector.
func New(core storage.CoreStore, mirror storage.MirrorStore, conn connector.Connector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{core: core, mirror: mirror, conn: conn, logger: logger}
}

func newRunId() string {
	return uuid.NewString()
}

// SyncDown performs one incremental pull for table, advancing its watermark
// on success.
func (e *Engine) SyncDown(ctx context.Context, table domain.AppTableConfig) error {
	runId := newRunId()
	start := time.Now()
	log := e.logger.With("run_id", runId, "entity", table.EntityName, "op", "pull")
	log.InfoContext(ctx, "sync down starting")

	if err := e.mirror.EnsureEntitySchema(ctx, table); err != nil {
		return fmt.Errorf("ensure mirror schema for %s: %w", table.EntityName, err)
	}

	state, _, err := e.core.GetSyncState(ctx, table.EntityName)
	if err != nil {
		return fmt.Errorf("load sync state for %s: %w", table.EntityName, err)
	}
	state.EntityName = table.EntityName

	filter := ""
	if state.LastSyncModifiedUtc != nil {
		w := state.LastSyncModifiedUtc.Add(-pullOverlap)
		filter = fmt.Sprintf("Modified ge '%s'", w.UTC().Format(time.RFC3339))
	}

	selectFields := append([]string{}, table.SelectFields...)
	selectFields = append(selectFields, table.PkInternalName, "IsDeleted", "DeletedAtUtc", "Id", "Modified")

	watermark := domain.Watermark{}
	if state.LastSyncModifiedUtc != nil {
		watermark = domain.Watermark{Modified: *state.LastSyncModifiedUtc, SpId: state.LastSyncSpId}
	}

	itemCount := 0
	cursor := ""
	for {
		page, err := e.conn.QueryListItems(ctx, table.ListId, connector.QueryOptions{
			Select:         selectFields,
			Filter:         filter,
			OrderBy:        "Modified asc, Id asc",
			Top:            pullPageSize,
			NextPageCursor: cursor,
		})
		if err != nil {
			state.LastError = err.Error()
			_ = e.core.SaveSyncState(ctx, state)
			return fmt.Errorf("query list items for %s: %w", table.EntityName, err)
		}

		for _, item := range page.Items {
			if err := ctx.Err(); err != nil {
				return err
			}
			appPK, _ := item.Fields[table.PkInternalName].(string)
			if appPK == "" {
				continue
			}

			fields := domain.SanitizeFields(item.Fields, table.PkInternalName, table.SelectFields)
			isDeleted, _ := item.Fields["IsDeleted"].(bool)
			var deletedAt *time.Time
			if dt, ok := item.Fields["DeletedAtUtc"].(time.Time); ok {
				deletedAt = &dt
			}

			system := domain.MirrorSystemFields{
				SharePointId:          item.Id,
				SharePointModifiedUtc: item.ModifiedUtc,
				SharePointETag:        item.ETag,
				IsDeleted:             isDeleted,
				DeletedAtUtc:          deletedAt,
			}
			if err := e.mirror.UpsertEntity(ctx, table.EntityName, appPK, fields, system); err != nil {
				return fmt.Errorf("upsert mirror row %s/%s: %w", table.EntityName, appPK, err)
			}
			itemCount++

			seen := domain.Watermark{Modified: item.ModifiedUtc, SpId: item.Id}
			if watermark.Before(seen) {
				watermark = seen
			}
		}

		if page.NextPageCursor == "" {
			break
		}
		cursor = page.NextPageCursor
	}

	now := time.Now().UTC()
	state.LastSyncModifiedUtc = &watermark.Modified
	state.LastSyncSpId = watermark.SpId
	state.LastSuccessfulSyncUtc = &now
	state.LastError = ""
	if err := e.core.SaveSyncState(ctx, state); err != nil {
		return fmt.Errorf("save sync state for %s: %w", table.EntityName, err)
	}

	duration := time.Since(start)
	pullItemsTotal.WithLabelValues(table.EntityName).Add(float64(itemCount))
	pullDuration.WithLabelValues(table.EntityName).Observe(duration.Seconds())
	log.InfoContext(ctx, "sync down complete", "items", itemCount, "duration_ms", duration.Milliseconds(),
		"watermark_modified", watermark.Modified, "watermark_id", watermark.SpId)
	return nil
}

// SyncDownOnOpen pulls every Enabled table with SyncPolicy=OnOpen, in
// ascending Priority order.
func (e *Engine) SyncDownOnOpen(ctx context.Context, cfg domain.LocalConfig) error {
	tables := onOpenTables(cfg)
	for _, t := range tables {
		if err := e.SyncDown(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func onOpenTables(cfg domain.LocalConfig) []domain.AppTableConfig {
	var out []domain.AppTableConfig
	for _, t := range cfg.Tables {
		if t.Enabled && t.SyncPolicy == domain.SyncOnOpen {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// enabledTables returns every Enabled table in ascending Priority order,
// regardless of SyncPolicy.
func enabledTables(cfg domain.LocalConfig) []domain.AppTableConfig {
	var out []domain.AppTableConfig
	for _, t := range cfg.Tables {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// SyncAllDown pulls every Enabled table in priority order, whether its
// SyncPolicy is OnOpen or OnDemand; SyncNever tables are skipped (used by
// a full SyncAll after the outbox has drained).
func (e *Engine) SyncAllDown(ctx context.Context, cfg domain.LocalConfig) error {
	for _, t := range enabledTables(cfg) {
		if t.SyncPolicy == domain.SyncNever {
			continue
		}
		if err := e.SyncDown(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// LockFunc acquires the per-entity table lock serializing sync access to
// one entity; it returns the unlock function to call once that entity's
// row has been pushed. Kept as a function type rather than an import of
// internal/synclock so the Sync Engine does not need to depend on the
// lock's concrete implementations.
type LockFunc func(ctx context.Context, entityName string) (func(), error)

// SyncUp drains up to MaxPushBatch pending outbox rows from the single
// global outbox queue, in ascending (CreatedUtc, Id) across every entity —
// never per-entity batches, so a newer row on one table can never jump
// ahead of an older row on another. Each row's AppTableConfig is resolved
// by EntityName against cfg; a row naming an entity absent from cfg fails
// explicitly (MarkChangeFailed) rather than blocking the rest of the drain.
// acquireLock is called once per row to serialize pushes to that row's
// entity against any other concurrent sync of the same entity, without
// serializing the drain as a whole behind one lock.
func (e *Engine) SyncUp(ctx context.Context, cfg domain.LocalConfig, acquireLock LockFunc) error {
	runId := newRunId()
	start := time.Now()
	log := e.logger.With("run_id", runId, "op", "push")
	log.InfoContext(ctx, "sync up starting")

	limit := e.MaxPushBatch
	if limit <= 0 {
		limit = defaultMaxPush
	}

	sampleOutboxDepth(ctx, e.core, e.logger)

	pending, err := e.core.GetPendingChanges(ctx, "", limit)
	if err != nil {
		return fmt.Errorf("load pending changes: %w", err)
	}

	ensuredSchema := make(map[string]bool)
	applied := make(map[string]int)
	failed := make(map[string]int)
	conflicted := 0

	for _, change := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		table, ok := cfg.TableByName(change.EntityName)
		if !ok {
			const reason = "Unknown entity/table"
			if markErr := e.core.MarkChangeFailed(ctx, change.Id, reason); markErr != nil {
				log.ErrorContext(ctx, "failed to record outbox failure", "change_id", change.Id, "error", markErr)
			}
			failed[change.EntityName]++
			log.WarnContext(ctx, "outbox row names an unknown entity, marked failed", "change_id", change.Id, "entity", change.EntityName)
			continue
		}

		unlock, err := acquireLock(ctx, table.EntityName)
		if err != nil {
			return fmt.Errorf("acquire table lock for %s: %w", table.EntityName, err)
		}
		outcome, applyErr := e.applyChangeEnsured(ctx, table, change, ensuredSchema)
		unlock()

		switch {
		case applyErr != nil:
			if markErr := e.core.MarkChangeFailed(ctx, change.Id, applyErr.Error()); markErr != nil {
				log.ErrorContext(ctx, "failed to record outbox failure", "change_id", change.Id, "error", markErr)
			}
			failed[table.EntityName]++
			log.WarnContext(ctx, "outbox row failed, remains pending", "change_id", change.Id, "entity", table.EntityName, "error", applyErr)
		case outcome == outcomeConflict:
			conflicted++
		default:
			if markErr := e.core.MarkChangeApplied(ctx, change.Id, time.Now().UTC()); markErr != nil {
				log.ErrorContext(ctx, "failed to record outbox success", "change_id", change.Id, "error", markErr)
			}
			applied[table.EntityName]++
		}
	}

	sampleOutboxDepth(ctx, e.core, e.logger)

	duration := time.Since(start)
	appliedTotal, failedTotal := 0, 0
	for entity, n := range applied {
		pushAppliedTotal.WithLabelValues(entity).Add(float64(n))
		appliedTotal += n
	}
	for entity, n := range failed {
		pushFailedTotal.WithLabelValues(entity).Add(float64(n))
		failedTotal += n
	}
	pushDuration.WithLabelValues("(global)").Observe(duration.Seconds())
	log.InfoContext(ctx, "sync up complete", "applied", appliedTotal, "conflicted", conflicted, "failed", failedTotal,
		"duration_ms", duration.Milliseconds())
	return nil
}

// applyChangeEnsured ensures the mirror schema for table exists (once per
// entity per drain, tracked in ensuredSchema) before dispatching change.
func (e *Engine) applyChangeEnsured(ctx context.Context, table domain.AppTableConfig, change domain.ChangeLogEntry, ensuredSchema map[string]bool) (pushOutcome, error) {
	if !ensuredSchema[table.EntityName] {
		if err := e.mirror.EnsureEntitySchema(ctx, table); err != nil {
			return outcomeApplied, fmt.Errorf("ensure mirror schema for %s: %w", table.EntityName, err)
		}
		ensuredSchema[table.EntityName] = true
	}
	return e.applyChange(ctx, table, change)
}

func sampleOutboxDepth(ctx context.Context, core storage.CoreStore, logger *slog.Logger) {
	depth, err := core.OutboxDepth(ctx)
	if err != nil {
		logger.WarnContext(ctx, "failed to sample outbox depth", "error", err)
		return
	}
	for status, count := range depth {
		outboxDepthGauge.WithLabelValues(string(status)).Set(float64(count))
	}
}

type pushOutcome int

const (
	outcomeApplied pushOutcome = iota
	outcomeConflict
)

// applyChange dispatches one outbox row by Operation and resolves any
// conflict the remote call reports. It never returns both a non-nil error
// and outcomeConflict: a resolved conflict is a handled outcome, not an
// error.
func (e *Engine) applyChange(ctx context.Context, table domain.AppTableConfig, change domain.ChangeLogEntry) (pushOutcome, error) {
	mirrorRow, _, err := e.mirror.GetEntity(ctx, table.EntityName, change.AppPK)
	if err != nil {
		return outcomeApplied, fmt.Errorf("load mirror row: %w", err)
	}

	var payload map[string]any
	if change.PayloadJson != "" {
		if err := json.Unmarshal([]byte(change.PayloadJson), &payload); err != nil {
			return outcomeApplied, fmt.Errorf("decode outbox payload: %w", err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	switch change.Operation {
	case domain.OpInsert:
		return e.applyInsert(ctx, table, change, mirrorRow, payload)
	case domain.OpUpdate:
		return e.applyUpdate(ctx, table, change, mirrorRow, payload)
	case domain.OpSoftDelete:
		payload[table.PkInternalName] = change.AppPK
		payload["IsDeleted"] = true
		payload["DeletedAtUtc"] = time.Now().UTC()
		return e.applyUpdate(ctx, table, change, mirrorRow, payload)
	default:
		return outcomeApplied, fmt.Errorf("unknown outbox operation %q", change.Operation)
	}
}

func (e *Engine) applyInsert(ctx context.Context, table domain.AppTableConfig, change domain.ChangeLogEntry, mirrorRow domain.MirrorRow, payload map[string]any) (pushOutcome, error) {
	payload[table.PkInternalName] = change.AppPK
	if _, ok := payload["Title"]; !ok {
		payload["Title"] = change.AppPK
	}

	spId, err := e.conn.CreateListItem(ctx, table.ListId, payload)
	if err != nil {
		if connector.IsAlreadyExists(err) {
			existing, getErr := e.findByAppPK(ctx, table, change.AppPK)
			if getErr != nil {
				return outcomeApplied, getErr
			}
			return e.resolveConflict(ctx, table, change, mirrorRow, existing, payload)
		}
		return outcomeApplied, err
	}

	merged := mergeFields(mirrorRow.Fields, payload, table)
	system := domain.MirrorSystemFields{SharePointId: spId, SharePointModifiedUtc: time.Now().UTC()}
	if err := e.mirror.UpsertEntity(ctx, table.EntityName, change.AppPK, merged, system); err != nil {
		return outcomeApplied, err
	}
	e.refreshMirrorBestEffort(ctx, table, change.AppPK, spId)
	return outcomeApplied, nil
}

func (e *Engine) applyUpdate(ctx context.Context, table domain.AppTableConfig, change domain.ChangeLogEntry, mirrorRow domain.MirrorRow, payload map[string]any) (pushOutcome, error) {
	spId := mirrorRow.System.SharePointId
	if spId == 0 {
		item, err := e.findByAppPK(ctx, table, change.AppPK)
		if err != nil {
			return outcomeApplied, err
		}
		if item == nil {
			return outcomeApplied, fmt.Errorf("cannot resolve server id for %s/%s", table.EntityName, change.AppPK)
		}
		spId = item.Id
	}

	err := e.conn.UpdateListItem(ctx, table.ListId, spId, payload, mirrorRow.System.SharePointETag)
	if err == nil {
		e.refreshMirrorBestEffort(ctx, table, change.AppPK, spId)
		return outcomeApplied, nil
	}
	if !connector.IsConcurrencyConflict(err) {
		return outcomeApplied, err
	}

	item, getErr := e.conn.GetListItem(ctx, table.ListId, spId, nil)
	if getErr != nil {
		return outcomeApplied, getErr
	}
	return e.resolveConflict(ctx, table, change, mirrorRow, &item, payload)
}

func (e *Engine) findByAppPK(ctx context.Context, table domain.AppTableConfig, appPK string) (*connector.Item, error) {
	filter := fmt.Sprintf("%s eq '%s'", table.PkInternalName, escapeODataLiteral(appPK))
	page, err := e.conn.QueryListItems(ctx, table.ListId, connector.QueryOptions{Filter: filter, Top: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return &page.Items[0], nil
}

func escapeODataLiteral(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		out = append(out, r)
		if r == '\'' {
			out = append(out, '\'')
		}
	}
	return string(out)
}

func (e *Engine) refreshMirrorBestEffort(ctx context.Context, table domain.AppTableConfig, appPK string, spId int) {
	item, err := e.conn.GetListItem(ctx, table.ListId, spId, nil)
	if err != nil {
		e.logger.WarnContext(ctx, "post-write mirror refresh failed, continuing", "entity", table.EntityName, "appPK", appPK, "error", err)
		return
	}
	fields := domain.SanitizeFields(item.Fields, table.PkInternalName, table.SelectFields)
	system := domain.MirrorSystemFields{SharePointId: item.Id, SharePointModifiedUtc: item.ModifiedUtc, SharePointETag: item.ETag}
	if err := e.mirror.UpsertEntity(ctx, table.EntityName, appPK, fields, system); err != nil {
		e.logger.WarnContext(ctx, "post-write mirror refresh upsert failed, continuing", "entity", table.EntityName, "appPK", appPK, "error", err)
	}
}

func mergeFields(existing map[string]any, update map[string]any, table domain.AppTableConfig) map[string]any {
	merged := make(map[string]any, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range domain.SanitizeFields(update, table.PkInternalName, table.SelectFields) {
		merged[k] = v
	}
	return merged
}
