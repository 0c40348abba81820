package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vitaliisemenov/spsync/internal/connector"
	"github.com/vitaliisemenov/spsync/internal/domain"
)

// resolveConflict handles both the already-exists signal (on Insert) and
// the optimistic-concurrency signal (on Update/SoftDelete) against
// serverItem, per table.ConflictPolicy. A ConflictLogEntry is always
// appended first, with both the local and server state captured verbatim.
func (e *Engine) resolveConflict(ctx context.Context, table domain.AppTableConfig, change domain.ChangeLogEntry,
	mirrorRow domain.MirrorRow, serverItem *connector.Item, payload map[string]any) (pushOutcome, error) {

	serverFieldsJson, _ := json.Marshal(serverItem.Fields)
	localPayloadJson, _ := json.Marshal(payload)

	entry := domain.ConflictLogEntry{
		EntityName:       table.EntityName,
		AppPK:            change.AppPK,
		ChangeId:         change.Id,
		Operation:        change.Operation,
		Policy:           table.ConflictPolicy,
		SharePointId:     serverItem.Id,
		LocalETag:        mirrorRow.System.SharePointETag,
		ServerETag:       serverItem.ETag,
		LocalPayloadJson: string(localPayloadJson),
		ServerFieldsJson: string(serverFieldsJson),
		Message:          fmt.Sprintf("%s conflict on %s/%s under policy %s", change.Operation, table.EntityName, change.AppPK, table.ConflictPolicy),
	}
	if err := e.core.LogConflict(ctx, entry); err != nil {
		return outcomeApplied, fmt.Errorf("log conflict: %w", err)
	}

	switch table.ConflictPolicy {
	case domain.ConflictManual:
		e.refreshMirrorFromItem(ctx, table, change.AppPK, *serverItem)
		if err := e.core.MarkChangeConflicted(ctx, change.Id, entry.Message); err != nil {
			return outcomeApplied, fmt.Errorf("mark change conflicted: %w", err)
		}
		pushConflictTotal.WithLabelValues(table.EntityName, table.ConflictPolicy.String()).Inc()
		return outcomeConflict, nil

	case domain.ConflictServerWins:
		e.refreshMirrorFromItem(ctx, table, change.AppPK, *serverItem)
		return outcomeApplied, nil

	case domain.ConflictClientWins:
		return e.retryClientWins(ctx, table, change, serverItem, payload)

	default:
		return outcomeApplied, fmt.Errorf("unknown conflict policy %v", table.ConflictPolicy)
	}
}

// retryClientWins retries the mutation once against the server's current
// ETag (adopting the server's item id on an insert-exists conflict). A
// second concurrency failure terminates the row as Conflict rather than
// looping.
func (e *Engine) retryClientWins(ctx context.Context, table domain.AppTableConfig, change domain.ChangeLogEntry,
	serverItem *connector.Item, payload map[string]any) (pushOutcome, error) {

	ifMatch := serverItem.ETag
	if ifMatch == "" {
		ifMatch = connector.IfMatchAny
	}

	err := e.conn.UpdateListItem(ctx, table.ListId, serverItem.Id, payload, ifMatch)
	if err == nil {
		e.refreshMirrorBestEffort(ctx, table, change.AppPK, serverItem.Id)
		return outcomeApplied, nil
	}
	if !connector.IsConcurrencyConflict(err) {
		return outcomeApplied, err
	}

	message := fmt.Sprintf("ClientWins retry failed on %s/%s: %v", table.EntityName, change.AppPK, err)
	if markErr := e.core.MarkChangeConflicted(ctx, change.Id, message); markErr != nil {
		return outcomeApplied, fmt.Errorf("mark change conflicted: %w", markErr)
	}
	pushConflictTotal.WithLabelValues(table.EntityName, table.ConflictPolicy.String()).Inc()
	return outcomeConflict, nil
}

func (e *Engine) refreshMirrorFromItem(ctx context.Context, table domain.AppTableConfig, appPK string, item connector.Item) {
	fields := domain.SanitizeFields(item.Fields, table.PkInternalName, table.SelectFields)
	system := domain.MirrorSystemFields{
		SharePointId:          item.Id,
		SharePointModifiedUtc: item.ModifiedUtc,
		SharePointETag:        item.ETag,
	}
	if isDeleted, ok := item.Fields["IsDeleted"].(bool); ok {
		system.IsDeleted = isDeleted
	}
	if dt, ok := item.Fields["DeletedAtUtc"].(time.Time); ok {
		system.DeletedAtUtc = &dt
	}
	if err := e.mirror.UpsertEntity(ctx, table.EntityName, appPK, fields, system); err != nil {
		e.logger.WarnContext(ctx, "conflict mirror refresh failed", "entity", table.EntityName, "appPK", appPK, "error", err)
	}
}
