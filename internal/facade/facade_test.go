package facade

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/spsync/internal/connector"
	"github.com/vitaliisemenov/spsync/internal/connector/fake"
	"github.com/vitaliisemenov/spsync/internal/domain"
	"github.com/vitaliisemenov/spsync/internal/storage/flatfile"
	"github.com/vitaliisemenov/spsync/internal/synclock"
)

func newTestFacade(t *testing.T) (*Facade, *fake.Connector) {
	t.Helper()
	store, err := flatfile.New(filepath.Join(t.TempDir(), "store.json"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conn := fake.New()
	f := New(store, conn, "app-1", synclock.NewInProcess(), nil)
	return f, conn
}

func seedConfig(conn *fake.Connector, version int) {
	conn.Seed("cfg-list", "APP_Config", []connector.Item{
		{Id: 1, Fields: map[string]any{"AppId": "app-1", "ConfigVersion": float64(version)}},
	})
}

func seedTasksTable(conn *fake.Connector, syncPolicy string, priority int) {
	conn.Seed("tables-list", "APP_Tables", []connector.Item{
		{Id: 1, Fields: map[string]any{
			"EntityName": "Tasks", "ListId": "list-tasks", "Enabled": true,
			"PkInternalName": "AppPK", "SelectFieldsJson": `["Title","IsDone"]`,
			"SyncPolicy": syncPolicy, "Priority": float64(priority),
		}},
	})
}

func TestInitialize_EnsuresConfigFromRemote(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	seedTasksTable(conn, "OnOpen", 1)

	require.NoError(t, f.Initialize(context.Background()))

	cfg, ok := f.config.CachedTable("Tasks")
	require.True(t, ok)
	assert.Equal(t, "list-tasks", cfg.ListId)
}

func TestEnsureConfig_ReturnsCatalog(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 2)
	seedTasksTable(conn, "OnDemand", 1)

	cfg, err := f.EnsureConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.ConfigVersion)
	require.Len(t, cfg.Tables, 1)
	assert.Equal(t, "Tasks", cfg.Tables[0].EntityName)
}

func TestSyncOnOpen_OnlyPullsOnOpenTables(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	conn.Seed("tables-list", "APP_Tables", []connector.Item{
		{Id: 1, Fields: map[string]any{
			"EntityName": "Tasks", "ListId": "list-tasks", "Enabled": true,
			"PkInternalName": "AppPK", "SelectFieldsJson": `["Title"]`,
			"SyncPolicy": "OnOpen", "Priority": float64(1),
		}},
		{Id: 2, Fields: map[string]any{
			"EntityName": "Projects", "ListId": "list-projects", "Enabled": true,
			"PkInternalName": "AppPK", "SelectFieldsJson": `["Name"]`,
			"SyncPolicy": "OnDemand", "Priority": float64(2),
		}},
	})
	conn.Seed("list-tasks", "Tasks", []connector.Item{
		{Id: 1, Fields: map[string]any{"AppPK": "t1", "Title": "a"}},
	})
	conn.Seed("list-projects", "Projects", []connector.Item{
		{Id: 1, Fields: map[string]any{"AppPK": "p1", "Name": "x"}},
	})

	require.NoError(t, f.SyncOnOpen(context.Background()))

	_, ok, err := f.store.GetEntity(context.Background(), "Tasks", "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = f.store.GetEntity(context.Background(), "Projects", "p1")
	require.NoError(t, err)
	assert.False(t, ok, "OnDemand table must not be pulled during SyncOnOpen")
}

func TestSyncAll_SkipsSyncNeverTables(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	conn.Seed("tables-list", "APP_Tables", []connector.Item{
		{Id: 1, Fields: map[string]any{
			"EntityName": "Tasks", "ListId": "list-tasks", "Enabled": true,
			"PkInternalName": "AppPK", "SelectFieldsJson": `["Title"]`,
			"SyncPolicy": "OnDemand", "Priority": float64(1),
		}},
		{Id: 2, Fields: map[string]any{
			"EntityName": "Archived", "ListId": "list-archived", "Enabled": true,
			"PkInternalName": "AppPK", "SelectFieldsJson": `["Name"]`,
			"SyncPolicy": "Never", "Priority": float64(2),
		}},
	})
	conn.Seed("list-tasks", "Tasks", []connector.Item{
		{Id: 1, Fields: map[string]any{"AppPK": "t1", "Title": "a"}},
	})
	conn.Seed("list-archived", "Archived", []connector.Item{
		{Id: 1, Fields: map[string]any{"AppPK": "a1", "Name": "x"}},
	})

	require.NoError(t, f.SyncAll(context.Background()))

	_, ok, err := f.store.GetEntity(context.Background(), "Tasks", "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = f.store.GetEntity(context.Background(), "Archived", "a1")
	require.NoError(t, err)
	assert.False(t, ok, "SyncNever table must never be synced by SyncAll")
}

func TestSyncTable_UnknownEntityErrors(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	seedTasksTable(conn, "OnDemand", 1)

	err := f.SyncTable(context.Background(), "NoSuchEntity")
	assert.Error(t, err)
}

func TestSyncTable_PullsNamedEntity(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	seedTasksTable(conn, "OnDemand", 1)
	conn.Seed("list-tasks", "Tasks", []connector.Item{
		{Id: 1, Fields: map[string]any{"AppPK": "t1", "Title": "hello"}},
	})

	require.NoError(t, f.SyncTable(context.Background(), "Tasks"))

	row, ok, err := f.store.GetEntity(context.Background(), "Tasks", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", row.Fields["Title"])
}

func TestDrainOutbox_PushesWithoutPulling(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	seedTasksTable(conn, "OnDemand", 1)
	conn.Seed("list-tasks", "Tasks", nil)

	require.NoError(t, f.UpsertLocalAndEnqueueInsert(context.Background(), "Tasks", "t1",
		map[string]any{"Title": "new task"}))

	require.NoError(t, f.DrainOutbox(context.Background()))

	depth, err := f.store.OutboxDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth[domain.StatusPending])
	assert.Equal(t, 1, depth[domain.StatusApplied])

	// DrainOutbox must not have pulled anything the fake connector doesn't
	// already reflect; the remote item it pushed is the only one that should
	// exist.
	listId, err := conn.GetListIdByTitle(context.Background(), "Tasks")
	require.NoError(t, err)
	page, err := conn.QueryListItems(context.Background(), listId, connector.QueryOptions{Top: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "new task", page.Items[0].Fields["Title"])
}

func TestDrainOutbox_DrainsAcrossEntitiesInGlobalOrderRegardlessOfPriority(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	conn.Seed("tables-list", "APP_Tables", []connector.Item{
		{Id: 1, Fields: map[string]any{
			"EntityName": "Tasks", "ListId": "list-tasks", "Enabled": true,
			"PkInternalName": "AppPK", "SelectFieldsJson": `["Title"]`,
			"SyncPolicy": "OnDemand", "Priority": float64(1),
		}},
		{Id: 2, Fields: map[string]any{
			"EntityName": "Projects", "ListId": "list-projects", "Enabled": true,
			"PkInternalName": "AppPK", "SelectFieldsJson": `["Name"]`,
			"SyncPolicy": "OnDemand", "Priority": float64(2),
		}},
	})
	conn.Seed("list-tasks", "Tasks", nil)
	conn.Seed("list-projects", "Projects", nil)

	// Projects enqueued first even though Tasks has the higher priority: a
	// single global drain must push Projects' row before Tasks', since the
	// outbox is a single FIFO queue, not one queue per table.
	require.NoError(t, f.UpsertLocalAndEnqueueInsert(context.Background(), "Projects", "p1",
		map[string]any{"Name": "first"}))
	require.NoError(t, f.UpsertLocalAndEnqueueInsert(context.Background(), "Tasks", "t1",
		map[string]any{"Title": "second"}))

	require.NoError(t, f.DrainOutbox(context.Background()))

	depth, err := f.store.OutboxDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth[domain.StatusPending])
	assert.Equal(t, 2, depth[domain.StatusApplied])

	projectsListId, err := conn.GetListIdByTitle(context.Background(), "Projects")
	require.NoError(t, err)
	projectsItem, err := conn.GetListItem(context.Background(), projectsListId, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", projectsItem.Fields["Name"], "the row enqueued first across entities must land at remote id 1")
}

func TestDrainOutbox_UnknownEntityInOutboxFailsExplicitlyWithoutBlockingOtherRows(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	seedTasksTable(conn, "OnDemand", 1)
	conn.Seed("list-tasks", "Tasks", nil)

	// A row can name an entity no longer present in local configuration, e.g.
	// a table removed from APP_Tables after the row was enqueued. Bypass the
	// Facade's own enqueue helpers (which validate against the current
	// catalog) to land such a row directly, the way a stale queue would.
	_, err := f.store.EnqueueChange(context.Background(), domain.ChangeLogEntry{
		EntityName:  "Retired",
		AppPK:       "r1",
		Operation:   domain.OpInsert,
		PayloadJson: `{"Name":"orphaned"}`,
	})
	require.NoError(t, err)
	require.NoError(t, f.UpsertLocalAndEnqueueInsert(context.Background(), "Tasks", "t1",
		map[string]any{"Title": "still goes through"}))

	require.NoError(t, f.DrainOutbox(context.Background()))

	depth, err := f.store.OutboxDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth[domain.StatusPending], "the unresolvable row stays pending rather than being dropped")
	assert.Equal(t, 1, depth[domain.StatusApplied], "the Tasks row is not blocked by the unresolvable row ahead of it")

	_, ok, err := f.store.GetEntity(context.Background(), "Tasks", "t1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpsertLocalAndEnqueueInsert_SanitizesAndEnqueuesPayload(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	seedTasksTable(conn, "OnDemand", 1)

	err := f.UpsertLocalAndEnqueueInsert(context.Background(), "Tasks", "t1", map[string]any{
		"Title":          "hello",
		"IsDone":         true,
		"NotWhitelisted": "should be dropped",
		"AppPK":          "ignored-reserved-key",
	})
	require.NoError(t, err)

	row, ok, err := f.store.GetEntity(context.Background(), "Tasks", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", row.Fields["Title"])
	assert.Equal(t, true, row.Fields["IsDone"])
	assert.NotContains(t, row.Fields, "NotWhitelisted")

	pending, err := f.store.GetPendingChanges(context.Background(), "Tasks", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OpInsert, pending[0].Operation)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(pending[0].PayloadJson), &payload))
	assert.Equal(t, "hello", payload["Title"])
	assert.NotContains(t, payload, "NotWhitelisted")
}

func TestUpsertLocalAndEnqueueUpdate_MergesOverExistingFields(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	seedTasksTable(conn, "OnDemand", 1)

	require.NoError(t, f.UpsertLocalAndEnqueueInsert(context.Background(), "Tasks", "t1",
		map[string]any{"Title": "first", "IsDone": false}))
	require.NoError(t, f.UpsertLocalAndEnqueueUpdate(context.Background(), "Tasks", "t1",
		map[string]any{"IsDone": true}))

	row, ok, err := f.store.GetEntity(context.Background(), "Tasks", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", row.Fields["Title"], "update must merge, not replace, existing fields")
	assert.Equal(t, true, row.Fields["IsDone"])

	pending, err := f.store.GetPendingChanges(context.Background(), "Tasks", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, domain.OpUpdate, pending[1].Operation)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(pending[1].PayloadJson), &payload))
	assert.NotContains(t, payload, "Title", "update's outbox payload carries only the changed fields")
}

func TestMarkLocalDeletedAndEnqueueSoftDelete_TombstonesMirrorRow(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	seedTasksTable(conn, "OnDemand", 1)

	require.NoError(t, f.UpsertLocalAndEnqueueInsert(context.Background(), "Tasks", "t1",
		map[string]any{"Title": "soon gone"}))

	require.NoError(t, f.MarkLocalDeletedAndEnqueueSoftDelete(context.Background(), "Tasks", "t1"))

	row, ok, err := f.store.GetEntity(context.Background(), "Tasks", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.System.IsDeleted)
	require.NotNil(t, row.System.DeletedAtUtc)
	assert.Equal(t, "soon gone", row.Fields["Title"], "soft delete preserves field data")

	pending, err := f.store.GetPendingChanges(context.Background(), "Tasks", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, domain.OpSoftDelete, pending[1].Operation)
}

func TestStatus_AssemblesOutboxDepthSyncStatesAndConflicts(t *testing.T) {
	f, conn := newTestFacade(t)
	seedConfig(conn, 1)
	seedTasksTable(conn, "OnDemand", 1)
	conn.Seed("list-tasks", "Tasks", []connector.Item{
		{Id: 1, Fields: map[string]any{"AppPK": "t1", "Title": "a"}},
	})

	cfg, err := f.EnsureConfig(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.SyncTable(context.Background(), "Tasks"))

	snap, err := f.Status(context.Background(), cfg, 10)
	require.NoError(t, err)
	assert.NotNil(t, snap.OutboxDepth)
	require.Contains(t, snap.SyncStates, "Tasks")
	assert.NotNil(t, snap.SyncStates["Tasks"].LastSyncModifiedUtc)
	assert.Empty(t, snap.RecentConflicts)
}

func TestClose_ClosesUnderlyingStore(t *testing.T) {
	f, _ := newTestFacade(t)
	assert.NoError(t, f.Close())
}
