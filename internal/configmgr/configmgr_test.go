package configmgr

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/spsync/internal/connector"
	"github.com/vitaliisemenov/spsync/internal/connector/fake"
	"github.com/vitaliisemenov/spsync/internal/domain"
	"github.com/vitaliisemenov/spsync/internal/storage/flatfile"
)

func newTestStore(t *testing.T) *flatfile.Store {
	t.Helper()
	store, err := flatfile.New(filepath.Join(t.TempDir(), "config.json"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitializeSchema(context.Background()))
	return store
}

func seedConfigList(conn *fake.Connector, appId string, version int) {
	conn.Seed("cfg-list", "APP_Config", []connector.Item{
		{Id: 1, Fields: map[string]any{"AppId": appId, "ConfigVersion": float64(version)}},
	})
}

func seedTablesList(conn *fake.Connector, tables []connector.Item) {
	conn.Seed("tables-list", "APP_Tables", tables)
}

func TestRefresh_NoRemoteConfigRowKeepsLocalCatalog(t *testing.T) {
	store := newTestStore(t)
	conn := fake.New()
	conn.Seed("cfg-list", "APP_Config", nil)
	conn.Seed("tables-list", "APP_Tables", nil)

	mgr := New(store, conn)
	cfg, err := mgr.Refresh(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cfg.ConfigVersion)
	assert.Empty(t, cfg.Tables)
}

func TestRefresh_NewerVersionPullsAndPersistsTables(t *testing.T) {
	store := newTestStore(t)
	conn := fake.New()
	seedConfigList(conn, "app-1", 3)
	seedTablesList(conn, []connector.Item{
		{Id: 1, Fields: map[string]any{
			"EntityName": "Tasks", "ListId": "list-tasks", "Enabled": true,
			"SyncPolicy": "OnOpen", "Priority": float64(1),
		}},
		{Id: 2, Fields: map[string]any{
			"EntityName": "Projects", "ListId": "list-projects", "Enabled": true,
			"SyncPolicy": "OnDemand", "Priority": float64(2),
		}},
	})

	mgr := New(store, conn)
	cfg, err := mgr.Refresh(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cfg.ConfigVersion)
	require.Len(t, cfg.Tables, 2)
	assert.Equal(t, "Tasks", cfg.Tables[0].EntityName)
	assert.Equal(t, domain.DefaultPkInternalName, cfg.Tables[0].PkInternalName)

	cached, ok := mgr.CachedTable("Tasks")
	assert.True(t, ok)
	assert.Equal(t, "list-tasks", cached.ListId)

	persisted, ok, err := store.GetLocalConfig(context.Background(), "app-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), persisted.ConfigVersion)
}

func TestRefresh_SameOrOlderVersionSkipsTablesPull(t *testing.T) {
	store := newTestStore(t)
	conn := fake.New()
	seedConfigList(conn, "app-1", 1)
	seedTablesList(conn, []connector.Item{
		{Id: 1, Fields: map[string]any{"EntityName": "Tasks", "ListId": "list-tasks", "Enabled": true}},
	})

	mgr := New(store, conn)
	first, err := mgr.Refresh(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, first.Tables, 1)

	// Server version unchanged; a second Refresh must not re-pull (the fake
	// would not error either way, but the local config version must stay 1
	// and the returned catalog must be the persisted one).
	second, err := mgr.Refresh(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, first.ConfigVersion, second.ConfigVersion)
	assert.Equal(t, first.Tables, second.Tables)
}

func TestRefresh_MalformedTableRowIsSkippedNotFatal(t *testing.T) {
	store := newTestStore(t)
	conn := fake.New()
	seedConfigList(conn, "app-1", 1)
	seedTablesList(conn, []connector.Item{
		{Id: 1, Fields: map[string]any{"ListId": "list-x"}}, // missing EntityName
		{Id: 2, Fields: map[string]any{"EntityName": "Tasks", "ListId": "list-tasks", "Enabled": true}},
	})

	mgr := New(store, conn)
	cfg, err := mgr.Refresh(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, cfg.Tables, 1)
	assert.Equal(t, "Tasks", cfg.Tables[0].EntityName)
}

func TestRefresh_MissingConflictPolicyColumnDefaultsToServerWins(t *testing.T) {
	store := newTestStore(t)
	conn := fake.New()
	seedConfigList(conn, "app-1", 1)
	seedTablesList(conn, []connector.Item{
		{Id: 1, Fields: map[string]any{"EntityName": "Tasks", "ListId": "list-tasks", "Enabled": true}},
	})

	mgr := New(store, conn)
	cfg, err := mgr.Refresh(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, cfg.Tables, 1)
	assert.Equal(t, domain.ConflictServerWins, cfg.Tables[0].ConflictPolicy)
}

func TestRefresh_ServerRejecting400OnConflictPolicySelectRetriesWithoutIt(t *testing.T) {
	store := newTestStore(t)
	conn := fake.New()
	seedConfigList(conn, "app-1", 1)
	seedTablesList(conn, []connector.Item{
		{Id: 1, Fields: map[string]any{"EntityName": "Tasks", "ListId": "list-tasks", "Enabled": true}},
	})
	// Simulate an older deployment whose APP_Tables list has not been
	// migrated to carry a ConflictPolicy column: the first $select including
	// it gets a 400, and fetchTables must retry without it rather than
	// surface the error.
	conn.RejectSelectColumn("ConflictPolicy")

	mgr := New(store, conn)
	cfg, err := mgr.Refresh(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, cfg.Tables, 1)
	assert.Equal(t, "Tasks", cfg.Tables[0].EntityName)
	assert.Equal(t, domain.ConflictServerWins, cfg.Tables[0].ConflictPolicy)
}

func TestRefresh_ServerRejecting400OnUnrelatedColumnIsNotRetried(t *testing.T) {
	store := newTestStore(t)
	conn := fake.New()
	seedConfigList(conn, "app-1", 1)
	seedTablesList(conn, []connector.Item{
		{Id: 1, Fields: map[string]any{"EntityName": "Tasks", "ListId": "list-tasks", "Enabled": true}},
	})
	conn.RejectSelectColumn("Priority")

	mgr := New(store, conn)
	_, err := mgr.Refresh(context.Background(), "app-1")
	require.Error(t, err)
}

func TestCoerceInt(t *testing.T) {
	cases := []struct {
		in   any
		want int
	}{
		{nil, 0}, {42, 42}, {int64(7), 7}, {float64(9), 9}, {"13", 13}, {"", 0},
	}
	for _, c := range cases {
		got, err := coerceInt(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}

	_, err := coerceInt(true)
	assert.Error(t, err)
}

func TestCoerceBool(t *testing.T) {
	trueCases := []any{true, float64(1), "true", "1", "yes", "TRUE"}
	for _, v := range trueCases {
		got, err := coerceBool(v)
		require.NoError(t, err)
		assert.True(t, got, "%v should coerce true", v)
	}
	falseCases := []any{false, float64(0), "false", "0", "no", "", nil}
	for _, v := range falseCases {
		got, err := coerceBool(v)
		require.NoError(t, err)
		assert.False(t, got, "%v should coerce false", v)
	}
	_, err := coerceBool("maybe")
	assert.Error(t, err)
}

func TestCoerceEnum(t *testing.T) {
	got, err := coerceEnum("ClientWins", conflictPolicyByName, int(domain.ConflictServerWins))
	require.NoError(t, err)
	assert.Equal(t, int(domain.ConflictClientWins), got)

	got, err = coerceEnum(nil, conflictPolicyByName, int(domain.ConflictServerWins))
	require.NoError(t, err)
	assert.Equal(t, int(domain.ConflictServerWins), got)

	got, err = coerceEnum(float64(2), conflictPolicyByName, int(domain.ConflictServerWins))
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	_, err = coerceEnum("NotAPolicy", conflictPolicyByName, int(domain.ConflictServerWins))
	assert.Error(t, err)
}
