// Package configmgr discovers which entities to sync by reading the two
// server-side system lists APP_Config and APP_Tables, and keeps the local
// catalog in step with the server's ConfigVersion.
package configmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/go-playground/validator/v10"

	"github.com/vitaliisemenov/spsync/internal/connector"
	"github.com/vitaliisemenov/spsync/internal/domain"
	"github.com/vitaliisemenov/spsync/internal/storage"
)

const (
	listAppConfig = "APP_Config"
	listAppTables = "APP_Tables"

	defaultTableCacheSize = 64
)

// Manager refreshes and caches the local table catalog for one AppId.
type Manager struct {
	store     storage.CoreStore
	conn      connector.Connector
	validate  *validator.Validate
	logger    *slog.Logger
	tableCache *lru.Cache[string, domain.AppTableConfig]
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithTableCacheSize overrides the default parsed-table-config cache size.
func WithTableCacheSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			cache, err := lru.New[string, domain.AppTableConfig](size)
			if err == nil {
				m.tableCache = cache
			}
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New builds a Configuration Manager over store and conn.
func New(store storage.CoreStore, conn connector.Connector, opts ...Option) *Manager {
	cache, _ := lru.New[string, domain.AppTableConfig](defaultTableCacheSize)
	m := &Manager{
		store:      store,
		conn:       conn,
		validate:   validator.New(),
		logger:     slog.Default(),
		tableCache: cache,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Refresh loads the local config for appId and, if the server's
// ConfigVersion is newer, re-pulls APP_Tables and persists a new local
// catalog. It always returns the config the engine should use.
func (m *Manager) Refresh(ctx context.Context, appId string) (domain.LocalConfig, error) {
	local, ok, err := m.store.GetLocalConfig(ctx, appId)
	if err != nil {
		return domain.LocalConfig{}, fmt.Errorf("load local config: %w", err)
	}
	if !ok {
		local = domain.LocalConfig{AppId: appId, ConfigVersion: 0}
	}

	remoteVersion, found, err := m.fetchRemoteConfigVersion(ctx, appId)
	if err != nil {
		return domain.LocalConfig{}, fmt.Errorf("query %s: %w", listAppConfig, err)
	}
	if !found {
		m.logger.InfoContext(ctx, "no remote app config row, using local catalog unchanged", "appId", appId)
		return local, nil
	}
	if remoteVersion <= local.ConfigVersion {
		return local, nil
	}

	// Drop entries parsed under the old version before fetchTables caches
	// the newly parsed rows.
	if m.tableCache != nil {
		m.tableCache.Purge()
	}
	tables, err := m.fetchTables(ctx)
	if err != nil {
		return domain.LocalConfig{}, fmt.Errorf("query %s: %w", listAppTables, err)
	}

	next := domain.LocalConfig{
		AppId:         appId,
		ConfigVersion: remoteVersion,
		Tables:        tables,
		UpdatedUtc:    time.Now().UTC(),
	}
	if err := m.store.SaveLocalConfig(ctx, next); err != nil {
		return domain.LocalConfig{}, fmt.Errorf("save local config: %w", err)
	}
	m.logger.InfoContext(ctx, "applied newer config version", "appId", appId,
		"from", local.ConfigVersion, "to", remoteVersion, "tables", len(tables))
	return next, nil
}

func (m *Manager) fetchRemoteConfigVersion(ctx context.Context, appId string) (int64, bool, error) {
	listId, err := m.conn.GetListIdByTitle(ctx, listAppConfig)
	if err != nil {
		return 0, false, err
	}
	filter := fmt.Sprintf("AppId eq '%s'", escapeODataLiteral(appId))
	page, err := m.conn.QueryListItems(ctx, listId, connector.QueryOptions{
		Select: []string{"AppId", "ConfigVersion", "MinClientVersion", "LastModifiedUtc"},
		Filter: filter,
		Top:    1,
	})
	if err != nil {
		return 0, false, err
	}
	if len(page.Items) == 0 {
		return 0, false, nil
	}
	version, err := coerceInt(page.Items[0].Fields["ConfigVersion"])
	if err != nil {
		return 0, false, fmt.Errorf("parse ConfigVersion: %w", err)
	}
	return int64(version), true, nil
}

// tableSelectFields are the APP_Tables columns every deployment is expected
// to carry. ConflictPolicy is requested separately (see fetchTables) since
// older deployments may not have migrated that column onto the list yet.
var tableSelectFields = []string{
	"EntityName", "ListId", "ListTitle", "Enabled", "PkInternalName",
	"SelectFieldsJson", "SyncPolicy", "AttachmentsMode", "PartitionStrategy",
	"Priority", "ExpectedIndexesJson",
}

func (m *Manager) fetchTables(ctx context.Context) ([]domain.AppTableConfig, error) {
	tables, err := m.fetchTablesSelecting(ctx, true)
	if err != nil && connector.IsUnknownColumn(err, "ConflictPolicy") {
		m.logger.WarnContext(ctx, "APP_Tables is missing the ConflictPolicy column, retrying $select without it; rows default to ServerWins",
			"list", listAppTables)
		return m.fetchTablesSelecting(ctx, false)
	}
	return tables, err
}

func (m *Manager) fetchTablesSelecting(ctx context.Context, withConflictPolicy bool) ([]domain.AppTableConfig, error) {
	listId, err := m.conn.GetListIdByTitle(ctx, listAppTables)
	if err != nil {
		return nil, err
	}

	selectFields := tableSelectFields
	if withConflictPolicy {
		selectFields = append(append([]string{}, tableSelectFields...), "ConflictPolicy")
	}

	var tables []domain.AppTableConfig
	cursor := ""
	for {
		page, err := m.conn.QueryListItems(ctx, listId, connector.QueryOptions{
			Select:         selectFields,
			OrderBy:        "Priority asc",
			Top:            200,
			NextPageCursor: cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			table, err := parseTableRow(item.Fields)
			if err != nil {
				m.logger.WarnContext(ctx, "skipping malformed table row", "error", err)
				continue
			}
			if err := m.validate.Struct(table); err != nil {
				m.logger.WarnContext(ctx, "skipping invalid table row", "entity", table.EntityName, "error", err)
				continue
			}
			tables = append(tables, table)
			if m.tableCache != nil {
				m.tableCache.Add(table.EntityName, table)
			}
		}
		if page.NextPageCursor == "" {
			break
		}
		cursor = page.NextPageCursor
	}
	return tables, nil
}

// CachedTable returns a previously parsed AppTableConfig by entity name
// without touching the store, or false if it is not (yet) cached.
func (m *Manager) CachedTable(entityName string) (domain.AppTableConfig, bool) {
	if m.tableCache == nil {
		return domain.AppTableConfig{}, false
	}
	return m.tableCache.Get(entityName)
}

func escapeODataLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func parseTableRow(fields map[string]any) (domain.AppTableConfig, error) {
	entityName, _ := fields["EntityName"].(string)
	if entityName == "" {
		return domain.AppTableConfig{}, fmt.Errorf("missing EntityName")
	}
	listId, _ := fields["ListId"].(string)

	pkInternalName, _ := fields["PkInternalName"].(string)
	if pkInternalName == "" {
		pkInternalName = domain.DefaultPkInternalName
	}

	enabled, err := coerceBool(fields["Enabled"])
	if err != nil {
		return domain.AppTableConfig{}, fmt.Errorf("entity %s: Enabled: %w", entityName, err)
	}

	syncPolicy, err := coerceEnum(fields["SyncPolicy"], syncPolicyByName, int(domain.SyncOnOpen))
	if err != nil {
		return domain.AppTableConfig{}, fmt.Errorf("entity %s: SyncPolicy: %w", entityName, err)
	}
	attachmentsMode, err := coerceEnum(fields["AttachmentsMode"], attachmentsModeByName, int(domain.AttachmentsNone))
	if err != nil {
		return domain.AppTableConfig{}, fmt.Errorf("entity %s: AttachmentsMode: %w", entityName, err)
	}
	partitionStrategy, err := coerceEnum(fields["PartitionStrategy"], partitionStrategyByName, int(domain.PartitionNone))
	if err != nil {
		return domain.AppTableConfig{}, fmt.Errorf("entity %s: PartitionStrategy: %w", entityName, err)
	}

	// Schema-evolution tolerance: older deployments may not have a
	// ConflictPolicy column at all; default to ServerWins rather than error.
	conflictPolicy := int(domain.ConflictServerWins)
	if raw, ok := fields["ConflictPolicy"]; ok {
		conflictPolicy, err = coerceEnum(raw, conflictPolicyByName, int(domain.ConflictServerWins))
		if err != nil {
			return domain.AppTableConfig{}, fmt.Errorf("entity %s: ConflictPolicy: %w", entityName, err)
		}
	}

	priority, err := coerceInt(fields["Priority"])
	if err != nil {
		priority = 0
	}

	return domain.AppTableConfig{
		EntityName:        entityName,
		ListId:            listId,
		ListTitle:         stringField(fields["ListTitle"]),
		Enabled:           enabled,
		PkInternalName:    pkInternalName,
		SelectFields:      splitJsonArray(fields["SelectFieldsJson"]),
		SyncPolicy:        domain.SyncPolicy(syncPolicy),
		AttachmentsMode:   domain.AttachmentsMode(attachmentsMode),
		PartitionStrategy: domain.PartitionStrategy(partitionStrategy),
		ConflictPolicy:    domain.ConflictPolicy(conflictPolicy),
		Priority:          priority,
		ExpectedIndexes:   splitJsonArray(fields["ExpectedIndexesJson"]),
	}, nil
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

var syncPolicyByName = map[string]int{"onopen": int(domain.SyncOnOpen), "ondemand": int(domain.SyncOnDemand), "never": int(domain.SyncNever)}
var attachmentsModeByName = map[string]int{"none": int(domain.AttachmentsNone), "metadataonly": int(domain.AttachmentsMetadataOnly), "full": int(domain.AttachmentsFull)}
var partitionStrategyByName = map[string]int{"none": int(domain.PartitionNone), "byowner": int(domain.PartitionByOwner), "bydate": int(domain.PartitionByDate)}
var conflictPolicyByName = map[string]int{"serverwins": int(domain.ConflictServerWins), "clientwins": int(domain.ConflictClientWins), "manual": int(domain.ConflictManual)}

// coerceEnum parses an enum value that may arrive as a name (case-insensitive)
// or as a numeric ordinal, falling back to def when the field is absent.
func coerceEnum(v any, byName map[string]int, def int) (int, error) {
	if v == nil {
		return def, nil
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		if n, ok := byName[strings.ToLower(s)]; ok {
			return n, nil
		}
		return 0, fmt.Errorf("unrecognized enum value %q", s)
	}
	return coerceInt(v)
}

// coerceInt parses a remote numeric field that may arrive as float64 (the
// common JSON decode shape), int, int64, or a numeric string.
func coerceInt(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		if t == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(t, 64)
			if ferr != nil {
				return 0, fmt.Errorf("cannot parse %q as a number", t)
			}
			return int(f), nil
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// coerceBool accepts true/false, 1/0, and the yes/no/true/false string forms.
func coerceBool(v any) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case string:
		switch strings.ToLower(t) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no", "":
			return false, nil
		default:
			return false, fmt.Errorf("unrecognized boolean value %q", t)
		}
	default:
		return false, fmt.Errorf("unsupported boolean type %T", v)
	}
}

// splitJsonArray parses a JSON array field such as SelectFieldsJson into a
// string slice; a missing or malformed field yields an empty slice.
func splitJsonArray(v any) []string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil
	}
	return parseJsonStringArray(s)
}
