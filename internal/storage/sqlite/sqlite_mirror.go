package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/vitaliisemenov/spsync/internal/domain"
)

var unsafeIdent = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// quoteIdent produces a safe-quoted SQLite identifier for a mirror table or
// column name derived from entity/field names that may contain arbitrary
// characters from the server's catalog.
func quoteIdent(name string) string {
	safe := unsafeIdent.ReplaceAllString(name, "_")
	return `"` + strings.ReplaceAll(safe, `"`, `""`) + `"`
}

func mirrorTableName(entityName string) string {
	return "mirror_" + unsafeIdent.ReplaceAllString(entityName, "_")
}

// EnsureEntitySchema creates the mirror table for table.EntityName if it
// does not exist, and adds any missing whitelisted SelectFields columns.
// Column additions are additive only: existing columns are never dropped,
// renamed, or retyped.
func (s *Store) EnsureEntitySchema(ctx context.Context, table domain.AppTableConfig) error {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()

	tableName := mirrorTableName(table.EntityName)

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			"AppPK" TEXT PRIMARY KEY,
			%s TEXT,
			%s TEXT,
			%s TEXT,
			"IsDeleted" INTEGER NOT NULL DEFAULT 0,
			"DeletedAtUtc" TEXT
		)`, quoteIdent(tableName),
		quoteIdent(domain.SystemFieldSpId),
		quoteIdent(domain.SystemFieldSpModifiedUtc),
		quoteIdent(domain.SystemFieldSpETag)))
	if err != nil {
		return fmt.Errorf("create mirror table %s: %w", tableName, err)
	}

	for _, idx := range []string{"IsDeleted", domain.SystemFieldSpModifiedUtc, "DeletedAtUtc"} {
		idxName := "idx_" + mirrorTableName(table.EntityName) + "_" + unsafeIdent.ReplaceAllString(idx, "_")
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			quoteIdent(idxName), quoteIdent(tableName), quoteIdent(idx)))
		if err != nil {
			return fmt.Errorf("create index on %s: %w", tableName, err)
		}
	}

	existing, err := s.mirrorColumns(ctx, tableName)
	if err != nil {
		return err
	}
	for _, field := range table.SelectFields {
		if domain.IsReservedField(field, table.PkInternalName) {
			continue
		}
		if _, ok := existing[field]; ok {
			continue
		}
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`,
			quoteIdent(tableName), quoteIdent(field)))
		if err != nil {
			return fmt.Errorf("add column %s to %s: %w", field, tableName, err)
		}
		existing[field] = struct{}{}
	}
	s.mirrorCols[table.EntityName] = existing
	return nil
}

func (s *Store) mirrorColumns(ctx context.Context, tableName string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(tableName)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

// UpsertEntity replaces the whole mirror row identified by appPK. Reserved
// system keys and columns outside the entity's known column set are
// filtered from fields before writing.
func (s *Store) UpsertEntity(ctx context.Context, entityName, appPK string, fields map[string]any, system domain.MirrorSystemFields) error {
	tableName := mirrorTableName(entityName)

	s.mirrorMu.Lock()
	known := s.mirrorCols[entityName]
	s.mirrorMu.Unlock()

	clean := make(map[string]string, len(fields))
	for k, v := range fields {
		if domain.IsReservedField(k, "") {
			continue
		}
		if known != nil {
			if _, ok := known[k]; !ok {
				continue
			}
		}
		clean[k] = encodeFieldValue(v)
	}

	cols := []string{`"AppPK"`, quoteIdent(domain.SystemFieldSpId), quoteIdent(domain.SystemFieldSpModifiedUtc),
		quoteIdent(domain.SystemFieldSpETag), `"IsDeleted"`, `"DeletedAtUtc"`}
	vals := []any{appPK, system.SharePointId, formatTime(system.SharePointModifiedUtc), system.SharePointETag,
		boolToInt(system.IsDeleted), nullableTime(system.DeletedAtUtc)}

	for k, v := range clean {
		cols = append(cols, quoteIdent(k))
		vals = append(vals, v)
	}

	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		placeholders[i] = "?"
		if c != `"AppPK"` {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT("AppPK") DO UPDATE SET %s`,
		quoteIdent(tableName), strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	_, err := s.db.ExecContext(ctx, query, vals...)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeFieldValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// GetEntity returns the full mirror row, or false if no row exists for appPK.
func (s *Store) GetEntity(ctx context.Context, entityName, appPK string) (domain.MirrorRow, bool, error) {
	tableName := mirrorTableName(entityName)

	cols, err := s.mirrorColumns(ctx, tableName)
	if err != nil {
		if isNoSuchTable(err) {
			return domain.MirrorRow{}, false, nil
		}
		return domain.MirrorRow{}, false, err
	}

	userCols := make([]string, 0, len(cols))
	for c := range cols {
		if domain.IsReservedField(c, "") || c == "AppPK" {
			continue
		}
		userCols = append(userCols, c)
	}

	selectCols := []string{`"AppPK"`, quoteIdent(domain.SystemFieldSpId), quoteIdent(domain.SystemFieldSpModifiedUtc),
		quoteIdent(domain.SystemFieldSpETag), `"IsDeleted"`, `"DeletedAtUtc"`}
	for _, c := range userCols {
		selectCols = append(selectCols, quoteIdent(c))
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE "AppPK" = ?`, strings.Join(selectCols, ", "), quoteIdent(tableName))
	row := s.db.QueryRowContext(ctx, query, appPK)

	dest := make([]any, len(selectCols))
	var pk, spModified, spETag string
	var spId, isDeleted int
	var deletedAtUtc sql.NullString
	dest[0] = &pk
	dest[1] = &spId
	dest[2] = &spModified
	dest[3] = &spETag
	dest[4] = &isDeleted
	dest[5] = &deletedAtUtc
	userVals := make([]sql.NullString, len(userCols))
	for i := range userCols {
		dest[6+i] = &userVals[i]
	}

	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows || isNoSuchTable(err) {
			return domain.MirrorRow{}, false, nil
		}
		return domain.MirrorRow{}, false, err
	}

	fields := make(map[string]any, len(userCols))
	for i, c := range userCols {
		if userVals[i].Valid {
			fields[c] = userVals[i].String
		}
	}

	modified, err := parseTime(spModified)
	if err != nil {
		return domain.MirrorRow{}, false, err
	}
	deletedAt, err := scanNullableTime(deletedAtUtc)
	if err != nil {
		return domain.MirrorRow{}, false, err
	}

	return domain.MirrorRow{
		AppPK:  pk,
		Fields: fields,
		System: domain.MirrorSystemFields{
			SharePointId:          spId,
			SharePointModifiedUtc: modified,
			SharePointETag:        spETag,
			IsDeleted:             isDeleted != 0,
			DeletedAtUtc:          deletedAt,
		},
	}, true, nil
}

func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
