package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vitaliisemenov/spsync/internal/domain"
)

var unsafeIdent = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func quoteIdent(name string) string {
	safe := unsafeIdent.ReplaceAllString(name, "_")
	return `"` + strings.ReplaceAll(safe, `"`, `""`) + `"`
}

func mirrorTableName(entityName string) string {
	return "mirror_" + unsafeIdent.ReplaceAllString(entityName, "_")
}

// EnsureEntitySchema creates the mirror table for table.EntityName if it
// does not exist, and adds any missing whitelisted SelectFields columns.
func (s *Store) EnsureEntitySchema(ctx context.Context, table domain.AppTableConfig) error {
	tableName := mirrorTableName(table.EntityName)

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			"AppPK" TEXT PRIMARY KEY,
			%s INTEGER,
			%s TIMESTAMPTZ,
			%s TEXT,
			"IsDeleted" BOOLEAN NOT NULL DEFAULT FALSE,
			"DeletedAtUtc" TIMESTAMPTZ
		)`, quoteIdent(tableName),
		quoteIdent(domain.SystemFieldSpId),
		quoteIdent(domain.SystemFieldSpModifiedUtc),
		quoteIdent(domain.SystemFieldSpETag)))
	if err != nil {
		return fmt.Errorf("create mirror table %s: %w", tableName, err)
	}

	for _, idx := range []string{"IsDeleted", domain.SystemFieldSpModifiedUtc, "DeletedAtUtc"} {
		idxName := "idx_" + mirrorTableName(table.EntityName) + "_" + unsafeIdent.ReplaceAllString(idx, "_")
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
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
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`,
			quoteIdent(tableName), quoteIdent(field)))
		if err != nil {
			return fmt.Errorf("add column %s to %s: %w", field, tableName, err)
		}
	}
	return nil
}

func (s *Store) mirrorColumns(ctx context.Context, tableName string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, stripQuotes(tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

func stripQuotes(s string) string { return strings.Trim(s, `"`) }

// UpsertEntity replaces the whole mirror row identified by appPK.
func (s *Store) UpsertEntity(ctx context.Context, entityName, appPK string, fields map[string]any, system domain.MirrorSystemFields) error {
	tableName := mirrorTableName(entityName)

	known, err := s.mirrorColumns(ctx, tableName)
	if err != nil {
		return err
	}

	clean := make(map[string]string, len(fields))
	for k, v := range fields {
		if domain.IsReservedField(k, "") {
			continue
		}
		if _, ok := known[strings.ToLower(k)]; !ok {
			if _, ok := known[k]; !ok {
				continue
			}
		}
		clean[k] = encodeFieldValue(v)
	}

	cols := []string{`"AppPK"`, quoteIdent(domain.SystemFieldSpId), quoteIdent(domain.SystemFieldSpModifiedUtc),
		quoteIdent(domain.SystemFieldSpETag), `"IsDeleted"`, `"DeletedAtUtc"`}
	vals := []any{appPK, system.SharePointId, system.SharePointModifiedUtc, system.SharePointETag,
		system.IsDeleted, system.DeletedAtUtc}

	for k, v := range clean {
		cols = append(cols, quoteIdent(k))
		vals = append(vals, v)
	}

	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if c != `"AppPK"` {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT ("AppPK") DO UPDATE SET %s`,
		quoteIdent(tableName), strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	_, err = s.pool.Exec(ctx, query, vals...)
	return err
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
		return domain.MirrorRow{}, false, err
	}
	if len(cols) == 0 {
		return domain.MirrorRow{}, false, nil
	}

	userCols := make([]string, 0, len(cols))
	for c := range cols {
		if domain.IsReservedField(c, "") || strings.EqualFold(c, "AppPK") {
			continue
		}
		userCols = append(userCols, c)
	}

	selectCols := []string{`"AppPK"`, quoteIdent(domain.SystemFieldSpId), quoteIdent(domain.SystemFieldSpModifiedUtc),
		quoteIdent(domain.SystemFieldSpETag), `"IsDeleted"`, `"DeletedAtUtc"`}
	for _, c := range userCols {
		selectCols = append(selectCols, quoteIdent(c))
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE "AppPK" = $1`, strings.Join(selectCols, ", "), quoteIdent(tableName))
	row := s.pool.QueryRow(ctx, query, appPK)

	dest := make([]any, len(selectCols))
	var pk, spETag string
	var spModified *time.Time
	var spId int
	var isDeleted bool
	var deletedAtUtc *time.Time
	dest[0] = &pk
	dest[1] = &spId
	dest[2] = &spModified
	dest[3] = &spETag
	dest[4] = &isDeleted
	dest[5] = &deletedAtUtc
	userVals := make([]*string, len(userCols))
	for i := range userCols {
		dest[6+i] = &userVals[i]
	}

	if err := row.Scan(dest...); err != nil {
		if err == pgx.ErrNoRows {
			return domain.MirrorRow{}, false, nil
		}
		return domain.MirrorRow{}, false, err
	}

	fields := make(map[string]any, len(userCols))
	for i, c := range userCols {
		if userVals[i] != nil {
			fields[c] = *userVals[i]
		}
	}

	var modified time.Time
	if spModified != nil {
		modified = *spModified
	}

	return domain.MirrorRow{
		AppPK:  pk,
		Fields: fields,
		System: domain.MirrorSystemFields{
			SharePointId:          spId,
			SharePointModifiedUtc: modified,
			SharePointETag:        spETag,
			IsDeleted:             isDeleted,
			DeletedAtUtc:          deletedAtUtc,
		},
	}, true, nil
}
