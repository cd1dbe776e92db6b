// Package infoschema reads table definitions from information_schema. It
// works against Postgres (pgx) and DuckDB connections.
package infoschema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sqlrag/sqlrag/internal/schema"
)

const columnsQuery = `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`

const keysQuery = `
SELECT tc.table_name, kcu.column_name, tc.constraint_type, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
LEFT JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_type = 'FOREIGN KEY'
 AND ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.table_schema = $1 AND tc.constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')
ORDER BY tc.table_name, kcu.column_name`

type Provider struct {
	db         *sql.DB
	schemaName string
	exclude    map[string]struct{}
}

// New returns a provider for schemaName. Tables named in exclude are left
// out, which keeps the service's own bookkeeping tables out of prompts when
// they share a database with the target.
func New(db *sql.DB, schemaName string, exclude ...string) *Provider {
	if strings.TrimSpace(schemaName) == "" {
		schemaName = "public"
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		skip[name] = struct{}{}
	}
	return &Provider{db: db, schemaName: schemaName, exclude: skip}
}

func (p *Provider) ListTables(ctx context.Context) ([]schema.Table, error) {
	rows, err := p.db.QueryContext(ctx, columnsQuery, p.schemaName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]schema.Table, 0)
	byName := map[string]int{}
	for rows.Next() {
		var tableName, columnName, dataType, nullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if _, skip := p.exclude[tableName]; skip {
			continue
		}
		idx, ok := byName[tableName]
		if !ok {
			idx = len(tables)
			byName[tableName] = idx
			tables = append(tables, schema.Table{Name: tableName})
		}
		tables[idx].Columns = append(tables[idx].Columns, schema.Column{
			Name:         columnName,
			DeclaredType: dataType,
			Nullable:     strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	if err := p.applyKeys(ctx, tables, byName); err != nil {
		return nil, err
	}
	return tables, nil
}

func (p *Provider) applyKeys(ctx context.Context, tables []schema.Table, byName map[string]int) error {
	rows, err := p.db.QueryContext(ctx, keysQuery, p.schemaName)
	if err != nil {
		return fmt.Errorf("query key constraints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			tableName, columnName, constraintType string
			refTable, refColumn                   sql.NullString
		)
		if err := rows.Scan(&tableName, &columnName, &constraintType, &refTable, &refColumn); err != nil {
			return fmt.Errorf("scan key constraint: %w", err)
		}
		idx, ok := byName[tableName]
		if !ok {
			continue
		}
		table := &tables[idx]
		switch constraintType {
		case "PRIMARY KEY":
			for i := range table.Columns {
				if table.Columns[i].Name == columnName {
					table.Columns[i].IsKey = true
				}
			}
		case "FOREIGN KEY":
			if refTable.Valid && refColumn.Valid {
				table.Relationships = append(table.Relationships, schema.Relationship{
					FromColumn: columnName,
					ToTable:    refTable.String,
					ToColumn:   refColumn.String,
				})
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate key constraints: %w", err)
	}
	return nil
}
