// Package migrate implements collab.MigrationTranslator (spec.md §6.3):
// translating a captured Postgres DDL statement into the statements a
// Satellite client applies against its local SQLite database, plus the
// resulting collab.Relation(s) so the schema cache and relation registry
// stay in step with what the client now holds.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/pkg/satproto"
)

// Translator converts Postgres DDL into satproto.MigrateStmt values in
// the Satellite client's local SQLite dialect. Stable and deterministic
// per spec.md §6.3: the same (schema, version, ddl) always yields the
// same output, since every decision here is a pure function of the SQL
// text and the type mapping table.
type Translator struct {
	typeMap map[string]string
}

func New(typeMappings map[string]string) *Translator {
	merged := make(map[string]string, len(defaultTypeMap)+len(typeMappings))
	for k, v := range defaultTypeMap {
		merged[k] = v
	}
	for k, v := range typeMappings {
		merged[strings.ToLower(k)] = v
	}
	return &Translator{typeMap: merged}
}

// defaultTypeMap covers the Postgres types rowcodec already knows how to
// transcode; anything else must be supplied via typeMappings.
var defaultTypeMap = map[string]string{
	"int2":        "INTEGER",
	"int4":        "INTEGER",
	"int8":        "INTEGER",
	"bool":        "INTEGER",
	"text":        "TEXT",
	"varchar":     "TEXT",
	"bpchar":      "TEXT",
	"uuid":        "TEXT",
	"timestamptz": "TEXT",
	"timestamp":   "TEXT",
	"date":        "TEXT",
	"float4":      "REAL",
	"float8":      "REAL",
	"numeric":     "REAL",
	"json":        "TEXT",
	"jsonb":       "TEXT",
}

var (
	createTableRe = regexp.MustCompile(`(?is)^create\s+table\s+(if\s+not\s+exists\s+)?([a-zA-Z0-9_."]+)\s*\((.*)\)\s*$`)
	alterTableRe  = regexp.MustCompile(`(?is)^alter\s+table\s+(if\s+exists\s+)?([a-zA-Z0-9_."]+)\s+(.*)$`)
)

// Translate implements collab.MigrationTranslator.
func (t *Translator) Translate(ctx context.Context, schema collab.Schema, version, ddlSQL string) (collab.TranslationResult, error) {
	stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(ddlSQL), ";"))
	if stmt == "" {
		return collab.TranslationResult{}, nil
	}
	upper := strings.ToUpper(stmt)

	switch {
	case strings.HasPrefix(upper, "CREATE TABLE"):
		return t.translateCreateTable(stmt)
	case strings.HasPrefix(upper, "ALTER TABLE"):
		return t.translateAlterTable(stmt)
	case strings.HasPrefix(upper, "DROP TABLE"):
		return t.translateDropTable(stmt)
	default:
		return collab.TranslationResult{}, fmt.Errorf("migrate: unsupported ddl statement: %s", stmt)
	}
}

func (t *Translator) translateCreateTable(stmt string) (collab.TranslationResult, error) {
	matches := createTableRe.FindStringSubmatch(stmt)
	if len(matches) != 4 {
		return collab.TranslationResult{}, fmt.Errorf("migrate: unsupported create table ddl: %s", stmt)
	}
	schemaName, tableName := splitQualifiedName(matches[2])
	columnsRaw := strings.TrimSpace(matches[3])
	if tableName == "" {
		return collab.TranslationResult{}, errors.New("migrate: create table missing table name")
	}

	cols, colDefs, err := t.translateColumns(columnsRaw)
	if err != nil {
		return collab.TranslationResult{}, err
	}
	if len(cols) == 0 {
		return collab.TranslationResult{}, errors.New("migrate: create table has no columns")
	}

	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", tableName, strings.Join(colDefs, ", "))
	relation := collab.Relation{
		Identity: collab.RelationIdentity{Schema: schemaName, Table: tableName},
		Columns:  cols,
	}

	return collab.TranslationResult{
		Stmts:        []satproto.MigrateStmt{{Type: "create_table", SQL: sql}},
		NewRelations: []collab.Relation{relation},
	}, nil
}

func (t *Translator) translateAlterTable(stmt string) (collab.TranslationResult, error) {
	matches := alterTableRe.FindStringSubmatch(stmt)
	if len(matches) != 4 {
		return collab.TranslationResult{}, fmt.Errorf("migrate: unsupported alter table ddl: %s", stmt)
	}
	_, tableName := splitQualifiedName(matches[2])
	actionsRaw := strings.TrimSpace(matches[3])
	if tableName == "" || actionsRaw == "" {
		return collab.TranslationResult{}, fmt.Errorf("migrate: alter table missing name/actions: %s", stmt)
	}

	actions := splitTopLevel(actionsRaw, ',')
	var stmts []satproto.MigrateStmt
	for _, action := range actions {
		entry := strings.TrimSpace(action)
		if entry == "" {
			continue
		}
		upper := strings.ToUpper(entry)
		switch {
		case strings.HasPrefix(upper, "ADD COLUMN"):
			colDef := trimPrefixFold(strings.TrimSpace(entry[len("ADD COLUMN"):]), "IF NOT EXISTS")
			_, sqlCol, err := t.translateColumnDef(colDef)
			if err != nil {
				return collab.TranslationResult{}, err
			}
			stmts = append(stmts, satproto.MigrateStmt{
				Type: "add_column",
				SQL:  fmt.Sprintf("ALTER TABLE %q ADD COLUMN %s", tableName, sqlCol),
			})
		case strings.HasPrefix(upper, "DROP COLUMN"):
			colName := strings.TrimSpace(trimPrefixFold(strings.TrimSpace(entry[len("DROP COLUMN"):]), "IF EXISTS"))
			colName = strings.TrimSpace(strings.TrimSuffix(colName, "CASCADE"))
			if colName == "" {
				return collab.TranslationResult{}, fmt.Errorf("migrate: drop column missing name: %s", entry)
			}
			// SQLite's DROP COLUMN support is version-gated; Satellite
			// clients old enough to lack it handle this op by rebuilding
			// the table, which is out of scope for the translator itself.
			stmts = append(stmts, satproto.MigrateStmt{
				Type: "drop_column",
				SQL:  fmt.Sprintf("ALTER TABLE %q DROP COLUMN %q", tableName, colName),
			})
		default:
			return collab.TranslationResult{}, fmt.Errorf("migrate: unsupported alter table action: %s", entry)
		}
	}
	return collab.TranslationResult{Stmts: stmts}, nil
}

func (t *Translator) translateDropTable(stmt string) (collab.TranslationResult, error) {
	re := regexp.MustCompile(`(?is)^drop\s+table\s+(if\s+exists\s+)?([a-zA-Z0-9_."]+)`)
	matches := re.FindStringSubmatch(stmt)
	if len(matches) != 3 {
		return collab.TranslationResult{}, fmt.Errorf("migrate: unsupported drop table ddl: %s", stmt)
	}
	_, tableName := splitQualifiedName(matches[2])
	sql := fmt.Sprintf("DROP TABLE IF EXISTS %q", tableName)
	return collab.TranslationResult{Stmts: []satproto.MigrateStmt{{Type: "drop_table", SQL: sql}}}, nil
}

func (t *Translator) translateColumns(columnsRaw string) ([]satproto.ColumnDef, []string, error) {
	parts := splitTopLevel(columnsRaw, ',')
	cols := make([]satproto.ColumnDef, 0, len(parts))
	colDefs := make([]string, 0, len(parts))
	for _, part := range parts {
		def := strings.TrimSpace(part)
		if def == "" || isTableConstraint(def) {
			continue
		}
		col, sqlCol, err := t.translateColumnDef(def)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
		colDefs = append(colDefs, sqlCol)
	}
	return cols, colDefs, nil
}

func (t *Translator) translateColumnDef(def string) (satproto.ColumnDef, string, error) {
	fields := strings.Fields(def)
	if len(fields) < 2 {
		return satproto.ColumnDef{}, "", fmt.Errorf("migrate: malformed column definition: %s", def)
	}
	name := strings.Trim(fields[0], `"`)
	pgType := strings.ToLower(strings.TrimSuffix(fields[1], ","))
	sqliteType, ok := t.typeMap[pgType]
	if !ok {
		return satproto.ColumnDef{}, "", fmt.Errorf("migrate: no type mapping for postgres type %q", pgType)
	}

	upper := strings.ToUpper(def)
	nullable := !strings.Contains(upper, "NOT NULL")
	partOfIdentity := strings.Contains(upper, "PRIMARY KEY")

	sql := fmt.Sprintf("%q %s", name, sqliteType)
	if !nullable {
		sql += " NOT NULL"
	}
	if partOfIdentity {
		sql += " PRIMARY KEY"
	}

	col := satproto.ColumnDef{Name: name, PgType: pgType, Nullable: nullable, PartOfIdentity: partOfIdentity}
	return col, sql, nil
}

func splitQualifiedName(raw string) (schemaName, tableName string) {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if idx := strings.Index(raw, "."); idx >= 0 {
		return strings.Trim(raw[:idx], `"`), strings.Trim(raw[idx+1:], `"`)
	}
	return "public", raw
}

func isTableConstraint(def string) bool {
	upper := strings.ToUpper(strings.TrimSpace(def))
	for _, kw := range []string{"PRIMARY KEY (", "FOREIGN KEY", "UNIQUE (", "CHECK ("} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

func trimPrefixFold(s, prefix string) string {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return strings.TrimSpace(s[len(prefix):])
	}
	return s
}

// splitTopLevel splits s on sep, ignoring occurrences nested inside
// parentheses (e.g. the comma inside NUMERIC(10,2)).
func splitTopLevel(s string, sep rune) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
