package schemacache

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// runMigrations ensures the extension schema's catalog tables exist:
// electrified_tables names which relations are published for
// replication and assigns each a stable canonical_id; schema_version_
// relations snapshots their column shape under a captured schema
// version for later Load lookups.
func runMigrations(ctx context.Context, pool *pgxpool.Pool, extensionSchema string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, extensionSchema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.electrified_tables (
			canonical_id SERIAL PRIMARY KEY,
			schema_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			UNIQUE (schema_name, table_name)
		)`, extensionSchema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.schema_version_relations (
			origin TEXT NOT NULL,
			version TEXT NOT NULL,
			canonical_id INTEGER NOT NULL,
			schema_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			columns_json JSONB NOT NULL,
			primary_keys_json JSONB NOT NULL,
			PRIMARY KEY (origin, version, canonical_id)
		)`, extensionSchema),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schemacache: run migration: %w", err)
		}
	}
	return nil
}
