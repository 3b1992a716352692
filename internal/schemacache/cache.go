// Package schemacache implements collab.SchemaCache (spec.md §6.2)
// against Postgres: electrified-table bookkeeping lives in a small
// catalog under the extension schema (e.g. "electric"), relation column
// shape is introspected from information_schema, and schema versions are
// snapshotted into the catalog by SnapshotVersion so a captured
// migration's schema_version can later be reconstructed for
// startReplication{schema_version} validation.
package schemacache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/pkg/satproto"
)

// Cache is a Postgres-backed, in-memory-cached collab.SchemaCache. One
// Cache is shared across every connection against the same origin.
type Cache struct {
	pool            *pgxpool.Pool
	extensionSchema string
	gluePublisher   *GluePublisher

	mu        sync.RWMutex
	byIdentity map[collab.RelationIdentity]collab.Relation
	byID       map[uint32]collab.Relation
}

// Option configures optional Cache behavior.
type Option func(*Cache)

// WithGluePublisher makes SnapshotVersion also register each snapshotted
// schema version with AWS Glue Schema Registry, alongside the
// Postgres-local schema_version_relations row it always writes.
func WithGluePublisher(p *GluePublisher) Option {
	return func(c *Cache) { c.gluePublisher = p }
}

func New(ctx context.Context, dsn, extensionSchema string, opts ...Option) (*Cache, error) {
	if dsn == "" {
		return nil, fmt.Errorf("schemacache: postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("schemacache: connect postgres: %w", err)
	}
	if err := runMigrations(ctx, pool, extensionSchema); err != nil {
		pool.Close()
		return nil, err
	}
	c := &Cache{
		pool:            pool,
		extensionSchema: extensionSchema,
		byIdentity:      make(map[collab.RelationIdentity]collab.Relation),
		byID:            make(map[uint32]collab.Relation),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.refresh(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// refresh reloads every electrified relation's column shape from
// information_schema and repopulates the in-memory maps. Called once at
// startup; callers that electrify a new table at runtime should call it
// again (e.g. after a migration translates a CREATE TABLE / ALTER
// PUBLICATION statement).
func (c *Cache) refresh(ctx context.Context) error {
	rows, err := c.pool.Query(ctx, fmt.Sprintf(
		`SELECT t.canonical_id, t.schema_name, t.table_name,
		        col.column_name, col.udt_name, col.is_nullable, COALESCE(pk.is_pk, false)
		 FROM %s.electrified_tables t
		 JOIN information_schema.columns col
		   ON col.table_schema = t.schema_name AND col.table_name = t.table_name
		 LEFT JOIN (
		   SELECT kcu.table_schema, kcu.table_name, kcu.column_name, true AS is_pk
		   FROM information_schema.table_constraints tc
		   JOIN information_schema.key_column_usage kcu
		     ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		   WHERE tc.constraint_type = 'PRIMARY KEY'
		 ) pk ON pk.table_schema = t.schema_name AND pk.table_name = t.table_name AND pk.column_name = col.column_name
		 ORDER BY t.canonical_id, col.ordinal_position`, c.extensionSchema))
	if err != nil {
		return fmt.Errorf("schemacache: query electrified tables: %w", err)
	}
	defer rows.Close()

	byIdentity := make(map[collab.RelationIdentity]collab.Relation)
	byID := make(map[uint32]collab.Relation)
	order := make(map[uint32][]string)

	for rows.Next() {
		var canonicalID uint32
		var schemaName, tableName, columnName, udtName, isNullable string
		var isPK bool
		if err := rows.Scan(&canonicalID, &schemaName, &tableName, &columnName, &udtName, &isNullable, &isPK); err != nil {
			return fmt.Errorf("schemacache: scan relation column: %w", err)
		}
		identity := collab.RelationIdentity{Schema: schemaName, Table: tableName}
		rel, ok := byIdentity[identity]
		if !ok {
			rel = collab.Relation{CanonicalID: canonicalID, Identity: identity}
		}
		rel.Columns = append(rel.Columns, satproto.ColumnDef{
			Name:           columnName,
			PgType:         udtName,
			Nullable:       isNullable == "YES",
			PartOfIdentity: isPK,
		})
		if isPK {
			rel.PrimaryKeys = append(rel.PrimaryKeys, columnName)
			order[canonicalID] = append(order[canonicalID], columnName)
		}
		byIdentity[identity] = rel
		byID[canonicalID] = rel
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("schemacache: iterate relations: %w", err)
	}

	c.mu.Lock()
	c.byIdentity = byIdentity
	c.byID = byID
	c.mu.Unlock()
	return nil
}

// Ready reports whether at least one relation is electrified for
// origin. The cache doesn't currently partition relations by origin
// (one Cache instance serves one WAL source), so this is equivalent to
// "has refresh ever found anything".
func (c *Cache) Ready(ctx context.Context, origin string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byIdentity) > 0, nil
}

func (c *Cache) Relation(ctx context.Context, identity collab.RelationIdentity) (collab.Relation, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.byIdentity[identity]
	return rel, ok, nil
}

func (c *Cache) RelationByID(ctx context.Context, id uint32) (collab.Relation, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.byID[id]
	return rel, ok, nil
}

func (c *Cache) ElectrifiedTables(ctx context.Context) ([]collab.RelationIdentity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]collab.RelationIdentity, 0, len(c.byIdentity))
	for identity := range c.byIdentity {
		out = append(out, identity)
	}
	return out, nil
}

// Load reconstructs the relation set as of a previously-captured schema
// version (spec.md §4.8, UNKNOWN_SCHEMA_VSN on a miss). Versions are
// recorded by SnapshotVersion, which nothing in this module calls.
func (c *Cache) Load(ctx context.Context, origin, version string) (collab.Schema, bool, error) {
	rows, err := c.pool.Query(ctx, fmt.Sprintf(
		`SELECT canonical_id, schema_name, table_name, columns_json, primary_keys_json
		 FROM %s.schema_version_relations
		 WHERE origin = $1 AND version = $2`, c.extensionSchema), origin, version)
	if err != nil {
		return collab.Schema{}, false, fmt.Errorf("schemacache: query schema version: %w", err)
	}
	defer rows.Close()

	var relations []collab.Relation
	for rows.Next() {
		var canonicalID uint32
		var schemaName, tableName string
		var columnsJSON, pkJSON []byte
		if err := rows.Scan(&canonicalID, &schemaName, &tableName, &columnsJSON, &pkJSON); err != nil {
			return collab.Schema{}, false, fmt.Errorf("schemacache: scan schema version relation: %w", err)
		}
		var columns []satproto.ColumnDef
		if err := json.Unmarshal(columnsJSON, &columns); err != nil {
			return collab.Schema{}, false, fmt.Errorf("schemacache: decode columns: %w", err)
		}
		var pks []string
		if len(pkJSON) > 0 {
			if err := json.Unmarshal(pkJSON, &pks); err != nil {
				return collab.Schema{}, false, fmt.Errorf("schemacache: decode primary keys: %w", err)
			}
		}
		relations = append(relations, collab.Relation{
			CanonicalID: canonicalID,
			Identity:    collab.RelationIdentity{Schema: schemaName, Table: tableName},
			Columns:     columns,
			PrimaryKeys: pks,
		})
	}
	if err := rows.Err(); err != nil {
		return collab.Schema{}, false, fmt.Errorf("schemacache: iterate schema version: %w", err)
	}
	if len(relations) == 0 {
		return collab.Schema{}, false, nil
	}
	return collab.Schema{Version: version, Relations: relations}, true, nil
}

// SnapshotVersion records the current electrified relation set under
// version, so a future Load(origin, version) can reconstruct it.
// Nothing in this module calls it; internal/migrate does not snapshot
// versions after a DDL translation.
func (c *Cache) SnapshotVersion(ctx context.Context, origin, version string) error {
	if err := c.refresh(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	relations := make([]collab.Relation, 0, len(c.byIdentity))
	for _, rel := range c.byIdentity {
		relations = append(relations, rel)
	}
	c.mu.RUnlock()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("schemacache: begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rel := range relations {
		columnsJSON, err := json.Marshal(rel.Columns)
		if err != nil {
			return fmt.Errorf("schemacache: encode columns: %w", err)
		}
		pkJSON, err := json.Marshal(rel.PrimaryKeys)
		if err != nil {
			return fmt.Errorf("schemacache: encode primary keys: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s.schema_version_relations
			   (origin, version, canonical_id, schema_name, table_name, columns_json, primary_keys_json)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (origin, version, canonical_id) DO UPDATE SET
			   columns_json = EXCLUDED.columns_json,
			   primary_keys_json = EXCLUDED.primary_keys_json`, c.extensionSchema),
			origin, version, rel.CanonicalID, rel.Identity.Schema, rel.Identity.Table, columnsJSON, pkJSON,
		); err != nil {
			return fmt.Errorf("schemacache: insert schema version relation: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("schemacache: commit snapshot: %w", err)
	}

	if c.gluePublisher != nil {
		if err := c.gluePublisher.Publish(ctx, origin, version, relations); err != nil {
			return fmt.Errorf("schemacache: publish to glue: %w", err)
		}
	}
	return nil
}
