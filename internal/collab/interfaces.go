// Package collab defines the external collaborator interfaces the
// protocol core consumes (spec.md §6): the PostgreSQL-facing WAL
// source and schema cache, the DDL translator, the auth verifier, and
// the subscription snapshot source. Concrete adapters live in
// internal/walsource, internal/schemacache, internal/migrate,
// internal/auth, and internal/snapshotsource.
package collab

import (
	"context"
	"errors"

	"github.com/electric-sql/electric/pkg/satproto"
)

// LSN is an opaque, totally-ordered position in the WAL source's
// stream. The core never interprets its bytes; it only compares and
// serializes them via WalSource.
type LSN []byte

// Ordering mirrors the three-way comparator result WalSource.Compare
// returns.
type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
)

// RelationIdentity is the stable (schema, table) key the schema cache
// and relation registry key off of.
type RelationIdentity struct {
	Schema string
	Table  string
}

// Change is one data or migration change within a Transaction, mapped
// onto the wire's Op tagged union at serialization time.
type Change struct {
	Kind     ChangeKind
	Relation RelationIdentity
	New      map[string]*string // Insert: New set, Old nil. Update: both set (Old may be nil).
	Old      map[string]*string
	Tags     []string

	// Migrate-only fields: the DDL statement in its original dialect,
	// and the schema version this change belongs to.
	DDLStatement  string
	SchemaVersion string
}

// ChangeKind selects which fields of Change are meaningful.
type ChangeKind uint8

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
	ChangeMigrate
)

// Transaction is the WAL source's unit of delivery: an ordered list of
// changes bounded by a single LSN/commit timestamp.
type Transaction struct {
	CommitTimestamp uint64 // microseconds since Unix epoch
	TransID         string
	LSN             LSN
	Origin          string
	Changes         []Change
}

// ErrBehindWindow is the sentinel WalSource.Subscribe's error channel
// carries when the requested resume position precedes the source's
// retention window (spec.md §4.8, BEHIND_WINDOW).
var ErrBehindWindow = errors.New("collab: resume position behind retention window")

// ErrInvalidPosition is the sentinel WalSource.Subscribe's error
// channel carries when the requested resume position is ahead of
// anything the source has produced (spec.md §4.8, INVALID_POSITION).
var ErrInvalidPosition = errors.New("collab: resume position ahead of source")

// WalSource produces the upstream transaction stream the serializer
// (C5) consumes: position comparison plus a transaction stream
// (spec.md §6.1), and Apply for client-originated writes going back.
type WalSource interface {
	// SerializePosition renders an opaque resume token (as previously
	// returned by a Transaction's LSN) back into an LSN the source
	// accepts for Subscribe.
	SerializePosition(opaque []byte) (LSN, error)

	// Compare orders two LSNs. Only the WalSource's own comparator is
	// authoritative; the core never does byte comparison itself.
	Compare(a, b LSN) Ordering

	// Subscribe streams transactions starting at (and excluding) from.
	// The error channel carries ErrBehindWindow or ErrInvalidPosition as
	// its first (and only) value when from is rejected outright; a
	// resumable source never mixes a rejection with transactions on the
	// same call.
	Subscribe(ctx context.Context, from LSN) (<-chan Transaction, <-chan error)

	// Apply impersonates a subscriber writing tx back toward the source,
	// for client-originated changes the connection deserializes off the
	// wire (spec.md overview: Electric "merges client-originated writes
	// back toward PostgreSQL by impersonating a PostgreSQL subscriber").
	Apply(ctx context.Context, tx Transaction) error
}

// Relation is the schema cache's view of a relation: its canonical id
// (e.g. a Postgres OID) and ordered column list.
type Relation struct {
	CanonicalID uint32
	Identity    RelationIdentity
	Columns     []satproto.ColumnDef
	PrimaryKeys []string
}

// SchemaCache resolves relation identities and schema versions for a
// given replication origin (spec.md §6.2).
type SchemaCache interface {
	// Ready reports whether the cache has a usable schema for origin.
	Ready(ctx context.Context, origin string) (bool, error)

	// Relation resolves a relation by stable identity.
	Relation(ctx context.Context, identity RelationIdentity) (Relation, bool, error)

	// RelationByID resolves a relation by its previously-assigned
	// canonical id.
	RelationByID(ctx context.Context, id uint32) (Relation, bool, error)

	// ElectrifiedTables lists every relation identity currently
	// published for replication.
	ElectrifiedTables(ctx context.Context) ([]RelationIdentity, error)

	// Load resolves the full schema at a specific version, for
	// startReplication{schema_version}. Returns false if the version is
	// unknown/unreconstructable (UNKNOWN_SCHEMA_VSN).
	Load(ctx context.Context, origin, version string) (Schema, bool, error)
}

// Schema is a named, versioned set of relations.
type Schema struct {
	Version   string
	Relations []Relation
}

// MigrationTranslator converts a captured DDL statement into target-
// dialect operations the client applies locally (spec.md §6.3).
type MigrationTranslator interface {
	// Translate must be stable and deterministic: the same (schema,
	// version, ddl) input always yields the same output.
	Translate(ctx context.Context, schema Schema, version, ddlSQL string) (TranslationResult, error)
}

// TranslationResult is one DDL statement's translated effect.
type TranslationResult struct {
	Stmts        []satproto.MigrateStmt
	NewRelations []Relation
}

// Identity is the verified caller identity AuthVerifier returns.
type Identity struct {
	ID string
}

// AuthVerifier performs the boolean capability check spec.md §6
// models authentication as.
type AuthVerifier interface {
	Verify(ctx context.Context, id, token string, headers []string) (Identity, error)
}

// SnapshotRow is one row of an initial-snapshot chunk. Rows arrive
// grouped contiguously by ShapeRequestID, in the same order as the
// shape list passed to Snapshot (SnapshotStream's delivery contract);
// Relation names which table within the shape this row belongs to,
// since a shape's selects may name more than one table.
type SnapshotRow struct {
	ShapeRequestID string
	Relation       RelationIdentity
	UUID           string
	Values         map[string]*string
}

// SubscriptionDataSource streams the initial-snapshot rows for a
// subscribe call (spec.md §6.5). The returned LSN is the position at
// which the snapshot is consistent.
type SubscriptionDataSource interface {
	Snapshot(ctx context.Context, subscriptionID string, shapes []satproto.ShapeRequest) (SnapshotStream, error)
}

// SnapshotStream delivers snapshot rows grouped by shape, plus the
// consistent LSN the snapshot was taken at.
type SnapshotStream interface {
	ConsistentLSN() LSN
	Rows() <-chan SnapshotRow
	Errors() <-chan error
}
