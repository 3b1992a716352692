// Package relation implements the per-connection relation registry
// (C4): a volatile relation_id advertised to the peer, mapped onto the
// stable (schema, table) identity the schema cache tracks.
package relation

import (
	"context"
	"errors"
	"fmt"

	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/pkg/satproto"
)

// Entry is what the registry has advertised (or will advertise) for
// one relation_id.
type Entry struct {
	RelationID uint32
	Identity   collab.RelationIdentity
	Columns    []satproto.ColumnDef
}

// Registry is connection-local and single-writer: no lock is required
// per spec.md §5 ("no lock on the per-connection RelationRegistry is
// required"). Entries are added lazily and never mutated in place.
type Registry struct {
	cache   collab.SchemaCache
	byIdent map[collab.RelationIdentity]Entry
	byID    map[uint32]Entry
}

func New(cache collab.SchemaCache) *Registry {
	return &Registry{
		cache:   cache,
		byIdent: make(map[collab.RelationIdentity]Entry),
		byID:    make(map[uint32]Entry),
	}
}

// Resolve returns the entry for identity, consulting the schema cache
// and allocating a fresh registry entry keyed off the cache's
// canonical id if this is the first reference this connection has
// made to it. isNew tells the caller to emit a Relation frame before
// any OpLog frame referencing the id (spec.md §4.4 invariant).
func (r *Registry) Resolve(ctx context.Context, identity collab.RelationIdentity) (Entry, bool, error) {
	if existing, ok := r.byIdent[identity]; ok {
		return existing, false, nil
	}

	rel, ok, err := r.cache.Relation(ctx, identity)
	if err != nil {
		return Entry{}, false, fmt.Errorf("resolve relation %s.%s: %w", identity.Schema, identity.Table, err)
	}
	if !ok {
		return Entry{}, false, fmt.Errorf("%w: relation %s.%s", ErrUnknownRelation, identity.Schema, identity.Table)
	}

	entry := Entry{RelationID: rel.CanonicalID, Identity: identity, Columns: rel.Columns}
	r.byIdent[identity] = entry
	r.byID[entry.RelationID] = entry
	return entry, true, nil
}

// ResolveByID looks up a relation_id the peer has referenced, without
// consulting the schema cache: it must already have been introduced by
// a prior Resolve (violating this is the relation-precedence
// invariant, spec.md §8 property 5).
func (r *Registry) ResolveByID(relationID uint32) (Entry, bool) {
	entry, ok := r.byID[relationID]
	return entry, ok
}

// AdvertiseFrame builds the Relation frame payload for entry, to be
// written before the first OpLog frame that references it.
func AdvertiseFrame(entry Entry) satproto.Frame {
	rel := &satproto.Relation{
		RelationID: entry.RelationID,
		Schema:     entry.Identity.Schema,
		Table:      entry.Identity.Table,
		Columns:    entry.Columns,
	}
	return satproto.Frame{Type: satproto.FrameRelation, Payload: rel.Encode()}
}

// ErrUnknownRelation is returned when the schema cache has no relation
// for an identity the serializer is trying to resolve.
var ErrUnknownRelation = errors.New("relation: unknown relation identity")
