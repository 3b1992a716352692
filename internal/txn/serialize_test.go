package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/internal/relation"
	"github.com/electric-sql/electric/pkg/satproto"
)

type fakeCache struct {
	relations map[collab.RelationIdentity]collab.Relation
}

func (f *fakeCache) Ready(ctx context.Context, origin string) (bool, error) { return true, nil }

func (f *fakeCache) Relation(ctx context.Context, identity collab.RelationIdentity) (collab.Relation, bool, error) {
	rel, ok := f.relations[identity]
	return rel, ok, nil
}

func (f *fakeCache) RelationByID(ctx context.Context, id uint32) (collab.Relation, bool, error) {
	for _, rel := range f.relations {
		if rel.CanonicalID == id {
			return rel, true, nil
		}
	}
	return collab.Relation{}, false, nil
}

func (f *fakeCache) ElectrifiedTables(ctx context.Context) ([]collab.RelationIdentity, error) {
	return nil, nil
}

func (f *fakeCache) Load(ctx context.Context, origin, version string) (collab.Schema, bool, error) {
	return collab.Schema{}, false, nil
}

type fakeTranslator struct {
	result collab.TranslationResult
	err    error
}

func (f *fakeTranslator) Translate(ctx context.Context, schema collab.Schema, version, ddlSQL string) (collab.TranslationResult, error) {
	return f.result, f.err
}

func val(s string) *string { return &s }

func entriesIdent() collab.RelationIdentity {
	return collab.RelationIdentity{Schema: "public", Table: "entries"}
}

func newTestCache() *fakeCache {
	ident := entriesIdent()
	return &fakeCache{relations: map[collab.RelationIdentity]collab.Relation{
		ident: {
			CanonicalID: 42,
			Identity:    ident,
			Columns: []satproto.ColumnDef{
				{Name: "id", PgType: "int8", PartOfIdentity: true},
				{Name: "title", PgType: "text", Nullable: true},
			},
		},
	}}
}

func newTestSerializer() *Serializer {
	return &Serializer{
		Registry:        relation.New(newTestCache()),
		Translator:      &fakeTranslator{},
		ExtensionSchema: "electric",
	}
}

func findOpLogFrame(t *testing.T, frames []satproto.Frame) *satproto.OpLogMsg {
	t.Helper()
	for _, f := range frames {
		if f.Type == satproto.FrameOpLog {
			msg, err := satproto.DecodeOpLog(f.Payload)
			if err != nil {
				t.Fatalf("decode oplog: %v", err)
			}
			return msg
		}
	}
	t.Fatalf("no OpLog frame in %d frames", len(frames))
	return nil
}

func TestSerializeBracketsOpsWithBeginCommit(t *testing.T) {
	s := newTestSerializer()
	tx := collab.Transaction{
		CommitTimestamp: 100,
		TransID:         "tx1",
		LSN:             collab.LSN("lsn-1"),
		Origin:          "satellite-a",
		Changes: []collab.Change{
			{Kind: collab.ChangeInsert, Relation: entriesIdent(), New: map[string]*string{"id": val("1"), "title": val("hello")}},
		},
	}

	frames, err := s.Serialize(context.Background(), tx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	// Relation frame must precede the OpLog frame (spec.md §8 property 5).
	if frames[0].Type != satproto.FrameRelation {
		t.Fatalf("expected first frame to be Relation, got %v", frames[0].Type)
	}

	msg := findOpLogFrame(t, frames)
	if len(msg.Ops) != 3 {
		t.Fatalf("expected Begin+Insert+Commit, got %d ops", len(msg.Ops))
	}
	if msg.Ops[0].Tag != satproto.OpTagBegin {
		t.Fatalf("expected first op to be Begin, got %v", msg.Ops[0].Tag)
	}
	if msg.Ops[len(msg.Ops)-1].Tag != satproto.OpTagCommit {
		t.Fatalf("expected last op to be Commit, got %v", msg.Ops[len(msg.Ops)-1].Tag)
	}
	if msg.Ops[0].Begin.TransID != "tx1" || msg.Ops[0].Begin.Origin != "satellite-a" {
		t.Fatalf("unexpected Begin contents: %+v", msg.Ops[0].Begin)
	}
}

func TestSerializeElidesEmptyTransaction(t *testing.T) {
	s := newTestSerializer()
	tx := collab.Transaction{
		TransID: "tx-empty",
		LSN:     collab.LSN("lsn-2"),
		Changes: []collab.Change{
			{Kind: collab.ChangeInsert, Relation: collab.RelationIdentity{Schema: "electric", Table: "migrations"},
				New: map[string]*string{"id": val("1")}},
		},
	}

	frames, err := s.Serialize(context.Background(), tx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if frames != nil {
		t.Fatalf("expected elided transaction to produce no frames, got %d", len(frames))
	}
}

func TestSerializeFiltersExtensionSchema(t *testing.T) {
	s := newTestSerializer()
	tx := collab.Transaction{
		TransID: "tx-mixed",
		LSN:     collab.LSN("lsn-3"),
		Changes: []collab.Change{
			{Kind: collab.ChangeInsert, Relation: collab.RelationIdentity{Schema: "electric", Table: "migrations"},
				New: map[string]*string{"id": val("1")}},
			{Kind: collab.ChangeInsert, Relation: entriesIdent(),
				New: map[string]*string{"id": val("2"), "title": val("kept")}},
		},
	}

	frames, err := s.Serialize(context.Background(), tx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	msg := findOpLogFrame(t, frames)
	// Begin, one surviving Insert, Commit - the electric.migrations insert is filtered out.
	if len(msg.Ops) != 3 {
		t.Fatalf("expected extension-schema change filtered out, got %d ops", len(msg.Ops))
	}
}

func TestSerializeRejectsInconsistentMigrationVersions(t *testing.T) {
	s := newTestSerializer()
	tx := collab.Transaction{
		TransID: "tx-mig",
		LSN:     collab.LSN("lsn-4"),
		Changes: []collab.Change{
			{Kind: collab.ChangeMigrate, SchemaVersion: "v1", DDLStatement: "alter table entries add column x text"},
			{Kind: collab.ChangeMigrate, SchemaVersion: "v2", DDLStatement: "alter table entries add column y text"},
		},
	}

	_, err := s.Serialize(context.Background(), tx)
	if !errors.Is(err, ErrInvalidMigration) {
		t.Fatalf("expected ErrInvalidMigration, got %v", err)
	}
}

func TestSerializeDeleteWithNoOldImageOmitsOld(t *testing.T) {
	s := newTestSerializer()
	tx := collab.Transaction{
		TransID: "tx-del",
		LSN:     collab.LSN("lsn-5"),
		Changes: []collab.Change{
			{Kind: collab.ChangeDelete, Relation: entriesIdent(), Old: nil},
		},
	}

	frames, err := s.Serialize(context.Background(), tx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	msg := findOpLogFrame(t, frames)
	for _, op := range msg.Ops {
		if op.Tag == satproto.OpTagDelete {
			if op.Delete.Old != nil {
				t.Fatalf("expected no previous image, got %+v", op.Delete.Old)
			}
			return
		}
	}
	t.Fatalf("no Delete op found")
}

func TestSerializeDeleteWithOldImageIncludesOld(t *testing.T) {
	s := newTestSerializer()
	tx := collab.Transaction{
		TransID: "tx-del2",
		LSN:     collab.LSN("lsn-6"),
		Changes: []collab.Change{
			{Kind: collab.ChangeDelete, Relation: entriesIdent(), Old: map[string]*string{"id": val("9"), "title": val("gone")}},
		},
	}

	frames, err := s.Serialize(context.Background(), tx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	msg := findOpLogFrame(t, frames)
	for _, op := range msg.Ops {
		if op.Tag == satproto.OpTagDelete {
			if op.Delete.Old == nil {
				t.Fatalf("expected previous image to be present")
			}
			return
		}
	}
	t.Fatalf("no Delete op found")
}
