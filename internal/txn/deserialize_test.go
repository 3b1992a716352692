package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/internal/relation"
	"github.com/electric-sql/electric/pkg/satproto"
)

func TestDeserializeRoundTripsSerializedTransaction(t *testing.T) {
	cache := newTestCache()
	s := &Serializer{Registry: relation.New(cache), Translator: &fakeTranslator{}, ExtensionSchema: "electric"}
	d := &Deserializer{Registry: relation.New(cache)}

	tx := collab.Transaction{
		CommitTimestamp: 555,
		TransID:         "tx-rt",
		LSN:             collab.LSN("lsn-rt"),
		Origin:          "satellite-a",
		Changes: []collab.Change{
			{Kind: collab.ChangeInsert, Relation: entriesIdent(), New: map[string]*string{"id": val("1"), "title": val("first")}},
			{Kind: collab.ChangeUpdate, Relation: entriesIdent(),
				Old: map[string]*string{"id": val("1"), "title": val("first")},
				New: map[string]*string{"id": val("1"), "title": val("second")}},
			{Kind: collab.ChangeDelete, Relation: entriesIdent(), Old: nil},
		},
	}

	frames, err := s.Serialize(context.Background(), tx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	var got *collab.Transaction
	for _, f := range frames {
		switch f.Type {
		case satproto.FrameRelation:
			rel, err := satproto.DecodeRelation(f.Payload)
			if err != nil {
				t.Fatalf("decode relation: %v", err)
			}
			// feed the relation registry the same way C9 would on receipt
			if _, _, err := d.Registry.Resolve(context.Background(), collab.RelationIdentity{Schema: rel.Schema, Table: rel.Table}); err != nil {
				t.Fatalf("resolve relation on receipt: %v", err)
			}
		case satproto.FrameOpLog:
			msg, err := satproto.DecodeOpLog(f.Payload)
			if err != nil {
				t.Fatalf("decode oplog: %v", err)
			}
			tx, err := d.Feed(msg)
			if err != nil {
				t.Fatalf("feed: %v", err)
			}
			if tx != nil {
				got = tx
			}
		}
	}

	if got == nil {
		t.Fatalf("expected a completed transaction")
	}
	if got.TransID != "tx-rt" || got.Origin != "satellite-a" || string(got.LSN) != "lsn-rt" {
		t.Fatalf("unexpected transaction framing: %+v", got)
	}
	if len(got.Changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(got.Changes))
	}
	if got.Changes[0].Kind != collab.ChangeInsert || *got.Changes[0].New["title"] != "first" {
		t.Fatalf("unexpected first change: %+v", got.Changes[0])
	}
	if got.Changes[1].Kind != collab.ChangeUpdate || *got.Changes[1].New["title"] != "second" || *got.Changes[1].Old["title"] != "first" {
		t.Fatalf("unexpected second change: %+v", got.Changes[1])
	}
	if got.Changes[2].Kind != collab.ChangeDelete || got.Changes[2].Old != nil {
		t.Fatalf("unexpected third change: %+v", got.Changes[2])
	}
}

func TestDeserializeBeginWithEmptyLSNIsProtocolViolation(t *testing.T) {
	d := &Deserializer{Registry: relation.New(newTestCache())}
	msg := &satproto.OpLogMsg{Ops: []satproto.Op{
		{Tag: satproto.OpTagBegin, Begin: &satproto.OpBegin{TransID: "tx", LSN: nil}},
	}}
	_, err := d.Feed(msg)
	if !errors.Is(err, satproto.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestDeserializeDoubleBeginIsProtocolViolation(t *testing.T) {
	d := &Deserializer{Registry: relation.New(newTestCache())}
	msg := &satproto.OpLogMsg{Ops: []satproto.Op{
		{Tag: satproto.OpTagBegin, Begin: &satproto.OpBegin{TransID: "tx", LSN: []byte("lsn")}},
		{Tag: satproto.OpTagBegin, Begin: &satproto.OpBegin{TransID: "tx2", LSN: []byte("lsn2")}},
	}}
	_, err := d.Feed(msg)
	if !errors.Is(err, satproto.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestDeserializeCommitWithoutBeginIsProtocolViolation(t *testing.T) {
	d := &Deserializer{Registry: relation.New(newTestCache())}
	msg := &satproto.OpLogMsg{Ops: []satproto.Op{
		{Tag: satproto.OpTagCommit, Commit: &satproto.OpCommit{TransID: "tx"}},
	}}
	_, err := d.Feed(msg)
	if !errors.Is(err, satproto.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestDeserializeDataOpOutsideFramingIsProtocolViolation(t *testing.T) {
	d := &Deserializer{Registry: relation.New(newTestCache())}
	msg := &satproto.OpLogMsg{Ops: []satproto.Op{
		{Tag: satproto.OpTagInsert, Insert: &satproto.OpInsert{RelationID: 42}},
	}}
	_, err := d.Feed(msg)
	if !errors.Is(err, satproto.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestDeserializeInsertReferencingUnknownRelationIsProtocolViolation(t *testing.T) {
	d := &Deserializer{Registry: relation.New(newTestCache())}
	msg := &satproto.OpLogMsg{Ops: []satproto.Op{
		{Tag: satproto.OpTagBegin, Begin: &satproto.OpBegin{TransID: "tx", LSN: []byte("lsn")}},
		{Tag: satproto.OpTagInsert, Insert: &satproto.OpInsert{RelationID: 999}},
	}}
	_, err := d.Feed(msg)
	if !errors.Is(err, satproto.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}
