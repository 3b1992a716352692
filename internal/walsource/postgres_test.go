package walsource

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/electric-sql/electric/internal/collab"
)

func TestDecodeTuple_NullAndToastHandling(t *testing.T) {
	rel := &pglogrepl.RelationMessage{
		RelationID:   1,
		Namespace:    "public",
		RelationName: "events",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: 20, Flags: 1},
			{Name: "payload", DataType: 25, Flags: 0},
		},
	}
	s := New("", "slot", "pub", nil)

	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("42")},
		{DataType: pglogrepl.TupleDataTypeNull},
	}}
	values, err := s.decodeTuple(rel, tuple)
	if err != nil {
		t.Fatalf("decode tuple: %v", err)
	}
	if got, ok := values["id"]; !ok || got == nil || *got != "42" {
		t.Fatalf("expected id=42, got %v", values["id"])
	}
	if got, ok := values["payload"]; !ok || got != nil {
		t.Fatalf("expected payload=nil for a null column, got %v", got)
	}

	toastTuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("42")},
		{DataType: pglogrepl.TupleDataTypeToast},
	}}
	if _, err := s.decodeTuple(rel, toastTuple); err == nil {
		t.Fatal("expected an error decoding an unchanged-toast column")
	} else if !strings.Contains(err.Error(), "payload") {
		t.Fatalf("expected error to name the toasted column, got: %v", err)
	}

	if values, err := s.decodeTuple(rel, nil); err != nil || values != nil {
		t.Fatalf("expected (nil, nil) for a nil tuple, got (%v, %v)", values, err)
	}
}

func TestApplyLogicalMessage_InsertUpdateDeleteCommit(t *testing.T) {
	rel := &pglogrepl.RelationMessage{
		RelationID:   7,
		Namespace:    "public",
		RelationName: "events",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: 20, Flags: 1},
			{Name: "title", DataType: 25, Flags: 0},
		},
	}

	s := New("", "slot", "pub", nil)
	ctx := context.Background()
	out := make(chan collab.Transaction, 1)
	var current *collab.Transaction

	apply := func(msg pglogrepl.Message) {
		t.Helper()
		if err := s.applyLogicalMessage(msg, &current, out, ctx); err != nil {
			t.Fatalf("apply %T: %v", msg, err)
		}
	}

	apply(rel)
	apply(&pglogrepl.BeginMessage{Xid: 99, CommitTime: time.Unix(0, 0)})
	if current == nil || current.TransID != "99" {
		t.Fatalf("expected Begin to open a transaction with TransID=99, got %+v", current)
	}

	apply(&pglogrepl.InsertMessage{
		RelationID: rel.RelationID,
		Tuple: &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
			{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")},
			{DataType: pglogrepl.TupleDataTypeText, Data: []byte("first")},
		}},
	})
	if len(current.Changes) != 1 || current.Changes[0].Kind != collab.ChangeInsert {
		t.Fatalf("expected one insert change, got %+v", current.Changes)
	}
	if got := current.Changes[0].New["title"]; got == nil || *got != "first" {
		t.Fatalf("expected inserted title=first, got %v", current.Changes[0].New["title"])
	}

	apply(&pglogrepl.UpdateMessage{
		RelationID:   rel.RelationID,
		OldTupleType: pglogrepl.UpdateMessageTupleTypeKey,
		OldTuple: &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
			{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")},
		}},
		NewTuple: &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
			{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")},
			{DataType: pglogrepl.TupleDataTypeText, Data: []byte("second")},
		}},
	})
	if len(current.Changes) != 2 || current.Changes[1].Kind != collab.ChangeUpdate {
		t.Fatalf("expected a second, update change, got %+v", current.Changes)
	}

	apply(&pglogrepl.DeleteMessage{
		RelationID: rel.RelationID,
		OldTuple: &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
			{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")},
			{DataType: pglogrepl.TupleDataTypeText, Data: []byte("second")},
		}},
	})
	if len(current.Changes) != 3 || current.Changes[2].Kind != collab.ChangeDelete {
		t.Fatalf("expected a third, delete change, got %+v", current.Changes)
	}

	apply(&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(123)})
	if current != nil {
		t.Fatal("expected Commit to close the in-progress transaction")
	}

	select {
	case tx := <-out:
		if len(tx.Changes) != 3 {
			t.Fatalf("expected the delivered transaction to carry all 3 changes, got %d", len(tx.Changes))
		}
		if tx.Changes[0].Kind != collab.ChangeInsert || tx.Changes[1].Kind != collab.ChangeUpdate || tx.Changes[2].Kind != collab.ChangeDelete {
			t.Fatalf("expected changes in arrival order Insert, Update, Delete, got %+v", tx.Changes)
		}
	default:
		t.Fatal("expected Commit to deliver the assembled transaction on out")
	}
}

func TestApplyLogicalMessage_RejectsDataOpsOutsideTransaction(t *testing.T) {
	s := New("", "slot", "pub", nil)
	ctx := context.Background()
	out := make(chan collab.Transaction, 1)
	var current *collab.Transaction

	if err := s.applyLogicalMessage(&pglogrepl.InsertMessage{RelationID: 1}, &current, out, ctx); err == nil {
		t.Fatal("expected an error for an insert with no open transaction")
	}
	if err := s.applyLogicalMessage(&pglogrepl.CommitMessage{}, &current, out, ctx); err == nil {
		t.Fatal("expected an error for a commit with no open transaction")
	}
}

func TestApplyLogicalMessage_UnknownRelationID(t *testing.T) {
	s := New("", "slot", "pub", nil)
	ctx := context.Background()
	out := make(chan collab.Transaction, 1)
	current := &collab.Transaction{}

	err := s.applyLogicalMessage(&pglogrepl.InsertMessage{RelationID: 404}, &current, out, ctx)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected an error naming the unknown relation id, got: %v", err)
	}
}
