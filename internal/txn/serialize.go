// Package txn implements the transaction serializer (C5) and
// deserializer (C6): converting an internal Transaction into framed
// op-log messages and reassembling inbound op-log frames into whole
// Transactions.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/internal/relation"
	"github.com/electric-sql/electric/internal/rowcodec"
	"github.com/electric-sql/electric/pkg/satproto"
)

// ErrInvalidMigration is returned when a transaction's DDL changes
// report inconsistent schema versions (spec.md §4.5 step 3).
var ErrInvalidMigration = errors.New("txn: inconsistent migration version within transaction")

// Serializer converts WalSource transactions into wire frames, filtering
// the internal extension schema and routing DDL through the migration
// translator.
type Serializer struct {
	Registry        *relation.Registry
	Translator      collab.MigrationTranslator
	ExtensionSchema string // e.g. "electric"; changes against this schema are infrastructure, not replicated.
}

// Serialize implements spec.md §4.5's procedure contract. An empty
// result with a nil error means the transaction elided entirely
// (spec.md §8 property 4).
func (s *Serializer) Serialize(ctx context.Context, tx collab.Transaction) ([]satproto.Frame, error) {
	var frames []satproto.Frame
	var ops []satproto.Op
	isMigration := false
	migrationVersion := ""

	for _, change := range tx.Changes {
		if change.Kind == collab.ChangeMigrate {
			if migrationVersion == "" {
				migrationVersion = change.SchemaVersion
			} else if migrationVersion != change.SchemaVersion {
				return nil, fmt.Errorf("%w: %q != %q", ErrInvalidMigration, migrationVersion, change.SchemaVersion)
			}
			isMigration = true

			op, migFrames, err := s.serializeMigrate(ctx, change)
			if err != nil {
				return nil, err
			}
			frames = append(frames, migFrames...)
			ops = append(ops, op)
			continue
		}

		if change.Relation.Schema == s.ExtensionSchema {
			continue
		}

		op, relFrames, err := s.serializeDataChange(ctx, change)
		if err != nil {
			return nil, err
		}
		frames = append(frames, relFrames...)
		ops = append(ops, op)
	}

	if len(ops) == 0 {
		return nil, nil
	}

	full := make([]satproto.Op, 0, len(ops)+2)
	full = append(full, satproto.Op{Tag: satproto.OpTagBegin, Begin: &satproto.OpBegin{
		CommitTimestamp: tx.CommitTimestamp,
		TransID:         tx.TransID,
		LSN:             []byte(tx.LSN),
		Origin:          tx.Origin,
		IsMigration:     isMigration,
	}})
	full = append(full, ops...)
	full = append(full, satproto.Op{Tag: satproto.OpTagCommit, Commit: &satproto.OpCommit{
		CommitTimestamp: tx.CommitTimestamp,
		TransID:         tx.TransID,
		LSN:             []byte(tx.LSN),
	}})

	oplog := &satproto.OpLogMsg{Ops: full}
	frames = append(frames, satproto.Frame{Type: satproto.FrameOpLog, Payload: oplog.Encode()})
	return frames, nil
}

func (s *Serializer) serializeDataChange(ctx context.Context, change collab.Change) (satproto.Op, []satproto.Frame, error) {
	entry, isNew, err := s.Registry.Resolve(ctx, change.Relation)
	if err != nil {
		return satproto.Op{}, nil, err
	}
	var frames []satproto.Frame
	if isNew {
		frames = append(frames, relation.AdvertiseFrame(entry))
	}

	switch change.Kind {
	case collab.ChangeInsert:
		row, err := rowcodec.Encode(change.New, entry.Columns)
		if err != nil {
			return satproto.Op{}, nil, err
		}
		return satproto.Op{Tag: satproto.OpTagInsert, Insert: &satproto.OpInsert{
			RelationID: entry.RelationID,
			Row:        row,
			Tags:       change.Tags,
		}}, frames, nil

	case collab.ChangeUpdate:
		newRow, err := rowcodec.Encode(change.New, entry.Columns)
		if err != nil {
			return satproto.Op{}, nil, err
		}
		var oldRow *satproto.Row
		if change.Old != nil {
			r, err := rowcodec.Encode(change.Old, entry.Columns)
			if err != nil {
				return satproto.Op{}, nil, err
			}
			oldRow = &r
		}
		return satproto.Op{Tag: satproto.OpTagUpdate, Update: &satproto.OpUpdate{
			RelationID: entry.RelationID,
			Old:        oldRow,
			New:        newRow,
			Tags:       change.Tags,
		}}, frames, nil

	case collab.ChangeDelete:
		var oldRow *satproto.Row
		if change.Old != nil {
			r, err := rowcodec.Encode(change.Old, entry.Columns)
			if err != nil {
				return satproto.Op{}, nil, err
			}
			oldRow = &r
		}
		return satproto.Op{Tag: satproto.OpTagDelete, Delete: &satproto.OpDelete{
			RelationID: entry.RelationID,
			Old:        oldRow,
			Tags:       change.Tags,
		}}, frames, nil

	default:
		return satproto.Op{}, nil, fmt.Errorf("txn: unrecognized change kind %d", change.Kind)
	}
}

func (s *Serializer) serializeMigrate(ctx context.Context, change collab.Change) (satproto.Op, []satproto.Frame, error) {
	result, err := s.Translator.Translate(ctx, collab.Schema{Version: change.SchemaVersion}, change.SchemaVersion, change.DDLStatement)
	if err != nil {
		return satproto.Op{}, nil, fmt.Errorf("translate migration: %w", err)
	}

	var frames []satproto.Frame
	var table *satproto.TableDef
	for _, newRel := range result.NewRelations {
		entry := relation.Entry{RelationID: newRel.CanonicalID, Identity: newRel.Identity, Columns: newRel.Columns}
		frames = append(frames, relation.AdvertiseFrame(entry))
		if table == nil {
			table = &satproto.TableDef{Name: newRel.Identity.Table, Columns: newRel.Columns}
		}
	}

	return satproto.Op{Tag: satproto.OpTagMigrate, Migrate: &satproto.OpMigrate{
		Version: change.SchemaVersion,
		Stmts:   result.Stmts,
		Table:   table,
	}}, frames, nil
}
