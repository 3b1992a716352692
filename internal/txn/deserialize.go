package txn

import (
	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/internal/relation"
	"github.com/electric-sql/electric/internal/rowcodec"
	"github.com/electric-sql/electric/pkg/satproto"
)

// Deserializer reassembles inbound OpLog frames into whole
// Transactions (C6), enforcing Begin/Commit framing against an
// externally-held partial-transaction slot.
type Deserializer struct {
	Registry *relation.Registry

	partial *partialTransaction
}

type partialTransaction struct {
	begin   *satproto.OpBegin
	changes []collab.Change // accumulated in arrival order
}

// Feed processes one OpLog frame's ops, returning a fully assembled
// Transaction whenever a Commit closes the partial transaction. Most
// calls return (nil, nil): the ops only extend the in-progress partial
// transaction.
func (d *Deserializer) Feed(msg *satproto.OpLogMsg) (*collab.Transaction, error) {
	var completed *collab.Transaction

	for _, op := range msg.Ops {
		switch op.Tag {
		case satproto.OpTagBegin:
			if d.partial != nil {
				return nil, satproto.NewProtocolViolation("Begin received while a transaction is already open")
			}
			if len(op.Begin.LSN) == 0 {
				return nil, satproto.NewProtocolViolation("Begin with empty lsn")
			}
			d.partial = &partialTransaction{begin: op.Begin}

		case satproto.OpTagCommit:
			if d.partial == nil {
				return nil, satproto.NewProtocolViolation("Commit received with no open transaction")
			}
			completed = &collab.Transaction{
				CommitTimestamp: d.partial.begin.CommitTimestamp,
				TransID:         d.partial.begin.TransID,
				LSN:             collab.LSN(d.partial.begin.LSN),
				Origin:          d.partial.begin.Origin,
				Changes:         d.partial.changes,
			}
			d.partial = nil

		case satproto.OpTagInsert, satproto.OpTagUpdate, satproto.OpTagDelete:
			if d.partial == nil {
				return nil, satproto.NewProtocolViolation("data op received with no open transaction")
			}
			change, err := d.decodeDataOp(op)
			if err != nil {
				return nil, err
			}
			d.partial.changes = append(d.partial.changes, change)

		case satproto.OpTagMigrate:
			if d.partial == nil {
				return nil, satproto.NewProtocolViolation("migrate op received with no open transaction")
			}
			d.partial.changes = append(d.partial.changes, decodeMigrateOp(op))

		default:
			return nil, satproto.NewProtocolViolation("unrecognized op tag")
		}
	}

	return completed, nil
}

func (d *Deserializer) decodeDataOp(op satproto.Op) (collab.Change, error) {
	switch op.Tag {
	case satproto.OpTagInsert:
		entry, ok := d.Registry.ResolveByID(op.Insert.RelationID)
		if !ok {
			return collab.Change{}, satproto.NewProtocolViolation("Insert references unknown relation_id")
		}
		values, err := rowcodec.Decode(op.Insert.Row, entry.Columns)
		if err != nil {
			return collab.Change{}, err
		}
		return collab.Change{Kind: collab.ChangeInsert, Relation: entry.Identity, New: values, Tags: op.Insert.Tags}, nil

	case satproto.OpTagUpdate:
		entry, ok := d.Registry.ResolveByID(op.Update.RelationID)
		if !ok {
			return collab.Change{}, satproto.NewProtocolViolation("Update references unknown relation_id")
		}
		newValues, err := rowcodec.Decode(op.Update.New, entry.Columns)
		if err != nil {
			return collab.Change{}, err
		}
		var oldValues map[string]*string
		if op.Update.Old != nil {
			oldValues, err = rowcodec.Decode(*op.Update.Old, entry.Columns)
			if err != nil {
				return collab.Change{}, err
			}
		}
		return collab.Change{Kind: collab.ChangeUpdate, Relation: entry.Identity, New: newValues, Old: oldValues, Tags: op.Update.Tags}, nil

	case satproto.OpTagDelete:
		entry, ok := d.Registry.ResolveByID(op.Delete.RelationID)
		if !ok {
			return collab.Change{}, satproto.NewProtocolViolation("Delete references unknown relation_id")
		}
		var oldValues map[string]*string
		var err error
		if op.Delete.Old != nil {
			oldValues, err = rowcodec.Decode(*op.Delete.Old, entry.Columns)
			if err != nil {
				return collab.Change{}, err
			}
		}
		return collab.Change{Kind: collab.ChangeDelete, Relation: entry.Identity, Old: oldValues, Tags: op.Delete.Tags}, nil

	default:
		return collab.Change{}, satproto.NewProtocolViolation("unrecognized data op tag")
	}
}

func decodeMigrateOp(op satproto.Op) collab.Change {
	var sql string
	if len(op.Migrate.Stmts) > 0 {
		sql = op.Migrate.Stmts[0].SQL
	}
	return collab.Change{Kind: collab.ChangeMigrate, SchemaVersion: op.Migrate.Version, DDLStatement: sql}
}
