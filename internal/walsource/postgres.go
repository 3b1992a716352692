// Package walsource implements collab.WalSource against a Postgres
// logical replication slot using the pgoutput plugin, plus an Apply
// path that writes client-originated changes back by impersonating a
// regular subscriber connection.
package walsource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/electric-sql/electric/internal/collab"
)

// PostgresSource is a collab.WalSource backed by one logical replication
// slot plus a pooled connection used for Apply.
type PostgresSource struct {
	dsn            string
	slot           string
	publication    string
	statusInterval time.Duration
	authenticate   func(ctx context.Context, cfg *pgconn.Config) error

	applyPool *pgxpool.Pool

	mu        sync.Mutex
	relations map[uint32]*pglogrepl.RelationMessage
}

type Option func(*PostgresSource)

func WithStatusInterval(d time.Duration) Option {
	return func(s *PostgresSource) { s.statusInterval = d }
}

// WithConnConfigAuthenticator lets the caller rewrite the replication
// connection's credentials right before it connects - internal/pgiam
// uses this to swap a static password for a freshly-signed AWS RDS IAM
// token, since every replication reconnect needs its own short-lived one.
func WithConnConfigAuthenticator(fn func(ctx context.Context, cfg *pgconn.Config) error) Option {
	return func(s *PostgresSource) { s.authenticate = fn }
}

// New returns a PostgresSource. applyPool is a separate, ordinary
// (non-replication) pooled connection used only by Apply.
func New(dsn, slot, publication string, applyPool *pgxpool.Pool, opts ...Option) *PostgresSource {
	s := &PostgresSource{
		dsn:            dsn,
		slot:           slot,
		publication:    publication,
		statusInterval: 10 * time.Second,
		applyPool:      applyPool,
		relations:      make(map[uint32]*pglogrepl.RelationMessage),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SerializePosition turns a previously-issued Transaction.LSN (which is
// always the 8-byte big-endian encoding of a pglogrepl.LSN, see
// serializeLSN below) back into an LSN for Subscribe.
func (s *PostgresSource) SerializePosition(opaque []byte) (collab.LSN, error) {
	if len(opaque) != 8 {
		return nil, fmt.Errorf("walsource: malformed resume position (want 8 bytes, got %d)", len(opaque))
	}
	return collab.LSN(opaque), nil
}

func (s *PostgresSource) Compare(a, b collab.LSN) collab.Ordering {
	la, lb := decodeLSN(a), decodeLSN(b)
	switch {
	case la < lb:
		return collab.Less
	case la > lb:
		return collab.Greater
	default:
		return collab.Equal
	}
}

func serializeLSN(lsn pglogrepl.LSN) collab.LSN {
	b := make([]byte, 8)
	v := uint64(lsn)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return collab.LSN(b)
}

func decodeLSN(lsn collab.LSN) pglogrepl.LSN {
	var v uint64
	for _, b := range lsn {
		v = v<<8 | uint64(b)
	}
	return pglogrepl.LSN(v)
}

// Subscribe connects a fresh replication connection starting at from
// (or the slot's current position if from is empty) and streams decoded
// transactions until ctx is cancelled.
func (s *PostgresSource) Subscribe(ctx context.Context, from collab.LSN) (<-chan collab.Transaction, <-chan error) {
	txCh := make(chan collab.Transaction, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(txCh)
		defer close(errCh)
		if err := s.stream(ctx, from, txCh); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	return txCh, errCh
}

func (s *PostgresSource) stream(ctx context.Context, from collab.LSN, out chan<- collab.Transaction) error {
	cfg, err := pgconn.ParseConfig(s.dsn)
	if err != nil {
		return fmt.Errorf("walsource: parse dsn: %w", err)
	}
	cfg.RuntimeParams["replication"] = "database"

	if s.authenticate != nil {
		if err := s.authenticate(ctx, cfg); err != nil {
			return fmt.Errorf("walsource: authenticate replication connection: %w", err)
		}
	}

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("walsource: connect replication: %w", err)
	}
	defer conn.Close(ctx)

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("walsource: identify system: %w", err)
	}

	startLSN := sysident.XLogPos
	if len(from) > 0 {
		startLSN = decodeLSN(from)
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", s.publication),
	}
	if err := pglogrepl.StartReplication(ctx, conn, s.slot, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return fmt.Errorf("walsource: start replication: %w", err)
	}

	var current *collab.Transaction
	clientXLogPos := startLSN
	nextStandby := time.Now().Add(s.statusInterval)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(nextStandby) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: clientXLogPos,
				WALFlushPosition: clientXLogPos,
				WALApplyPosition: clientXLogPos,
			}); err != nil {
				return fmt.Errorf("walsource: send standby status: %w", err)
			}
			nextStandby = time.Now().Add(s.statusInterval)
		}

		deadlineCtx, cancel := context.WithDeadline(ctx, nextStandby)
		rawMsg, err := conn.ReceiveMessage(deadlineCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("walsource: receive message: %w", err)
		}
		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("walsource: postgres error: %s", errMsg.Message)
		}
		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(msg.Data) == 0 {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("walsource: parse keepalive: %w", err)
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("walsource: parse xlogdata: %w", err)
			}
			if err := s.handleMessage(xld, &current, out, ctx); err != nil {
				return err
			}
			clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
		}
	}
}

func (s *PostgresSource) handleMessage(xld pglogrepl.XLogData, current **collab.Transaction, out chan<- collab.Transaction, ctx context.Context) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("walsource: parse logical message: %w", err)
	}
	return s.applyLogicalMessage(logicalMsg, current, out, ctx)
}

// applyLogicalMessage dispatches one already-decoded pgoutput message
// against the in-progress transaction. Split out from handleMessage so
// it can be driven directly off hand-built pglogrepl messages in tests,
// without needing to round-trip them through WAL bytes first.
func (s *PostgresSource) applyLogicalMessage(logicalMsg pglogrepl.Message, current **collab.Transaction, out chan<- collab.Transaction, ctx context.Context) error {
	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		s.mu.Lock()
		s.relations[msg.RelationID] = msg
		s.mu.Unlock()

	case *pglogrepl.BeginMessage:
		*current = &collab.Transaction{
			CommitTimestamp: uint64(msg.CommitTime.UnixMicro()),
			TransID:         strconv.FormatUint(uint64(msg.Xid), 10),
		}

	case *pglogrepl.InsertMessage:
		if *current == nil {
			return errors.New("walsource: insert outside transaction")
		}
		rel, ok := s.lookupRelation(msg.RelationID)
		if !ok {
			return fmt.Errorf("walsource: unknown relation id %d", msg.RelationID)
		}
		values, err := s.decodeTuple(rel, msg.Tuple)
		if err != nil {
			return err
		}
		(*current).Changes = append((*current).Changes, collab.Change{
			Kind:     collab.ChangeInsert,
			Relation: collab.RelationIdentity{Schema: rel.Namespace, Table: rel.RelationName},
			New:      values,
		})

	case *pglogrepl.UpdateMessage:
		if *current == nil {
			return errors.New("walsource: update outside transaction")
		}
		rel, ok := s.lookupRelation(msg.RelationID)
		if !ok {
			return fmt.Errorf("walsource: unknown relation id %d", msg.RelationID)
		}
		newValues, err := s.decodeTuple(rel, msg.NewTuple)
		if err != nil {
			return err
		}
		var oldValues map[string]*string
		if msg.OldTuple != nil {
			oldValues, err = s.decodeTuple(rel, msg.OldTuple)
			if err != nil {
				return err
			}
		}
		(*current).Changes = append((*current).Changes, collab.Change{
			Kind:     collab.ChangeUpdate,
			Relation: collab.RelationIdentity{Schema: rel.Namespace, Table: rel.RelationName},
			New:      newValues,
			Old:      oldValues,
		})

	case *pglogrepl.DeleteMessage:
		if *current == nil {
			return errors.New("walsource: delete outside transaction")
		}
		rel, ok := s.lookupRelation(msg.RelationID)
		if !ok {
			return fmt.Errorf("walsource: unknown relation id %d", msg.RelationID)
		}
		var oldValues map[string]*string
		if msg.OldTuple != nil {
			var err error
			oldValues, err = s.decodeTuple(rel, msg.OldTuple)
			if err != nil {
				return err
			}
		}
		(*current).Changes = append((*current).Changes, collab.Change{
			Kind:     collab.ChangeDelete,
			Relation: collab.RelationIdentity{Schema: rel.Namespace, Table: rel.RelationName},
			Old:      oldValues,
		})

	case *pglogrepl.CommitMessage:
		if *current == nil {
			return errors.New("walsource: commit outside transaction")
		}
		(*current).LSN = serializeLSN(msg.CommitLSN)
		select {
		case out <- **current:
		case <-ctx.Done():
			return ctx.Err()
		}
		*current = nil
	}
	return nil
}

func (s *PostgresSource) lookupRelation(id uint32) (*pglogrepl.RelationMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relations[id]
	return rel, ok
}

func (s *PostgresSource) decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (map[string]*string, error) {
	if tuple == nil {
		return nil, nil
	}
	values := make(map[string]*string, len(tuple.Columns))
	for i, col := range tuple.Columns {
		name := rel.Columns[i].Name
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			values[name] = nil
		case pglogrepl.TupleDataTypeToast:
			return nil, fmt.Errorf("walsource: column %q is unchanged toast (replica identity full required)", name)
		default:
			s := string(col.Data)
			values[name] = &s
		}
	}
	return values, nil
}

// Apply writes tx's changes back toward Postgres, impersonating a
// regular subscriber connection rather than the replication protocol
// (spec.md overview). It uses a plain INSERT .. ON CONFLICT DO UPDATE /
// DELETE per change, relying on the table's primary key to target the
// right row - the same "last write wins" merge policy any logical
// replication subscriber applies.
func (s *PostgresSource) Apply(ctx context.Context, tx collab.Transaction) error {
	if s.applyPool == nil {
		return errors.New("walsource: apply pool not configured")
	}
	batch := &pgBatch{}
	for _, change := range tx.Changes {
		if err := batch.add(change); err != nil {
			return err
		}
	}
	return batch.exec(ctx, s.applyPool)
}

type pgBatch struct {
	stmts []string
	args  [][]any
}

func (b *pgBatch) add(change collab.Change) error {
	table := pgx.Identifier{change.Relation.Schema, change.Relation.Table}.Sanitize()
	switch change.Kind {
	case collab.ChangeInsert, collab.ChangeUpdate:
		cols := make([]string, 0, len(change.New))
		placeholders := make([]string, 0, len(change.New))
		updates := make([]string, 0, len(change.New))
		args := make([]any, 0, len(change.New))
		i := 1
		for col, val := range change.New {
			quoted := pgx.Identifier{col}.Sanitize()
			cols = append(cols, quoted)
			placeholders = append(placeholders, fmt.Sprintf("$%d", i))
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
			args = append(args, derefOrNil(val))
			i++
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if change.Kind == collab.ChangeUpdate && len(updates) > 0 {
			stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO UPDATE SET %s",
				table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
		}
		b.stmts = append(b.stmts, stmt)
		b.args = append(b.args, args)
	case collab.ChangeDelete:
		if len(change.Old) == 0 {
			return fmt.Errorf("walsource: delete with no previous image for %s", table)
		}
		conds := make([]string, 0, len(change.Old))
		args := make([]any, 0, len(change.Old))
		i := 1
		for col, val := range change.Old {
			conds = append(conds, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i))
			args = append(args, derefOrNil(val))
			i++
		}
		b.stmts = append(b.stmts, fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(conds, " AND ")))
		b.args = append(b.args, args)
	}
	return nil
}

func (b *pgBatch) exec(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("walsource: begin apply tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, stmt := range b.stmts {
		if _, err := tx.Exec(ctx, stmt, b.args[i]...); err != nil {
			return fmt.Errorf("walsource: apply change: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("walsource: commit apply tx: %w", err)
	}
	return nil
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
