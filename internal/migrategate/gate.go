// Package migrategate gates collab.MigrationTranslator behind a DDL
// approval workflow: a captured DDL statement
// is recorded and, unless auto-approved, must be approved out of band
// (an operator tool, an admin endpoint - not part of this protocol
// core) before internal/txn's serializer is allowed to translate and
// ship it to Satellite clients as a MigrateStmt batch.
package migrategate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/electric-sql/electric/internal/collab"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusApplied  = "applied"
)

// ErrApprovalRequired is returned by Gate.Translate in place of
// delegating to the wrapped translator when a DDL statement has no
// recorded approval yet.
var ErrApprovalRequired = errors.New("migrategate: ddl approval required")

// ErrRejected is returned when the statement was explicitly rejected.
var ErrRejected = errors.New("migrategate: ddl was rejected")

// Event is one captured DDL statement's approval record.
type Event struct {
	ID      int64
	Version string
	DDL     string
	Status  string
}

// Store persists DDL approval state. PostgresStore is the only
// implementation; cmd/electric-server points it at the DDL gate's own
// DSN, or at the replicated Postgres database when none is set.
type Store interface {
	Record(ctx context.Context, version, ddl, status string) (Event, error)
	Get(ctx context.Context, version, ddl string) (Event, error)
	SetStatus(ctx context.Context, id int64, status string) error
	ListPending(ctx context.Context) ([]Event, error)
}

// PostgresStore stores DDL approval events in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresStore) Record(ctx context.Context, version, ddl, status string) (Event, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO electric_ddl_events (schema_version, ddl, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (schema_version, ddl) DO NOTHING
		 RETURNING id`,
		version, ddl, status,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return p.Get(ctx, version, ddl)
	}
	if err != nil {
		return Event{}, fmt.Errorf("insert ddl event: %w", err)
	}
	return Event{ID: id, Version: version, DDL: ddl, Status: status}, nil
}

func (p *PostgresStore) Get(ctx context.Context, version, ddl string) (Event, error) {
	var event Event
	err := p.pool.QueryRow(ctx,
		`SELECT id, schema_version, ddl, status FROM electric_ddl_events
		 WHERE schema_version = $1 AND ddl = $2`,
		version, ddl,
	).Scan(&event.ID, &event.Version, &event.DDL, &event.Status)
	if err != nil {
		return Event{}, fmt.Errorf("get ddl event: %w", err)
	}
	return event, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, id int64, status string) error {
	query := "UPDATE electric_ddl_events SET status = $2 WHERE id = $1"
	if status == StatusApplied {
		query = "UPDATE electric_ddl_events SET status = $2, applied_at = now() WHERE id = $1"
	}
	if _, err := p.pool.Exec(ctx, query, id, status); err != nil {
		return fmt.Errorf("update ddl status: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]Event, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT id, schema_version, ddl, status FROM electric_ddl_events WHERE status = $1 ORDER BY created_at",
		StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending ddl events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.Version, &event.DDL, &event.Status); err != nil {
			return nil, fmt.Errorf("scan ddl event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ddl events: %w", err)
	}
	return events, nil
}

// Gate wraps a collab.MigrationTranslator, refusing to translate a DDL
// statement until it is approved. It implements collab.MigrationTranslator
// itself, so wiring it in is a one-line decoration around whatever
// Translator cmd/electric-server already built.
type Gate struct {
	Store       Store
	Next        collab.MigrationTranslator
	AutoApprove bool
}

func (g *Gate) Translate(ctx context.Context, schema collab.Schema, version, ddlSQL string) (collab.TranslationResult, error) {
	if g.Store == nil {
		return g.Next.Translate(ctx, schema, version, ddlSQL)
	}

	status := StatusPending
	if g.AutoApprove {
		status = StatusApproved
	}
	event, err := g.Store.Record(ctx, version, ddlSQL, status)
	if err != nil {
		return collab.TranslationResult{}, fmt.Errorf("record ddl event: %w", err)
	}

	switch event.Status {
	case StatusRejected:
		return collab.TranslationResult{}, ErrRejected
	case StatusApproved, StatusApplied:
		result, err := g.Next.Translate(ctx, schema, version, ddlSQL)
		if err != nil {
			return collab.TranslationResult{}, err
		}
		if event.Status != StatusApplied {
			_ = g.Store.SetStatus(ctx, event.ID, StatusApplied)
		}
		return result, nil
	default:
		return collab.TranslationResult{}, ErrApprovalRequired
	}
}
