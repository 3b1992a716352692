package cursorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists cursors in the same Postgres instance Electric
// replicates from (or a sibling control-plane database).
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

func (p *PostgresStore) Get(ctx context.Context, clientID string) (Cursor, error) {
	row := p.pool.QueryRow(ctx, "SELECT lsn, subscription_ids FROM cursors WHERE client_id = $1", clientID)
	var lsn []byte
	var idsJSON []byte
	if err := row.Scan(&lsn, &idsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Cursor{}, ErrNotFound
		}
		return Cursor{}, fmt.Errorf("scan cursor: %w", err)
	}
	var ids []string
	if len(idsJSON) > 0 {
		if err := json.Unmarshal(idsJSON, &ids); err != nil {
			return Cursor{}, fmt.Errorf("decode subscription ids: %w", err)
		}
	}
	return Cursor{ClientID: clientID, LSN: lsn, SubscriptionIDs: ids}, nil
}

func (p *PostgresStore) Put(ctx context.Context, cursor Cursor) error {
	idsJSON, err := json.Marshal(cursor.SubscriptionIDs)
	if err != nil {
		return fmt.Errorf("encode subscription ids: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO cursors (client_id, lsn, subscription_ids, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (client_id)
		 DO UPDATE SET lsn = EXCLUDED.lsn, subscription_ids = EXCLUDED.subscription_ids, updated_at = now()`,
		cursor.ClientID, []byte(cursor.LSN), idsJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}
