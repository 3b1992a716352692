// Package cursorstore records each Satellite client's replication
// cursor: the LSN and subscription ids of its latest successful
// startReplication request. Two backends are provided: PostgresStore for production
// deployments, SQLiteStore for standalone/dev ones - both satisfy Store.
package cursorstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no cursor has ever been recorded
// for a client.
var ErrNotFound = errors.New("cursorstore: cursor not found")

// Cursor is one client's durable resume position.
type Cursor struct {
	ClientID        string
	LSN             []byte
	SubscriptionIDs []string
}

// Store is the seam cmd/electric-server wires into a Connection as its
// CursorSink: Put records a client's cursor once per successful
// startReplication. Nothing in the server calls Get, and the stored
// position is not advanced as transactions are delivered.
type Store interface {
	Get(ctx context.Context, clientID string) (Cursor, error)
	Put(ctx context.Context, cursor Cursor) error
	Close() error
}
