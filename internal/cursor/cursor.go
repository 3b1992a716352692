// Package cursor implements replication cursor resume validation (C8):
// turning a startReplication request into either a rejection
// (MalformedLSN, BehindWindow, InvalidPosition, UnknownSchemaVersion,
// SubscriptionNotFound) or a live transaction stream positioned at the
// requested resume point.
package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/pkg/satproto"
)

// SubscriptionChecker reports whether id names a subscription already
// known to this connection (any status - spec.md §4.8 says ids dropped
// from the resume list are retained, not cancelled, so "known" means
// "was ever created", not "still active").
type SubscriptionChecker interface {
	Known(id string) bool
}

// Cursor resolves one startReplication call against the WAL source.
type Cursor struct {
	Source        collab.WalSource
	Cache         collab.SchemaCache
	Subscriptions SubscriptionChecker
	Origin        string // the WAL source's reported origin, for SchemaCache.Load
}

// Start validates req and, on success, returns the transaction/error
// channel pair positioned at the resolved resume point. When req carries
// an LSN, the first transaction or rejection is consumed here to detect
// BehindWindow/InvalidPosition synchronously (so startReplication's RPC
// response can carry the right error code); the returned channel
// transparently replays that first transaction to its caller, so nothing
// is lost by peeking. Without an LSN there is no resume position to
// reject, so the source's channels are returned without waiting.
func (c *Cursor) Start(ctx context.Context, req satproto.StartReplicationReq) (<-chan collab.Transaction, <-chan error, error) {
	var from collab.LSN
	if len(req.LSN) > 0 {
		parsed, err := c.Source.SerializePosition(req.LSN)
		if err != nil {
			return nil, nil, &satproto.RequestError{Code: satproto.ErrMalformedLSN, Detail: err.Error()}
		}
		from = parsed
	}

	if req.SchemaVersion != "" {
		if _, ok, err := c.Cache.Load(ctx, c.Origin, req.SchemaVersion); err != nil {
			return nil, nil, fmt.Errorf("cursor: load schema version %q: %w", req.SchemaVersion, err)
		} else if !ok {
			return nil, nil, &satproto.RequestError{Code: satproto.ErrUnknownSchemaVsn, Detail: req.SchemaVersion}
		}
	}

	for _, id := range req.SubscriptionIDs {
		if !c.Subscriptions.Known(id) {
			return nil, nil, &satproto.RequestError{Code: satproto.ErrSubscriptionMissing, Detail: id}
		}
	}

	rawTx, rawErr := c.Source.Subscribe(ctx, from)
	if from == nil {
		return rawTx, rawErr, nil
	}

	select {
	case tx, ok := <-rawTx:
		if !ok {
			return rawTx, rawErr, nil
		}
		return prependTransaction(tx, rawTx), rawErr, nil

	case err, ok := <-rawErr:
		if !ok || err == nil {
			return rawTx, rawErr, nil
		}
		switch {
		case errors.Is(err, collab.ErrBehindWindow):
			return nil, nil, &satproto.RequestError{Code: satproto.ErrBehindWindow}
		case errors.Is(err, collab.ErrInvalidPosition):
			return nil, nil, &satproto.RequestError{Code: satproto.ErrInvalidPosition}
		default:
			return nil, nil, fmt.Errorf("cursor: subscribe: %w", err)
		}

	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// prependTransaction replays first, then everything from rest, onto a
// fresh channel - so peeking the first transaction to validate a
// resume position doesn't drop it from the stream the caller consumes.
func prependTransaction(first collab.Transaction, rest <-chan collab.Transaction) <-chan collab.Transaction {
	out := make(chan collab.Transaction)
	go func() {
		defer close(out)
		out <- first
		for tx := range rest {
			out <- tx
		}
	}()
	return out
}
