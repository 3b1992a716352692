// Package connection implements the connection state machine (C9):
// protocol-version negotiation, the Connected/Authenticated/Replicating/
// Closed lifecycle, and the glue wiring the rpc.Multiplexer (C2) to the
// relation registry (C4), transaction serializer/deserializer (C5/C6),
// subscription manager (C7), and replication cursor (C8).
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/internal/cursor"
	"github.com/electric-sql/electric/internal/relation"
	"github.com/electric-sql/electric/internal/rpc"
	"github.com/electric-sql/electric/internal/subscription"
	"github.com/electric-sql/electric/internal/txn"
	"github.com/electric-sql/electric/pkg/satproto"
)

// SupportedMajor and SupportedMinor identify the protocol version this
// build speaks, for the electric.<major>.<minor> subprotocol string
// (spec.md §4.9, §6).
const (
	SupportedMajor = 1
	SupportedMinor = 0
)

// ErrProtoVsnMismatch is a transport error (spec.md §7): the caller must
// close the connection without attempting any protocol-level response,
// since nothing - not even authenticate - may run on a wire version
// neither side agreed to. Negotiation happens at transport handshake,
// ahead of and outside the byte-framed channel Connection itself owns
// (mirrors satproto.Transport's own stance that WebSocket/TCP specifics
// are out of scope for the core).
var ErrProtoVsnMismatch = errors.New("connection: no mutually supported protocol version")

// NegotiateSubprotocol picks the first entry in offered that names this
// build's supported version, or fails with ErrProtoVsnMismatch.
func NegotiateSubprotocol(offered []string) (string, error) {
	want := fmt.Sprintf("electric.%d.%d", SupportedMajor, SupportedMinor)
	for _, s := range offered {
		if s == want {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: none of %v match %s", ErrProtoVsnMismatch, offered, want)
}

// State is the connection's lifecycle state (spec.md §4.9).
type State uint8

const (
	StateConnected State = iota
	StateAuthenticated
	StateReplicating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateAuthenticated:
		return "Authenticated"
	case StateReplicating:
		return "Replicating"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Config wires a Connection's collaborators. Every field but Logger,
// Tracer and CursorSink is required.
type Config struct {
	Transport      satproto.Transport
	Auth           collab.AuthVerifier
	WalSource      collab.WalSource
	Cache          collab.SchemaCache
	Translator     collab.MigrationTranslator
	SnapshotSource collab.SubscriptionDataSource

	// Origin identifies the WAL source to SchemaCache.Load/Ready calls.
	Origin string
	// ExtensionSchema names the internal catalog schema filtered out of
	// replicated transactions (e.g. "electric" - spec.md §4.5 step 2).
	ExtensionSchema string

	Logger *log.Logger
	Tracer trace.Tracer

	// CursorSink, if set, receives every successful startReplication
	// call's resume cursor. The protocol itself treats the Satellite
	// client as authoritative for its own resume position (spec.md
	// §4.8's StartReplicationReq always carries LSN/SubscriptionIDs),
	// so this is purely a supplementary, server-side record for
	// operator visibility and reconnect-assistance tooling - never
	// consulted by the core state machine itself.
	CursorSink CursorSink
}

// CursorSink receives a client's resume cursor as of a successful
// startReplication call.
type CursorSink interface {
	Put(ctx context.Context, clientID string, lsn []byte, subscriptionIDs []string) error
}

// Connection owns one client's end-to-end protocol session: one
// rpc.Multiplexer pumping one satproto.Transport, dispatching RPCs
// against the current State and routing inbound OpLog frames to the
// deserializer.
type Connection struct {
	transport    satproto.Transport
	auth         collab.AuthVerifier
	walSource    collab.WalSource
	registry     *relation.Registry
	serializer   *txn.Serializer
	deserializer *txn.Deserializer
	subscribers  *subscription.Manager
	cursor       *cursor.Cursor
	mux          *rpc.Multiplexer
	logger       *log.Logger
	tracer       trace.Tracer
	cursorSink   CursorSink

	mu                  sync.Mutex
	state               State
	identity            collab.Identity
	replicationCancel   context.CancelFunc
	lastSubscriptionIDs []string

	lastSentNanos atomic.Int64
	lastRecvNanos atomic.Int64
}

func New(cfg Config) *Connection {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("electric/connection")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	registry := relation.New(cfg.Cache)
	c := &Connection{
		transport: cfg.Transport,
		auth:      cfg.Auth,
		walSource: cfg.WalSource,
		registry:  registry,
		serializer: &txn.Serializer{
			Registry:        registry,
			Translator:      cfg.Translator,
			ExtensionSchema: cfg.ExtensionSchema,
		},
		deserializer: &txn.Deserializer{Registry: registry},
		logger:       logger,
		tracer:       tracer,
	}
	c.subscribers = subscription.New(cfg.Cache, cfg.SnapshotSource, registry, c)
	c.cursor = &cursor.Cursor{
		Source:        cfg.WalSource,
		Cache:         cfg.Cache,
		Subscriptions: c.subscribers,
		Origin:        cfg.Origin,
	}
	c.mux = rpc.New(rpc.Config{
		Transport:   cfg.Transport,
		Handler:     c.dispatch,
		Unsolicited: c.handleUnsolicited,
		Logger:      logger,
		Tracer:      tracer,
	})
	c.cursorSink = cfg.CursorSink
	return c
}

// Run pumps the connection until the transport closes or ctx is
// cancelled, per spec.md §4.9's catch-all "transport close / fatal ->
// Closed" transition.
func (c *Connection) Run(ctx context.Context) error {
	err := c.mux.Run(ctx)
	c.mu.Lock()
	c.state = StateClosed
	if c.replicationCancel != nil {
		c.replicationCancel()
		c.replicationCancel = nil
	}
	c.mu.Unlock()
	_ = c.transport.Close()
	return err
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Staleness reports how long it's been since a frame was last sent or
// received, whichever is more recent (SPEC_FULL.md's supplemented
// keepalive/staleness plumbing - additive bookkeeping, not a new wire
// message). Zero means no frame has crossed this connection yet.
func (c *Connection) Staleness() time.Duration {
	last := c.lastRecvNanos.Load()
	if sent := c.lastSentNanos.Load(); sent > last {
		last = sent
	}
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// GCSubscriptions drops cancelled subscriptions older than olderThan.
// Never invoked automatically; a caller (e.g. the process hosting this
// Connection) schedules it on its own idle-cleanup cadence.
func (c *Connection) GCSubscriptions(olderThan time.Duration) int {
	return c.subscribers.GCSubscriptions(olderThan)
}

// SendUnsolicited implements subscription.FrameSender and is also used
// internally for live replication frames, so every outbound non-RPC
// frame funnels through the same staleness bookkeeping.
func (c *Connection) SendUnsolicited(ctx context.Context, frame satproto.Frame) error {
	err := c.mux.SendUnsolicited(ctx, frame)
	if err == nil {
		c.lastSentNanos.Store(time.Now().UnixNano())
	}
	return err
}

func (c *Connection) touchReceived() {
	c.lastRecvNanos.Store(time.Now().UnixNano())
}

// dispatch is the rpc.Multiplexer's Handler: it fans out to the five
// RPC methods, gating each against the current state.
func (c *Connection) dispatch(ctx context.Context, method string, payload []byte) ([]byte, error) {
	c.touchReceived()
	switch method {
	case satproto.MethodAuthenticate:
		return c.handleAuthenticate(ctx, payload)
	case satproto.MethodStartReplication:
		return c.handleStartReplication(ctx, payload)
	case satproto.MethodStopReplication:
		return c.handleStopReplication(ctx, payload)
	case satproto.MethodSubscribe:
		return c.handleSubscribe(ctx, payload)
	case satproto.MethodUnsubscribe:
		return c.handleUnsubscribe(ctx, payload)
	default:
		return nil, &satproto.RequestError{Code: satproto.ErrInvalidRequest, Detail: fmt.Sprintf("unrecognized method %q", method)}
	}
}

// requireAuthenticated implements the "Connected, any other RPC ->
// Connected: respond AuthRequired" transition, shared by every method
// but authenticate.
func (c *Connection) requireAuthenticated() error {
	if c.State() == StateConnected {
		return &satproto.RequestError{Code: satproto.ErrAuthRequired}
	}
	return nil
}

func (c *Connection) handleAuthenticate(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := satproto.DecodeAuthReq(payload)
	if err != nil {
		return nil, &satproto.RequestError{Code: satproto.ErrInvalidRequest, Detail: err.Error()}
	}

	identity, err := c.auth.Verify(ctx, req.ID, req.Token, req.Headers)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return nil, &rpc.CloseAfterResponse{Err: &satproto.RequestError{Code: satproto.ErrAuthFailed, Detail: err.Error()}}
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.identity = identity
	c.mu.Unlock()

	resp := &satproto.AuthResp{ID: identity.ID}
	return resp.Encode(), nil
}

func (c *Connection) handleStartReplication(ctx context.Context, payload []byte) ([]byte, error) {
	if err := c.requireAuthenticated(); err != nil {
		return nil, err
	}
	req, err := satproto.DecodeStartReplicationReq(payload)
	if err != nil {
		return nil, &satproto.RequestError{Code: satproto.ErrInvalidRequest, Detail: err.Error()}
	}

	c.mu.Lock()
	if c.state == StateReplicating {
		c.mu.Unlock()
		return nil, &satproto.RequestError{Code: satproto.ErrInvalidRequest, Detail: "already replicating"}
	}
	c.mu.Unlock()

	txCh, errCh, err := c.cursor.Start(ctx, *req)
	if err != nil {
		return nil, err
	}

	if c.cursorSink != nil {
		c.mu.Lock()
		clientID := c.identity.ID
		c.mu.Unlock()
		if err := c.cursorSink.Put(ctx, clientID, req.LSN, req.SubscriptionIDs); err != nil {
			c.logger.Printf("cursor sink put failed for %s: %v", clientID, err)
		}
	}

	c.cancelStaleSnapshotDeliveries(req.SubscriptionIDs)

	replCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.state = StateReplicating
	c.replicationCancel = cancel
	c.mu.Unlock()

	go c.runReplication(replCtx, txCh, errCh)

	resp := &satproto.StartReplicationResp{}
	return resp.Encode(), nil
}

// cancelStaleSnapshotDeliveries aborts snapshot delivery for any
// subscription id this connection previously asked to resume but has
// now dropped, so it can't leak snapshot frames into the new stream
// (spec.md §4.8).
func (c *Connection) cancelStaleSnapshotDeliveries(newIDs []string) {
	keep := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		keep[id] = true
	}
	c.mu.Lock()
	previous := c.lastSubscriptionIDs
	c.lastSubscriptionIDs = newIDs
	c.mu.Unlock()

	for _, id := range previous {
		if !keep[id] {
			c.subscribers.CancelDelivery(id)
		}
	}
}

func (c *Connection) handleStopReplication(ctx context.Context, payload []byte) ([]byte, error) {
	if err := c.requireAuthenticated(); err != nil {
		return nil, err
	}
	if _, err := satproto.DecodeStopReplicationReq(payload); err != nil {
		return nil, &satproto.RequestError{Code: satproto.ErrInvalidRequest, Detail: err.Error()}
	}

	c.mu.Lock()
	if c.state == StateReplicating {
		if c.replicationCancel != nil {
			c.replicationCancel()
			c.replicationCancel = nil
		}
		c.state = StateAuthenticated
	}
	c.mu.Unlock()

	resp := &satproto.StopReplicationResp{}
	return resp.Encode(), nil
}

func (c *Connection) handleSubscribe(ctx context.Context, payload []byte) ([]byte, error) {
	if err := c.requireAuthenticated(); err != nil {
		return nil, err
	}
	req, err := satproto.DecodeSubscribeReq(payload)
	if err != nil {
		return nil, &satproto.RequestError{Code: satproto.ErrInvalidRequest, Detail: err.Error()}
	}
	resp, err := c.subscribers.Subscribe(ctx, *req)
	if err != nil {
		return nil, err
	}
	return resp.Encode(), nil
}

func (c *Connection) handleUnsubscribe(ctx context.Context, payload []byte) ([]byte, error) {
	if err := c.requireAuthenticated(); err != nil {
		return nil, err
	}
	req, err := satproto.DecodeUnsubscribeReq(payload)
	if err != nil {
		return nil, &satproto.RequestError{Code: satproto.ErrInvalidRequest, Detail: err.Error()}
	}
	resp, err := c.subscribers.Unsubscribe(ctx, *req)
	if err != nil {
		return nil, err
	}
	return resp.Encode(), nil
}

// runReplication drains txCh/errCh (as returned by cursor.Start) for
// the lifetime of replCtx, serializing each transaction and pushing
// its frames out. stopReplication cancels replCtx as its cooperative
// cancellation point (spec.md §5).
func (c *Connection) runReplication(ctx context.Context, txCh <-chan collab.Transaction, errCh <-chan error) {
	for txCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return

		case tx, ok := <-txCh:
			if !ok {
				txCh = nil
				continue
			}
			frames, err := c.serializer.Serialize(ctx, tx)
			if err != nil {
				c.fatal(fmt.Errorf("serialize transaction %s: %w", tx.TransID, err))
				return
			}
			for _, frame := range frames {
				if err := c.SendUnsolicited(ctx, frame); err != nil {
					return
				}
			}

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				c.fatal(fmt.Errorf("wal source: %w", err))
				return
			}
		}
	}
}

// handleUnsolicited is the rpc.Multiplexer's Unsolicited callback: the
// only non-RPC frame a Satellite ever sends upstream is OpLog, carrying
// client-originated writes to merge back toward the WAL source (spec.md
// overview: "impersonating a PostgreSQL subscriber"). It runs
// synchronously on Run's single read-loop goroutine, which is what
// keeps inbound transactions strictly ordered without extra
// bookkeeping (spec.md §5's "one logical task per connection").
func (c *Connection) handleUnsolicited(frame satproto.Frame) {
	c.touchReceived()
	if frame.Type != satproto.FrameOpLog {
		c.logger.Printf("connection: unexpected inbound frame type %s, ignoring", frame.Type)
		return
	}

	msg, err := satproto.DecodeOpLog(frame.Payload)
	if err != nil {
		c.fatal(fmt.Errorf("decode inbound OpLog: %w", err))
		return
	}

	tx, err := c.deserializer.Feed(msg)
	if err != nil {
		c.fatal(fmt.Errorf("deserialize inbound OpLog: %w", err))
		return
	}
	if tx == nil {
		return // partial transaction; more ops to come before Commit
	}

	ctx, span := c.tracer.Start(context.Background(), "connection.apply_inbound_transaction")
	defer span.End()
	if err := c.walSource.Apply(ctx, *tx); err != nil {
		span.RecordError(err)
		c.logger.Printf("connection: apply inbound transaction %s: %v", tx.TransID, err)
	}
}

// fatal implements spec.md §7's protocol-violation recovery policy as
// far as the closed message catalog allows: the catalog has no
// free-standing error frame a non-RPC-originated violation could ride
// on (SatErrorResp isn't one of the nine frame types spec.md §4.1
// enumerates), so "emit SatErrorResp{INTERNAL} if possible" degrades to
// "not possible here" - the connection logs the failure and closes,
// which the client observes as a transport drop like any other fatal
// error.
func (c *Connection) fatal(err error) {
	c.mu.Lock()
	c.state = StateClosed
	if c.replicationCancel != nil {
		c.replicationCancel()
		c.replicationCancel = nil
	}
	c.mu.Unlock()

	c.logger.Printf("connection: fatal error, closing: %v", err)
	if closeErr := c.transport.Close(); closeErr != nil {
		c.logger.Printf("connection: close after fatal error: %v", closeErr)
	}
}
