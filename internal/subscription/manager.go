// Package subscription implements the subscription manager (C7):
// subscribe/unsubscribe lifecycle and initial-snapshot delivery
// interleaved with live replication.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/internal/relation"
	"github.com/electric-sql/electric/internal/rowcodec"
	"github.com/electric-sql/electric/pkg/satproto"
)

// Status is a Subscription's lifecycle state (spec.md §3).
type Status uint8

const (
	StatusRequested Status = iota + 1
	StatusActive
	StatusCancelled
)

// Subscription is the server's bookkeeping for one subscribe call.
type Subscription struct {
	ID               string
	Shapes           []satproto.ShapeRequest
	Status           Status
	EstablishedAtLSN collab.LSN
	CancelledAt      time.Time
}

// FrameSender is the narrow seam the manager needs from the
// connection's rpc.Multiplexer to push unsolicited frames toward the
// Satellite: SubsDataBegin/End, ShapeDataBegin/End, and the snapshot's
// OpLog inserts.
type FrameSender interface {
	SendUnsolicited(ctx context.Context, frame satproto.Frame) error
}

// Manager owns every subscription for one connection.
type Manager struct {
	cache    collab.SchemaCache
	source   collab.SubscriptionDataSource
	registry *relation.Registry
	sender   FrameSender

	mu      sync.Mutex
	subs    map[string]*Subscription
	cancels map[string]context.CancelFunc
}

func New(cache collab.SchemaCache, source collab.SubscriptionDataSource, registry *relation.Registry, sender FrameSender) *Manager {
	return &Manager{
		cache:    cache,
		source:   source,
		registry: registry,
		sender:   sender,
		subs:     make(map[string]*Subscription),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Subscribe validates and registers req, then launches asynchronous
// snapshot delivery. The returned response acknowledges the
// subscription; snapshot rows arrive later as unsolicited frames
// (spec.md §4.7).
func (m *Manager) Subscribe(ctx context.Context, req satproto.SubscribeReq) (satproto.SubscribeResp, error) {
	shapeErrs, err := m.validateShapes(ctx, req.ShapeRequests)
	if err != nil {
		return satproto.SubscribeResp{}, fmt.Errorf("subscription: validate shapes: %w", err)
	}
	if len(shapeErrs) > 0 {
		return satproto.SubscribeResp{}, &satproto.RequestError{Code: satproto.ErrShapeRequest, Inner: shapeErrs}
	}

	sub := &Subscription{ID: req.SubscriptionID, Shapes: req.ShapeRequests, Status: StatusRequested}

	m.mu.Lock()
	if _, exists := m.subs[req.SubscriptionID]; exists {
		m.mu.Unlock()
		return satproto.SubscribeResp{}, &satproto.RequestError{Code: satproto.ErrSubscriptionIDExists, Detail: req.SubscriptionID}
	}
	deliveryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.subs[req.SubscriptionID] = sub
	m.cancels[req.SubscriptionID] = cancel
	m.mu.Unlock()

	go m.deliverSnapshot(deliveryCtx, sub)

	return satproto.SubscribeResp{SubscriptionID: req.SubscriptionID}, nil
}

// validateShapes checks each shape request against spec.md §4.7's
// closed set of static errors. A table-name lookup failure against the
// schema cache is returned as err (a genuine collaborator failure);
// everything else accumulates into the returned slice so the caller can
// report every offending shape in one SHAPE_REQUEST_ERROR.
func (m *Manager) validateShapes(ctx context.Context, shapes []satproto.ShapeRequest) ([]satproto.ShapeRequestError, error) {
	var errs []satproto.ShapeRequestError

	for _, shape := range shapes {
		if len(shape.Selects) == 0 {
			errs = append(errs, satproto.ShapeRequestError{RequestID: shape.RequestID, Code: satproto.ShapeErrEmptyDefinition})
			continue
		}

		seen := make(map[string]bool, len(shape.Selects))
		duplicate := false
		for _, sel := range shape.Selects {
			if seen[sel.TableName] {
				duplicate = true
				break
			}
			seen[sel.TableName] = true
		}
		if duplicate {
			errs = append(errs, satproto.ShapeRequestError{RequestID: shape.RequestID, Code: satproto.ShapeErrDuplicateTable})
			continue
		}

		missing := false
		for table := range seen {
			_, ok, err := m.cache.Relation(ctx, collab.RelationIdentity{Schema: "public", Table: table})
			if err != nil {
				return nil, fmt.Errorf("resolve table %q for shape %q: %w", table, shape.RequestID, err)
			}
			if !ok {
				missing = true
				break
			}
		}
		if missing {
			errs = append(errs, satproto.ShapeRequestError{RequestID: shape.RequestID, Code: satproto.ShapeErrTableNotFound})
		}

		// TODO: detect ShapeErrReferentialIntegrity once collab.SchemaCache
		// exposes foreign-key metadata; nothing in the interface today lets
		// this check a shape's tables against relations outside the shape.
	}

	return errs, nil
}

// Unsubscribe cancels the named subscriptions. Unknown ids are
// tolerated, and repeating the call is idempotent (spec.md §8 property
// 8): both acknowledge successfully.
func (m *Manager) Unsubscribe(ctx context.Context, req satproto.UnsubscribeReq) (satproto.UnsubscribeResp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range req.SubscriptionIDs {
		if sub, ok := m.subs[id]; ok && sub.Status != StatusCancelled {
			sub.Status = StatusCancelled
			sub.CancelledAt = time.Now()
		}
	}
	return satproto.UnsubscribeResp{}, nil
}

// Active reports whether id is a currently-active (non-cancelled)
// subscription, for C9's op-log filtering of live replication frames
// against cancelled subscriptions.
func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	return ok && sub.Status != StatusCancelled
}

// Known reports whether id has ever been created on this connection,
// regardless of status - startReplication's resume validation (C8)
// needs "known", not "active", since dropped-from-resume subscriptions
// are retained rather than cancelled (spec.md §4.8).
func (m *Manager) Known(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[id]
	return ok
}

// CancelDelivery aborts an in-flight snapshot delivery for id, if one
// is running. C9 calls this when a resumed startReplication drops id
// from its subscription_ids list, so a subscription the client walked
// away from doesn't go on leaking snapshot frames into the resumed
// stream (spec.md §4.8's "no rows for dropped subscriptions leak"
// guarantee). Safe to call after delivery has already finished; the
// stored cancel func is a no-op at that point.
func (m *Manager) CancelDelivery(id string) {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// GCSubscriptions drops cancelled subscriptions whose cancellation
// happened more than olderThan ago (SPEC_FULL.md's supplemented GC
// operation for spec.md §4.8's "retained ... subject to its own GC").
// It is never called automatically: Connection.GCSubscriptions exposes
// it, and nothing in the server calls that either.
func (m *Manager) GCSubscriptions(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, sub := range m.subs {
		if sub.Status == StatusCancelled && sub.CancelledAt.Before(cutoff) {
			delete(m.subs, id)
			delete(m.cancels, id)
			removed++
		}
	}
	return removed
}

func subsDataBeginFrame(subscriptionID string, lsn collab.LSN) satproto.Frame {
	msg := &satproto.SubsDataBegin{SubscriptionID: subscriptionID, LSN: []byte(lsn)}
	return satproto.Frame{Type: satproto.FrameSubsDataBegin, Payload: msg.Encode()}
}

func subsDataEndFrame() satproto.Frame {
	msg := &satproto.SubsDataEnd{}
	return satproto.Frame{Type: satproto.FrameSubsDataEnd, Payload: msg.Encode()}
}

func subsDataErrorFrame(subscriptionID string, errs []satproto.ShapeRequestError) satproto.Frame {
	msg := &satproto.SubsDataError{SubscriptionID: subscriptionID, ShapeRequestErrors: errs}
	return satproto.Frame{Type: satproto.FrameSubsDataError, Payload: msg.Encode()}
}

func shapeDataBeginFrame(requestID, uuid string) satproto.Frame {
	msg := &satproto.ShapeDataBegin{RequestID: requestID, UUID: uuid}
	return satproto.Frame{Type: satproto.FrameShapeDataBegin, Payload: msg.Encode()}
}

func shapeDataEndFrame() satproto.Frame {
	msg := &satproto.ShapeDataEnd{}
	return satproto.Frame{Type: satproto.FrameShapeDataEnd, Payload: msg.Encode()}
}

// deliverSnapshot runs spec.md §4.7's delivery procedure against the
// subscription's own context (detached from the subscribe RPC call's
// context, since delivery outlives the RPC that triggered it). Any
// transport-write failure simply abandons delivery: the connection is
// already going down, and C9 owns reporting that.
func (m *Manager) deliverSnapshot(ctx context.Context, sub *Subscription) {
	stream, err := m.source.Snapshot(ctx, sub.ID, sub.Shapes)
	if err != nil {
		m.failSnapshot(ctx, sub, []satproto.ShapeRequestError{{Code: satproto.ErrShapeDelivery, Message: err.Error()}})
		return
	}

	lsn := stream.ConsistentLSN()
	if err := m.sender.SendUnsolicited(ctx, subsDataBeginFrame(sub.ID, lsn)); err != nil {
		return
	}

	rows := stream.Rows()
	streamErrs := stream.Errors()
	var currentShape string
	shapeOpen := false

	for rows != nil || streamErrs != nil {
		select {
		case row, ok := <-rows:
			if !ok {
				rows = nil
				continue
			}
			if row.ShapeRequestID != currentShape {
				if shapeOpen {
					if err := m.sender.SendUnsolicited(ctx, shapeDataEndFrame()); err != nil {
						return
					}
				}
				currentShape = row.ShapeRequestID
				if err := m.sender.SendUnsolicited(ctx, shapeDataBeginFrame(currentShape, uuid.NewString())); err != nil {
					return
				}
				shapeOpen = true
			}
			frame, err := m.encodeSnapshotRow(ctx, row)
			if err != nil {
				m.failSnapshot(ctx, sub, []satproto.ShapeRequestError{{RequestID: row.ShapeRequestID, Code: satproto.ErrShapeDelivery, Message: err.Error()}})
				return
			}
			if err := m.sender.SendUnsolicited(ctx, frame); err != nil {
				return
			}

		case streamErr, ok := <-streamErrs:
			if !ok {
				streamErrs = nil
				continue
			}
			if streamErr != nil {
				m.failSnapshot(ctx, sub, []satproto.ShapeRequestError{{Code: satproto.ErrShapeDelivery, Message: streamErr.Error()}})
				return
			}

		case <-ctx.Done():
			return
		}
	}

	if shapeOpen {
		if err := m.sender.SendUnsolicited(ctx, shapeDataEndFrame()); err != nil {
			return
		}
	}
	if err := m.sender.SendUnsolicited(ctx, subsDataEndFrame()); err != nil {
		return
	}

	m.mu.Lock()
	if sub.Status != StatusCancelled {
		sub.Status = StatusActive
		sub.EstablishedAtLSN = lsn
	}
	m.mu.Unlock()
}

// encodeSnapshotRow resolves row's relation (advertising it first if
// this connection hasn't referenced it yet) and encodes it as a bare
// Insert op wrapped in its own OpLog frame - no Begin/Commit, since
// snapshot rows are not a transaction (spec.md §4.7 step 2).
func (m *Manager) encodeSnapshotRow(ctx context.Context, row collab.SnapshotRow) (satproto.Frame, error) {
	entry, isNew, err := m.registry.Resolve(ctx, row.Relation)
	if err != nil {
		return satproto.Frame{}, err
	}
	if isNew {
		if err := m.sender.SendUnsolicited(ctx, relation.AdvertiseFrame(entry)); err != nil {
			return satproto.Frame{}, err
		}
	}

	wireRow, err := rowcodec.Encode(row.Values, entry.Columns)
	if err != nil {
		return satproto.Frame{}, err
	}

	oplog := &satproto.OpLogMsg{Ops: []satproto.Op{
		{Tag: satproto.OpTagInsert, Insert: &satproto.OpInsert{RelationID: entry.RelationID, Row: wireRow}},
	}}
	return satproto.Frame{Type: satproto.FrameOpLog, Payload: oplog.Encode()}, nil
}

func (m *Manager) failSnapshot(ctx context.Context, sub *Subscription, errs []satproto.ShapeRequestError) {
	m.mu.Lock()
	sub.Status = StatusCancelled
	sub.CancelledAt = time.Now()
	m.mu.Unlock()
	_ = m.sender.SendUnsolicited(ctx, subsDataErrorFrame(sub.ID, errs))
}
