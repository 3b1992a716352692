package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/internal/relation"
	"github.com/electric-sql/electric/pkg/satproto"
)

type fakeCache struct {
	relations map[collab.RelationIdentity]collab.Relation
}

func (f *fakeCache) Ready(ctx context.Context, origin string) (bool, error) { return true, nil }

func (f *fakeCache) Relation(ctx context.Context, identity collab.RelationIdentity) (collab.Relation, bool, error) {
	rel, ok := f.relations[identity]
	return rel, ok, nil
}

func (f *fakeCache) RelationByID(ctx context.Context, id uint32) (collab.Relation, bool, error) {
	for _, rel := range f.relations {
		if rel.CanonicalID == id {
			return rel, true, nil
		}
	}
	return collab.Relation{}, false, nil
}

func (f *fakeCache) ElectrifiedTables(ctx context.Context) ([]collab.RelationIdentity, error) {
	return nil, nil
}

func (f *fakeCache) Load(ctx context.Context, origin, version string) (collab.Schema, bool, error) {
	return collab.Schema{}, false, nil
}

func newFakeCache() *fakeCache {
	ident := collab.RelationIdentity{Schema: "public", Table: "entries"}
	return &fakeCache{relations: map[collab.RelationIdentity]collab.Relation{
		ident: {
			CanonicalID: 1,
			Identity:    ident,
			Columns:     []satproto.ColumnDef{{Name: "id", PgType: "int8"}},
		},
	}}
}

type fakeSource struct {
	stream *fakeStream
	err    error
}

func (f *fakeSource) Snapshot(ctx context.Context, subscriptionID string, shapes []satproto.ShapeRequest) (collab.SnapshotStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type fakeStream struct {
	lsn  collab.LSN
	rows chan collab.SnapshotRow
	errs chan error
}

func newFakeStream(lsn string) *fakeStream {
	return &fakeStream{
		lsn:  collab.LSN(lsn),
		rows: make(chan collab.SnapshotRow, 8),
		errs: make(chan error, 1),
	}
}

func (s *fakeStream) ConsistentLSN() collab.LSN       { return s.lsn }
func (s *fakeStream) Rows() <-chan collab.SnapshotRow { return s.rows }
func (s *fakeStream) Errors() <-chan error            { return s.errs }

type fakeSender struct {
	mu     sync.Mutex
	frames []satproto.Frame
	done   chan struct{}
	want   satproto.FrameType
}

func newFakeSender(waitFor satproto.FrameType) *fakeSender {
	return &fakeSender{done: make(chan struct{}), want: waitFor}
}

func (s *fakeSender) SendUnsolicited(ctx context.Context, frame satproto.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	if frame.Type == s.want {
		close(s.done)
	}
	return nil
}

func (s *fakeSender) snapshot() []satproto.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]satproto.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func identEntries() collab.RelationIdentity { return collab.RelationIdentity{Schema: "public", Table: "entries"} }

func TestSubscribeRejectsDuplicateID(t *testing.T) {
	cache := newFakeCache()
	stream := newFakeStream("lsn-1")
	close(stream.rows)
	close(stream.errs)
	sender := newFakeSender(satproto.FrameSubsDataEnd)
	mgr := New(cache, &fakeSource{stream: stream}, relation.New(cache), sender)

	req := satproto.SubscribeReq{SubscriptionID: "s1", ShapeRequests: []satproto.ShapeRequest{
		{RequestID: "r1", Selects: []satproto.ShapeSelect{{TableName: "entries"}}},
	}}
	if _, err := mgr.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	<-sender.done

	_, err := mgr.Subscribe(context.Background(), req)
	var reqErr *satproto.RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != satproto.ErrSubscriptionIDExists {
		t.Fatalf("expected SUBSCRIPTION_ID_ALREADY_EXISTS, got %v", err)
	}
}

func TestSubscribeRejectsEmptyShapeDefinition(t *testing.T) {
	cache := newFakeCache()
	mgr := New(cache, &fakeSource{}, relation.New(cache), newFakeSender(satproto.FrameSubsDataEnd))

	req := satproto.SubscribeReq{SubscriptionID: "s2", ShapeRequests: []satproto.ShapeRequest{
		{RequestID: "r1", Selects: nil},
	}}
	_, err := mgr.Subscribe(context.Background(), req)
	var reqErr *satproto.RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != satproto.ErrShapeRequest {
		t.Fatalf("expected SHAPE_REQUEST_ERROR, got %v", err)
	}
	if len(reqErr.Inner) != 1 || reqErr.Inner[0].Code != satproto.ShapeErrEmptyDefinition {
		t.Fatalf("expected EMPTY_SHAPE_DEFINITION, got %+v", reqErr.Inner)
	}
}

func TestSubscribeRejectsDuplicateTableInShape(t *testing.T) {
	cache := newFakeCache()
	mgr := New(cache, &fakeSource{}, relation.New(cache), newFakeSender(satproto.FrameSubsDataEnd))

	req := satproto.SubscribeReq{SubscriptionID: "s3", ShapeRequests: []satproto.ShapeRequest{
		{RequestID: "r1", Selects: []satproto.ShapeSelect{{TableName: "entries"}, {TableName: "entries"}}},
	}}
	_, err := mgr.Subscribe(context.Background(), req)
	var reqErr *satproto.RequestError
	if !errors.As(err, &reqErr) || reqErr.Inner[0].Code != satproto.ShapeErrDuplicateTable {
		t.Fatalf("expected DUPLICATE_TABLE_IN_SHAPE_DEFINITION, got %v", err)
	}
}

func TestSubscribeRejectsUnknownTable(t *testing.T) {
	cache := newFakeCache()
	mgr := New(cache, &fakeSource{}, relation.New(cache), newFakeSender(satproto.FrameSubsDataEnd))

	req := satproto.SubscribeReq{SubscriptionID: "s4", ShapeRequests: []satproto.ShapeRequest{
		{RequestID: "r1", Selects: []satproto.ShapeSelect{{TableName: "missing"}}},
	}}
	_, err := mgr.Subscribe(context.Background(), req)
	var reqErr *satproto.RequestError
	if !errors.As(err, &reqErr) || reqErr.Inner[0].Code != satproto.ShapeErrTableNotFound {
		t.Fatalf("expected TABLE_NOT_FOUND, got %v", err)
	}
}

func TestDeliverSnapshotBracketsShapeAndSubsData(t *testing.T) {
	cache := newFakeCache()
	stream := newFakeStream("lsn-42")
	stream.rows <- collab.SnapshotRow{ShapeRequestID: "r1", Relation: identEntries(), Values: map[string]*string{"id": strPtr("1")}}
	stream.rows <- collab.SnapshotRow{ShapeRequestID: "r1", Relation: identEntries(), Values: map[string]*string{"id": strPtr("2")}}
	close(stream.rows)
	close(stream.errs)

	sender := newFakeSender(satproto.FrameSubsDataEnd)
	mgr := New(cache, &fakeSource{stream: stream}, relation.New(cache), sender)

	req := satproto.SubscribeReq{SubscriptionID: "s5", ShapeRequests: []satproto.ShapeRequest{
		{RequestID: "r1", Selects: []satproto.ShapeSelect{{TableName: "entries"}}},
	}}
	if _, err := mgr.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot delivery to finish")
	}

	frames := sender.snapshot()
	if len(frames) < 5 {
		t.Fatalf("expected at least Begin+ShapeBegin+2xOpLog+ShapeEnd+End, got %d frames", len(frames))
	}
	if frames[0].Type != satproto.FrameSubsDataBegin {
		t.Fatalf("expected first frame SubsDataBegin, got %v", frames[0].Type)
	}
	if frames[1].Type != satproto.FrameShapeDataBegin {
		t.Fatalf("expected second frame ShapeDataBegin, got %v", frames[1].Type)
	}
	last, secondLast := frames[len(frames)-1], frames[len(frames)-2]
	if last.Type != satproto.FrameSubsDataEnd || secondLast.Type != satproto.FrameShapeDataEnd {
		t.Fatalf("expected trailing ShapeDataEnd/SubsDataEnd, got %v, %v", secondLast.Type, last.Type)
	}

	if !mgr.Active("s5") {
		t.Fatalf("expected subscription to be active after successful delivery")
	}
}

func TestDeliverSnapshotFailureEmitsSubsDataError(t *testing.T) {
	cache := newFakeCache()
	stream := newFakeStream("lsn-7")
	stream.errs <- errors.New("boom")
	sender := newFakeSender(satproto.FrameSubsDataError)
	mgr := New(cache, &fakeSource{stream: stream}, relation.New(cache), sender)

	req := satproto.SubscribeReq{SubscriptionID: "s6", ShapeRequests: []satproto.ShapeRequest{
		{RequestID: "r1", Selects: []satproto.ShapeSelect{{TableName: "entries"}}},
	}}
	if _, err := mgr.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SubsDataError")
	}

	if mgr.Active("s6") {
		t.Fatalf("expected subscription to be cancelled after delivery failure")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	cache := newFakeCache()
	stream := newFakeStream("lsn-1")
	close(stream.rows)
	close(stream.errs)
	sender := newFakeSender(satproto.FrameSubsDataEnd)
	mgr := New(cache, &fakeSource{stream: stream}, relation.New(cache), sender)

	req := satproto.SubscribeReq{SubscriptionID: "s7", ShapeRequests: []satproto.ShapeRequest{
		{RequestID: "r1", Selects: []satproto.ShapeSelect{{TableName: "entries"}}},
	}}
	if _, err := mgr.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-sender.done

	if _, err := mgr.Unsubscribe(context.Background(), satproto.UnsubscribeReq{SubscriptionIDs: []string{"s7", "unknown"}}); err != nil {
		t.Fatalf("first unsubscribe: %v", err)
	}
	if _, err := mgr.Unsubscribe(context.Background(), satproto.UnsubscribeReq{SubscriptionIDs: []string{"s7", "unknown"}}); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	if mgr.Active("s7") {
		t.Fatalf("expected s7 to be inactive after unsubscribe")
	}
}

func TestGCSubscriptionsRemovesOldCancelled(t *testing.T) {
	cache := newFakeCache()
	mgr := New(cache, &fakeSource{}, relation.New(cache), newFakeSender(satproto.FrameSubsDataEnd))
	mgr.subs["old"] = &Subscription{ID: "old", Status: StatusCancelled, CancelledAt: time.Now().Add(-time.Hour)}
	mgr.subs["recent"] = &Subscription{ID: "recent", Status: StatusCancelled, CancelledAt: time.Now()}

	removed := mgr.GCSubscriptions(time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := mgr.subs["old"]; ok {
		t.Fatalf("expected old subscription to be GC'd")
	}
	if _, ok := mgr.subs["recent"]; !ok {
		t.Fatalf("expected recent subscription to survive GC")
	}
}

func strPtr(s string) *string { return &s }
