package satproto

// Method-specific RPC payloads (spec.md §4.2, §4.7, §4.8). These are
// encoded independently of the RpcRequest/RpcResponse envelope and
// carried in its Payload/Result bytes, so the envelope never needs to
// know about method-specific shapes.

const (
	MethodAuthenticate      = "authenticate"
	MethodStartReplication  = "startReplication"
	MethodStopReplication   = "stopReplication"
	MethodSubscribe         = "subscribe"
	MethodUnsubscribe       = "unsubscribe"
)

// --- authenticate ---------------------------------------------------------

type AuthReq struct {
	ID      string
	Token   string
	Headers []string
}

func (m *AuthReq) Encode() []byte {
	e := newEncoder()
	e.putString(m.ID)
	e.putString(m.Token)
	e.putStringSlice(m.Headers)
	return e.bytes()
}

func DecodeAuthReq(raw []byte) (*AuthReq, error) {
	d := newDecoder(raw)
	m := &AuthReq{ID: d.getString(), Token: d.getString(), Headers: d.getStringSlice()}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

type AuthResp struct {
	ID string
}

func (m *AuthResp) Encode() []byte {
	e := newEncoder()
	e.putString(m.ID)
	return e.bytes()
}

func DecodeAuthResp(raw []byte) (*AuthResp, error) {
	d := newDecoder(raw)
	m := &AuthResp{ID: d.getString()}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- startReplication / stopReplication -----------------------------------

type StartReplicationReq struct {
	LSN             []byte // empty means "start from current position"
	SubscriptionIDs []string
	SchemaVersion   string // empty means "unspecified"
}

func (m *StartReplicationReq) Encode() []byte {
	e := newEncoder()
	e.putBytes(m.LSN)
	e.putStringSlice(m.SubscriptionIDs)
	e.putString(m.SchemaVersion)
	return e.bytes()
}

func DecodeStartReplicationReq(raw []byte) (*StartReplicationReq, error) {
	d := newDecoder(raw)
	m := &StartReplicationReq{
		LSN:             d.getBytes(),
		SubscriptionIDs: d.getStringSlice(),
		SchemaVersion:   d.getString(),
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// StartReplicationResp carries no payload beyond the RpcResponse
// envelope's OK/error fields; defined for symmetry and future fields.
type StartReplicationResp struct{}

func (m *StartReplicationResp) Encode() []byte { return nil }

func DecodeStartReplicationResp(raw []byte) (*StartReplicationResp, error) {
	if len(raw) != 0 {
		return nil, ErrMalformedFrame
	}
	return &StartReplicationResp{}, nil
}

type StopReplicationReq struct{}

func (m *StopReplicationReq) Encode() []byte { return nil }

func DecodeStopReplicationReq(raw []byte) (*StopReplicationReq, error) {
	if len(raw) != 0 {
		return nil, ErrMalformedFrame
	}
	return &StopReplicationReq{}, nil
}

type StopReplicationResp struct{}

func (m *StopReplicationResp) Encode() []byte { return nil }

func DecodeStopReplicationResp(raw []byte) (*StopReplicationResp, error) {
	if len(raw) != 0 {
		return nil, ErrMalformedFrame
	}
	return &StopReplicationResp{}, nil
}

// --- subscribe / unsubscribe ------------------------------------------

type ShapeSelect struct {
	TableName string
}

type ShapeRequest struct {
	RequestID string
	Selects   []ShapeSelect
}

type SubscribeReq struct {
	SubscriptionID string
	ShapeRequests  []ShapeRequest
}

func (m *SubscribeReq) Encode() []byte {
	e := newEncoder()
	e.putString(m.SubscriptionID)
	e.putUint32(uint32(len(m.ShapeRequests)))
	for _, sr := range m.ShapeRequests {
		e.putString(sr.RequestID)
		e.putUint32(uint32(len(sr.Selects)))
		for _, sel := range sr.Selects {
			e.putString(sel.TableName)
		}
	}
	return e.bytes()
}

func DecodeSubscribeReq(raw []byte) (*SubscribeReq, error) {
	d := newDecoder(raw)
	m := &SubscribeReq{SubscriptionID: d.getString()}
	n := d.getUint32()
	if d.err == nil && n > 0 {
		m.ShapeRequests = make([]ShapeRequest, n)
		for i := range m.ShapeRequests {
			m.ShapeRequests[i].RequestID = d.getString()
			sn := d.getUint32()
			if d.err == nil && sn > 0 {
				m.ShapeRequests[i].Selects = make([]ShapeSelect, sn)
				for j := range m.ShapeRequests[i].Selects {
					m.ShapeRequests[i].Selects[j] = ShapeSelect{TableName: d.getString()}
				}
			}
		}
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

type SubscribeResp struct {
	SubscriptionID string
}

func (m *SubscribeResp) Encode() []byte {
	e := newEncoder()
	e.putString(m.SubscriptionID)
	return e.bytes()
}

func DecodeSubscribeResp(raw []byte) (*SubscribeResp, error) {
	d := newDecoder(raw)
	m := &SubscribeResp{SubscriptionID: d.getString()}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

type UnsubscribeReq struct {
	SubscriptionIDs []string
}

func (m *UnsubscribeReq) Encode() []byte {
	e := newEncoder()
	e.putStringSlice(m.SubscriptionIDs)
	return e.bytes()
}

func DecodeUnsubscribeReq(raw []byte) (*UnsubscribeReq, error) {
	d := newDecoder(raw)
	m := &UnsubscribeReq{SubscriptionIDs: d.getStringSlice()}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

type UnsubscribeResp struct{}

func (m *UnsubscribeResp) Encode() []byte { return nil }

func DecodeUnsubscribeResp(raw []byte) (*UnsubscribeResp, error) {
	if len(raw) != 0 {
		return nil, ErrMalformedFrame
	}
	return &UnsubscribeResp{}, nil
}
