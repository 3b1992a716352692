package satproto

// This file defines the protocol message catalog referenced by §4 of the
// spec: the RPC envelope, relation advertisements, the op-log tagged
// union, and the subscription/snapshot bracket messages. Every message
// type implements Encode() []byte and has a matching DecodeX([]byte)
// function (nested parts use unexported encode/decodeX(*decoder) helpers),
// following the same hand-rolled, length-delimited shape pgx/pgproto3
// uses for FrontendMessage/BackendMessage.

// --- RPC envelope (C2) -------------------------------------------------

// RpcRequest is carried as the payload of a FrameRpcRequest frame.
type RpcRequest struct {
	Method    string
	RequestID uint32
	Payload   []byte
}

func (m *RpcRequest) Encode() []byte {
	e := newEncoder()
	e.putString(m.Method)
	e.putUint32(m.RequestID)
	e.putBytes(m.Payload)
	return e.bytes()
}

func DecodeRpcRequest(raw []byte) (*RpcRequest, error) {
	d := newDecoder(raw)
	m := &RpcRequest{
		Method:    d.getString(),
		RequestID: d.getUint32(),
		Payload:   d.getBytes(),
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// RpcResponse is carried as the payload of a FrameRpcResponse frame. A
// response is either Ok(Result) or Err(ErrCode[, ErrDetail]); exactly one
// of the two is meaningful, selected by OK.
type RpcResponse struct {
	Method    string
	RequestID uint32
	OK        bool
	Result    []byte
	ErrCode   ErrorCode
	ErrDetail string
}

func (m *RpcResponse) Encode() []byte {
	e := newEncoder()
	e.putString(m.Method)
	e.putUint32(m.RequestID)
	e.putBool(m.OK)
	if m.OK {
		e.putBytes(m.Result)
	} else {
		e.putString(string(m.ErrCode))
		e.putString(m.ErrDetail)
	}
	return e.bytes()
}

func DecodeRpcResponse(raw []byte) (*RpcResponse, error) {
	d := newDecoder(raw)
	m := &RpcResponse{
		Method:    d.getString(),
		RequestID: d.getUint32(),
		OK:        d.getBool(),
	}
	if m.OK {
		m.Result = d.getBytes()
	} else {
		m.ErrCode = ErrorCode(d.getString())
		m.ErrDetail = d.getString()
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- Relation advertisement (C4) ---------------------------------------

// ColumnDef describes one column of a Relation as advertised on the wire.
type ColumnDef struct {
	Name           string
	PgType         string
	Nullable       bool
	PartOfIdentity bool
}

func (c ColumnDef) encode(e *encoder) {
	e.putString(c.Name)
	e.putString(c.PgType)
	e.putBool(c.Nullable)
	e.putBool(c.PartOfIdentity)
}

func decodeColumnDef(d *decoder) ColumnDef {
	return ColumnDef{
		Name:           d.getString(),
		PgType:         d.getString(),
		Nullable:       d.getBool(),
		PartOfIdentity: d.getBool(),
	}
}

// Relation is the frame that must precede the first OpLog frame
// referencing its RelationID (spec.md §4.4, invariant in §3).
type Relation struct {
	RelationID uint32
	Schema     string
	Table      string
	Columns    []ColumnDef
}

func (m *Relation) Encode() []byte {
	e := newEncoder()
	e.putUint32(m.RelationID)
	e.putString(m.Schema)
	e.putString(m.Table)
	e.putUint32(uint32(len(m.Columns)))
	for _, c := range m.Columns {
		c.encode(e)
	}
	return e.bytes()
}

func DecodeRelation(raw []byte) (*Relation, error) {
	d := newDecoder(raw)
	m := &Relation{
		RelationID: d.getUint32(),
		Schema:     d.getString(),
		Table:      d.getString(),
	}
	n := d.getUint32()
	if d.err == nil && n > 0 {
		m.Columns = make([]ColumnDef, n)
		for i := range m.Columns {
			m.Columns[i] = decodeColumnDef(d)
		}
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- Row encoding (C3) ---------------------------------------------------

// Row is the wire row shape: a NULL bitmask (MSB-first within each byte,
// zero-padded to a full byte) plus one value per column in declared
// order. An empty value with its bit unset is the literal empty
// byte-string, never NULL.
type Row struct {
	NullBitmask []byte
	Values      [][]byte
}

func (r Row) encode(e *encoder) {
	e.putBytes(r.NullBitmask)
	e.putUint32(uint32(len(r.Values)))
	for _, v := range r.Values {
		e.putBytes(v)
	}
}

func decodeRow(d *decoder) Row {
	mask := d.getBytes()
	n := d.getUint32()
	var values [][]byte
	if d.err == nil && n > 0 {
		values = make([][]byte, n)
		for i := range values {
			values[i] = d.getBytes()
		}
	}
	return Row{NullBitmask: mask, Values: values}
}

// --- Op-log tagged union (C5/C6) ----------------------------------------

// OpTag selects which variant of Op is populated.
type OpTag uint8

const (
	OpTagBegin OpTag = iota + 1
	OpTagInsert
	OpTagUpdate
	OpTagDelete
	OpTagMigrate
	OpTagCommit
)

// OpBegin opens a transaction's op-log framing.
type OpBegin struct {
	CommitTimestamp uint64 // microseconds since Unix epoch
	TransID         string
	LSN             []byte
	Origin          string
	IsMigration     bool
}

// OpCommit closes a transaction's op-log framing.
type OpCommit struct {
	CommitTimestamp uint64
	TransID         string
	LSN             []byte
}

// OpInsert carries a new row image.
type OpInsert struct {
	RelationID uint32
	Row        Row
	Tags       []string
}

// OpUpdate carries old and new row images. Old is nil when no previous
// image was captured (the "no previous image" sentinel, spec.md §4.6).
type OpUpdate struct {
	RelationID uint32
	Old        *Row
	New        Row
	Tags       []string
}

// OpDelete carries the deleted row's last known image. Old is nil when
// the source's replica identity did not capture a previous image (the
// same "no previous image" sentinel Update uses, spec.md §4.6).
type OpDelete struct {
	RelationID uint32
	Old        *Row
	Tags       []string
}

// MigrateStmt is one target-dialect DDL statement produced by the
// migration translator.
type MigrateStmt struct {
	Type string
	SQL  string
}

// TableDef is the resulting table definition after a migration, if the
// migration introduces or reshapes a table.
type TableDef struct {
	Name    string
	Columns []ColumnDef
}

// OpMigrate carries a translated schema migration.
type OpMigrate struct {
	Version string
	Stmts   []MigrateStmt
	Table   *TableDef
}

// Op is a tagged union; exactly one of the pointer fields matching Tag is
// non-nil.
type Op struct {
	Tag    OpTag
	Begin  *OpBegin
	Insert *OpInsert
	Update *OpUpdate
	Delete *OpDelete
	Migrate *OpMigrate
	Commit *OpCommit
}

func (op Op) encode(e *encoder) {
	e.putUint8(uint8(op.Tag))
	switch op.Tag {
	case OpTagBegin:
		e.putUint64(op.Begin.CommitTimestamp)
		e.putString(op.Begin.TransID)
		e.putBytes(op.Begin.LSN)
		e.putString(op.Begin.Origin)
		e.putBool(op.Begin.IsMigration)
	case OpTagCommit:
		e.putUint64(op.Commit.CommitTimestamp)
		e.putString(op.Commit.TransID)
		e.putBytes(op.Commit.LSN)
	case OpTagInsert:
		e.putUint32(op.Insert.RelationID)
		op.Insert.Row.encode(e)
		e.putStringSlice(op.Insert.Tags)
	case OpTagUpdate:
		e.putUint32(op.Update.RelationID)
		e.putBool(op.Update.Old != nil)
		if op.Update.Old != nil {
			op.Update.Old.encode(e)
		}
		op.Update.New.encode(e)
		e.putStringSlice(op.Update.Tags)
	case OpTagDelete:
		e.putUint32(op.Delete.RelationID)
		e.putBool(op.Delete.Old != nil)
		if op.Delete.Old != nil {
			op.Delete.Old.encode(e)
		}
		e.putStringSlice(op.Delete.Tags)
	case OpTagMigrate:
		e.putString(op.Migrate.Version)
		e.putUint32(uint32(len(op.Migrate.Stmts)))
		for _, s := range op.Migrate.Stmts {
			e.putString(s.Type)
			e.putString(s.SQL)
		}
		e.putBool(op.Migrate.Table != nil)
		if op.Migrate.Table != nil {
			e.putString(op.Migrate.Table.Name)
			e.putUint32(uint32(len(op.Migrate.Table.Columns)))
			for _, c := range op.Migrate.Table.Columns {
				c.encode(e)
			}
		}
	}
}

func decodeOp(d *decoder) Op {
	tag := OpTag(d.getUint8())
	op := Op{Tag: tag}
	switch tag {
	case OpTagBegin:
		b := &OpBegin{}
		b.CommitTimestamp = d.getUint64()
		b.TransID = d.getString()
		b.LSN = d.getBytes()
		b.Origin = d.getString()
		b.IsMigration = d.getBool()
		op.Begin = b
	case OpTagCommit:
		c := &OpCommit{}
		c.CommitTimestamp = d.getUint64()
		c.TransID = d.getString()
		c.LSN = d.getBytes()
		op.Commit = c
	case OpTagInsert:
		ins := &OpInsert{}
		ins.RelationID = d.getUint32()
		ins.Row = decodeRow(d)
		ins.Tags = d.getStringSlice()
		op.Insert = ins
	case OpTagUpdate:
		upd := &OpUpdate{}
		upd.RelationID = d.getUint32()
		hasOld := d.getBool()
		if hasOld {
			old := decodeRow(d)
			upd.Old = &old
		}
		upd.New = decodeRow(d)
		upd.Tags = d.getStringSlice()
		op.Update = upd
	case OpTagDelete:
		del := &OpDelete{}
		del.RelationID = d.getUint32()
		hasOld := d.getBool()
		if hasOld {
			old := decodeRow(d)
			del.Old = &old
		}
		del.Tags = d.getStringSlice()
		op.Delete = del
	case OpTagMigrate:
		mig := &OpMigrate{}
		mig.Version = d.getString()
		n := d.getUint32()
		if d.err == nil && n > 0 {
			mig.Stmts = make([]MigrateStmt, n)
			for i := range mig.Stmts {
				mig.Stmts[i] = MigrateStmt{Type: d.getString(), SQL: d.getString()}
			}
		}
		hasTable := d.getBool()
		if hasTable {
			t := &TableDef{Name: d.getString()}
			cn := d.getUint32()
			if d.err == nil && cn > 0 {
				t.Columns = make([]ColumnDef, cn)
				for i := range t.Columns {
					t.Columns[i] = decodeColumnDef(d)
				}
			}
			mig.Table = t
		}
		op.Migrate = mig
	default:
		d.fail()
	}
	return op
}

// OpLogMsg is the payload of a FrameOpLog frame: an ordered sequence of
// ops, optionally Begin/Commit-bracketed (replication transactions are;
// initial-snapshot inserts are not, spec.md §4.7).
type OpLogMsg struct {
	Ops []Op
}

func (m *OpLogMsg) Encode() []byte {
	e := newEncoder()
	e.putUint32(uint32(len(m.Ops)))
	for _, op := range m.Ops {
		op.encode(e)
	}
	return e.bytes()
}

func DecodeOpLog(raw []byte) (*OpLogMsg, error) {
	d := newDecoder(raw)
	n := d.getUint32()
	m := &OpLogMsg{}
	if d.err == nil && n > 0 {
		m.Ops = make([]Op, n)
		for i := range m.Ops {
			m.Ops[i] = decodeOp(d)
		}
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- Subscription / snapshot bracket messages (C7) -----------------------

type SubsDataBegin struct {
	SubscriptionID string
	LSN            []byte
}

func (m *SubsDataBegin) Encode() []byte {
	e := newEncoder()
	e.putString(m.SubscriptionID)
	e.putBytes(m.LSN)
	return e.bytes()
}

func DecodeSubsDataBegin(raw []byte) (*SubsDataBegin, error) {
	d := newDecoder(raw)
	m := &SubsDataBegin{SubscriptionID: d.getString(), LSN: d.getBytes()}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// SubsDataEnd has no payload.
type SubsDataEnd struct{}

func (m *SubsDataEnd) Encode() []byte { return nil }

func DecodeSubsDataEnd(raw []byte) (*SubsDataEnd, error) {
	if len(raw) != 0 {
		return nil, ErrMalformedFrame
	}
	return &SubsDataEnd{}, nil
}

type ShapeDataBegin struct {
	RequestID string
	UUID      string
}

func (m *ShapeDataBegin) Encode() []byte {
	e := newEncoder()
	e.putString(m.RequestID)
	e.putString(m.UUID)
	return e.bytes()
}

func DecodeShapeDataBegin(raw []byte) (*ShapeDataBegin, error) {
	d := newDecoder(raw)
	m := &ShapeDataBegin{RequestID: d.getString(), UUID: d.getString()}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

type ShapeDataEnd struct{}

func (m *ShapeDataEnd) Encode() []byte { return nil }

func DecodeShapeDataEnd(raw []byte) (*ShapeDataEnd, error) {
	if len(raw) != 0 {
		return nil, ErrMalformedFrame
	}
	return &ShapeDataEnd{}, nil
}

// ShapeRequestError names the shape a snapshot-delivery error belongs to.
type ShapeRequestError struct {
	RequestID string
	Code      ErrorCode
	Message   string
}

func (e ShapeRequestError) encode(enc *encoder) {
	enc.putString(e.RequestID)
	enc.putString(string(e.Code))
	enc.putString(e.Message)
}

func decodeShapeRequestError(d *decoder) ShapeRequestError {
	return ShapeRequestError{
		RequestID: d.getString(),
		Code:      ErrorCode(d.getString()),
		Message:   d.getString(),
	}
}

// SubsDataError replaces SubsDataEnd when snapshot delivery fails.
type SubsDataError struct {
	SubscriptionID     string
	ShapeRequestErrors []ShapeRequestError
}

func (m *SubsDataError) Encode() []byte {
	e := newEncoder()
	e.putString(m.SubscriptionID)
	e.putUint32(uint32(len(m.ShapeRequestErrors)))
	for _, se := range m.ShapeRequestErrors {
		se.encode(e)
	}
	return e.bytes()
}

func DecodeSubsDataError(raw []byte) (*SubsDataError, error) {
	d := newDecoder(raw)
	m := &SubsDataError{SubscriptionID: d.getString()}
	n := d.getUint32()
	if d.err == nil && n > 0 {
		m.ShapeRequestErrors = make([]ShapeRequestError, n)
		for i := range m.ShapeRequestErrors {
			m.ShapeRequestErrors[i] = decodeShapeRequestError(d)
		}
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}
