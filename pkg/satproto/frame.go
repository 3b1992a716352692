package satproto

import "fmt"

// FrameType indexes the closed enumeration of top-level message kinds
// (spec.md §4.1).
type FrameType uint8

const (
	FrameRpcRequest FrameType = iota + 1
	FrameRpcResponse
	FrameOpLog
	FrameRelation
	FrameSubsDataBegin
	FrameSubsDataEnd
	FrameShapeDataBegin
	FrameShapeDataEnd
	FrameSubsDataError
)

func (t FrameType) String() string {
	switch t {
	case FrameRpcRequest:
		return "RpcRequest"
	case FrameRpcResponse:
		return "RpcResponse"
	case FrameOpLog:
		return "OpLog"
	case FrameRelation:
		return "Relation"
	case FrameSubsDataBegin:
		return "SubsDataBegin"
	case FrameSubsDataEnd:
		return "SubsDataEnd"
	case FrameShapeDataBegin:
		return "ShapeDataBegin"
	case FrameShapeDataEnd:
		return "ShapeDataEnd"
	case FrameSubsDataError:
		return "SubsDataError"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

func isKnownFrameType(t FrameType) bool {
	return t >= FrameRpcRequest && t <= FrameSubsDataError
}

// Frame is one `<type:u8><payload:bytes>` unit. The transport (§6) is
// responsible for delivering whole, payload-sized frames; this codec
// only tags and untags them.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// EncodeFrame tags a payload with its message type.
func EncodeFrame(t FrameType, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(t))
	out = append(out, payload...)
	return out
}

// DecodeFrame untags a transport-delivered frame. A zero-length frame or
// an unrecognized type byte is MalformedFrame.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	t := FrameType(raw[0])
	if !isKnownFrameType(t) {
		return Frame{}, fmt.Errorf("%w: unknown frame type %d", ErrMalformedFrame, raw[0])
	}
	payload := make([]byte, len(raw)-1)
	copy(payload, raw[1:])
	return Frame{Type: t, Payload: payload}, nil
}
