package satproto

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Transport abstracts the byte-framed duplex channel the protocol rides
// on (spec.md §6: "WebSocket/TCP transport details ... modeled as a
// byte-framed duplex channel"). A frame is a single whole message; the
// transport, not the frame codec (C1), is responsible for delimiting
// frames on the wire. Text-typed frames are out of band for this
// protocol and must be rejected (isText=true) rather than parsed.
type Transport interface {
	ReadFrame(ctx context.Context) (data []byte, isText bool, err error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

const maxFrameSize = 64 << 20 // 64MiB, generous ceiling against a corrupt length prefix

// NetConnTransport implements Transport over a net.Conn using a 4-byte
// big-endian length prefix per frame, with the high bit of the length
// reserved to flag a text frame (mirrors how many binary protocols steal
// a bit for an out-of-band flag rather than adding a second header
// field). This is a stand-in for a real WebSocket/TCP transport, which
// spec.md §1 explicitly places out of scope for the core.
type NetConnTransport struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

const textFrameFlag = uint32(1) << 31

func NewNetConnTransport(conn net.Conn) *NetConnTransport {
	return &NetConnTransport{conn: conn, r: bufio.NewReaderSize(conn, 32*1024)}
}

func (t *NetConnTransport) ReadFrame(ctx context.Context) ([]byte, bool, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	var header [4]byte
	if _, err := io.ReadFull(t.r, header[:]); err != nil {
		return nil, false, err
	}
	raw := binary.BigEndian.Uint32(header[:])
	isText := raw&textFrameFlag != 0
	length := raw &^ textFrameFlag
	if length > maxFrameSize {
		return nil, false, fmt.Errorf("%w: frame length %d exceeds maximum", ErrMalformedFrame, length)
	}

	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(t.r, data); err != nil {
			return nil, false, err
		}
	}
	return data, isText, nil
}

func (t *NetConnTransport) WriteFrame(ctx context.Context, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("%w: frame length %d exceeds maximum", ErrMalformedFrame, len(data))
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := t.conn.Write(header[:]); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := t.conn.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func (t *NetConnTransport) Close() error {
	return t.conn.Close()
}
