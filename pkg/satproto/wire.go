// Package satproto implements the Satellite-facing wire format: frame
// tagging (C1), the message catalog, and the row encoding rules shared
// by the transaction serializer and deserializer.
//
// Messages are hand-encoded length-delimited binary, in the style
// pgx/pgproto3 uses for the Postgres wire protocol: pgio appends
// fixed-width integers, and every variable-length field (string, byte
// slice, nested message) is prefixed with its length.
package satproto

import (
	"encoding/binary"
	"fmt"

	"github.com/jackc/pgio"
)

// encoder accumulates a message payload.
type encoder struct {
	buf []byte
}

func newEncoder() *encoder {
	return &encoder{buf: make([]byte, 0, 64)}
}

func (e *encoder) bytes() []byte { return e.buf }

func (e *encoder) putUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) putBool(v bool) {
	if v {
		e.putUint8(1)
	} else {
		e.putUint8(0)
	}
}

func (e *encoder) putUint32(v uint32) {
	e.buf = pgio.AppendUint32(e.buf, v)
}

func (e *encoder) putUint64(v uint64) {
	e.buf = pgio.AppendUint64(e.buf, v)
}

func (e *encoder) putBytes(v []byte) {
	e.putUint32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) putString(v string) {
	e.putBytes([]byte(v))
}

func (e *encoder) putStringSlice(v []string) {
	e.putUint32(uint32(len(v)))
	for _, s := range v {
		e.putString(s)
	}
}

func (e *encoder) putMessage(m interface{ Encode() []byte }) {
	e.putBytes(m.Encode())
}

// decoder reads a message payload produced by encoder, failing closed on
// truncation so a short read surfaces as ErrMalformedFrame rather than a
// panic or silently wrong value.
type decoder struct {
	buf []byte
	pos int
	err error
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = ErrMalformedFrame
	}
}

func (d *decoder) remaining() []byte {
	return d.buf[d.pos:]
}

func (d *decoder) require(n int) bool {
	if d.err != nil {
		return false
	}
	if len(d.buf)-d.pos < n {
		d.fail()
		return false
	}
	return true
}

func (d *decoder) getUint8() uint8 {
	if !d.require(1) {
		return 0
	}
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *decoder) getBool() bool {
	return d.getUint8() != 0
}

func (d *decoder) getUint32() uint32 {
	if !d.require(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v
}

func (d *decoder) getUint64() uint64 {
	if !d.require(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8
	return v
}

func (d *decoder) getBytes() []byte {
	n := d.getUint32()
	if d.err != nil {
		return nil
	}
	if !d.require(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return v
}

func (d *decoder) getString() string {
	return string(d.getBytes())
}

func (d *decoder) getStringSlice() []string {
	n := d.getUint32()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = d.getString()
	}
	return out
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.pos != len(d.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(d.buf)-d.pos)
	}
	return nil
}
