package satproto

import (
	"context"
	"errors"
	"io"
	"sync"
)

// PipeTransport is an in-memory Transport used by tests to exercise a
// connection or the RPC multiplexer without a real socket. Two
// PipeTransports created by NewPipeTransports are cross-wired: writes on
// one are readable on the other, FIFO per direction.
type PipeTransport struct {
	out chan pipeFrame
	in  chan pipeFrame

	closeOnce sync.Once
	closed    chan struct{}
}

type pipeFrame struct {
	data   []byte
	isText bool
}

// NewPipeTransports returns a connected pair (a, b): a.WriteFrame is
// observed by b.ReadFrame and vice versa.
func NewPipeTransports() (a, b *PipeTransport) {
	c1 := make(chan pipeFrame, 64)
	c2 := make(chan pipeFrame, 64)
	a = &PipeTransport{out: c1, in: c2, closed: make(chan struct{})}
	b = &PipeTransport{out: c2, in: c1, closed: make(chan struct{})}
	return a, b
}

func (p *PipeTransport) ReadFrame(ctx context.Context) ([]byte, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-p.closed:
		return nil, false, io.EOF
	case f, ok := <-p.in:
		if !ok {
			return nil, false, io.EOF
		}
		return f.data, f.isText, nil
	}
}

func (p *PipeTransport) WriteFrame(ctx context.Context, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return errors.New("satproto: transport closed")
	case p.out <- pipeFrame{data: cp}:
		return nil
	}
}

// WriteTextFrame injects a text-typed frame, for exercising the
// unsupported-data rejection path.
func (p *PipeTransport) WriteTextFrame(ctx context.Context, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- pipeFrame{data: cp, isText: true}:
		return nil
	}
}

func (p *PipeTransport) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
