// Package rpc implements the bidirectional RPC multiplexer (C2): request/
// response correlation over a satproto.Transport, where either peer may
// initiate a call and non-RPC frames are handed off as unsolicited
// messages.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/electric-sql/electric/pkg/satproto"
)

// Handler fulfills an inbound RpcRequest, returning either a result
// payload or an error. A *satproto.RequestError controls the ErrorCode
// sent back on the wire; any other error becomes ErrInternal.
type Handler func(ctx context.Context, method string, payload []byte) ([]byte, error)

// CloseAfterResponse wraps a Handler error whose wire response must be
// the connection's last: the transport is closed right after it's
// written (spec.md §7's AUTH_FAILED/PROTO_VSN_MISMATCH force-close
// request-scoped errors). Unwrap exposes the underlying error so the
// normal *satproto.RequestError-to-wire-response mapping still applies
// unchanged.
type CloseAfterResponse struct {
	Err error
}

func (c *CloseAfterResponse) Error() string { return c.Err.Error() }
func (c *CloseAfterResponse) Unwrap() error { return c.Err }

// Unsolicited receives a non-RPC frame (OpLog, Relation, the subscription
// bracket messages) for C9 to route onward.
type Unsolicited func(frame satproto.Frame)

type callKey struct {
	method    string
	requestID uint32
}

type pendingCall struct {
	resultCh chan callResult
}

type callResult struct {
	payload []byte
	err     error
}

// Multiplexer owns one Transport and correlates RPC requests/responses
// on it. Create one per connection; Run must be pumped by a single
// goroutine for the lifetime of the connection.
type Multiplexer struct {
	transport   satproto.Transport
	handler     Handler
	unsolicited Unsolicited
	logger      *log.Logger
	tracer      trace.Tracer

	nextRequestID atomic.Uint32

	mu              sync.Mutex
	outgoingPending map[callKey]*pendingCall
	incomingPending map[callKey]struct{}
}

// Config wires a Multiplexer's collaborators.
type Config struct {
	Transport   satproto.Transport
	Handler     Handler
	Unsolicited Unsolicited
	Logger      *log.Logger
	Tracer      trace.Tracer
}

func New(cfg Config) *Multiplexer {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("electric/rpc")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Multiplexer{
		transport:       cfg.Transport,
		handler:         cfg.Handler,
		unsolicited:     cfg.Unsolicited,
		logger:          logger,
		tracer:          tracer,
		outgoingPending: make(map[callKey]*pendingCall),
		incomingPending: make(map[callKey]struct{}),
	}
}

// Run pumps frames off the transport until ctx is cancelled or a read
// fails. It dispatches RpcRequest/RpcResponse frames and hands every
// other frame type to Unsolicited. Run returns the terminal error (nil
// on clean context cancellation).
func (m *Multiplexer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		readCtx, span := m.tracer.Start(ctx, "rpc.read_frame")
		data, isText, err := m.transport.ReadFrame(readCtx)
		span.End()
		if err != nil {
			return err
		}
		if isText {
			return satproto.ErrUnsupportedData
		}

		frame, err := satproto.DecodeFrame(data)
		if err != nil {
			return err
		}

		switch frame.Type {
		case satproto.FrameRpcRequest:
			m.handleIncomingRequest(ctx, frame)
		case satproto.FrameRpcResponse:
			m.handleIncomingResponse(frame)
		default:
			if m.unsolicited != nil {
				m.unsolicited(frame)
			}
		}
	}
}

func (m *Multiplexer) handleIncomingRequest(ctx context.Context, frame satproto.Frame) {
	req, err := satproto.DecodeRpcRequest(frame.Payload)
	if err != nil {
		m.logger.Printf("rpc: malformed RpcRequest frame: %v", err)
		return
	}

	key := callKey{method: req.Method, requestID: req.RequestID}
	m.mu.Lock()
	if _, exists := m.incomingPending[key]; exists {
		m.mu.Unlock()
		m.sendResponse(ctx, req.Method, req.RequestID, nil, &satproto.RequestError{
			Code:   satproto.ErrInvalidRequest,
			Detail: fmt.Sprintf("duplicate outstanding request %s/%d", req.Method, req.RequestID),
		})
		return
	}
	m.incomingPending[key] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.incomingPending, key)
			m.mu.Unlock()
		}()

		if m.handler == nil {
			m.sendResponse(ctx, req.Method, req.RequestID, nil, &satproto.RequestError{
				Code:   satproto.ErrInvalidRequest,
				Detail: fmt.Sprintf("unrecognized method %q", req.Method),
			})
			return
		}

		handleCtx, span := m.tracer.Start(ctx, "rpc.handle", trace.WithAttributes(
			attribute.String("rpc.method", req.Method),
		))
		result, err := m.handler(handleCtx, req.Method, req.Payload)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		m.sendResponse(ctx, req.Method, req.RequestID, result, err)

		var closeSignal *CloseAfterResponse
		if errors.As(err, &closeSignal) {
			if closeErr := m.transport.Close(); closeErr != nil {
				m.logger.Printf("rpc: closing transport after %s/%d: %v", req.Method, req.RequestID, closeErr)
			}
		}
	}()
}

func (m *Multiplexer) sendResponse(ctx context.Context, method string, requestID uint32, result []byte, callErr error) {
	resp := &satproto.RpcResponse{Method: method, RequestID: requestID}
	if callErr == nil {
		resp.OK = true
		resp.Result = result
	} else if re, ok := satproto.AsRequestError(callErr); ok {
		resp.OK = false
		resp.ErrCode = re.Code
		resp.ErrDetail = re.Detail
	} else {
		resp.OK = false
		resp.ErrCode = satproto.ErrInternal
		resp.ErrDetail = callErr.Error()
	}

	writeCtx, span := m.tracer.Start(ctx, "rpc.write_response")
	defer span.End()
	frame := satproto.EncodeFrame(satproto.FrameRpcResponse, resp.Encode())
	if err := m.transport.WriteFrame(writeCtx, frame); err != nil {
		span.RecordError(err)
		m.logger.Printf("rpc: failed to write response for %s/%d: %v", method, requestID, err)
	}
}

func (m *Multiplexer) handleIncomingResponse(frame satproto.Frame) {
	resp, err := satproto.DecodeRpcResponse(frame.Payload)
	if err != nil {
		m.logger.Printf("rpc: malformed RpcResponse frame: %v", err)
		return
	}

	key := callKey{method: resp.Method, requestID: resp.RequestID}
	m.mu.Lock()
	call, ok := m.outgoingPending[key]
	if ok {
		delete(m.outgoingPending, key)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Printf("rpc: dropping response for unknown call %s/%d", resp.Method, resp.RequestID)
		return
	}

	if resp.OK {
		call.resultCh <- callResult{payload: resp.Result}
	} else {
		call.resultCh <- callResult{err: &satproto.RequestError{Code: resp.ErrCode, Detail: resp.ErrDetail}}
	}
}

// Call issues an outbound RPC and blocks until the matching response
// arrives or ctx is done. The request id is allocated from this
// Multiplexer's monotonic counter, scoped to this connection's outgoing
// calls.
func (m *Multiplexer) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	requestID := m.nextRequestID.Add(1)
	key := callKey{method: method, requestID: requestID}
	pending := &pendingCall{resultCh: make(chan callResult, 1)}

	m.mu.Lock()
	m.outgoingPending[key] = pending
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "rpc.call", trace.WithAttributes(
		attribute.String("rpc.method", method),
	))
	defer span.End()

	req := &satproto.RpcRequest{Method: method, RequestID: requestID, Payload: payload}
	frame := satproto.EncodeFrame(satproto.FrameRpcRequest, req.Encode())
	if err := m.transport.WriteFrame(ctx, frame); err != nil {
		m.mu.Lock()
		delete(m.outgoingPending, key)
		m.mu.Unlock()
		span.RecordError(err)
		return nil, err
	}

	select {
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.outgoingPending, key)
		m.mu.Unlock()
		return nil, ctx.Err()
	case res := <-pending.resultCh:
		if res.err != nil {
			span.RecordError(res.err)
		}
		return res.payload, res.err
	}
}

// SendUnsolicited writes a non-RPC frame without expecting a response.
func (m *Multiplexer) SendUnsolicited(ctx context.Context, frame satproto.Frame) error {
	ctx, span := m.tracer.Start(ctx, "rpc.send_unsolicited")
	defer span.End()
	raw := satproto.EncodeFrame(frame.Type, frame.Payload)
	return m.transport.WriteFrame(ctx, raw)
}
