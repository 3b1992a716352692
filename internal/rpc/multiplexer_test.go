package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/electric-sql/electric/pkg/satproto"
)

func TestCallRoundTrip(t *testing.T) {
	clientTransport, serverTransport := satproto.NewPipeTransports()
	defer clientTransport.Close()
	defer serverTransport.Close()

	server := New(Config{
		Transport: serverTransport,
		Handler: func(ctx context.Context, method string, payload []byte) ([]byte, error) {
			if method != satproto.MethodAuthenticate {
				t.Fatalf("unexpected method: %s", method)
			}
			return []byte("ok-result"), nil
		},
	})
	client := New(Config{Transport: clientTransport})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go server.Run(ctx)
	go client.Run(ctx)

	result, err := client.Call(ctx, satproto.MethodAuthenticate, []byte("token"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != "ok-result" {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestCallSurfacesRequestError(t *testing.T) {
	clientTransport, serverTransport := satproto.NewPipeTransports()
	defer clientTransport.Close()
	defer serverTransport.Close()

	server := New(Config{
		Transport: serverTransport,
		Handler: func(ctx context.Context, method string, payload []byte) ([]byte, error) {
			return nil, &satproto.RequestError{Code: satproto.ErrAuthFailed, Detail: "bad token"}
		},
	})
	client := New(Config{Transport: clientTransport})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	_, err := client.Call(ctx, satproto.MethodAuthenticate, nil)
	re, ok := satproto.AsRequestError(err)
	if !ok {
		t.Fatalf("expected *RequestError, got %v", err)
	}
	if re.Code != satproto.ErrAuthFailed {
		t.Fatalf("unexpected error code: %s", re.Code)
	}
}

func TestDuplicateIncomingRequestIsRejected(t *testing.T) {
	clientTransport, serverTransport := satproto.NewPipeTransports()
	defer clientTransport.Close()
	defer serverTransport.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	server := New(Config{
		Transport: serverTransport,
		Handler: func(ctx context.Context, method string, payload []byte) ([]byte, error) {
			close(started)
			<-release
			return []byte("done"), nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.Run(ctx)

	req := &satproto.RpcRequest{Method: satproto.MethodAuthenticate, RequestID: 1, Payload: nil}
	frame := satproto.EncodeFrame(satproto.FrameRpcRequest, req.Encode())
	if err := clientTransport.WriteFrame(ctx, frame); err != nil {
		t.Fatalf("write first request: %v", err)
	}
	<-started

	if err := clientTransport.WriteFrame(ctx, frame); err != nil {
		t.Fatalf("write duplicate request: %v", err)
	}

	data, _, err := clientTransport.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read duplicate response: %v", err)
	}
	f, err := satproto.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	resp, err := satproto.DecodeRpcResponse(f.Payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK || resp.ErrCode != satproto.ErrInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST for duplicate, got %+v", resp)
	}
	close(release)
}

func TestUnmatchedResponseIsDropped(t *testing.T) {
	clientTransport, serverTransport := satproto.NewPipeTransports()
	defer clientTransport.Close()
	defer serverTransport.Close()

	client := New(Config{Transport: clientTransport})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go client.Run(ctx)

	resp := &satproto.RpcResponse{Method: "unknown", RequestID: 99, OK: true, Result: []byte("x")}
	frame := satproto.EncodeFrame(satproto.FrameRpcResponse, resp.Encode())
	if err := serverTransport.WriteFrame(ctx, frame); err != nil {
		t.Fatalf("write unmatched response: %v", err)
	}
	<-ctx.Done()
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", ctx.Err())
	}
}

func TestUnsolicitedFrameIsRouted(t *testing.T) {
	clientTransport, serverTransport := satproto.NewPipeTransports()
	defer clientTransport.Close()
	defer serverTransport.Close()

	received := make(chan satproto.Frame, 1)
	client := New(Config{
		Transport:   clientTransport,
		Unsolicited: func(f satproto.Frame) { received <- f },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)

	opLog := &satproto.OpLogMsg{}
	frame := satproto.EncodeFrame(satproto.FrameOpLog, opLog.Encode())
	if err := serverTransport.WriteFrame(ctx, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-received:
		if f.Type != satproto.FrameOpLog {
			t.Fatalf("unexpected frame type: %v", f.Type)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for unsolicited frame")
	}
}
