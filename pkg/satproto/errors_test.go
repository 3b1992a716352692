package satproto

import (
	"errors"
	"fmt"
	"testing"
)

func TestRequestErrorChainsToSentinel(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &RequestError{Code: ErrBehindWindow, Detail: "lsn too old"})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected errors.Is match against ErrRequestFailed")
	}
	re, ok := AsRequestError(err)
	if !ok {
		t.Fatalf("expected AsRequestError to succeed")
	}
	if re.Code != ErrBehindWindow || re.Detail != "lsn too old" {
		t.Fatalf("unexpected extracted error: %+v", re)
	}
}

func TestProtocolViolationChainsToSentinel(t *testing.T) {
	err := NewProtocolViolation("relation id referenced before advertisement")
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected errors.Is match against ErrProtocolViolation")
	}
}

func TestAsRequestErrorRejectsUnrelatedError(t *testing.T) {
	if _, ok := AsRequestError(errors.New("boom")); ok {
		t.Fatalf("expected AsRequestError to reject an unrelated error")
	}
}
