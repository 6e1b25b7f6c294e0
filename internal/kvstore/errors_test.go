package kvstore

import (
	"errors"
	"testing"
)

func TestWrapTransientClassifiesFatalReply(t *testing.T) {
	err := wrapTransient("get", "k", errors.New("NOAUTH Authentication required."))
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("expected ErrFatal for NOAUTH reply, got %v", err)
	}
	if errors.Is(err, ErrTransient) {
		t.Fatalf("NOAUTH reply should not also classify as transient: %v", err)
	}
}

func TestWrapTransientClassifiesConnectionErrorAsTransient(t *testing.T) {
	err := wrapTransient("get", "k", errors.New("dial tcp: connection refused"))
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient for connection error, got %v", err)
	}
	if errors.Is(err, ErrFatal) {
		t.Fatalf("connection error should not classify as fatal: %v", err)
	}
}
