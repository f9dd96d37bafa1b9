package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPropagator(t *testing.T, peers func() []string, secret []byte) *Propagator {
	t.Helper()
	return NewPropagator(PropagationConfig{
		FanOut:          4,
		RateLimitPerSec: 1000,
		DedupWindow:     time.Minute,
		HMACSecret:      secret,
	}, nil, peers, nil)
}

func TestPropagatorDedupSuppressesDuplicateSend(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prop := newTestPropagator(t, func() []string { return []string{srv.URL} }, nil)
	rec := EventRecord{Type: "block.added", EventID: "evt-1", SourceNode: "node-a"}

	if err := prop.Propagate(context.Background(), rec); err != nil {
		t.Fatalf("first propagate: %v", err)
	}
	if err := prop.Propagate(context.Background(), rec); KindOf(err) != ErrDuplicateEvent {
		t.Fatalf("expected ErrDuplicateEvent on resend, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("peer received %d calls, want exactly 1", got)
	}
}

func TestPropagatorReceiveInboundDetectsDuplicate(t *testing.T) {
	prop := newTestPropagator(t, func() []string { return nil }, nil)
	blob := []byte(`{"type":"block.added","event_id":"evt-2","source_node":"node-b"}`)

	_, isNew, err := prop.ReceiveInbound(blob, "")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !isNew {
		t.Fatal("first delivery should be reported as new")
	}

	_, isNew, err = prop.ReceiveInbound(blob, "")
	if err != nil {
		t.Fatalf("receive again: %v", err)
	}
	if isNew {
		t.Fatal("second delivery of the same event_id should be reported as a duplicate")
	}
}

func TestPropagatorReceiveInboundRejectsBadSignature(t *testing.T) {
	secret := []byte("shared-secret")
	prop := newTestPropagator(t, func() []string { return nil }, secret)
	blob := []byte(`{"type":"block.added","event_id":"evt-3","source_node":"node-b"}`)

	if _, _, err := prop.ReceiveInbound(blob, "sha256=deadbeef"); err == nil || KindOf(err) != ErrInvalidRequest {
		t.Fatalf("expected invalid signature to be rejected, got %v", err)
	}

	valid := SignBroadcast(secret, blob)
	if _, isNew, err := prop.ReceiveInbound(blob, valid); err != nil || !isNew {
		t.Fatalf("expected a correctly signed event to be accepted, got isNew=%v err=%v", isNew, err)
	}
}

func TestPropagatorFailsWhenNoPeerReachable(t *testing.T) {
	prop := newTestPropagator(t, func() []string { return []string{"http://127.0.0.1:0"} }, nil)
	rec := EventRecord{Type: "block.added", EventID: "evt-4", SourceNode: "node-a"}

	err := prop.Propagate(context.Background(), rec)
	if err == nil || KindOf(err) != ErrTransient {
		t.Fatalf("expected ErrTransient when every peer is unreachable, got %v", err)
	}
}
