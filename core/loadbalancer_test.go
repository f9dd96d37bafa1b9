package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSelectPeerHealthBased(t *testing.T) {
	candidates := []PeerCandidate{
		{Addr: "a", Health: 50},
		{Addr: "b", Health: 90},
		{Addr: "c", Health: 70},
	}
	picked, err := SelectPeer(candidates, StrategyHealthBased, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if picked.Addr != "b" {
		t.Fatalf("picked=%q want b (highest health)", picked.Addr)
	}
}

func TestSelectPeerExcludesOfflineUnlessAllOffline(t *testing.T) {
	candidates := []PeerCandidate{
		{Addr: "offline", Health: 5},
		{Addr: "healthy", Health: 95},
	}
	picked, err := SelectPeer(candidates, StrategyHealthBased, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if picked.Addr != "healthy" {
		t.Fatalf("picked=%q want healthy (offline peer excluded)", picked.Addr)
	}

	allOffline := []PeerCandidate{{Addr: "x", Health: 1}, {Addr: "y", Health: 2}}
	if _, err := SelectPeer(allOffline, StrategyHealthBased, nil); err != nil {
		t.Fatalf("expected a fallback pick when every peer is offline, got error: %v", err)
	}
}

func TestSelectPeerNoCandidates(t *testing.T) {
	if _, err := SelectPeer(nil, StrategyRandom, nil); err == nil {
		t.Fatal("expected an error with zero candidates")
	}
}

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	lb := NewLoadBalancer(StrategyRandom, BreakerConfig{FailureThreshold: 3, OpenDuration: time.Hour})
	for i := 0; i < 3; i++ {
		if !lb.Allow("peer-1", "sync") {
			t.Fatalf("call %d should be allowed before the breaker trips", i)
		}
		lb.Report("peer-1", "sync", false)
	}
	if lb.StateOf("peer-1", "sync") != BreakerOpen {
		t.Fatal("breaker should be open after reaching the failure threshold")
	}
	if lb.Allow("peer-1", "sync") {
		t.Fatal("an open breaker should refuse calls")
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	lb := NewLoadBalancer(StrategyRandom, BreakerConfig{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenMaxCalls: 1})
	lb.Allow("peer-1", "sync")
	lb.Report("peer-1", "sync", false)
	if lb.StateOf("peer-1", "sync") != BreakerOpen {
		t.Fatal("breaker should be open after one failure with threshold 1")
	}

	time.Sleep(2 * time.Millisecond)
	if !lb.Allow("peer-1", "sync") {
		t.Fatal("breaker should allow a trial call once OpenDuration elapses")
	}
	if lb.StateOf("peer-1", "sync") != BreakerHalfOpen {
		t.Fatal("breaker should report half_open during the trial call window")
	}
	lb.Report("peer-1", "sync", true)
	if lb.StateOf("peer-1", "sync") != BreakerClosed {
		t.Fatal("a successful trial call should close the breaker")
	}
}

func TestCircuitBreakerIsolatedPerOperation(t *testing.T) {
	lb := NewLoadBalancer(StrategyRandom, BreakerConfig{FailureThreshold: 1, OpenDuration: time.Hour})
	lb.Allow("peer-1", "sync")
	lb.Report("peer-1", "sync", false)

	if lb.StateOf("peer-1", "sync") != BreakerOpen {
		t.Fatal("sync operation breaker should be open")
	}
	if lb.StateOf("peer-1", "gossip") != BreakerClosed {
		t.Fatal("a failure on one operation must not trip the breaker for a different operation")
	}
}

func TestExecuteWithFailoverTriesNextPeerOnError(t *testing.T) {
	lb := NewLoadBalancer(StrategyHealthBased, BreakerConfig{})
	candidates := []PeerCandidate{
		{Addr: "bad", Health: 90},
		{Addr: "good", Health: 80},
	}
	var tried []string
	err := lb.ExecuteWithFailover(context.Background(), candidates, "sync", func(ctx context.Context, peer PeerCandidate) error {
		tried = append(tried, peer.Addr)
		if peer.Addr == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if len(tried) != 2 || tried[0] != "bad" || tried[1] != "good" {
		t.Fatalf("tried=%v want [bad good]", tried)
	}
}
