package core

// loadbalancer.go - peer selection strategies and per-(peer, operation)
// circuit breakers. The breaker is keyed per operation name so one failing
// RPC kind doesn't trip an otherwise-healthy peer entirely.

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// SelectionStrategy names a peer-selection algorithm.
type SelectionStrategy string

const (
	StrategyWeightedRoundRobin SelectionStrategy = "weighted_round_robin"
	StrategyLeastConnections   SelectionStrategy = "least_connections"
	StrategyHealthBased        SelectionStrategy = "health_based"
	StrategyRandom             SelectionStrategy = "random"
)

// PeerCandidate is a peer eligible for selection, with the inputs every
// strategy needs.
type PeerCandidate struct {
	Addr        string
	Weight      int // declared capacity / stake-derived weight
	ActiveConns int
	Health      float64 // 0-100, from HealthMonitor.ScoreOf
}

// SelectPeer picks one candidate using the given strategy. Candidates with
// health below 20 (offline) are excluded unless every candidate is offline.
func SelectPeer(candidates []PeerCandidate, strategy SelectionStrategy, rrCounter *uint64) (PeerCandidate, error) {
	if len(candidates) == 0 {
		return PeerCandidate{}, errors.New("no peer candidates")
	}

	usable := make([]PeerCandidate, 0, len(candidates))
	for _, c := range candidates {
		if bucketFor(c.Health) != StatusOffline {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		usable = candidates
	}

	switch strategy {
	case StrategyLeastConnections:
		sort.Slice(usable, func(i, j int) bool { return usable[i].ActiveConns < usable[j].ActiveConns })
		return usable[0], nil
	case StrategyHealthBased:
		sort.Slice(usable, func(i, j int) bool { return usable[i].Health > usable[j].Health })
		return usable[0], nil
	case StrategyRandom:
		return usable[rand.Intn(len(usable))], nil
	case StrategyWeightedRoundRobin:
		fallthrough
	default:
		return weightedRoundRobinPick(usable, rrCounter), nil
	}
}

func weightedRoundRobinPick(candidates []PeerCandidate, rrCounter *uint64) PeerCandidate {
	totalWeight := 0
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		totalWeight += w
	}
	if totalWeight == 0 {
		return candidates[0]
	}
	var idx uint64
	if rrCounter != nil {
		idx = *rrCounter
		*rrCounter++
	}
	target := int(idx % uint64(totalWeight))
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		if target < w {
			return c
		}
		target -= w
	}
	return candidates[len(candidates)-1]
}

// BreakerState is a circuit breaker's current state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes trip and recovery behavior.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures to trip
	OpenDuration     time.Duration // time before trying half-open
	HalfOpenMaxCalls int           // trial calls allowed while half-open
}

func (c *BreakerConfig) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
}

type breakerEntry struct {
	state          BreakerState
	consecFailures int
	openedAt       time.Time
	halfOpenCalls  int
}

// ErrCircuitOpen is returned when a breaker refuses a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// LoadBalancer selects peers and gates calls to them through per-(peer,
// operation) circuit breakers.
type LoadBalancer struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	breakers  map[string]*breakerEntry
	rrCounter uint64
	strategy  SelectionStrategy
}

// NewLoadBalancer constructs a LoadBalancer with the given default
// selection strategy and breaker tuning.
func NewLoadBalancer(strategy SelectionStrategy, cfg BreakerConfig) *LoadBalancer {
	cfg.setDefaults()
	return &LoadBalancer{
		cfg:      cfg,
		breakers: make(map[string]*breakerEntry),
		strategy: strategy,
	}
}

func breakerKey(peerAddr, operation string) string {
	return peerAddr + "|" + operation
}

// Allow reports whether a call to (peerAddr, operation) may proceed,
// transitioning open->half-open once OpenDuration has elapsed.
func (lb *LoadBalancer) Allow(peerAddr, operation string) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	key := breakerKey(peerAddr, operation)
	b, ok := lb.breakers[key]
	if !ok {
		b = &breakerEntry{state: BreakerClosed}
		lb.breakers[key] = b
	}
	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) >= lb.cfg.OpenDuration {
			b.state = BreakerHalfOpen
			b.halfOpenCalls = 0
		} else {
			return false
		}
	case BreakerHalfOpen:
		if b.halfOpenCalls >= lb.cfg.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
	}
	return true
}

// Report records the outcome of a call gated by Allow.
func (lb *LoadBalancer) Report(peerAddr, operation string, success bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	key := breakerKey(peerAddr, operation)
	b, ok := lb.breakers[key]
	if !ok {
		b = &breakerEntry{state: BreakerClosed}
		lb.breakers[key] = b
	}
	if success {
		b.consecFailures = 0
		b.state = BreakerClosed
		return
	}
	b.consecFailures++
	if b.state == BreakerHalfOpen || b.consecFailures >= lb.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// StateOf returns the current breaker state for (peerAddr, operation).
func (lb *LoadBalancer) StateOf(peerAddr, operation string) BreakerState {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b, ok := lb.breakers[breakerKey(peerAddr, operation)]
	if !ok {
		return BreakerClosed
	}
	return b.state
}

// Pick selects a peer for the given operation using the balancer's
// configured strategy, skipping candidates whose breaker is open.
func (lb *LoadBalancer) Pick(candidates []PeerCandidate, operation string) (PeerCandidate, error) {
	eligible := make([]PeerCandidate, 0, len(candidates))
	for _, c := range candidates {
		if lb.StateOf(c.Addr, operation) != BreakerOpen {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return PeerCandidate{}, ErrCircuitOpen
	}
	lb.mu.Lock()
	strategy := lb.strategy
	counter := &lb.rrCounter
	lb.mu.Unlock()
	return SelectPeer(eligible, strategy, counter)
}

// ExecuteWithFailover runs op against peers chosen by Pick, in order,
// until one succeeds or every candidate has been tried.
func (lb *LoadBalancer) ExecuteWithFailover(ctx context.Context, candidates []PeerCandidate, operation string, op func(ctx context.Context, peer PeerCandidate) error) error {
	remaining := append([]PeerCandidate(nil), candidates...)
	var lastErr error
	for len(remaining) > 0 {
		pick, err := lb.Pick(remaining, operation)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		if !lb.Allow(pick.Addr, operation) {
			remaining = removeCandidate(remaining, pick.Addr)
			continue
		}
		callErr := op(ctx, pick)
		lb.Report(pick.Addr, operation, callErr == nil)
		if callErr == nil {
			return nil
		}
		lastErr = fmt.Errorf("peer %s: %w", pick.Addr, callErr)
		remaining = removeCandidate(remaining, pick.Addr)
	}
	if lastErr == nil {
		lastErr = errors.New("no peers available")
	}
	return NewError(ErrTransient, lastErr)
}

func removeCandidate(candidates []PeerCandidate, addr string) []PeerCandidate {
	out := make([]PeerCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Addr != addr {
			out = append(out, c)
		}
	}
	return out
}
