package core

// peerhealth.go - health monitor: probes peer /health endpoints on a
// background ticker and maintains a 0-100 health_score per peer from
// response-time, success-rate, current-failure, and slow-average
// penalties.

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus buckets a peer's health_score.
type HealthStatus string

const (
	StatusHealthy      HealthStatus = "healthy"
	StatusPeerDegraded HealthStatus = "degraded"
	StatusUnhealthy    HealthStatus = "unhealthy"
	StatusOffline      HealthStatus = "offline"
)

func bucketFor(score float64) HealthStatus {
	switch {
	case score >= 80:
		return StatusHealthy
	case score >= 60:
		return StatusPeerDegraded
	case score >= 20:
		return StatusUnhealthy
	default:
		return StatusOffline
	}
}

// Pinger probes a peer's health endpoint, matching
// core/fault_tolerance.go's Pinger interface shape.
type Pinger interface {
	Ping(ctx context.Context, peerAddr string) (responseTime time.Duration, err error)
}

type peerHealthStat struct {
	avgResponseMS float64
	successCount  int
	failureCount  int
	lastFailed    bool
	lastSeen      time.Time
}

func (s *peerHealthStat) score() float64 {
	total := s.successCount + s.failureCount
	successRate := 1.0
	if total > 0 {
		successRate = float64(s.successCount) / float64(total)
	}

	slowPenalty := (s.avgResponseMS / 1000) * 40
	if slowPenalty > 40 {
		slowPenalty = 40
	}
	lowSuccessPenalty := (1 - successRate) * 50
	currentFailurePenalty := 0.0
	if s.lastFailed {
		currentFailurePenalty = 10
	}
	slowAvgPenalty := 0.0
	if s.avgResponseMS > 2000 {
		slowAvgPenalty = 10
	}

	score := 100 - slowPenalty - lowSuccessPenalty - currentFailurePenalty - slowAvgPenalty
	if score < 0 {
		score = 0
	}
	return score
}

// HealthMonitor periodically pings every registered peer and maintains
// its health_score.
type HealthMonitor struct {
	mu       sync.RWMutex
	peers    map[string]*peerHealthStat
	interval time.Duration
	ping     Pinger
	stop     chan struct{}
	log      *logrus.Logger
	onUpdate func(peerAddr string, score float64, status HealthStatus)
}

// NewHealthMonitor constructs a monitor; Start must be called to begin
// probing.
func NewHealthMonitor(ping Pinger, interval time.Duration, log *logrus.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HealthMonitor{
		peers:    make(map[string]*peerHealthStat),
		interval: interval,
		ping:     ping,
		stop:     make(chan struct{}),
		log:      log,
	}
}

// OnUpdate registers a callback invoked after every probe round for every
// peer, used to project health into the relational NodeRepository.
func (hm *HealthMonitor) OnUpdate(fn func(peerAddr string, score float64, status HealthStatus)) {
	hm.onUpdate = fn
}

// AddPeer registers a peer for probing.
func (hm *HealthMonitor) AddPeer(addr string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if _, ok := hm.peers[addr]; !ok {
		hm.peers[addr] = &peerHealthStat{}
	}
}

// RemovePeer stops probing a peer.
func (hm *HealthMonitor) RemovePeer(addr string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	delete(hm.peers, addr)
}

// Start launches the background probe loop.
func (hm *HealthMonitor) Start() {
	go hm.loop()
}

// Stop terminates the probe loop.
func (hm *HealthMonitor) Stop() {
	select {
	case <-hm.stop:
	default:
		close(hm.stop)
	}
}

func (hm *HealthMonitor) loop() {
	t := time.NewTicker(hm.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			hm.tick()
		case <-hm.stop:
			return
		}
	}
}

func (hm *HealthMonitor) tick() {
	hm.mu.RLock()
	addrs := make([]string, 0, len(hm.peers))
	for a := range hm.peers {
		addrs = append(addrs, a)
	}
	hm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), hm.interval)
			defer cancel()
			rtt, err := hm.ping.Ping(ctx, addr)

			hm.mu.Lock()
			stat, ok := hm.peers[addr]
			if !ok {
				hm.mu.Unlock()
				return
			}
			if err != nil {
				stat.failureCount++
				stat.lastFailed = true
			} else {
				stat.successCount++
				stat.lastFailed = false
				stat.lastSeen = time.Now()
				ms := float64(rtt.Milliseconds())
				if stat.avgResponseMS == 0 {
					stat.avgResponseMS = ms
				} else {
					stat.avgResponseMS = 0.3*ms + 0.7*stat.avgResponseMS
				}
			}
			score := stat.score()
			hm.mu.Unlock()

			if hm.onUpdate != nil {
				hm.onUpdate(addr, score, bucketFor(score))
			}
		}(addr)
	}
	wg.Wait()
}

// Snapshot returns the current health bucket for every known peer; use
// ScoreOf for the numeric score.
func (hm *HealthMonitor) Snapshot() map[string]HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make(map[string]HealthStatus, len(hm.peers))
	for addr, stat := range hm.peers {
		out[addr] = bucketFor(stat.score())
	}
	return out
}

// ScoreOf returns the current health_score for a peer, or 0 if unknown.
func (hm *HealthMonitor) ScoreOf(addr string) float64 {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	stat, ok := hm.peers[addr]
	if !ok {
		return 0
	}
	return stat.score()
}
