package core

// propagation.go - outbound event propagation: signed, deduplicated,
// rate-limited HTTP fan-out to known peers, plus an optional libp2p
// gossip publish when the node runs with P2P enabled. Both outbound paths
// carry the identical envelope and pass the same outbound dedup check.
// Gossip is publish-only: inbound events are accepted over HTTP through
// ReceiveInbound, and nothing here consumes gossip messages.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// GossipPublisher is implemented by an optional libp2p transport; nil
// disables the secondary gossip path.
type GossipPublisher interface {
	Publish(topic string, data []byte) error
}

// PropagationConfig bounds the outbound fan-out worker.
type PropagationConfig struct {
	FanOut          int
	RateLimitPerSec int
	DedupWindow     time.Duration
	HMACSecret      []byte
	HTTPClient      *http.Client
}

// EventPriority classes govern an outbound delivery's timeout and retry
// budget only; there is no ordering guarantee across classes.
type EventPriority int

const (
	PriorityCritical EventPriority = 1
	PriorityHigh     EventPriority = 2
	PriorityNormal   EventPriority = 3
	PriorityLow      EventPriority = 4
)

// priorityOf classifies an event type for delivery-budget purposes:
// consensus-threatening signals get the longest timeout and two retries,
// liveness chatter gets the shortest and none.
func priorityOf(eventType string) EventPriority {
	switch eventType {
	case "fork.detected", "sync.gap_detected":
		return PriorityCritical
	case "block.added":
		return PriorityHigh
	case "heartbeat":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (pr EventPriority) timeout() time.Duration {
	switch pr {
	case PriorityCritical:
		return 10 * time.Second
	case PriorityLow:
		return 3 * time.Second
	default:
		return 5 * time.Second
	}
}

func (pr EventPriority) retries() int {
	switch pr {
	case PriorityCritical:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// dedupEntry records when an event_id was last seen, for dedup-window
// expiry.
type dedupEntry struct {
	seenAt time.Time
}

// Propagator fans out bus events to peers over HTTP, deduplicating by
// event_id and rate limiting outbound requests through one limiter shared
// by all peers.
type Propagator struct {
	cfg     PropagationConfig
	log     *logrus.Logger
	gossip  GossipPublisher
	client  *http.Client
	mu      sync.Mutex
	dedup   map[string]dedupEntry
	limiter *rate.Limiter
	peers   func() []string
}

// NewPropagator constructs a Propagator. peersFn supplies the current peer
// address list at send time, so it should read from the live node
// registry rather than a frozen snapshot.
func NewPropagator(cfg PropagationConfig, gossip GossipPublisher, peersFn func() []string, log *logrus.Logger) *Propagator {
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 50
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 15 * time.Minute
	}
	// Per-attempt deadlines come from the event's priority class; the
	// client timeout is only a backstop above the largest of them.
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Propagator{
		cfg:     cfg,
		log:     log,
		gossip:  gossip,
		client:  cfg.HTTPClient,
		dedup:   make(map[string]dedupEntry),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitPerSec),
		peers:   peersFn,
	}
}

// seenLocked reports whether eventID was already propagated within the
// dedup window, recording it as seen either way. Caller must hold mu.
func (p *Propagator) seenLocked(eventID string) bool {
	now := time.Now()
	for id, e := range p.dedup {
		if now.Sub(e.seenAt) > p.cfg.DedupWindow {
			delete(p.dedup, id)
		}
	}
	_, dup := p.dedup[eventID]
	p.dedup[eventID] = dedupEntry{seenAt: now}
	return dup
}

// Propagate sends rec to up to FanOut peers over HTTP and, if a gossip
// publisher is configured, also publishes it on the event's libp2p topic.
// A duplicate event_id within the dedup window is not sent again;
// Propagate returns an ErrDuplicateEvent CoreError for it instead.
func (p *Propagator) Propagate(ctx context.Context, rec EventRecord) error {
	p.mu.Lock()
	dup := p.seenLocked(rec.EventID)
	p.mu.Unlock()
	if dup {
		return NewError(ErrDuplicateEvent, fmt.Errorf("event %s already propagated", rec.EventID))
	}

	blob, err := json.Marshal(rec)
	if err != nil {
		return Errf(ErrInvalidRequest, "marshal event: %w", err)
	}

	targets := p.peers()
	fanOut := p.cfg.FanOut
	if fanOut <= 0 || fanOut > len(targets) {
		fanOut = len(targets)
	}

	pr := priorityOf(rec.Type)
	var wg sync.WaitGroup
	errs := make(chan error, fanOut)
	for _, peer := range targets[:fanOut] {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			var err error
			for attempt := 0; attempt <= pr.retries(); attempt++ {
				sendCtx, cancel := context.WithTimeout(ctx, pr.timeout())
				err = p.sendHTTP(sendCtx, peer, rec, blob, pr)
				cancel()
				if err == nil || KindOf(err) == ErrDuplicateEvent {
					err = nil
					break
				}
			}
			if err != nil {
				errs <- err
			}
		}(peer)
	}
	wg.Wait()
	close(errs)

	var failures int
	for err := range errs {
		failures++
		p.log.WithError(err).Debug("event fan-out failed for one peer")
	}

	if p.gossip != nil {
		if err := p.gossip.Publish("event:"+rec.Type, blob); err != nil {
			p.log.WithError(err).Debug("gossip publish failed")
		}
	}

	if failures == len(targets[:fanOut]) && fanOut > 0 {
		return NewError(ErrTransient, fmt.Errorf("event %s failed to reach all %d peers", rec.EventID, fanOut))
	}
	return nil
}

func (p *Propagator) sendHTTP(ctx context.Context, peerAddr string, rec EventRecord, blob []byte, pr EventPriority) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerAddr+"/sync/events", bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", rec.Type)
	req.Header.Set("X-Event-Id", rec.EventID)
	req.Header.Set("X-Source-Node", rec.SourceNode)
	req.Header.Set("X-Event-Priority", strconv.Itoa(int(pr)))
	if p.cfg.HMACSecret != nil {
		req.Header.Set("X-Broadcast-Signature", SignBroadcast(p.cfg.HMACSecret, blob))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return NewError(ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return NewError(ErrRateLimited, fmt.Errorf("peer %s rate-limited us", peerAddr))
	}
	if resp.StatusCode == http.StatusConflict {
		return NewError(ErrDuplicateEvent, fmt.Errorf("peer %s already has event", peerAddr))
	}
	if resp.StatusCode >= 300 {
		return NewError(ErrTransient, fmt.Errorf("peer %s returned status %d", peerAddr, resp.StatusCode))
	}
	return nil
}

// ReceiveInbound validates an inbound event envelope's HMAC signature and
// dedup status, returning whether it is new (should be delivered locally
// and re-propagated) or a duplicate.
func (p *Propagator) ReceiveInbound(blob []byte, sigHeader string) (EventRecord, bool, error) {
	var rec EventRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return rec, false, Errf(ErrInvalidRequest, "decode event: %w", err)
	}
	if p.cfg.HMACSecret != nil && !VerifyBroadcast(p.cfg.HMACSecret, blob, sigHeader) {
		return rec, false, Errf(ErrInvalidRequest, "invalid broadcast signature")
	}
	p.mu.Lock()
	dup := p.seenLocked(rec.EventID)
	p.mu.Unlock()
	return rec, !dup, nil
}
