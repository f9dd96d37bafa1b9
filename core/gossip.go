package core

// gossip.go - optional libp2p gossip transport implementing
// GossipPublisher (propagation.go): a second, lower-latency delivery path
// for mesh-connected peers alongside the primary HTTP fan-out. Peers are
// dialed from an explicit bootstrap list rather than discovered, so the
// transport stays a plain component instead of process-wide mutable
// state.

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// LibP2PGossip is a GossipPublisher backed by a libp2p host running
// GossipSub. It joins topics lazily on first publish.
type LibP2PGossip struct {
	host   libp2pHost
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// libp2pHost narrows the libp2p Host interface down to what this file uses,
// so tests can substitute a fake without standing up real networking.
type libp2pHost interface {
	Close() error
}

// NewLibP2PGossip creates a libp2p host listening on listenAddr, wraps it in
// a GossipSub router, and dials every address in bootstrapPeers best-effort.
func NewLibP2PGossip(listenAddr string, bootstrapPeers []string, log *logrus.Logger) (*LibP2PGossip, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub router: %w", err)
	}

	g := &LibP2PGossip{host: h, pubsub: ps, ctx: ctx, cancel: cancel, log: log, topics: make(map[string]*pubsub.Topic)}
	for _, addr := range bootstrapPeers {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.WithError(err).Warnf("gossip: invalid bootstrap address %s", addr)
			continue
		}
		if err := h.Connect(ctx, *pi); err != nil {
			log.WithError(err).Warnf("gossip: failed to dial bootstrap peer %s", addr)
		}
	}
	return g, nil
}

// Publish joins topic if not already joined, then publishes data to it.
func (g *LibP2PGossip) Publish(topic string, data []byte) error {
	g.mu.Lock()
	t, ok := g.topics[topic]
	if !ok {
		var err error
		t, err = g.pubsub.Join(topic)
		if err != nil {
			g.mu.Unlock()
			return fmt.Errorf("join gossip topic %s: %w", topic, err)
		}
		g.topics[topic] = t
	}
	g.mu.Unlock()
	return t.Publish(g.ctx, data)
}

// Close tears down the gossip host and cancels its background context.
func (g *LibP2PGossip) Close() error {
	g.cancel()
	return g.host.Close()
}
