package core

// eventbus.go - in-process event bus: an in-memory pub/sub with typed
// subscriber channels. Handlers downstream of the bus never block each
// other; a slow subscriber drops events once its buffer fills.

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventBus fans out EventRecords to in-process subscribers by type, and is
// the upstream source for the propagation worker's outbound HTTP/gossip
// fan-out.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string][]chan EventRecord
	self string
}

// NewEventBus constructs a bus that stamps emitted events with
// sourceNode's identity.
func NewEventBus(sourceNode string) *EventBus {
	return &EventBus{subs: make(map[string][]chan EventRecord), self: sourceNode}
}

// Subscribe returns a channel receiving every future event of the given
// type, and an unsubscribe function. The channel is buffered; slow
// subscribers drop events rather than block Emit.
func (b *EventBus) Subscribe(eventType string) (<-chan EventRecord, func()) {
	ch := make(chan EventRecord, 64)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[eventType]
		for i, c := range chans {
			if c == ch {
				b.subs[eventType] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}

// Emit constructs an EventRecord for typ/data, delivers it to local
// subscribers, and returns it so the caller (typically the propagation
// worker) can fan it out externally too.
func (b *EventBus) Emit(typ string, data interface{}) (EventRecord, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return EventRecord{}, Errf(ErrInvalidRequest, "marshal event data: %w", err)
	}
	rec := EventRecord{
		Type:       typ,
		Data:       blob,
		EventID:    uuid.NewString(),
		Timestamp:  time.Now().Unix(),
		SourceNode: b.self,
	}
	b.deliver(rec)
	return rec, nil
}

// Deliver publishes an externally received EventRecord (from the HTTP
// /sync/events endpoint) to local subscribers without re-minting its ID, so propagation
// dedup is preserved across the wire.
func (b *EventBus) Deliver(rec EventRecord) {
	b.deliver(rec)
}

func (b *EventBus) deliver(rec EventRecord) {
	b.mu.RLock()
	chans := append([]chan EventRecord{}, b.subs[rec.Type]...)
	chans = append(chans, b.subs["*"]...)
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- rec:
		default:
		}
	}
}
