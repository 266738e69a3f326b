package signal

import (
	"fmt"
	"sync"

	"github.com/petervdpas/voxlink/internal/proto"
)

// MemoryBus routes signaling messages between in-process endpoints sharing a
// topic. It mirrors the delivery semantics of the real transports: per-sender
// publish order is preserved and a sender never receives its own messages.
type MemoryBus struct {
	mu        sync.RWMutex
	endpoints map[string][]*MemoryEndpoint // topic -> endpoints
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{endpoints: make(map[string][]*MemoryEndpoint)}
}

// Endpoint attaches a new participant to topic and returns its signaler.
func (b *MemoryBus) Endpoint(topic, selfID string) *MemoryEndpoint {
	ep := &MemoryEndpoint{
		bus:   b,
		topic: topic,
		self:  selfID,
		hub:   newHub(),
	}
	b.mu.Lock()
	b.endpoints[topic] = append(b.endpoints[topic], ep)
	b.mu.Unlock()
	return ep
}

func (b *MemoryBus) route(topic string, from *MemoryEndpoint, msg *proto.SignalMessage) {
	env := &proto.Envelope{Topic: topic, Msg: msg}
	b.mu.RLock()
	eps := b.endpoints[topic]
	b.mu.RUnlock()
	for _, ep := range eps {
		if ep == from {
			continue // sender exclusion
		}
		ep.hub.publish(env)
	}
}

func (b *MemoryBus) detach(topic string, ep *MemoryEndpoint) {
	b.mu.Lock()
	eps := b.endpoints[topic]
	for i, e := range eps {
		if e == ep {
			b.endpoints[topic] = append(eps[:i], eps[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// MemoryEndpoint is one participant's connection to a MemoryBus topic.
type MemoryEndpoint struct {
	bus   *MemoryBus
	topic string
	self  string
	hub   *hub

	mu     sync.Mutex
	closed bool
}

func (e *MemoryEndpoint) Send(msg *proto.SignalMessage) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("send on closed endpoint %s", e.self)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	e.bus.route(e.topic, e, msg)
	return nil
}

func (e *MemoryEndpoint) Subscribe() (<-chan *proto.Envelope, func()) {
	ch, cancel := e.hub.subscribe()
	return ch, cancel
}

func (e *MemoryEndpoint) Self() string { return e.self }

func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.bus.detach(e.topic, e)
	e.hub.close()
	return nil
}
