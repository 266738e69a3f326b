// Package signal delivers addressed signaling messages over a shared
// per-session topic. Three transports implement the same Signaler surface:
// a serverless libp2p gossipsub node, a websocket relay client, and an
// in-process bus used by tests and same-process loopback.
package signal

import (
	"sync"

	"github.com/petervdpas/voxlink/internal/proto"
)

// Signaler is the only surface the call package needs from the transport.
type Signaler interface {
	// Send publishes msg on the session topic. Best-effort: there is no
	// delivery acknowledgment, and callers must not assume delivery.
	Send(msg *proto.SignalMessage) error

	// Subscribe registers a listener for messages published to the topic by
	// other participants. A participant never receives its own messages back.
	Subscribe() (ch <-chan *proto.Envelope, cancel func())

	// Self returns the local participant ID this signaler sends as.
	Self() string

	Close() error
}

// hub fans inbound envelopes out to subscribers. Sends never block: a
// subscriber that falls behind loses messages rather than stalling the
// transport read loop.
type hub struct {
	mu        sync.RWMutex
	listeners map[chan *proto.Envelope]struct{}
	closed    bool
}

func newHub() *hub {
	return &hub{listeners: make(map[chan *proto.Envelope]struct{})}
}

func (h *hub) subscribe() (chan *proto.Envelope, func()) {
	ch := make(chan *proto.Envelope, 64)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.listeners[ch]; ok {
			delete(h.listeners, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *hub) publish(env *proto.Envelope) {
	h.mu.RLock()
	for ch := range h.listeners {
		select {
		case ch <- env:
		default:
		}
	}
	h.mu.RUnlock()
}

func (h *hub) close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		for ch := range h.listeners {
			close(ch)
		}
		h.listeners = make(map[chan *proto.Envelope]struct{})
	}
	h.mu.Unlock()
}
