// Package call establishes and supervises one two-party voice call per game
// session. The Controller is the public surface; the session state machine
// under it owns the connection handle, the candidate queue and the local
// capture for exactly one attempt at a time.
package call

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/petervdpas/voxlink/internal/media"
	"github.com/petervdpas/voxlink/internal/proto"
	"github.com/petervdpas/voxlink/internal/signal"
	"github.com/petervdpas/voxlink/internal/storage"
	"github.com/petervdpas/voxlink/internal/util"

	"github.com/pion/webrtc/v4"
)

// Options configures a Controller.
type Options struct {
	GameID   string
	LocalID  string
	RemoteID string
	Signaler signal.Signaler
	Media    media.Options

	// GraceDelay is how long the initiator waits for the remote ready before
	// offering anyway. Zero means the default of 2s.
	GraceDelay time.Duration

	// MeterInterval is the audio-level decay tick. Zero means 100ms.
	MeterInterval time.Duration

	AllowRecvOnly bool

	// TraceSize caps the signaling trace ring. Zero means 200 entries.
	TraceSize int

	// History, when set, records call attempts and outcomes.
	History *storage.CallLog

	// newPeer overrides handle construction in tests.
	newPeer peerFactory
}

// TraceEntry is one line of the signaling diagnostic trace.
type TraceEntry struct {
	TS     int64  `json:"ts"`
	Dir    string `json:"dir"` // send|recv|state
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

// Controller owns the call lifecycle for one game session. All state
// mutations happen on its loop goroutine; the public methods post commands
// and wait, so they are safe from any goroutine.
type Controller struct {
	opt   Options
	topic string

	sigCh     <-chan *proto.Envelope
	cancelSub func()

	events chan event
	done   chan struct{}

	muted       atomic.Bool
	deafened    atomic.Bool
	localMeter  meter
	remoteMeter meter
	stats       linkStats
	traceRing   *util.Ring[TraceEntry]

	// Loop-owned; the mutex only covers the snapshot reads.
	sess    *session
	phase   Phase
	lastErr string
	mu      sync.RWMutex

	stateMu   sync.RWMutex
	onState   []func(Snapshot)
	onRemote  func(*rtp.Packet)
	closeOnce sync.Once
}

// New creates a controller, subscribes to the session topic and starts the
// event loop. It does not start a call.
func New(opt Options) (*Controller, error) {
	if opt.GameID == "" {
		return nil, errors.New("call: game id is required")
	}
	if opt.LocalID == "" || opt.RemoteID == "" {
		return nil, errors.New("call: both participant ids are required")
	}
	if opt.LocalID == opt.RemoteID {
		return nil, errors.New("call: participant ids must differ")
	}
	if opt.Signaler == nil {
		return nil, errors.New("call: signaler is required")
	}
	if opt.GraceDelay == 0 {
		opt.GraceDelay = 2 * time.Second
	}
	if opt.MeterInterval == 0 {
		opt.MeterInterval = 100 * time.Millisecond
	}
	if opt.TraceSize == 0 {
		opt.TraceSize = 200
	}

	c := &Controller{
		opt:       opt,
		topic:     proto.TopicForGame(opt.GameID),
		events:    make(chan event, 128),
		done:      make(chan struct{}),
		traceRing: util.NewRing[TraceEntry](opt.TraceSize),
		phase:     PhaseIdle,
	}
	if c.opt.newPeer == nil {
		c.opt.newPeer = c.pionFactory
	}

	c.sigCh, c.cancelSub = opt.Signaler.Subscribe()
	go c.loop()
	return c, nil
}

// pionFactory is the production peer factory: acquire media, build the
// connection, and tag everything it emits with the owning session.
func (c *Controller) pionFactory(s *session) (rtcPeer, error) {
	emit := func(ev event) {
		ev.sess = s
		c.post(ev)
	}
	c.stateMu.RLock()
	onRemote := c.onRemote
	c.stateMu.RUnlock()

	return newPionPeer(s.topic, c.opt.Media, c.opt.AllowRecvOnly, peerDeps{
		muted:       &c.muted,
		deafened:    &c.deafened,
		localMeter:  &c.localMeter,
		remoteMeter: &c.remoteMeter,
		stats:       &c.stats,
		onRemote:    onRemote,
	}, emit)
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// do runs fn on the loop goroutine and waits for it.
func (c *Controller) do(fn func()) {
	ran := make(chan struct{})
	select {
	case c.events <- event{kind: evDo, fn: func() { fn(); close(ran) }}:
		<-ran
	case <-c.done:
	}
}

func (c *Controller) loop() {
	tick := time.NewTicker(c.opt.MeterInterval)
	defer tick.Stop()

	for {
		select {
		case <-c.done:
			return
		case env, ok := <-c.sigCh:
			if !ok {
				// The transport is gone, but the controller must keep serving
				// commands so the user can still end, retry or close.
				c.sigCh = nil
				c.trace("state", "transport", "signaling transport closed")
				log.Printf("CALL [%s]: signaling transport closed", c.topic)
				if c.sess != nil {
					c.failAttempt("signaling transport closed")
				}
				continue
			}
			c.handleEnvelope(env)
		case ev := <-c.events:
			c.handleEvent(ev)
		case <-tick.C:
			c.localMeter.DecayTick()
			c.remoteMeter.DecayTick()
		}
	}
}

func (c *Controller) handleEvent(ev event) {
	switch ev.kind {
	case evDo:
		ev.fn()
	case evLocalCandidate:
		if ev.sess == nil || ev.sess != c.sess {
			return // stale attempt
		}
		c.sess.sendLocalCandidate(*ev.cand)
	case evConnState:
		if ev.sess == nil || ev.sess != c.sess {
			return
		}
		c.applyConnState(ev.connState)
	case evGraceExpired:
		if ev.sess == nil || ev.sess != c.sess {
			return
		}
		c.trace("state", "grace", "grace delay expired, offering")
		if err := c.sess.beginNegotiation(); err != nil {
			c.attemptError(err)
		}
	}
}

func (c *Controller) handleEnvelope(env *proto.Envelope) {
	msg := env.Msg

	// Shared topic, addressed delivery: anything not for us changes nothing.
	if msg.To != c.opt.LocalID {
		c.trace("recv", msg.Type, "not addressed to us, ignored")
		return
	}
	if msg.From != c.opt.RemoteID {
		c.trace("recv", msg.Type, "unexpected sender "+msg.From+", ignored")
		return
	}
	c.trace("recv", msg.Type, "")

	if c.sess == nil {
		// An offer can arrive before the local user pressed start; answer it
		// like a ringing phone. After a failure, though, nothing happens
		// until the user explicitly retries. Only the responder rings: an
		// offer reaching the elected initiator is bogus, and starting an
		// attempt for it would leave a session that never progresses.
		if msg.Type != proto.TypeOffer || c.phase != PhaseIdle {
			return
		}
		if AssignRole(c.opt.LocalID, c.opt.RemoteID) != RoleResponder {
			c.trace("recv", msg.Type, "offer despite local initiator role, ignored")
			return
		}
		c.beginAttempt()
	}

	if err := c.sess.handleSignal(msg); err != nil {
		c.attemptError(err)
	}
}

// beginAttempt creates a fresh session and publishes the negotiating phase.
func (c *Controller) beginAttempt() {
	s := newSession(c.topic, c.opt.LocalID, c.opt.RemoteID,
		c.opt.Signaler, c.opt.newPeer, c.post, c.trace, c.opt.GraceDelay)

	c.mu.Lock()
	c.sess = s
	c.phase = PhaseNegotiating
	c.lastErr = ""
	c.mu.Unlock()

	c.recordHistory(s)
	c.publishState()
}

func (c *Controller) applyConnState(st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		c.setPhase(PhaseConnected, "")
		log.Printf("CALL [%s]: connected", c.topic)
	case webrtc.PeerConnectionStateDisconnected:
		// Transient: ICE may recover on its own. Keep the attempt.
		c.setPhase(PhaseDisconnected, "")
		log.Printf("CALL [%s]: disconnected (waiting for recovery)", c.topic)
	case webrtc.PeerConnectionStateFailed:
		log.Printf("CALL [%s]: peer connection failed", c.topic)
		c.failAttempt("peer connection failed")
	default:
		// New/Connecting/Closed need no reaction: Connecting is subsumed by
		// negotiating, Closed only follows our own teardown.
	}
}

// attemptError classifies an error from the state machine. Media acquisition
// failures abort back to idle before any handle exists; anything else is a
// failed attempt with retry armed.
func (c *Controller) attemptError(err error) {
	if errors.Is(err, media.ErrNoAudioInput) {
		log.Printf("CALL [%s]: cannot start call: %v", c.topic, err)
		c.finishAttempt(PhaseIdle, "aborted", "cannot start call: microphone unavailable")
		return
	}
	log.Printf("CALL [%s]: attempt failed: %v", c.topic, err)
	c.failAttempt(err.Error())
}

func (c *Controller) failAttempt(reason string) {
	c.finishAttempt(PhaseFailed, "failed", reason)
}

// finishAttempt tears the active attempt down and settles into a final
// phase. Loop-owned.
func (c *Controller) finishAttempt(phase Phase, outcome, errMsg string) {
	if c.sess != nil {
		c.finishHistory(c.sess, outcome, errMsg)
		c.sess.teardown()
	}
	c.localMeter.Reset()
	c.remoteMeter.Reset()
	c.stats.reset()

	c.mu.Lock()
	c.sess = nil
	c.phase = phase
	c.lastErr = errMsg
	c.mu.Unlock()

	c.publishState()
}

func (c *Controller) setPhase(p Phase, errMsg string) {
	c.mu.Lock()
	c.phase = p
	c.lastErr = errMsg
	c.mu.Unlock()
	c.publishState()
}

// StartCall announces readiness and, for the initiator, arms the grace
// timer. No-op while an attempt is active.
func (c *Controller) StartCall() {
	c.do(func() {
		if c.sess != nil {
			return // already connecting or connected
		}
		c.beginAttempt()
		c.sess.start()
	})
}

// EndCall tears down the active attempt and returns to idle. Idempotent and
// safe from any state, including idle.
func (c *Controller) EndCall() {
	c.do(func() {
		outcome := "completed"
		if c.phase == PhaseNegotiating {
			outcome = "canceled"
		}
		if c.sess != nil {
			c.finishHistory(c.sess, outcome, "")
			c.sess.teardown()
		}
		c.localMeter.Reset()
		c.remoteMeter.Reset()
		c.stats.reset()

		c.mu.Lock()
		c.sess = nil
		c.phase = PhaseIdle
		c.lastErr = ""
		c.mu.Unlock()

		c.publishState()
	})
}

// RetryConnection is the supervisor's single action: after a terminal
// failure, clear the error and start over with a fresh attempt. It does
// nothing in any other phase. Retries are always user-initiated and never
// fire on transient disconnects.
func (c *Controller) RetryConnection() {
	c.do(func() {
		if c.phase != PhaseFailed {
			return
		}
		c.mu.Lock()
		c.lastErr = ""
		c.phase = PhaseIdle
		c.mu.Unlock()

		c.beginAttempt()
		c.sess.start()
	})
}

// ToggleMute flips the outbound gate. Returns the new muted state. The
// negotiated session is untouched.
func (c *Controller) ToggleMute() bool {
	for {
		old := c.muted.Load()
		if c.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// ToggleDeafen flips local playback of the remote stream. Returns the new
// deafened state. Outbound audio keeps flowing.
func (c *Controller) ToggleDeafen() bool {
	for {
		old := c.deafened.Load()
		if c.deafened.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// OnStateChange registers a callback fired after every phase transition.
// Callbacks run on the controller's event loop: they must return promptly
// and must not call back into the controller (StartCall, EndCall and friends
// would wait on the very loop the callback is blocking).
func (c *Controller) OnStateChange(fn func(Snapshot)) {
	c.stateMu.Lock()
	c.onState = append(c.onState, fn)
	c.stateMu.Unlock()
}

// OnRemoteAudio sets the playback sink for remote RTP packets. Register
// before starting a call; deafen gates delivery.
func (c *Controller) OnRemoteAudio(fn func(*rtp.Packet)) {
	c.stateMu.Lock()
	c.onRemote = fn
	c.stateMu.Unlock()
}

func (c *Controller) publishState() {
	snap := c.Snapshot()
	c.stateMu.RLock()
	handlers := make([]func(Snapshot), len(c.onState))
	copy(handlers, c.onState)
	c.stateMu.RUnlock()
	for _, fn := range handlers {
		fn(snap)
	}
}

// Snapshot returns the externally observable state, derived from the single
// phase variant.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	phase := c.phase
	lastErr := c.lastErr
	c.mu.RUnlock()

	loss, jitter := c.stats.snapshot()
	return Snapshot{
		Phase:           phase,
		IsConnected:     phase == PhaseConnected,
		IsConnecting:    phase == PhaseNegotiating,
		Degraded:        phase == PhaseDisconnected,
		IsMuted:         c.muted.Load(),
		IsDeafened:      c.deafened.Load(),
		ConnectionError: lastErr,
		LocalLevel:      c.localMeter.Level(),
		RemoteLevel:     c.remoteMeter.Level(),
		LossFraction:    loss,
		JitterMs:        jitter,
	}
}

// Trace returns the recent signaling trace, oldest first.
func (c *Controller) Trace() []TraceEntry {
	return c.traceRing.Snapshot()
}

func (c *Controller) trace(dir, typ, detail string) {
	c.traceRing.Push(TraceEntry{TS: proto.NowMillis(), Dir: dir, Type: typ, Detail: detail})
}

func (c *Controller) recordHistory(s *session) {
	if c.opt.History == nil {
		return
	}
	err := c.opt.History.Record(storage.CallRecord{
		ID:        s.attemptID,
		GameID:    c.opt.GameID,
		LocalID:   s.localID,
		RemoteID:  s.remoteID,
		Role:      s.role.String(),
		StartedAt: s.startedAt,
	})
	if err != nil {
		log.Printf("CALL [%s]: record history: %v", c.topic, err)
	}
}

func (c *Controller) finishHistory(s *session, outcome, errMsg string) {
	if c.opt.History == nil {
		return
	}
	if err := c.opt.History.Finish(s.attemptID, outcome, errMsg); err != nil {
		log.Printf("CALL [%s]: finish history: %v", c.topic, err)
	}
}

// Close ends any active call and stops the loop. Idempotent.
func (c *Controller) Close() {
	c.EndCall()
	c.closeOnce.Do(func() {
		c.cancelSub()
		close(c.done)
	})
}

// String identifies the controller in logs.
func (c *Controller) String() string {
	return fmt.Sprintf("call(%s: %s <-> %s)", c.topic, c.opt.LocalID, c.opt.RemoteID)
}
