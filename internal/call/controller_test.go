package call

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/voxlink/internal/media"
	"github.com/petervdpas/voxlink/internal/proto"
	"github.com/petervdpas/voxlink/internal/signal"
)

// peerTap is a factory that hands out fake peers and remembers which
// session asked for them, so tests can inject connection-state events.
type peerTap struct {
	mu    sync.Mutex
	peers []*fakePeer
	sess  []*session
	fail  error
}

func (p *peerTap) factory(s *session) (rtcPeer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	fp := &fakePeer{}
	p.peers = append(p.peers, fp)
	p.sess = append(p.sess, s)
	return fp, nil
}

func (p *peerTap) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

func (p *peerTap) last() (*fakePeer, *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.peers) == 0 {
		return nil, nil
	}
	return p.peers[len(p.peers)-1], p.sess[len(p.sess)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestController(t *testing.T, bus *signal.MemoryBus, gameID, localID, remoteID string, tap *peerTap) *Controller {
	t.Helper()
	ep := bus.Endpoint(proto.TopicForGame(gameID), localID)
	c, err := New(Options{
		GameID:        gameID,
		LocalID:       localID,
		RemoteID:      remoteID,
		Signaler:      ep,
		GraceDelay:    10 * time.Millisecond,
		MeterInterval: 50 * time.Millisecond,
		TraceSize:     64,
		newPeer:       tap.factory,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close()
		ep.Close()
	})
	return c
}

// injectConnState posts a connection-state transition as if it came from
// the peer connection of the most recent attempt.
func injectConnState(c *Controller, tap *peerTap, st webrtc.PeerConnectionState) {
	_, s := tap.last()
	c.post(event{kind: evConnState, sess: s, connState: st})
}

func TestUnaddressedMessagesChangeNothing(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{}
	c := newTestController(t, bus, "g1", "bob", "alice", tap)

	other := bus.Endpoint(proto.TopicForGame("g1"), "alice")
	defer other.Close()

	// Addressed to a third party: observed in the trace, ignored otherwise.
	other.Send(offerMsg("alice", "carol"))
	waitFor(t, "trace entry", func() bool { return len(c.Trace()) > 0 })
	if got := c.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("phase changed to %v on a message for someone else", got)
	}
	if tap.count() != 0 {
		t.Fatal("peer created for a message addressed to someone else")
	}

	// From an unexpected sender: same.
	env := offerMsg("mallory", "bob")
	other.Send(env)
	waitFor(t, "second trace entry", func() bool { return len(c.Trace()) > 1 })
	if got := c.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("phase changed to %v on a message from an unexpected sender", got)
	}

	// Properly addressed offer finally rings through.
	other.Send(offerMsg("alice", "bob"))
	waitFor(t, "negotiating phase", func() bool { return c.Snapshot().Phase == PhaseNegotiating })
}

func TestInitiatorIgnoresStrayOffer(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{}
	// alice elects as initiator; an inbound offer makes no sense for her.
	c := newTestController(t, bus, "g1", "alice", "bob", tap)

	remote := bus.Endpoint(proto.TopicForGame("g1"), "bob")
	defer remote.Close()

	remote.Send(offerMsg("bob", "alice"))
	waitFor(t, "offer traced", func() bool { return len(c.Trace()) >= 2 })

	if got := c.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("stray offer moved the initiator to %v", got)
	}
	if tap.count() != 0 {
		t.Fatal("stray offer created an attempt that could never progress")
	}
}

func TestAutoAnswersIncomingOffer(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{}
	c := newTestController(t, bus, "g1", "bob", "alice", tap)

	remote := bus.Endpoint(proto.TopicForGame("g1"), "alice")
	defer remote.Close()
	inbox, cancel := remote.Subscribe()
	defer cancel()

	remote.Send(offerMsg("alice", "bob"))

	var answer *proto.SignalMessage
	waitFor(t, "answer on the wire", func() bool {
		select {
		case env := <-inbox:
			if env.Msg.Type == proto.TypeAnswer {
				answer = env.Msg
			}
		default:
		}
		return answer != nil
	})
	if answer.To != "alice" || answer.From != "bob" {
		t.Fatalf("answer misaddressed: from %q to %q", answer.From, answer.To)
	}
	if c.Snapshot().Phase != PhaseNegotiating {
		t.Fatalf("expected negotiating, got %v", c.Snapshot().Phase)
	}

	fp, _ := tap.last()
	if fp.answerCount() != 1 {
		t.Fatalf("expected 1 answer created, got %d", fp.answerCount())
	}
}

func TestStartCallAnnouncesThenOffers(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{}
	c := newTestController(t, bus, "g1", "alice", "bob", tap)

	remote := bus.Endpoint(proto.TopicForGame("g1"), "bob")
	defer remote.Close()
	inbox, cancel := remote.Subscribe()
	defer cancel()

	c.StartCall()

	var types []string
	waitFor(t, "ready then offer", func() bool {
		select {
		case env := <-inbox:
			types = append(types, env.Msg.Type)
		default:
		}
		return len(types) >= 2
	})
	if types[0] != proto.TypeReady || types[1] != proto.TypeOffer {
		t.Fatalf("expected [ready offer], got %v", types)
	}
}

func TestEndCallIdempotent(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{}
	c := newTestController(t, bus, "g1", "alice", "bob", tap)

	// Ending with no call active is a no-op.
	c.EndCall()
	c.EndCall()
	if got := c.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("expected idle, got %v", got)
	}

	c.StartCall()
	waitFor(t, "peer created", func() bool { return tap.count() == 1 })
	fp, _ := tap.last()

	c.EndCall()
	c.EndCall()

	if got := c.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("expected idle after end, got %v", got)
	}
	if !fp.isClosed() {
		t.Fatal("peer handle not closed on end")
	}
}

func TestFailureThenManualRetry(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{}
	c := newTestController(t, bus, "g1", "alice", "bob", tap)

	c.StartCall()
	waitFor(t, "first attempt", func() bool { return tap.count() == 1 })
	first, _ := tap.last()

	injectConnState(c, tap, webrtc.PeerConnectionStateFailed)
	waitFor(t, "failed phase", func() bool { return c.Snapshot().Phase == PhaseFailed })

	snap := c.Snapshot()
	if snap.ConnectionError == "" {
		t.Fatal("failed phase carries no error")
	}
	if !first.isClosed() {
		t.Fatal("failed attempt's peer not closed")
	}

	// The failure is sticky: nothing reconnects until the user asks.
	time.Sleep(50 * time.Millisecond)
	if tap.count() != 1 {
		t.Fatalf("automatic reconnect detected: %d attempts", tap.count())
	}

	c.RetryConnection()
	waitFor(t, "fresh attempt", func() bool { return tap.count() == 2 })
	if c.Snapshot().ConnectionError != "" {
		t.Fatal("error not cleared by retry")
	}

	second, _ := tap.last()
	if second == first {
		t.Fatal("retry reused the failed peer handle")
	}
}

func TestRetryOnlyAfterFailure(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{}
	c := newTestController(t, bus, "g1", "alice", "bob", tap)

	// Idle: retry does nothing.
	c.RetryConnection()
	if tap.count() != 0 || c.Snapshot().Phase != PhaseIdle {
		t.Fatal("retry acted outside the failed phase")
	}

	c.StartCall()
	waitFor(t, "attempt", func() bool { return tap.count() == 1 })

	// Negotiating: still nothing.
	c.RetryConnection()
	time.Sleep(20 * time.Millisecond)
	if tap.count() != 1 {
		t.Fatalf("retry during negotiation spawned an attempt: %d", tap.count())
	}
}

func TestDisconnectedDegradesWithoutTeardown(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{}
	c := newTestController(t, bus, "g1", "alice", "bob", tap)

	c.StartCall()
	waitFor(t, "attempt", func() bool { return tap.count() == 1 })
	fp, _ := tap.last()

	injectConnState(c, tap, webrtc.PeerConnectionStateConnected)
	waitFor(t, "connected", func() bool { return c.Snapshot().IsConnected })

	injectConnState(c, tap, webrtc.PeerConnectionStateDisconnected)
	waitFor(t, "degraded", func() bool { return c.Snapshot().Degraded })

	snap := c.Snapshot()
	if snap.IsConnected {
		t.Fatal("degraded link still reports connected")
	}
	if snap.ConnectionError != "" {
		t.Fatalf("transient disconnect surfaced an error: %q", snap.ConnectionError)
	}
	if fp.isClosed() {
		t.Fatal("transient disconnect tore the attempt down")
	}

	// ICE restores the path on its own.
	injectConnState(c, tap, webrtc.PeerConnectionStateConnected)
	waitFor(t, "recovered", func() bool { return c.Snapshot().IsConnected })
}

func TestControllerSurvivesTransportLoss(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{}
	ep := bus.Endpoint(proto.TopicForGame("g1"), "alice")
	c, err := New(Options{
		GameID:        "g1",
		LocalID:       "alice",
		RemoteID:      "bob",
		Signaler:      ep,
		GraceDelay:    10 * time.Millisecond,
		MeterInterval: 50 * time.Millisecond,
		newPeer:       tap.factory,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	c.StartCall()
	waitFor(t, "attempt", func() bool { return tap.count() == 1 })

	// The relay connection drops out from under the call.
	ep.Close()
	waitFor(t, "failed phase", func() bool { return c.Snapshot().Phase == PhaseFailed })

	fp, _ := tap.last()
	if !fp.isClosed() {
		t.Fatal("attempt not torn down when the transport vanished")
	}

	// The controller must keep serving commands without a transport.
	done := make(chan struct{})
	go func() {
		c.EndCall()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EndCall hung after the signaling transport closed")
	}
	if got := c.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("expected idle after end, got %v", got)
	}
}

func TestMicrophoneFailureAbortsToIdle(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{fail: fmt.Errorf("acquire microphone: %w", media.ErrNoAudioInput)}
	c := newTestController(t, bus, "g1", "alice", "bob", tap)

	c.StartCall()
	waitFor(t, "abort to idle", func() bool {
		s := c.Snapshot()
		return s.Phase == PhaseIdle && s.ConnectionError != ""
	})
	if c.Snapshot().Phase == PhaseFailed {
		t.Fatal("media failure should not land in the failed phase")
	}
}

func TestMuteAndDeafenAreIndependent(t *testing.T) {
	bus := signal.NewMemoryBus()
	tap := &peerTap{}
	c := newTestController(t, bus, "g1", "alice", "bob", tap)

	if !c.ToggleMute() {
		t.Fatal("first mute toggle should return true")
	}
	snap := c.Snapshot()
	if !snap.IsMuted || snap.IsDeafened {
		t.Fatalf("mute leaked into deafen: %+v", snap)
	}

	if !c.ToggleDeafen() {
		t.Fatal("first deafen toggle should return true")
	}
	if c.ToggleMute() {
		t.Fatal("second mute toggle should return false")
	}
	snap = c.Snapshot()
	if snap.IsMuted || !snap.IsDeafened {
		t.Fatalf("unmute cleared deafen: %+v", snap)
	}
}

func TestTwoControllersNegotiate(t *testing.T) {
	bus := signal.NewMemoryBus()
	aliceTap := &peerTap{}
	bobTap := &peerTap{}

	alice := newTestController(t, bus, "g1", "alice", "bob", aliceTap)
	bob := newTestController(t, bus, "g1", "bob", "alice", bobTap)

	alice.StartCall()

	// alice offers (smaller id), bob auto-answers, alice applies it.
	waitFor(t, "bob answering", func() bool { return bobTap.count() == 1 })
	bobPeer, _ := bobTap.last()
	waitFor(t, "answer applied at alice", func() bool {
		fp, _ := aliceTap.last()
		if fp == nil {
			return false
		}
		return fp.remoteCount() == 1
	})

	// Trickled candidate from alice lands on bob's handle.
	_, aliceSess := aliceTap.last()
	alice.post(event{
		kind: evLocalCandidate,
		sess: aliceSess,
		cand: &webrtc.ICECandidateInit{Candidate: "cand-a1"},
	})
	waitFor(t, "candidate at bob", func() bool {
		ids := bobPeer.candidateIDs()
		return len(ids) == 1 && ids[0] == "cand-a1"
	})

	injectConnState(alice, aliceTap, webrtc.PeerConnectionStateConnected)
	injectConnState(bob, bobTap, webrtc.PeerConnectionStateConnected)
	waitFor(t, "both connected", func() bool {
		return alice.Snapshot().IsConnected && bob.Snapshot().IsConnected
	})
}
