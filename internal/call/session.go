package call

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/voxlink/internal/proto"
	"github.com/petervdpas/voxlink/internal/signal"
)

// session is one call attempt: one connection handle, one capture, one
// candidate queue. All methods run on the controller loop; nothing here
// needs a lock. A new attempt always gets a new session: queue, handle and
// flags never survive into the next attempt.
type session struct {
	attemptID string
	topic     string
	localID   string
	remoteID  string
	role      Role

	sig     signal.Signaler
	newPeer peerFactory
	emit    func(event)
	trace   func(dir, typ, detail string)
	grace   time.Duration

	peer          rtcPeer
	pending       []webrtc.ICECandidateInit
	remoteDescSet bool
	began         bool
	graceTimer    *time.Timer
	startedAt     int64
}

func newSession(topic, localID, remoteID string, sig signal.Signaler, newPeer peerFactory, emit func(event), trace func(dir, typ, detail string), grace time.Duration) *session {
	return &session{
		attemptID: uuid.NewString(),
		topic:     topic,
		localID:   localID,
		remoteID:  remoteID,
		role:      AssignRole(localID, remoteID),
		sig:       sig,
		newPeer:   newPeer,
		emit:      emit,
		trace:     trace,
		grace:     grace,
		startedAt: proto.NowMillis(),
	}
}

// start announces readiness. The initiator additionally arms the grace
// timer: it waits briefly for the remote ready (giving the other side time
// to subscribe and acquire media first) and offers anyway on expiry.
func (s *session) start() {
	s.send(proto.NewReady(s.localID, s.remoteID))
	if s.role == RoleInitiator {
		sess := s
		s.graceTimer = time.AfterFunc(s.grace, func() {
			sess.emit(event{kind: evGraceExpired, sess: sess})
		})
	}
	log.Printf("CALL [%s]: attempt %s started as %s", s.topic, s.attemptID, s.role)
}

func (s *session) stopGrace() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// beginNegotiation creates the handle and sends the offer. Initiator only;
// idempotent so the remote ready and the grace expiry cannot double-offer.
func (s *session) beginNegotiation() error {
	if s.began {
		return nil
	}
	s.began = true
	s.stopGrace()

	peer, err := s.newPeer(s)
	if err != nil {
		return err
	}
	s.peer = peer

	offer, err := peer.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	s.send(proto.NewOffer(s.localID, s.remoteID, offer))
	return nil
}

// handleSignal routes one inbound message. Addressing has already been
// checked by the controller; only protocol logic lives here.
func (s *session) handleSignal(msg *proto.SignalMessage) error {
	switch msg.Type {
	case proto.TypeReady:
		// The responder's ready lets the initiator skip the rest of the
		// grace delay. Responders ignore ready.
		if s.role == RoleInitiator {
			return s.beginNegotiation()
		}
		return nil
	case proto.TypeOffer:
		return s.handleOffer(msg)
	case proto.TypeAnswer:
		return s.handleAnswer(msg)
	case proto.TypeCandidate:
		s.handleCandidate(msg)
		return nil
	default:
		return nil
	}
}

func (s *session) handleOffer(msg *proto.SignalMessage) error {
	if s.role != RoleResponder {
		s.trace("recv", msg.Type, "offer at initiator, ignored")
		return nil
	}
	// A handle already exists: the sender retransmitted before our answer
	// reached it. The first offer wins.
	if s.peer != nil {
		s.trace("recv", msg.Type, "duplicate offer, ignored")
		return nil
	}

	peer, err := s.newPeer(s)
	if err != nil {
		return err
	}
	s.peer = peer

	if err := peer.SetRemoteDescription(*msg.SDP); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	s.remoteDescSet = true
	s.drainPending()

	answer, err := peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	s.send(proto.NewAnswer(s.localID, s.remoteID, answer))
	return nil
}

func (s *session) handleAnswer(msg *proto.SignalMessage) error {
	// An answer with no offer in flight has nothing to apply to.
	if s.peer == nil {
		s.trace("recv", msg.Type, "no offer in flight, ignored")
		return nil
	}
	if err := s.peer.SetRemoteDescription(*msg.SDP); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	s.remoteDescSet = true
	s.drainPending()
	return nil
}

// handleCandidate applies a remote candidate, or queues it while no remote
// description exists yet. The transport rejects candidates applied early,
// and offer/candidates can arrive in either order over the channel.
func (s *session) handleCandidate(msg *proto.SignalMessage) {
	if s.peer == nil || !s.remoteDescSet {
		s.pending = append(s.pending, *msg.Candidate)
		s.trace("recv", msg.Type, fmt.Sprintf("queued (%d pending)", len(s.pending)))
		return
	}
	if err := s.peer.AddICECandidate(*msg.Candidate); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.topic, err)
	}
}

// drainPending applies queued candidates in arrival order, exactly once.
func (s *session) drainPending() {
	for _, c := range s.pending {
		if err := s.peer.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: add queued candidate: %v", s.topic, err)
		}
	}
	if n := len(s.pending); n > 0 {
		s.trace("state", "drain", fmt.Sprintf("%d queued candidates applied", n))
	}
	s.pending = nil
}

// sendLocalCandidate forwards a locally gathered candidate immediately,
// addressed to the remote participant. No batching, no deduplication.
func (s *session) sendLocalCandidate(c webrtc.ICECandidateInit) {
	s.send(proto.NewCandidate(s.localID, s.remoteID, c))
}

// send is best-effort: the channel gives no delivery acknowledgment, and a
// failed send never takes the call down; voice chat must not be able to
// break anything around it.
func (s *session) send(msg *proto.SignalMessage) {
	if err := s.sig.Send(msg); err != nil {
		log.Printf("CALL [%s]: send %s failed (dropped): %v", s.topic, msg.Type, err)
		s.trace("send", msg.Type, "failed: "+err.Error())
		return
	}
	s.trace("send", msg.Type, "")
}

// teardown releases everything the attempt owns. Safe from any state and
// safe to call repeatedly; afterwards the session is inert and any late
// events tagged with it are dropped by the controller.
func (s *session) teardown() {
	s.stopGrace()
	if s.peer != nil {
		_ = s.peer.Close()
		s.peer = nil
	}
	s.pending = nil
	s.remoteDescSet = false
	s.began = false
}
