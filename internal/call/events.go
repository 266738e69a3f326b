package call

import "github.com/pion/webrtc/v4"

// The controller loop is the sole mutator of call state. Commands from the
// public API, pion callbacks and the grace timer all arrive as events, which
// turns the usual tangle of interdependent callbacks into a single
// consumable stream.
type eventKind int

const (
	evDo eventKind = iota
	evLocalCandidate
	evConnState
	evGraceExpired
)

type event struct {
	kind eventKind

	// sess tags transport/timer events with the attempt that produced them.
	// The loop drops events whose session is no longer active, so completions
	// of an already-torn-down attempt cannot act on stale state.
	sess *session

	fn        func()
	cand      *webrtc.ICECandidateInit
	connState webrtc.PeerConnectionState
}
