package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// TopicPrefix is prepended to the game ID to form the signaling topic.
	// Both participants derive the topic independently from the shared game
	// ID, so no handshake is needed to agree on the channel.
	TopicPrefix = "voice-"

	MdnsTag = "voxlink-mdns"
)

// Signal message types. Everything on the wire is one of these four.
const (
	TypeReady     = "ready"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "ice-candidate"
)

// TopicForGame derives the signaling topic for a game session.
func TopicForGame(gameID string) string {
	return TopicPrefix + gameID
}

// SignalMessage is one addressed signaling message on the session topic.
// Exactly one of SDP or Candidate is set, depending on Type; both are nil
// for ready messages.
type SignalMessage struct {
	Type      string                     `json:"type"` // ready|offer|answer|ice-candidate
	From      string                     `json:"from"`
	To        string                     `json:"to"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	TS        int64                      `json:"ts"`
}

// Envelope wraps a decoded signal message with the topic it arrived on.
type Envelope struct {
	Topic string         `json:"topic"`
	Msg   *SignalMessage `json:"msg"`
}

func NewReady(from, to string) *SignalMessage {
	return &SignalMessage{Type: TypeReady, From: from, To: to, TS: NowMillis()}
}

func NewOffer(from, to string, sdp webrtc.SessionDescription) *SignalMessage {
	return &SignalMessage{Type: TypeOffer, From: from, To: to, SDP: &sdp, TS: NowMillis()}
}

func NewAnswer(from, to string, sdp webrtc.SessionDescription) *SignalMessage {
	return &SignalMessage{Type: TypeAnswer, From: from, To: to, SDP: &sdp, TS: NowMillis()}
}

func NewCandidate(from, to string, c webrtc.ICECandidateInit) *SignalMessage {
	return &SignalMessage{Type: TypeCandidate, From: from, To: to, Candidate: &c, TS: NowMillis()}
}

// Validate checks structural invariants before a message is sent or routed.
func (m *SignalMessage) Validate() error {
	switch m.Type {
	case TypeReady:
		// no payload
	case TypeOffer, TypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%s message without sdp", m.Type)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%s message without candidate", m.Type)
		}
	default:
		return fmt.Errorf("unknown signal type %q", m.Type)
	}
	if m.From == "" || m.To == "" {
		return fmt.Errorf("%s message missing from/to", m.Type)
	}
	return nil
}

// Decode parses a wire-format signal message and validates it.
func Decode(data []byte) (*SignalMessage, error) {
	var m SignalMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes a signal message for the wire.
func (m *SignalMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func NowMillis() int64 { return time.Now().UnixMilli() }
