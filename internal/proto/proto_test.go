package proto

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestTopicForGame(t *testing.T) {
	if got := TopicForGame("abc123"); got != "voice-abc123" {
		t.Fatalf("got %q", got)
	}
}

func TestValidate(t *testing.T) {
	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1"}

	t.Run("accepts well-formed messages", func(t *testing.T) {
		msgs := []*SignalMessage{
			NewReady("a", "b"),
			NewOffer("a", "b", sdp),
			NewAnswer("b", "a", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}),
			NewCandidate("a", "b", cand),
		}
		for _, m := range msgs {
			if err := m.Validate(); err != nil {
				t.Errorf("%s: %v", m.Type, err)
			}
		}
	})

	t.Run("rejects missing payloads", func(t *testing.T) {
		bad := []*SignalMessage{
			{Type: TypeOffer, From: "a", To: "b"},
			{Type: TypeAnswer, From: "a", To: "b"},
			{Type: TypeCandidate, From: "a", To: "b"},
		}
		for _, m := range bad {
			if err := m.Validate(); err == nil {
				t.Errorf("%s without payload passed validation", m.Type)
			}
		}
	})

	t.Run("rejects missing addressing", func(t *testing.T) {
		m := NewReady("", "b")
		if err := m.Validate(); err == nil {
			t.Error("missing from passed validation")
		}
		m = NewReady("a", "")
		if err := m.Validate(); err == nil {
			t.Error("missing to passed validation")
		}
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		m := &SignalMessage{Type: "hangup", From: "a", To: "b"}
		if err := m.Validate(); err == nil {
			t.Error("unknown type passed validation")
		}
	})
}

func TestEncodeDecode(t *testing.T) {
	in := NewOffer("alice", "bob", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 test"})
	data, err := in.Encode()
	if err != nil {
		t.Fatal(err)
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != TypeOffer || out.From != "alice" || out.To != "bob" {
		t.Fatalf("roundtrip mangled header: %+v", out)
	}
	if out.SDP == nil || out.SDP.SDP != "v=0 test" {
		t.Fatalf("roundtrip mangled sdp: %+v", out.SDP)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("garbage decoded without error")
	}
	// Valid JSON, invalid message.
	if _, err := Decode([]byte(`{"type":"offer","from":"a","to":"b"}`)); err == nil {
		t.Error("offer without sdp decoded without error")
	}
}
