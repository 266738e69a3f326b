package call

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	webrtcmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/petervdpas/voxlink/internal/media"
)

// rtcPeer is the slice of peer-connection behavior the session state machine
// needs. The pion-backed implementation below is the real one; tests drive
// the machine with a fake.
type rtcPeer interface {
	// CreateOffer builds the offer and installs it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer builds the answer and installs it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
}

// peerFactory creates the connection handle for one attempt. Handles are
// never shared between attempts. The controller's factory tags every event
// the handle emits with the owning session.
type peerFactory func(s *session) (rtcPeer, error)

// peerDeps are the controller-owned knobs and sinks a pionPeer feeds.
// Mute and deafen are plain gates on the frame paths; toggling them never
// touches negotiation.
type peerDeps struct {
	muted       *atomic.Bool
	deafened    *atomic.Bool
	localMeter  *meter
	remoteMeter *meter
	stats       *linkStats
	onRemote    func(*rtp.Packet)
}

// pionPeer owns the webrtc.PeerConnection, the local capture and the two
// media goroutines (outbound pump, remote reader) for a single call attempt.
type pionPeer struct {
	channelID string
	pc        *webrtc.PeerConnection
	capture   media.Capture // nil in recv-only mode
	outTrack  *webrtc.TrackLocalStaticSample
	deps      peerDeps

	closeOnce sync.Once
	closed    chan struct{}
}

// newPionPeer acquires local media and creates a fresh peer connection.
// When acquisition fails and recv-only is not allowed, no connection object
// is created and the acquisition error is returned as-is.
func newPionPeer(channelID string, opt media.Options, allowRecvOnly bool, deps peerDeps, emit func(event)) (*pionPeer, error) {
	capture, err := media.Acquire(channelID, opt)
	if err != nil {
		if !allowRecvOnly {
			return nil, err
		}
		log.Printf("CALL [%s]: %v, proceeding receive-only", channelID, err)
		capture = nil
	}

	pc, err := media.NewPeerConnection(opt)
	if err != nil {
		if capture != nil {
			_ = capture.Close()
		}
		return nil, err
	}

	p := &pionPeer{
		channelID: channelID,
		pc:        pc,
		capture:   capture,
		deps:      deps,
		closed:    make(chan struct{}),
	}

	if capture != nil {
		outTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  uint16(opt.ChannelCount),
		}, "audio", "voxlink")
		if err != nil {
			p.Close()
			return nil, err
		}
		sender, err := pc.AddTrack(outTrack)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.outTrack = outTrack
		go p.pumpOutbound()
		go p.drainRTCP(sender)
	} else {
		if err := media.AddRecvOnlyAudio(pc); err != nil {
			p.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		init := c.ToJSON()
		emit(event{kind: evLocalCandidate, cand: &init})
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		emit(event{kind: evConnState, connState: st})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("CALL [%s]: remote audio track %s", p.channelID, track.ID())
		go p.readRemote(track, receiver)
	})

	return p, nil
}

// pumpOutbound moves encoded opus frames from the capture onto the outbound
// track. Mute simply stops writing frames; the track, sender and negotiated
// session are untouched.
func (p *pionPeer) pumpOutbound() {
	for {
		select {
		case <-p.closed:
			return
		default:
		}

		data, release, err := p.capture.ReadFrame()
		if err != nil {
			return // capture closed
		}

		if p.deps.muted.Load() {
			p.deps.localMeter.Update(0)
		} else {
			p.deps.localMeter.Update(frameActivity(len(data)))
			if err := p.outTrack.WriteSample(webrtcmedia.Sample{
				Data:     data,
				Duration: 20 * time.Millisecond,
			}); err != nil {
				log.Printf("CALL [%s]: write sample: %v", p.channelID, err)
			}
		}
		if release != nil {
			release()
		}
	}
}

// readRemote drains the remote audio track, feeding the meter and the
// playback sink. Deafen gates the sink only; the track keeps being read so
// stats and metering stay live and RTCP keeps flowing.
func (p *pionPeer) readRemote(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	var levelExtID uint8
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			levelExtID = uint8(ext.ID)
		}
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return // track or connection closed
		}

		level := frameActivity(len(pkt.Payload))
		if levelExtID != 0 {
			if raw := pkt.GetExtension(levelExtID); len(raw) > 0 {
				level = levelFromDBov(raw[0])
			}
		}
		p.deps.remoteMeter.Update(level)

		if !p.deps.deafened.Load() && p.deps.onRemote != nil {
			p.deps.onRemote(pkt)
		}
	}
}

// drainRTCP reads RTCP from the sender (required to keep interceptors fed)
// and records loss and jitter from receiver reports.
func (p *pionPeer) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, rep := range rr.Reports {
				p.deps.stats.update(rep.FractionLost, rep.Jitter)
			}
		}
	}
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// Close releases the capture and the connection. Idempotent.
func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.capture != nil {
			_ = p.capture.Close()
		}
		err = p.pc.Close()
	})
	return err
}

// linkStats accumulates receiver-report quality numbers for the snapshot.
type linkStats struct {
	mu           sync.Mutex
	lossFraction float64
	jitterMs     float64
}

func (s *linkStats) update(fractionLost uint8, jitter uint32) {
	s.mu.Lock()
	s.lossFraction = float64(fractionLost) / 256
	// Jitter is reported in clock-rate units; opus runs at 48 kHz.
	s.jitterMs = float64(jitter) / 48
	s.mu.Unlock()
}

func (s *linkStats) snapshot() (loss, jitterMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lossFraction, s.jitterMs
}

func (s *linkStats) reset() {
	s.mu.Lock()
	s.lossFraction, s.jitterMs = 0, 0
	s.mu.Unlock()
}
