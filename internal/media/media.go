// Package media owns local audio acquisition and WebRTC API construction.
// Capture produces opus-encoded frames the call layer pumps onto its outbound
// track; keeping the frame path in our hands is what makes mute a local gate
// instead of a renegotiation.
package media

import (
	"errors"
	"fmt"
)

// ErrNoAudioInput is returned when the microphone cannot be acquired, for any
// reason. Permission and device failures are deliberately not distinguished:
// the caller surfaces both as a single "cannot start call" condition.
var ErrNoAudioInput = errors.New("no usable audio input")

// Options configures capture and peer connection construction.
type Options struct {
	SampleRate   int
	ChannelCount int
	STUNServers  []string
}

// Capture is an acquired local audio source producing encoded opus frames.
// ReadFrame blocks until the next frame is ready. Close releases the
// underlying device and must be called when the call ends.
type Capture interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// Acquire opens the local microphone with the configured constraints.
// The platform-specific implementation lives in capture_linux.go; other
// platforms fail with ErrNoAudioInput.
func Acquire(channelID string, opt Options) (Capture, error) {
	if opt.SampleRate <= 0 || opt.ChannelCount <= 0 {
		return nil, fmt.Errorf("%w: invalid audio constraints", ErrNoAudioInput)
	}
	return acquire(channelID, opt)
}
