//go:build !linux

package media

import "fmt"

// Microphone capture via pion/mediadevices requires platform-specific drivers
// (malgo on Linux). On other platforms acquisition fails; with allow_recv_only
// set the call layer still negotiates a receive-only session.
func acquire(channelID string, _ Options) (Capture, error) {
	return nil, fmt.Errorf("%w: capture not supported on this platform", ErrNoAudioInput)
}
