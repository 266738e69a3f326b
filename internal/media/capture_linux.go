//go:build linux

package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// opusCapture wraps a mediadevices opus EncodedReadCloser as a Capture.
type opusCapture struct {
	track mediadevices.Track
	r     mediadevices.EncodedReadCloser
}

func (c *opusCapture) ReadFrame() ([]byte, func(), error) {
	buf, rel, err := c.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, rel, nil
}

func (c *opusCapture) Close() error {
	err := c.r.Close()
	if terr := c.track.Close(); err == nil {
		err = terr
	}
	return err
}

// acquire captures the local microphone via pion/mediadevices (malgo) and
// returns an opus frame source.
func acquire(channelID string, opt Options) (Capture, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("%w: opus params: %v", ErrNoAudioInput, err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(opt.SampleRate)
			c.ChannelCount = prop.Int(opt.ChannelCount)
		},
		Codec: codecSelector,
	})
	if err != nil {
		// Permission denial and missing hardware both land here; callers do
		// not need to tell them apart.
		return nil, fmt.Errorf("%w: %v", ErrNoAudioInput, err)
	}

	for _, track := range stream.GetTracks() {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			track.Close()
			continue
		}
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL [%s]: local audio track ended: %v", channelID, err)
			}
		})
		r, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
		if err != nil {
			track.Close()
			return nil, fmt.Errorf("%w: opus reader: %v", ErrNoAudioInput, err)
		}
		log.Printf("CALL [%s]: microphone captured (%d Hz, %d ch)", channelID, opt.SampleRate, opt.ChannelCount)
		return &opusCapture{track: track, r: r}, nil
	}

	return nil, fmt.Errorf("%w: stream has no audio track", ErrNoAudioInput)
}
