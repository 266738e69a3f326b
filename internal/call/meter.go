package call

import (
	"math"
	"sync/atomic"

	"github.com/petervdpas/voxlink/internal/util"
)

// meter is a lock-free audio-level scalar in [0,1], smoothed with an EWMA so
// the UI needle moves instead of flickering. Writers are the media pump and
// the remote track reader; the controller's meter tick decays it toward zero
// so silence (or a stalled stream) lets the needle fall.
type meter struct {
	bits atomic.Uint64
}

const (
	meterAlpha = 0.35
	meterDecay = 0.80
)

func (m *meter) Level() float64 {
	return math.Float64frombits(m.bits.Load())
}

func (m *meter) Update(sample float64) {
	sample = util.Clamp01(sample)
	for {
		old := m.bits.Load()
		cur := math.Float64frombits(old)
		next := cur + meterAlpha*(sample-cur)
		if m.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (m *meter) DecayTick() {
	for {
		old := m.bits.Load()
		next := math.Float64frombits(old) * meterDecay
		if next < 0.005 {
			next = 0
		}
		if m.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (m *meter) Reset() {
	m.bits.Store(0)
}

// levelFromDBov maps an ssrc-audio-level header extension value (0..127,
// measured in -dBov) onto [0,1]. 0 is digital full scale, 127 is silence.
func levelFromDBov(dbov uint8) float64 {
	return util.Clamp01(1 - float64(dbov&0x7F)/127)
}

// frameActivity estimates voice activity from an encoded opus frame size.
// Opus in VBR mode emits larger frames for voiced audio, so the byte count is
// a usable coarse meter when no audio-level extension was negotiated.
func frameActivity(frameBytes int) float64 {
	const speechFrameBytes = 120
	return util.Clamp01(float64(frameBytes) / speechFrameBytes)
}
