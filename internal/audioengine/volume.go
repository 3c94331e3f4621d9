package audioengine

import "math"

// VolumeCurve converts a per-channel u16 volume value (as delivered by the
// protocol client) into a linear gain multiplier.
//
// The coefficients are a compatibility constant inherited from the guest
// protocol's reference implementation; their derivation is not documented
// upstream and is not re-derived here. The curve dips slightly negative at
// v=0, which is clamped to silence.
func VolumeCurve(v uint16) float64 {
	g := 9.3234e-7*math.Pow(1.000211902, float64(v)) - 0.000172787
	if g < 0 {
		return 0
	}
	return g
}

// VolumeVector holds the per-channel u16 volume values cached by
// PlaybackEngine.Volume, applied to F32 samples before they enter the
// SampleRing.
type VolumeVector struct {
	Channels [8]uint16
	Muted    bool
}

// Gain returns the linear gain for channel ch (0-based), or 0 if muted.
func (v VolumeVector) Gain(ch int) float64 {
	if v.Muted {
		return 0
	}
	if ch < 0 || ch >= len(v.Channels) {
		return 1
	}
	return VolumeCurve(v.Channels[ch])
}
