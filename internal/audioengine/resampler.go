package audioengine

import "math"

// resamplerTaps is the width of the windowed-sinc kernel, even so the
// kernel has a symmetric number of taps on either side of the sample being
// interpolated. Uses a Hamming-windowed sinc low-pass evaluated
// continuously per output sample rather than from a fixed table, since the
// ratio here varies call to call instead of being fixed at construction.
const resamplerTaps = 32
const resamplerHalfTaps = resamplerTaps / 2

// Resampler is a sinc-interpolation sample-rate converter operating on
// interleaved F32 frames. It accepts a new ratio (output/input) on every
// call to Process, and carries just enough state across calls (a tap's
// worth of trailing history per channel, plus fractional phase) to produce
// continuous output without discontinuities at call boundaries.
type Resampler struct {
	channels int

	history [][]float64 // per channel, length resamplerTaps
	phase   float64     // position of the next output sample within history++pending input

	work [][]float64 // scratch, reused across calls to avoid per-call allocation

	resetCount int
}

// NewResampler creates a Resampler for the given channel count. Initial
// history is silence, so the first few output frames of a fresh stream
// ramp up from zero rather than glitching — an acceptable startup
// transient.
func NewResampler(channels int) *Resampler {
	r := &Resampler{channels: channels}
	r.history = make([][]float64, channels)
	r.work = make([][]float64, channels)
	for ch := range r.history {
		r.history[ch] = make([]float64, resamplerTaps)
	}
	r.phase = float64(resamplerTaps)
	return r
}

// Reset clears internal filter state (history and phase) without
// destroying the instance, as required when a stream transitions back out
// of KEEP_ALIVE or after a slew.
func (r *Resampler) Reset() {
	for ch := range r.history {
		for i := range r.history[ch] {
			r.history[ch][i] = 0
		}
	}
	r.phase = float64(resamplerTaps)
	r.resetCount++
}

// ResetCount returns how many times Reset has run, for tests that need to
// confirm a lifecycle transition resets the resampler exactly once.
func (r *Resampler) ResetCount() int { return r.resetCount }

// Process converts interleaved F32 frames from in (inFrames frames) at the
// given ratio (output/input, expected close to 1.0), writing up to outCap
// frames into out. It returns inUsed (≤ inFrames, the frame count now
// safely represented in retained history and droppable by the caller) and
// outGen (≤ outCap, the frames actually written). Process never fails for
// sane inputs: a degenerate ratio is clamped rather than rejected.
func (r *Resampler) Process(in []float32, inFrames int, out []float32, outCap int, ratio float64) (inUsed, outGen int) {
	if ratio <= 0 {
		ratio = 1
	}
	cutoff := 1.0
	if ratio < 1.0 {
		cutoff = ratio
	}
	step := 1.0 / ratio

	workLen := resamplerTaps + inFrames
	r.ensureWork(workLen)
	for ch := 0; ch < r.channels; ch++ {
		copy(r.work[ch][:resamplerTaps], r.history[ch])
		for i := 0; i < inFrames; i++ {
			r.work[ch][resamplerTaps+i] = float64(in[i*r.channels+ch])
		}
	}

	o := 0
	for o < outCap {
		pos := r.phase
		base := int(math.Floor(pos))
		if base+resamplerHalfTaps >= workLen {
			break
		}
		frac := pos - float64(base)
		for ch := 0; ch < r.channels; ch++ {
			sum := 0.0
			for k := -resamplerHalfTaps + 1; k <= resamplerHalfTaps; k++ {
				idx := base + k
				x := float64(k) - frac
				sum += r.work[ch][idx] * sincWindow(x, cutoff)
			}
			out[o*r.channels+ch] = float32(sum)
		}
		o++
		r.phase += step
	}
	outGen = o

	// Retire every frame older than the earliest tap the next output
	// sample reads; the rest of the input stays in the retained history.
	inUsed = int(math.Floor(r.phase)) - resamplerHalfTaps
	if inUsed < 0 {
		inUsed = 0
	}
	if inUsed > inFrames {
		inUsed = inFrames
	}

	for ch := 0; ch < r.channels; ch++ {
		copy(r.history[ch], r.work[ch][inUsed:inUsed+resamplerTaps])
	}
	r.phase -= float64(inUsed)

	return inUsed, outGen
}

func (r *Resampler) ensureWork(workLen int) {
	for ch := range r.work {
		if cap(r.work[ch]) < workLen {
			r.work[ch] = make([]float64, workLen)
		} else {
			r.work[ch] = r.work[ch][:workLen]
		}
	}
}

// sincWindow evaluates a Hamming-windowed sinc kernel at offset x (in
// input samples) from the sample being reconstructed, for a low-pass
// cutoff expressed as a fraction of the input Nyquist frequency (1.0 means
// no filtering, used when upsampling; <1.0 anti-aliases when downsampling).
func sincWindow(x, cutoff float64) float64 {
	var core float64
	if x == 0 {
		core = cutoff
	} else {
		px := math.Pi * cutoff * x
		core = cutoff * math.Sin(px) / px
	}
	t := (x + float64(resamplerHalfTaps)) / float64(resamplerTaps-1)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	window := 0.54 - 0.46*math.Cos(2*math.Pi*t)
	return core * window
}
