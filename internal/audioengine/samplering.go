package audioengine

import "sync"

// SampleRing is an auto-growing ring of interleaved F32 audio frames whose
// count is signed: a negative count represents frames "owed" — silence that
// has already been handed to the consumer before the producer supplied it.
//
// This single algebra covers two situations that would otherwise need
// separate code paths: pre-arming a consumer with silence while the
// producer is still starting up, and slewing the ring forward/backward to
// correct clock drift.
//
// SampleRing is safe for single-producer/single-consumer use: Append is
// called only from the producer side, Consume only from the consumer side.
// Both sides may call GetCount concurrently.
type SampleRing struct {
	channels int

	mu    sync.Mutex
	buf   []float32 // interleaved frames, channels*frame per entry
	start int       // index (in frames) of the oldest valid frame within buf
	valid int       // number of frames currently holding real data in buf

	// count is the signed frame count described above. count falls below
	// valid by every owed frame Consume has zero-filled, and may be
	// negative.
	count int64
}

// NewSampleRing creates a ring sized to capacitySeconds of audio at the
// given sample rate and channel count. Capacity auto-grows past this if
// needed; the initial size is just a reasonable pre-allocation.
func NewSampleRing(channels, sampleRate int, capacitySeconds float64) *SampleRing {
	if channels < 1 {
		channels = 1
	}
	frames := int(float64(sampleRate) * capacitySeconds)
	if frames < 1 {
		frames = 1
	}
	return &SampleRing{
		channels: channels,
		buf:      make([]float32, frames*channels),
	}
}

// Channels returns the configured channel count.
func (r *SampleRing) Channels() int { return r.channels }

// GetCount returns the current signed frame count, including owed frames
// as negative.
func (r *SampleRing) GetCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Append adds n frames to the ring. If frames is nil, n frames of silence
// are appended instead. Capacity grows automatically.
func (r *SampleRing) Append(frames []float32, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureCapacityLocked(r.valid + n)

	writeAt := (r.start + r.valid) % r.capFramesLocked()
	if frames == nil {
		r.writeSilenceLocked(writeAt, n)
	} else {
		r.writeFramesLocked(writeAt, frames, n)
	}

	r.valid += n
	r.count += int64(n)
}

// Consume copies n frames into dst (or discards them if dst is nil) and
// decrements count by n. If fewer than n frames are available, the deficit
// is zero-filled into dst and the count goes negative (or more negative),
// recording an IOU of owed silence that a future Append will pay down.
func (r *SampleRing) Consume(dst []float32, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	avail := r.valid
	if avail < 0 {
		avail = 0
	}
	have := n
	if have > avail {
		have = avail
	}
	owed := n - have

	if have > 0 {
		if dst != nil {
			r.readFramesLocked(r.start, dst, have)
		}
		r.start = (r.start + have) % r.capFramesLocked()
		r.valid -= have
	}
	if owed > 0 && dst != nil {
		zeroFrames(dst[have*r.channels:n*r.channels])
	}

	r.count -= int64(n)
}

func (r *SampleRing) capFramesLocked() int {
	return len(r.buf) / r.channels
}

// ensureCapacityLocked grows buf so it can hold at least need valid frames,
// starting from the current start index, preserving existing data order.
func (r *SampleRing) ensureCapacityLocked(need int) {
	capFrames := r.capFramesLocked()
	if need <= capFrames {
		return
	}
	newCapFrames := capFrames * 2
	if newCapFrames < need {
		newCapFrames = need
	}
	newBuf := make([]float32, newCapFrames*r.channels)
	// Linearize existing valid frames starting at 0.
	r.readFramesLocked(r.start, newBuf, r.valid)
	r.buf = newBuf
	r.start = 0
}

func (r *SampleRing) writeSilenceLocked(writeAt, n int) {
	capFrames := r.capFramesLocked()
	remaining := n
	at := writeAt
	for remaining > 0 {
		chunk := capFrames - at
		if chunk > remaining {
			chunk = remaining
		}
		zeroFrames(r.buf[at*r.channels : (at+chunk)*r.channels])
		at = (at + chunk) % capFrames
		remaining -= chunk
	}
}

func (r *SampleRing) writeFramesLocked(writeAt int, frames []float32, n int) {
	capFrames := r.capFramesLocked()
	remaining := n
	at := writeAt
	src := 0
	for remaining > 0 {
		chunk := capFrames - at
		if chunk > remaining {
			chunk = remaining
		}
		copy(r.buf[at*r.channels:(at+chunk)*r.channels], frames[src*r.channels:(src+chunk)*r.channels])
		at = (at + chunk) % capFrames
		src += chunk
		remaining -= chunk
	}
}

func (r *SampleRing) readFramesLocked(readAt int, dst []float32, n int) {
	if n <= 0 {
		return
	}
	capFrames := r.capFramesLocked()
	remaining := n
	at := readAt
	dstIdx := 0
	for remaining > 0 {
		chunk := capFrames - at
		if chunk > remaining {
			chunk = remaining
		}
		copy(dst[dstIdx*r.channels:(dstIdx+chunk)*r.channels], r.buf[at*r.channels:(at+chunk)*r.channels])
		at = (at + chunk) % capFrames
		dstIdx += chunk
		remaining -= chunk
	}
}

func zeroFrames(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
