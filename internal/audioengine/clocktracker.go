package audioengine

import "math"

// desyncThresholdSec is the PLL error magnitude beyond which the tracker
// declares desync and slews instead of filtering.
const desyncThresholdSec = 0.2

// pllBandwidthHz is the fixed loop bandwidth used to derive the second-order
// PLL filter coefficients from the current period.
const pllBandwidthHz = 0.05

// ClockUpdate reports the result of one ClockTracker.Update call: the
// tracker's new estimate, plus whether this update was a desync slew and,
// if so, by how many frames the caller must adjust its ring.
type ClockUpdate struct {
	Desync       bool
	SlewFrames   int64
	PeriodFrames int64
	PeriodSec    float64
	NextTime     int64
	NextPosition int64
}

// Snapshot is a coherent, self-consistent read of a ClockTracker's last two
// published points, suitable for linear interpolation of its position at
// an arbitrary wall time between them.
type Snapshot struct {
	LastTime     int64
	LastPosition int64
	NextTime     int64
	NextPosition int64
	PeriodSec    float64
}

// PositionAt linearly interpolates the tracked side's cumulative frame
// position at wall time t, extrapolating past NextTime if needed.
func (s Snapshot) PositionAt(t int64) float64 {
	span := s.NextTime - s.LastTime
	if span <= 0 {
		return float64(s.NextPosition)
	}
	frac := float64(t-s.LastTime) / float64(span)
	return float64(s.LastPosition) + float64(s.NextPosition-s.LastPosition)*frac
}

// ClockTracker is a second-order phase-locked loop estimating the period
// and phase of one side of the pipeline (either the audio device's pull
// cadence or the protocol client's push cadence). Each side of the
// pipeline owns an independent instance; ClockTracker itself does no
// locking and must only be touched from the thread that owns it.
type ClockTracker struct {
	sampleRate int

	initialized bool

	periodFrames int64
	periodSec    float64
	b, c         float64

	lastTime     int64
	lastPosition int64
	nextTime     int64
	nextPosition int64
}

// NewClockTracker creates a tracker for a stream running at sampleRate.
func NewClockTracker(sampleRate int) *ClockTracker {
	return &ClockTracker{sampleRate: sampleRate}
}

// Reset clears the tracker back to its pre-initialization state, forcing
// the next Update to re-initialize from scratch. Used on stream restart.
func (t *ClockTracker) Reset() {
	*t = ClockTracker{sampleRate: t.sampleRate}
}

// Update advances the tracker given that frames frames moved at wall time
// now (UnixNano). frames is the device/producer period size observed this
// call, which may differ from the tracker's current estimate on a period
// change.
func (t *ClockTracker) Update(now int64, frames int64) ClockUpdate {
	if !t.initialized {
		t.periodFrames = frames
		t.periodSec = float64(frames) / float64(t.sampleRate)
		t.lastTime = now
		t.lastPosition = 0
		t.nextTime = now + int64(t.periodSec*1e9)
		t.nextPosition = frames
		t.computeCoeffs()
		t.initialized = true
		return t.result(false, 0)
	}

	if frames != t.periodFrames {
		// Double-buffered devices request the next period's size before
		// finishing the current buffer, so the wall-clock interval just
		// elapsed still reflects the OLD period, not the new one.
		t.lastTime = t.nextTime
		t.lastPosition = t.nextPosition
		t.nextTime += int64(t.periodSec * 1e9)
		t.periodFrames = frames
		t.periodSec = float64(frames) / float64(t.sampleRate)
		t.computeCoeffs()
		t.nextPosition += frames
		return t.result(false, 0)
	}

	errSec := float64(now-t.nextTime) * 1e-9
	if math.Abs(errSec) >= desyncThresholdSec {
		slewFrames := int64(math.Round(errSec * float64(t.sampleRate)))
		t.lastTime = t.nextTime
		t.lastPosition = t.nextPosition
		t.periodSec = float64(frames) / float64(t.sampleRate)
		t.nextTime = now + int64(t.periodSec*1e9)
		t.nextPosition += slewFrames + frames
		t.computeCoeffs()
		return t.result(true, slewFrames)
	}

	t.lastTime = t.nextTime
	t.lastPosition = t.nextPosition
	t.nextTime += int64((t.b*errSec + t.periodSec) * 1e9)
	t.periodSec += t.c * errSec
	t.nextPosition += frames
	return t.result(false, 0)
}

func (t *ClockTracker) result(desync bool, slew int64) ClockUpdate {
	return ClockUpdate{
		Desync:       desync,
		SlewFrames:   slew,
		PeriodFrames: t.periodFrames,
		PeriodSec:    t.periodSec,
		NextTime:     t.nextTime,
		NextPosition: t.nextPosition,
	}
}

func (t *ClockTracker) computeCoeffs() {
	omega := 2 * math.Pi * pllBandwidthHz * t.periodSec
	t.b = math.Sqrt2 * omega
	t.c = omega * omega
}

// Snapshot returns a coherent read of the tracker's last two published
// points, for use by LatencyController's device-position interpolation.
func (t *ClockTracker) Snapshot() Snapshot {
	return Snapshot{
		LastTime:     t.lastTime,
		LastPosition: t.lastPosition,
		NextTime:     t.nextTime,
		NextPosition: t.nextPosition,
		PeriodSec:    t.periodSec,
	}
}

// B and C expose the tracker's current PLL filter coefficients, reused by
// LatencyController to filter the offset error with the same bandwidth.
func (t *ClockTracker) B() float64 { return t.b }
func (t *ClockTracker) C() float64 { return t.c }

// PeriodFrames returns the tracker's current period estimate in frames.
func (t *ClockTracker) PeriodFrames() int64 { return t.periodFrames }

// NextPosition returns the tracker's predicted cumulative position at
// NextTime.
func (t *ClockTracker) NextPosition() int64 { return t.nextPosition }
