package audioengine

// Latency controller PI constants. Tuned for a multi-second settling time
// so the resampling ratio never audibly jumps; kept as named constants
// rather than config so a bad value can't be set from outside.
const (
	latencyKp = 0.5e-6
	latencyKi = 1.0e-16
)

// LatencyController is a PI controller that converts the measured offset
// between the producer and device clocks into a resampling ratio. It
// reuses the producer-side ClockTracker's PLL coefficients (b, c) to filter
// the raw offset error before feeding the integral term, so the correction
// loop shares the same bandwidth as the phase estimate it's built on.
type LatencyController struct {
	offsetError         float64
	offsetErrorIntegral float64
	ratioIntegral       float64
}

// NewLatencyController returns a controller with zeroed state.
func NewLatencyController() *LatencyController {
	return &LatencyController{}
}

// Reset clears all integrator and filter state, used on desync slews and
// stream restarts so stale error doesn't leak across a discontinuity.
func (c *LatencyController) Reset() {
	c.offsetError = 0
	c.offsetErrorIntegral = 0
	c.ratioIntegral = 0
}

// TargetLatencyFrames computes the desired steady-state producer-ahead-of-
// device offset, in frames, given the configured jitter budget and the
// device's period sizes.
//
// maxPeriodFrames is max(deviceMaxPeriodFrames, observedDevPeriodFrames).
// When the device has most recently reported a period smaller than its
// historical max, the difference is added back in: during a downshift
// extra data piles up in the ring, and unless the target absorbs it the
// controller would speed up playback only to underrun catastrophically
// once the period returns to its larger size.
func TargetLatencyFrames(deviceMaxPeriodFrames, observedDevPeriodFrames int64, bufferLatencyMs int, sampleRate int) float64 {
	maxPeriodFrames := deviceMaxPeriodFrames
	if observedDevPeriodFrames > maxPeriodFrames {
		maxPeriodFrames = observedDevPeriodFrames
	}
	target := 1.1*float64(maxPeriodFrames) + float64(bufferLatencyMs)*float64(sampleRate)/1000.0
	if observedDevPeriodFrames < deviceMaxPeriodFrames {
		target += float64(deviceMaxPeriodFrames - observedDevPeriodFrames)
	}
	return target
}

// Update runs one PI step given the current actual offset (producer
// position minus interpolated device position, in frames), the target
// latency, and the producer PLL's current b/c coefficients. It returns the
// resampling ratio to use for the push being processed.
func (c *LatencyController) Update(actualOffset, targetLatencyFrames, periodSec, b, cCoef float64) float64 {
	actualOffsetError := -(actualOffset - targetLatencyFrames)
	errv := actualOffsetError - c.offsetError
	c.offsetError += b*errv + c.offsetErrorIntegral
	c.offsetErrorIntegral += cCoef * errv
	c.ratioIntegral += c.offsetError * periodSec
	return 1.0 + latencyKp*c.offsetError + latencyKi*c.ratioIntegral
}
