package audioengine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Test_PlaybackEngine_SamplePreservationWithRatioForcedToOne pins spec.md
// §8 invariant 1 ("sample preservation"): with the resampling ratio forced
// to 1.0 and no desync slewing, the total F32 frames appended to SampleRing
// must equal the total S16 frames delivered via Data, within the
// resampler's startup/edge lookahead (<64 frames). No Pull calls happen
// here, so SampleRing.GetCount is exactly the running append total.
func Test_PlaybackEngine_SamplePreservationWithRatioForcedToOne(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{maxPeriodFrames: 256}
	e := NewPlaybackEngine(Config{Device: dev, Now: clock.Now})

	const channels = 2
	const sampleRate = 48000
	const periodFrames = 256
	periodNanos := int64(periodFrames) * 1e9 / sampleRate

	one := 1.0
	e.forceRatio = &one

	e.Start(channels, sampleRate, FormatS16LE, 0)
	frames := makeS16Frames(channels, periodFrames, 1000)

	const pushes = 200
	for i := 0; i < pushes; i++ {
		clock.nanos += periodNanos
		e.Data(frames)
	}

	delivered := int64(pushes * periodFrames)
	appended := e.ring.GetCount()
	assert.InDelta(t, delivered, appended, 64, "appended frame count diverged from delivered beyond the resampler's edge effect")
}

// Test_PlaybackEngine_SteadyStateConvergesWithinFiveSeconds drives a
// matched producer/consumer pair at a 480-frame/48kHz period for 5 seconds
// and checks the spec.md §8 steady-state convergence property: actual
// offset settles within ±5% of the target latency, and the resampling
// ratio settles within [0.999, 1.001].
func Test_PlaybackEngine_SteadyStateConvergesWithinFiveSeconds(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{maxPeriodFrames: 480}
	e := NewPlaybackEngine(Config{Device: dev, Now: clock.Now, BufferLatencyMs: 12})

	const channels = 2
	const sampleRate = 48000
	const periodFrames = 480
	periodNanos := int64(float64(periodFrames) / sampleRate * 1e9)

	e.Start(channels, sampleRate, FormatS16LE, 0)
	frames := makeS16Frames(channels, periodFrames, 1000)
	dst := make([]float32, periodFrames*channels)

	const fiveSeconds = int64(5 * time.Second)
	for clock.nanos < fiveSeconds {
		clock.nanos += periodNanos
		e.Data(frames)
		e.Pull(dst, periodFrames)
	}
	assert.Equal(t, StateRun, e.State())

	target := TargetLatencyFrames(e.spice.deviceMaxPeriodFrames, e.spice.devPeriodFrames, e.cfg.BufferLatencyMs, e.sampleRate)
	assert.InDelta(t, target, e.spice.lastActualOffset, target*0.05, "actual offset did not converge within ±5%% of target latency")
	assert.InDelta(t, 1.0, e.spice.lastRatio, 0.001, "ratio did not converge within [0.999, 1.001]")
}

// Test_PlaybackEngine_PeriodShrinkThenRegrowNoRepeatedUnderrun exercises
// spec.md §8's "period shrink then regrow" scenario: the device's pull
// period drops from 1024 to 256 frames at t=2s and returns to 1024 at t=4s,
// while the producer keeps pushing fixed-size packets throughout. A single
// underrun right at each transition is expected (the ring was sized for the
// old granularity); it must self-heal rather than recur every pull.
func Test_PlaybackEngine_PeriodShrinkThenRegrowNoRepeatedUnderrun(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{maxPeriodFrames: 1024}
	e := NewPlaybackEngine(Config{Device: dev, Now: clock.Now})

	const channels = 1
	const sampleRate = 48000
	const producerPeriodFrames = 480
	producerPeriodNanos := int64(float64(producerPeriodFrames) / sampleRate * 1e9)

	e.Start(channels, sampleRate, FormatS16LE, 0)
	producerFrames := makeS16Frames(channels, producerPeriodFrames, 1000)
	dst := make([]float32, 1024*channels)

	devicePeriodAt := func(simNanos int64) int {
		switch {
		case simNanos < int64(2*time.Second):
			return 1024
		case simNanos < int64(4*time.Second):
			return 256
		default:
			return 1024
		}
	}

	var nextProducerAt, nextConsumerAt int64
	const totalDuration = int64(6 * time.Second)

	reachedRun := false
	underrunsAfterRun := 0
	for clock.nanos < totalDuration {
		if nextProducerAt <= nextConsumerAt {
			clock.nanos = nextProducerAt
			e.Data(producerFrames)
			nextProducerAt += producerPeriodNanos
			continue
		}

		clock.nanos = nextConsumerAt
		frames := devicePeriodAt(clock.nanos)
		before := e.ring.GetCount()
		e.Pull(dst[:frames*channels], frames)
		if reachedRun && before < int64(frames) {
			underrunsAfterRun++
		}
		if e.State() == StateRun {
			reachedRun = true
		}
		devicePeriodNanos := int64(float64(frames) / sampleRate * 1e9)
		nextConsumerAt += devicePeriodNanos
	}

	assert.True(t, reachedRun, "stream never reached RUN")
	// two transitions (shrink at 2s, regrow at 4s): at most one underrun
	// hit each, not a sustained run of them.
	assert.LessOrEqual(t, underrunsAfterRun, 2, "period change caused more than one underrun per transition")
}

// Test_PlaybackEngine_ProducerStallSlewsAndResetsController exercises
// spec.md §8's "producer stall" scenario: no Data call for 500ms while the
// consumer keeps pulling, then resume. The producer-side ClockTracker must
// detect the gap as a desync on the first post-stall push (its own
// nextTime is now ~500ms stale, past the 0.2s threshold), slew its
// position forward, and reset the latency controller's integrators rather
// than feeding the 500ms gap into them as ordinary error. The stream must
// keep running and recover to full-frame pulls afterward.
func Test_PlaybackEngine_ProducerStallSlewsAndResetsController(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{maxPeriodFrames: 256}
	e := NewPlaybackEngine(Config{Device: dev, Now: clock.Now})

	const channels = 1
	const sampleRate = 48000
	const periodFrames = 256
	periodNanos := int64(periodFrames) * 1e9 / sampleRate

	e.Start(channels, sampleRate, FormatS16LE, 0)
	frames := makeS16Frames(channels, periodFrames, 1000)
	dst := make([]float32, periodFrames*channels)

	const threeSeconds = int64(3 * time.Second)
	for clock.nanos < threeSeconds {
		clock.nanos += periodNanos
		e.Data(frames)
		e.Pull(dst, periodFrames)
	}
	assert.Equal(t, StateRun, e.State())

	// poison the integrators to a value clearly distinguishable from
	// "reset to zero", so the post-stall reset is actually observable.
	e.spice.controller.offsetErrorIntegral = 123
	e.spice.controller.offsetError = 456

	const stallNanos = int64(500 * time.Millisecond)
	stallEnd := clock.nanos + stallNanos
	for clock.nanos < stallEnd {
		clock.nanos += periodNanos
		e.Pull(dst, periodFrames)
	}

	clock.nanos += periodNanos
	e.Data(frames)

	// if the stall had instead been folded into the integrators as
	// ordinary error, offsetErrorIntegral would still carry ~123 forward
	// (its own update term is vanishingly small); a reset clears it back
	// near zero.
	assert.Less(t, math.Abs(e.spice.controller.offsetErrorIntegral), 1.0, "controller integrator was not reset across the stall")
	assert.Less(t, math.Abs(e.spice.controller.offsetError), 100.0, "controller offset error was not reset across the stall")

	for i := 0; i < 50; i++ {
		clock.nanos += periodNanos
		e.Data(frames)
		n := e.Pull(dst, periodFrames)
		assert.Equal(t, periodFrames, n)
	}
	assert.Equal(t, StateRun, e.State())
}

// Test_PlaybackEngine_FormatChangeTearsDownAndRebuildsResampler exercises
// spec.md §8's "format change" scenario: a stream running at one sample
// rate is restarted with a different sample rate. The state machine must
// treat this as RUN -> SETUP_PRODUCER (full teardown, not the KEEP_ALIVE
// no-op path), and the resampler instance must be recreated rather than
// reused, since its internal state is tied to the old rate.
func Test_PlaybackEngine_FormatChangeTearsDownAndRebuildsResampler(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{maxPeriodFrames: 256}
	e := NewPlaybackEngine(Config{Device: dev, Now: clock.Now})

	const channels = 2
	const periodFrames = 256

	e.Start(channels, 48000, FormatS16LE, 0)
	frames := makeS16Frames(channels, periodFrames, 1000)
	dst := make([]float32, periodFrames*channels)
	periodNanos := int64(periodFrames) * 1e9 / 48000
	for i := 0; i < 50 && e.State() != StateRun; i++ {
		clock.nanos += periodNanos
		e.Data(frames)
		e.Pull(dst, periodFrames)
	}
	assert.Equal(t, StateRun, e.State())
	firstResampler := e.spice.resampler

	e.Start(channels, 44100, FormatS16LE, 0)
	assert.Equal(t, StateSetupProducer, e.State())
	assert.NotSame(t, firstResampler, e.spice.resampler, "resampler must be recreated on a format change")
	assert.Equal(t, 44100, e.sampleRate)

	newPeriodNanos := int64(periodFrames) * 1e9 / 44100
	reachedRun := false
	for i := 0; i < 50 && !reachedRun; i++ {
		clock.nanos += newPeriodNanos
		e.Data(frames)
		n := e.Pull(dst, periodFrames)
		assert.Equal(t, periodFrames, n)
		if e.State() == StateRun {
			reachedRun = true
		}
	}
	assert.True(t, reachedRun, "stream never reached RUN again at the new format")
}

// Test_PlaybackEngine_RestartWithinKeepAliveResetsResamplerExactlyOnceNoRealloc
// exercises spec.md §8's "restart within KEEP_ALIVE" scenario: Stop at
// t=1s, Start with the identical format at t=5s. The ring, timing ring,
// and resampler must all be the same instances across the gap (no
// reallocation), and the resampler must have been reset exactly once
// across the whole stop/restart (at Stop time; the resync on resume does
// not reset it again).
func Test_PlaybackEngine_RestartWithinKeepAliveResetsResamplerExactlyOnceNoRealloc(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{maxPeriodFrames: 256}
	e := NewPlaybackEngine(Config{Device: dev, Now: clock.Now})

	const channels = 2
	const sampleRate = 48000
	const periodFrames = 256
	periodNanos := int64(periodFrames) * 1e9 / sampleRate

	e.Start(channels, sampleRate, FormatS16LE, 0)
	frames := makeS16Frames(channels, periodFrames, 1000)
	dst := make([]float32, periodFrames*channels)
	for i := 0; i < 50 && e.State() != StateRun; i++ {
		clock.nanos += periodNanos
		e.Data(frames)
		e.Pull(dst, periodFrames)
	}
	assert.Equal(t, StateRun, e.State())

	e.Stop()
	assert.Equal(t, StateKeepAlive, e.State())
	assert.Equal(t, 1, e.spice.resampler.ResetCount())

	ring, timing, resampler := e.ring, e.timing, e.spice.resampler

	clock.nanos += int64(4 * time.Second)
	e.Start(channels, sampleRate, FormatS16LE, 0)
	assert.Equal(t, StateKeepAlive, e.State(), "same-format restart within KEEP_ALIVE must not reallocate")

	assert.Same(t, ring, e.ring)
	assert.Same(t, timing, e.timing)
	assert.Same(t, resampler, e.spice.resampler)
	assert.Equal(t, 1, e.spice.resampler.ResetCount(), "resampler must be reset exactly once across the whole stop/restart")

	e.Data(frames)
	assert.Equal(t, StateRun, e.State())
	assert.Equal(t, 1, e.spice.resampler.ResetCount(), "resuming from KEEP_ALIVE must not trigger a second resampler reset")
}
