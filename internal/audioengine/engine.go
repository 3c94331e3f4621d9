// Package audioengine implements the adaptive playback pipeline: it
// receives S16 audio pushed by a protocol client, resamples it at a
// controller-chosen ratio to absorb drift between the client's clock and
// the local audio device's clock, and serves F32 frames to the device on
// pull.
package audioengine

import (
	"encoding/binary"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
)

// SampleFormat identifies the negotiated wire format. The engine always
// converts to F32 internally; this is carried through mainly for logging
// and to detect a format change against a KEEP_ALIVE stream.
type SampleFormat int

const (
	FormatS16LE SampleFormat = iota
)

// keepAliveExpirySeconds is how long a KEEP_ALIVE stream can be pulled
// against with no producer data before it tears itself down.
const keepAliveExpirySeconds = 30

// DeviceOpener is the external audio server collaborator. PlaybackEngine
// opens the device lazily, on the first producer push, and closes it on
// teardown; it never touches the device directly otherwise; the device's
// own realtime thread is the one calling Pull and Latency.
type DeviceOpener interface {
	// Open configures the device for the given format and returns the
	// device's maximum period size in frames, observed or configured.
	Open(channels, sampleRate, periodSizeHint int, sinkID string) (maxPeriodFrames int64, err error)
	// Close tears the device down. Must not be called while the device's
	// realtime thread might still invoke Pull/Latency.
	Close()
	// Latency returns the device's currently reported output latency, in
	// milliseconds. Passed through opaquely.
	Latency() uint64
}

// LatencyCallback reports engine-observed latency roughly once every 8
// producer pushes. All units are milliseconds; total = offset + device.
type LatencyCallback func(totalMs, offsetMs, deviceMs uint64)

// Config holds the engine's immutable-after-init settings.
type Config struct {
	PeriodSizeHint  int
	BufferLatencyMs int
	SinkID          string
	SourceID        string
	Device          DeviceOpener
	LatencyCallback LatencyCallback

	// Now returns the current wall time in UnixNano. Defaults to
	// time.Now().UnixNano; overridable for deterministic tests.
	Now func() int64
}

// spiceData holds the producer-thread-owned state: the clock tracker for
// the producer's own push cadence, the resampler, the latency controller,
// and the cached snapshot of the device's last two published ticks. Named
// after the SPICE-style remote protocol the producer side receives from.
// Touched only by the thread driving Start/Stop/Volume/Mute/Data.
type spiceData struct {
	clock      *ClockTracker
	resampler  *Resampler
	controller *LatencyController

	targetStartFrames     int64
	deviceMaxPeriodFrames int64
	dataCalls             uint64

	// lastRatio and lastActualOffset mirror the most recent processPush
	// computation, for tests that need to observe steady-state convergence
	// without re-deriving it from the clock trackers themselves.
	lastRatio        float64
	lastActualOffset float64

	devLastTime     int64
	devLastPosition int64
	devNextTime     int64
	devNextPosition int64
	devPeriodFrames int64

	inScratch  []float32
	outScratch []float32

	_ [64]byte // pad so deviceData below lands on a different cache line
}

// deviceData holds the consumer-thread-owned state: the clock tracker for
// the device's pull cadence, and the last latency value reported by the
// device. Touched only by the audio server's realtime thread.
type deviceData struct {
	clock     *ClockTracker
	latencyMs uint64

	_ [64]byte
}

// PlaybackEngine orchestrates SampleRing, TimingRing, Resampler,
// ClockTracker, LatencyController, and StreamStateMachine into the five
// producer-side and two consumer-side operations described by the
// pipeline. Start/Stop/Volume/Mute/Data must be serialized by the caller
// (they are never called concurrently with each other); Pull/Latency run
// freely concurrently with those, including while a stop() call is in
// flight.
type PlaybackEngine struct {
	cfg Config
	now func() int64

	state  *StreamStateMachine
	ring   *SampleRing
	timing *TimingRing

	channels   int
	sampleRate int
	format     SampleFormat

	volume VolumeVector

	spice  spiceData
	device deviceData

	// streamID tags the current stream's log lines so overlapping
	// start/stop transitions (a restart racing a slow teardown) are
	// traceable in logs. Regenerated on every StartFresh/StartRestart.
	streamID uuid.UUID

	// forceRatio, when non-nil, overrides the controller-computed
	// resampling ratio on every push. Only ever set directly by this
	// package's own tests, to pin the sample-preservation invariant
	// independent of drift correction.
	forceRatio *float64
}

// NewPlaybackEngine constructs an engine in the STOP state. No resources
// are allocated until the first Start.
func NewPlaybackEngine(cfg Config) *PlaybackEngine {
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixNano() }
	}
	e := &PlaybackEngine{
		cfg:   cfg,
		now:   cfg.Now,
		state: NewStreamStateMachine(),
	}
	e.volume.Channels = [8]uint16{math.MaxUint16, math.MaxUint16, math.MaxUint16, math.MaxUint16, math.MaxUint16, math.MaxUint16, math.MaxUint16, math.MaxUint16}
	return e
}

// State returns the engine's current lifecycle state, mainly for logging
// and tests.
func (e *PlaybackEngine) State() State { return e.state.State() }

// StreamID returns the uuid tagging the current (or most recent) stream,
// for callers that want to correlate their own log lines against the
// engine's. Zero-value before the first Start.
func (e *PlaybackEngine) StreamID() uuid.UUID { return e.streamID }

// Start begins (or restarts) a stream with the given negotiated format.
// No value is returned to the protocol client; failures are logged and
// leave the stream in STOP.
func (e *PlaybackEngine) Start(channels, sampleRate int, format SampleFormat, timestamp int64) {
	sameAsKeepAlive := e.state.State() == StateKeepAlive && e.channels == channels && e.sampleRate == sampleRate && e.format == format
	switch e.state.Start(sameAsKeepAlive) {
	case StartNoop:
		return
	case StartRestart:
		e.teardown()
		fallthrough
	case StartFresh:
		e.streamID = uuid.New()
		log.Printf("audioengine: stream %s starting (channels=%d rate=%d format=%v)", e.streamID, channels, sampleRate, format)
		e.channels = channels
		e.sampleRate = sampleRate
		e.format = format
		e.ring = NewSampleRing(channels, sampleRate, 1.0)
		e.timing = NewTimingRing()
		e.spice = spiceData{
			clock:      NewClockTracker(sampleRate),
			resampler:  NewResampler(channels),
			controller: NewLatencyController(),
			inScratch:  make([]float32, 0, 4096),
			outScratch: make([]float32, 0, 4096),
		}
		e.device = deviceData{
			clock: NewClockTracker(sampleRate),
		}
	}
}

// Stop ends the current stream. From RUN it retains buffers and moves to
// KEEP_ALIVE so a prompt restart with the same format is cheap; from
// SETUP_* it tears down immediately.
func (e *PlaybackEngine) Stop() {
	switch e.state.Stop() {
	case StopFreeNow:
		e.teardown()
	case StopToKeepAlive:
		e.spice.resampler.Reset()
	}
}

func (e *PlaybackEngine) teardown() {
	if e.cfg.Device != nil {
		e.cfg.Device.Close()
	}
	e.ring = nil
	e.timing = nil
	e.spice = spiceData{}
	e.device = deviceData{}
}

// Volume caches the per-channel volume vector. It is always stored,
// whether or not the stream is active, and applied to every subsequent
// Data call (including the first one after a future Start).
func (e *PlaybackEngine) Volume(channels [8]uint16) {
	e.volume.Channels = channels
}

// Mute caches the mute flag, same storage discipline as Volume.
func (e *PlaybackEngine) Mute(muted bool) {
	e.volume.Muted = muted
}

// Data is the producer push entry point: frames is S16LE interleaved PCM.
func (e *PlaybackEngine) Data(frames []byte) {
	action := e.state.ProducerPush()
	switch action {
	case PushIgnore:
		return
	case PushFirst:
		e.onFirstPush(frames)
		return
	case PushResync:
		e.spice.controller.Reset()
		e.spice.clock.Reset()
		e.device.clock.Reset()
	case PushNormal:
	}
	e.processPush(frames)
}

// onFirstPush handles the SETUP_PRODUCER -> SETUP_CONSUMER transition:
// sizing targetStartFrames and opening the device. A device-open failure
// is treated as the fatal case in the error taxonomy: refuse the start and
// fall back to STOP, with no error surfaced to the caller.
func (e *PlaybackEngine) onFirstPush(frames []byte) {
	producerPeriodFrames := int64(len(frames) / (e.channels * 2))

	maxPeriod, err := int64(0), error(nil)
	if e.cfg.Device != nil {
		maxPeriod, err = e.cfg.Device.Open(e.channels, e.sampleRate, e.cfg.PeriodSizeHint, e.cfg.SinkID)
	}
	if err != nil {
		log.Printf("audioengine: stream %s device open failed: %v", e.streamID, err)
		e.teardown()
		e.state.Stop()
		return
	}

	e.spice.deviceMaxPeriodFrames = maxPeriod
	e.spice.targetStartFrames = 2*producerPeriodFrames + maxPeriod

	e.processPush(frames)
}

// processPush converts, tracks, controls, resamples, and appends one
// producer push's worth of audio.
func (e *PlaybackEngine) processPush(frames []byte) {
	n := len(frames) / (e.channels * 2)
	if n == 0 {
		return
	}
	now := e.now()

	e.drainTiming()

	update := e.spice.clock.Update(now, int64(n))
	if update.Desync {
		if update.SlewFrames > 0 {
			e.ring.Append(nil, int(update.SlewFrames))
		}
		e.spice.controller.Reset()
	}

	e.ensureScratch(n)
	decodeS16ToF32(frames, e.channels, e.volume, e.spice.inScratch[:n*e.channels])

	devSnap := Snapshot{
		LastTime:     e.spice.devLastTime,
		LastPosition: e.spice.devLastPosition,
		NextTime:     e.spice.devNextTime,
		NextPosition: e.spice.devNextPosition,
	}
	devPos := devSnap.PositionAt(now)
	actualOffset := float64(update.NextPosition) - devPos

	target := TargetLatencyFrames(e.spice.deviceMaxPeriodFrames, e.spice.devPeriodFrames, e.cfg.BufferLatencyMs, e.sampleRate)
	ratio := e.spice.controller.Update(actualOffset, target, update.PeriodSec, e.spice.clock.B(), e.spice.clock.C())
	if e.forceRatio != nil {
		ratio = *e.forceRatio
	}
	e.spice.lastRatio = ratio
	e.spice.lastActualOffset = actualOffset

	outTotal := e.resampleAll(n, ratio)
	e.ring.Append(e.spice.outScratch[:outTotal*e.channels], outTotal)

	e.spice.dataCalls++
	if e.cfg.LatencyCallback != nil && e.spice.dataCalls%8 == 0 {
		offsetMs := uint64(0)
		if actualOffset > 0 {
			offsetMs = uint64(actualOffset * 1000 / float64(e.sampleRate))
		}
		deviceMs := e.device.latencyMs
		e.cfg.LatencyCallback(offsetMs+deviceMs, offsetMs, deviceMs)
	}
}

// resampleAll drives the resampler to completion against the scratch
// input buffer, growing the output scratch as needed, and returns the
// total number of output frames generated.
func (e *PlaybackEngine) resampleAll(inFrames int, ratio float64) int {
	outCap := int(float64(inFrames)*ratio) + resamplerTaps + 16
	if cap(e.spice.outScratch) < outCap*e.channels {
		e.spice.outScratch = make([]float32, outCap*e.channels)
	} else {
		e.spice.outScratch = e.spice.outScratch[:outCap*e.channels]
	}

	inUsedTotal, outTotal := 0, 0
	for inUsedTotal < inFrames {
		remainingIn := e.spice.inScratch[inUsedTotal*e.channels : inFrames*e.channels]
		remainingOutCap := outCap - outTotal
		if remainingOutCap <= 0 {
			break
		}
		inUsed, outGen := e.spice.resampler.Process(remainingIn, inFrames-inUsedTotal, e.spice.outScratch[outTotal*e.channels:], remainingOutCap, ratio)
		inUsedTotal += inUsed
		outTotal += outGen
		if inUsed == 0 && outGen == 0 {
			break // resampler needs more lookahead than we have left this call
		}
	}
	return outTotal
}

func (e *PlaybackEngine) ensureScratch(n int) {
	need := n * e.channels
	if cap(e.spice.inScratch) < need {
		e.spice.inScratch = make([]float32, need)
	} else {
		e.spice.inScratch = e.spice.inScratch[:need]
	}
}

// drainTiming pulls every tick the consumer has published since the last
// push, updating the cached device-position snapshot used for
// interpolation and tracking the largest period size the device has
// reported.
func (e *PlaybackEngine) drainTiming() {
	e.timing.Drain(func(t Tick) {
		e.spice.devLastTime = e.spice.devNextTime
		e.spice.devLastPosition = e.spice.devNextPosition
		e.spice.devNextTime = t.NextTime
		e.spice.devNextPosition = t.NextPosition
		e.spice.devPeriodFrames = t.PeriodFrames
		if t.PeriodFrames > e.spice.deviceMaxPeriodFrames {
			e.spice.deviceMaxPeriodFrames = t.PeriodFrames
		}
	})
}

// Pull is the consumer entry point, invoked from the audio server's
// realtime thread. From SETUP_CONSUMER onward it always writes exactly
// frames frames (zero-padded on underrun, all silence while prefilling)
// and returns that count; in STOP and SETUP_PRODUCER it writes nothing and
// returns 0. dst must hold frames*channels F32 samples. Must never
// allocate or block.
func (e *PlaybackEngine) Pull(dst []float32, frames int) int {
	st := e.state
	var ringReady, expired bool
	switch st.State() {
	case StateSetupConsumer:
		ringReady = e.ring.GetCount() >= e.spice.targetStartFrames
	case StateKeepAlive:
		expired = e.ring.GetCount() <= -int64(keepAliveExpirySeconds*e.sampleRate)
	}

	switch st.ConsumerPull(ringReady, expired) {
	case PullZero:
		return 0
	case PullPrefill:
		zeroFrames(dst[:frames*e.channels])
		return frames
	case PullExpired:
		e.ring.Consume(dst[:frames*e.channels], frames)
		return frames
	}

	e.ring.Consume(dst[:frames*e.channels], frames)

	if e.cfg.Device != nil {
		e.device.latencyMs = e.cfg.Device.Latency()
	}

	now := e.now()
	update := e.device.clock.Update(now, int64(frames))
	if update.Desync && update.SlewFrames > 0 {
		e.ring.Consume(nil, int(update.SlewFrames))
	}
	e.timing.Push(Tick{
		PeriodFrames: update.PeriodFrames,
		NextTime:     update.NextTime,
		NextPosition: update.NextPosition,
	})

	return frames
}

// Latency is the consumer entry point for the device's opaque reported
// latency, in milliseconds.
func (e *PlaybackEngine) Latency() uint64 {
	if e.cfg.Device == nil {
		return 0
	}
	return e.cfg.Device.Latency()
}

// decodeS16ToF32 converts interleaved S16LE bytes to interleaved F32
// samples, applying the cached per-channel volume gain as it goes.
func decodeS16ToF32(frames []byte, channels int, vol VolumeVector, out []float32) {
	n := len(frames) / (channels * 2)
	for i := 0; i < n; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			s := int16(binary.LittleEndian.Uint16(frames[off:]))
			gain := vol.Gain(ch)
			out[i*channels+ch] = float32(float64(s) / 32768.0 * gain)
		}
	}
}
