package audioengine

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	nanos int64
}

func (c *fakeClock) Now() int64 { return c.nanos }

type fakeDevice struct {
	maxPeriodFrames int64
	opened          bool
	closed          bool
	latencyMs       uint64
}

func (d *fakeDevice) Open(channels, sampleRate, periodSizeHint int, sinkID string) (int64, error) {
	d.opened = true
	return d.maxPeriodFrames, nil
}
func (d *fakeDevice) Close()             { d.closed = true }
func (d *fakeDevice) Latency() uint64    { return d.latencyMs }

type failingDevice struct{}

func (failingDevice) Open(channels, sampleRate, periodSizeHint int, sinkID string) (int64, error) {
	return 0, assertError{}
}
func (failingDevice) Close()          {}
func (failingDevice) Latency() uint64 { return 0 }

type assertError struct{}

func (assertError) Error() string { return "device open failed" }

func makeS16Frames(channels, frames int, value int16) []byte {
	buf := make([]byte, frames*channels*2)
	for i := 0; i < frames*channels; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(value))
	}
	return buf
}

func Test_PlaybackEngine_PullReturnsZeroInStop(t *testing.T) {
	e := NewPlaybackEngine(Config{})
	dst := make([]float32, 512)
	assert.Equal(t, 0, e.Pull(dst, 256))
}

func Test_PlaybackEngine_StartOpensDeviceOnFirstPush(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{maxPeriodFrames: 256}
	e := NewPlaybackEngine(Config{Device: dev, Now: clock.Now})

	e.Start(2, 48000, FormatS16LE, 0)
	assert.Equal(t, StateSetupProducer, e.State())
	assert.False(t, dev.opened)

	e.Data(makeS16Frames(2, 256, 1000))
	assert.True(t, dev.opened)
	assert.Equal(t, StateSetupConsumer, e.State())
}

func Test_PlaybackEngine_DeviceOpenFailureFallsBackToStop(t *testing.T) {
	e := NewPlaybackEngine(Config{Device: failingDevice{}})
	e.Start(2, 48000, FormatS16LE, 0)
	e.Data(makeS16Frames(2, 256, 1000))
	assert.Equal(t, StateStop, e.State())
}

func Test_PlaybackEngine_DataIgnoredInStop(t *testing.T) {
	dev := &fakeDevice{maxPeriodFrames: 256}
	e := NewPlaybackEngine(Config{Device: dev})
	e.Data(makeS16Frames(2, 256, 1000))
	assert.False(t, dev.opened)
	assert.Equal(t, StateStop, e.State())
}

// Test_PlaybackEngine_ReachesRunAndPullsExactFrameCounts drives Start,
// repeated Data pushes, and Pull calls against a deterministic shared clock
// until the stream transitions from SETUP_CONSUMER to RUN, then checks Pull
// keeps returning exactly the requested frame count every call, as Pull does
// from SETUP_CONSUMER onward.
func Test_PlaybackEngine_ReachesRunAndPullsExactFrameCounts(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{maxPeriodFrames: 256}
	e := NewPlaybackEngine(Config{Device: dev, Now: clock.Now, BufferLatencyMs: 0})

	const channels = 2
	const sampleRate = 48000
	const periodFrames = 256
	periodNanos := int64(periodFrames) * 1e9 / sampleRate

	e.Start(channels, sampleRate, FormatS16LE, 0)
	frames := makeS16Frames(channels, periodFrames, 1000)
	dst := make([]float32, periodFrames*channels)

	reachedRun := false
	for i := 0; i < 50 && !reachedRun; i++ {
		clock.nanos += periodNanos
		e.Data(frames)

		n := e.Pull(dst, periodFrames)
		assert.Equal(t, periodFrames, n)

		if e.State() == StateRun {
			reachedRun = true
		}
	}
	assert.True(t, reachedRun, "stream never reached RUN")

	// A few more steady-state cycles: Pull must keep returning the full
	// requested count.
	for i := 0; i < 10; i++ {
		clock.nanos += periodNanos
		e.Data(frames)
		n := e.Pull(dst, periodFrames)
		assert.Equal(t, periodFrames, n)
	}
	assert.Equal(t, StateRun, e.State())
}

func Test_PlaybackEngine_StopFromRunEntersKeepAliveThenExpiresToStop(t *testing.T) {
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

	reachedStop := false
	for i := 0; i < 10000 && !reachedStop; i++ {
		clock.nanos += periodNanos
		n := e.Pull(dst, periodFrames)
		assert.Equal(t, periodFrames, n)
		if e.State() == StateStop {
			reachedStop = true
		}
	}
	assert.True(t, reachedStop, "KEEP_ALIVE never expired back to STOP")
	assert.True(t, dev.closed)
}

func Test_PlaybackEngine_VolumeAndMuteAreCachedAcrossStop(t *testing.T) {
	e := NewPlaybackEngine(Config{})
	e.Volume([8]uint16{100, 200})
	e.Mute(true)

	assert.EqualValues(t, 100, e.volume.Channels[0])
	assert.True(t, e.volume.Muted)

	e.Start(2, 48000, FormatS16LE, 0)
	assert.EqualValues(t, 100, e.volume.Channels[0])
	assert.True(t, e.volume.Muted)
}
