// Package audiodevice provides a concrete, malgo-backed implementation of
// the audio server collaborator audioengine.PlaybackEngine expects: it
// owns the realtime output device and, from its callback, pulls F32
// frames straight out of the engine on every wake-up.
package audiodevice

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// PullFunc matches audioengine.PlaybackEngine.Pull's signature. Device
// calls it from the realtime callback; it must never allocate or block.
type PullFunc func(dst []float32, frames int) int

// Device drives a single persistent malgo playback device and forwards
// its realtime callback straight into a PlaybackEngine.
type Device struct {
	pull PullFunc

	ctx     *malgo.AllocatedContext
	dev     *malgo.Device
	scratch []float32

	channels   int
	sampleRate int

	latencyMs atomic.Uint64
}

// NewDevice returns a Device that will call pull on every realtime
// callback once Open has been called. pull is typically
// (*audioengine.PlaybackEngine).Pull. pull may be nil and set later with
// SetPull, to break the construction cycle between an engine and the
// device it's configured with.
func NewDevice(pull PullFunc) *Device {
	return &Device{pull: pull}
}

// SetPull assigns the function Device calls from its realtime callback.
// Must be called before the device is opened.
func (d *Device) SetPull(pull PullFunc) {
	d.pull = pull
}

// Open satisfies audioengine.DeviceOpener. It initializes a fresh malgo
// context and playback device for the given format and starts it
// immediately; the device runs continuously (outputting whatever the
// engine's Pull returns, including zero-padded silence) until Close.
func (d *Device) Open(channels, sampleRate, periodSizeHint int, sinkID string) (int64, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return 0, fmt.Errorf("init audio context: %w", err)
	}

	d.channels = channels
	d.sampleRate = sampleRate
	d.scratch = make([]float32, 0, 4096)

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)
	if periodSizeHint > 0 {
		cfg.PeriodSizeInFrames = uint32(periodSizeHint)
	}
	if sinkID != "" {
		cfg.Playback.DeviceID = deviceIDFromString(sinkID)
	}

	onSendFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		n := int(framecount) * d.channels
		if cap(d.scratch) < n {
			d.scratch = make([]float32, n)
		} else {
			d.scratch = d.scratch[:n]
		}
		if d.pull != nil {
			d.pull(d.scratch, int(framecount))
		}
		for i, s := range d.scratch {
			binary.LittleEndian.PutUint32(pOutputSample[i*4:], math.Float32bits(s))
		}
		d.latencyMs.Store(uint64(framecount) * 1000 / uint64(sampleRate))
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: onSendFrames})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return 0, fmt.Errorf("init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return 0, fmt.Errorf("start playback device: %w", err)
	}

	d.ctx = ctx
	d.dev = dev

	maxPeriod := int64(periodSizeHint)
	if maxPeriod == 0 {
		maxPeriod = int64(cfg.PeriodSizeInFrames)
	}
	return maxPeriod, nil
}

// Close stops and releases the device and its context. Must only be
// called once the realtime thread has been torn down by the audio
// subsystem.
func (d *Device) Close() {
	if d.dev != nil {
		d.dev.Stop()
		d.dev.Uninit()
		d.dev = nil
	}
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
}

// Latency returns the most recent coarse latency estimate, in
// milliseconds, derived from the last callback's period size.
func (d *Device) Latency() uint64 {
	return d.latencyMs.Load()
}

// deviceIDFromString is a placeholder device-selection hook: malgo
// identifies devices by a platform-specific malgo.DeviceID, not a string,
// so a real deployment would resolve sinkID against malgo.Context.Devices
// first. Returning nil selects the platform default, which is correct for
// the common single-sink host setup this daemon targets.
func deviceIDFromString(sinkID string) *malgo.DeviceID {
	return nil
}
