// Command spicy-kvmd is the host-side companion daemon for a GPU-passthrough
// virtual machine: it grabs local keyboard/mouse/audio on a hotkey and
// bridges them to a guest over a remote-desktop-style protocol, while
// switching a shared monitor between host and guest.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pgaskin/spicy-kvm/internal/audiodevice"
	"github.com/pgaskin/spicy-kvm/internal/audioengine"
	"github.com/pgaskin/spicy-kvm/internal/config"
	"github.com/pgaskin/spicy-kvm/internal/inputgrab"
	"github.com/pgaskin/spicy-kvm/internal/klog"
	"github.com/pgaskin/spicy-kvm/internal/monitorctl"
	"github.com/pgaskin/spicy-kvm/internal/protocolclient"
)

// hotkeyCodes maps a config hotkey name to its Linux evdev key code
// (linux/input-event-codes.h). Only the chords this daemon actually
// documents are listed; an unrecognized name disables monitor switching.
var hotkeyCodes = map[string]uint16{
	"RightCtrl":  97,
	"LeftCtrl":   29,
	"ScrollLock": 70,
}

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		klog.Fatal("configuration error: %v", err)
	}

	klog.Start("spicy-kvmd starting (sink=%s source=%s period=%d buffer_latency=%dms)",
		cfg.AudioSink, cfg.AudioSource, cfg.PeriodSize, cfg.BufferLatencyMs)

	dev := audiodevice.NewDevice(nil)

	var engine *audioengine.PlaybackEngine
	engine = audioengine.NewPlaybackEngine(audioengine.Config{
		PeriodSizeHint:  cfg.PeriodSize,
		BufferLatencyMs: cfg.BufferLatencyMs,
		SinkID:          cfg.AudioSink,
		SourceID:        cfg.AudioSource,
		Device:          dev,
		LatencyCallback: func(totalMs, offsetMs, deviceMs uint64) {
			if cfg.Verbose {
				klog.Info("stream %s latency total=%dms offset=%dms device=%dms", engine.StreamID(), totalMs, offsetMs, deviceMs)
			}
		},
	})
	dev.SetPull(engine.Pull)

	listener := protocolclient.NewListener(cfg.ProtocolListen, engine)
	listenerErrs := make(chan error, 1)
	go func() {
		listenerErrs <- listener.Serve()
	}()
	klog.Info("protocol listener on %s", cfg.ProtocolListen)

	var monitor *monitorctl.Controller
	if cfg.MonitorBus != "" {
		bus, err := monitorctl.OpenBus(cfg.MonitorBus)
		if err != nil {
			klog.Warn("monitor control disabled: %v", err)
		} else {
			defer bus.Close()
			monitor = monitorctl.NewController(bus)
			klog.Info("monitor control ready on %s", cfg.MonitorBus)
		}
	}

	var grabber *inputgrab.Grabber
	if len(cfg.InputDevices) > 0 {
		grabber, err = inputgrab.NewGrabber(cfg.InputDevices)
		if err != nil {
			klog.Warn("input grab disabled: %v", err)
			grabber = nil
		} else {
			defer grabber.Close()
			klog.Info("input grab ready on %d device(s), hotkey=%s", len(cfg.InputDevices), cfg.Hotkey)
			go watchHotkey(grabber, monitor, cfg)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		klog.Stop("shutting down")
	case err := <-listenerErrs:
		klog.Error("protocol listener stopped: %v", err)
	}

	engine.Stop()
}

// evKey is the Linux evdev event type for a key press/release (EV_KEY).
const evKey = 1

// watchHotkey toggles the input grab and the monitor's active input
// source whenever the configured hotkey is pressed. It watches the first
// grabbed device for key events, which keeps delivering them to this
// process regardless of grab state since this process holds the grab.
func watchHotkey(grabber *inputgrab.Grabber, monitor *monitorctl.Controller, cfg *config.Config) {
	code, ok := hotkeyCodes[cfg.Hotkey]
	if !ok {
		klog.Warn("unrecognized hotkey %q, input grab toggle disabled", cfg.Hotkey)
		return
	}
	devices := grabber.Devices()
	if len(devices) == 0 {
		return
	}

	for ev := range devices[0].Events() {
		if ev.Type != evKey || ev.Code != code || ev.Value != 1 {
			continue
		}
		grabbed, err := grabber.Toggle()
		if err != nil {
			klog.Error("input grab toggle: %v", err)
			continue
		}
		if monitor == nil {
			continue
		}
		source := monitorctl.InputSource(cfg.HostInputSource)
		if grabbed {
			source = monitorctl.InputSource(cfg.GuestInputSource)
		}
		if err := monitor.SwitchInput(source); err != nil {
			klog.Error("monitor switch: %v", err)
		}
	}
}
