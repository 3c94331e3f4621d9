// Package inputgrab exclusively grabs local keyboard/mouse event devices
// and releases them again, toggling on each hotkey press, and forwards raw
// input events to a channel. It does no event translation or remapping;
// that belongs to whatever routes events to the guest.
package inputgrab

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// eviocgrab is the Linux evdev ioctl request code for EVIOCGRAB. It isn't
// exposed by golang.org/x/sys/unix, which covers the generic ioctls but
// not every device-specific one; the request code is fixed by the kernel
// UAPI (linux/input.h) and safe to hardcode.
const eviocgrab = 0x40044590

// inputEventSize is sizeof(struct input_event) on 64-bit Linux: two
// 8-byte timeval fields, then type/code/value (2+2+4 bytes).
const inputEventSize = 24

// Event is a decoded Linux evdev input_event record.
type Event struct {
	Time  time.Time
	Type  uint16
	Code  uint16
	Value int32
}

// Device holds one open, ungrabbed-by-default evdev node.
type Device struct {
	path string
	f    *os.File
}

// Open opens an evdev node without grabbing it.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{path: path, f: f}, nil
}

// Close releases the device, ungrabbing it first if needed.
func (d *Device) Close() error {
	_ = d.Ungrab()
	return d.f.Close()
}

// Grab takes exclusive ownership of the device: no other process
// (including the host's own window system) will see its events until
// Ungrab is called.
func (d *Device) Grab() error {
	return unix.IoctlSetInt(int(d.f.Fd()), eviocgrab, 1)
}

// Ungrab releases exclusive ownership.
func (d *Device) Ungrab() error {
	return unix.IoctlSetInt(int(d.f.Fd()), eviocgrab, 0)
}

// Events reads input_event records from the device and sends them on the
// returned channel until the device is closed or a read error occurs. The
// channel is closed when reading stops.
func (d *Device) Events() <-chan Event {
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		buf := make([]byte, inputEventSize)
		for {
			if _, err := readFull(d.f, buf); err != nil {
				return
			}
			ch <- decodeEvent(buf)
		}
	}()
	return ch
}

func decodeEvent(buf []byte) Event {
	sec := int64(binary.LittleEndian.Uint64(buf[0:]))
	usec := int64(binary.LittleEndian.Uint64(buf[8:]))
	return Event{
		Time:  time.Unix(sec, usec*1000),
		Type:  binary.LittleEndian.Uint16(buf[16:]),
		Code:  binary.LittleEndian.Uint16(buf[18:]),
		Value: int32(binary.LittleEndian.Uint32(buf[20:])),
	}
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Grabber owns the set of event devices grabbed together on hotkey press,
// e.g. one keyboard and one mouse node.
type Grabber struct {
	devices []*Device
	grabbed bool
}

// NewGrabber opens every device in paths, ungrabbed.
func NewGrabber(paths []string) (*Grabber, error) {
	g := &Grabber{}
	for _, p := range paths {
		d, err := Open(p)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.devices = append(g.devices, d)
	}
	return g, nil
}

// Toggle grabs every device if currently ungrabbed, or ungrabs all of them
// if currently grabbed, returning the new grabbed state.
func (g *Grabber) Toggle() (bool, error) {
	if g.grabbed {
		for _, d := range g.devices {
			if err := d.Ungrab(); err != nil {
				return g.grabbed, err
			}
		}
		g.grabbed = false
		return false, nil
	}
	for _, d := range g.devices {
		if err := d.Grab(); err != nil {
			return g.grabbed, err
		}
	}
	g.grabbed = true
	return true, nil
}

// Devices returns the set of devices this Grabber owns, for callers that
// need to watch raw events (e.g. to detect a hotkey press) independently
// of the grab/ungrab toggle.
func (g *Grabber) Devices() []*Device {
	return g.devices
}

// Close ungrabs and closes every device.
func (g *Grabber) Close() {
	for _, d := range g.devices {
		_ = d.Close()
	}
	g.devices = nil
}
