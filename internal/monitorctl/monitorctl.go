// Package monitorctl switches a shared monitor's active input source over
// a two-wire control bus (modeled as an io.ReadWriter, concretely a Linux
// i2c-dev character device) when the hotkey toggles host/guest focus.
package monitorctl

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// i2cSlave is the Linux i2c-dev ioctl request code (I2C_SLAVE) that binds a
// file descriptor to a 7-bit slave address for subsequent reads/writes.
const i2cSlave = 0x0703

// InputSource is a DDC/CI input-source select code, as defined by VESA
// Monitor Control Command Set for VCP feature 0x60.
type InputSource byte

// vcpInputSource is the VCP feature code for "input source select".
const vcpInputSource = 0x60

// ddcciAddress is the 7-bit I2C address DDC/CI commands are sent to.
const ddcciAddress = 0x37

// OpenBus opens the i2c-dev node at path and binds it to the monitor's
// DDC/CI slave address, returning a handle ready to pass to NewController.
func OpenBus(path string) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, ddcciAddress); err != nil {
		f.Close()
		return nil, fmt.Errorf("bind %s to ddc/ci address: %w", path, err)
	}
	return f, nil
}

// Controller sends DDC/CI VCP-set commands over a two-wire bus to switch
// the monitor's active input.
type Controller struct {
	bus io.ReadWriter
}

// NewController wraps an already-opened two-wire bus handle, typically an
// i2c-dev character device opened at the monitor's DDC/CI address.
func NewController(bus io.ReadWriter) *Controller {
	return &Controller{bus: bus}
}

// SwitchInput sends a VCP-set command selecting source as the monitor's
// active input.
func (c *Controller) SwitchInput(source InputSource) error {
	frame := ddcciSetFrame(vcpInputSource, uint16(source))
	n, err := c.bus.Write(frame)
	if err != nil {
		return fmt.Errorf("write ddc/ci frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(frame))
	}
	return nil
}

// ddcciSetFrame builds a DDC/CI "VCP Feature Set" message for vcpCode with
// the given 16-bit value, per VESA MCCS: a length-prefixed payload
// terminated with an XOR checksum over the source address, payload length
// byte, and message bytes.
func ddcciSetFrame(vcpCode byte, value uint16) []byte {
	payload := []byte{
		0x03, // VCP Feature Set opcode
		vcpCode,
		byte(value >> 8),
		byte(value),
	}
	frame := make([]byte, 0, 2+len(payload)+1)
	frame = append(frame, ddcciAddress<<1)
	frame = append(frame, 0x80|byte(len(payload)))
	frame = append(frame, payload...)

	checksum := byte(0x6e) // virtual host address, per MCCS checksum convention
	for _, b := range frame {
		checksum ^= b
	}
	frame = append(frame, checksum)
	return frame
}
