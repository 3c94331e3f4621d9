// Package protocolclient defines the producer-side collaborator that
// delivers audio from the guest's remote-desktop protocol into
// audioengine.PlaybackEngine, and provides one minimal, net-framed
// implementation for manual and integration testing. The guest wire
// protocol itself is out of scope; this package only frames enough of it
// to exercise the engine end to end.
package protocolclient

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/pgaskin/spicy-kvm/internal/audioengine"
)

// ProtocolClient is the producer-side contract PlaybackEngine is driven
// through. All five methods are void-returning by design: failures are
// handled internally by the engine and surfaced only via logs and the
// optional latency callback.
type ProtocolClient interface {
	Start(channels, sampleRate int, format audioengine.SampleFormat, timestamp int64)
	Stop()
	Volume(channels [8]uint16)
	Mute(muted bool)
	Data(frames []byte)
}

// Message types in the minimal length-prefixed frame used by Listener.
// This is not the real guest protocol; it exists so the engine has a real
// network-facing caller to exercise during manual testing.
const (
	msgStart byte = iota + 1
	msgStop
	msgVolume
	msgMute
	msgData
)

// Listener accepts a single connection at a time and decodes it into
// ProtocolClient calls against the engine it was built with.
type Listener struct {
	addr   string
	engine ProtocolClient
}

// NewListener returns a Listener that will drive engine from frames
// received on addr once Serve is called.
func NewListener(addr string, engine ProtocolClient) *Listener {
	return &Listener{addr: addr, engine: engine}
}

// Serve accepts connections on addr until the listener is closed or
// returns an error (e.g. the address is already in use). Each accepted
// connection is handled sequentially, matching the single-producer-thread
// contract PlaybackEngine requires.
func (l *Listener) Serve() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		l.handle(conn)
	}
}

// handle reads frames from conn until it's closed or a frame is malformed,
// driving l.engine. One connection is a single producer thread, so all
// calls it makes are naturally serialized.
func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	var header [9]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			if err != io.EOF {
				log.Printf("protocolclient: frame header read: %v", err)
			}
			return
		}
		kind := header[0]
		length := binary.LittleEndian.Uint64(header[1:])

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				log.Printf("protocolclient: frame payload read: %v", err)
				return
			}
		}

		if err := l.dispatch(kind, payload); err != nil {
			log.Printf("protocolclient: malformed frame: %v", err)
			return
		}
	}
}

func (l *Listener) dispatch(kind byte, payload []byte) error {
	switch kind {
	case msgStart:
		if len(payload) < 17 {
			return fmt.Errorf("start frame too short")
		}
		channels := int(binary.LittleEndian.Uint32(payload[0:]))
		sampleRate := int(binary.LittleEndian.Uint32(payload[4:]))
		format := audioengine.SampleFormat(payload[8])
		timestamp := int64(binary.LittleEndian.Uint64(payload[9:]))
		l.engine.Start(channels, sampleRate, format, timestamp)
	case msgStop:
		l.engine.Stop()
	case msgVolume:
		if len(payload) < 16 {
			return fmt.Errorf("volume frame too short")
		}
		var vals [8]uint16
		for i := range vals {
			vals[i] = binary.LittleEndian.Uint16(payload[i*2:])
		}
		l.engine.Volume(vals)
	case msgMute:
		if len(payload) < 1 {
			return fmt.Errorf("mute frame too short")
		}
		l.engine.Mute(payload[0] != 0)
	case msgData:
		l.engine.Data(payload)
	default:
		return fmt.Errorf("unknown frame kind %d", kind)
	}
	return nil
}
