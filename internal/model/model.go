package model

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Frame size bounds for an Ethernet segment. Anything shorter than a full
// Ethernet header is malformed; anything longer than the classic MTU plus
// header is rejected before it can reach the tunnel.
const (
	MinFrameSize = 14
	MaxFrameSize = 1514
)

// EthernetBroadcast is the all-ones link address.
var EthernetBroadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Sentinel errors shared across the agent and the relay.
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrMalformedMessage = errors.New("malformed relay message")
	ErrAdapterClosed    = errors.New("adapter closed")
	ErrRelayUnreachable = errors.New("relay unreachable")
	ErrRelayRejected    = errors.New("relay rejected session")
	ErrNotConnected     = errors.New("relay session not connected")
)

// Frame is one captured or to-be-injected link-layer packet. The byte slice
// is owned by the Frame and is never mutated after construction; responder
// replies and decoded tunnel frames always build a new Frame.
type Frame struct {
	data []byte
}

// NewFrame copies data into a new Frame. It returns ErrMalformedFrame when
// the data is shorter than an Ethernet header or longer than MaxFrameSize.
func NewFrame(data []byte) (*Frame, error) {
	if len(data) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds MTU", ErrMalformedFrame, len(data))
	}
	f := &Frame{data: make([]byte, len(data))}
	copy(f.data, data)
	return f, nil
}

// Bytes returns the raw frame bytes. Callers must not modify the slice.
func (f *Frame) Bytes() []byte { return f.data }

// Len returns the total frame length in bytes.
func (f *Frame) Len() int { return len(f.data) }

// DstMAC returns the destination link address.
func (f *Frame) DstMAC() net.HardwareAddr { return net.HardwareAddr(f.data[0:6]) }

// SrcMAC returns the source link address.
func (f *Frame) SrcMAC() net.HardwareAddr { return net.HardwareAddr(f.data[6:12]) }

// EtherType returns the 16-bit protocol type field.
func (f *Frame) EtherType() uint16 {
	return uint16(f.data[12])<<8 | uint16(f.data[13])
}

// IsBroadcast reports whether the destination is the all-ones address.
func (f *Frame) IsBroadcast() bool {
	for _, b := range f.data[0:6] {
		if b != 0xff {
			return false
		}
	}
	return true
}

// IsMulticast reports whether the destination has the group bit set.
// Broadcast frames are also multicast by this definition.
func (f *Frame) IsMulticast() bool { return f.data[0]&0x01 != 0 }

// VirtualHost is one locally attached console, tracked by link address with
// the virtual IP assigned to it by the LAN emulation layer.
type VirtualHost struct {
	MAC      net.HardwareAddr
	IP       net.IP
	LastSeen time.Time
}

// PeerEntry is one remote participant as reported by the relay server.
type PeerEntry struct {
	ID         uint32
	MACs       map[string]struct{} // link addresses observed in this peer's frames
	LastActive time.Time
}

// NewPeerEntry creates a PeerEntry with an empty link-address set.
func NewPeerEntry(id uint32) *PeerEntry {
	return &PeerEntry{ID: id, MACs: make(map[string]struct{}), LastActive: time.Now()}
}

// ObserveMAC records a link address seen in a frame from this peer.
func (p *PeerEntry) ObserveMAC(mac net.HardwareAddr) {
	p.MACs[mac.String()] = struct{}{}
	p.LastActive = time.Now()
}

// Counters tracks per-unit error and drop totals. Per-frame failures are
// counted and the offending unit discarded; nothing here is fatal.
type Counters struct {
	MalformedFrames   atomic.Uint64
	MalformedMessages atomic.Uint64
	DroppedFrames     atomic.Uint64
	UnknownPeerFrames atomic.Uint64
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"malformed_frames":    c.MalformedFrames.Load(),
		"malformed_messages":  c.MalformedMessages.Load(),
		"dropped_frames":      c.DroppedFrames.Load(),
		"unknown_peer_frames": c.UnknownPeerFrames.Load(),
	}
}
