// Package relay implements the tunnel protocol spoken between the capture
// agent and the relay server: the binary message codec, the client-side
// session state machine, and the server-side fan-out core.
package relay

import (
	"encoding/binary"
	"fmt"

	"LanLink/internal/model"
)

// Message type identifiers. The on-wire layout is a fixed binary contract
// shared with independently built clients; field order, widths and byte
// order are not negotiable per connection.
const (
	TypeHandshake    uint8 = 0x01
	TypeHandshakeAck uint8 = 0x02
	TypeKeepalive    uint8 = 0x03
	TypePeerJoined   uint8 = 0x04
	TypePeerLeft     uint8 = 0x05
	TypeData         uint8 = 0x06
	TypeReject       uint8 = 0x07
	TypeBye          uint8 = 0x08
)

// headerSize is the fixed prefix of every message: type(1) + length(2).
const headerSize = 3

// ProtoVersion is the tunnel protocol revision announced in the handshake.
const ProtoVersion uint8 = 1

// Message is one decoded relay protocol message.
type Message interface {
	MsgType() uint8
}

// Handshake announces a client to the relay server.
type Handshake struct {
	ClientName string
	Version    uint8
}

// HandshakeAck assigns the session identifier and carries the current
// roster of peer identifiers already in the room.
type HandshakeAck struct {
	SessionID uint32
	Roster    []uint32
}

// Keepalive is the periodic liveness message, sent in both directions.
type Keepalive struct {
	SessionID uint32
}

// PeerJoined notifies clients of a new participant.
type PeerJoined struct {
	PeerID uint32
}

// PeerLeft notifies clients that a participant is gone.
type PeerLeft struct {
	PeerID uint32
}

// Data carries one tunneled frame. PeerID is zero client-to-server (the
// server knows the sender from its session) and identifies the originating
// peer server-to-client. FrameData is the raw frame, byte for byte.
type Data struct {
	SessionID uint32
	PeerID    uint32
	FrameData []byte
}

// Reject declines a handshake with a human-readable reason.
type Reject struct {
	Reason string
}

// Bye is the best-effort close notification from a shutting-down client.
type Bye struct {
	SessionID uint32
}

func (Handshake) MsgType() uint8    { return TypeHandshake }
func (HandshakeAck) MsgType() uint8 { return TypeHandshakeAck }
func (Keepalive) MsgType() uint8    { return TypeKeepalive }
func (PeerJoined) MsgType() uint8   { return TypePeerJoined }
func (PeerLeft) MsgType() uint8     { return TypePeerLeft }
func (Data) MsgType() uint8         { return TypeData }
func (Reject) MsgType() uint8       { return TypeReject }
func (Bye) MsgType() uint8          { return TypeBye }

// Encode serializes a message into its wire form. Encoding is deterministic
// and carries no hidden state.
func Encode(msg Message) ([]byte, error) {
	var body []byte
	switch m := msg.(type) {
	case Handshake:
		if len(m.ClientName) > 255 {
			return nil, fmt.Errorf("client name too long: %d bytes", len(m.ClientName))
		}
		body = make([]byte, 1+len(m.ClientName)+1)
		body[0] = uint8(len(m.ClientName))
		copy(body[1:], m.ClientName)
		body[1+len(m.ClientName)] = m.Version
	case HandshakeAck:
		body = make([]byte, 4+2+4*len(m.Roster))
		binary.BigEndian.PutUint32(body[0:4], m.SessionID)
		binary.BigEndian.PutUint16(body[4:6], uint16(len(m.Roster)))
		for i, id := range m.Roster {
			binary.BigEndian.PutUint32(body[6+4*i:], id)
		}
	case Keepalive:
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, m.SessionID)
	case PeerJoined:
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, m.PeerID)
	case PeerLeft:
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, m.PeerID)
	case Data:
		body = make([]byte, 8+len(m.FrameData))
		binary.BigEndian.PutUint32(body[0:4], m.SessionID)
		binary.BigEndian.PutUint32(body[4:8], m.PeerID)
		copy(body[8:], m.FrameData)
	case Reject:
		if len(m.Reason) > 255 {
			return nil, fmt.Errorf("reject reason too long: %d bytes", len(m.Reason))
		}
		body = make([]byte, 1+len(m.Reason))
		body[0] = uint8(len(m.Reason))
		copy(body[1:], m.Reason)
	case Bye:
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, m.SessionID)
	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}

	if len(body) > 0xffff {
		return nil, fmt.Errorf("message body too large: %d bytes", len(body))
	}
	buf := make([]byte, headerSize+len(body))
	buf[0] = msg.MsgType()
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(body)))
	copy(buf[headerSize:], body)
	return buf, nil
}

// EncodeFrame is the common client-side path: wrap a captured frame into a
// Data message tagged with the current session identifier.
func EncodeFrame(frame *model.Frame, sessionID uint32) ([]byte, error) {
	return Encode(Data{SessionID: sessionID, FrameData: frame.Bytes()})
}

// Decode parses one wire message. It fails with model.ErrMalformedMessage
// when the buffer is shorter than the fixed header, when the declared body
// length disagrees with the bytes actually present, or when a body is
// shorter than its fixed fields. Decode never panics on arbitrary input;
// malformed messages are reported and discarded by the caller.
func Decode(buf []byte) (Message, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, need header of %d", model.ErrMalformedMessage, len(buf), headerSize)
	}
	msgType := buf[0]
	declared := int(binary.BigEndian.Uint16(buf[1:3]))
	body := buf[headerSize:]
	if len(body) != declared {
		return nil, fmt.Errorf("%w: declared %d body bytes, got %d", model.ErrMalformedMessage, declared, len(body))
	}

	switch msgType {
	case TypeHandshake:
		if len(body) < 2 {
			return nil, truncated("handshake", len(body))
		}
		nameLen := int(body[0])
		if len(body) != 1+nameLen+1 {
			return nil, fmt.Errorf("%w: handshake name length %d disagrees with body", model.ErrMalformedMessage, nameLen)
		}
		return Handshake{ClientName: string(body[1 : 1+nameLen]), Version: body[1+nameLen]}, nil
	case TypeHandshakeAck:
		if len(body) < 6 {
			return nil, truncated("handshake ack", len(body))
		}
		n := int(binary.BigEndian.Uint16(body[4:6]))
		if len(body) != 6+4*n {
			return nil, fmt.Errorf("%w: roster of %d entries disagrees with body", model.ErrMalformedMessage, n)
		}
		ack := HandshakeAck{SessionID: binary.BigEndian.Uint32(body[0:4])}
		for i := 0; i < n; i++ {
			ack.Roster = append(ack.Roster, binary.BigEndian.Uint32(body[6+4*i:]))
		}
		return ack, nil
	case TypeKeepalive:
		if len(body) != 4 {
			return nil, truncated("keepalive", len(body))
		}
		return Keepalive{SessionID: binary.BigEndian.Uint32(body)}, nil
	case TypePeerJoined:
		if len(body) != 4 {
			return nil, truncated("peer joined", len(body))
		}
		return PeerJoined{PeerID: binary.BigEndian.Uint32(body)}, nil
	case TypePeerLeft:
		if len(body) != 4 {
			return nil, truncated("peer left", len(body))
		}
		return PeerLeft{PeerID: binary.BigEndian.Uint32(body)}, nil
	case TypeData:
		if len(body) < 8 {
			return nil, truncated("data", len(body))
		}
		frame := make([]byte, len(body)-8)
		copy(frame, body[8:])
		return Data{
			SessionID: binary.BigEndian.Uint32(body[0:4]),
			PeerID:    binary.BigEndian.Uint32(body[4:8]),
			FrameData: frame,
		}, nil
	case TypeReject:
		if len(body) < 1 {
			return nil, truncated("reject", len(body))
		}
		reasonLen := int(body[0])
		if len(body) != 1+reasonLen {
			return nil, fmt.Errorf("%w: reject reason length %d disagrees with body", model.ErrMalformedMessage, reasonLen)
		}
		return Reject{Reason: string(body[1:])}, nil
	case TypeBye:
		if len(body) != 4 {
			return nil, truncated("bye", len(body))
		}
		return Bye{SessionID: binary.BigEndian.Uint32(body)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type 0x%02x", model.ErrMalformedMessage, msgType)
	}
}

func truncated(what string, got int) error {
	return fmt.Errorf("%w: truncated %s body (%d bytes)", model.ErrMalformedMessage, what, got)
}
