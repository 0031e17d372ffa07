// Package udpprobe listens for Semtech UDP packet-forwarder traffic to tell
// whether a gateway actually reaches this host.
package udpprobe

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/brocaar/lorawan"
)

// PacketType is the identifier byte of a packet-forwarder datagram.
type PacketType byte

const (
	PushData PacketType = 0x00
	PushAck  PacketType = 0x01
	PullData PacketType = 0x02
	PullResp PacketType = 0x03
	PullAck  PacketType = 0x04
	TxAck    PacketType = 0x05
)

func (t PacketType) String() string {
	switch t {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

var ErrMalformed = errors.New("malformed packet-forwarder datagram")

// Packet is a decoded datagram header.
type Packet struct {
	Version    byte
	Token      uint16
	Type       PacketType
	GatewayEUI lorawan.EUI64
	// Payload is the JSON body of PUSH_DATA and TX_ACK, if any.
	Payload []byte
}

// HasGateway reports whether the packet type carries a gateway EUI.
func (t PacketType) HasGateway() bool {
	return t == PushData || t == PullData || t == TxAck
}

// Decode parses a packet-forwarder datagram (protocol versions 1 and 2).
func Decode(b []byte) (Packet, error) {
	if len(b) < 4 {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	p := Packet{
		Version: b[0],
		Token:   binary.BigEndian.Uint16(b[1:3]),
		Type:    PacketType(b[3]),
	}
	if p.Version != 1 && p.Version != 2 {
		return Packet{}, fmt.Errorf("%w: protocol version %d", ErrMalformed, p.Version)
	}
	if p.Type > TxAck {
		return Packet{}, fmt.Errorf("%w: identifier 0x%02x", ErrMalformed, b[3])
	}
	if p.Type.HasGateway() {
		if len(b) < 12 {
			return Packet{}, fmt.Errorf("%w: %s without gateway EUI", ErrMalformed, p.Type)
		}
		copy(p.GatewayEUI[:], b[4:12])
		if len(b) > 12 {
			p.Payload = b[12:]
		}
	}
	return p, nil
}

// Ack returns the acknowledgement a network server sends for p, or nil.
func Ack(p Packet) []byte {
	var t PacketType
	switch p.Type {
	case PushData:
		t = PushAck
	case PullData:
		t = PullAck
	default:
		return nil
	}
	b := []byte{p.Version, 0, 0, byte(t)}
	binary.BigEndian.PutUint16(b[1:3], p.Token)
	return b
}
