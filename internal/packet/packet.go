// Package packet converts MQTT 3.1.1 control packets between typed values and bytes.
package packet

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/w0otness/opifex/internal/mqtt"
)

// ErrMalformed is returned (wrapped) for any buffer that does not decode into a valid packet.
var ErrMalformed = mqtt.ErrMalformed

// Packet is one of the fourteen MQTT 3.1.1 control packets.
// Implementations are the pointer types declared in this package.
type Packet interface {
	Type() mqtt.PacketType
	encode() (flags byte, body []byte, err error)
}

// Encode serializes p into a complete frame.
func Encode(p Packet) ([]byte, error) {
	flags, body, err := p.encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	header, err := mqtt.FixedHeader{Type: p.Type(), Flags: flags, RemainingLength: len(body)}.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	return append(header, body...), nil
}

// Decode parses exactly one complete frame held in buf.
func Decode(buf []byte) (Packet, error) {
	r := bytes.NewReader(buf)
	header, err := mqtt.ReadFixedHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated fixed header", ErrMalformed)
		}
		return nil, err
	}

	body := buf[len(buf)-r.Len():]
	switch {
	case len(body) < header.RemainingLength:
		return nil, fmt.Errorf("%w: truncated %s packet, want %d bytes, got %d", ErrMalformed, header.Type, header.RemainingLength, len(body))
	case len(body) > header.RemainingLength:
		return nil, fmt.Errorf("%w: %d trailing bytes after %s packet", ErrMalformed, len(body)-header.RemainingLength, header.Type)
	}
	return DecodeBody(header, body)
}

// DecodeBody parses the variable header and payload described by header.
func DecodeBody(header mqtt.FixedHeader, body []byte) (Packet, error) {
	if len(body) != header.RemainingLength {
		return nil, fmt.Errorf("%w: remaining length %d does not match body length %d", ErrMalformed, header.RemainingLength, len(body))
	}

	r := newReader(body)
	var (
		p   Packet
		err error
	)
	switch header.Type {
	case mqtt.CONNECT:
		p, err = decodeConnect(r)
	case mqtt.CONNACK:
		p, err = decodeConnack(r)
	case mqtt.PUBLISH:
		p, err = decodePublish(header.Flags, r)
	case mqtt.PUBACK:
		p, err = decodeIdentifier(r, func(id uint16) Packet { return &Puback{ID: id} })
	case mqtt.PUBREC:
		p, err = decodeIdentifier(r, func(id uint16) Packet { return &Pubrec{ID: id} })
	case mqtt.PUBREL:
		p, err = decodeIdentifier(r, func(id uint16) Packet { return &Pubrel{ID: id} })
	case mqtt.PUBCOMP:
		p, err = decodeIdentifier(r, func(id uint16) Packet { return &Pubcomp{ID: id} })
	case mqtt.SUBSCRIBE:
		p, err = decodeSubscribe(r)
	case mqtt.SUBACK:
		p, err = decodeSuback(r)
	case mqtt.UNSUBSCRIBE:
		p, err = decodeUnsubscribe(r)
	case mqtt.UNSUBACK:
		p, err = decodeIdentifier(r, func(id uint16) Packet { return &Unsuback{ID: id} })
	case mqtt.PINGREQ:
		p = &Pingreq{}
	case mqtt.PINGRESP:
		p = &Pingresp{}
	case mqtt.DISCONNECT:
		p = &Disconnect{}
	default:
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformed, byte(header.Type))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", header.Type, err)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d unread bytes in %s packet", ErrMalformed, r.remaining(), header.Type)
	}
	return p, nil
}

func decodeIdentifier(r *reader, build func(uint16) Packet) (Packet, error) {
	id, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	return build(id), nil
}
