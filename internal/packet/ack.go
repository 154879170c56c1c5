package packet

import "github.com/w0otness/opifex/internal/mqtt"

// Puback acknowledges a QoS 1 PUBLISH.
type Puback struct{ ID uint16 }

// Pubrec is the first reply of the QoS 2 exchange.
type Pubrec struct{ ID uint16 }

// Pubrel releases a QoS 2 message held by the receiver.
type Pubrel struct{ ID uint16 }

// Pubcomp completes the QoS 2 exchange.
type Pubcomp struct{ ID uint16 }

// Unsuback acknowledges an UNSUBSCRIBE.
type Unsuback struct{ ID uint16 }

func (*Puback) Type() mqtt.PacketType   { return mqtt.PUBACK }
func (*Pubrec) Type() mqtt.PacketType   { return mqtt.PUBREC }
func (*Pubrel) Type() mqtt.PacketType   { return mqtt.PUBREL }
func (*Pubcomp) Type() mqtt.PacketType  { return mqtt.PUBCOMP }
func (*Unsuback) Type() mqtt.PacketType { return mqtt.UNSUBACK }

func (p *Puback) encode() (byte, []byte, error)   { return 0, mqtt.UInt16ToByte(p.ID), nil }
func (p *Pubrec) encode() (byte, []byte, error)   { return 0, mqtt.UInt16ToByte(p.ID), nil }
func (p *Pubcomp) encode() (byte, []byte, error)  { return 0, mqtt.UInt16ToByte(p.ID), nil }
func (p *Unsuback) encode() (byte, []byte, error) { return 0, mqtt.UInt16ToByte(p.ID), nil }

func (p *Pubrel) encode() (byte, []byte, error) {
	return mqtt.RequiredFlags(mqtt.PUBREL), mqtt.UInt16ToByte(p.ID), nil
}
