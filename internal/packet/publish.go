package packet

import (
	"errors"
	"fmt"

	"github.com/w0otness/opifex/internal/mqtt"
)

type Publish struct {
	Topic string
	// Payload decodes as nil when empty; nil and an empty slice encode the same.
	Payload []byte
	QoS     byte
	Dup     bool
	Retain  bool
	// ID is only present on the wire when QoS > 0.
	ID uint16
}

func (*Publish) Type() mqtt.PacketType { return mqtt.PUBLISH }

func (p *Publish) encode() (byte, []byte, error) {
	if !validQoS(p.QoS) {
		return 0, nil, fmt.Errorf("invalid QoS %d", p.QoS)
	}
	if p.QoS == 0 && p.Dup {
		return 0, nil, errors.New("dup flag must not be set for QoS 0")
	}
	if p.QoS > 0 && p.ID == 0 {
		return 0, nil, errors.New("packet identifier required for QoS > 0")
	}

	flags := p.QoS << 1
	if p.Dup {
		flags |= mqtt.FlagDup
	}
	if p.Retain {
		flags |= mqtt.FlagRetain
	}

	body, err := appendString(make([]byte, 0, 4+len(p.Topic)+len(p.Payload)), p.Topic)
	if err != nil {
		return 0, nil, err
	}
	if p.QoS > 0 {
		body = appendUint16(body, p.ID)
	}
	return flags, append(body, p.Payload...), nil
}

func decodePublish(flags byte, r *reader) (*Publish, error) {
	result := &Publish{
		Dup:    flags&mqtt.FlagDup != 0,
		QoS:    (flags & mqtt.FlagQoSMask) >> 1,
		Retain: flags&mqtt.FlagRetain != 0,
	}

	if result.QoS == 3 {
		return nil, fmt.Errorf("%w: the QoS level must not be 3", ErrMalformed)
	}
	if result.QoS == 0 && result.Dup {
		return nil, fmt.Errorf("%w: when QoS level is 0, dup flag must be 0", ErrMalformed)
	}

	var err error
	if result.Topic, err = r.readString(); err != nil {
		return nil, fmt.Errorf("topic name: %w", err)
	}
	if result.QoS > 0 {
		if result.ID, err = r.readUint16(); err != nil {
			return nil, fmt.Errorf("packet ID: %w", err)
		}
		if result.ID == 0 {
			return nil, fmt.Errorf("%w: packet ID must be non-zero", ErrMalformed)
		}
	}
	if payload := r.rest(); len(payload) > 0 {
		result.Payload = payload
	}
	return result, nil
}
