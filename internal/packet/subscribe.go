package packet

import (
	"errors"
	"fmt"

	"github.com/w0otness/opifex/internal/mqtt"
)

// SubscriptionFailure is the Suback return code of a refused topic filter.
const SubscriptionFailure byte = 0x80

type Subscription struct {
	TopicFilter string
	QoS         byte
}

type Subscribe struct {
	ID            uint16
	Subscriptions []Subscription
}

func (*Subscribe) Type() mqtt.PacketType { return mqtt.SUBSCRIBE }

func (p *Subscribe) encode() (byte, []byte, error) {
	if len(p.Subscriptions) == 0 {
		return 0, nil, errors.New("subscribe requires at least one topic filter")
	}
	body := appendUint16(nil, p.ID)
	var err error
	for _, sub := range p.Subscriptions {
		if !validQoS(sub.QoS) {
			return 0, nil, fmt.Errorf("invalid QoS %d for %q", sub.QoS, sub.TopicFilter)
		}
		if body, err = appendString(body, sub.TopicFilter); err != nil {
			return 0, nil, err
		}
		body = append(body, sub.QoS)
	}
	return mqtt.RequiredFlags(mqtt.SUBSCRIBE), body, nil
}

func decodeSubscribe(r *reader) (*Subscribe, error) {
	id, err := r.readUint16()
	if err != nil {
		return nil, fmt.Errorf("packet ID: %w", err)
	}
	result := &Subscribe{ID: id}

	for r.remaining() > 0 {
		topicFilter, err := r.readString()
		if err != nil {
			return nil, fmt.Errorf("topic filter: %w", err)
		}
		qos, err := r.readByte()
		if err != nil {
			return nil, fmt.Errorf("qos level: %w", err)
		}
		if !validQoS(qos) {
			return nil, fmt.Errorf("%w: requested QoS byte %#x", ErrMalformed, qos)
		}
		result.Subscriptions = append(result.Subscriptions, Subscription{TopicFilter: topicFilter, QoS: qos})
	}

	if len(result.Subscriptions) == 0 {
		return nil, fmt.Errorf("%w: subscribe without topic filters", ErrMalformed)
	}
	return result, nil
}

type Suback struct {
	ID uint16
	// ReturnCodes are positionally aligned with the Subscribe request.
	ReturnCodes []byte
}

func (*Suback) Type() mqtt.PacketType { return mqtt.SUBACK }

func (p *Suback) encode() (byte, []byte, error) {
	body := appendUint16(make([]byte, 0, 2+len(p.ReturnCodes)), p.ID)
	for _, code := range p.ReturnCodes {
		if !validQoS(code) && code != SubscriptionFailure {
			return 0, nil, fmt.Errorf("invalid return code %#x", code)
		}
	}
	return 0, append(body, p.ReturnCodes...), nil
}

func decodeSuback(r *reader) (*Suback, error) {
	id, err := r.readUint16()
	if err != nil {
		return nil, fmt.Errorf("packet ID: %w", err)
	}
	result := &Suback{ID: id}
	for _, code := range r.rest() {
		if !validQoS(code) && code != SubscriptionFailure {
			return nil, fmt.Errorf("%w: invalid return code %#x", ErrMalformed, code)
		}
		result.ReturnCodes = append(result.ReturnCodes, code)
	}
	return result, nil
}
