package packet

import (
	"errors"
	"fmt"

	"github.com/w0otness/opifex/internal/mqtt"
)

type Unsubscribe struct {
	ID           uint16
	TopicFilters []string
}

func (*Unsubscribe) Type() mqtt.PacketType { return mqtt.UNSUBSCRIBE }

func (p *Unsubscribe) encode() (byte, []byte, error) {
	if len(p.TopicFilters) == 0 {
		return 0, nil, errors.New("unsubscribe requires at least one topic filter")
	}
	body := appendUint16(nil, p.ID)
	var err error
	for _, filter := range p.TopicFilters {
		if body, err = appendString(body, filter); err != nil {
			return 0, nil, err
		}
	}
	return mqtt.RequiredFlags(mqtt.UNSUBSCRIBE), body, nil
}

func decodeUnsubscribe(r *reader) (*Unsubscribe, error) {
	id, err := r.readUint16()
	if err != nil {
		return nil, fmt.Errorf("packet ID: %w", err)
	}
	result := &Unsubscribe{ID: id}

	for r.remaining() > 0 {
		topicFilter, err := r.readString()
		if err != nil {
			return nil, fmt.Errorf("topic filter: %w", err)
		}
		result.TopicFilters = append(result.TopicFilters, topicFilter)
	}

	if len(result.TopicFilters) == 0 {
		return nil, fmt.Errorf("%w: unsubscribe without topic filters", ErrMalformed)
	}
	return result, nil
}
