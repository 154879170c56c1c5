package session

import (
	"github.com/w0otness/opifex/internal/database"
	"github.com/w0otness/opifex/internal/packet"
)

// reservedLocked reports identifiers held by pending SUBSCRIBE/UNSUBSCRIBE requests.
// c.mu must be held.
func (c *Context) reservedLocked(id uint16) bool {
	if _, ok := c.subscribes[id]; ok {
		return true
	}
	_, ok := c.unsubscribes[id]
	return ok
}

// Publish sends msg. The result resolves once the message is sent (QoS 0),
// acknowledged (QoS 1) or completed (QoS 2). An unacknowledged message stays
// in the session and is redelivered after the session resumes.
func (c *Context) Publish(msg database.Message) (*Result[struct{}], error) {
	result := NewResult[struct{}]()

	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id, err := c.data.AddOutgoing(msg, c.reservedLocked)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if msg.QoS > 0 {
		c.publishes[id] = result
		// 写入失败时连接随之关闭, 重发仍带 DUP
		c.data.MarkSent(id)
	}
	c.mu.Unlock()

	if msg.QoS > 0 {
		c.Persist()
	}
	err = c.conn.Send(&packet.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
		ID:      id,
	})
	if err != nil {
		return nil, err
	}
	if msg.QoS == 0 {
		result.Resolve(struct{}{})
	}
	return result, nil
}

// Subscribe sends SUBSCRIBE. The result carries the SUBACK return codes in request order.
func (c *Context) Subscribe(subscriptions []packet.Subscription) (*Result[[]byte], error) {
	result := NewResult[[]byte]()

	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id, err := c.data.NextPacketID(c.reservedLocked)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.subscribes[id] = result
	c.mu.Unlock()

	if err := c.conn.Send(&packet.Subscribe{ID: id, Subscriptions: subscriptions}); err != nil {
		return nil, err
	}
	return result, nil
}

// Unsubscribe sends UNSUBSCRIBE. The result resolves on UNSUBACK.
func (c *Context) Unsubscribe(topicFilters []string) (*Result[struct{}], error) {
	result := NewResult[struct{}]()

	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id, err := c.data.NextPacketID(c.reservedLocked)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.unsubscribes[id] = result
	c.mu.Unlock()

	if err := c.conn.Send(&packet.Unsubscribe{ID: id, TopicFilters: topicFilters}); err != nil {
		return nil, err
	}
	return result, nil
}

// Redeliver resends the session's unacknowledged messages: PUBLISH while
// waiting for PUBACK or PUBREC, PUBREL while waiting for PUBCOMP. DUP is set
// only on a PUBLISH that was transmitted before.
func (c *Context) Redeliver() error {
	data := c.Session()
	if data == nil {
		return nil
	}
	entries := data.OutgoingSnapshot()
	if len(entries) > 0 {
		c.log.Info("Redeliver pending messages", "count", len(entries))
	}
	for _, entry := range entries {
		var p packet.Packet
		if entry.State == database.AwaitingPubcomp {
			p = &packet.Pubrel{ID: entry.ID}
		} else {
			p = &packet.Publish{
				Topic:   entry.Message.Topic,
				Payload: entry.Message.Payload,
				QoS:     entry.Message.QoS,
				Retain:  entry.Message.Retain,
				Dup:     entry.Sent,
				ID:      entry.ID,
			}
			data.MarkSent(entry.ID)
		}
		if err := c.conn.Send(p); err != nil {
			return err
		}
	}
	return nil
}
