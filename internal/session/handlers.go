package session

import (
	"fmt"

	"github.com/w0otness/opifex/internal/database"
	"github.com/w0otness/opifex/internal/packet"
)

// Handle processes one received packet. A returned error ends the connection.
func (c *Context) Handle(p packet.Packet) error {
	switch c.State() {
	case Unauthenticated:
		connect, ok := p.(*packet.Connect)
		if c.opts.Role != RoleServer || !ok {
			return fmt.Errorf("%w: %s packet before CONNECT", ErrProtocolViolation, p.Type())
		}
		c.setState(Authenticating)
		return c.dispatch(connect)
	case Authenticating:
		connack, ok := p.(*packet.Connack)
		if c.opts.Role != RoleClient || !ok {
			return fmt.Errorf("%w: %s packet while authenticating", ErrProtocolViolation, p.Type())
		}
		return c.handleConnack(connack)
	case Connected:
	default:
		return ErrConnectionClosed
	}

	switch p := p.(type) {
	case *packet.Connect:
		return fmt.Errorf("%w: duplicate CONNECT packet", ErrProtocolViolation)
	case *packet.Connack:
		return fmt.Errorf("%w: duplicate CONNACK packet", ErrProtocolViolation)
	case *packet.Publish:
		return c.handlePublish(p)
	case *packet.Puback:
		c.handlePuback(p)
	case *packet.Pubrec:
		return c.handlePubrec(p)
	case *packet.Pubrel:
		return c.handlePubrel(p)
	case *packet.Pubcomp:
		c.handlePubcomp(p)
	case *packet.Suback:
		c.handleSuback(p)
	case *packet.Unsuback:
		c.handleUnsuback(p)
	case *packet.Pingreq:
		return c.conn.Send(&packet.Pingresp{})
	case *packet.Pingresp:
		c.log.Debug("Receive PINGRESP")
	case *packet.Disconnect:
		if c.opts.Role != RoleServer {
			return fmt.Errorf("%w: DISCONNECT from server", ErrProtocolViolation)
		}
		c.log.Info("Client disconnect")
		c.setState(Disconnected)
		_ = c.conn.Close()
	default:
		return c.dispatch(p)
	}
	return nil
}

func (c *Context) dispatch(p packet.Packet) error {
	if c.opts.Dispatch == nil {
		return fmt.Errorf("%w: %s packet has not been supported", ErrProtocolViolation, p.Type())
	}
	return c.opts.Dispatch(c, p)
}

func (c *Context) handleConnack(connack *packet.Connack) error {
	c.mu.Lock()
	result := c.connectResult
	c.connectResult = nil
	if connack.ReturnCode == packet.Accepted {
		c.state = Connected
	}
	c.mu.Unlock()

	if connack.ReturnCode != packet.Accepted {
		if result != nil {
			result.Reject(connack.ReturnCode)
		}
		return connack.ReturnCode
	}

	c.log.Info("Connection accepted", "session_present", connack.SessionPresent)
	if !connack.SessionPresent {
		// 服务端没有保留会话, 旧的 QoS 2 交互无法完成
		if data := c.Session(); data != nil {
			if discarded := data.DiscardInFlight(); discarded > 0 {
				c.log.Info("Discard in-flight state of the previous session", "count", discarded)
				c.Persist()
			}
		}
	}
	if result != nil {
		result.Resolve(connack.ReturnCode)
	}
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(connack.SessionPresent)
	}
	return c.Redeliver()
}

func (c *Context) accept(msg database.Message) bool {
	return c.opts.AcceptPublish == nil || c.opts.AcceptPublish(msg)
}

func (c *Context) notify(msg database.Message, dup bool) {
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg, dup)
	}
}

func (c *Context) handlePublish(p *packet.Publish) error {
	msg := database.Message{Topic: p.Topic, Payload: p.Payload, QoS: p.QoS, Retain: p.Retain}

	switch p.QoS {
	case 0:
		if c.accept(msg) {
			c.notify(msg, p.Dup)
		}
		return nil
	case 1:
		if c.accept(msg) {
			c.notify(msg, p.Dup)
		}
		return c.conn.Send(&packet.Puback{ID: p.ID})
	}

	// QoS 2: 在 PUBREL 之前只记录, 不投递
	var pending *database.Message
	if c.accept(msg) {
		pending = &msg
	}
	if c.Session().MarkIncoming(p.ID, pending) {
		c.Persist()
	} else {
		c.log.Debug("Duplicate QoS 2 publish", "id", p.ID)
	}
	return c.conn.Send(&packet.Pubrec{ID: p.ID})
}

func (c *Context) handlePuback(p *packet.Puback) {
	if !c.Session().Puback(p.ID) {
		c.log.Debug("Ignore PUBACK for unknown packet id", "id", p.ID)
		return
	}
	c.Persist()
	c.completePublish(p.ID)
}

func (c *Context) handlePubrec(p *packet.Pubrec) error {
	if !c.Session().Pubrec(p.ID) {
		c.log.Debug("Ignore PUBREC for unknown packet id", "id", p.ID)
		return nil
	}
	c.Persist()
	return c.conn.Send(&packet.Pubrel{ID: p.ID})
}

func (c *Context) handlePubrel(p *packet.Pubrel) error {
	msg, ok := c.Session().ReleaseIncoming(p.ID)
	if !ok {
		// 上次的 PUBCOMP 可能已丢失, 仍需应答以结束对端的交互
		c.log.Debug("PUBREL for unknown packet id", "id", p.ID)
		return c.conn.Send(&packet.Pubcomp{ID: p.ID})
	}
	c.Persist()
	if msg != nil {
		c.notify(*msg, false)
	}
	return c.conn.Send(&packet.Pubcomp{ID: p.ID})
}

func (c *Context) handlePubcomp(p *packet.Pubcomp) {
	if !c.Session().Pubcomp(p.ID) {
		c.log.Debug("Ignore PUBCOMP for unknown packet id", "id", p.ID)
		return
	}
	c.Persist()
	c.completePublish(p.ID)
}

func (c *Context) completePublish(id uint16) {
	c.mu.Lock()
	result, ok := c.publishes[id]
	delete(c.publishes, id)
	c.mu.Unlock()
	if ok {
		result.Resolve(struct{}{})
	}
}

func (c *Context) handleSuback(p *packet.Suback) {
	c.mu.Lock()
	result, ok := c.subscribes[p.ID]
	delete(c.subscribes, p.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Ignore SUBACK for unknown packet id", "id", p.ID)
		return
	}
	result.Resolve(p.ReturnCodes)
}

func (c *Context) handleUnsuback(p *packet.Unsuback) {
	c.mu.Lock()
	result, ok := c.unsubscribes[p.ID]
	delete(c.unsubscribes, p.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Ignore UNSUBACK for unknown packet id", "id", p.ID)
		return
	}
	result.Resolve(struct{}{})
}
