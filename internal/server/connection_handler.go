package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/w0otness/opifex/internal/auth"
	"github.com/w0otness/opifex/internal/connection"
	"github.com/w0otness/opifex/internal/database"
	"github.com/w0otness/opifex/internal/packet"
	"github.com/w0otness/opifex/internal/session"
	"github.com/w0otness/opifex/internal/topics"
)

type connectionHandler struct {
	server   *Server
	ctx      *session.Context
	connID   string
	clientID string
	identity auth.Identity
	will     *database.WillMessage
}

func newConnectionHandler(s *Server, rw io.ReadWriteCloser, connID string) *connectionHandler {
	h := &connectionHandler{server: s, connID: connID}
	h.ctx = session.New(connection.New(rw, connID, s.log), session.Options{
		Role:          session.RoleServer,
		Store:         s.store,
		Logger:        s.log,
		AcceptPublish: h.acceptPublish,
		OnMessage:     h.onMessage,
		OnClose:       h.onClose,
		Dispatch:      h.dispatch,
	})
	return h
}

func (h *connectionHandler) handleConnection() {
	_ = h.ctx.Conn().SetReadDeadline(time.Now().Add(h.server.connectTimeout))
	h.ctx.Serve()
}

func (h *connectionHandler) dispatch(_ *session.Context, p packet.Packet) error {
	switch p := p.(type) {
	case *packet.Connect:
		return h.handleConnect(p)
	case *packet.Subscribe:
		return h.handleSubscribe(p)
	case *packet.Unsubscribe:
		return h.handleUnsubscribe(p)
	}
	return fmt.Errorf("%w: %s packet has not been supported", session.ErrProtocolViolation, p.Type())
}

// refuse answers CONNECT with code. The returned error closes the connection.
func (h *connectionHandler) refuse(code packet.ConnectReturnCode) error {
	if err := h.ctx.Conn().Send(&packet.Connack{ReturnCode: code}); err != nil {
		return err
	}
	return code
}

func (h *connectionHandler) handleConnect(connect *packet.Connect) error {
	log := h.ctx.Logger()
	s := h.server

	if connect.ProtocolName != packet.ProtocolName || connect.ProtocolLevel != packet.ProtocolLevel {
		log.Warn("Unsupported protocol", "name", connect.ProtocolName, "level", connect.ProtocolLevel)
		return h.refuse(packet.UnacceptableProtocol)
	}
	if connect.Will != nil {
		if err := topics.ValidateTopicName(connect.Will.Topic); err != nil {
			return fmt.Errorf("%w: will topic: %w", session.ErrProtocolViolation, err)
		}
	}

	clientID := connect.ClientID
	if clientID == "" {
		if !connect.Clean {
			log.Warn("Empty client id requires a clean session")
			return h.refuse(packet.IdentifierRejected)
		}
		clientID = uuid.NewString()
	}

	h.identity = auth.Identity{ClientID: clientID, Username: connect.Username, RemoteAddr: h.ctx.Conn().RemoteAddr()}
	if code := s.policy.Authenticate(context.Background(), h.identity, connect.Password); code != packet.Accepted {
		log.Warn("Authentication failed", "client", clientID, "username", connect.Username, "code", code.String())
		return h.refuse(code)
	}

	// 接管同一 clientID 的旧连接, 等待其清理完成后再加载会话
	h.clientID = clientID
	if previous, ok := s.sessions.Swap(clientID, h.ctx); ok {
		log.Info("Session taken over", "client", clientID)
		previous.Close(ErrSessionTakenOver)
		<-previous.Done()
	}

	data, present, err := s.store.LoadSession(clientID, connect.Clean)
	if err != nil {
		log.Error("Fail to load session", "client", clientID, "error", err)
		return h.refuse(packet.ServerUnavailable)
	}

	if connect.Will != nil {
		h.will = database.NewWillMessage(clientID, connect.Will.Topic, connect.Will.Payload, connect.Will.QoS, connect.Will.Retain)
		err = s.store.SaveWillMessage(h.will)
	} else {
		err = s.store.DeleteWillMessage(clientID)
	}
	if err != nil {
		log.Error("Fail to store will message", "client", clientID, "error", err)
	}

	if err := h.ctx.Conn().Send(&packet.Connack{SessionPresent: present}); err != nil {
		return err
	}
	h.ctx.Attach(data, present, time.Duration(connect.KeepAlive)*time.Second)
	log.Info("Client connected",
		"client", clientID,
		"username", connect.Username,
		"clean", connect.Clean,
		"keep_alive", connect.KeepAlive,
		"session_present", present,
	)
	return h.ctx.Redeliver()
}

func (h *connectionHandler) handleSubscribe(p *packet.Subscribe) error {
	log := h.ctx.Logger()
	s := h.server
	data := h.ctx.Session()

	codes := make([]byte, len(p.Subscriptions))
	accepted := make([]packet.Subscription, 0, len(p.Subscriptions))
	for i, subscription := range p.Subscriptions {
		codes[i] = packet.SubscriptionFailure
		if err := topics.ValidateTopicFilter(subscription.TopicFilter); err != nil {
			log.Warn("Invalid topic filter", "filter", subscription.TopicFilter, "error", err)
			continue
		}
		if !s.policy.AuthorizeToSubscribe(context.Background(), h.identity, subscription.TopicFilter) {
			log.Warn("Subscription not authorized", "filter", subscription.TopicFilter)
			continue
		}
		err := s.store.Subscribe(database.Subscription{
			ClientID:  h.clientID,
			TopicName: subscription.TopicFilter,
			QoSLevel:  subscription.QoS,
		})
		if err != nil {
			log.Error("Fail to save subscription", "filter", subscription.TopicFilter, "error", err)
			continue
		}
		data.AddSubscription(subscription.TopicFilter, subscription.QoS)
		codes[i] = subscription.QoS
		accepted = append(accepted, subscription)
	}
	h.ctx.Persist()

	if err := h.ctx.Conn().Send(&packet.Suback{ID: p.ID, ReturnCodes: codes}); err != nil {
		return err
	}

	// SUBACK 之后投递保留消息
	for _, subscription := range accepted {
		messages, err := s.store.MatchRetained(subscription.TopicFilter)
		if err != nil {
			log.Error("Fail to query retained messages", "filter", subscription.TopicFilter, "error", err)
			continue
		}
		for _, msg := range messages {
			msg.QoS = min(msg.QoS, subscription.QoS)
			msg.Retain = true
			if _, err := h.ctx.Publish(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *connectionHandler) handleUnsubscribe(p *packet.Unsubscribe) error {
	data := h.ctx.Session()
	for _, topicFilter := range p.TopicFilters {
		if err := h.server.store.Unsubscribe(h.clientID, topicFilter); err != nil {
			h.ctx.Logger().Error("Fail to remove subscription", "filter", topicFilter, "error", err)
		}
		data.RemoveSubscription(topicFilter)
	}
	h.ctx.Persist()
	return h.ctx.Conn().Send(&packet.Unsuback{ID: p.ID})
}

func (h *connectionHandler) acceptPublish(msg database.Message) bool {
	log := h.ctx.Logger()
	if err := topics.ValidateTopicName(msg.Topic); err != nil {
		log.Warn("Drop message with invalid topic", "topic", msg.Topic, "error", err)
		return false
	}
	if !h.server.policy.AuthorizeToPublish(context.Background(), h.identity, msg.Topic) {
		log.Warn("Publish not authorized", "topic", msg.Topic)
		return false
	}
	return true
}

func (h *connectionHandler) onMessage(msg database.Message, _ bool) {
	if err := h.server.Publish(msg); err != nil {
		h.ctx.Logger().Error("Fail to publish message", "topic", msg.Topic, "error", err)
	}
}

func (h *connectionHandler) onClose(err error) {
	if h.clientID == "" {
		return
	}
	s := h.server
	log := h.ctx.Logger()
	owner := s.sessions.CompareAndDelete(h.clientID, h.ctx)
	graceful := h.ctx.State() == session.Disconnected

	if !graceful && h.will != nil {
		msg := h.will.Message()
		if s.policy.AuthorizeToPublish(context.Background(), h.identity, msg.Topic) {
			log.Info("Publish will message", "topic", msg.Topic)
			if err := s.Publish(msg); err != nil {
				log.Error("Fail to publish will message", "error", err)
			}
		} else {
			log.Warn("Will message not authorized", "topic", msg.Topic)
		}
	}

	if !owner {
		return
	}
	if err := s.store.DeleteWillMessage(h.clientID); err != nil {
		log.Error("Fail to delete will message", "error", err)
	}
	if data := h.ctx.Session(); data != nil && data.IsClean() {
		if err := s.store.DeleteSession(h.clientID); err != nil {
			log.Error("Fail to delete session", "error", err)
		}
	}
	log.Info("Client offline", "client", h.clientID, "graceful", graceful, "reason", err)
}
