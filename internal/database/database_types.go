// Package database holds everything a broker or client keeps about its sessions:
// subscriptions, retained messages, will messages and in-flight QoS state.
package database

import (
	"context"
	"errors"
)

const (
	SessionCollectionName      = "sessions"
	WillMessageCollectionName  = "will_messages"
	SubscriptionCollectionName = "subscriptions"
	RetainedCollectionName     = "retained_messages"
)

var (
	ErrClientIdEmpty   = errors.New("client_id is empty")
	ErrSessionNotFound = errors.New("session does not exist")
	ErrNoPacketID      = errors.New("no packet identifier available")
)

// Message is an application message as stored and delivered.
type Message struct {
	Topic   string `bson:"topic" json:"topic"`
	Payload []byte `bson:"payload" json:"payload"`
	QoS     byte   `bson:"qos" json:"qos"`
	Retain  bool   `bson:"retain" json:"retain"`
}

// Subscription is a topic filter granted to a client.
type Subscription struct {
	ClientID  string `bson:"client_id"`
	TopicName string `bson:"topic_name"`
	QoSLevel  byte   `bson:"qos_level"`
}

type WillMessage struct {
	ClientID string `bson:"client_id"`
	Topic    string `bson:"topic"`
	QoS      byte   `bson:"qos"`
	Content  []byte `bson:"content"`
	Retained bool   `bson:"retained"`
}

func NewWillMessage(clientID string, topic string, content []byte, qos byte, retained bool) *WillMessage {
	return &WillMessage{
		ClientID: clientID,
		Topic:    topic,
		QoS:      qos,
		Content:  content,
		Retained: retained,
	}
}

func (w *WillMessage) Message() Message {
	return Message{Topic: w.Topic, Payload: w.Content, QoS: w.QoS, Retain: w.Retained}
}

type SessionStore interface {
	// LoadSession returns the session to use for a new connection. A clean
	// request or a missing/clean predecessor yields fresh state and present=false.
	LoadSession(clientID string, clean bool) (session *SessionData, present bool, err error)
	GetSession(clientID string) (*SessionData, error)
	SaveSession(session *SessionData) error
	// DeleteSession drops the session together with its subscriptions.
	DeleteSession(clientID string) error
}

type SubscriptionStore interface {
	Subscribe(subscription Subscription) error
	Unsubscribe(clientID string, topicFilter string) error
	// MatchSubscribers returns every subscription whose filter matches topic.
	// A client may appear more than once.
	MatchSubscribers(topic string) ([]Subscription, error)
}

type RetainedStore interface {
	// Retain stores msg for its topic, or clears the topic when the payload is empty.
	Retain(msg Message) error
	MatchRetained(topicFilter string) ([]Message, error)
}

type WillMessageStore interface {
	// GetWillMessage returns nil without error when the client registered no will.
	GetWillMessage(clientID string) (*WillMessage, error)
	SaveWillMessage(willMessage *WillMessage) error
	DeleteWillMessage(clientID string) error
}

// Store is shared by every session of one endpoint.
type Store interface {
	SessionStore
	SubscriptionStore
	RetainedStore
	WillMessageStore
	Close(ctx context.Context) error
}
