package database

import (
	"maps"
	"slices"
	"sync"
)

// PendingState is the step an outgoing QoS 1/2 publish is waiting for.
type PendingState byte

const (
	AwaitingPuback PendingState = iota + 1
	AwaitingPubrec
	AwaitingPubcomp
)

func (s PendingState) String() string {
	switch s {
	case AwaitingPuback:
		return "awaiting PUBACK"
	case AwaitingPubrec:
		return "awaiting PUBREC"
	case AwaitingPubcomp:
		return "awaiting PUBCOMP"
	}
	return "unknown"
}

type PendingPublish struct {
	Message Message
	State   PendingState
	// Sent is set once the PUBLISH has been written to a connection. Only a
	// sent publish is retransmitted with DUP.
	Sent bool
}

// OutgoingEntry is one row of OutgoingSnapshot.
type OutgoingEntry struct {
	ID uint16
	PendingPublish
}

// SessionData is the resumable state of one client session. Its methods are safe
// for concurrent use; the fields must only be touched directly before the value is shared.
type SessionData struct {
	mu sync.Mutex

	ClientID      string
	Clean         bool
	Subscriptions map[string]byte // 主题: QoS
	// 未确认的 QoS 1/2 出站消息（PacketID -> Message）
	PendingOutgoing map[uint16]*PendingPublish
	// 已收到但尚未 PUBREL 的 QoS 2 入站消息, nil 表示已确认但不投递
	PendingIncoming map[uint16]*Message
	PacketIDs       PacketIDManager
}

func NewSessionData(clientID string, clean bool) *SessionData {
	return &SessionData{
		ClientID:        clientID,
		Clean:           clean,
		Subscriptions:   make(map[string]byte),
		PendingOutgoing: make(map[uint16]*PendingPublish),
		PendingIncoming: make(map[uint16]*Message),
	}
}

// NextPacketID allocates an identifier not used by a pending outgoing publish
// nor reported by reserved.
func (session *SessionData) NextPacketID(reserved func(uint16) bool) (uint16, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.nextPacketID(reserved)
}

func (session *SessionData) nextPacketID(reserved func(uint16) bool) (uint16, error) {
	return session.PacketIDs.NextID(func(id uint16) bool {
		if _, ok := session.PendingOutgoing[id]; ok {
			return true
		}
		return reserved != nil && reserved(id)
	})
}

// AddOutgoing records msg as in flight and returns its packet identifier.
// QoS 0 messages are not recorded and get identifier 0.
func (session *SessionData) AddOutgoing(msg Message, reserved func(uint16) bool) (uint16, error) {
	if msg.QoS == 0 {
		return 0, nil
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	id, err := session.nextPacketID(reserved)
	if err != nil {
		return 0, err
	}
	state := AwaitingPuback
	if msg.QoS == 2 {
		state = AwaitingPubrec
	}
	session.PendingOutgoing[id] = &PendingPublish{Message: msg, State: state}
	return id, nil
}

// MarkSent records that the publish id has been transmitted at least once.
func (session *SessionData) MarkSent(id uint16) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if pending, ok := session.PendingOutgoing[id]; ok {
		pending.Sent = true
	}
}

func (session *SessionData) HasOutgoing(id uint16) bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	_, ok := session.PendingOutgoing[id]
	return ok
}

// Puback completes a QoS 1 publish. It reports false for an unknown identifier.
func (session *SessionData) Puback(id uint16) bool {
	return session.complete(id, AwaitingPuback)
}

// Pubrec advances a QoS 2 publish to awaiting PUBCOMP. A repeated PUBREC for
// an already advanced identifier also reports true so PUBREL is sent again.
func (session *SessionData) Pubrec(id uint16) bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	pending, ok := session.PendingOutgoing[id]
	if !ok {
		return false
	}
	switch pending.State {
	case AwaitingPubrec:
		pending.State = AwaitingPubcomp
		return true
	case AwaitingPubcomp:
		return true
	}
	return false
}

// Pubcomp completes a QoS 2 publish.
func (session *SessionData) Pubcomp(id uint16) bool {
	return session.complete(id, AwaitingPubcomp)
}

func (session *SessionData) complete(id uint16, want PendingState) bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	pending, ok := session.PendingOutgoing[id]
	if !ok || pending.State != want {
		return false
	}
	delete(session.PendingOutgoing, id)
	return true
}

// MarkIncoming records a received QoS 2 publish and reports whether the identifier was new.
func (session *SessionData) MarkIncoming(id uint16, msg *Message) bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	if _, ok := session.PendingIncoming[id]; ok {
		return false
	}
	session.PendingIncoming[id] = msg
	return true
}

// ReleaseIncoming removes a received QoS 2 publish on PUBREL.
func (session *SessionData) ReleaseIncoming(id uint16) (*Message, bool) {
	session.mu.Lock()
	defer session.mu.Unlock()
	msg, ok := session.PendingIncoming[id]
	if ok {
		delete(session.PendingIncoming, id)
	}
	return msg, ok
}

// OutgoingSnapshot lists the in-flight publishes ordered by identifier.
func (session *SessionData) OutgoingSnapshot() []OutgoingEntry {
	session.mu.Lock()
	defer session.mu.Unlock()
	result := make([]OutgoingEntry, 0, len(session.PendingOutgoing))
	for _, id := range slices.Sorted(maps.Keys(session.PendingOutgoing)) {
		result = append(result, OutgoingEntry{ID: id, PendingPublish: *session.PendingOutgoing[id]})
	}
	return result
}

func (session *SessionData) AddSubscription(topicFilter string, qos byte) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.Subscriptions[topicFilter] = qos
}

func (session *SessionData) RemoveSubscription(topicFilter string) bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	_, ok := session.Subscriptions[topicFilter]
	delete(session.Subscriptions, topicFilter)
	return ok
}

func (session *SessionData) SubscriptionsSnapshot() map[string]byte {
	session.mu.Lock()
	defer session.mu.Unlock()
	return maps.Clone(session.Subscriptions)
}

func (session *SessionData) IsClean() bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.Clean
}

// DiscardInFlight drops the exchanges a new peer session cannot complete: every
// unreleased incoming QoS 2 message and every publish already acknowledged by
// PUBREC. The remaining publishes restart as new, unsent messages. It returns
// the number of discarded entries.
func (session *SessionData) DiscardInFlight() int {
	session.mu.Lock()
	defer session.mu.Unlock()
	discarded := len(session.PendingIncoming)
	clear(session.PendingIncoming)
	for id, pending := range session.PendingOutgoing {
		if pending.State == AwaitingPubcomp {
			delete(session.PendingOutgoing, id)
			discarded++
			continue
		}
		pending.Sent = false
	}
	return discarded
}

// Reset discards every subscription and in-flight message.
func (session *SessionData) Reset() {
	session.mu.Lock()
	defer session.mu.Unlock()
	clear(session.Subscriptions)
	clear(session.PendingOutgoing)
	clear(session.PendingIncoming)
	session.PacketIDs = PacketIDManager{}
}
