package database

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/w0otness/opifex/internal/topics"
)

// MemoryStore is the in-process Store. Session values are shared, not copied,
// so mutations through SessionData methods are immediately visible.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]*SessionData
	willMessages map[string]*WillMessage
	retained     map[string]Message
	tree         *topicTree
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*SessionData),
		willMessages: make(map[string]*WillMessage),
		retained:     make(map[string]Message),
		tree:         newTopicTree(),
	}
}

func (ms *MemoryStore) LoadSession(clientID string, clean bool) (*SessionData, bool, error) {
	if clientID == "" {
		return nil, false, ErrClientIdEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	previous, ok := ms.sessions[clientID]
	if ok && !clean && !previous.IsClean() {
		return previous, true, nil
	}
	if ok {
		ms.dropSubscriptions(previous)
	}
	session := NewSessionData(clientID, clean)
	ms.sessions[clientID] = session
	return session, false, nil
}

func (ms *MemoryStore) GetSession(clientID string) (*SessionData, error) {
	if clientID == "" {
		return nil, ErrClientIdEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	session, ok := ms.sessions[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, clientID)
	}
	return session, nil
}

func (ms *MemoryStore) SaveSession(session *SessionData) error {
	if session.ClientID == "" {
		return ErrClientIdEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[session.ClientID] = session
	return nil
}

func (ms *MemoryStore) DeleteSession(clientID string) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if session, ok := ms.sessions[clientID]; ok {
		ms.dropSubscriptions(session)
		delete(ms.sessions, clientID)
	}
	return nil
}

func (ms *MemoryStore) dropSubscriptions(session *SessionData) {
	for topicFilter := range session.SubscriptionsSnapshot() {
		ms.tree.remove(session.ClientID, topicFilter)
	}
}

func (ms *MemoryStore) Subscribe(subscription Subscription) error {
	if subscription.ClientID == "" {
		return ErrClientIdEmpty
	}
	if err := topics.ValidateTopicFilter(subscription.TopicName); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tree.insert(subscription)
	return nil
}

func (ms *MemoryStore) Unsubscribe(clientID string, topicFilter string) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tree.remove(clientID, topicFilter)
	return nil
}

func (ms *MemoryStore) MatchSubscribers(topic string) ([]Subscription, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.tree.match(topic), nil
}

func (ms *MemoryStore) Retain(msg Message) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(msg.Payload) == 0 {
		delete(ms.retained, msg.Topic)
		return nil
	}
	msg.Payload = slices.Clone(msg.Payload)
	ms.retained[msg.Topic] = msg
	return nil
}

func (ms *MemoryStore) MatchRetained(topicFilter string) ([]Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return matchRetained(ms.retained, topicFilter), nil
}

func matchRetained(retained map[string]Message, topicFilter string) []Message {
	var result []Message
	for _, topic := range slices.Sorted(maps.Keys(retained)) {
		if topics.TopicMatch(topicFilter, topic) {
			result = append(result, retained[topic])
		}
	}
	return result
}

func (ms *MemoryStore) GetWillMessage(clientID string) (*WillMessage, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	message, ok := ms.willMessages[clientID]
	if !ok {
		return nil, nil
	}
	return message, nil
}

func (ms *MemoryStore) SaveWillMessage(willMessage *WillMessage) error {
	if willMessage.ClientID == "" {
		return ErrClientIdEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.willMessages[willMessage.ClientID] = willMessage
	return nil
}

func (ms *MemoryStore) DeleteWillMessage(clientID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.willMessages, clientID)
	return nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	return nil
}
