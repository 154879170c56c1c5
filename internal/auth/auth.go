// Package auth decides who may connect and which topics they may use.
package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/w0otness/opifex/internal/config"
	"github.com/w0otness/opifex/internal/packet"
	"github.com/w0otness/opifex/internal/topics"
)

// Identity describes the client asking for access.
type Identity struct {
	ClientID   string
	Username   string
	RemoteAddr string
}

// Policy is consulted by the server on CONNECT, PUBLISH and SUBSCRIBE.
type Policy interface {
	// Authenticate returns packet.Accepted or the refusal sent in CONNACK.
	// password is nil when the client sent none.
	Authenticate(ctx context.Context, identity Identity, password []byte) packet.ConnectReturnCode
	AuthorizeToPublish(ctx context.Context, identity Identity, topic string) bool
	AuthorizeToSubscribe(ctx context.Context, identity Identity, topicFilter string) bool
}

// AllowAll accepts every client and every topic.
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, Identity, []byte) packet.ConnectReturnCode {
	return packet.Accepted
}

func (AllowAll) AuthorizeToPublish(context.Context, Identity, string) bool { return true }

func (AllowAll) AuthorizeToSubscribe(context.Context, Identity, string) bool { return true }

type user struct {
	password  string
	publish   []string
	subscribe []string
}

// UserTable authenticates against a fixed set of users. Passwords starting with
// "$2" are bcrypt hashes, others are compared as plain text. A user with topic
// lists may only publish to topics matching the publish filters and only
// subscribe to filters covered by the subscribe filters.
type UserTable struct {
	users          map[string]user
	allowAnonymous bool
}

func NewUserTable(users []config.User, allowAnonymous bool) *UserTable {
	table := &UserTable{users: make(map[string]user, len(users)), allowAnonymous: allowAnonymous}
	for _, u := range users {
		table.users[u.Username] = user{password: u.Password, publish: u.Publish, subscribe: u.Subscribe}
	}
	return table
}

func (t *UserTable) Authenticate(_ context.Context, identity Identity, password []byte) packet.ConnectReturnCode {
	if identity.Username == "" {
		if t.allowAnonymous {
			return packet.Accepted
		}
		return packet.NotAuthorized
	}
	u, ok := t.users[identity.Username]
	if !ok || password == nil {
		return packet.BadUsernameOrPassword
	}
	if strings.HasPrefix(u.password, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(u.password), password) != nil {
			return packet.BadUsernameOrPassword
		}
		return packet.Accepted
	}
	if subtle.ConstantTimeCompare([]byte(u.password), password) != 1 {
		return packet.BadUsernameOrPassword
	}
	return packet.Accepted
}

func (t *UserTable) AuthorizeToPublish(_ context.Context, identity Identity, topic string) bool {
	u, ok := t.users[identity.Username]
	if !ok {
		return t.allowAnonymous && identity.Username == ""
	}
	if len(u.publish) == 0 {
		return true
	}
	for _, filter := range u.publish {
		if topics.TopicMatch(filter, topic) {
			return true
		}
	}
	return false
}

func (t *UserTable) AuthorizeToSubscribe(_ context.Context, identity Identity, topicFilter string) bool {
	u, ok := t.users[identity.Username]
	if !ok {
		return t.allowAnonymous && identity.Username == ""
	}
	if len(u.subscribe) == 0 {
		return true
	}
	for _, allowed := range u.subscribe {
		if covers(allowed, topicFilter) {
			return true
		}
	}
	return false
}

// covers reports whether every topic matched by filter is also matched by allowed.
func covers(allowed, filter string) bool {
	allowedLevels := topics.Levels(allowed)
	filterLevels := topics.Levels(filter)
	for i, level := range allowedLevels {
		if level == topics.MultiLevelWildcard {
			return true
		}
		if i >= len(filterLevels) {
			return false
		}
		switch filterLevels[i] {
		case topics.MultiLevelWildcard:
			return false
		case topics.SingleLevelWildcard:
			if level != topics.SingleLevelWildcard {
				return false
			}
		default:
			if level != topics.SingleLevelWildcard && level != filterLevels[i] {
				return false
			}
		}
	}
	return len(allowedLevels) == len(filterLevels)
}
