package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w0otness/opifex/internal/topics"
)

func TestMemorySessionStore(t *testing.T) {
	store := NewMemoryStore()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, store.SaveSession(NewSessionData(id, false)))
	}

	_, err := store.GetSession("2")
	require.NoError(t, err)

	require.NoError(t, store.DeleteSession("1"))
	_, err = store.GetSession("1")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.GetSession("")
	require.ErrorIs(t, err, ErrClientIdEmpty)
	require.ErrorIs(t, store.SaveSession(NewSessionData("", true)), ErrClientIdEmpty)
}

func TestLoadSessionResume(t *testing.T) {
	store := NewMemoryStore()

	session, present, err := store.LoadSession("c", false)
	require.NoError(t, err)
	require.False(t, present)
	session.AddSubscription("a/+", 1)
	require.NoError(t, store.Subscribe(Subscription{ClientID: "c", TopicName: "a/+", QoSLevel: 1}))
	_, err = session.AddOutgoing(Message{Topic: "a/b", QoS: 1}, nil)
	require.NoError(t, err)

	resumed, present, err := store.LoadSession("c", false)
	require.NoError(t, err)
	require.True(t, present)
	require.Same(t, session, resumed)
	require.Len(t, resumed.OutgoingSnapshot(), 1)

	// clean 连接丢弃之前的状态和订阅
	fresh, present, err := store.LoadSession("c", true)
	require.NoError(t, err)
	require.False(t, present)
	require.NotSame(t, session, fresh)
	require.Empty(t, fresh.OutgoingSnapshot())
	subscribers, err := store.MatchSubscribers("a/b")
	require.NoError(t, err)
	require.Empty(t, subscribers)

	// clean 会话之后的非 clean 连接也不恢复
	_, present, err = store.LoadSession("c", false)
	require.NoError(t, err)
	require.False(t, present)

	_, _, err = store.LoadSession("", false)
	require.ErrorIs(t, err, ErrClientIdEmpty)
}

func TestMemorySubscriptions(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Subscribe(Subscription{ClientID: "x", TopicName: "sport/#", QoSLevel: 2}))
	require.NoError(t, store.Subscribe(Subscription{ClientID: "y", TopicName: "sport/+/live", QoSLevel: 1}))
	require.ErrorIs(t, store.Subscribe(Subscription{ClientID: "z", TopicName: "sport/#/live"}), topics.ErrInvalidTopicFilter)
	require.ErrorIs(t, store.Subscribe(Subscription{TopicName: "a"}), ErrClientIdEmpty)

	subscribers, err := store.MatchSubscribers("sport/football/live")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Subscription{
		{ClientID: "x", TopicName: "sport/#", QoSLevel: 2},
		{ClientID: "y", TopicName: "sport/+/live", QoSLevel: 1},
	}, subscribers)

	require.NoError(t, store.Unsubscribe("x", "sport/#"))
	subscribers, err = store.MatchSubscribers("sport/football/live")
	require.NoError(t, err)
	assert.Equal(t, []Subscription{{ClientID: "y", TopicName: "sport/+/live", QoSLevel: 1}}, subscribers)
}

func TestMemoryRetained(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Retain(Message{Topic: "a/b", Payload: []byte("1"), QoS: 1, Retain: true}))
	require.NoError(t, store.Retain(Message{Topic: "a/c", Payload: []byte("2"), Retain: true}))
	require.NoError(t, store.Retain(Message{Topic: "$SYS/x", Payload: []byte("3"), Retain: true}))

	messages, err := store.MatchRetained("a/+")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "a/b", messages[0].Topic)
	assert.Equal(t, "a/c", messages[1].Topic)

	messages, err = store.MatchRetained("#")
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	// 空负载清除保留消息
	require.NoError(t, store.Retain(Message{Topic: "a/b", Retain: true}))
	messages, err = store.MatchRetained("a/+")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "a/c", messages[0].Topic)
}

func TestMemoryWillMessage(t *testing.T) {
	store := NewMemoryStore()
	will, err := store.GetWillMessage("c")
	require.NoError(t, err)
	require.Nil(t, will)

	require.NoError(t, store.SaveWillMessage(NewWillMessage("c", "status", []byte("gone"), 1, true)))
	will, err = store.GetWillMessage("c")
	require.NoError(t, err)
	require.Equal(t, Message{Topic: "status", Payload: []byte("gone"), QoS: 1, Retain: true}, will.Message())

	require.NoError(t, store.DeleteWillMessage("c"))
	will, err = store.GetWillMessage("c")
	require.NoError(t, err)
	require.Nil(t, will)
	require.NoError(t, store.Close(context.Background()))
}
