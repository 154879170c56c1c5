package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	c "github.com/w0otness/opifex/internal/config"
	"github.com/w0otness/opifex/internal/logger"
)

func TestSessionDocument(t *testing.T) {
	session := NewSessionData("c", false)
	session.AddSubscription("a/$x.y", 2)
	id, err := session.AddOutgoing(Message{Topic: "a", Payload: []byte("p"), QoS: 2}, nil)
	require.NoError(t, err)
	require.True(t, session.Pubrec(id))
	session.MarkSent(id)
	session.MarkIncoming(9, &Message{Topic: "b", QoS: 2})
	session.MarkIncoming(10, nil)

	data, err := bson.Marshal(newSessionDocument(session))
	require.NoError(t, err)

	var doc sessionDocument
	require.NoError(t, bson.Unmarshal(data, &doc))
	restored := doc.sessionData()

	assert.Equal(t, "c", restored.ClientID)
	assert.False(t, restored.IsClean())
	assert.Equal(t, session.SubscriptionsSnapshot(), restored.SubscriptionsSnapshot())
	assert.Equal(t, session.OutgoingSnapshot(), restored.OutgoingSnapshot())
	assert.True(t, restored.OutgoingSnapshot()[0].Sent)
	assert.Equal(t, session.PacketIDs, restored.PacketIDs)
	msg, ok := restored.ReleaseIncoming(9)
	require.True(t, ok)
	assert.Equal(t, "b", msg.Topic)
	msg, ok = restored.ReleaseIncoming(10)
	require.True(t, ok)
	assert.Nil(t, msg)
}

// 需要可用的 MongoDB, 通过 OPIFEX_MONGO_URI 指定
func TestDatabaseStore(t *testing.T) {
	uri := os.Getenv("OPIFEX_MONGO_URI")
	if uri == "" {
		t.Skip("OPIFEX_MONGO_URI not set")
	}

	config := c.DefaultConfig().Database
	config.URI = uri
	config.Database = "opifex_test_" + uuid.NewString()[:8]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := OpenDatabaseStore(ctx, config, "opifex-test", logger.Nop())
	require.NoError(t, err)
	defer func() {
		_ = store.db.Drop(context.Background())
		_ = store.Close(context.Background())
	}()

	session, present, err := store.LoadSession("c", false)
	require.NoError(t, err)
	require.False(t, present)
	session.AddSubscription("a/#", 1)
	_, err = session.AddOutgoing(Message{Topic: "a/b", Payload: []byte("x"), QoS: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.SaveSession(session))
	require.NoError(t, store.Subscribe(Subscription{ClientID: "c", TopicName: "a/#", QoSLevel: 1}))
	require.NoError(t, store.Retain(Message{Topic: "a/b", Payload: []byte("r"), Retain: true}))
	require.NoError(t, store.SaveWillMessage(NewWillMessage("c", "w", []byte("bye"), 0, false)))

	// 新的 store 从数据库恢复
	reopened, err := NewDatabaseStore(ctx, store.client, config, logger.Nop())
	require.NoError(t, err)

	resumed, present, err := reopened.LoadSession("c", false)
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, session.OutgoingSnapshot(), resumed.OutgoingSnapshot())

	subscribers, err := reopened.MatchSubscribers("a/b")
	require.NoError(t, err)
	assert.Equal(t, []Subscription{{ClientID: "c", TopicName: "a/#", QoSLevel: 1}}, subscribers)

	retained, err := reopened.MatchRetained("a/+")
	require.NoError(t, err)
	require.Len(t, retained, 1)
	assert.Equal(t, []byte("r"), retained[0].Payload)

	will, err := reopened.GetWillMessage("c")
	require.NoError(t, err)
	require.NotNil(t, will)
	assert.Equal(t, "w", will.Topic)

	require.NoError(t, reopened.DeleteSession("c"))
	_, err = reopened.GetSession("c")
	require.ErrorIs(t, err, ErrSessionNotFound)
	subscribers, err = reopened.MatchSubscribers("a/b")
	require.NoError(t, err)
	assert.Empty(t, subscribers)
}
