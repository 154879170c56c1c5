package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/w0otness/opifex/internal/config"
	"github.com/w0otness/opifex/internal/topics"
	"github.com/w0otness/opifex/internal/utils"
)

type subscriptionDocument struct {
	TopicName string `bson:"topic_name"`
	QoSLevel  byte   `bson:"qos_level"`
}

type pendingDocument struct {
	ID      uint16       `bson:"id"`
	State   PendingState `bson:"state"`
	Message Message      `bson:"message"`
	Sent    bool         `bson:"sent"`
}

type incomingDocument struct {
	ID      uint16   `bson:"id"`
	Message *Message `bson:"message"`
}

// sessionDocument is the persisted form of a non-clean SessionData.
type sessionDocument struct {
	ClientID      string                 `bson:"client_id"`
	Subscriptions []subscriptionDocument `bson:"subscriptions"`
	Pending       []pendingDocument      `bson:"pending"`
	Incoming      []incomingDocument     `bson:"incoming"`
	LastPacketID  uint16                 `bson:"last_packet_id"`
	UpdatedAt     time.Time              `bson:"updated_at"`
}

func newSessionDocument(session *SessionData) *sessionDocument {
	session.mu.Lock()
	defer session.mu.Unlock()

	doc := &sessionDocument{
		ClientID:     session.ClientID,
		LastPacketID: session.PacketIDs.LastID,
		UpdatedAt:    time.Now(),
	}
	for _, topicName := range slices.Sorted(maps.Keys(session.Subscriptions)) {
		doc.Subscriptions = append(doc.Subscriptions, subscriptionDocument{TopicName: topicName, QoSLevel: session.Subscriptions[topicName]})
	}
	for _, id := range slices.Sorted(maps.Keys(session.PendingOutgoing)) {
		pending := session.PendingOutgoing[id]
		doc.Pending = append(doc.Pending, pendingDocument{ID: id, State: pending.State, Message: pending.Message, Sent: pending.Sent})
	}
	for _, id := range slices.Sorted(maps.Keys(session.PendingIncoming)) {
		doc.Incoming = append(doc.Incoming, incomingDocument{ID: id, Message: session.PendingIncoming[id]})
	}
	return doc
}

func (doc *sessionDocument) sessionData() *SessionData {
	session := NewSessionData(doc.ClientID, false)
	session.PacketIDs.LastID = doc.LastPacketID
	for _, subscription := range doc.Subscriptions {
		session.Subscriptions[subscription.TopicName] = subscription.QoSLevel
	}
	for _, pending := range doc.Pending {
		session.PendingOutgoing[pending.ID] = &PendingPublish{Message: pending.Message, State: pending.State, Sent: pending.Sent}
	}
	for _, incoming := range doc.Incoming {
		session.PendingIncoming[incoming.ID] = incoming.Message
	}
	return session
}

// DBStore keeps sessions, subscriptions, retained and will messages in MongoDB.
// Subscriptions and retained messages are mirrored in memory for matching;
// sessions are cached in an expiring LRU.
type DBStore struct {
	client           *mongo.Client
	db               *mongo.Database
	sessions         *mongo.Collection
	willMessages     *mongo.Collection
	subscriptions    *mongo.Collection
	retainedMessages *mongo.Collection
	operationTimeout time.Duration
	log              *slog.Logger
	sessionCache     *expirable.LRU[string, *SessionData]

	mu       sync.RWMutex
	tree     *topicTree
	retained map[string]Message
}

// OpenDatabaseStore connects to MongoDB and loads the subscription and retained indexes.
func OpenDatabaseStore(ctx context.Context, config c.Database, appName string, log *slog.Logger) (*DBStore, error) {
	client, err := ConnectDatabase(ctx, config, appName, log)
	if err != nil {
		return nil, err
	}
	store, err := NewDatabaseStore(ctx, client, config, log)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func NewDatabaseStore(ctx context.Context, client *mongo.Client, config c.Database, log *slog.Logger) (*DBStore, error) {
	db := client.Database(config.Database)
	cacheSize := config.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	ds := &DBStore{
		client:           client,
		db:               db,
		sessions:         db.Collection(SessionCollectionName),
		willMessages:     db.Collection(WillMessageCollectionName),
		subscriptions:    db.Collection(SubscriptionCollectionName),
		retainedMessages: db.Collection(RetainedCollectionName),
		operationTimeout: utils.ParseStringTimeOr(config.OperationTimeout, 5*time.Second),
		log:              log,
		sessionCache:     expirable.NewLRU[string, *SessionData](cacheSize, nil, utils.ParseStringTimeOr(config.CacheTTL, time.Hour)),
		tree:             newTopicTree(),
		retained:         make(map[string]Message),
	}
	if err := ds.createIndexes(ctx); err != nil {
		return nil, err
	}
	if err := ds.loadIndexes(ctx); err != nil {
		return nil, err
	}
	return ds, nil
}

func (ds *DBStore) createIndexes(ctx context.Context) error {
	indexes := []struct {
		collection *mongo.Collection
		model      mongo.IndexModel
	}{
		{ds.sessions, mongo.IndexModel{
			Keys:    bson.D{{Key: "client_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("sessions_client_id_unique"),
		}},
		{ds.willMessages, mongo.IndexModel{
			Keys:    bson.D{{Key: "client_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("will_messages_client_id_unique"),
		}},
		{ds.subscriptions, mongo.IndexModel{
			Keys:    bson.D{{Key: "client_id", Value: 1}, {Key: "topic_name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("subscriptions_client_topic_unique"),
		}},
		{ds.retainedMessages, mongo.IndexModel{
			Keys:    bson.D{{Key: "topic", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("retained_messages_topic_unique"),
		}},
	}
	for _, index := range indexes {
		if _, err := index.collection.Indexes().CreateOne(ctx, index.model); err != nil {
			return fmt.Errorf("error occurred while creating database indexes: %w", err)
		}
	}
	return nil
}

func (ds *DBStore) loadIndexes(ctx context.Context) error {
	var subscriptions []Subscription
	if err := ds.findAll(ctx, ds.subscriptions, &subscriptions); err != nil {
		return err
	}
	var retained []Message
	if err := ds.findAll(ctx, ds.retainedMessages, &retained); err != nil {
		return err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, subscription := range subscriptions {
		ds.tree.insert(subscription)
	}
	for _, msg := range retained {
		ds.retained[msg.Topic] = msg
	}
	ds.log.Info("Database indexes loaded", "subscriptions", len(subscriptions), "retained", len(retained))
	return nil
}

func (ds *DBStore) findAll(ctx context.Context, collection *mongo.Collection, result any) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	startTime := time.Now()
	cursor, err := collection.Find(ctx, bson.D{})
	if err != nil {
		return handleErr(err)
	}
	defer cursor.Close(ctx)
	if err := cursor.All(ctx, result); err != nil {
		return handleErr(err)
	}
	ds.log.Debug("Collection loaded", "collection", collection.Name(), "cost", time.Since(startTime))
	return nil
}

func handleErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ds.operationTimeout)
}

func (ds *DBStore) upsert(collection *mongo.Collection, filter bson.D, document any) error {
	ctx, cancel := ds.context()
	defer cancel()

	result, err := collection.ReplaceOne(ctx, filter, document, options.Replace().SetUpsert(true))
	if err != nil {
		return handleErr(err)
	}
	ds.log.Debug("Document saved",
		"collection", collection.Name(),
		"matched", result.MatchedCount,
		"modified", result.ModifiedCount,
		"upserted", result.UpsertedID != nil,
	)
	return nil
}

func (ds *DBStore) delete(collection *mongo.Collection, filter bson.D) error {
	ctx, cancel := ds.context()
	defer cancel()

	result, err := collection.DeleteMany(ctx, filter)
	if err != nil {
		return handleErr(err)
	}
	ds.log.Debug("Document deleted", "collection", collection.Name(), "deleted", result.DeletedCount)
	return nil
}

func (ds *DBStore) LoadSession(clientID string, clean bool) (*SessionData, bool, error) {
	if clientID == "" {
		return nil, false, ErrClientIdEmpty
	}
	if !clean {
		session, err := ds.GetSession(clientID)
		if err == nil && !session.IsClean() {
			return session, true, nil
		}
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, false, err
		}
	}

	if err := ds.DeleteSession(clientID); err != nil {
		return nil, false, err
	}
	session := NewSessionData(clientID, clean)
	ds.sessionCache.Add(clientID, session)
	if !clean {
		if err := ds.SaveSession(session); err != nil {
			return nil, false, err
		}
	}
	return session, false, nil
}

func (ds *DBStore) GetSession(clientID string) (*SessionData, error) {
	if clientID == "" {
		return nil, ErrClientIdEmpty
	}
	if session, ok := ds.sessionCache.Get(clientID); ok {
		return session, nil
	}

	ctx, cancel := ds.context()
	defer cancel()

	var doc sessionDocument
	startTime := time.Now()
	err := ds.sessions.FindOne(ctx, bson.D{{Key: "client_id", Value: clientID}}).Decode(&doc)
	ds.log.Debug("Session query", "client", clientID, "cost", time.Since(startTime))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, clientID)
	}
	if err != nil {
		return nil, handleErr(err)
	}

	session := doc.sessionData()
	ds.sessionCache.Add(clientID, session)
	return session, nil
}

// SaveSession writes non-clean sessions through to MongoDB. Clean sessions only live in the cache.
func (ds *DBStore) SaveSession(session *SessionData) error {
	if session.ClientID == "" {
		return ErrClientIdEmpty
	}
	ds.sessionCache.Add(session.ClientID, session)
	if session.IsClean() {
		return nil
	}
	return ds.upsert(ds.sessions, bson.D{{Key: "client_id", Value: session.ClientID}}, newSessionDocument(session))
}

func (ds *DBStore) DeleteSession(clientID string) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ds.sessionCache.Remove(clientID)
	filter := bson.D{{Key: "client_id", Value: clientID}}

	ds.mu.Lock()
	ds.tree.removeClient(clientID)
	ds.mu.Unlock()

	if err := ds.delete(ds.subscriptions, filter); err != nil {
		return err
	}
	return ds.delete(ds.sessions, filter)
}

func (ds *DBStore) Subscribe(subscription Subscription) error {
	if subscription.ClientID == "" {
		return ErrClientIdEmpty
	}
	if err := topics.ValidateTopicFilter(subscription.TopicName); err != nil {
		return err
	}
	filter := bson.D{{Key: "client_id", Value: subscription.ClientID}, {Key: "topic_name", Value: subscription.TopicName}}
	if err := ds.upsert(ds.subscriptions, filter, subscription); err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.tree.insert(subscription)
	return nil
}

func (ds *DBStore) Unsubscribe(clientID string, topicFilter string) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ds.mu.Lock()
	ds.tree.remove(clientID, topicFilter)
	ds.mu.Unlock()
	return ds.delete(ds.subscriptions, bson.D{{Key: "client_id", Value: clientID}, {Key: "topic_name", Value: topicFilter}})
}

func (ds *DBStore) MatchSubscribers(topic string) ([]Subscription, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.tree.match(topic), nil
}

func (ds *DBStore) Retain(msg Message) error {
	filter := bson.D{{Key: "topic", Value: msg.Topic}}
	var err error
	if len(msg.Payload) == 0 {
		err = ds.delete(ds.retainedMessages, filter)
	} else {
		err = ds.upsert(ds.retainedMessages, filter, msg)
	}
	if err != nil {
		return err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if len(msg.Payload) == 0 {
		delete(ds.retained, msg.Topic)
	} else {
		msg.Payload = slices.Clone(msg.Payload)
		ds.retained[msg.Topic] = msg
	}
	return nil
}

func (ds *DBStore) MatchRetained(topicFilter string) ([]Message, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return matchRetained(ds.retained, topicFilter), nil
}

func (ds *DBStore) GetWillMessage(clientID string) (*WillMessage, error) {
	ctx, cancel := ds.context()
	defer cancel()

	if clientID == "" {
		return nil, ErrClientIdEmpty
	}

	var message WillMessage
	startTime := time.Now()
	err := ds.willMessages.FindOne(ctx, bson.D{{Key: "client_id", Value: clientID}}).Decode(&message)
	ds.log.Debug("Will message query", "client", clientID, "cost", time.Since(startTime))

	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, handleErr(err)
	}
	return &message, nil
}

func (ds *DBStore) SaveWillMessage(willMessage *WillMessage) error {
	if willMessage.ClientID == "" {
		return ErrClientIdEmpty
	}
	return ds.upsert(ds.willMessages, bson.D{{Key: "client_id", Value: willMessage.ClientID}}, willMessage)
}

func (ds *DBStore) DeleteWillMessage(clientID string) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	return ds.delete(ds.willMessages, bson.D{{Key: "client_id", Value: clientID}})
}

// Close disconnects from MongoDB. It can be registered with the shutdown cleaner through Invoke.
func (ds *DBStore) Close(ctx context.Context) error {
	ds.log.Info("Closing database connection")
	return ds.client.Disconnect(ctx)
}

func (ds *DBStore) Invoke(ctx context.Context) error {
	return ds.Close(ctx)
}
