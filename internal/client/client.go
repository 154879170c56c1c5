// Package client connects to an MQTT broker, keeps the connection alive and
// reconnects with backoff when it is lost.
package client

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/w0otness/opifex/internal/connection"
	"github.com/w0otness/opifex/internal/database"
	"github.com/w0otness/opifex/internal/logger"
	"github.com/w0otness/opifex/internal/packet"
	"github.com/w0otness/opifex/internal/session"
	"github.com/w0otness/opifex/internal/topics"
	"github.com/w0otness/opifex/internal/transport"
	"github.com/w0otness/opifex/internal/utils"
)

var (
	ErrNotConnected   = errors.New("client is not connected")
	ErrAlreadyStarted = errors.New("client has already been started")
	ErrClientClosed   = errors.New("client is closed")
)

type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Dup     bool
}

type ConnectParameters struct {
	// URL defaults to DefaultURL.
	URL string
	// ClientID defaults to the generated identifier.
	ClientID string
	Username string
	Password []byte
	Clean    bool
	Will     *packet.Will
}

type PublishParameters struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type SubscribeParameters struct {
	Subscriptions []packet.Subscription
}

type Client struct {
	opts     *options
	log      *slog.Logger
	clientID string
	messages *utils.Queue[Message]

	mu      sync.Mutex
	current *session.Context
	data    *database.SessionData
	running bool
	closing bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	if o.dialer == nil {
		o.dialer = transport.NewFactory(nil)
	}
	if o.store == nil {
		o.store = database.NewMemoryStore()
	}
	return &Client{
		opts:     o,
		log:      o.log,
		clientID: fmt.Sprintf("%s-%s", o.clientIDPrefix, uuid.NewString()),
		messages: utils.NewQueue[Message](o.queueSize),
	}
}

// ClientID is the identifier used when ConnectParameters leave it empty.
func (c *Client) ClientID() string {
	return c.clientID
}

// Messages delivers received application messages. When the reader falls
// behind, the oldest queued messages are dropped. The channel is closed once
// the connection loop has stopped for good, after Disconnect or when it gives
// up reconnecting; the Client cannot be connected again after that.
func (c *Client) Messages() <-chan Message {
	return c.messages.C()
}

// Dropped counts messages discarded from a full Messages queue.
func (c *Client) Dropped() uint64 {
	return c.messages.Dropped()
}

// Connect starts the connection loop in the background. The result resolves
// with the first CONNACK, or is rejected with the refusal code or, after the
// retries are exhausted, with the last transport error. A Client whose loop
// has stopped rejects Connect with ErrClientClosed.
func (c *Client) Connect(params ConnectParameters) *session.Result[packet.ConnectReturnCode] {
	result := session.NewResult[packet.ConnectReturnCode]()

	u, err := url.Parse(cmp.Or(params.URL, DefaultURL))
	if err != nil {
		result.Reject(fmt.Errorf("parse url: %w", err))
		return result
	}
	clientID := cmp.Or(params.ClientID, c.clientID)
	connect := &packet.Connect{
		ProtocolName:  packet.ProtocolName,
		ProtocolLevel: packet.ProtocolLevel,
		Clean:         params.Clean,
		KeepAlive:     uint16(min(c.opts.keepAlive/time.Second, 0xFFFF)),
		ClientID:      clientID,
		Username:      params.Username,
		Password:      params.Password,
		Will:          params.Will,
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		result.Reject(ErrAlreadyStarted)
		return result
	}
	if c.closed {
		c.mu.Unlock()
		result.Reject(ErrClientClosed)
		return result
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running, c.closing = true, false
	c.cancel = cancel
	c.done = make(chan struct{})
	// 非 clean 连接沿用上次的会话状态
	if c.data == nil || c.data.ClientID != clientID || params.Clean || c.data.IsClean() {
		c.data = database.NewSessionData(clientID, params.Clean)
	}
	data, done := c.data, c.done
	c.mu.Unlock()

	go func() {
		defer cancel()
		c.run(ctx, u, connect, data, result, done)
	}()
	return result
}

func (c *Client) run(
	ctx context.Context,
	u *url.URL,
	connect *packet.Connect,
	data *database.SessionData,
	result *session.Result[packet.ConnectReturnCode],
	done chan struct{},
) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.closed = true
		c.current = nil
		c.mu.Unlock()
		c.messages.Close()
		close(done)
	}()

	var lastErr error
	connected := false
	attempt := 1
	for !c.stopping(ctx) {
		c.log.Debug("Connecting", "url", u.Redacted(), "reconnect", connected, "attempt", attempt)
		accepted, err := c.runConnection(ctx, u, connect, data, result)
		if accepted {
			connected = true
			attempt = 1
			connect.Clean = false
			if !c.opts.autoReconnect {
				break
			}
			c.log.Info("Connection lost, reconnecting", "error", err)
			continue
		}
		if c.stopping(ctx) {
			break
		}

		lastErr = err
		var code packet.ConnectReturnCode
		if errors.As(err, &code) {
			c.log.Warn("Connection refused", "code", code.String())
			break
		}
		c.log.Warn("Connection failed", "error", err, "attempt", attempt)
		if !connected && attempt > c.opts.numberOfRetries {
			break
		}
		if !sleep(ctx, c.opts.backoff(attempt)) {
			break
		}
		attempt++
	}

	if lastErr == nil {
		lastErr = ErrNotConnected
	}
	if result.Reject(lastErr) {
		c.log.Error("Fail to connect", "url", u.Redacted(), "error", lastErr)
		var code packet.ConnectReturnCode
		if c.opts.onError != nil && !errors.As(lastErr, &code) {
			c.opts.onError(lastErr)
		}
	}
}

// runConnection dials once and serves the connection until it ends. It reports
// whether the broker accepted the CONNECT.
func (c *Client) runConnection(
	ctx context.Context,
	u *url.URL,
	connect *packet.Connect,
	data *database.SessionData,
	result *session.Result[packet.ConnectReturnCode],
) (bool, error) {
	rw, err := c.opts.dialer.Dial(ctx, u)
	if err != nil {
		return false, fmt.Errorf("connection failed: %w", err)
	}

	var sc *session.Context
	sc = session.New(connection.New(rw, u.Host, c.log), session.Options{
		Role:   session.RoleClient,
		Store:  c.opts.store,
		Logger: c.log,
		OnOpen: c.opts.onOpen,
		OnConnect: func(sessionPresent bool) {
			c.setCurrent(sc)
			if c.opts.onConnect != nil {
				c.opts.onConnect(sessionPresent)
			}
		},
		OnMessage: c.receive,
		OnClose:   c.opts.onClose,
		OnError:   c.opts.onError,
	})

	var wg sync.WaitGroup
	defer wg.Wait()
	stop := context.AfterFunc(ctx, func() { sc.Close(nil) })
	defer stop()

	connected := sc.StartConnect(connect, data)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc.Serve()
	}()

	code, err := connected.Wait(context.Background())
	if err != nil {
		var refused packet.ConnectReturnCode
		if errors.As(err, &refused) {
			return false, refused
		}
		return false, err
	}
	result.Resolve(code)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(sc)
	}()

	<-sc.Done()
	c.clearCurrent(sc)
	return true, sc.Err()
}

// keepAlive sends PINGREQ every keep alive interval until the session closes.
func (c *Client) keepAlive(sc *session.Context) {
	if c.opts.keepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-sc.Done():
			return
		case <-ticker.C:
			if err := sc.Ping(); err != nil && !errors.Is(err, session.ErrNotConnected) {
				c.log.Warn("Fail to send PINGREQ", "error", err)
			}
		}
	}
}

func (c *Client) receive(msg database.Message, dup bool) {
	m := Message{Topic: msg.Topic, Payload: msg.Payload, QoS: msg.QoS, Retain: msg.Retain, Dup: dup}
	c.messages.Push(m)
	if c.opts.onMessage != nil {
		c.opts.onMessage(m)
	}
}

func (c *Client) setCurrent(sc *session.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = sc
}

func (c *Client) clearCurrent(sc *session.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == sc {
		c.current = nil
	}
}

func (c *Client) session() (*session.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNotConnected
	}
	return c.current, nil
}

func (c *Client) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func notConnected(err error) error {
	if errors.Is(err, session.ErrNotConnected) {
		return ErrNotConnected
	}
	return err
}

// Publish sends a message and waits until it is sent (QoS 0), acknowledged
// (QoS 1) or completed (QoS 2). A QoS 1/2 message whose connection drops
// stays in the session and is redelivered after reconnecting, even though
// Publish returns an error.
func (c *Client) Publish(ctx context.Context, params PublishParameters) error {
	if err := topics.ValidateTopicName(params.Topic); err != nil {
		return err
	}
	if params.QoS > 2 {
		return fmt.Errorf("invalid QoS %d", params.QoS)
	}
	sc, err := c.session()
	if err != nil {
		return err
	}
	result, err := sc.Publish(database.Message{
		Topic:   params.Topic,
		Payload: params.Payload,
		QoS:     params.QoS,
		Retain:  params.Retain,
	})
	if err != nil {
		return notConnected(err)
	}
	_, err = result.Wait(ctx)
	return err
}

// Subscribe returns the granted QoS, or packet.SubscriptionFailure, per subscription.
func (c *Client) Subscribe(ctx context.Context, params SubscribeParameters) ([]byte, error) {
	if len(params.Subscriptions) == 0 {
		return nil, errors.New("no subscriptions")
	}
	for _, subscription := range params.Subscriptions {
		if err := topics.ValidateTopicFilter(subscription.TopicFilter); err != nil {
			return nil, err
		}
		if subscription.QoS > 2 {
			return nil, fmt.Errorf("invalid QoS %d", subscription.QoS)
		}
	}
	sc, err := c.session()
	if err != nil {
		return nil, err
	}
	result, err := sc.Subscribe(params.Subscriptions)
	if err != nil {
		return nil, notConnected(err)
	}
	return result.Wait(ctx)
}

func (c *Client) Unsubscribe(ctx context.Context, topicFilters ...string) error {
	if len(topicFilters) == 0 {
		return errors.New("no topic filters")
	}
	sc, err := c.session()
	if err != nil {
		return err
	}
	result, err := sc.Unsubscribe(topicFilters)
	if err != nil {
		return notConnected(err)
	}
	_, err = result.Wait(ctx)
	return err
}

// Disconnect sends DISCONNECT, stops reconnecting and waits for the
// connection loop to exit.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.closing = true
	sc, cancel, done := c.current, c.cancel, c.done
	c.mu.Unlock()

	var err error
	if sc != nil {
		if err = sc.Disconnect(); errors.Is(err, session.ErrNotConnected) {
			err = nil
		}
	}
	cancel()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
