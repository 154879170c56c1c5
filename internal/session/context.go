// Package session drives one MQTT connection through CONNECT, the QoS handshakes
// and subscription requests. The same Context serves the client and the server end.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/w0otness/opifex/internal/connection"
	"github.com/w0otness/opifex/internal/database"
	"github.com/w0otness/opifex/internal/logger"
	"github.com/w0otness/opifex/internal/packet"
)

var (
	ErrConnectionClosed  = errors.New("connection closed")
	ErrNotConnected      = errors.New("session is not connected")
	ErrProtocolViolation = errors.New("protocol violation")
)

type Role byte

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type State int32

const (
	Unauthenticated State = iota
	Authenticating
	Connected
	// Disconnected 正常断开
	Disconnected
	// Closed 异常关闭
	Closed
)

var stateNames = [...]string{"unauthenticated", "authenticating", "connected", "disconnected", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	Role   Role
	Store  database.Store
	Logger *slog.Logger

	OnOpen    func()
	OnConnect func(sessionPresent bool)
	// OnMessage receives every accepted application message. A QoS 2 message
	// is delivered once, when its PUBREL arrives.
	OnMessage func(msg database.Message, dup bool)
	// OnClose fires once. err is nil after a graceful DISCONNECT.
	OnClose func(err error)
	OnError func(err error)

	// AcceptPublish decides whether an incoming message reaches OnMessage.
	// Rejected messages are still acknowledged. Nil accepts everything.
	AcceptPublish func(msg database.Message) bool
	// Dispatch handles the packets the Context does not handle itself,
	// CONNECT, SUBSCRIBE and UNSUBSCRIBE on the server.
	Dispatch func(ctx *Context, p packet.Packet) error
}

// Context is the state of one connection. Serve must run on a single goroutine;
// Publish, Subscribe, Unsubscribe and Disconnect may be called from any goroutine.
type Context struct {
	conn *connection.Conn
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	data      *database.SessionData
	keepAlive time.Duration
	closeErr  error

	connectResult *Result[packet.ConnectReturnCode]
	publishes     map[uint16]*Result[struct{}]
	subscribes    map[uint16]*Result[[]byte]
	unsubscribes  map[uint16]*Result[struct{}]

	closeOnce sync.Once
	closed    chan struct{}
}

func New(conn *connection.Conn, opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Store == nil {
		opts.Store = database.NewMemoryStore()
	}
	return &Context{
		conn:         conn,
		opts:         opts,
		log:          opts.Logger.With("conn", conn.ID(), "role", opts.Role.String()),
		state:        Unauthenticated,
		publishes:    make(map[uint16]*Result[struct{}]),
		subscribes:   make(map[uint16]*Result[[]byte]),
		unsubscribes: make(map[uint16]*Result[struct{}]),
		closed:       make(chan struct{}),
	}
}

func (c *Context) Conn() *connection.Conn {
	return c.conn
}

func (c *Context) Logger() *slog.Logger {
	return c.log
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Session returns the attached session state, nil before CONNECT completes.
func (c *Context) Session() *database.SessionData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

func (c *Context) ClientID() string {
	if data := c.Session(); data != nil {
		return data.ClientID
	}
	return ""
}

// Done is closed after Close has run.
func (c *Context) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error the Context was closed with.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Attach binds an authenticated server-side connection to its session and moves it to Connected.
// A zero keepAlive disables the read deadline.
func (c *Context) Attach(data *database.SessionData, sessionPresent bool, keepAlive time.Duration) {
	c.mu.Lock()
	c.data = data
	c.keepAlive = keepAlive
	c.state = Connected
	c.log = c.log.With("client", data.ClientID)
	c.mu.Unlock()

	if keepAlive == 0 {
		c.log.Warn("Keep alive set to 0, heartbeat disable")
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(sessionPresent)
	}
}

// StartConnect sends connect and returns the handle resolved by the CONNACK.
// data is the client's session state and is kept across reconnections.
func (c *Context) StartConnect(connect *packet.Connect, data *database.SessionData) *Result[packet.ConnectReturnCode] {
	result := NewResult[packet.ConnectReturnCode]()

	c.mu.Lock()
	if c.state != Unauthenticated {
		state := c.state
		c.mu.Unlock()
		result.Reject(fmt.Errorf("%w: connect in state %s", ErrProtocolViolation, state))
		return result
	}
	c.state = Authenticating
	c.data = data
	c.keepAlive = time.Duration(connect.KeepAlive) * time.Second
	c.connectResult = result
	c.log = c.log.With("client", data.ClientID)
	c.mu.Unlock()

	if err := c.conn.Send(connect); err != nil {
		c.Close(err)
	}
	return result
}

// Serve reads and handles packets in order until the connection ends, then closes the Context.
func (c *Context) Serve() {
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}

	var err error
	c.refreshDeadline()
	for p := range c.conn.Packets() {
		if err = c.Handle(p); err != nil {
			c.log.Error("Fail to handle packet", "type", p.Type(), "error", err)
			break
		}
		c.refreshDeadline()
	}
	if err == nil {
		if err = c.conn.Err(); err != nil {
			connection.HandleReadError(c.log, err)
		}
	}
	c.Close(err)
}

func (c *Context) refreshDeadline() {
	c.mu.Lock()
	keepAlive, state := c.keepAlive, c.state
	c.mu.Unlock()
	if state == Connected && keepAlive > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(keepAlive * 3 / 2))
	}
}

// Disconnect sends DISCONNECT and closes the connection gracefully.
func (c *Context) Disconnect() error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = Disconnected
	c.mu.Unlock()

	err := c.conn.Send(&packet.Disconnect{})
	c.Close(nil)
	return err
}

// Ping sends PINGREQ.
func (c *Context) Ping() error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	return c.conn.Send(&packet.Pingreq{})
}

// Close ends the Context once: it closes the connection, rejects every pending
// result with ErrConnectionClosed and fires OnClose.
func (c *Context) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state != Disconnected {
			c.state = Closed
		}
		c.closeErr = err
		connectResult := c.connectResult
		publishes, subscribes, unsubscribes := c.publishes, c.subscribes, c.unsubscribes
		c.connectResult = nil
		c.publishes = make(map[uint16]*Result[struct{}])
		c.subscribes = make(map[uint16]*Result[[]byte])
		c.unsubscribes = make(map[uint16]*Result[struct{}])
		c.mu.Unlock()

		if closeErr := c.conn.Close(); closeErr != nil {
			c.log.Warn("Error occurred while closing connection", "error", closeErr)
		}

		rejectErr := ErrConnectionClosed
		if err != nil {
			rejectErr = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		if connectResult != nil {
			connectResult.Reject(rejectErr)
		}
		for _, result := range publishes {
			result.Reject(rejectErr)
		}
		for _, result := range subscribes {
			result.Reject(rejectErr)
		}
		for _, result := range unsubscribes {
			result.Reject(rejectErr)
		}

		if err != nil && c.opts.OnError != nil && !isConnectionLoss(err) {
			c.opts.OnError(err)
		}
		if c.opts.OnClose != nil {
			c.opts.OnClose(err)
		}
		close(c.closed)
	})
}

func isConnectionLoss(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || connection.IsNetClosedError(err)
}

// Persist writes resumable session state through to the store.
func (c *Context) Persist() {
	data := c.Session()
	if data == nil || data.IsClean() {
		return
	}
	if err := c.opts.Store.SaveSession(data); err != nil {
		c.log.Error("Fail to save session", "error", err)
	}
}
