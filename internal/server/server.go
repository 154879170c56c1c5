// Package server accepts MQTT connections and routes messages between sessions.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/w0otness/opifex/internal/auth"
	"github.com/w0otness/opifex/internal/connection"
	"github.com/w0otness/opifex/internal/database"
	"github.com/w0otness/opifex/internal/session"
	"github.com/w0otness/opifex/internal/transport"
)

var (
	ErrServerClosed     = errors.New("server closed")
	ErrSessionTakenOver = errors.New("session taken over by a new connection")
)

type Option func(*Server)

// WithMaxConnections caps the number of concurrent connections. Extra connections are closed at once.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// WithConnectRate limits how many new connections are accepted per second.
func WithConnectRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithConnectTimeout bounds the wait for the CONNECT packet.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

type Server struct {
	store    database.Store
	policy   auth.Policy
	log      *slog.Logger
	sessions *connection.Manager[*session.Context]

	sem            chan struct{}
	limiter        *rate.Limiter
	connectTimeout time.Duration

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	active    map[*session.Context]struct{}
	closed    bool
	wg        sync.WaitGroup
}

func New(store database.Store, policy auth.Policy, log *slog.Logger, opts ...Option) *Server {
	if policy == nil {
		policy = auth.AllowAll{}
	}
	s := &Server{
		store:          store,
		policy:         policy,
		log:            log,
		sessions:       connection.NewManager[*session.Context](),
		sem:            make(chan struct{}, 10000),
		limiter:        rate.NewLimiter(rate.Inf, 0),
		connectTimeout: time.Minute,
		listeners:      make(map[net.Listener]struct{}),
		active:         make(map[*session.Context]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	return s.sessions.Len()
}

// Serve runs one connection until it ends.
func (s *Server) Serve(rw io.ReadWriteCloser, remote string) {
	if !s.limiter.Allow() {
		s.log.Warn("Connection rate exceeded, closing connection", "remote", remote)
		_ = rw.Close()
		return
	}
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		s.log.Warn("Too many connections, closing connection", "remote", remote)
		_ = rw.Close()
		return
	}

	handler := newConnectionHandler(s, rw, remote)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = rw.Close()
		return
	}
	s.active[handler.ctx] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, handler.ctx)
		s.mu.Unlock()
		s.wg.Done()
	}()
	handler.handleConnection()
}

// ServeListener accepts connections until ln fails or the server is closed.
func (s *Server) ServeListener(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	s.log.Info("MQTT Server Listen On " + ln.Addr().String())
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
		if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
			s.log.Error("Server close error", "error", err)
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Error("Accept connection error", "error", err)
				continue
			}
			if connection.IsNetClosedError(err) {
				return ErrServerClosed
			}
			return err
		}

		s.log.Debug("Accepted new connection", "remote", conn.RemoteAddr().String())
		go s.Serve(conn, conn.RemoteAddr().String())
	}
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

// WebsocketHandler serves MQTT over websocket on an HTTP endpoint.
func (s *Server) WebsocketHandler() *transport.WebsocketHandler {
	return transport.NewWebsocketHandler(s.log, s.Serve)
}

// Publish routes msg as if a client had published it: the retained table is
// updated when msg.Retain is set, then every matching subscriber receives it.
func (s *Server) Publish(msg database.Message) error {
	if msg.Retain {
		if err := s.store.Retain(msg); err != nil {
			return err
		}
	}
	subscriptions, err := s.store.MatchSubscribers(msg.Topic)
	if err != nil {
		return err
	}

	msg.Retain = false
	for _, subscriber := range groupSubscribers(subscriptions) {
		delivery := msg
		delivery.QoS = min(msg.QoS, subscriber.QoSLevel)
		s.deliver(subscriber.ClientID, delivery)
	}
	return nil
}

// deliver sends msg to a connected client, or queues it in the stored session of an offline one.
func (s *Server) deliver(clientID string, msg database.Message) {
	if target, ok := s.sessions.Get(clientID); ok {
		_, err := target.Publish(msg)
		if err == nil {
			return
		}
		if !errors.Is(err, session.ErrNotConnected) {
			s.log.Warn("Fail to deliver message", "client", clientID, "topic", msg.Topic, "error", err)
			return
		}
	}
	if msg.QoS == 0 {
		return
	}

	data, err := s.store.GetSession(clientID)
	if err != nil || data.IsClean() {
		return
	}
	if _, err := data.AddOutgoing(msg, nil); err != nil {
		s.log.Warn("Fail to queue message for offline client", "client", clientID, "error", err)
		return
	}
	if err := s.store.SaveSession(data); err != nil {
		s.log.Error("Fail to save session", "client", clientID, "error", err)
	}
}

// Close stops the listeners, closes every connection and waits for them to finish.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	active := make([]*session.Context, 0, len(s.active))
	for sc := range s.active {
		active = append(active, sc)
	}
	s.mu.Unlock()

	for _, sc := range active {
		sc.Close(ErrServerClosed)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("Server closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Invoke(ctx context.Context) error {
	return s.Close(ctx)
}
