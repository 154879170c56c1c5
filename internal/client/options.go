package client

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/w0otness/opifex/internal/database"
	"github.com/w0otness/opifex/internal/transport"
)

const (
	DefaultURL            = "mqtt://localhost:1883/"
	DefaultKeepAlive      = 60 * time.Second
	DefaultRetries        = 3
	DefaultClientIDPrefix = "opifex"
	DefaultQueueSize      = 1024
)

type options struct {
	dialer          transport.Dialer
	store           database.Store
	log             *slog.Logger
	keepAlive       time.Duration
	numberOfRetries int
	autoReconnect   bool
	clientIDPrefix  string
	queueSize       int
	backoff         func(attempt int) time.Duration

	onOpen    func()
	onConnect func(sessionPresent bool)
	onMessage func(msg Message)
	onClose   func(err error)
	onError   func(err error)
}

func defaultOptions() *options {
	return &options{
		keepAlive:       DefaultKeepAlive,
		numberOfRetries: DefaultRetries,
		autoReconnect:   true,
		clientIDPrefix:  DefaultClientIDPrefix,
		queueSize:       DefaultQueueSize,
		backoff: func(attempt int) time.Duration {
			return BackoffDelay(attempt, rand.Float64())
		},
	}
}

type Option func(*options)

// WithDialer replaces the scheme based transport factory.
func WithDialer(dialer transport.Dialer) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}

// WithStore keeps the client's session state in store.
func WithStore(store database.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithKeepAlive sets the interval between PINGREQ packets. Zero disables keep alive.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) {
		o.keepAlive = max(d, 0)
	}
}

// WithNumberOfRetries bounds the retries of the first connection.
func WithNumberOfRetries(n int) Option {
	return func(o *options) {
		o.numberOfRetries = max(n, 0)
	}
}

func WithAutoReconnect(enabled bool) Option {
	return func(o *options) {
		o.autoReconnect = enabled
	}
}

func WithClientIDPrefix(prefix string) Option {
	return func(o *options) {
		o.clientIDPrefix = prefix
	}
}

// WithQueueSize sets the capacity of the Messages queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// WithBackoff overrides the delay before connection attempt attempt+1.
func WithBackoff(backoff func(attempt int) time.Duration) Option {
	return func(o *options) {
		o.backoff = backoff
	}
}

func WithOnOpen(fn func()) Option {
	return func(o *options) {
		o.onOpen = fn
	}
}

func WithOnConnect(fn func(sessionPresent bool)) Option {
	return func(o *options) {
		o.onConnect = fn
	}
}

func WithOnMessage(fn func(msg Message)) Option {
	return func(o *options) {
		o.onMessage = fn
	}
}

func WithOnClose(fn func(err error)) Option {
	return func(o *options) {
		o.onClose = fn
	}
}

func WithOnError(fn func(err error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}
