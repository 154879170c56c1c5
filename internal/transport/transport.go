// Package transport establishes the byte streams MQTT sessions run over, selected by URL scheme.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

var ErrUnsupportedScheme = errors.New("unsupported protocol")

const (
	DefaultPort    = "1883"
	DefaultTLSPort = "8883"
)

// Dialer opens a stream to the broker named by u.
type Dialer interface {
	Dial(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error)
}

type DialerFunc func(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	return f(ctx, u)
}

// Factory picks a Dialer by URL scheme. It is itself a Dialer.
type Factory struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewFactory registers mqtt/tcp, mqtts/ssl/tls and ws/wss. tlsConfig may be nil.
func NewFactory(tlsConfig *tls.Config) *Factory {
	f := &Factory{dialers: make(map[string]Dialer)}

	tcp := &TCPDialer{Timeout: 10 * time.Second}
	secure := &TCPDialer{Timeout: 10 * time.Second, TLSConfig: tlsConfig}
	if secure.TLSConfig == nil {
		secure.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	ws := NewWebsocketDialer(tlsConfig)

	for _, scheme := range []string{"mqtt", "tcp"} {
		f.Register(scheme, tcp)
	}
	for _, scheme := range []string{"mqtts", "ssl", "tls"} {
		f.Register(scheme, secure)
	}
	for _, scheme := range []string{"ws", "wss"} {
		f.Register(scheme, ws)
	}
	return f
}

// Register adds or replaces the dialer for scheme.
func (f *Factory) Register(scheme string, d Dialer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialers[strings.ToLower(scheme)] = d
}

func (f *Factory) Dial(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	f.mu.RLock()
	d, ok := f.dialers[strings.ToLower(u.Scheme)]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	return d.Dial(ctx, u)
}

// TCPDialer dials plain TCP, or TLS when TLSConfig is set.
type TCPDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

func (d *TCPDialer) Dial(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	netDialer := &net.Dialer{Timeout: d.Timeout}
	if d.TLSConfig == nil {
		return netDialer.DialContext(ctx, "tcp", HostPort(u, DefaultPort))
	}

	config := d.TLSConfig.Clone()
	if config.ServerName == "" {
		config.ServerName = u.Hostname()
	}
	dialer := &tls.Dialer{NetDialer: netDialer, Config: config}
	return dialer.DialContext(ctx, "tcp", HostPort(u, DefaultTLSPort))
}

// HostPort returns u's host with defaultPort filled in when u has none.
func HostPort(u *url.URL, defaultPort string) string {
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

// LoadCertPool reads PEM certificates from certFile into a pool.
func LoadCertPool(certFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

// ClientTLSConfig trusts the certificates in certFile, or the system roots when certFile is empty.
func ClientTLSConfig(certFile string) (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile == "" {
		return config, nil
	}
	pool, err := LoadCertPool(certFile)
	if err != nil {
		return nil, err
	}
	config.RootCAs = pool
	return config, nil
}
