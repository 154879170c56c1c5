// Package connection turns a byte stream into a sequence of MQTT packets and serializes writes.
package connection

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/w0otness/opifex/internal/mqtt"
	"github.com/w0otness/opifex/internal/packet"
)

var ErrClosed = errors.New("connection closed")

type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

type remoteAddresser interface {
	RemoteAddr() net.Addr
}

// Conn is a framed MQTT connection. Reads must come from a single goroutine,
// Send may be called from any goroutine.
type Conn struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader
	connID string
	log    *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error

	errMu sync.Mutex
	err   error
}

func New(rw io.ReadWriteCloser, connID string, log *slog.Logger) *Conn {
	return &Conn{
		rw:     rw,
		reader: bufio.NewReader(rw),
		connID: connID,
		log:    log.With("conn", connID),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.connID
}

// RemoteAddr returns the peer address when the transport knows it.
func (c *Conn) RemoteAddr() string {
	if ra, ok := c.rw.(remoteAddresser); ok && ra.RemoteAddr() != nil {
		return ra.RemoteAddr().String()
	}
	return c.connID
}

// ReadPacket blocks for the next complete packet. Any failure closes the connection.
func (c *Conn) ReadPacket() (packet.Packet, error) {
	if c.IsClosed() {
		return nil, ErrClosed
	}

	header, body, err := mqtt.ReadPacket(c.reader)
	if err != nil {
		if c.IsClosed() {
			err = ErrClosed
		}
		c.fail(err)
		return nil, err
	}

	p, err := packet.DecodeBody(header, body)
	if err != nil {
		c.fail(err)
		return nil, err
	}
	c.log.Debug("Receive packet", "type", header.Type, "length", header.RemainingLength)
	return p, nil
}

// Packets yields packets until a read fails or the connection closes.
// Breaking out of the loop leaves the connection open, and a later call resumes reading.
func (c *Conn) Packets() iter.Seq[packet.Packet] {
	return func(yield func(packet.Packet) bool) {
		for {
			p, err := c.ReadPacket()
			if err != nil {
				return
			}
			if !yield(p) {
				return
			}
		}
	}
}

// Send encodes p and writes the whole frame before any other Send may write.
func (c *Conn) Send(p packet.Packet) error {
	data, err := packet.Encode(p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.IsClosed() {
		return ErrClosed
	}

	total := 0
	for total < len(data) {
		n, err := c.rw.Write(data[total:])
		if err != nil {
			c.log.Error("Fail to send data", "type", p.Type(), "error", err)
			err = fmt.Errorf("send %s: %w", p.Type(), err)
			c.fail(err)
			return err
		}
		total += n
	}
	c.log.Debug("Send packet", "type", p.Type(), "bytes", total)
	return nil
}

// SetReadDeadline is a no-op when the transport has no deadlines.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if d, ok := c.rw.(deadlineSetter); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

// Close is idempotent and unblocks pending reads and writes.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.rw.Close(); err != nil && !IsNetClosedError(err) {
			c.closeErr = err
		}
		c.log.Debug("Connection closed")
	})
	return c.closeErr
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that closed the connection, nil after a plain Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil && !c.IsClosed() {
		c.err = err
	}
	c.errMu.Unlock()
	_ = c.Close()
}
