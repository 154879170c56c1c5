package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketSubprotocol is the subprotocol negotiated for MQTT over websocket.
const WebsocketSubprotocol = "mqtt"

var ErrTextFrame = errors.New("websocket: MQTT requires binary frames")

// wsConn exposes a websocket as a byte stream. Each Write becomes one binary message.
type wsConn struct {
	conn *websocket.Conn
	buf  []byte
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return 0, io.EOF
			}
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, ErrTextFrame
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// WebsocketDialer dials ws:// and wss:// URLs with the mqtt subprotocol.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func NewWebsocketDialer(tlsConfig *tls.Config) *WebsocketDialer {
	return &WebsocketDialer{
		Dialer: &websocket.Dialer{
			Subprotocols:     []string{WebsocketSubprotocol},
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  tlsConfig,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, u.String(), d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

// WebsocketHandler upgrades HTTP requests and hands the stream to serve.
type WebsocketHandler struct {
	upgrader websocket.Upgrader
	serve    func(rw io.ReadWriteCloser, remote string)
	log      *slog.Logger
	// AllowedOrigins 为空时只接受没有 Origin 或与 Host 相同的请求, "*" 接受所有来源
	AllowedOrigins []string
}

func NewWebsocketHandler(log *slog.Logger, serve func(rw io.ReadWriteCloser, remote string)) *WebsocketHandler {
	h := &WebsocketHandler{serve: serve, log: log}
	h.upgrader = websocket.Upgrader{
		Subprotocols:    []string{WebsocketSubprotocol},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WebsocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.serve(newWSConn(conn), conn.RemoteAddr().String())
}
