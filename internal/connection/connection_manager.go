package connection

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

// Manager 连接管理器, 以 clientID 为键保存在线会话
type Manager[T comparable] struct {
	connections sync.Map
}

func NewManager[T comparable]() *Manager[T] {
	return &Manager[T]{}
}

// Swap registers value and returns the one it replaced.
func (cm *Manager[T]) Swap(clientID string, value T) (previous T, loaded bool) {
	old, loaded := cm.connections.Swap(clientID, value)
	if loaded {
		previous = old.(T)
	}
	return previous, loaded
}

// CompareAndDelete removes the entry only if it is still value, so a session
// that was taken over does not unregister its successor.
func (cm *Manager[T]) CompareAndDelete(clientID string, value T) bool {
	return cm.connections.CompareAndDelete(clientID, value)
}

func (cm *Manager[T]) Get(clientID string) (T, bool) {
	if value, ok := cm.connections.Load(clientID); ok {
		return value.(T), true
	}
	var zero T
	return zero, false
}

func (cm *Manager[T]) Range(f func(clientID string, value T) bool) {
	cm.connections.Range(func(key, value any) bool {
		return f(key.(string), value.(T))
	})
}

func (cm *Manager[T]) Len() int {
	n := 0
	cm.connections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(log *slog.Logger, err error) {
	switch {
	case os.IsTimeout(err):
		log.Warn("Reading timeout")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), IsNetClosedError(err):
		log.Info("Client close connection")
	default:
		log.Error("Error occurred while reading packet", "error", err)
	}
}
