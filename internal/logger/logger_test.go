package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAsyncHandlerWritesFile(t *testing.T) {
	dir := t.TempDir()
	console := &syncBuffer{}
	handler, err := NewAsyncHandler(dir, console, slog.LevelDebug)
	require.NoError(t, err)

	log := slog.New(handler)
	log.Info("broker started", "port", 1883)
	log.With("client", "c1").WithGroup("session").Warn("keep alive timeout", "seconds", 90)
	log.Debug("debug line")
	require.NoError(t, handler.Close())

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "broker started")
	require.Contains(t, content, "port=1883")
	require.Contains(t, content, "client=c1")
	require.Contains(t, content, "session.seconds=90")
	require.Contains(t, content, "debug line")
	require.Equal(t, content, console.String())
}

func TestAsyncHandlerLevel(t *testing.T) {
	console := &syncBuffer{}
	handler, err := NewAsyncHandler("", console, slog.LevelInfo)
	require.NoError(t, err)

	log := slog.New(handler)
	log.Debug("hidden")
	log.Error("shown")
	Fatal(log, "fatal line")
	require.NoError(t, handler.Close())

	require.NotContains(t, console.String(), "hidden")
	require.Contains(t, console.String(), "shown")
	require.Contains(t, console.String(), "fatal line")
}

func TestAsyncHandlerCloseTwice(t *testing.T) {
	handler, err := NewAsyncHandler("", &syncBuffer{}, slog.LevelInfo)
	require.NoError(t, err)
	require.NoError(t, handler.Close())
	require.NoError(t, handler.Close())

	// 关闭后写入直接丢弃
	slog.New(handler).Info("after close")
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "2000-01-01.log")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
	past := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	handler, err := NewAsyncHandler(dir, &syncBuffer{}, slog.LevelInfo)
	require.NoError(t, err)
	require.NoError(t, handler.Close())

	_, err = os.Stat(old)
	require.True(t, os.IsNotExist(err))
}
