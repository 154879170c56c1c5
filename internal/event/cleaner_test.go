package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/w0otness/opifex/internal/logger"
)

func TestCleanerOrderAndErrors(t *testing.T) {
	c := NewCleaner(logger.Nop())
	var order []int
	boom := errors.New("boom")

	c.Add(CallableFunc(func(context.Context) error { order = append(order, 1); return nil }))
	c.Add(CallableFunc(func(context.Context) error { order = append(order, 2); return boom }))
	c.Add(CallableFunc(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		order = append(order, 3)
		return nil
	}))

	err := c.Clean(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, []int{3, 2, 1}, order)

	// 清理之后不再接受新的回调, 也不会重复执行
	c.Add(CallableFunc(func(context.Context) error { order = append(order, 4); return nil }))
	require.NoError(t, c.Clean(context.Background()))
	require.Equal(t, []int{3, 2, 1}, order)
}

func TestCleanerWaitContext(t *testing.T) {
	c := NewCleaner(logger.Nop())
	called := false
	c.Add(CallableFunc(func(context.Context) error { called = true; return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Wait(ctx))
	require.True(t, called)
}
