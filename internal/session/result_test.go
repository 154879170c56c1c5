package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultResolveOnce(t *testing.T) {
	result := NewResult[int]()
	_, done, _ := result.Poll()
	require.False(t, done)

	require.True(t, result.Resolve(1))
	require.False(t, result.Resolve(2))
	require.False(t, result.Reject(errors.New("late")))

	value, err := result.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, value)

	value, done, err = result.Poll()
	require.True(t, done)
	require.NoError(t, err)
	require.Equal(t, 1, value)
}

func TestResultReject(t *testing.T) {
	result := NewResult[string]()
	require.True(t, result.Reject(ErrConnectionClosed))
	<-result.Done()
	_, err := result.Wait(context.Background())
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestResultWaitCancelled(t *testing.T) {
	result := NewResult[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := result.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
