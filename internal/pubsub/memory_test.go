package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/quizroom/internal/domain"
)

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "channel closed")
		return b
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
	}
	return nil
}

func TestMemoryBus_FanOut(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx := context.Background()

	s1, err := bus.Subscribe(ctx, "room:ABCDE")
	require.NoError(t, err)
	s2, err := bus.Subscribe(ctx, "room:ABCDE")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "room:ZZZZZ")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "room:ABCDE", []byte("hello")))

	assert.Equal(t, "hello", string(recv(t, s1.Messages())))
	assert.Equal(t, "hello", string(recv(t, s2.Messages())))
	select {
	case <-other.Messages():
		t.Fatal("other topic should not receive")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestMemoryBus_NoReplayForLateSubscribers(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "t", []byte("early")))
	s, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "t", []byte("late")))

	assert.Equal(t, "late", string(recv(t, s.Messages())))
}

func TestMemoryBus_CloseEndsWithoutError(t *testing.T) {
	bus := NewMemoryBus(8)
	s, err := bus.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_, ok := <-s.Messages()
	assert.False(t, ok)
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, bus.Subscribers("t"))
}

func TestMemoryBus_DisconnectIsTransient(t *testing.T) {
	bus := NewMemoryBus(8)
	s, err := bus.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	bus.Disconnect("t")
	_, ok := <-s.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, s.Err(), domain.ErrTransientChannel)
}

func TestMemoryBus_ContextCancelEndsSubscription(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-s.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not ended by cancel")
	}
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(8)
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), "t", nil), ErrBusClosed)
	_, err := bus.Subscribe(context.Background(), "t")
	assert.ErrorIs(t, err, ErrBusClosed)
}
