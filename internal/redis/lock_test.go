package redisclient

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestWithSlotLockRunsCriticalSection(t *testing.T) {
	client := newTestClient(t)
	locker := NewRedisSlotLocker(client, 5*time.Second)

	ran := false
	err := locker.WithSlotLock(context.Background(), "doc1:2025-03-10:09:00", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	// Lock must be released afterwards so a second caller can acquire it.
	err = locker.WithSlotLock(context.Background(), "doc1:2025-03-10:09:00", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestWithSlotLockContention(t *testing.T) {
	client := newTestClient(t)
	locker := NewRedisSlotLocker(client, 5*time.Second)

	inner := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- locker.WithSlotLock(context.Background(), "doc1:2025-03-10:09:00", func(ctx context.Context) error {
			close(inner)
			<-release
			return nil
		})
	}()

	<-inner

	err := locker.WithSlotLock(context.Background(), "doc1:2025-03-10:09:00", func(ctx context.Context) error {
		t.Error("second holder must not enter the critical section")
		return nil
	})
	require.ErrorIs(t, err, ErrLockNotAcquired)

	close(release)
	require.NoError(t, <-done)
}

func TestWithSlotLockDifferentSlotsDoNotContend(t *testing.T) {
	client := newTestClient(t)
	locker := NewRedisSlotLocker(client, 5*time.Second)

	err := locker.WithSlotLock(context.Background(), "doc1:2025-03-10:09:00", func(ctx context.Context) error {
		return locker.WithSlotLock(ctx, "doc1:2025-03-10:09:30", func(ctx context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
}

func TestPublisherPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pub := NewPublisher(client)

	err := pub.Publish(context.Background(), "APPOINTMENT_BOOKED", map[string]any{
		"appointment_id": "abc",
	})
	require.NoError(t, err)
}
