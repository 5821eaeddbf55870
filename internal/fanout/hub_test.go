package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"optical_bench/internal/bencherr"

	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, h *Hub[int]) {
	t.Helper()
	h.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Drain(ctx))
}

func TestHub_PreservesOrderPerSubscriber(t *testing.T) {
	const n = 5000
	h := New[int]("test", WithBuffer(n))

	var got []int
	h.Subscribe(func(v int) error {
		got = append(got, v)
		return nil
	})
	for i := 0; i < n; i++ {
		require.Equal(t, 1, h.Publish(i))
	}
	drain(t, h)

	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v, "reordered or duplicated at index %d", i)
	}
}

func TestHub_FailingSubscriberIsIsolated(t *testing.T) {
	const n = 1000
	var (
		mu       sync.Mutex
		failures []error
	)
	h := New[int]("test", WithBuffer(n), WithFailureHook(func(_ Handle, err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}))

	h.Subscribe(func(int) error { return errors.New("always broken") })
	var panicked atomic.Int64
	h.Subscribe(func(int) error {
		panicked.Add(1)
		panic("handler bug")
	})
	var good []int
	h.Subscribe(func(v int) error {
		good = append(good, v)
		return nil
	})

	for i := 0; i < n; i++ {
		h.Publish(i)
	}
	drain(t, h)

	require.Len(t, good, n)
	require.Equal(t, int64(n), panicked.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 2*n)
	for _, err := range failures {
		require.ErrorIs(t, err, bencherr.ErrSubscriberFailure)
	}
}

func TestHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	release := make(chan struct{})
	h := New[int]("test", WithBuffer(4))
	slow := h.Subscribe(func(int) error {
		<-release
		return nil
	})
	var fast atomic.Int64
	h.Subscribe(func(int) error {
		fast.Add(1)
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	require.Positive(t, h.Dropped(slow))
	close(release)
	drain(t, h)
	require.Positive(t, fast.Load())
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := New[int]("test")
	var count atomic.Int64
	id := h.Subscribe(func(int) error {
		count.Add(1)
		return nil
	})
	require.NotZero(t, id)
	require.Equal(t, 1, h.Len())

	require.True(t, h.Unsubscribe(id))
	require.False(t, h.Unsubscribe(id))
	require.Equal(t, 0, h.Publish(1))
	require.Equal(t, 0, h.Len())
	drain(t, h)
	require.Zero(t, count.Load())
}

func TestHub_ClosedHubRejectsSubscribers(t *testing.T) {
	h := New[int]("test")
	h.Close()
	require.Zero(t, h.Subscribe(func(int) error { return nil }))
	require.Zero(t, h.Subscribe(nil))
}
