package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePutGetOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	for i := range 100 {
		require.NoError(t, q.Put(i))
	}
	require.Equal(t, 100, q.Len())
	for i := range 100 {
		got, err := q.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, got)
	}
	require.Zero(t, q.Len())
}

func TestQueueGetWaitsForPut(t *testing.T) {
	t.Parallel()

	q := NewQueue[string]()
	result := make(chan string, 1)
	go func() {
		item, err := q.Get(context.Background())
		if err == nil {
			result <- item
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Put("job-1"))
	select {
	case got := <-result:
		require.Equal(t, "job-1", got)
	case <-time.After(time.Second):
		t.Fatal("get did not return the item")
	}
}

func TestQueueCancelation(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.EqualError(t, err, "dequeue canceled: context canceled")
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	require.NoError(t, q.Put(1))
	q.Close()
	require.ErrorIs(t, q.Put(2), ErrClosed)

	got, err := q.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, got)

	_, err = q.Get(context.Background())
	require.True(t, errors.Is(err, ErrClosed))
	q.Close()
}

func TestQueueManyConsumers(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	const consumers, items = 5, 500

	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Get(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[item] = true
				mu.Unlock()
			}
		}()
	}
	for i := range items {
		require.NoError(t, q.Put(i))
	}
	q.Close()
	wg.Wait()
	require.Len(t, seen, items)
}
