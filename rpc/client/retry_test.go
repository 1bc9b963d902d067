package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) *RetryQueue {
	t.Helper()
	q := NewRetryQueue(nil)
	t.Cleanup(func() { _ = q.Destroy(context.Background()) })
	return q
}

func TestRetryQueueFiresInOrder(t *testing.T) {
	q := newQueue(t)

	var mu sync.Mutex
	var order []time.Duration
	var wg sync.WaitGroup
	for _, d := range []time.Duration{150 * time.Millisecond, 0, 50 * time.Millisecond} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, q.Wait(context.Background(), d))
			mu.Lock()
			order = append(order, d)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, []time.Duration{0, 50 * time.Millisecond, 150 * time.Millisecond}, order)
	assert.Equal(t, 0, q.Len())
}

func TestRetryQueueCancel(t *testing.T) {
	q := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- q.Wait(ctx, time.Hour) }()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	cancel()
	err := <-errCh
	var canceled *common.CancellationError
	require.ErrorAs(t, err, &canceled)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, q.Len())
}

func TestRetryQueueDestroy(t *testing.T) {
	q := NewRetryQueue(nil)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errCh <- q.Wait(context.Background(), time.Hour) }()
	}
	require.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, q.Destroy(context.Background()))
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errCh, common.ErrCommunicatorDestroyed)
	}

	assert.ErrorIs(t, q.Wait(context.Background(), 0), common.ErrCommunicatorDestroyed)
	assert.NoError(t, q.Destroy(context.Background()))
}
