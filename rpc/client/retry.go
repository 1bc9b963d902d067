package client

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/slicerpc/lib/util"
	"github.com/ValentinKolb/slicerpc/rpc/common"
)

// retryTask is one invocation waiting for its retry interval to elapse
type retryTask struct {
	id   uint64
	fire chan error
}

// RetryQueue delays retried invocations. Tasks are kept in a MapHeap ordered
// by due time and fired by a single timer goroutine.
//
// A task ends in exactly one way: fired (Wait returns nil), canceled by the
// invocation's context (common.CancellationError) or destroyed by Destroy
// (common.ErrCommunicatorDestroyed).
type RetryQueue struct {
	tracer *common.Tracer

	mu        sync.Mutex
	heap      *util.MapHeap
	tasks     map[uint64]*retryTask
	nextID    uint64
	destroyed bool
	// waiting counts Wait calls that have not returned
	waiting sync.WaitGroup

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewRetryQueue creates a queue and starts its timer goroutine
func NewRetryQueue(tracer *common.Tracer) *RetryQueue {
	q := &RetryQueue{
		tracer: tracer,
		heap:   util.NewMapHeap(),
		tasks:  make(map[uint64]*retryTask),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Wait blocks until delay elapsed. The wait ends early if ctx is canceled or
// the queue is destroyed.
func (q *RetryQueue) Wait(ctx context.Context, delay time.Duration) error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return common.ErrCommunicatorDestroyed
	}
	q.nextID++
	task := &retryTask{id: q.nextID, fire: make(chan error, 1)}
	q.tasks[task.id] = task
	q.heap.AddItem(task.id, uint64(time.Now().Add(delay).UnixNano()))
	q.waiting.Add(1)
	q.mu.Unlock()
	defer q.waiting.Done()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.tracer.Trace(common.TraceRetry, 2, "retry task %d scheduled in %s", task.id, delay)

	select {
	case err := <-task.fire:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		if _, ok := q.heap.RemoveByKey(task.id); ok {
			delete(q.tasks, task.id)
		}
		q.mu.Unlock()
		q.tracer.Trace(common.TraceRetry, 2, "retry task %d canceled", task.id)
		return common.NewCancellationError(ctx)
	}
}

// Len returns the number of tasks waiting for their timer
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// run fires due tasks until the queue is destroyed
func (q *RetryQueue) run() {
	defer close(q.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		_, due, ok := q.heap.Peek()
		q.mu.Unlock()

		wait := time.Hour
		if ok {
			wait = time.Until(time.Unix(0, int64(due)))
		}
		timer.Reset(max(wait, 0))

		select {
		case <-q.stop:
			return
		case <-q.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		q.mu.Lock()
		for _, id := range q.heap.PopDue(uint64(time.Now().UnixNano())) {
			task := q.tasks[id]
			delete(q.tasks, id)
			task.fire <- nil
			q.tracer.Trace(common.TraceRetry, 2, "retry task %d fired", id)
		}
		q.mu.Unlock()
	}
}

// Destroy fails all tasks still waiting for their timer with
// common.ErrCommunicatorDestroyed and waits until every Wait call returned.
// Later calls to Wait fail immediately.
func (q *RetryQueue) Destroy(ctx context.Context) error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.destroyed = true
	pending := q.heap.Keys()
	for _, id := range pending {
		q.heap.RemoveByKey(id)
		q.tasks[id].fire <- common.ErrCommunicatorDestroyed
		delete(q.tasks, id)
	}
	q.mu.Unlock()
	Logger.Debugf("Retry queue destroyed, %d pending retries aborted", len(pending))

	close(q.stop)
	<-q.done

	drained := make(chan struct{})
	go func() {
		q.waiting.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return common.NewCancellationError(ctx)
	}
}
