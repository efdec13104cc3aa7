package reactorbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynchronousDispatcher_RunsOnCallingGoroutine(t *testing.T) {
	d := NewSynchronousDispatcher()
	done := make(chan struct{})
	d.Dispatch(nil, func(any) { close(done) }, func(error) {})
	select {
	case <-done:
	default:
		t.Fatal("expected synchronous dispatcher to have already run the task")
	}
}

func TestSynchronousDispatcher_RecoversPanicIntoErrorHandler(t *testing.T) {
	d := NewSynchronousDispatcher()
	var caught error
	d.Dispatch(nil, func(any) { panic("boom") }, func(err error) { caught = err })
	require.Error(t, caught)
}

func TestWorkerPoolDispatcher_RunsTasksConcurrently(t *testing.T) {
	d := NewWorkerPoolDispatcher(WorkerPoolConfig{Workers: 4, QueueSize: 64})
	defer func() { _ = d.Close(time.Second) }()

	var wg sync.WaitGroup
	var count int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		d.Dispatch(nil, func(any) {
			atomic.AddInt64(&count, 1)
			wg.Done()
		}, func(error) { wg.Done() })
	}
	wg.Wait()
	assert.Equal(t, int64(50), atomic.LoadInt64(&count))
}

func TestWorkerPoolDispatcher_QueueFullReportsError(t *testing.T) {
	d := NewWorkerPoolDispatcher(WorkerPoolConfig{Workers: 1, QueueSize: 1})
	defer func() { _ = d.Close(time.Second) }()

	block := make(chan struct{})
	d.Dispatch(nil, func(any) { <-block }, func(error) {})
	d.Dispatch(nil, func(any) {}, func(error) {}) // fills the single queue slot

	var errCh = make(chan error, 1)
	d.Dispatch(nil, func(any) {}, func(err error) { errCh <- err })

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDispatchQueueFull)
	case <-time.After(time.Second):
		t.Fatal("expected queue-full error handler to fire")
	}
	close(block)
}

func TestWorkerPoolDispatcher_DispatchAfterCloseFails(t *testing.T) {
	d := NewWorkerPoolDispatcher(WorkerPoolConfig{Workers: 1, QueueSize: 1})
	require.NoError(t, d.Close(time.Second))

	var caught error
	d.Dispatch(nil, func(any) {}, func(err error) { caught = err })
	assert.ErrorIs(t, caught, ErrDispatcherClosed)
}

func TestRegisterDispatcher_MakesFactorySelectableByName(t *testing.T) {
	require.NoError(t, RegisterDispatcher("test-inline", func(map[string]any) (Dispatcher, error) {
		return NewSynchronousDispatcher(), nil
	}))

	d, err := NewDispatcher("test-inline", nil)
	require.NoError(t, err)
	assert.IsType(t, &SynchronousDispatcher{}, d)
}

func TestNewDispatcher_UnknownNameFails(t *testing.T) {
	_, err := NewDispatcher("nonexistent-dispatcher", nil)
	require.Error(t, err)
}
