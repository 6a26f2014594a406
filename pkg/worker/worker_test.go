package worker

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainQueue is a task which pops one item from a shared queue per
// invocation, reporting no-work once the queue is empty.
type drainQueue struct {
	sync.Mutex
	remaining int
	processed int
}

func (queue *drainQueue) task(_ Worker) (bool, error) {
	queue.Lock()
	defer queue.Unlock()

	if queue.remaining == 0 {
		return false, nil
	}

	queue.remaining--
	queue.processed++
	return true, nil
}

func Test_WorkerPool_DrainsQueueAndExitsOnClose(t *testing.T) {
	queue := &drainQueue{remaining: 20}

	pool := NewWorkerPool()
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.PushWorker(NewWorker("drain-worker", queue.task)))
	}

	require.NoError(t, pool.Start())
	pool.Close()

	assert.Equal(t, 20, queue.processed)
}

func Test_Worker_StopsOnTaskError(t *testing.T) {
	calls := 0
	worker := NewWorker("erroring-worker", func(w Worker) (bool, error) {
		calls++
		return false, errors.New("task exploded")
	})

	worker.Start()

	assert.Equal(t, 1, calls)
	assert.Equal(t, FINISHED, worker.Status())
}

func Test_WorkerPool_LifecycleGuards(t *testing.T) {
	pool := NewWorkerPool()
	require.NoError(t, pool.PushWorker(NewWorker("guard-worker", func(w Worker) (bool, error) {
		return false, nil
	})))

	require.NoError(t, pool.Start())
	assert.Error(t, pool.Start(), "cannot start a pool twice")
	assert.Error(t, pool.PushWorker(NewWorker("late-worker", nil)), "cannot push workers after start")

	pool.Close()
}
