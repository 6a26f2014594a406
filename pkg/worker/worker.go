package worker

import "github.com/floyd-ryan/scribe/pkg/logger"

var workerLogger = logger.Get("Worker")

type WorkerWakeupChan chan int

type WorkerStatus int

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

// WorkerTask is the unit of work given to a worker. The task should
// attempt to claim and complete one piece of work, returning 'true'
// if work was performed (the worker will immediately poll again), or
// 'false' if no work was available (the worker will sleep until woken).
// A non-nil error stops the worker.
type WorkerTask func(w Worker) (bool, error)

type Worker interface {
	Start()
	Status() WorkerStatus
	Label() string
	Close()
}

type taskWorker struct {
	label         string
	task          WorkerTask
	wakeupChan    WorkerWakeupChan
	currentStatus WorkerStatus
}

func NewWorker(label string, task WorkerTask) *taskWorker {
	return &taskWorker{
		label:         label,
		task:          task,
		wakeupChan:    make(WorkerWakeupChan),
		currentStatus: SLEEPING,
	}
}

// Start runs the workers task in a loop, sleeping whenever the task
// reports that no work was available. Start only returns once the
// workers wakeup channel has been closed, or the task errors.
func (worker *taskWorker) Start() {
	worker.currentStatus = WORKING
	for {
		didWork, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker %v has reported an error(%T): %v\n", worker.label, err, err.Error())
			break
		}

		if didWork {
			continue
		}

		if isAlive := worker.sleep(); !isAlive {
			break
		}
	}

	worker.currentStatus = FINISHED
}

func (worker *taskWorker) Status() WorkerStatus {
	return worker.currentStatus
}

func (worker *taskWorker) Label() string {
	return worker.label
}

// Close closes the Worker by closing the WakeChan.
// Note that this does not interupt a currently running task.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine. Returns a boolean that
// is 'false' if the wakeup channel was closed - indicating
// the worker should quit.
func (worker *taskWorker) sleep() (isAlive bool) {
	worker.currentStatus = SLEEPING

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.currentStatus = WORKING
	} else {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%v' has been closed - worker is exiting\n", worker.label)
		worker.currentStatus = FINISHED
	}

	return isAlive
}
