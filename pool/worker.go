package pool

import (
	"errors"
	"sync"
)

// ErrWorkerPoolExiting signals that a shutdown of the Worker has been
// requested.
var ErrWorkerPoolExiting = errors.New("worker pool exiting")

// DefaultNumWorkers is the default number of tasks a Worker runs at once.
const DefaultNumWorkers = 4

// WorkerConfig parameterizes a Worker pool.
type WorkerConfig struct {
	// NumWorkers is the maximum number of tasks running concurrently.
	NumWorkers int
}

// Worker runs long lived tasks, such as streaming decodes of large messages,
// on at most NumWorkers goroutines. Submitters are blocked while every slot
// is taken, which throttles the producers feeding those tasks.
type Worker struct {
	stopped sync.Once

	cfg *WorkerConfig

	// slots is a semaphore holding one token per running task.
	slots chan struct{}

	// mu orders task registration against shutdown.
	mu   sync.RWMutex
	wg   sync.WaitGroup
	quit chan struct{}
}

// NewWorker initializes a new Worker pool.
func NewWorker(cfg *WorkerConfig) *Worker {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers
	}

	return &Worker{
		cfg:   cfg,
		slots: make(chan struct{}, numWorkers),
		quit:  make(chan struct{}),
	}
}

// Start spins up the Worker pool. Task goroutines are created on demand.
func (w *Worker) Start() error {
	return nil
}

// Stop safely shuts down the Worker pool. It waits for running tasks, which
// must observe their own cancellation.
func (w *Worker) Stop() error {
	w.stopped.Do(func() {
		w.mu.Lock()
		close(w.quit)
		w.mu.Unlock()

		w.wg.Wait()
	})

	return nil
}

// Submit schedules task on a pool goroutine. It blocks until a slot is free,
// not until the task completes. If the pool is exiting, the task is never run
// and ErrWorkerPoolExiting is returned.
func (w *Worker) Submit(task func()) error {
	select {
	case w.slots <- struct{}{}:

	case <-w.quit:
		return ErrWorkerPoolExiting
	}

	// Recheck in case quit and a free slot were ready at once.
	w.mu.RLock()
	select {
	case <-w.quit:
		w.mu.RUnlock()
		<-w.slots
		return ErrWorkerPoolExiting

	default:
	}
	w.wg.Add(1)
	w.mu.RUnlock()
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()

		task()
	}()

	return nil
}

// Running returns the number of tasks currently running.
func (w *Worker) Running() int {
	return len(w.slots)
}
