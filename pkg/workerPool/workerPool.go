// Package workerpool runs tasks on a fixed set of goroutines. Results are
// gathered per Room, so independent callers can share one pool.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

var (
	ErrGlobalBufferFull = errors.New("workerpool: global buffer is full")
	ErrRoomBufferFull   = errors.New("workerpool: room buffer is full")
	ErrStopped          = errors.New("workerpool: pool is stopped")
)

type WorkerPool struct {
	config    Config
	taskQueue chan func()
	stopOnce  sync.Once
	mu        sync.RWMutex
	stopped   bool
	workers   sync.WaitGroup
}

type Config struct {
	// WorkerCount defaults to three workers per CPU.
	WorkerCount int
	// GlobalBuffer is the number of queued tasks across all rooms.
	GlobalBuffer int
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for run := range wp.taskQueue {
		run()
	}
}

// Stop lets queued tasks finish and ends the workers. Tasks submitted after
// Stop fail with ErrStopped.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.mu.Lock()
		wp.stopped = true
		close(wp.taskQueue)
		wp.mu.Unlock()
	})
	wp.workers.Wait()
}

func (wp *WorkerPool) submit(run func(), block bool) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrStopped
	}
	if block {
		wp.taskQueue <- run
		return nil
	}
	select {
	case wp.taskQueue <- run:
		return nil
	default:
		return ErrGlobalBufferFull
	}
}

// Room collects the results of a group of tasks.
type Room[T any] struct {
	wp         *WorkerPool
	resultChan chan T
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// CreateRoom returns a room that buffers up to size results.
func CreateRoom[T any](wp *WorkerPool, size int) *Room[T] {
	if size < 1 {
		size = 1
	}
	return &Room[T]{
		wp:         wp,
		resultChan: make(chan T, size),
	}
}

func (ro *Room[T]) task(job func() T) func() {
	return func() {
		defer ro.wg.Done()
		ro.resultChan <- job()
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the pool queue is full.
func (ro *Room[T]) NewTaskWaitForFreeSlot(job func() T) error {
	ro.wg.Add(1)
	if err := ro.wp.submit(ro.task(job), true); err != nil {
		ro.wg.Done()
		return err
	}
	return nil
}

// NewTask queues job or fails immediately when a buffer is full.
func (ro *Room[T]) NewTask(job func() T) error {
	if len(ro.resultChan) == cap(ro.resultChan) {
		return ErrRoomBufferFull
	}
	ro.wg.Add(1)
	if err := ro.wp.submit(ro.task(job), false); err != nil {
		ro.wg.Done()
		return err
	}
	return nil
}

// Collect waits for all tasks of the room and returns their results in
// completion order. No task may be added after Collect.
func (ro *Room[T]) Collect() []T {
	go ro.waitAndClose()
	results := make([]T, 0)
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

func (ro *Room[T]) waitAndClose() {
	ro.wg.Wait()
	ro.closeOnce.Do(func() { close(ro.resultChan) })
}
