// Package workerpool runs submitted tasks on a fixed set of goroutines.
// placewatch uses a single worker so every state-mutating task (start, stop,
// poll cycle, roster refresh) executes one at a time, in submission order.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/lanternops/placewatch/internal/logging"
)

var log = logging.L("workerpool")

var (
	// ErrRejected is returned when the pool is stopped or its queue is full.
	ErrRejected = errors.New("workerpool: task rejected")
	// ErrPanicked is returned by Run when the task panicked.
	ErrPanicked = errors.New("workerpool: task panicked")
)

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		queue:    make(chan Task, queueSize),
		stopChan: make(chan struct{}),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// NewSerial returns a single-worker pool.
func NewSerial(queueSize int) *Pool {
	return New(1, queueSize)
}

// Submit enqueues a task. Returns false if the pool is stopped or the queue is full.
// wg.Add is called before enqueue so Drain cannot miss the task.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// Run submits fn and waits for it to finish, returning its error. If ctx ends
// first Run returns ctx.Err() and the task still runs to completion.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	ok := p.Submit(func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrPanicked, r)
				log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			}
			done <- err
		}()
		err = fn(ctx)
	})
	if !ok {
		return ErrRejected
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.queue)
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. Call StopAccepting first to prevent new submissions.
func (p *Pool) Drain(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

// Shutdown stops accepting tasks and drains.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done matches the
// wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
