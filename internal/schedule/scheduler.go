// Package schedule runs named periodic and one-shot jobs against a Clock.
//
// A job returning a *DeferError postpones its next run by the requested
// delay instead of the normal interval; this is how a rate-limited poll
// cycle doubles its wait.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lanternops/placewatch/internal/logging"
)

var log = logging.L("schedule")

// ErrUnknownJob is returned by Tick for names that are not scheduled.
var ErrUnknownJob = errors.New("schedule: unknown job")

// Job is the unit of scheduled work.
type Job func(ctx context.Context) error

// DeferError asks the scheduler to wait Delay before the next run.
type DeferError struct {
	Delay  time.Duration
	Reason error
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred %s: %v", e.Delay, e.Reason)
}

func (e *DeferError) Unwrap() error { return e.Reason }

// Defer wraps reason so the next run happens after delay.
func Defer(delay time.Duration, reason error) error {
	return &DeferError{Delay: delay, Reason: reason}
}

type entry struct {
	name     string
	first    time.Duration
	interval time.Duration
	oneShot  bool
	job      Job
	stop     chan struct{}
	stopOnce sync.Once
}

func (e *entry) cancel() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Scheduler owns a set of named jobs. Scheduling a name that already exists
// replaces the previous job.
type Scheduler struct {
	clock  Clock
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*entry
	wg   sync.WaitGroup
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clock,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// Every runs job each interval, starting one interval from now.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) {
	s.add(&entry{name: name, interval: interval, job: job, stop: make(chan struct{})})
}

// EveryAfter is Every with the first run after first instead of interval.
func (s *Scheduler) EveryAfter(name string, first, interval time.Duration, job Job) {
	s.add(&entry{name: name, first: first, interval: interval, job: job, stop: make(chan struct{})})
}

// After runs job once after delay.
func (s *Scheduler) After(name string, delay time.Duration, job Job) {
	s.add(&entry{name: name, interval: delay, oneShot: true, job: job, stop: make(chan struct{})})
}

func (s *Scheduler) add(e *entry) {
	s.mu.Lock()
	if prev, ok := s.jobs[e.name]; ok {
		prev.cancel()
	}
	s.jobs[e.name] = e
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(e)
}

func (s *Scheduler) loop(e *entry) {
	defer s.wg.Done()

	wait := e.interval
	if e.first > 0 {
		wait = e.first
	}
	for {
		select {
		case <-s.clock.After(wait):
		case <-e.stop:
			return
		case <-s.ctx.Done():
			return
		}

		// A cancel that raced the timer wins.
		select {
		case <-e.stop:
			return
		default:
		}

		err := s.run(e)
		if e.oneShot {
			s.remove(e)
			return
		}

		wait = e.interval
		var d *DeferError
		if errors.As(err, &d) {
			wait = d.Delay
			log.Info("job deferred", "job", e.name, "delay", d.Delay, logging.KeyError, d.Reason)
		}
	}
}

func (s *Scheduler) run(e *entry) error {
	start := time.Now()
	err := e.job(s.ctx)
	var d *DeferError
	if err != nil && !errors.As(err, &d) {
		log.Warn("job failed", "job", e.name, logging.KeyError, err,
			logging.KeyDurationMs, time.Since(start).Milliseconds())
	}
	return err
}

func (s *Scheduler) remove(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[e.name]; ok && cur == e {
		delete(s.jobs, e.name)
	}
}

// Cancel stops the named job. A run already in progress completes.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[name]; ok {
		e.cancel()
		delete(s.jobs, name)
	}
}

// CancelAll stops every job.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.jobs {
		e.cancel()
		delete(s.jobs, name)
	}
}

// Active reports whether name is scheduled.
func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Tick runs the named job synchronously, outside its timer. One-shot jobs
// are consumed.
func (s *Scheduler) Tick(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if ok && e.oneShot {
		e.cancel()
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return e.job(ctx)
}

// Close cancels every job and waits for running ones to return.
func (s *Scheduler) Close() {
	s.CancelAll()
	s.cancel()
	s.wg.Wait()
}
