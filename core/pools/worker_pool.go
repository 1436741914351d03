package pools

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Task represents a unit of work
type Task func()

// Default pool sizing: enough workers that blocking handlers do not starve
// the server, an idle worker lingers a few seconds before exiting.
const (
	DefaultKeepAlive     = 6 * time.Second
	defaultWorkersPerCPU = 10
)

// WorkerPool executes submitted tasks on a bounded, self-shrinking set of
// worker goroutines. The pool grows on demand up to maxWorkers; a worker
// that stays idle for keepAlive exits, so the pool drains toward zero under
// sustained idleness and regrows on new load.
//
// When every worker is busy, Spawn queues the task in an unbounded FIFO
// backlog instead of blocking or rejecting: the submitter is the engine's
// acceptance path and must stay responsive. Sustained overload is bounded
// operationally by sizing maxWorkers.
type WorkerPool struct {
	maxWorkers int
	keepAlive  time.Duration

	mu      sync.Mutex
	idle    []*workerChan
	queue   []Task
	running int
	closed  bool

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		workersSpawned atomic.Uint64
		workersRetired atomic.Uint64
		taskPanics     atomic.Uint64
	}
}

// workerChan is the handoff slot of one idle worker
type workerChan struct {
	ch chan Task
}

// NewWorkerPool creates a worker pool. maxWorkers <= 0 selects the default
// of 10 workers per CPU; keepAlive <= 0 selects the 6 second default.
func NewWorkerPool(maxWorkers int, keepAlive time.Duration) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU() * defaultWorkersPerCPU
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	return &WorkerPool{
		maxWorkers: maxWorkers,
		keepAlive:  keepAlive,
	}
}

// Spawn submits one unit of work. It never blocks: an idle worker gets the
// task directly, otherwise a new worker is started while the pool is below
// its maximum, otherwise the task joins the FIFO backlog. Returns false only
// after Close.
func (p *WorkerPool) Spawn(task Task) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.stats.tasksSubmitted.Add(1)

	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		w.ch <- task
		return true
	}

	if p.running < p.maxWorkers {
		p.running++
		p.stats.workersSpawned.Add(1)
		p.mu.Unlock()
		go p.worker(task)
		return true
	}

	p.queue = append(p.queue, task)
	p.mu.Unlock()
	return true
}

// RunToCompletion drives the top-level server task on the calling goroutine
// and blocks until it terminates, on an unrecoverable engine error or
// explicit shutdown. The pool is closed once the task returns.
func (p *WorkerPool) RunToCompletion(top func() error) error {
	defer p.Close()
	return top()
}

// worker runs submitted tasks until the keep-alive timer elapses with no new
// work, then retires.
func (p *WorkerPool) worker(task Task) {
	w := &workerChan{ch: make(chan Task, 1)}
	timer := time.NewTimer(p.keepAlive)
	defer timer.Stop()

	for {
		p.invoke(task)
		p.stats.tasksCompleted.Add(1)

		p.mu.Lock()
		if len(p.queue) > 0 {
			// Backlog is drained in FIFO order before anyone idles.
			task = p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			continue
		}
		if p.closed {
			p.running--
			p.mu.Unlock()
			return
		}
		p.idle = append(p.idle, w)
		p.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.keepAlive)

		select {
		case t := <-w.ch:
			if t == nil {
				p.exit()
				return
			}
			task = t
		case <-timer.C:
			p.mu.Lock()
			if p.removeIdleLocked(w) {
				p.running--
				p.stats.workersRetired.Add(1)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			// Lost the race: a task or the close signal is already on
			// its way to our channel.
			t := <-w.ch
			if t == nil {
				p.exit()
				return
			}
			task = t
		}
	}
}

// invoke runs one task, isolating panics so the worker survives. A panic is
// fatal to the task that raised it, never to the pool.
func (p *WorkerPool) invoke(task Task) {
	defer func() {
		if v := recover(); v != nil {
			p.stats.taskPanics.Add(1)
			log.Printf("worker pool: task panic: %v", v)
		}
	}()

	task()
}

func (p *WorkerPool) exit() {
	p.mu.Lock()
	p.running--
	p.mu.Unlock()
}

// removeIdleLocked removes w from the idle list; callers hold p.mu.
func (p *WorkerPool) removeIdleLocked(w *workerChan) bool {
	for i, cand := range p.idle {
		if cand == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

// Close shuts the pool down: idle workers are released, the backlog is
// dropped, busy workers finish their current task. Idempotent.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.queue = nil
	p.mu.Unlock()

	for _, w := range idle {
		w.ch <- nil
	}
}

// Running returns the number of live workers, idle or busy.
func (p *WorkerPool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// IdleCount returns the number of workers currently parked waiting for work.
func (p *WorkerPool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Backlog returns the number of tasks queued behind a saturated pool.
func (p *WorkerPool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// MaxWorkers returns the configured concurrency bound.
func (p *WorkerPool) MaxWorkers() int {
	return p.maxWorkers
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	p.mu.Lock()
	running := p.running
	idle := len(p.idle)
	backlog := len(p.queue)
	p.mu.Unlock()

	return WorkerPoolStats{
		MaxWorkers:     p.maxWorkers,
		Running:        running,
		Idle:           idle,
		Backlog:        backlog,
		TasksSubmitted: p.stats.tasksSubmitted.Load(),
		TasksCompleted: p.stats.tasksCompleted.Load(),
		WorkersSpawned: p.stats.workersSpawned.Load(),
		WorkersRetired: p.stats.workersRetired.Load(),
		TaskPanics:     p.stats.taskPanics.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	MaxWorkers     int
	Running        int
	Idle           int
	Backlog        int
	TasksSubmitted uint64
	TasksCompleted uint64
	WorkersSpawned uint64
	WorkersRetired uint64
	TaskPanics     uint64
}
