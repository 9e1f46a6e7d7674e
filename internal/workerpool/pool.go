// Package workerpool bounds background work (screenshot uploads and
// similar chores) so a burst of commands cannot spawn unbounded
// goroutines on a small device. Tasks are named, so a stuck or panicking
// chore is attributable in the log.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digiplayer/agent/internal/logging"
)

var log = logging.L("workerpool")

// slowTask is the duration above which a completed task is reported.
const slowTask = 30 * time.Second

type task struct {
	name string
	fn   func()
}

// Pool runs named background tasks on a fixed set of workers with a
// bounded backlog. Submission never blocks: a full backlog rejects and
// the caller decides whether to run inline or drop.
type Pool struct {
	tasks     chan task
	wg        sync.WaitGroup
	accepting atomic.Bool
	closeOnce sync.Once
}

func New(workers, backlog int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if backlog < 1 {
		backlog = 1
	}

	p := &Pool{tasks: make(chan task, backlog)}
	p.accepting.Store(true)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues fn under a name used in logs. Returns false when the
// pool is draining or the backlog is full.
func (p *Pool) Submit(name string, fn func()) bool {
	if !p.accepting.Load() {
		return false
	}

	// Add before enqueue so Drain cannot observe a queued task with a
	// zero wait count.
	p.wg.Add(1)
	select {
	case p.tasks <- task{name: name, fn: fn}:
		return true
	default:
		p.wg.Done()
		log.Warn("background task rejected, backlog full", "task", name)
		return false
	}
}

// StopAccepting rejects further submissions. Queued tasks still run.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for queued and running tasks, bounded by the context, then
// releases the workers. Call StopAccepting first.
func (p *Pool) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("background task drain timed out")
	}

	p.closeOnce.Do(func() { close(p.tasks) })
}

func (p *Pool) work() {
	for t := range p.tasks {
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("background task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	t.fn()
	if d := time.Since(start); d > slowTask {
		log.Warn("background task ran long", "task", t.name, logging.KeyDurationMs, d.Milliseconds())
	}
}
