package registry

import (
	"context"
	"sync"
)

// WorkerPool runs submitted units on a fixed number of goroutines. Each
// resource pool gets a worker pool of equal size so that every unit that
// obtains a worker can also obtain an instance without contending past the
// queue.
type WorkerPool struct {
	name  string
	tasks chan func()

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewWorkerPool(name string, size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	w := &WorkerPool{
		name:  name,
		tasks: make(chan func(), size),
		stop:  make(chan struct{}),
	}
	w.wg.Add(size)
	for i := 0; i < size; i++ {
		go w.run()
	}
	return w
}

func (w *WorkerPool) Name() string { return w.name }

func (w *WorkerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case task := <-w.tasks:
			task()
		}
	}
}

// Submit queues a unit, blocking until a queue slot frees or the context's
// deadline elapses. It reports whether the unit was accepted.
func (w *WorkerPool) Submit(ctx context.Context, task func()) bool {
	select {
	case w.tasks <- task:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop lets running units finish and discards queued ones.
func (w *WorkerPool) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}
