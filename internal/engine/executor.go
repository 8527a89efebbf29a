package engine

import "sync"

// serialExecutor runs tasks grouped by key: tasks sharing a key execute one
// at a time in submission order, tasks with different keys run concurrently.
// A semaphore bounds the total number of tasks executing at once, so blocking
// venue calls cannot pile up unbounded goroutines.
type serialExecutor struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
	slots  chan struct{}
}

func newSerialExecutor(workers int) *serialExecutor {
	if workers <= 0 {
		workers = 4
	}
	return &serialExecutor{
		queues: make(map[string][]func()),
		slots:  make(chan struct{}, workers),
	}
}

// Submit enqueues task under key. The first task for an idle key starts a
// drain goroutine; subsequent tasks append to its queue.
func (e *serialExecutor) Submit(key string, task func()) {
	e.mu.Lock()
	_, running := e.queues[key]
	e.queues[key] = append(e.queues[key], task)
	e.mu.Unlock()
	if running {
		return
	}
	e.wg.Add(1)
	go e.drain(key)
}

func (e *serialExecutor) drain(key string) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		q := e.queues[key]
		if len(q) == 0 {
			delete(e.queues, key)
			e.mu.Unlock()
			return
		}
		task := q[0]
		e.queues[key] = q[1:]
		e.mu.Unlock()

		e.slots <- struct{}{}
		task()
		<-e.slots
	}
}

// Wait blocks until every submitted task has finished. Callers must stop
// submitting before waiting.
func (e *serialExecutor) Wait() {
	e.wg.Wait()
}
