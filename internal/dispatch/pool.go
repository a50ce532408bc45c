package dispatch

import (
	"sync"
)

// pool is a fixed set of workers fed by a bounded task queue.
type pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newPool(workers, queue int) *pool {
	p := &pool{tasks: make(chan func(), queue)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// submit queues fn, blocking while the queue is full. It returns false
// once the pool is stopped.
func (p *pool) submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.tasks <- fn
	return true
}

// stop runs every queued task and waits for the workers to exit.
func (p *pool) stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// strand runs one session's tasks in order, one at a time.
type strand struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	limit   int
	running bool
	pool    *pool
}

func newStrand(p *pool, limit int) *strand {
	st := &strand{pool: p, limit: limit}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// push appends task, blocking while the strand already holds limit
// pending tasks.
func (st *strand) push(task func()) {
	st.mu.Lock()
	for st.limit > 0 && len(st.queue) >= st.limit {
		st.cond.Wait()
	}
	st.queue = append(st.queue, task)
	if st.running {
		st.mu.Unlock()
		return
	}
	st.running = true
	st.mu.Unlock()

	if !st.pool.submit(st.run) {
		st.run()
	}
}

func (st *strand) run() {
	for {
		st.mu.Lock()
		if len(st.queue) == 0 {
			st.running = false
			st.mu.Unlock()
			return
		}
		task := st.queue[0]
		st.queue[0] = nil
		st.queue = st.queue[1:]
		st.cond.Signal()
		st.mu.Unlock()

		task()
	}
}
