package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// workerPool runs at most limit task workers and tracks them by task id.
type workerPool struct {
	limit int

	mu      sync.Mutex
	running map[string]time.Time
	closed  bool
	wg      sync.WaitGroup
}

func newWorkerPool(limit int) *workerPool {
	if limit <= 0 {
		limit = 1
	}
	return &workerPool{
		limit:   limit,
		running: make(map[string]time.Time),
	}
}

// submit starts fn in a new goroutine tracked under taskID.
func (p *workerPool) submit(taskID string, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrSchedulerStopped
	}
	if _, ok := p.running[taskID]; ok {
		p.mu.Unlock()
		return ErrTaskAlreadyRunning
	}
	if len(p.running) >= p.limit {
		p.mu.Unlock()
		return ErrWorkerPoolFull
	}
	p.running[taskID] = time.Now()
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.release(taskID)
		fn()
	}()
	return nil
}

func (p *workerPool) release(taskID string) {
	p.mu.Lock()
	delete(p.running, taskID)
	p.mu.Unlock()
	p.wg.Done()
}

func (p *workerPool) has(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[taskID]
	return ok
}

// ids returns the tracked task ids in sorted order.
func (p *workerPool) ids() []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.running))
	for id := range p.running {
		out = append(out, id)
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}

// close rejects further submissions.
func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// wait blocks until every tracked worker returned or ctx is done.
func (p *workerPool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
