package sync

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// outcome is what a worker reports for a finished job.
type outcome struct {
	job    *job
	status JobStatus
}

// pool runs parallel jobs with bounded concurrency and funnels their outcomes through a
// single results channel.
type pool struct {
	closed  bool
	collect func(outcome)
	ctx     context.Context
	drained chan struct{}
	mu      sync.Mutex
	results chan outcome
	run     func(*job) outcome
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
}

func newPool(ctx context.Context, size int, run func(*job) outcome, collect func(outcome)) *pool {
	p := &pool{
		ctx:     ctx,
		collect: collect,
		drained: make(chan struct{}),
		results: make(chan outcome, size),
		run:     run,
		sem:     semaphore.NewWeighted(int64(size)),
	}

	go func() {
		defer close(p.drained)
		for out := range p.results {
			p.collect(out)
		}
	}()

	return p
}

// submit queues j. The job waits for a free slot before running.
func (p *pool) submit(j *job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrOrchestratorClosed
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		// Acquire only fails once the pool context is cancelled, after close has waited
		// for every submitted job; run anyway so the job reaches a terminal state.
		if err := p.sem.Acquire(p.ctx, 1); err == nil {
			defer p.sem.Release(1)
		}
		p.results <- p.run(j)
	}()

	return nil
}

// close stops accepting jobs, waits for submitted ones and drains their results.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	close(p.results)
	<-p.drained
}
