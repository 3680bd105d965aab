// Package worker runs batch jobs on a bounded set of goroutines.
package worker

import (
	"context"
	"sort"
	"sync"
)

// Job is one unit of batch work. Index is the job's position in the
// submitted batch so callers can restore input order.
type Job interface {
	Index() int
	Execute(ctx context.Context) Result
}

// Result is what a Job produces.
type Result interface {
	Index() int
	GetError() error
}

// Pool manages a fixed number of workers pulling from a shared queue.
type Pool struct {
	workers    int
	jobQueue   chan Job
	results    chan Result
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
}

// NewPool creates a pool bound to parent. Cancelling parent stops the workers.
func NewPool(parent context.Context, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithCancel(parent)

	return &Pool{
		workers:    workers,
		jobQueue:   make(chan Job, workers*2),
		results:    make(chan Result, workers*2),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}
			result := job.Execute(p.ctx)
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// Submit queues a job. It returns false when the pool has been shut down.
func (p *Pool) Submit(job Job) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.jobQueue <- job:
		return true
	}
}

// Results exposes the result stream. It is closed once every worker exits.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close stops accepting jobs and closes the result stream after the
// in-flight jobs finish.
func (p *Pool) Close() {
	close(p.jobQueue)
	go func() {
		p.wg.Wait()
		p.closeResults()
		p.cancelFunc()
	}()
}

// Shutdown cancels the workers immediately.
func (p *Pool) Shutdown() {
	p.cancelFunc()
	p.wg.Wait()
	p.closeResults()
}

func (p *Pool) closeResults() {
	p.closeOnce.Do(func() {
		close(p.results)
	})
}

// Run executes jobs on a pool of the given size and returns the results
// sorted by job index. Results of jobs that never ran because ctx was
// cancelled are missing; callers compare len(results) against len(jobs).
func Run(ctx context.Context, workers int, jobs []Job) []Result {
	pool := NewPool(ctx, workers)
	pool.Start()

	go func() {
		defer pool.Close()
		for _, job := range jobs {
			if !pool.Submit(job) {
				return
			}
		}
	}()

	results := make([]Result, 0, len(jobs))
	for result := range pool.Results() {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Index() < results[j].Index()
	})
	return results
}

// ResultCollector gathers results from several goroutines.
type ResultCollector struct {
	results []Result
	mu      sync.Mutex
}

func NewResultCollector() *ResultCollector {
	return &ResultCollector{
		results: make([]Result, 0),
	}
}

// Add appends a result.
func (c *ResultCollector) Add(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

// Results returns the collected results ordered by index.
func (c *ResultCollector) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Index() < out[j].Index()
	})
	return out
}
