// Package work runs store writes off the hot paths. Stream handlers and
// ticker loops submit fire-and-forget jobs; a fixed worker set drains them
// so a slow disk never stalls the wire.
package work

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meshtalk/internal/metrics"
)

const (
	defaultWorkers = 4
	queueDepth     = 256
	jobTimeout     = 10 * time.Second
)

type job struct {
	name string
	fn   func(ctx context.Context) error
}

type Pool struct {
	log  zerolog.Logger
	met  *metrics.Metrics
	jobs chan job
	wg   sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewPool(workers int, met *metrics.Metrics, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if met == nil {
		met = metrics.New(nil)
	}
	p := &Pool{
		log:  log.With().Str("component", "work").Logger(),
		met:  met,
		jobs: make(chan job, queueDepth),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues fn. When the queue is full the job runs inline instead of
// being dropped; persistence beats latency here. Submitting to a stopped
// pool also runs inline.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) {
	p.met.StoreJobs.Inc()

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		p.run(job{name: name, fn: fn})
		return
	}

	select {
	case p.jobs <- job{name: name, fn: fn}:
		p.met.StoreQueueDepth.Set(float64(len(p.jobs)))
	default:
		p.log.Warn().Str("job", name).Msg("work queue full, running inline")
		p.run(job{name: name, fn: fn})
	}
}

// Stop drains queued jobs and waits for workers to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.met.StoreQueueDepth.Set(float64(len(p.jobs)))
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.met.StoreJobFailures.Inc()
			p.log.Error().Str("job", j.name).Interface("panic", r).Msg("job panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := j.fn(ctx); err != nil {
		p.met.StoreJobFailures.Inc()
		p.log.Error().Err(err).Str("job", j.name).Msg("job failed")
	}
}
