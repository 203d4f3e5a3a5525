// Package worker runs turn goroutines on a bounded, elastic set of workers.
package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrPoolBusy   = errors.New("all turn workers are busy")
	ErrPoolClosed = errors.New("turn pool closed")
)

type workerMeta struct {
	ch        chan Job
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

// Config sizes the pool. MaxWorkers bounds concurrent turns.
type Config struct {
	MinWorkers int
	MaxWorkers int
	IdleExpiry time.Duration
}

// Pool hands jobs to idle workers, spawning up to MaxWorkers and retiring
// idle workers above MinWorkers once they expire. It never queues.
type Pool struct {
	mu       sync.Mutex
	idle     []*workerMeta
	metadata map[chan Job]*workerMeta
	min      int
	max      int
	running  int
	busy     int
	expiry   time.Duration
	closed   bool
	stop     chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

const (
	defaultWorkerIdle = 30 * time.Second
	defaultMaxWorkers = 64
)

func NewPool(cfg Config, logger *slog.Logger) *Pool {
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = defaultWorkerIdle
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.MinWorkers < 0 {
		cfg.MinWorkers = 0
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pool{
		metadata: make(map[chan Job]*workerMeta),
		min:      cfg.MinWorkers,
		max:      cfg.MaxWorkers,
		expiry:   cfg.IdleExpiry,
		stop:     make(chan struct{}),
		logger:   logger,
	}
	for i := 0; i < p.min; i++ {
		p.mu.Lock()
		ch := p.spawnLocked()
		p.idle = append(p.idle, p.metadata[ch])
		p.metadata[ch].enqueued = true
		p.metadata[ch].lastUsed = time.Now()
		p.mu.Unlock()
	}
	go p.purgeStaleWorkers()
	return p
}

// Go runs fn on a worker. It returns ErrPoolBusy right away when every
// worker is busy and the pool is at capacity.
func (p *Pool) Go(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	var ch chan Job
	if meta := p.popIdleLocked(); meta != nil {
		ch = meta.ch
	} else if p.running < p.max {
		ch = p.spawnLocked()
	} else {
		running := p.running
		p.mu.Unlock()
		p.debug("pool saturated", "running", running, "max", p.max)
		return ErrPoolBusy
	}
	p.busy++
	p.mu.Unlock()

	ch <- Job{Type: jobRun, Run: fn}
	return nil
}

// spawnLocked starts a worker; callers hold p.mu.
func (p *Pool) spawnLocked() chan Job {
	worker := newWorker(p)
	p.metadata[worker.jobChannel] = &workerMeta{ch: worker.jobChannel}
	p.running++
	worker.Start()
	p.debug("worker spawned", "running", p.running)
	return worker.jobChannel
}

// release puts a worker back into the idle queue. It reports false when
// the worker should exit instead.
func (p *Pool) release(ch chan Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy > 0 {
		p.busy--
	}
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded || p.closed {
		return false
	}
	if meta.enqueued {
		return true
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	return true
}

// retire deletes a worker.
func (p *Pool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
}

func (p *Pool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

func (p *Pool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.shutdownExpired(time.Now())
		}
	}
}

// shutdownExpired retires idle workers past their expiry, keeping min alive.
func (p *Pool) shutdownExpired(now time.Time) {
	var stale []*workerMeta

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0]
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		meta.ch <- Job{Type: jobStop}
	}
	if len(stale) > 0 {
		p.debug("retired idle workers", "count", len(stale))
	}
}

// Stats reports running and busy worker counts.
func (p *Pool) Stats() (running, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.busy
}

// Close stops idle workers and waits for busy ones to finish their job.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, meta := range idle {
		if !meta.discarded {
			meta.ch <- Job{Type: jobStop}
		}
	}
	p.wg.Wait()
}
