package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pipeline queue full")
)

// Job is a unit of work. It runs under the pool's lifetime context.
type Job func(ctx context.Context) error

// GoroutinePool runs jobs on a bounded set of workers with per-key
// serialization.
type GoroutinePool struct {
	maxWorkers  int
	queue       chan keyedJob
	workerCount atomic.Int32
	activeCount atomic.Int32
	wg          sync.WaitGroup

	// closeMu guards the queue channel against send-after-close.
	closeMu sync.RWMutex
	closed  bool

	keysMu sync.Mutex
	keys   map[string]*keyState

	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	coalesced atomic.Int64

	// Config
	idleTimeout  time.Duration
	panicHandler func(key string, recovered any)
	errorHandler func(key string, err error)
}

type keyedJob struct {
	key string
	job Job
}

// keyState tracks a key with a queued or running job. rerun holds the job
// submitted while the key was busy.
type keyState struct {
	rerun Job
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers  int           `json:"max_workers"`
	QueueSize   int           `json:"queue_size"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	// PanicHandler is called with the recovered value of a panicking job.
	PanicHandler func(key string, recovered any) `json:"-"`
	// ErrorHandler is called with every error a job returns.
	ErrorHandler func(key string, err error) `json:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		MaxWorkers:  16,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

// NewGoroutinePool creates a new goroutine pool. Workers are spawned lazily.
func NewGoroutinePool(config GoroutinePoolConfig) *GoroutinePool {
	def := DefaultGoroutinePoolConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = def.MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GoroutinePool{
		maxWorkers:   config.MaxWorkers,
		queue:        make(chan keyedJob, config.QueueSize),
		keys:         make(map[string]*keyState),
		ctx:          ctx,
		cancel:       cancel,
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
		errorHandler: config.ErrorHandler,
	}
}

// Submit queues job under key. If a job with the same key is queued or
// running, job replaces any pending rerun and runs once the current one
// returns. An empty key disables serialization.
func (p *GoroutinePool) Submit(ctx context.Context, key string, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	if key != "" {
		p.keysMu.Lock()
		if st, busy := p.keys[key]; busy {
			st.rerun = job
			p.keysMu.Unlock()
			p.coalesced.Add(1)
			return nil
		}
		p.keys[key] = &keyState{}
		p.keysMu.Unlock()
	}

	select {
	case p.queue <- keyedJob{key: key, job: job}:
		p.ensureWorker()
		return nil
	default:
		if key != "" {
			p.keysMu.Lock()
			delete(p.keys, key)
			p.keysMu.Unlock()
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) ensureWorker() {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case kj, ok := <-p.queue:
			if !ok {
				p.workerCount.Add(-1)
				return
			}
			p.activeCount.Add(1)
			p.runKeyed(kj)
			p.activeCount.Add(-1)
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Idle: keep one worker around for the next burst. The CAS stops
			// two idle workers from both leaving the last slot.
			if n := p.workerCount.Load(); n > 1 && p.workerCount.CompareAndSwap(n, n-1) {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

// runKeyed runs kj and then every rerun that was coalesced onto its key.
func (p *GoroutinePool) runKeyed(kj keyedJob) {
	job := kj.job
	for job != nil {
		p.record(kj.key, p.execute(kj.key, job))
		if kj.key == "" {
			return
		}
		p.keysMu.Lock()
		st := p.keys[kj.key]
		job = st.rerun
		st.rerun = nil
		if job == nil {
			delete(p.keys, kj.key)
		}
		p.keysMu.Unlock()
	}
}

func (p *GoroutinePool) record(key string, err error) {
	if err != nil {
		p.failed.Add(1)
		if p.errorHandler != nil {
			p.errorHandler(key, err)
		}
		return
	}
	p.completed.Add(1)
}

func (p *GoroutinePool) execute(key string, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(key, r)
			}
			err = fmt.Errorf("job %q panicked: %v", key, r)
		}
	}()
	return job(p.ctx)
}

// Close stops accepting jobs and waits for queued and running jobs. When ctx
// expires first the job context is cancelled and Close keeps waiting for the
// workers to return.
func (p *GoroutinePool) Close(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Coalesced: p.coalesced.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Coalesced int64 `json:"coalesced"`
}
