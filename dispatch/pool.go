// Package dispatch provides the bounded worker pool used to run
// asynchronous tasks such as publish fan-out.
//
// The pool has a fixed number of core workers reading from a bounded
// queue. When the queue is full, up to MaxWorkers-CoreWorkers burst
// workers are started to absorb the load; they exit after being idle
// for KeepAlive. When the queue is full and no burst worker can be
// started, the task runs on the submitting goroutine. Tasks are never
// dropped, and the memory held by pending tasks stays bounded.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Task is a unit of work run by the pool.
type Task func(context.Context) error

// Config is the pool configuration.
type Config struct {
	// CoreWorkers is the number of workers that are always running.
	CoreWorkers int

	// MaxWorkers is the maximum number of workers, including burst
	// workers. Values below CoreWorkers are raised to CoreWorkers.
	MaxWorkers int

	// QueueSize is the capacity of the task queue.
	QueueSize int

	// KeepAlive is how long a burst worker waits for a task before
	// exiting.
	KeepAlive time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		CoreWorkers: 10,
		MaxWorkers:  20,
		QueueSize:   1000,
		KeepAlive:   time.Minute,
	}
}

// Pool is a bounded worker pool with a caller-runs saturation policy.
type Pool struct {
	conf    Config
	queue   chan Task
	metrics *Metrics
	errFn   func(error)

	ctx context.Context
	wg  sync.WaitGroup

	// lifecycleMu is read-locked by Submit, so that Stop cannot close
	// the queue while a task is being enqueued.
	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	burst      int32
	submitted  int64
	processed  int64
	failed     int64
	callerRuns int64
}

// Metrics holds Prometheus metrics for pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	burstWorkers   prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	callerRuns     prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the pool
type Option func(*Pool) error

// WithMetrics registers the pool's metrics with reg, using prefix as
// name prefix.
func WithMetrics(reg prometheus.Registerer, prefix string) Option {
	return func(p *Pool) error {
		m := &Metrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_queue_depth",
				Help: "Current dispatch queue depth",
			}),
			burstWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_burst_workers",
				Help: "Current number of burst workers",
			}),
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_submitted_total",
				Help: "Total tasks submitted",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_processed_total",
				Help: "Total tasks processed",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_failed_total",
				Help: "Total tasks that returned an error",
			}),
			callerRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_caller_runs_total",
				Help: "Total tasks run by the submitting goroutine because the pool was saturated",
			}),
			processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    prefix + "_processing_duration_seconds",
				Help:    "Time spent processing tasks",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			}, []string{"status"}),
		}

		for _, c := range []prometheus.Collector{
			m.queueDepth, m.burstWorkers, m.submitted, m.processed,
			m.failed, m.callerRuns, m.processingTime,
		} {
			if err := reg.Register(c); err != nil {
				return err
			}
		}
		p.metrics = m
		return nil
	}
}

// WithErrorFunc sets the function called with the errors returned by
// tasks.
func WithErrorFunc(fn func(error)) Option {
	return func(p *Pool) error {
		p.errFn = fn
		return nil
	}
}

// New creates a pool. Zero values in conf are replaced by the values
// of DefaultConfig.
func New(conf Config, opts ...Option) (*Pool, error) {
	def := DefaultConfig()
	if conf.CoreWorkers <= 0 {
		conf.CoreWorkers = def.CoreWorkers
	}
	if conf.MaxWorkers < conf.CoreWorkers {
		conf.MaxWorkers = conf.CoreWorkers
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = def.QueueSize
	}
	if conf.KeepAlive <= 0 {
		conf.KeepAlive = def.KeepAlive
	}

	p := &Pool{
		conf:  conf,
		queue: make(chan Task, conf.QueueSize),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Start starts the core workers. The context is passed to every task;
// when it is cancelled, workers exit without draining the queue.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.ctx = ctx
	for i := 0; i < p.conf.CoreWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(0)
		}()
	}
	p.started = true
	return nil
}

// Submit submits the task to the pool. It never blocks waiting for
// queue space: if the queue is full and no burst worker can be
// started, the task is run before Submit returns.
func (p *Pool) Submit(t Task) error {
	if t == nil {
		return ErrNilTask
	}

	p.lifecycleMu.RLock()
	if !p.started {
		p.lifecycleMu.RUnlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.lifecycleMu.RUnlock()
		return ErrPoolStopped
	}

	atomic.AddInt64(&p.submitted, 1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
	}

	select {
	case p.queue <- t:
		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(len(p.queue)))
		}
		p.lifecycleMu.RUnlock()
		return nil
	default:
	}

	if p.startBurst(t) {
		p.lifecycleMu.RUnlock()
		return nil
	}
	p.lifecycleMu.RUnlock()

	// saturated, caller runs
	atomic.AddInt64(&p.callerRuns, 1)
	if p.metrics != nil {
		p.metrics.callerRuns.Inc()
	}
	p.run(t)
	return nil
}

// startBurst starts a burst worker that runs t first, if the maximum
// number of workers is not reached. Must be called with lifecycleMu
// read-locked.
func (p *Pool) startBurst(t Task) bool {
	max := int32(p.conf.MaxWorkers - p.conf.CoreWorkers)
	for {
		n := atomic.LoadInt32(&p.burst)
		if n >= max {
			return false
		}
		if atomic.CompareAndSwapInt32(&p.burst, n, n+1) {
			break
		}
	}
	if p.metrics != nil {
		p.metrics.burstWorkers.Inc()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			atomic.AddInt32(&p.burst, -1)
			if p.metrics != nil {
				p.metrics.burstWorkers.Dec()
			}
		}()
		p.run(t)
		p.worker(p.conf.KeepAlive)
	}()
	return true
}

// worker runs tasks from the queue until it is closed or the pool's
// context is done. If idle > 0, it also exits after waiting that long
// for a task.
func (p *Pool) worker(idle time.Duration) {
	var timer *time.Timer
	var timeout <-chan time.Time
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timeout:
			return
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(t)
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(idle)
			}
		}
	}
}

func (p *Pool) run(t Task) {
	start := time.Now()
	err := t(p.ctx)
	duration := time.Since(start)

	atomic.AddInt64(&p.processed, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		if p.errFn != nil {
			p.errFn(err)
		}
	}

	if p.metrics != nil {
		p.metrics.processed.Inc()
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
		p.metrics.queueDepth.Set(float64(len(p.queue)))
	}
}

// Stop stops accepting tasks and waits for queued and in-flight tasks
// to complete, up to timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats represents pool statistics
type Stats struct {
	CoreWorkers  int   `json:"core_workers"`
	MaxWorkers   int   `json:"max_workers"`
	BurstWorkers int   `json:"burst_workers"`
	QueueSize    int   `json:"queue_size"`
	QueueDepth   int   `json:"queue_depth"`
	Submitted    int64 `json:"submitted"`
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	CallerRuns   int64 `json:"caller_runs"`
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		CoreWorkers:  p.conf.CoreWorkers,
		MaxWorkers:   p.conf.MaxWorkers,
		BurstWorkers: int(atomic.LoadInt32(&p.burst)),
		QueueSize:    p.conf.QueueSize,
		QueueDepth:   len(p.queue),
		Submitted:    atomic.LoadInt64(&p.submitted),
		Processed:    atomic.LoadInt64(&p.processed),
		Failed:       atomic.LoadInt64(&p.failed),
		CallerRuns:   atomic.LoadInt64(&p.callerRuns),
	}
}
