// Package worker implements an elastic pool of background goroutines.
// Each worker drains a private job queue and runs its registered tick
// callbacks on an interval that adapts to observed cost; the pool
// rebalances a shared queue onto workers and autoscales the worker count
// from observed CPU busy time and queue depth.
package worker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atrun-project/atrun"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ScalingRules bounds the pool's autoscaling windows.
type ScalingRules struct {
	MinWorkers int
	MaxWorkers int

	ScalingUpStableWindow  time.Duration
	ScalingUpCPUPermillage int64
	ScalingUpQueueSize     int

	ScalingDownStableWindow  time.Duration
	ScalingDownCPUPermillage int64
	ScalingDownQueueSize     int
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	TickInterval    time.Duration
	MinTickInterval time.Duration
	MaxTickInterval time.Duration

	QueueSizeLimit   int
	LeakScanInterval time.Duration

	Scaling ScalingRules
}

// Option configures optional Pool dependencies.
type Option func(*Pool)

// WithLogger sets the pool's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMeter sets the OTel meter used for the pool's CPU/queue gauges.
func WithMeter(meter metric.Meter) Option {
	return func(p *Pool) {
		if meter != nil {
			p.meter = meter
		}
	}
}

// Pool owns an ordered set of workers, a shared job queue workers drain
// into when they exit, and the autoscaling/leak-scan state evaluated on
// every call to Tick.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger
	meter  metric.Meter

	mu            sync.Mutex
	workers       []*worker
	nextWorkerID  int
	expectWorkers atomic.Int32
	closing       atomic.Bool

	sharedMu    sync.Mutex
	sharedQueue []Action

	needScalingUp atomic.Bool

	lastScaleUpCheck   time.Time
	lastScaleDownCheck time.Time
	lastLeakScan       time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	busyGauge  metric.Int64ObservableGauge
	queueGauge metric.Int64ObservableGauge
}

// NewPool constructs a Pool with MinWorkers already spawned and running.
func NewPool(cfg PoolConfig, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		logger: slog.Default(),
		meter:  noop.NewMeterProvider().Meter("worker"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.registerMetrics()

	p.expectWorkers.Store(int32(cfg.Scaling.MinWorkers))
	for i := 0; i < cfg.Scaling.MinWorkers; i++ {
		p.spawnWorkerLocked()
	}
	now := time.Now()
	p.lastScaleUpCheck, p.lastScaleDownCheck, p.lastLeakScan = now, now, now
	return p
}

func (p *Pool) registerMetrics() {
	p.busyGauge, _ = p.meter.Int64ObservableGauge("worker_pool.busy_microseconds",
		metric.WithDescription("cumulative busy time per worker, microseconds"))
	p.queueGauge, _ = p.meter.Int64ObservableGauge("worker_pool.queue_depth",
		metric.WithDescription("pending jobs across worker private queues and the shared queue"))
	if p.busyGauge == nil || p.queueGauge == nil {
		return
	}
	_, _ = p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		p.mu.Lock()
		for _, w := range p.workers {
			o.ObserveInt64(p.busyGauge, w.busyUs.Load(), metric.WithAttributes())
		}
		p.mu.Unlock()
		o.ObserveInt64(p.queueGauge, int64(p.totalQueueDepth()))
		return nil
	}, p.busyGauge, p.queueGauge)
}

func (p *Pool) spawnWorkerLocked() *worker {
	p.nextWorkerID++
	w := newWorker(p.nextWorkerID, p)
	p.workers = append(p.workers, w)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.run(p.ctx)
	}()
	return w
}

// Spawn selects the worker minimizing (pending_job_size,
// last_second_busy_band, last_minute_busy_us, worker_id) and queues a onto
// its private queue.
func (p *Pool) Spawn(a Action) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing.Load() {
		return atrun.NewClosedError("worker.Pool.Spawn", nil)
	}
	if len(p.workers) == 0 {
		return atrun.NewNoAvailableWorkerError("worker.Pool.Spawn", nil)
	}
	best := p.workers[0]
	bestKey := best.selectionKey()
	for _, w := range p.workers[1:] {
		k := w.selectionKey()
		if lessSelectionKey(k, bestKey) {
			best, bestKey = w, k
		}
	}
	if p.cfg.QueueSizeLimit > 0 && bestKey.pendingJobSize >= p.cfg.QueueSizeLimit {
		return atrun.NewBusyError("worker.Pool.Spawn", nil)
	}
	best.enqueue(a)
	return nil
}

// SpawnWithContext queues a onto the worker with the given id. O(1) when
// the id matches its position in the slice, falling back to a linear scan
// otherwise (ids can drift from position after a leak scan renumbering).
func (p *Pool) SpawnWithContext(workerID int, a Action) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing.Load() {
		return atrun.NewClosedError("worker.Pool.SpawnWithContext", nil)
	}
	if workerID > int(p.expectWorkers.Load()) {
		return atrun.NewNoAvailableWorkerError("worker.Pool.SpawnWithContext", nil)
	}
	if workerID >= 1 && workerID <= len(p.workers) && p.workers[workerID-1].id == workerID {
		p.workers[workerID-1].enqueue(a)
		return nil
	}
	for _, w := range p.workers {
		if w.id == workerID {
			w.enqueue(a)
			return nil
		}
	}
	return atrun.NewNoAvailableWorkerError("worker.Pool.SpawnWithContext", nil)
}

func (p *Pool) queueFullLocked() bool {
	if p.cfg.QueueSizeLimit <= 0 {
		return false
	}
	p.sharedMu.Lock()
	defer p.sharedMu.Unlock()
	return len(p.sharedQueue) >= p.cfg.QueueSizeLimit
}

func (p *Pool) enqueueShared(a Action) {
	p.sharedMu.Lock()
	p.sharedQueue = append(p.sharedQueue, a)
	p.sharedMu.Unlock()
}

// AddTickCallback registers action on the worker with the given id and
// returns a Handle usable with RemoveTickCallback.
func (p *Pool) AddTickCallback(workerID int, action TickAction) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.id == workerID {
			return w.addTickCallback(action), nil
		}
	}
	return Handle{}, atrun.NewNoAvailableWorkerError("worker.Pool.AddTickCallback", nil)
}

// RemoveTickCallback removes the callback named by h, if its version still
// matches the worker's current list.
func (p *Pool) RemoveTickCallback(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.id == h.workerID {
			return w.removeTickCallback(h)
		}
	}
	return false
}

// Tick runs rebalancing, autoscaling, and leak-scan housekeeping. It is
// meant to be called from the owning app's main loop.
func (p *Pool) Tick(now time.Time) {
	p.rebalance()
	p.autoscale(now)
	p.leakScan(now)
}

// rebalance drains the shared queue (jobs orphaned by exited workers, or
// put back by an earlier rebalance that could not place them) onto live
// workers via the selection key.
func (p *Pool) rebalance() {
	p.sharedMu.Lock()
	pending := p.sharedQueue
	p.sharedQueue = nil
	p.sharedMu.Unlock()

	for _, a := range pending {
		if err := p.Spawn(a); err != nil {
			p.enqueueShared(a)
		}
	}
}

func (p *Pool) totalQueueDepth() int {
	p.mu.Lock()
	n := 0
	for _, w := range p.workers {
		n += w.pendingJobSize()
	}
	p.mu.Unlock()
	p.sharedMu.Lock()
	n += len(p.sharedQueue)
	p.sharedMu.Unlock()
	return n
}

func (p *Pool) sumBusyMicros(window time.Duration) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, w := range p.workers {
		total += w.lastSecondBusyUs.Load()
	}
	return total
}

// autoscale evaluates the scale-up and scale-down windows independently.
// Scale-up reads ScalingUpCPUPermillage (not the scale-down permillage —
// a bug in the design this implementation deliberately does not carry
// forward) against the sum of busy time across workers.
func (p *Pool) autoscale(now time.Time) {
	rules := p.cfg.Scaling

	if rules.ScalingUpStableWindow > 0 && now.Sub(p.lastScaleUpCheck) >= rules.ScalingUpStableWindow {
		p.lastScaleUpCheck = now
		windowUs := float64(rules.ScalingUpStableWindow.Microseconds())
		sumBusy := float64(p.sumBusyMicros(rules.ScalingUpStableWindow))
		targetUp := 0
		if rules.ScalingUpCPUPermillage > 0 {
			targetUp = int(math.Ceil((sumBusy*1000/windowUs)/float64(rules.ScalingUpCPUPermillage))) + 1
		}
		if rules.ScalingUpQueueSize > 0 {
			targetByQueue := int(math.Ceil(float64(p.totalQueueDepth())/float64(rules.ScalingUpQueueSize))) + 1
			if targetByQueue > targetUp {
				targetUp = targetByQueue
			}
		}
		if targetUp > rules.MaxWorkers {
			targetUp = rules.MaxWorkers
		}
		p.growTo(targetUp)
	}

	if rules.ScalingDownStableWindow > 0 && now.Sub(p.lastScaleDownCheck) >= rules.ScalingDownStableWindow {
		p.lastScaleDownCheck = now
		windowUs := float64(rules.ScalingDownStableWindow.Microseconds())
		sumBusy := float64(p.sumBusyMicros(rules.ScalingDownStableWindow))
		targetDown := math.MaxInt32
		if rules.ScalingDownCPUPermillage > 0 {
			targetDown = int(math.Floor((sumBusy * 1000 / windowUs) / float64(rules.ScalingDownCPUPermillage)))
		}
		if rules.ScalingDownQueueSize > 0 {
			targetByQueue := int(math.Floor(float64(p.totalQueueDepth()) / float64(rules.ScalingDownQueueSize)))
			if targetByQueue < targetDown {
				targetDown = targetByQueue
			}
		}
		if targetDown < rules.MinWorkers {
			targetDown = rules.MinWorkers
		}
		if targetDown < math.MaxInt32 {
			p.shrinkTo(targetDown)
		}
	}
}

func (p *Pool) growTo(target int) {
	if target <= int(p.expectWorkers.Load()) {
		return
	}
	p.expectWorkers.Store(int32(target))
	p.needScalingUp.Store(true)
	p.doScalingUp()
}

func (p *Pool) shrinkTo(target int) {
	if target >= int(p.expectWorkers.Load()) {
		return
	}
	p.expectWorkers.Store(int32(target))
	p.internalReduceWorkers()
}

// doScalingUp spawns workers up to expect_workers.
func (p *Pool) doScalingUp() {
	if !p.needScalingUp.CompareAndSwap(true, false) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.workers) < int(p.expectWorkers.Load()) {
		p.spawnWorkerLocked()
	}
}

// internalReduceWorkers pops tail workers that have reached Exited. Live
// workers beyond expect_workers exit on their own once their tick
// callbacks drain; this only trims slice entries already done exiting.
func (p *Pool) internalReduceWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.workers) > 0 && p.workers[len(p.workers)-1].Status() == StatusExited {
		p.workers = p.workers[:len(p.workers)-1]
	}
}

// leakScan walks workers in [1, expect_workers]; if any has reached
// Exited while still inside that range, the slice is rebuilt preserving
// live workers and renumbering worker_id by position.
func (p *Pool) leakScan(now time.Time) {
	if p.cfg.LeakScanInterval <= 0 || now.Sub(p.lastLeakScan) < p.cfg.LeakScanInterval {
		return
	}
	p.lastLeakScan = now

	p.mu.Lock()
	defer p.mu.Unlock()

	expect := int(p.expectWorkers.Load())
	leaked := false
	for i, w := range p.workers {
		if i >= expect {
			break
		}
		if w.Status() == StatusExited {
			leaked = true
			break
		}
	}
	if !leaked {
		return
	}

	live := p.workers[:0:0]
	for _, w := range p.workers {
		if w.Status() != StatusExited {
			live = append(live, w)
		}
	}
	for i, w := range live {
		w.id = i + 1
	}
	p.workers = live
}

// Stop marks the pool closing and wakes every worker so it re-evaluates
// its exit condition, then waits for every worker goroutine to finish
// (each moves its leftover private jobs onto the shared queue). It returns
// nil only if the shared queue is then empty, a busy error if jobs remain
// there, and an operation-timeout error if ctx ends first.
func (p *Pool) Stop(ctx context.Context) error {
	p.closing.Store(true)
	p.expectWorkers.Store(0)

	p.mu.Lock()
	for _, w := range p.workers {
		w.signal()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return atrun.NewOperationTimeoutError("worker.Pool.Stop", ctx.Err())
	}

	p.cancel()

	p.sharedMu.Lock()
	remaining := len(p.sharedQueue)
	p.sharedMu.Unlock()
	if remaining > 0 {
		return atrun.NewBusyError("worker.Pool.Stop", nil)
	}
	return nil
}

// WorkerCount returns the current number of tracked workers (live or
// recently exited, pending leak scan).
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// ExpectWorkers returns the pool's current target worker count.
func (p *Pool) ExpectWorkers() int {
	return int(p.expectWorkers.Load())
}
