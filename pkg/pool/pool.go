// Package pool implements a priority-scheduled worker pool with delay
// scheduling, per-label concurrency caps, token-bucket rate limiting,
// resource-aware pausing, deadlines, and retry with exponential backoff.
package pool

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adjutant-ai/adjutant/pkg/config"
)

const (
	// popTimeout bounds how long a worker blocks on an empty queue before
	// re-checking the stop flag.
	popTimeout = 250 * time.Millisecond

	// maxDelaySleep bounds how long a worker sleeps after re-enqueueing a
	// task that is not yet due.
	maxDelaySleep = 100 * time.Millisecond

	// probeCacheTTL bounds how often the resource probe is consulted.
	probeCacheTTL = 250 * time.Millisecond
)

// StartCallback fires when a task transitions to running, before its
// function is invoked.
type StartCallback func(task *ScheduledTask)

// EndCallback fires exactly once per task on final completion: success,
// exhausted retries, or deadline expiry. It is the single source of truth
// for task observability.
type EndCallback func(task *ScheduledTask, result any, err error)

// Pool is a priority worker pool. Create with New, then Start.
type Pool struct {
	name string
	cfg  *config.PoolConfig

	mu       sync.Mutex
	queue    taskHeap
	seq      uint64
	paused   bool
	stopping bool
	drain    bool

	maxInflightPerLabel map[string]int
	inflightPerLabel    map[string]int

	rateBuckets map[string]*TokenBucket

	probe        ResourceProbe
	probeMu      sync.Mutex
	probeHot     bool
	probeChecked time.Time

	onTaskStart StartCallback
	onTaskEnd   EndCallback

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	stats poolCounters
}

// poolCounters tracks lifetime task counts. Guarded by Pool.mu.
type poolCounters struct {
	submitted        uint64
	started          uint64
	completed        uint64
	failed           uint64
	retried          uint64
	deadlineExceeded uint64
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Name              string         `json:"name"`
	WorkerCount       int            `json:"worker_count"`
	QueueDepth        int            `json:"queue_depth"`
	Paused            bool           `json:"paused"`
	Stopping          bool           `json:"stopping"`
	InflightPerLabel  map[string]int `json:"inflight_per_label"`
	TasksSubmitted    uint64         `json:"tasks_submitted"`
	TasksStarted      uint64         `json:"tasks_started"`
	TasksCompleted    uint64         `json:"tasks_completed"`
	TasksFailed       uint64         `json:"tasks_failed"`
	TasksRetried      uint64         `json:"tasks_retried"`
	DeadlinesExceeded uint64         `json:"deadlines_exceeded"`
}

// New creates a stopped pool from cfg. Call Start to spawn workers.
func New(cfg *config.PoolConfig) *Pool {
	if cfg == nil {
		cfg = config.DefaultPoolConfig()
	}
	p := &Pool{
		name:                cfg.Name,
		cfg:                 cfg,
		maxInflightPerLabel: make(map[string]int),
		inflightPerLabel:    make(map[string]int),
		rateBuckets:         make(map[string]*TokenBucket),
		probe:               HostProbe{},
		wakeCh:              make(chan struct{}, 1),
		stopCh:              make(chan struct{}),
	}
	for label, rl := range cfg.RateLimits {
		p.rateBuckets[label] = NewTokenBucket(rl.FillRate, rl.Capacity)
	}
	p.baseCtx, p.baseCancel = context.WithCancel(context.Background())
	return p
}

// SetResourceProbe replaces the host probe. Must be called before Start.
func (p *Pool) SetResourceProbe(probe ResourceProbe) {
	p.probe = probe
}

// SetCallbacks installs the start and end callbacks. Must be called before
// Start. Either may be nil.
func (p *Pool) SetCallbacks(onStart StartCallback, onEnd EndCallback) {
	p.onTaskStart = onStart
	p.onTaskEnd = onEnd
}

// Start spawns the worker goroutines. It is safe to call multiple times;
// subsequent calls are no-ops.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pool", p.name)
		return
	}
	p.started = true
	p.mu.Unlock()

	slog.Info("Starting worker pool", "pool", p.name, "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

// Stop shuts the pool down. With wait, it blocks until all workers exit.
// With drain, workers keep processing until the queue is empty; otherwise
// they exit after their current task and queued tasks are abandoned.
// Submitting after Stop fails with ErrPoolStopped.
func (p *Pool) Stop(wait, drain bool) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		if wait {
			p.wg.Wait()
		}
		return
	}
	p.stopping = true
	p.drain = drain
	depth := p.queue.Len()
	p.mu.Unlock()

	slog.Info("Stopping worker pool", "pool", p.name, "drain", drain, "queue_depth", depth)
	p.stopOnce.Do(func() { close(p.stopCh) })
	if wait {
		p.wg.Wait()
	}
	p.baseCancel()
	slog.Info("Worker pool stopped", "pool", p.name)
}

// Pause stops queued tasks from transitioning to running. Idempotent.
// In-flight tasks complete normally.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume reopens the pause gate. Idempotent.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.wake()
}

// Paused reports whether the pause gate is closed.
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Submit enqueues fn for execution and returns the task ID. It never blocks.
func (p *Pool) Submit(fn TaskFunc, opts SubmitOptions) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("%w: nil task func", ErrInvalidArgument)
	}
	if err := opts.validate(); err != nil {
		return "", err
	}
	if opts.Name == "" {
		opts.Name = "task"
	}

	st := &ScheduledTask{
		ID:          uuid.New().String(),
		Priority:    opts.Priority,
		ScheduledAt: time.Now().Add(opts.Delay),
		Func:        fn,
		Name:        opts.Name,
		Labels:      append([]string(nil), opts.Labels...),
		Deadline:    opts.Deadline,
		MaxRetries:  opts.MaxRetries,
		BackoffBase: opts.BackoffBase,
		BackoffCap:  opts.BackoffCap,
		Jitter:      opts.Jitter,
		Context:     opts.Context,
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return "", ErrPoolStopped
	}
	if p.cfg.QueueBound > 0 && p.queue.Len() >= p.cfg.QueueBound {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: bound %d", ErrQueueFull, p.cfg.QueueBound)
	}
	p.seq++
	st.seq = p.seq
	heap.Push(&p.queue, st)
	p.stats.submitted++
	p.mu.Unlock()

	p.wake()
	return st.ID, nil
}

// SetConcurrencyLimit caps the number of concurrently running tasks that
// carry label. n must be >= 1.
func (p *Pool) SetConcurrencyLimit(label string, n int) error {
	if n < 1 {
		return fmt.Errorf("%w: concurrency limit %d for label %q", ErrInvalidArgument, n, label)
	}
	p.mu.Lock()
	p.maxInflightPerLabel[label] = n
	p.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inflight := make(map[string]int, len(p.inflightPerLabel))
	for label, n := range p.inflightPerLabel {
		if n > 0 {
			inflight[label] = n
		}
	}
	return Stats{
		Name:              p.name,
		WorkerCount:       p.cfg.WorkerCount,
		QueueDepth:        p.queue.Len(),
		Paused:            p.paused,
		Stopping:          p.stopping,
		InflightPerLabel:  inflight,
		TasksSubmitted:    p.stats.submitted,
		TasksStarted:      p.stats.started,
		TasksCompleted:    p.stats.completed,
		TasksFailed:       p.stats.failed,
		TasksRetried:      p.stats.retried,
		DeadlinesExceeded: p.stats.deadlineExceeded,
	}
}

// wake nudges one idle worker after a submission or state change.
func (p *Pool) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// runWorker is the main worker loop.
func (p *Pool) runWorker(id int) {
	defer p.wg.Done()

	log := slog.With("pool", p.name, "worker", fmt.Sprintf("%s-%d", p.name, id))
	log.Debug("Worker started")

	for {
		// 1. Pop the highest-priority task, blocking briefly.
		st := p.popWait(popTimeout)
		if st == nil {
			if p.shouldExit() {
				log.Debug("Worker shutting down")
				return
			}
			continue
		}

		now := time.Now()

		// 2. Not yet due: re-enqueue and sleep until it is (bounded). A
		//    plain sleep keeps drain-mode shutdown from spinning on a
		//    delayed task.
		if st.ScheduledAt.After(now) {
			p.requeue(st)
			time.Sleep(minDuration(maxDelaySleep, st.ScheduledAt.Sub(now)))
			continue
		}

		// 3. Pause gate, resource guards, concurrency caps, rate limits:
		//    bump the scheduled time and re-enqueue. Paused and
		//    resource-hot are handled identically. Buckets are charged
		//    last so a task turned away by another gate costs no tokens.
		if p.isPaused() || p.resourcesHot() || !p.labelsUnderCaps(st.Labels) || !p.rateOK(st.Labels) {
			st.ScheduledAt = now.Add(p.requeueBackoff())
			p.requeue(st)
			continue
		}

		// 4. Deadline passed before the task could start: abandon it.
		if !st.Deadline.IsZero() && now.After(st.Deadline) {
			p.mu.Lock()
			p.stats.deadlineExceeded++
			p.mu.Unlock()
			p.fireEnd(st, nil, fmt.Errorf("%w: task %s", ErrDeadlineExceeded, st.Name))
			continue
		}

		// 5. Acquire label slots atomically; on failure treat like step 3.
		if !p.acquireLabels(st.Labels) {
			st.ScheduledAt = now.Add(p.requeueBackoff())
			p.requeue(st)
			continue
		}

		p.execute(st, log)
	}
}

// execute runs one task with slots held, handling retry and callbacks.
// Label slots are released on every path.
func (p *Pool) execute(st *ScheduledTask, log *slog.Logger) {
	defer p.releaseLabels(st.Labels)

	p.mu.Lock()
	p.stats.started++
	p.mu.Unlock()
	p.fireStart(st)

	result, err := p.runTask(st)
	if err == nil {
		p.mu.Lock()
		p.stats.completed++
		p.mu.Unlock()
		p.fireEnd(st, result, nil)
		return
	}

	if st.Retries < st.MaxRetries {
		wait := backoffDelay(st)
		st.Retries++
		st.ScheduledAt = time.Now().Add(wait)
		p.mu.Lock()
		p.stats.retried++
		p.mu.Unlock()
		log.Warn("Task failed, retrying",
			"task", st.Name, "task_id", st.ID,
			"attempt", st.Retries, "max_retries", st.MaxRetries,
			"backoff", wait, "error", err)
		p.requeue(st)
		return
	}

	p.mu.Lock()
	p.stats.failed++
	p.mu.Unlock()
	log.Error("Task failed permanently",
		"task", st.Name, "task_id", st.ID, "retries", st.Retries, "error", err)
	p.fireEnd(st, nil, err)
}

// runTask invokes the task function, converting panics into errors so a
// misbehaving handler cannot kill a worker.
func (p *Pool) runTask(st *ScheduledTask) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
	}()

	ctx := p.baseCtx
	if !st.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, st.Deadline)
		defer cancel()
	}
	return st.Func(ctx)
}

// backoffDelay computes the retry wait: min(cap, base^retries) seconds,
// scaled by a uniform (1 ± jitter) factor.
func backoffDelay(st *ScheduledTask) time.Duration {
	base := st.BackoffBase
	if base <= 0 {
		base = 1.5
	}
	capSecs := st.BackoffCap.Seconds()
	if capSecs <= 0 {
		capSecs = 60
	}
	secs := math.Min(capSecs, math.Pow(base, float64(st.Retries)))
	if st.Jitter > 0 {
		secs *= 1 + (rand.Float64()*2-1)*st.Jitter
	}
	return time.Duration(secs * float64(time.Second))
}

// popWait pops the top task, waiting up to timeout for one to appear.
// Returns nil on timeout or shutdown.
func (p *Pool) popWait(timeout time.Duration) *ScheduledTask {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.stopping && !p.drain {
			p.mu.Unlock()
			return nil
		}
		if p.queue.Len() > 0 {
			st := heap.Pop(&p.queue).(*ScheduledTask)
			p.mu.Unlock()
			return st
		}
		p.mu.Unlock()

		select {
		case <-p.wakeCh:
		case <-timer.C:
			return nil
		case <-p.stopCh:
			// One last pop attempt so drain mode empties the queue.
			p.mu.Lock()
			if p.drain && p.queue.Len() > 0 {
				st := heap.Pop(&p.queue).(*ScheduledTask)
				p.mu.Unlock()
				return st
			}
			p.mu.Unlock()
			return nil
		}
	}
}

// shouldExit reports whether a worker that found no task should terminate.
func (p *Pool) shouldExit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopping {
		return false
	}
	return !p.drain || p.queue.Len() == 0
}

func (p *Pool) requeue(st *ScheduledTask) {
	p.mu.Lock()
	heap.Push(&p.queue, st)
	p.mu.Unlock()
	p.wake()
}

func (p *Pool) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Pool) requeueBackoff() time.Duration {
	if p.cfg.RequeueBackoff > 0 {
		return p.cfg.RequeueBackoff
	}
	return 200 * time.Millisecond
}

// resourcesHot reports whether the host is over the CPU threshold or the
// watched process count. Probe results are cached briefly so a busy queue
// does not hammer the OS. Measurement failures count as "not hot".
func (p *Pool) resourcesHot() bool {
	guardCPU := p.cfg.CPUThreshold > 0
	guardProcs := p.cfg.MaxProcessName != "" && p.cfg.MaxProcesses > 0
	if !guardCPU && !guardProcs {
		return false
	}

	p.probeMu.Lock()
	defer p.probeMu.Unlock()
	if time.Since(p.probeChecked) < probeCacheTTL {
		return p.probeHot
	}

	hot := false
	if guardCPU {
		if pct, err := p.probe.CPUPercent(); err == nil && pct >= p.cfg.CPUThreshold {
			hot = true
		}
	}
	if !hot && guardProcs {
		if n, err := p.probe.ProcessCount(p.cfg.MaxProcessName); err == nil && n >= p.cfg.MaxProcesses {
			hot = true
		}
	}
	p.probeHot = hot
	p.probeChecked = time.Now()
	return hot
}

// rateOK charges one token per labeled bucket, all-or-none: if any bucket
// denies, tokens already taken are refunded and the task is not charged.
func (p *Pool) rateOK(labels []string) bool {
	if len(p.rateBuckets) == 0 {
		return true
	}
	charged := make([]*TokenBucket, 0, len(labels))
	for _, label := range labels {
		b, ok := p.rateBuckets[label]
		if !ok {
			continue
		}
		if !b.Allow(1) {
			for _, taken := range charged {
				taken.refund(1)
			}
			return false
		}
		charged = append(charged, b)
	}
	return true
}

// labelsUnderCaps is a racy pre-check of the concurrency caps; the
// authoritative check-and-increment is acquireLabels.
func (p *Pool) labelsUnderCaps(labels []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, label := range labels {
		if limit, ok := p.maxInflightPerLabel[label]; ok && p.inflightPerLabel[label] >= limit {
			return false
		}
	}
	return true
}

// acquireLabels increments the in-flight count of every label if all are
// under their caps. The check and increment are atomic under the pool lock.
func (p *Pool) acquireLabels(labels []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, label := range labels {
		if limit, ok := p.maxInflightPerLabel[label]; ok && p.inflightPerLabel[label] >= limit {
			return false
		}
	}
	for _, label := range labels {
		p.inflightPerLabel[label]++
	}
	return true
}

func (p *Pool) releaseLabels(labels []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, label := range labels {
		if p.inflightPerLabel[label] > 0 {
			p.inflightPerLabel[label]--
		}
	}
	p.wakeLocked()
}

// wakeLocked is wake for callers already holding p.mu.
func (p *Pool) wakeLocked() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Pool) fireStart(st *ScheduledTask) {
	if p.onTaskStart != nil {
		p.onTaskStart(st)
	}
}

func (p *Pool) fireEnd(st *ScheduledTask, result any, err error) {
	if p.onTaskEnd != nil {
		p.onTaskEnd(st, result, err)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
