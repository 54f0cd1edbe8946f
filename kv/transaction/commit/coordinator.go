package commit

import (
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tinysync/statesync/kv/config"
	"github.com/tinysync/statesync/kv/storage"
	"github.com/tinysync/statesync/kv/transaction/latches"
	"github.com/tinysync/statesync/kv/util/worker"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrCoordinatorStopped resolves commits submitted to a coordinator that is not running.
var ErrCoordinatorStopped = errors.New("commit coordinator is not running")

// Task is one frozen commit attempt: the requirements to validate and the batch to apply if they hold.
type Task struct {
	ID           string
	Requirements []storage.Requirement
	Modifies     []storage.Modify
	// Err, when set, fails the commit without touching the store. It carries a store failure met while the
	// transaction was built.
	Err error

	future    *Future
	submitted time.Time
}

// keys returns every key the task names, required or written.
func (task *Task) keys() [][]byte {
	keys := make([][]byte, 0, len(task.Requirements)+len(task.Modifies))
	for _, req := range task.Requirements {
		keys = append(keys, req.Key)
	}
	for i := range task.Modifies {
		keys = append(keys, task.Modifies[i].Key())
	}
	return keys
}

// Coordinator runs the optimistic commit protocol on its own goroutines:
//
//  1. latch every key the task names, so no other commit on an overlapping key set runs in between;
//  2. let the store check the requirements against current key versions and apply the batch in one step;
//  3. resolve the task's Future with Succeeded, Conflict or Failed.
//
// A Conflict is never retried here. Nothing bounds how long the store may take: a hanging store hangs the
// commit, and callers bound their own waiting with Future.Wait.
type Coordinator struct {
	store   storage.Storage
	latches *latches.Latches
	conf    config.CommitConfig

	mu      sync.RWMutex
	running bool
	worker  *worker.Worker
	wg      sync.WaitGroup

	pending *atomic.Int64
}

func NewCoordinator(conf *config.Config, store storage.Storage) *Coordinator {
	return &Coordinator{
		store:   store,
		latches: latches.NewLatches(),
		conf:    conf.Commit,
		pending: atomic.NewInt64(0),
	}
}

// Start launches the commit goroutines.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.worker = worker.NewWorker("commit", c.conf.QueueCapacity, c.conf.Workers, &c.wg)
	c.worker.Start(handler{c})
	c.running = true
}

// handler hides Coordinator.Start from the worker, which would otherwise call it as a Starter.
type handler struct {
	c *Coordinator
}

func (h handler) Handle(t worker.Task) {
	h.c.Handle(t)
}

// Stop refuses new commits, lets every queued commit finish and waits for the goroutines to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.worker.Stop()
	c.mu.Unlock()
	c.wg.Wait()
}

// Submit queues task and returns the Future it will resolve. Submit blocks only while the queue is full.
func (c *Coordinator) Submit(task *Task) *Future {
	task.future = newFuture()
	task.submitted = time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running {
		task.future.resolve(Result{Outcome: Failed, Err: ErrCoordinatorStopped})
		commitCounter.WithLabelValues(Failed.String()).Inc()
		return task.future
	}
	c.pending.Inc()
	pendingGauge.Inc()
	c.worker.Sender() <- task
	return task.future
}

// Pending returns the number of submitted commits that have not resolved yet.
func (c *Coordinator) Pending() int64 {
	return c.pending.Load()
}

// Handle implements worker.TaskHandler.
func (c *Coordinator) Handle(t worker.Task) {
	task := t.(*Task)
	result := c.run(task)

	dur := time.Since(task.submitted)
	commitDuration.Observe(dur.Seconds())
	commitCounter.WithLabelValues(result.Outcome.String()).Inc()
	c.pending.Dec()
	pendingGauge.Dec()

	switch {
	case result.Outcome == Failed:
		log.Warn("commit failed", zap.String("txn", task.ID), zap.Error(result.Err))
	case dur > c.conf.SlowCommitThreshold.Duration:
		log.Warn("slow commit", zap.String("txn", task.ID), zap.Stringer("outcome", result.Outcome),
			zap.Int("requirements", len(task.Requirements)), zap.Int("mutations", len(task.Modifies)),
			zap.Duration("duration", dur))
	default:
		log.Debug("commit finished", zap.String("txn", task.ID), zap.Stringer("outcome", result.Outcome),
			zap.Duration("duration", dur))
	}
	task.future.resolve(result)
}

func (c *Coordinator) run(task *Task) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("commit panicked", zap.String("txn", task.ID), zap.Reflect("panic", r), zap.Stack("stack"))
			result = Result{Outcome: Failed, Err: errors.Errorf("commit panicked: %v", r)}
		}
	}()

	if task.Err != nil {
		return Result{Outcome: Failed, Err: task.Err}
	}
	if len(task.Requirements) == 0 && len(task.Modifies) == 0 {
		return Result{Outcome: Succeeded}
	}

	hashVals := latches.Hashes(task.keys())
	start := time.Now()
	c.latches.WaitForLatches(hashVals)
	defer c.latches.ReleaseLatches(hashVals)
	latchWaitDuration.Observe(time.Since(start).Seconds())

	applied, err := c.store.CompareAndApply(task.Requirements, task.Modifies)
	if err != nil {
		return Result{Outcome: Failed, Err: errors.Trace(err)}
	}
	if !applied {
		return Result{Outcome: Conflict}
	}
	return Result{Outcome: Succeeded}
}
