// Package jobs - Worker pool and job execution.
package jobs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/orchardvision/go-detect/cache"
	"github.com/orchardvision/go-detect/registry"
)

// ErrQueueFull is returned by Submit when the shared queue is at capacity.
// Enqueueing is O(1); it never waits for a worker.
var ErrQueueFull = errors.New("job queue full")

// ErrTrackerClosed is returned by Submit after Close.
var ErrTrackerClosed = errors.New("job tracker closed")

// ProgressFunc publishes a progress update for the executing job. Previous
// progress is overwritten; no history is retained.
type ProgressFunc func(percent int, message string)

// Outcome is the terminal payload of a successful job.
type Outcome struct {
	// Prediction is set for single-image inference work.
	Prediction *cache.Prediction
	// BundlePath is set for batch work.
	BundlePath string
}

// Work is one unit of asynchronous work.
type Work struct {
	// Run executes the work. The context carries the soft execution
	// limit; implementations should stop promptly when it is cancelled.
	Run func(ctx context.Context, progress ProgressFunc) (Outcome, error)
	// TempPath, when set, names a transient input file the worker removes
	// exactly once on every exit path.
	TempPath string
	// Classify maps an execution error to a caller-visible kind.
	// Defaults to classifyError when nil.
	Classify func(err error) ErrorKind
}

// Config bounds the tracker's resources.
type Config struct {
	// Workers is the pool size (>= 1).
	Workers int
	// QueueDepth is the shared queue capacity.
	QueueDepth int
	// SoftTimeout cancels the work's context, requesting graceful stop.
	SoftTimeout time.Duration
	// HardTimeout forcibly fails the job even if Run has not returned.
	HardTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     2,
		QueueDepth:  64,
		SoftTimeout: 2 * time.Minute,
		HardTimeout: 3 * time.Minute,
	}
}

type task struct {
	id   string
	work Work
}

// Tracker runs submitted work on a bounded worker pool and publishes
// lifecycle transitions to a Store.
type Tracker struct {
	store *Store
	cfg   Config
	log   *logrus.Logger

	queue chan task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewTracker starts the worker pool.
//
// Arguments:
//   - store: Shared job snapshot store.
//   - cfg: Pool bounds and execution limits; zero fields get defaults.
//   - log: Structured logger.
//
// Returns:
//   - *Tracker: Running tracker; call Close to drain and stop.
func NewTracker(store *Store, cfg Config, log *logrus.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = def.SoftTimeout
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = def.HardTimeout
	}
	if cfg.HardTimeout < cfg.SoftTimeout {
		cfg.HardTimeout = cfg.SoftTimeout
	}

	t := &Tracker{
		store: store,
		cfg:   cfg,
		log:   log,
		queue: make(chan task, cfg.QueueDepth),
	}

	for i := 0; i < cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker(i)
	}
	log.WithFields(logrus.Fields{
		"workers":     cfg.Workers,
		"queue_depth": cfg.QueueDepth,
	}).Info("job workers started")
	return t
}

// Submit enqueues work and returns its job id immediately.
//
// Arguments:
//   - work: The work to execute.
//
// Returns:
//   - string: Job id for polling.
//   - error: ErrQueueFull or ErrTrackerClosed; never an inference error.
func (t *Tracker) Submit(work Work) (string, error) {
	id := uuid.NewString()

	// The enqueue happens under the same mutex Close takes, so the queue
	// can never be closed between the closed check and the send. The send
	// is non-blocking, so the lock is held only briefly.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrTrackerClosed
	}

	t.store.publish(Job{
		ID:              id,
		State:           StatePending,
		ProgressMessage: "queued",
		CreatedAt:       time.Now().UTC(),
	})

	select {
	case t.queue <- task{id: id, work: work}:
		t.mu.Unlock()
		return id, nil
	default:
		t.mu.Unlock()
		t.fail(t.store.Get(id), ErrKindInternal, "queue full")
		return "", ErrQueueFull
	}
}

// Poll returns a snapshot of the job's current state. Unknown ids return a
// StateUnknown snapshot.
func (t *Tracker) Poll(id string) Job {
	return t.store.Get(id)
}

// Close stops accepting work, drains the queue, and waits for workers.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.queue)
	t.wg.Wait()
}

func (t *Tracker) worker(n int) {
	defer t.wg.Done()
	for tk := range t.queue {
		t.execute(n, tk)
	}
}

// execute runs one job with the soft/hard timeout discipline. Cleanup
// obligations (temp file removal) are performed exactly once on every exit
// path: success, typed failure, timeout, or panic.
func (t *Tracker) execute(worker int, tk task) {
	job := t.store.Get(tk.id)
	if job.State == StateUnknown {
		// Swept before a worker got to it; nothing to do.
		return
	}

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			if tk.work.TempPath == "" {
				return
			}
			if err := os.Remove(tk.work.TempPath); err != nil && !os.IsNotExist(err) {
				t.log.WithError(err).WithField("path", tk.work.TempPath).
					Warn("temp file cleanup failed")
			}
		})
	}
	defer cleanup()

	job.State = StateProcessing
	job.ProgressPercent = 10
	job.ProgressMessage = "processing image"
	t.store.publish(job)

	softCtx, cancel := context.WithTimeout(context.Background(), t.cfg.SoftTimeout)
	defer cancel()

	progress := func(percent int, message string) {
		snap := t.store.Get(tk.id)
		if snap.State != StateProcessing {
			return
		}
		snap.ProgressPercent = percent
		snap.ProgressMessage = message
		t.store.publish(snap)
	}

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.Errorf("panic: %v", r)}
			}
		}()
		outcome, err := tk.work.Run(softCtx, progress)
		done <- result{outcome: outcome, err: err}
	}()

	hard := time.NewTimer(t.cfg.HardTimeout)
	defer hard.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			kind := classifyError(res.err)
			if tk.work.Classify != nil {
				kind = tk.work.Classify(res.err)
			}
			t.fail(t.store.Get(tk.id), kind, res.err.Error())
			t.log.WithFields(logrus.Fields{
				"worker": worker,
				"job_id": tk.id,
				"kind":   kind,
			}).WithError(res.err).Warn("job failed")
			return
		}

		job = t.store.Get(tk.id)
		job.State = StateSuccess
		job.ProgressPercent = 100
		job.ProgressMessage = "completed"
		job.Result = res.outcome.Prediction
		job.BundlePath = res.outcome.BundlePath
		job.CompletedAt = time.Now().UTC()
		t.store.publish(job)
		t.log.WithFields(logrus.Fields{"worker": worker, "job_id": tk.id}).
			Info("job completed")

	case <-hard.C:
		// The Run goroutine may still be stuck inside the detector; the
		// job is failed regardless so the pool cannot be exhausted by a
		// hung model call, and cleanup runs now.
		cancel()
		cleanup()
		t.fail(t.store.Get(tk.id), ErrKindTimeout,
			fmt.Sprintf("execution exceeded %s", t.cfg.HardTimeout))
		t.log.WithFields(logrus.Fields{"worker": worker, "job_id": tk.id}).
			Error("job killed by hard timeout")
	}
}

func (t *Tracker) fail(job Job, kind ErrorKind, message string) {
	job.State = StateFailure
	job.ErrorKind = kind
	job.ErrorMessage = message
	job.CompletedAt = time.Now().UTC()
	t.store.publish(job)
}

// classifyError maps execution errors to stable caller-visible kinds.
// Messages shown to callers never include stack traces or paths.
func classifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case errors.Is(err, registry.ErrModelUnavailable):
		return ErrKindModelUnavailable
	default:
		return ErrKindInternal
	}
}
