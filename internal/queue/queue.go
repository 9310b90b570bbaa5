package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/tdnguyen/chatgate/internal/fault"
	"github.com/tdnguyen/chatgate/internal/observability"
)

// Job is one unit of turn processing. It streams text fragments through
// emit and returns when the turn is fully committed or failed.
type Job func(ctx context.Context, emit func(delta string) error) error

// Handle is the caller's view of a submitted job. Chunks delivers text in
// order; Done closes after the job finishes and Err becomes valid.
type Handle struct {
	chunks chan string
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (h *Handle) Chunks() <-chan string { return h.chunks }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is valid once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel aborts the job whether it is still waiting or already streaming.
func (h *Handle) Cancel() { h.cancel() }

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

type item struct {
	handle     *Handle
	ctx        context.Context
	job        Job
	enqueuedAt time.Time
}

// Config bounds the queue. Depth caps turns held per user (waiting plus
// running), Concurrency caps provider streams across all users, and
// Timeout bounds a single job's execution once it starts.
type Config struct {
	Depth       int
	Concurrency int
	Timeout     time.Duration
	ChunkBuffer int
}

// Queue serializes turns per user while letting distinct users proceed in
// parallel up to the global concurrency ceiling.
type Queue struct {
	cfg     Config
	sem     *semaphore.Weighted
	log     logrus.FieldLogger
	metrics *observability.Metrics
	window  *observability.TurnWindow

	mu     sync.Mutex
	users  map[string]*userQueue
	live   map[*Handle]struct{}
	closed bool
	wg     sync.WaitGroup
}

// occupancy counts turns submitted but not yet finished (waiting plus
// running), so one turn never counts twice against the depth cap.
type userQueue struct {
	pending   []*item
	occupancy int
	draining  bool
}

func New(cfg Config, log logrus.FieldLogger, metrics *observability.Metrics, window *observability.TurnWindow) *Queue {
	if cfg.Depth <= 0 {
		cfg.Depth = 2
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = 64
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		log:     log,
		metrics: metrics,
		window:  window,
		users:   make(map[string]*userQueue),
		live:    make(map[*Handle]struct{}),
	}
}

// Submit enqueues a job for userID. Jobs for the same user run strictly in
// submission order; a user already holding Depth slots is rejected with a
// busy fault so a stuck stream cannot pile up unbounded work.
func (q *Queue) Submit(userID string, job Job) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		chunks: make(chan string, q.cfg.ChunkBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	it := &item{handle: h, ctx: ctx, job: job, enqueuedAt: time.Now()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		cancel()
		return nil, fault.New(fault.KindBusy, "queue is shutting down")
	}
	uq := q.users[userID]
	if uq == nil {
		uq = &userQueue{}
		q.users[userID] = uq
	}
	if uq.occupancy >= q.cfg.Depth {
		occupied := uq.occupancy
		q.mu.Unlock()
		cancel()
		q.window.ObserveIndicator("busy_rejection")
		return nil, fault.New(fault.KindBusy, "user %s already has %d turns queued", userID, occupied)
	}
	uq.occupancy++
	uq.pending = append(uq.pending, it)
	q.live[h] = struct{}{}
	if !uq.draining {
		uq.draining = true
		q.wg.Add(1)
		go q.drainUser(userID)
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Inc()
	}
	q.mu.Unlock()

	return h, nil
}

// drainUser runs queued items for one user in FIFO order and exits once
// the user's queue is empty. A later Submit starts a fresh worker.
func (q *Queue) drainUser(userID string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		uq := q.users[userID]
		if uq == nil || len(uq.pending) == 0 {
			if uq != nil {
				uq.draining = false
				if uq.occupancy == 0 {
					delete(q.users, userID)
				}
			}
			q.mu.Unlock()
			return
		}
		it := uq.pending[0]
		uq.pending = uq.pending[1:]
		q.mu.Unlock()

		q.run(userID, it)
	}
}

func (q *Queue) run(userID string, it *item) {
	if q.metrics != nil {
		q.metrics.QueueDepth.Dec()
	}
	h := it.handle

	finish := func(err error) {
		h.setErr(normalizeErr(err))
		close(h.chunks)
		close(h.done)
		h.cancel()
		q.mu.Lock()
		delete(q.live, h)
		if uq := q.users[userID]; uq != nil {
			uq.occupancy--
		}
		q.mu.Unlock()
	}

	if err := q.sem.Acquire(it.ctx, 1); err != nil {
		finish(err)
		return
	}
	defer q.sem.Release(1)

	q.window.ObserveSince(observability.StageQueueWait, it.enqueuedAt)
	if q.metrics != nil {
		q.metrics.InflightCalls.Inc()
		defer q.metrics.InflightCalls.Dec()
	}

	// The execution budget starts when the job starts, not when it was
	// enqueued. Queue wait is bounded separately by the depth cap.
	ctx, cancel := context.WithTimeout(it.ctx, q.cfg.Timeout)
	defer cancel()

	emit := func(delta string) error {
		select {
		case h.chunks <- delta:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	start := time.Now()
	err := q.runJob(ctx, it.job, emit)
	q.window.ObserveSince(observability.StageTurnTotal, start)
	finish(err)
}

func (q *Queue) runJob(ctx context.Context, job Job, emit func(string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("panic", r).Error("turn job panicked")
			err = fault.New(fault.KindInternal, "turn processing panicked")
		}
	}()
	return job(ctx, emit)
}

// normalizeErr maps context termination onto the fault taxonomy so the
// API layer never sees a raw context error.
func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, err)
	}
	return fault.Wrap(fault.KindInternal, err)
}

// Shutdown stops accepting work and waits for in-flight jobs. Once ctx
// expires the remaining jobs are cancelled and the wait resumes.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	handles := make([]*Handle, 0, len(q.live))
	for h := range q.live {
		handles = append(handles, h)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, h := range handles {
			h.Cancel()
		}
		<-done
		return ctx.Err()
	}
}
