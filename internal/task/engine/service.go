package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"modeshift/internal/eventbus"
	"modeshift/internal/runtime/supervisor"
	logx "modeshift/pkg/logx"
)

// Drop warnings are logged at most this often per reason.
const dropWarnEvery = 5 * time.Second

// Service executes tasks on a fixed worker pool fed by a bounded queue.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	cfg      Config
	queue    chan queuedTask
	stopCh   chan struct{}
	stopping chan struct{} // non-nil while Stop drains
	sup      *supervisor.Supervisor

	gates sync.Map // overlap key -> *RunState

	hmu     sync.Mutex
	history []HistoryItem

	inFlight  atomic.Int32
	dropFull  atomic.Uint64
	dropStale atomic.Uint64
	warnFull  rate.Sometimes
	warnStale rate.Sometimes
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	gate       *RunState
}

// finish releases the overlap gate and reports the final result.
func (qt queuedTask) finish(err error) {
	qt.gate.release()
	if qt.task.Done != nil {
		qt.task.Done(err)
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:       cfg.normalize(),
		log:       log,
		bus:       bus,
		warnFull:  rate.Sometimes{Interval: dropWarnEvery},
		warnStale: rate.Sometimes{Interval: dropWarnEvery},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. The pool starts, stops, or restarts when the
// enabled flag, worker count or queue size changes.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.normalize()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopping == nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.log.Info("task engine resizing", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when disabled or already
// running, and waits for an in-progress Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		pending := s.stopping
		s.mu.Unlock()
		if pending == nil {
			return
		}
		select {
		case <-pending:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	queue := make(chan queuedTask, cfg.QueueSize)
	stopCh := make(chan struct{})
	// Worker failures are restarted, never fatal to the daemon.
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	s.queue, s.stopCh, s.sup = queue, stopCh, sup
	s.inFlight.Store(0)
	s.mu.Unlock()

	for i := range cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited unexpectedly")
		}, supervisor.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop closes the pool. Queued tasks that no worker picked up finish with
// ErrStopped. Stop returns when draining is done or ctx ends, whichever is
// first; draining continues in the background.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	done := s.stopping
	if done == nil {
		done = make(chan struct{})
		s.stopping = done
		close(s.stopCh)
		go s.drain(s.sup, s.queue, done)
	}
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(sup *supervisor.Supervisor, queue chan queuedTask, done chan struct{}) {
	sup.Cancel()
	_ = sup.Wait(context.Background())
	// Workers are gone; whatever is still queued is abandoned.
drain:
	for {
		select {
		case qt := <-queue:
			qt.finish(ErrStopped)
		default:
			break drain
		}
	}
	s.mu.Lock()
	s.queue, s.stopCh, s.stopping, s.sup = nil, nil, nil, nil
	s.inFlight.Store(0)
	s.mu.Unlock()
	close(done)
}

// Enqueue adds t without blocking; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is queued, ctx ends, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()

	s.mu.Lock()
	cfg, queue, stopCh, stopping := s.cfg, s.queue, s.stopCh, s.stopping != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case queue == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: t.Opt.withDefaults(cfg)}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.opt.Overlap == OverlapSkipIfRunning {
		gate := t.State
		if gate == nil {
			gate = s.gate(t.OverlapKey, t.Name)
		}
		if !gate.tryAcquire() {
			eventbus.Publish(s.bus, eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped: already running", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
		qt.gate = gate
	}

	if !block {
		select {
		case queue <- qt:
			return nil
		default:
			qt.gate.release()
			s.droppedFull(now, t, queue)
			return ErrQueueFull
		}
	}
	select {
	case queue <- qt:
		return nil
	case <-ctx.Done():
		qt.gate.release()
		return ctx.Err()
	case <-stopCh:
		qt.gate.release()
		return ErrStopping
	}
}

// Running reports whether a task with the given overlap key is queued or
// executing.
func (s *Service) Running(key string) bool {
	v, ok := s.gates.Load(strings.TrimSpace(key))
	return ok && v.(*RunState).Running()
}

// RetryDelay returns the wait before attempt retry+1 of a task that failed
// with err under opt. It reports false once opt's retries are used up or err
// is permanent. Callers that schedule their own retries enqueue with
// RetryMax < 0 and settle each failure here.
func (s *Service) RetryDelay(opt TaskOptions, retry int, err error) (time.Duration, bool) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	opt = opt.withDefaults(cfg)
	if err == nil || IsNoRetry(err) || retry < 1 || retry > opt.RetryMax {
		return 0, false
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return backoffDelayWithHint(opt, retry, err, rng), true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, queue := s.cfg, s.queue
	s.mu.Unlock()

	s.hmu.Lock()
	hist := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	full, stale := s.dropFull.Load(), s.dropStale.Load()
	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         len(queue),
		QueueCap:         cap(queue),
		InFlight:         int(s.inFlight.Load()),
		Dropped:          full + stale,
		DroppedQueueFull: full,
		DroppedStale:     stale,
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          hist,
	}
}

func (s *Service) gate(overlapKey, name string) *RunState {
	key := strings.TrimSpace(overlapKey)
	if key == "" {
		key = name
	}
	v, _ := s.gates.LoadOrStore(key, &RunState{})
	return v.(*RunState)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if over := len(s.history) - size; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func (s *Service) droppedFull(now time.Time, t Task, queue chan queuedTask) {
	n := s.dropFull.Add(1)
	eventbus.Publish(s.bus, eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	s.warnFull.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(queue)),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}

func (s *Service) droppedStale(now time.Time, t Task, queueDelay time.Duration) {
	n := s.dropStale.Add(1)
	eventbus.Publish(s.bus, eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	s.warnStale.Do(func() {
		s.log.Warn("task dropped: queued too long",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", n),
		)
	})
}
