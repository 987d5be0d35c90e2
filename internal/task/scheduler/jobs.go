package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"modeshift/internal/eventbus"
	"modeshift/internal/task/engine"
	logx "modeshift/pkg/logx"
)

const storeOpTimeout = 5 * time.Second

// RegisterHandler binds a job kind to its handler. Registering the same kind
// again replaces the handler.
func (s *Service) RegisterHandler(kind string, h Handler) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return errors.New("job kind required")
	}
	if h.Run == nil {
		return errors.New("handler Run is nil")
	}
	s.hmu.Lock()
	s.handlers[kind] = h
	s.hmu.Unlock()
	return nil
}

func (s *Service) handler(kind string) (Handler, bool) {
	s.hmu.RLock()
	h, ok := s.handlers[kind]
	s.hmu.RUnlock()
	return h, ok
}

// Submit arms a one-shot job under key to run after delay.
//
// With Replace, a pending job under the same key is canceled atomically and the
// new one gets a fresh generation id. With Keep, a pending job wins and its
// handle is returned. The job record is persisted before the timer is armed.
func (s *Service) Submit(ctx context.Context, key, kind string, delay time.Duration, payload []byte, policy Policy) (JobHandle, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return JobHandle{}, ErrKeyRequired
	}
	if _, ok := s.handler(kind); !ok {
		return JobHandle{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if delay < 0 {
		delay = 0
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()

	if cur, ok := s.jobs[key]; ok && policy == Keep {
		s.log.Debug("job kept", logx.String("key", key), logx.Time("run_at", cur.runAt))
		return JobHandle{Key: key, ID: cur.gen, RunAt: cur.runAt}, nil
	}

	j := &onceJob{
		key:     key,
		kind:    kind,
		payload: slices.Clone(payload),
		runAt:   time.Now().Add(delay),
		gen:     uuid.NewString(),
	}
	if s.store != nil {
		if err := s.store.PutJob(ctx, j.record()); err != nil {
			return JobHandle{}, fmt.Errorf("persist job %s: %w", key, err)
		}
	}
	if cur, ok := s.jobs[key]; ok && cur.timer != nil {
		_ = cur.timer.Stop()
	}
	s.jobs[key] = j
	if s.started {
		s.armLocked(j)
	}

	h := JobHandle{Key: key, ID: j.gen, RunAt: j.runAt}
	eventbus.Publish(s.bus, eventbus.JobSubmitted, h)
	s.log.Debug("job submitted", logx.String("key", key), logx.String("kind", kind), logx.String("policy", policy.String()), logx.Duration("delay", delay), logx.String("id", j.gen))
	return h, nil
}

// Cancel removes any pending one-shot job and any interval job registered
// under key. It reports whether anything was removed and is safe to repeat.
func (s *Service) Cancel(ctx context.Context, key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	removed := false

	s.tmu.Lock()
	if j, ok := s.jobs[key]; ok {
		if j.timer != nil {
			_ = j.timer.Stop()
		}
		delete(s.jobs, key)
		removed = true
	}
	// A run in progress finishes but is not retried.
	delete(s.running, key)
	s.tmu.Unlock()

	if s.store != nil {
		ok, err := s.store.DeleteJob(ctx, key, "")
		if err != nil {
			s.log.Warn("delete job record failed", logx.String("key", key), logx.Err(err))
		}
		removed = removed || ok
	}

	s.mu.Lock()
	removed = s.removeIntervalLocked(key) || removed
	s.mu.Unlock()

	if removed {
		eventbus.Publish(s.bus, eventbus.JobCanceled, key)
		s.log.Debug("job canceled", logx.String("key", key))
	}
	return removed
}

// Next returns the next trigger time of the job under key.
func (s *Service) Next(key string) (time.Time, bool) {
	key = strings.TrimSpace(key)
	s.tmu.Lock()
	j, ok := s.jobs[key]
	var at time.Time
	if ok {
		at = j.runAt
	}
	s.tmu.Unlock()
	if ok {
		return at, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.intervals {
		if d.name != key {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			if next := s.c.Entry(d.entryID).Next; !next.IsZero() {
				return next, true
			}
		}
		return newAnchoredSchedule(d.every, d.first).Next(time.Now()), true
	}
	return time.Time{}, false
}

// Jobs lists pending one-shot jobs and registered interval jobs, sorted by key.
func (s *Service) Jobs() []JobInfo {
	var out []JobInfo
	s.tmu.Lock()
	for _, j := range s.jobs {
		out = append(out, JobInfo{Key: j.key, Kind: j.kind, ID: j.gen, Attempt: j.attempt, Next: j.runAt})
	}
	s.tmu.Unlock()

	s.mu.Lock()
	for _, d := range s.intervals {
		it := JobInfo{Key: d.name, Periodic: true, Every: d.every}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		if it.Next.IsZero() {
			it.Next = newAnchoredSchedule(d.every, d.first).Next(time.Now())
		}
		out = append(out, it)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b JobInfo) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// armLocked starts the runtime timer for j. Call with s.tmu held.
func (s *Service) armLocked(j *onceJob) {
	if j.timer != nil {
		_ = j.timer.Stop()
	}
	delay := max(time.Until(j.runAt), 0)
	key, gen := j.key, j.gen
	j.timer = time.AfterFunc(delay, func() { s.fire(key, gen) })
}

func (s *Service) fire(key, gen string) {
	s.tmu.Lock()
	j, ok := s.jobs[key]
	// Replaced, canceled or stopped since the timer was armed.
	if !ok || j.gen != gen || !s.started {
		s.tmu.Unlock()
		return
	}
	j.timer = nil
	delete(s.jobs, key)
	s.running[key] = j
	s.tmu.Unlock()

	s.dispatch(j)
}

func (s *Service) dispatch(j *onceJob) {
	h, ok := s.handler(j.kind)
	if !ok {
		s.log.Error("job dropped: no handler", logx.String("key", j.key), logx.String("kind", j.kind))
		s.settle(j)
		s.forget(j)
		return
	}
	eventbus.Publish(s.bus, eventbus.JobFired, JobHandle{Key: j.key, ID: j.gen, RunAt: j.runAt})

	if s.engine == nil {
		if s.settle(j) {
			s.requeue(j, engine.ErrStopped)
		}
		return
	}
	opt := h.Opt
	// Same key never overlaps.
	opt.Overlap = engine.OverlapSkipIfRunning
	// One attempt per fire; complete re-arms failures so no worker waits out a backoff.
	once := opt
	once.RetryMax = -1
	payload := j.payload
	err := s.engine.Enqueue(engine.Task{
		ID:         j.gen,
		Name:       j.key,
		OverlapKey: j.key,
		Timeout:    h.Timeout,
		Opt:        once,
		Run:        func(ctx context.Context) error { return h.Run(ctx, payload) },
		Done:       func(err error) { s.complete(j, opt, err) },
	})
	if err != nil {
		s.reportEnqueueError(j.key, err)
		if s.settle(j) {
			s.requeue(j, err)
		}
	}
}

// complete settles the persisted record once the engine is done with a job.
func (s *Service) complete(j *onceJob, opt TaskOptions, err error) {
	switch {
	case err == nil, engine.IsNoRetry(err):
		s.settle(j)
		s.forget(j)
	case errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		// Keep the record; the job fires again after restart.
		s.settle(j)
		s.log.Info("job interrupted by shutdown", logx.String("key", j.key), logx.Err(err))
	case errors.Is(err, engine.ErrStaleQueue):
		if s.settle(j) {
			s.requeue(j, err)
		}
	default:
		s.retry(j, opt, err)
	}
}

// settle drops j from the running set. It reports false when the key was
// canceled or fired again since j was dispatched.
func (s *Service) settle(j *onceJob) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.running[j.key] != j {
		return false
	}
	delete(s.running, j.key)
	return true
}

// retry re-arms a failed job under its own key and generation after the
// backoff opt prescribes. The new run time and attempt count are persisted,
// so a pending retry survives a restart. Once retries are used up, or the key
// was canceled or re-submitted during the run, the job is dropped.
func (s *Service) retry(j *onceJob, opt TaskOptions, cause error) {
	delay, ok := s.engine.RetryDelay(opt, j.attempt+1, cause)

	s.tmu.Lock()
	current := s.running[j.key] == j
	if current {
		delete(s.running, j.key)
	}
	_, replaced := s.jobs[j.key]
	if !ok || !current || replaced {
		s.tmu.Unlock()
		if !ok && current && !replaced {
			s.log.Error("job failed after retries", logx.String("key", j.key), logx.String("kind", j.kind), logx.Int("attempts", j.attempt+1), logx.Err(cause))
		}
		s.forget(j)
		return
	}
	j.attempt++
	j.runAt = time.Now().Add(delay)
	attempt := j.attempt + 1
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		if err := s.store.PutJob(ctx, j.record()); err != nil {
			s.log.Warn("persist job retry failed", logx.String("key", j.key), logx.Err(err))
		}
		cancel()
	}
	s.jobs[j.key] = j
	if s.started {
		s.armLocked(j)
	}
	s.tmu.Unlock()

	s.log.Warn("job retry scheduled", logx.String("key", j.key), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(cause))
}

// requeue re-arms a fired job that could not run, unless the key was
// re-submitted in the meantime.
func (s *Service) requeue(j *onceJob, cause error) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if _, ok := s.jobs[j.key]; ok {
		return
	}
	j.runAt = time.Now().Add(s.refireDelay)
	s.jobs[j.key] = j
	if s.started {
		s.armLocked(j)
	}
	s.log.Debug("job requeued", logx.String("key", j.key), logx.Duration("delay", s.refireDelay), logx.Err(cause))
}

// forget deletes the persisted record of j if it still belongs to j's generation.
func (s *Service) forget(j *onceJob) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if _, err := s.store.DeleteJob(ctx, j.key, j.gen); err != nil {
		s.log.Warn("delete job record failed", logx.String("key", j.key), logx.Err(err))
	}
}
