package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"modeshift/internal/eventbus"
	"modeshift/internal/storage"
	"modeshift/internal/task/engine"
	logx "modeshift/pkg/logx"
)

const defaultRefireDelay = 30 * time.Second

// New builds a scheduler. store may be nil, in which case pending one-shot
// jobs do not survive a restart.
func New(cfg Config, eng *engine.Service, store storage.JobStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		store:       store,
		engine:      eng,
		handlers:    map[string]Handler{},
		jobs:        map[string]*onceJob{},
		running:     map[string]*onceJob{},
		enqLimiters: map[string]*rate.Limiter{},
		refireDelay: defaultRefireDelay,
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Location returns the scheduler timezone.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

// Start starts cron triggering, restores persisted one-shot jobs and arms
// their timers. Overdue jobs fire immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	cur := s.cfg
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))
	if !cur.Enabled {
		s.mu.Unlock()
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	for i := range s.intervals {
		s.addIntervalLocked(&s.intervals[i])
	}
	s.c.Start()
	intervals := len(s.intervals)
	s.mu.Unlock()

	restored := s.restore(ctx)

	s.tmu.Lock()
	s.started = true
	for _, j := range s.jobs {
		s.armLocked(j)
	}
	pending := len(s.jobs)
	s.tmu.Unlock()

	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("intervals", intervals), logx.Int("pending", pending), logx.Int("restored", restored))
}

// restore loads persisted one-shot jobs that are not already known in memory.
func (s *Service) restore(ctx context.Context) int {
	if s.store == nil {
		return 0
	}
	recs, err := s.store.ListJobs(ctx)
	if err != nil {
		s.log.Error("restore pending jobs failed", logx.Err(err))
		return 0
	}
	n := 0
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, r := range recs {
		if _, ok := s.jobs[r.Key]; ok {
			continue
		}
		s.jobs[r.Key] = &onceJob{key: r.Key, kind: r.Kind, payload: r.Payload, runAt: r.RunAt, gen: r.Generation, attempt: r.Attempt}
		n++
	}
	return n
}

// Stop stops cron triggering and all runtime timers.
// Pending one-shot definitions (and their records) remain so they resume on next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.intervals {
		s.intervals[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	s.started = false
	for _, j := range s.jobs {
		if j.timer != nil {
			_ = j.timer.Stop()
			j.timer = nil
		}
	}
	s.tmu.Unlock()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	for i := range s.intervals {
		s.addIntervalLocked(&s.intervals[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("intervals", len(s.intervals)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
