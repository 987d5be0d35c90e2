package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"modeshift/internal/task/engine"
	logx "modeshift/pkg/logx"
)

// anchoredSchedule fires at first, then every Delay after it, staying on the
// first+n*every grid so late triggers don't accumulate drift.
type anchoredSchedule struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func newAnchoredSchedule(every time.Duration, first time.Time) anchoredSchedule {
	return anchoredSchedule{every: cron.Every(every), first: first}
}

func (a anchoredSchedule) Next(t time.Time) time.Time {
	if a.first.IsZero() {
		return a.every.Next(t)
	}
	if t.Before(a.first) {
		return a.first
	}
	step := a.every.Delay
	n := t.Sub(a.first)/step + 1
	return a.first.Add(n * step)
}

// AddInterval registers a periodic job under name, first firing at first
// (zero means one interval from now). Registering an existing name replaces it.
// Overlapping runs are skipped unless opt says otherwise.
func (s *Service) AddInterval(name string, every time.Duration, first time.Time, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrKeyRequired
	}
	if every <= 0 {
		return ErrIntervalNotPos
	}
	if job == nil {
		return errors.New("job is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeIntervalLocked(name)
	s.intervals = append(s.intervals, intervalDef{
		name:    name,
		every:   every,
		first:   first,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &engine.RunState{},
	})
	d := &s.intervals[len(s.intervals)-1]
	if s.c != nil {
		s.addIntervalLocked(d)
	}
	s.log.Debug("interval registered", logx.String("name", name), logx.Duration("every", every), logx.Time("first", first))
	return nil
}

// addIntervalLocked registers d with the running cron. Call with s.mu held.
func (s *Service) addIntervalLocked(d *intervalDef) {
	name, timeout, run, opt, state := d.name, d.timeout, d.job, d.opt, d.state
	job := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Run:     run,
			Opt:     opt,
			State:   state,
		})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	})
	d.entryID = s.c.Schedule(newAnchoredSchedule(d.every, d.first), job)
}

// removeIntervalLocked removes the interval named name. Call with s.mu held.
func (s *Service) removeIntervalLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.intervals {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.intervals[n] = d
		n++
	}
	s.intervals = s.intervals[:n]
	return removed
}
