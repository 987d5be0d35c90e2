package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"modeshift/internal/task/engine"
	logx "modeshift/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen during normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("job trigger skipped", logx.String("key", name), logx.Err(err))
		return
	}

	s.enqMu.Lock()
	lim := s.enqLimiters[name]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(enqueueWarnThrottle), 1)
		s.enqLimiters[name] = lim
	}
	s.enqMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	if lim.Allow() {
		s.log.Warn("job failed to enqueue", logx.String("key", name), logx.Err(err))
	}
}
