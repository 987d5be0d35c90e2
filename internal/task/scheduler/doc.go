// Package scheduler is the trigger half of the job facility.
//
// It owns:
//   - keyed one-shot jobs (submit with replace/keep policy, cancel, next run)
//   - periodic interval jobs anchored at a first run time (robfig/cron)
//   - persistence of pending one-shot jobs so they survive a restart
//
// Execution, retry and overlap gating are delegated to internal/task/engine.
package scheduler
