package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"modeshift/internal/eventbus"
	"modeshift/internal/storage"
	"modeshift/internal/task/engine"
	logx "modeshift/pkg/logx"
)

var (
	ErrKeyRequired    = errors.New("job key required")
	ErrUnknownKind    = errors.New("no handler registered for job kind")
	ErrIntervalNotPos = errors.New("interval must be positive")
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Policy decides what Submit does when a job with the same key is pending.
type Policy int

const (
	// Replace cancels the pending job and arms the new one.
	Replace Policy = iota
	// Keep leaves a pending job untouched and returns its handle.
	Keep
)

func (p Policy) String() string {
	if p == Keep {
		return "keep"
	}
	return "replace"
}

// Re-export execution types from engine.
type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
	BackoffExponential   = engine.BackoffExponential
	BackoffLinear        = engine.BackoffLinear
)

// JobHandle identifies one submission. ID changes every time a key is
// re-submitted.
type JobHandle struct {
	Key   string    `json:"key"`
	ID    string    `json:"id"`
	RunAt time.Time `json:"run_at"`
}

// Handler executes a one-shot job of a given kind.
type Handler struct {
	Run     func(ctx context.Context, payload []byte) error
	Timeout time.Duration
	Opt     TaskOptions
}

type onceJob struct {
	key     string
	kind    string
	payload []byte
	runAt   time.Time
	gen     string
	attempt int // failed runs so far
	timer   *time.Timer
}

func (j *onceJob) record() storage.JobRecord {
	return storage.JobRecord{Key: j.key, Kind: j.kind, Payload: j.payload, RunAt: j.runAt, Generation: j.gen, Attempt: j.attempt}
}

type intervalDef struct {
	name    string
	every   time.Duration
	first   time.Time
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     TaskOptions
	entryID cron.EntryID
	state   *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	bus   eventbus.Bus
	store storage.JobStore

	engine *engine.Service

	c         *cron.Cron
	intervals []intervalDef

	hmu      sync.RWMutex
	handlers map[string]Handler

	// one-shot jobs: definitions live until fired or canceled; timers only while started.
	// running holds fired jobs until the engine settles them.
	tmu     sync.Mutex
	started bool
	jobs    map[string]*onceJob
	running map[string]*onceJob

	// Enqueue error throttling, one limiter per key.
	enqMu       sync.Mutex
	enqLimiters map[string]*rate.Limiter

	refireDelay time.Duration
}

// JobInfo describes a pending one-shot or registered interval job.
type JobInfo struct {
	Key      string        `json:"key"`
	Kind     string        `json:"kind,omitempty"`
	ID       string        `json:"id,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Periodic bool          `json:"periodic"`
	Every    time.Duration `json:"every,omitempty"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`

	Engine engine.Snapshot `json:"engine"`
	Jobs   []JobInfo       `json:"jobs"`
}
