package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/svcfields"
)

const (
	// DefaultLifetime is how long an unused job stays registered.
	DefaultLifetime = 5 * time.Minute
	// DefaultReapInterval is the reaper cadence.
	DefaultReapInterval = 5 * time.Second
	// DefaultMaxSessions bounds concurrent sessions per user.
	DefaultMaxSessions = 16
)

var (
	// ErrDuplicateSecret rejects a job whose secret is already registered.
	ErrDuplicateSecret = errors.New("job: duplicate secret")
	// ErrTooManySessions reports that a user reached the session limit.
	ErrTooManySessions = errors.New("job: too many active sessions")
	// ErrRemoved reports that a job left the table before a worker could attach.
	ErrRemoved = errors.New("job: no longer registered")
)

// TableConfig configures a Table.
type TableConfig struct {
	MaxSessions int
	Lifetime    time.Duration
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Table maps secrets to jobs. The table lock guards only the map; each job's
// worker list is guarded by the job's own mutex.
type Table struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	countMu sync.Mutex
	counts  map[string]int

	limit    int
	lifetime time.Duration
	clock    clock.Clock
	base     pslog.Logger
	logger   pslog.Logger
}

// NewTable builds an empty table.
func NewTable(cfg TableConfig) *Table {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Table{
		jobs:     make(map[string]*Job),
		counts:   make(map[string]int),
		limit:    cfg.MaxSessions,
		lifetime: cfg.Lifetime,
		clock:    cfg.Clock,
		base:     cfg.Logger,
		logger:   svcfields.WithSubsystem(cfg.Logger, "jobs.table"),
	}
}

// Add registers j, counting it as one session of its user.
func (t *Table) Add(j *Job) error {
	if err := t.acquire(j.User); err != nil {
		return err
	}
	t.mu.Lock()
	if _, exists := t.jobs[j.Secret]; exists {
		t.mu.Unlock()
		t.release(j.User)
		return ErrDuplicateSecret
	}
	j.Expires = t.clock.Now().Add(t.lifetime)
	t.jobs[j.Secret] = j
	t.mu.Unlock()
	t.logger.Info("job.registered", "job", j.ID, "user", j.User, "groups", j.Groups, "access", j.Access.String())
	return nil
}

// Lookup returns the job registered under secret. The job stays registered;
// it leaves the table through the reaper.
func (t *Table) Lookup(secret string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[secret]
	return j, ok
}

// Len returns the number of registered jobs.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// Sessions returns the session count of user.
func (t *Table) Sessions(user string) int {
	t.countMu.Lock()
	defer t.countMu.Unlock()
	return t.counts[user]
}

// Attach runs launch under the job's lock and records the resulting worker.
// The first worker uses the session counted by Add; every further worker
// counts as an additional session.
func (t *Table) Attach(j *Job, launch func() (Worker, error)) (Worker, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.removed {
		return nil, ErrRemoved
	}
	extra := len(j.workers) > 0
	if extra {
		if err := t.acquire(j.User); err != nil {
			return nil, err
		}
	}
	w, err := launch()
	if err != nil {
		if extra {
			t.release(j.User)
		}
		return nil, err
	}
	j.workers = append(j.workers, w)
	return w, nil
}

func (t *Table) acquire(user string) error {
	t.countMu.Lock()
	defer t.countMu.Unlock()
	if t.counts[user] >= t.limit {
		return fmt.Errorf("%w for '%s' - server limit is %d", ErrTooManySessions, user, t.limit)
	}
	t.counts[user]++
	return nil
}

func (t *Table) release(user string) {
	t.countMu.Lock()
	defer t.countMu.Unlock()
	if n := t.counts[user]; n > 1 {
		t.counts[user] = n - 1
	} else {
		delete(t.counts, user)
	}
}

// Reap drops finished workers and removes jobs whose workers all finished or
// that expired without ever being used.
func (t *Table) Reap() {
	now := t.clock.Now()
	t.mu.RLock()
	jobs := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		jobs = append(jobs, j)
	}
	t.mu.RUnlock()
	for _, j := range jobs {
		t.reapJob(j, now)
	}
}

func (t *Table) reapJob(j *Job, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.workers) == 0 {
		if now.After(j.Expires) {
			t.logger.Info("job.expired", "job", j.ID, "user", j.User)
			t.remove(j)
			t.release(j.User)
		}
		return
	}
	alive := j.workers[:0]
	for _, w := range j.workers {
		select {
		case <-w.Done():
			t.release(j.User)
			t.logger.Debug("job.worker.finished", "job", j.ID, "worker", w.ID())
		default:
			alive = append(alive, w)
		}
	}
	for i := len(alive); i < len(j.workers); i++ {
		j.workers[i] = nil
	}
	j.workers = alive
	if len(alive) == 0 {
		t.logger.Info("job.finished", "job", j.ID, "user", j.User)
		t.remove(j)
	}
}

// remove drops j from the map. Callers hold j.mu.
func (t *Table) remove(j *Job) {
	j.removed = true
	t.mu.Lock()
	if cur, ok := t.jobs[j.Secret]; ok && cur == j {
		delete(t.jobs, j.Secret)
	}
	t.mu.Unlock()
}

// Run reaps every interval until ctx ends.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	logger := svcfields.WithSubsystem(t.base, "jobs.reaper")
	logger.Debug("reaper.start", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("reaper.stop")
			return
		case <-t.clock.After(interval):
			t.Reap()
		}
	}
}
