package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/percolation-labs/percolate/internal/config"
	percoErrors "github.com/percolation-labs/percolate/internal/errors"
	"github.com/percolation-labs/percolate/internal/store"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

// Job is a named maintenance task with a cron spec. Specs accept the five
// standard fields plus the @every and @daily descriptors.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// RunRecord is the persisted outcome of the most recent run of each job,
// written to scheduler/last_runs.json under the data directory.
type RunRecord struct {
	RunID       string    `json:"run_id"`
	Job         string    `json:"job"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Error       string    `json:"error,omitempty"`
}

// Engine schedules the daemon's maintenance jobs. Jobs run on the cron
// goroutine pool; a failing job is logged and recorded, never fatal.
type Engine struct {
	cron            *cron.Cron
	st              *store.Store
	shutdownTimeout time.Duration

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	lastRuns map[string]RunRecord
}

// NewEngine builds an engine from the scheduler configuration section. The
// store is optional; without it run records stay in memory only.
func NewEngine(st *store.Store, cfg config.SchedulerConfig) (*Engine, error) {
	shutdownTimeout, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler shutdown timeout: %w", err)
	}

	e := &Engine{
		cron:            cron.New(),
		st:              st,
		shutdownTimeout: shutdownTimeout,
		lastRuns:        make(map[string]RunRecord),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if st != nil {
		if err := st.ReadJSON(&e.lastRuns, "scheduler", "last_runs.json"); err != nil {
			e.lastRuns = make(map[string]RunRecord)
		}
	}
	return e, nil
}

// Add registers a job. Returns an error if the cron spec does not parse.
func (e *Engine) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return percoErrors.InvalidInput("scheduler job needs a name and a run func")
	}
	_, err := e.cron.AddFunc(job.Spec, func() { e.execute(job) })
	if err != nil {
		return percoErrors.Wrap(err, fmt.Sprintf("schedule %s (%q)", job.Name, job.Spec))
	}
	return nil
}

func (e *Engine) execute(job Job) {
	record := RunRecord{
		RunID:     ulid.Make().String(),
		Job:       job.Name,
		StartedAt: time.Now(),
	}
	slog.Debug("Scheduler job starting", "job", job.Name, "run_id", record.RunID)

	if err := job.Run(e.ctx); err != nil {
		record.Error = err.Error()
		slog.Error("Scheduler job failed", "job", job.Name, "run_id", record.RunID, "error", err)
	} else {
		slog.Info("Scheduler job completed", "job", job.Name, "run_id", record.RunID)
	}
	record.CompletedAt = time.Now()

	e.mu.Lock()
	e.lastRuns[job.Name] = record
	snapshot := make(map[string]RunRecord, len(e.lastRuns))
	for name, r := range e.lastRuns {
		snapshot[name] = r
	}
	e.mu.Unlock()

	if e.st != nil {
		if err := e.st.WriteJSON(snapshot, "scheduler", "last_runs.json"); err != nil {
			slog.Warn("Failed to persist scheduler run record", "job", job.Name, "error", err)
		}
	}
}

// Start begins dispatching jobs. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.cron.Start()
	slog.Info("Scheduler started", "jobs", len(e.cron.Entries()))
}

// Stop halts dispatch and waits for in-flight jobs up to the shutdown
// timeout.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	done := e.cron.Stop().Done()

	select {
	case <-done:
		slog.Info("Scheduler stopped")
		return nil
	case <-time.After(e.shutdownTimeout):
		slog.Warn("Scheduler shutdown timeout, abandoning in-flight jobs")
		return percoErrors.Internal("scheduler shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the engine is dispatching.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// LastRun returns the most recent run record for a job, if any.
func (e *Engine) LastRun(name string) (RunRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := e.lastRuns[name]
	return record, ok
}
