// Package scheduler runs the periodic maintenance of the executor: expiring
// state executions whose wait timed out and purging old events.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/store"
	"github.com/rendis/cdflow/pkg/schema"
)

// Expirer finishes a waiting state execution as EXPIRED.
// Satisfied by the executor (avoids import cycle).
type Expirer interface {
	Expire(ctx context.Context, instanceID string) error
}

// Store is the part of store.Store the scheduler needs.
type Store interface {
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*execution.Instance, error)
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)
}

// Config controls the maintenance jobs. Specs are standard five-field cron
// expressions or descriptors such as "@every 30s".
type Config struct {
	ExpirySpec     string        `json:"expiry_spec"`
	PurgeSpec      string        `json:"purge_spec"`      // empty disables purging
	EventRetention time.Duration `json:"event_retention"` // events older than this are purged
	BatchSize      int           `json:"batch_size"`
	Tick           time.Duration `json:"tick"`
}

// DefaultConfig returns the defaults: expire every 30s, purge daily at 03:00
// keeping 30 days of events.
func DefaultConfig() Config {
	return Config{
		ExpirySpec:     "@every 30s",
		PurgeSpec:      "0 3 * * *",
		EventRetention: 30 * 24 * time.Hour,
		BatchSize:      500,
		Tick:           5 * time.Second,
	}
}

type job struct {
	name     string
	schedule cron.Schedule
	next     time.Time
	run      func(ctx context.Context, now time.Time) error
}

// Scheduler polls the store for overdue waits and runs the purge job.
type Scheduler struct {
	store   Store
	expirer Expirer
	config  Config
	parser  cron.Parser
	logger  *slog.Logger
	jobs    []*job
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler. Invalid cron specs are reported here
// rather than at Start.
func NewScheduler(s Store, expirer Expirer, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.ExpirySpec == "" {
		cfg.ExpirySpec = def.ExpirySpec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = def.EventRetention
	}
	if logger == nil {
		logger = slog.Default()
	}

	sch := &Scheduler{
		store:    s,
		expirer:  expirer,
		config:   cfg,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	if err := sch.addJob("expire", cfg.ExpirySpec, sch.ExpireOverdue); err != nil {
		return nil, err
	}
	if cfg.PurgeSpec != "" {
		if err := sch.addJob("purge", cfg.PurgeSpec, sch.PurgeEvents); err != nil {
			return nil, err
		}
	}
	return sch, nil
}

func (s *Scheduler) addJob(name, spec string, run func(context.Context, time.Time) error) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse %s schedule %q: %v", name, spec, err).WithCause(err)
	}
	s.jobs = append(s.jobs, &job{name: name, schedule: schedule, run: run})
	return nil
}

// Start launches the background loop. The expiry job runs immediately to
// catch up on waits that timed out while the process was down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	now := s.now().UTC()
	for _, j := range s.jobs {
		j.next = j.schedule.Next(now)
		if j.name == "expire" {
			j.next = now
		}
	}

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, j := range s.jobs {
		if j.next.After(now) {
			continue
		}
		if !s.tryAcquire(j.name) {
			continue
		}
		if err := j.run(ctx, now); err != nil {
			s.logger.Error("scheduled job failed",
				slog.String("job", j.name),
				slog.String("error", err.Error()),
			)
		}
		j.next = j.schedule.Next(now)
		s.releaseJob(j.name)
	}
}

// ExpireOverdue expires every waiting or paused state execution whose
// deadline is before now. Executions resumed concurrently are skipped.
func (s *Scheduler) ExpireOverdue(ctx context.Context, now time.Time) error {
	overdue, err := s.store.ListInstances(ctx, store.InstanceFilter{
		Statuses:      []schema.ExecutionStatus{schema.StatusWaiting, schema.StatusPaused},
		ExpiresBefore: &now,
		Limit:         s.config.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list overdue state executions: %w", err)
	}

	expired := 0
	for _, inst := range overdue {
		err := s.expirer.Expire(ctx, inst.ID)
		switch {
		case err == nil:
			expired++
		case schema.HasCode(err, schema.ErrCodeConflict):
			s.logger.Debug("state execution no longer waiting",
				slog.String("state_execution_id", inst.ID))
		default:
			s.logger.Error("failed to expire state execution",
				slog.String("state_execution_id", inst.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if expired > 0 {
		s.logger.Info("expired overdue state executions", slog.Int("count", expired))
	}
	return nil
}

// PurgeEvents deletes events older than the configured retention.
func (s *Scheduler) PurgeEvents(ctx context.Context, now time.Time) error {
	n, err := s.store.PurgeEvents(ctx, now.Add(-s.config.EventRetention))
	if err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged events", slog.Int64("count", n))
	}
	return nil
}

// NextRun reports when the named job runs next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	for _, j := range s.jobs {
		if j.name == name {
			return j.next, true
		}
	}
	return time.Time{}, false
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
