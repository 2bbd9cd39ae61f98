// Package scheduler provides cron-based scheduling for the server's
// periodic background jobs (the stats-snapshot publisher and the
// stale-connection sweep described in SPEC_FULL.md §5). It wraps a
// single shared cron.Cron instance and maps human-readable job names
// to cron entry ids so a job can be rescheduled or removed without
// the caller tracking the underlying id.
//
// Modeled on the teacher's api/internal/plugins/scheduler.go
// PluginScheduler: one background goroutine for every job, duplicate
// names overwrite rather than error, and every job function is
// wrapped with panic recovery so one misbehaving job never stops the
// others.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler schedules named recurring jobs using standard 5-field
// cron expressions.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobIDs map[string]cron.EntryID
	log    *zerolog.Logger
}

// New creates a Scheduler with its own background cron instance. Call
// Start to begin running jobs and Stop to cancel them all.
func New(log *zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		jobIDs: make(map[string]cron.EntryID),
		log:    log,
	}
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the background goroutine and waits for any running job
// to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Schedule registers job to run on cronExpr, replacing any prior job
// with the same name. The job is wrapped with panic recovery so a
// single bad tick never kills the scheduler.
func (s *Scheduler) Schedule(name, cronExpr string, job func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobIDs[name]; ok {
		s.cron.Remove(existing)
		delete(s.jobIDs, name)
	}

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil && s.log != nil {
				s.log.Error().Str("job", name).Interface("panic", r).Msg("scheduled job panicked")
			}
		}()
		job()
	}

	id, err := s.cron.AddFunc(cronExpr, wrapped)
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron expression for job %q: %w", name, err)
	}
	s.jobIDs[name] = id
	return nil
}

// Remove cancels a previously scheduled job, if present.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobIDs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobIDs, name)
	}
}

// RemoveAll cancels every job this scheduler owns.
func (s *Scheduler) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, id := range s.jobIDs {
		s.cron.Remove(id)
		delete(s.jobIDs, name)
	}
}
