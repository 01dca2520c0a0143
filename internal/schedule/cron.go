// Package schedule implements the cron and file-watch triggers that feed
// automations into internal/automation's executor queue, per SPEC_FULL
// §4.6. The cron half is grounded on
// emergent-company-emergent/apps/server-go/domain/scheduler/scheduler.go's
// robfig/cron wiring (name->EntryID map, remove-then-readd on update); the
// file-watch half is grounded on internal/vcs/watcher.go's fsnotify
// event loop, generalized from a single HEAD watch into per-automation
// glob/event filtering with debouncing.
package schedule

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ravel-labs/ravel/internal/logging"
)

// QueueFunc enqueues an execution for automationID with the given trigger
// payload, handing off to internal/automation's Executor.
type QueueFunc func(automationID string, triggerData any)

// CronScheduler runs one robfig/cron job per active cron automation.
type CronScheduler struct {
	cron  *cron.Cron
	queue QueueFunc

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// NewCronScheduler constructs a scheduler that calls queue when a job fires.
func NewCronScheduler(queue QueueFunc) *CronScheduler {
	return &CronScheduler{
		cron:  cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		queue: queue,
		jobs:  make(map[string]cron.EntryID),
	}
}

// Start begins firing scheduled jobs.
func (s *CronScheduler) Start() { s.cron.Start() }

// Stop blocks until in-flight jobs finish, then halts the scheduler.
func (s *CronScheduler) Stop() { <-s.cron.Stop().Done() }

// Schedule adds or replaces the job for automationID with the given
// expression (standard 6-field cron, seconds first). Returns the next fire
// time so callers can persist Automation.NextScheduledAt.
func (s *CronScheduler) Schedule(automationID, expression string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.jobs[automationID]; ok {
		s.cron.Remove(id)
		delete(s.jobs, automationID)
	}

	id, err := s.cron.AddFunc(expression, func() {
		logging.Info().Str("automationId", automationID).Msg("cron trigger fired")
		s.queue(automationID, nil)
	})
	if err != nil {
		return time.Time{}, err
	}
	s.jobs[automationID] = id

	for _, e := range s.cron.Entries() {
		if e.ID == id {
			return e.Next, nil
		}
	}
	return time.Time{}, nil
}

// Unschedule removes automationID's cron job, if any (on deactivation).
func (s *CronScheduler) Unschedule(automationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[automationID]; ok {
		s.cron.Remove(id)
		delete(s.jobs, automationID)
	}
}
