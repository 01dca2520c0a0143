package automation

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ravel-labs/ravel/internal/schedule"
	"github.com/ravel-labs/ravel/pkg/types"
)

// Manager ties the durable store, the bounded Executor, and the cron/
// file-watch schedulers together: activating an Automation wires its
// trigger to Executor.Enqueue, deactivating tears the trigger down and
// cancels any run currently in flight.
type Manager struct {
	store    *Store
	executor *Executor
	cron     *schedule.CronScheduler
	watch    *schedule.FileWatchScheduler

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager wires a Manager over an already-constructed Executor.
func NewManager(store *Store, executor *Executor) *Manager {
	m := &Manager{store: store, executor: executor, cancels: make(map[string]context.CancelFunc)}
	queue := func(automationID string, triggerData any) {
		ctx, cancel := context.WithCancel(context.Background())
		m.mu.Lock()
		m.cancels[automationID] = cancel
		m.mu.Unlock()
		if _, err := m.executor.Enqueue(ctx, automationID, triggerData); err != nil {
			cancel()
		}
	}
	m.cron = schedule.NewCronScheduler(queue)
	m.watch = schedule.NewFileWatchScheduler(queue)
	return m
}

// Start begins the cron scheduler, the executor's dispatch loop, and
// recovers any executions orphaned by a prior crash.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.executor.RecoverCrashed(ctx); err != nil {
		return err
	}
	m.executor.Start()
	m.cron.Start()
	return nil
}

// Stop halts both schedulers and the executor.
func (m *Manager) Stop() {
	m.cron.Stop()
	m.executor.Stop()
}

// Activate reads automation's trigger config and wires the matching
// scheduler, per SPEC_FULL §4.6.
func (m *Manager) Activate(ctx context.Context, a *types.Automation) error {
	switch a.TriggerType {
	case types.TriggerCron:
		var cfg types.CronTriggerConfig
		if err := json.Unmarshal(a.TriggerConfig, &cfg); err != nil {
			return err
		}
		next, err := m.cron.Schedule(a.ID, cfg.Schedule)
		if err != nil {
			return err
		}
		ts := next.Unix()
		a.NextScheduledAt = &ts
		return m.store.PutAutomation(ctx, a)

	case types.TriggerFileWatch:
		var cfg types.FileWatchTriggerConfig
		if err := json.Unmarshal(a.TriggerConfig, &cfg); err != nil {
			return err
		}
		return m.watch.Watch(a.ID, cfg)
	}
	return nil
}

// Deactivate stops automationID's trigger and aborts any execution
// currently in flight for it.
func (m *Manager) Deactivate(automationID string) {
	m.cron.Unschedule(automationID)
	m.watch.Unwatch(automationID)

	m.mu.Lock()
	cancel, ok := m.cancels[automationID]
	delete(m.cancels, automationID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}
