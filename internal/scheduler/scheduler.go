// Package scheduler polls the store for due tasks and dispatches them
// through the per-group queue.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkerlin/clawsched/internal/groupfolder"
	"github.com/linkerlin/clawsched/internal/queue"
	"github.com/linkerlin/clawsched/internal/schedule"
	"github.com/linkerlin/clawsched/internal/store"
	"github.com/linkerlin/clawsched/internal/types"
)

// Runner executes one task's prompt inside its group workspace and returns
// the textual result. Execution itself is outside the scheduler; this is the
// seam the host plugs its agent into.
type Runner interface {
	Run(ctx context.Context, task types.ScheduledTask) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task types.ScheduledTask) (string, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, task types.ScheduledTask) (string, error) {
	return f(ctx, task)
}

// Scheduler drives due-task discovery on a fixed polling interval. A single
// Scheduler instance per deployment is assumed; there is no cross-process
// locking.
type Scheduler struct {
	store    *store.Store
	runner   Runner
	queue    *queue.GroupQueue
	send     func(chatJID, text string)
	interval time.Duration

	inTick atomic.Bool
	stop   chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a Scheduler. send may be nil when task results should not be
// delivered anywhere.
func New(st *store.Store, runner Runner, q *queue.GroupQueue, interval time.Duration, send func(chatJID, text string)) *Scheduler {
	return &Scheduler{
		store:    st,
		runner:   runner,
		queue:    q,
		send:     send,
		interval: interval,
		stop:     make(chan struct{}),
		inflight: make(map[string]bool),
	}
}

// Start begins the polling loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the polling loop. In-flight executions are not interrupted.
func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) loop(ctx context.Context) {
	s.Tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one due-task enumeration and dispatch pass. Overlapping calls
// are skipped rather than queued: two concurrent passes could dispatch the
// same task twice before either writes next_run forward.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.inTick.CompareAndSwap(false, true) {
		return
	}
	defer s.inTick.Store(false)

	tasks, err := s.store.DueTasks(time.Now())
	if err != nil {
		// Store unavailable: abort this tick cleanly and retry on the next.
		slog.Error("scheduler: fetch due tasks", "err", err)
		return
	}

	for _, t := range tasks {
		if s.isInflight(t.ID) {
			continue
		}
		if !groupfolder.Valid(t.GroupFolder) {
			// Corrupted or hand-edited row. Pause it so it stops coming back
			// every tick and an operator can see it; no run log is written.
			slog.Warn("scheduler: pausing task with invalid group folder",
				"task", t.ID, "folder", t.GroupFolder)
			paused := types.StatusPaused
			if err := s.store.UpdateTask(t.ID, store.TaskUpdate{Status: &paused}); err != nil {
				slog.Error("scheduler: pause invalid task", "task", t.ID, "err", err)
			}
			continue
		}

		s.setInflight(t.ID, true)
		task := t
		s.queue.Enqueue(ctx, task.GroupFolder, func(ctx context.Context) {
			s.runTask(ctx, task)
		})
	}
}

func (s *Scheduler) runTask(ctx context.Context, task types.ScheduledTask) {
	defer s.setInflight(task.ID, false)

	slog.Info("scheduler: running task", "task", task.ID, "folder", task.GroupFolder)
	started := time.Now()
	result, runErr := s.runner.Run(ctx, task)
	finished := time.Now()

	logEntry := types.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      started.UTC().Format(time.RFC3339),
		DurationMS: finished.Sub(started).Milliseconds(),
	}
	lastResult := result
	if runErr != nil {
		logEntry.Status = types.RunError
		logEntry.Error = runErr.Error()
		lastResult = "error: " + runErr.Error()
		slog.Error("scheduler: task failed", "task", task.ID, "err", runErr)
	} else {
		logEntry.Status = types.RunSuccess
		logEntry.Result = result
	}

	var nextRun *string
	if next := schedule.NextAfterRun(&task, finished); next != nil {
		formatted := next.UTC().Format(time.RFC3339)
		nextRun = &formatted
	}

	// RecordRun is a no-op when the task was cancelled mid-flight.
	if err := s.store.RecordRun(task.ID, nextRun, lastResult, finished); err != nil {
		slog.Error("scheduler: record run", "task", task.ID, "err", err)
	}
	if err := s.store.AppendRunLog(logEntry); err != nil {
		slog.Error("scheduler: append run log", "task", task.ID, "err", err)
	}

	if s.send != nil && runErr == nil && result != "" {
		s.send(task.ChatJID, result)
	}
	slog.Info("scheduler: task completed", "task", task.ID, "status", logEntry.Status)
}

func (s *Scheduler) isInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[id]
}

func (s *Scheduler) setInflight(id string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.inflight[id] = true
	} else {
		delete(s.inflight, id)
	}
}
