// Package queue serializes work per group folder while allowing unrelated
// folders to run in parallel under a global concurrency cap.
package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Job is a unit of work that the queue will execute.
type Job func(ctx context.Context)

// GroupQueue runs at most one job per folder at a time, in FIFO order within
// a folder, with total concurrency bounded by a weighted semaphore. It holds
// no persistent state; it only arbitrates dispatch within one process.
type GroupQueue struct {
	sem     *semaphore.Weighted
	mu      sync.Mutex
	queues  map[string][]Job
	running map[string]bool
}

// New creates a GroupQueue limited to maxConcurrent simultaneous jobs across
// all folders.
func New(maxConcurrent int64) *GroupQueue {
	return &GroupQueue{
		sem:     semaphore.NewWeighted(maxConcurrent),
		queues:  make(map[string][]Job),
		running: make(map[string]bool),
	}
}

// Enqueue appends a job to the folder's queue and returns immediately. The
// provided ctx is forwarded to the job so cancellation propagates.
func (q *GroupQueue) Enqueue(ctx context.Context, folder string, job Job) {
	q.mu.Lock()
	q.queues[folder] = append(q.queues[folder], job)
	if q.running[folder] {
		q.mu.Unlock()
		return
	}
	q.running[folder] = true
	q.mu.Unlock()

	go q.drain(ctx, folder)
}

// drain runs the folder's queue to exhaustion, one job at a time.
func (q *GroupQueue) drain(ctx context.Context, folder string) {
	for {
		q.mu.Lock()
		jobs := q.queues[folder]
		if len(jobs) == 0 {
			delete(q.queues, folder)
			delete(q.running, folder)
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		q.queues[folder] = jobs[1:]
		q.mu.Unlock()

		if err := q.sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; abandon the rest of this folder's queue.
			q.mu.Lock()
			delete(q.queues, folder)
			delete(q.running, folder)
			q.mu.Unlock()
			return
		}
		job(ctx)
		q.sem.Release(1)
	}
}

// Pending returns the number of queued (not yet started) jobs for a folder.
func (q *GroupQueue) Pending(folder string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[folder])
}

// Running reports whether a job for the folder is currently dispatched.
func (q *GroupQueue) Running(folder string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running[folder]
}
