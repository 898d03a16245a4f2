// Package queue is the task queue facade used by the API, workers and the
// post-processor. It serializes mutations within the process, classifies
// repository errors and turns them into neutral return values.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finleyh/bass-hunter/internal/metrics"
	"github.com/finleyh/bass-hunter/internal/store"
	"github.com/finleyh/bass-hunter/internal/task"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Store is the queue facade. Construct one per process and share it.
type Store struct {
	mu     sync.Mutex
	repo   store.Repository
	clock  Clock
	logger *zap.Logger
}

// New wires a Store over repo.
func New(repo store.Repository, clock Clock, logger *zap.Logger) (*Store, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, clock: clock, logger: logger.Named("queue")}, nil
}

// Close releases the repository.
func (s *Store) Close() error {
	return s.repo.Close()
}

// report logs err at the level its class calls for and records persistence
// failures.
func (s *Store) report(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op), zap.Error(err))
	if task.IsPersistence(err) {
		s.logger.Error("persistence failure", fields...)
		metrics.ObservePersistenceFailure(op)
		return
	}
	switch {
	case errors.Is(err, task.ErrNotFound):
		s.logger.Debug("record not found", fields...)
	case errors.Is(err, task.ErrNotClaimed):
		s.logger.Debug("claim lost to a concurrent caller", fields...)
	case errors.Is(err, task.ErrInconsistentState):
		s.logger.Warn("inconsistent state", fields...)
	case errors.Is(err, task.ErrInvalidInput):
		s.logger.Warn("invalid input", fields...)
	}
}

// Add enqueues a pending task and returns its id, or 0 on failure.
func (s *Store) Add(ctx context.Context, nt task.NewTask) int64 {
	normalized, err := nt.Normalize()
	if err != nil {
		s.report("add", err, zap.String("target", nt.Target))
		return 0
	}
	nt = normalized

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.repo.CreateTask(ctx, nt, s.clock.Now())
	if err != nil {
		if nt.SubmitID != nil && errors.Is(err, task.ErrNotFound) {
			err = fmt.Errorf("%w: submit %d does not exist (%v)", task.ErrInvalidInput, *nt.SubmitID, err)
		}
		s.report("add", err, zap.String("target", nt.Target))
		return 0
	}
	metrics.ObserveTaskAdded()
	s.logger.Info("task added",
		zap.Int64("task_id", id),
		zap.String("target", nt.Target),
		zap.Int("priority", nt.Priority),
		zap.Strings("tags", nt.Tags),
	)
	return id
}

// Fetch claims the next pending task and returns it in running state, or nil
// when nothing is pending or the claim was lost.
func (s *Store) Fetch(ctx context.Context) *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.repo.ClaimPending(ctx, s.clock.Now())
	if err != nil {
		switch {
		case errors.Is(err, task.ErrNotFound):
			metrics.ObserveClaim(metrics.ClaimFetch, metrics.OutcomeEmpty)
			return nil
		case errors.Is(err, task.ErrNotClaimed):
			metrics.ObserveClaim(metrics.ClaimFetch, metrics.OutcomeConflict)
		default:
			metrics.ObserveClaim(metrics.ClaimFetch, metrics.OutcomeError)
		}
		s.report("fetch", err)
		return nil
	}
	metrics.ObserveClaim(metrics.ClaimFetch, metrics.OutcomeClaimed)
	metrics.ObserveTransition(string(task.StatusRunning))
	s.logger.Debug("task fetched", zap.Int64("task_id", t.ID), zap.String("target", t.Target))
	return &t
}

// SetStatus applies a status edge. It reports false when the task is missing,
// the edge is forbidden or the store fails.
func (s *Store) SetStatus(ctx context.Context, id int64, status task.Status) bool {
	if !status.Valid() {
		s.report("set_status", fmt.Errorf("%w: unknown status %q", task.ErrInvalidInput, status),
			zap.Int64("task_id", id))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.UpdateStatus(ctx, id, status, s.clock.Now()); err != nil {
		s.report("set_status", err, zap.Int64("task_id", id), zap.String("status", string(status)))
		return false
	}
	metrics.ObserveTransition(string(status))
	s.logger.Debug("task status changed", zap.Int64("task_id", id), zap.String("status", string(status)))
	return true
}

// Recover moves a failed task to recovered. It is an operator action; nothing
// in the queue retries failed tasks on its own.
func (s *Store) Recover(ctx context.Context, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.UpdateStatus(ctx, id, task.StatusRecovered, s.clock.Now()); err != nil {
		s.report("recover", err, zap.Int64("task_id", id))
		return false
	}
	metrics.ObserveTransition(string(task.StatusRecovered))
	s.logger.Info("task recovered", zap.Int64("task_id", id))
	return true
}

// SetRoute updates the network route label of a task.
func (s *Store) SetRoute(ctx context.Context, id int64, route string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.SetRoute(ctx, id, route); err != nil {
		s.report("set_route", err, zap.Int64("task_id", id))
		return false
	}
	return true
}

// ClaimForProcessing marks one completed task for instanceID and returns its
// id, or 0 when none is available or the claim was lost.
func (s *Store) ClaimForProcessing(ctx context.Context, instanceID string) int64 {
	if instanceID == "" {
		s.report("claim_for_processing", fmt.Errorf("%w: instance id is required", task.ErrInvalidInput))
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.repo.ClaimForProcessing(ctx, instanceID)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrNotFound):
			metrics.ObserveClaim(metrics.ClaimProcessing, metrics.OutcomeEmpty)
			return 0
		case errors.Is(err, task.ErrNotClaimed):
			metrics.ObserveClaim(metrics.ClaimProcessing, metrics.OutcomeConflict)
		default:
			metrics.ObserveClaim(metrics.ClaimProcessing, metrics.OutcomeError)
		}
		s.report("claim_for_processing", err, zap.String("instance_id", instanceID))
		return 0
	}
	metrics.ObserveClaim(metrics.ClaimProcessing, metrics.OutcomeClaimed)
	return id
}

// ListTasks returns the tasks matching filter, or an empty slice on failure.
func (s *Store) ListTasks(ctx context.Context, filter task.ListFilter) []task.Task {
	tasks, err := s.repo.ListTasks(ctx, filter)
	if err != nil {
		s.report("list_tasks", err)
		return []task.Task{}
	}
	return tasks
}

// ViewTask returns one task, or nil.
func (s *Store) ViewTask(ctx context.Context, id int64) *task.Task {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		s.report("view_task", err, zap.Int64("task_id", id))
		return nil
	}
	return &t
}

// ViewTasks returns the existing tasks among ids in ascending id order.
func (s *Store) ViewTasks(ctx context.Context, ids []int64) []task.Task {
	tasks, err := s.repo.GetTasks(ctx, ids)
	if err != nil {
		s.report("view_tasks", err)
		return []task.Task{}
	}
	return tasks
}

// DeleteTask removes a task with its errors, images, crawler and tag links.
func (s *Store) DeleteTask(ctx context.Context, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeleteTask(ctx, id); err != nil {
		s.report("delete_task", err, zap.Int64("task_id", id))
		return false
	}
	s.logger.Info("task deleted", zap.Int64("task_id", id))
	return true
}

// CountTasks counts all tasks, or those in status when it is non-empty.
func (s *Store) CountTasks(ctx context.Context, status task.Status) int {
	n, err := s.repo.CountTasks(ctx, status)
	if err != nil {
		s.report("count_tasks", err)
		return 0
	}
	return n
}

// MinMaxTasks returns the earliest start and the latest completion. Either is
// nil when unknown.
func (s *Store) MinMaxTasks(ctx context.Context) (*time.Time, *time.Time) {
	minStarted, maxCompleted, err := s.repo.MinMaxTasks(ctx)
	if err != nil {
		s.report("minmax_tasks", err)
		return nil, nil
	}
	return minStarted, maxCompleted
}
