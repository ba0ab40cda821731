// Package taskstore implements the Task Record Store: task creation, the
// single PENDING->SUCCESS|FAILED terminal transition, and container id
// bookkeeping while a task is still in flight.
package taskstore

import (
	"github.com/cuemby/moorage/pkg/errs"
	"github.com/cuemby/moorage/pkg/log"
	"github.com/cuemby/moorage/pkg/metrics"
	"github.com/cuemby/moorage/pkg/storage"
	"github.com/cuemby/moorage/pkg/types"
)

// Store tracks task lifecycle against a storage.Store.
type Store struct {
	store storage.Store
}

// New returns a taskstore.Store backed by store.
func New(store storage.Store) *Store {
	return &Store{store: store}
}

// Create persists a new PENDING task.
func (s *Store) Create(t *types.Task) error {
	t.Status = types.TaskPending
	if err := s.store.CreateTask(t); err != nil {
		return &errs.PersistenceError{Op: "create_task", Err: err}
	}
	return nil
}

// Get loads a task by id.
func (s *Store) Get(id string) (*types.Task, error) {
	t, err := s.store.GetTask(id)
	if err != nil {
		return nil, &errs.PersistenceError{Op: "get_task", Err: err}
	}
	return t, nil
}

// Finish transitions a task to its terminal state. A second call with the
// same status is a no-op. A call with a conflicting status is logged, not
// returned as an error, matching the engine-level idempotency contract.
func (s *Store) Finish(id string, status types.TaskStatus, reason string) error {
	t, err := s.store.GetTask(id)
	if err != nil {
		return &errs.PersistenceError{Op: "finish_task", Err: err}
	}

	if t.Status == status {
		return nil
	}
	if t.Status != types.TaskPending {
		log.Logger.Warn().
			Str("task_id", id).
			Str("current_status", string(t.Status)).
			Str("requested_status", string(status)).
			Msg("conflicting task finish ignored")
		return nil
	}

	t.Status = status
	t.Reason = reason
	if err := s.store.UpdateTask(t); err != nil {
		return &errs.PersistenceError{Op: "finish_task", Err: err}
	}
	metrics.TasksTotal.WithLabelValues(string(t.Kind), string(status)).Inc()
	return nil
}

// AppendContainerID records a newly created container against the task.
// Only valid while the task is still PENDING.
func (s *Store) AppendContainerID(id, containerID string) error {
	t, err := s.store.GetTask(id)
	if err != nil {
		return &errs.PersistenceError{Op: "append_container_id", Err: err}
	}
	if t.Status != types.TaskPending {
		log.Logger.Warn().Str("task_id", id).Msg("ignoring container id append on non-pending task")
		return nil
	}
	t.ContainerIDs = append(t.ContainerIDs, containerID)
	if err := s.store.UpdateTask(t); err != nil {
		return &errs.PersistenceError{Op: "append_container_id", Err: err}
	}
	return nil
}
