package taskstore

import (
	"testing"

	"github.com/cuemby/moorage/pkg/storage"
	"github.com/cuemby/moorage/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateStartsPending(t *testing.T) {
	s := New(newTestStore(t))
	task := &types.Task{ID: "t1", Kind: types.TaskCreateContainer}
	require.NoError(t, s.Create(task))

	got, err := s.Get("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskPending, got.Status)
}

func TestFinishSameStatusIsNoOp(t *testing.T) {
	s := New(newTestStore(t))
	require.NoError(t, s.Create(&types.Task{ID: "t1"}))

	require.NoError(t, s.Finish("t1", types.TaskSuccess, "ok"))
	require.NoError(t, s.Finish("t1", types.TaskSuccess, "ok again"))

	got, err := s.Get("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskSuccess, got.Status)
	require.Equal(t, "ok", got.Reason)
}

func TestFinishConflictingStatusIsIgnoredNotError(t *testing.T) {
	s := New(newTestStore(t))
	require.NoError(t, s.Create(&types.Task{ID: "t1"}))

	require.NoError(t, s.Finish("t1", types.TaskSuccess, "ok"))
	require.NoError(t, s.Finish("t1", types.TaskFailed, "nope"))

	got, err := s.Get("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskSuccess, got.Status)
	require.Equal(t, "ok", got.Reason)
}

func TestAppendContainerIDOnlyWhilePending(t *testing.T) {
	s := New(newTestStore(t))
	require.NoError(t, s.Create(&types.Task{ID: "t1"}))

	require.NoError(t, s.AppendContainerID("t1", "c1"))
	got, err := s.Get("t1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, got.ContainerIDs)

	require.NoError(t, s.Finish("t1", types.TaskSuccess, "ok"))
	require.NoError(t, s.AppendContainerID("t1", "c2"))

	got, err = s.Get("t1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, got.ContainerIDs)
}
