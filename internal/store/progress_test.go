package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fulfil/internal/engine"
	"github.com/roach88/fulfil/internal/testutil"
)

var _ engine.ProgressStore = (*Store)(nil)

func TestProgress_LoadAbsent(t *testing.T) {
	s := createTestStore(t)

	got, ok, err := s.LoadProgress(context.Background(), "Z1238/poll-delivery-driver")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, got)
}

func TestProgress_SaveLoadClear(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	task := "Z1238/poll-delivery-driver"

	require.NoError(t, s.SaveProgress(ctx, task, engine.Checkpoint{Progress: 1}))
	require.NoError(t, s.SaveProgress(ctx, task, engine.Checkpoint{Progress: 4}))
	require.NoError(t, s.SaveProgress(ctx, task, engine.Checkpoint{Progress: 4}), "re-saving the same token is allowed")

	got, ok, err := s.LoadProgress(ctx, task)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, engine.Checkpoint{Progress: 4}, got)

	tok, err := s.ReadProgress(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, ProgressToken{TaskID: task, Progress: 4, Saves: 3}, tok)

	require.NoError(t, s.ClearProgress(ctx, task))
	require.NoError(t, s.ClearProgress(ctx, task), "clearing twice is fine")
	_, ok, err = s.LoadProgress(ctx, task)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.ReadProgress(ctx, task)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProgress_RejectsRegression(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProgress(ctx, "t", engine.Checkpoint{Progress: 5}))
	err := s.SaveProgress(ctx, "t", engine.Checkpoint{Progress: 3})
	assert.ErrorIs(t, err, ErrProgressRegression)

	got, _, _ := s.LoadProgress(ctx, "t")
	assert.Equal(t, int64(5), got.Progress, "a rejected save leaves the token untouched")

	require.NoError(t, s.ClearProgress(ctx, "t"))
	require.NoError(t, s.SaveProgress(ctx, "t", engine.Checkpoint{Progress: 1}), "after a clear the task starts afresh")

	assert.Error(t, s.SaveProgress(ctx, "t", engine.Checkpoint{Progress: -1}))
}

func TestProgress_TasksAreIndependent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProgress(ctx, "b", engine.Checkpoint{Progress: 2}))
	require.NoError(t, s.SaveProgress(ctx, "a", engine.Checkpoint{Progress: 7, Done: true, Result: "DoorDash"}))

	list, err := s.ListProgress(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].TaskID)
	assert.Equal(t, int64(7), list[0].Progress)
	assert.True(t, list[0].Done)
	assert.False(t, list[1].Done)
	assert.Equal(t, "b", list[1].TaskID)
}

func TestProgress_SurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/progress.db"
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveProgress(ctx, "t", engine.Checkpoint{Progress: 6}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.LoadProgress(ctx, "t")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, engine.Checkpoint{Progress: 6}, got)
}

func TestProgress_HeartbeatTaskResumesAcrossStores(t *testing.T) {
	path := t.TempDir() + "/resume.db"
	ctx := context.Background()
	var seen []int64

	body := func(_ context.Context, i int64) (engine.IterationOutcome, error) {
		seen = append(seen, i)
		if i == 3 && len(seen) == 3 {
			return engine.IterationOutcome{}, engine.NewFailure("DriverServiceUnavailable", "restart me")
		}
		return engine.IterationOutcome{Done: i == 4}, nil
	}

	run := func() (engine.TaskResult, error) {
		s, err := Open(path)
		require.NoError(t, err)
		defer s.Close()
		task := &engine.HeartbeatTask{
			TaskID:        "Z1238/poll-delivery-driver",
			MaxIterations: 10,
			Store:         s,
			Sleeper:       testutil.NewFakeSleeper(),
		}
		return task.Run(ctx, body)
	}

	_, err := run()
	require.Error(t, err)

	res, err := run()
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, int64(3), res.StartedAt)
	assert.Equal(t, []int64{1, 2, 3, 3, 4}, seen)

	res, err = run()
	require.NoError(t, err)
	assert.True(t, res.Done, "a finished task that was never cleared stays finished")
	assert.Zero(t, res.Iterations)
	assert.Equal(t, []int64{1, 2, 3, 3, 4}, seen)
}

func TestProgress_CompletedCheckpointKeepsResult(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	task := "Z1238/poll-delivery-driver"

	require.NoError(t, s.SaveProgress(ctx, task, engine.Checkpoint{Progress: 9}))
	require.NoError(t, s.SaveProgress(ctx, task, engine.Checkpoint{Progress: 10, Done: true, Result: "DoorDash"}))

	got, ok, err := s.LoadProgress(ctx, task)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, engine.Checkpoint{Progress: 10, Done: true, Result: "DoorDash"}, got)

	tok, err := s.ReadProgress(ctx, task)
	require.NoError(t, err)
	assert.True(t, tok.Done)

	err = s.SaveProgress(ctx, "other", engine.Checkpoint{Progress: 1, Done: true, Result: 1.5})
	assert.Error(t, err, "results must have a canonical JSON form")
}
