package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := model.DeploymentResult{
		ID:         "run-1",
		Status:     model.StatusSuccess,
		StartedAt:  base,
		FinishedAt: base.Add(time.Second),
		Cloud: []model.Outcome{
			{Index: 0, Name: "vm", Backend: model.BackendAWS, Error: "ami_id is required", ErrorKind: "validation"},
		},
		Containers: []model.Outcome{
			{Index: 0, Name: "edge", Backend: model.BackendDocker,
				Unit:     &model.ManagedUnit{Backend: model.BackendDocker, ID: "abc", Name: "edge", State: model.StateRunning},
				Warnings: []string{"slow start"}},
		},
	}
	second := model.DeploymentResult{
		ID:         "run-2",
		Status:     model.StatusError,
		Message:    "parse spec: bad yaml",
		StartedAt:  base.Add(time.Minute),
		FinishedAt: base.Add(time.Minute),
	}
	require.NoError(t, s.Record(ctx, first))
	require.NoError(t, s.Record(ctx, second))

	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-2", list[0].ID)
	assert.Equal(t, "parse spec: bad yaml", list[0].Message)
	assert.Empty(t, list[0].Cloud)

	got := list[1]
	assert.True(t, got.StartedAt.Equal(base))
	require.Len(t, got.Cloud, 1)
	assert.Equal(t, "validation", got.Cloud[0].ErrorKind)
	assert.Nil(t, got.Cloud[0].Unit)
	require.Len(t, got.Containers, 1)
	require.NotNil(t, got.Containers[0].Unit)
	assert.Equal(t, "abc", got.Containers[0].Unit.ID)
	assert.Equal(t, []string{"slow start"}, got.Containers[0].Warnings)
	assert.Equal(t, 1, got.Failures())
}

func TestListLimit(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		ts := time.Unix(int64(1000+i), 0)
		require.NoError(t, s.Record(ctx, model.DeploymentResult{ID: id, Status: model.StatusSuccess, StartedAt: ts, FinishedAt: ts}))
	}
	list, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, model.DeploymentResult{ID: "x", Status: model.StatusSuccess}))

	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "x", got.ID)

	_, err = s.Get(ctx, "missing")
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestRecordRejectsDuplicateAndEmptyID(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, model.DeploymentResult{ID: "dup", Status: model.StatusSuccess}))
	assert.Error(t, s.Record(ctx, model.DeploymentResult{ID: "dup", Status: model.StatusSuccess}))
	assert.True(t, fault.Is(s.Record(ctx, model.DeploymentResult{}), fault.Validation))
}
