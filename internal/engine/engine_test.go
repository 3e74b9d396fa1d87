package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeEngine_DefaultsSucceed(t *testing.T) {
	f := &FakeEngine{}
	ctx := context.Background()

	require.NoError(t, f.EnsureNetwork(ctx, "arena-isolation"))

	res, err := f.BuildExec(ctx, "run-1", "/tmp/ws", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	handle, err := f.RunExec(ctx, "run-1", "/tmp/ws", nil, 3000, 8080)
	require.NoError(t, err)
	assert.Equal(t, 8080, handle.HostPort)

	state, err := f.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.True(t, state.Running)

	require.NoError(t, f.Stop(ctx, handle, 10*time.Second))
	assert.True(t, f.WasStopped(handle.ContainerID))
}

func TestFakeEngine_BuildExecOverride(t *testing.T) {
	wantErr := errors.New("npm install failed")
	f := &FakeEngine{
		BuildExecFunc: func(ctx context.Context, runID, workspaceDir string, env []string) (*BuildResult, error) {
			return nil, wantErr
		},
	}

	_, err := f.BuildExec(context.Background(), "run-1", "/tmp/ws", nil)
	assert.ErrorIs(t, err, wantErr)
}

func TestFakeEngine_StopIdempotentAcrossCalls(t *testing.T) {
	f := &FakeEngine{}
	h := &Handle{ContainerID: "c1"}

	require.NoError(t, f.Stop(context.Background(), h, 10*time.Second))
	require.NoError(t, f.Stop(context.Background(), h, 10*time.Second))
	assert.True(t, f.WasStopped("c1"))
}

func TestRuntimeError_WrapsOperationAndRunID(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewRuntimeError("RunExec", "run-42", inner, true)

	assert.Contains(t, err.Error(), "RunExec")
	assert.Contains(t, err.Error(), "run-42")
	assert.ErrorIs(t, err, inner)
}

func TestRuntimeError_OmitsRunIDWhenEmpty(t *testing.T) {
	err := NewRuntimeError("EnsureNetwork", "", errors.New("boom"), true)
	assert.NotContains(t, err.Error(), "for run")
}
