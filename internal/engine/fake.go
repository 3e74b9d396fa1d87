package engine

import (
	"context"
	"sync"
	"time"
)

// FakeEngine is a function-field fake for Adapter, modeled directly on the
// teacher's MockRuntime (internal/runner/interface.go). Every field is
// optional; unset fields fall back to a deterministic success default so
// tests only need to override what they care about.
type FakeEngine struct {
	EnsureNetworkFunc func(ctx context.Context, name string) error
	BuildExecFunc     func(ctx context.Context, runID, workspaceDir string, env []string) (*BuildResult, error)
	RunExecFunc       func(ctx context.Context, runID, workspaceDir string, env []string, internalPort, hostPort int) (*Handle, error)
	InspectFunc       func(ctx context.Context, h *Handle) (*State, error)
	LogsFunc          func(ctx context.Context, h *Handle) (string, error)
	StopFunc          func(ctx context.Context, h *Handle, grace time.Duration) error
	ReapStaleFunc     func(ctx context.Context) (int, error)
	CloseFunc         func() error

	mu      sync.Mutex
	stopped map[string]bool
}

var _ Adapter = (*FakeEngine)(nil)

func (f *FakeEngine) EnsureNetwork(ctx context.Context, name string) error {
	if f.EnsureNetworkFunc != nil {
		return f.EnsureNetworkFunc(ctx, name)
	}
	return nil
}

func (f *FakeEngine) BuildExec(ctx context.Context, runID, workspaceDir string, env []string) (*BuildResult, error) {
	if f.BuildExecFunc != nil {
		return f.BuildExecFunc(ctx, runID, workspaceDir, env)
	}
	return &BuildResult{ExitCode: 0, CombinedLog: "install ok\nbuild ok\n"}, nil
}

func (f *FakeEngine) RunExec(ctx context.Context, runID, workspaceDir string, env []string, internalPort, hostPort int) (*Handle, error) {
	if f.RunExecFunc != nil {
		return f.RunExecFunc(ctx, runID, workspaceDir, env, internalPort, hostPort)
	}
	return &Handle{ContainerID: "fake-" + runID, HostPort: hostPort, InternalIP: "127.0.0.1"}, nil
}

func (f *FakeEngine) Inspect(ctx context.Context, h *Handle) (*State, error) {
	if f.InspectFunc != nil {
		return f.InspectFunc(ctx, h)
	}
	return &State{Running: true}, nil
}

func (f *FakeEngine) Logs(ctx context.Context, h *Handle) (string, error) {
	if f.LogsFunc != nil {
		return f.LogsFunc(ctx, h)
	}
	return "", nil
}

func (f *FakeEngine) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	f.mu.Lock()
	if f.stopped == nil {
		f.stopped = make(map[string]bool)
	}
	if h != nil {
		f.stopped[h.ContainerID] = true
	}
	f.mu.Unlock()

	if f.StopFunc != nil {
		return f.StopFunc(ctx, h, grace)
	}
	return nil
}

func (f *FakeEngine) ReapStale(ctx context.Context) (int, error) {
	if f.ReapStaleFunc != nil {
		return f.ReapStaleFunc(ctx)
	}
	return 0, nil
}

func (f *FakeEngine) Close() error {
	if f.CloseFunc != nil {
		return f.CloseFunc()
	}
	return nil
}

// WasStopped reports whether Stop was called for the given container id.
// Useful for tests asserting cleanup happened without caring about the
// StopFunc override.
func (f *FakeEngine) WasStopped(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[containerID]
}
