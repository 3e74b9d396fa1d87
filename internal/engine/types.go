// Package engine implements the Container Runtime Adapter: the orchestrator's
// single polymorphism boundary over a local container engine. It is grounded
// on the teacher's internal/docker/runner.go (Runtime) and
// internal/runner/docker_backtest.go (DockerBacktestRunner), generalized from
// a single always-running bot container to the two-phase build/run model.
package engine

import (
	"context"
	"time"
)

// ResourceLimits caps memory, CPU, and process count for a container. The
// engine, not the caller, decides the concrete values for each phase; this
// struct is how Adapter implementations receive them.
type ResourceLimits struct {
	MemoryBytes int64
	CPUCores    float64
	PIDsLimit   int64
}

// BuildPhaseLimits are the fixed, non-negotiable resource caps for build
// containers.
var BuildPhaseLimits = ResourceLimits{
	MemoryBytes: 4 * 1024 * 1024 * 1024,
	CPUCores:    2,
	PIDsLimit:   512,
}

// RunPhaseLimits are the fixed, non-negotiable resource caps for runtime
// containers.
var RunPhaseLimits = ResourceLimits{
	MemoryBytes: 2 * 1024 * 1024 * 1024,
	CPUCores:    1,
	PIDsLimit:   512,
}

// BuildResult is the outcome of a one-shot build-phase container.
type BuildResult struct {
	ExitCode    int
	CombinedLog string
}

// Handle identifies a running container and how to reach it.
type Handle struct {
	ContainerID string
	HostPort    int
	InternalIP  string
}

// State is a coarse view of a container's liveness, returned by Inspect.
type State struct {
	Running    bool
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Adapter is the Container Runtime Adapter's public contract. Tests
// substitute FakeEngine (see fake.go) for this interface; production code
// uses *DockerAdapter.
type Adapter interface {
	// EnsureNetwork creates the named bridge network if absent. Idempotent.
	EnsureNetwork(ctx context.Context, name string) error

	// BuildExec runs a one-shot networked container that installs
	// dependencies and compiles, mounting workspaceDir read-write. It blocks
	// until the container exits, returns the combined demultiplexed log
	// stream and exit code, and removes the container before returning.
	BuildExec(ctx context.Context, runID, workspaceDir string, env []string) (*BuildResult, error)

	// RunExec starts a long-lived container attached only to the isolation
	// network, with workspaceDir mounted read-only and hostPort (already
	// reserved by the caller's Port Allocator) bound to internalPort inside
	// the container. All capabilities are dropped and no-new-privileges is
	// set.
	RunExec(ctx context.Context, runID, workspaceDir string, env []string, internalPort, hostPort int) (*Handle, error)

	// Inspect returns the current state of a handle's container.
	Inspect(ctx context.Context, h *Handle) (*State, error)

	// Logs returns the current accumulated log buffer for a handle's
	// container.
	Logs(ctx context.Context, h *Handle) (string, error)

	// Stop stops, then kills, then removes a handle's container. Idempotent;
	// a missing container is not an error.
	Stop(ctx context.Context, h *Handle, grace time.Duration) error

	// ReapStale removes any build-*/run-* containers left behind by a
	// previous crash, identified by managed label rather than by a live
	// run-id set (the process restarting has none).
	ReapStale(ctx context.Context) (int, error)

	// Close releases the engine client's own resources.
	Close() error
}
