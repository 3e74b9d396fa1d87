package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"codearena/internal/logger"
)

const (
	labelManaged = "codearena.managed"
	labelRunID   = "codearena.run.id"
	labelPhase   = "codearena.phase"

	phaseBuild = "build"
	phaseRun   = "run"

	imageBuild = "codearena-build:latest"
	imageRun   = "codearena-build:latest"
)

// DockerAdapter implements Adapter against the Docker Engine API. Grounded
// on the teacher's internal/docker/runner.go (Runtime) for container
// lifecycle and internal/runner/docker_backtest.go for log demultiplexing.
type DockerAdapter struct {
	client *client.Client
}

var _ Adapter = (*DockerAdapter)(nil)

// NewDockerAdapter connects to the Docker daemon at host (empty string uses
// the client library's own environment-based defaults).
func NewDockerAdapter(ctx context.Context, host string) (*DockerAdapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}
	return &DockerAdapter{client: cli}, nil
}

// EnsureNetwork creates the isolation-only bridge network runtime
// containers attach to. Internal: true means Docker never adds a default
// route out of it, so a run-phase container has no egress at all even
// though it was built from (potentially untrusted) model-generated code;
// this is the invariant spec 4.3 calls out by name, not an incidental
// default.
func (d *DockerAdapter) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := d.client.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return NewRuntimeError("EnsureNetwork", "", err, true)
	}
	for _, n := range networks {
		if n.Name == name {
			return nil
		}
	}

	_, err = d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
		Labels:   map[string]string{labelManaged: "true"},
	})
	if err != nil {
		return NewRuntimeError("EnsureNetwork", "", err, true)
	}
	return nil
}

// BuildExec runs a one-shot networked container over workspaceDir,
// mirroring DockerBacktestRunner.RunBacktest's create-start-wait-collect
// sequence plus getContainerLogs's stdcopy demultiplexing.
func (d *DockerAdapter) BuildExec(ctx context.Context, runID, workspaceDir string, env []string) (*BuildResult, error) {
	if err := d.ensureImage(ctx, imageBuild); err != nil {
		return nil, NewRuntimeError("BuildExec", runID, err, true)
	}

	name := buildContainerName(runID)

	containerConfig := &container.Config{
		Image: imageBuild,
		Cmd: []string{"/bin/sh", "-c",
			"set -e; echo '--- codearena: install ---'; npm install; echo '--- codearena: build ---'; npm run build"},
		Env:   env,
		Labels: map[string]string{
			labelManaged: "true",
			labelRunID:   runID,
			labelPhase:   phaseBuild,
		},
		WorkingDir: "/workspace",
	}

	hostConfig := &container.HostConfig{
		AutoRemove: false,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workspaceDir, Target: "/workspace", ReadOnly: false},
		},
		Resources: container.Resources{
			Memory:    BuildPhaseLimits.MemoryBytes,
			CPUPeriod: 100000,
			CPUQuota:  int64(BuildPhaseLimits.CPUCores * 100000),
			PidsLimit: &BuildPhaseLimits.PIDsLimit,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, NewRuntimeError("BuildExec", runID, err, true)
	}
	defer d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, NewRuntimeError("BuildExec", runID, err, true)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return nil, NewRuntimeError("BuildExec", runID, err, true)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	combined, err := d.combinedLogs(ctx, resp.ID)
	if err != nil {
		return nil, NewRuntimeError("BuildExec", runID, err, false)
	}

	return &BuildResult{ExitCode: exitCode, CombinedLog: combined}, nil
}

// RunExec starts a long-lived isolated runtime container per spec.md 4.3:
// isolation network only, read-only workspace mount, all capabilities
// dropped, no-new-privileges, with the caller's pre-allocated hostPort bound
// to internalPort so the Port Allocator's bookkeeping matches reality.
func (d *DockerAdapter) RunExec(ctx context.Context, runID, workspaceDir string, env []string, internalPort, hostPort int) (*Handle, error) {
	if err := d.ensureImage(ctx, imageRun); err != nil {
		return nil, NewRuntimeError("RunExec", runID, err, true)
	}

	name := runContainerName(runID)
	containerPort := nat.Port(fmt.Sprintf("%d/tcp", internalPort))

	containerConfig := &container.Config{
		Image: imageRun,
		Cmd:   []string{"/bin/sh", "-c", "npm run start"},
		Env:   append(env, fmt.Sprintf("PORT=%d", internalPort)),
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Labels: map[string]string{
			labelManaged: "true",
			labelRunID:   runID,
			labelPhase:   phaseRun,
		},
		WorkingDir: "/workspace",
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workspaceDir, Target: "/workspace", ReadOnly: true},
		},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)}},
		},
		Resources: container.Resources{
			Memory:    RunPhaseLimits.MemoryBytes,
			CPUPeriod: 100000,
			CPUQuota:  int64(RunPhaseLimits.CPUCores * 100000),
			PidsLimit: &RunPhaseLimits.PIDsLimit,
		},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		NetworkMode:    container.NetworkMode(isolationNetworkName),
	}

	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			isolationNetworkName: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, name)
	if err != nil {
		return nil, NewRuntimeError("RunExec", runID, err, true)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, NewRuntimeError("RunExec", runID, err, true)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, NewRuntimeError("RunExec", runID, err, true)
	}

	handle := &Handle{ContainerID: resp.ID}
	if bindings, ok := inspect.NetworkSettings.Ports[containerPort]; ok && len(bindings) > 0 {
		if port, err := nat.ParsePort(bindings[0].HostPort); err == nil {
			handle.HostPort = port
		}
	}
	for _, n := range inspect.NetworkSettings.Networks {
		handle.InternalIP = n.IPAddress
		break
	}
	if handle.HostPort == 0 {
		return nil, NewRuntimeError("RunExec", runID, fmt.Errorf("no host port bound for container port %s", containerPort), false)
	}

	return handle, nil
}

// Inspect mirrors Runtime.GetBotStatus's state mapping, trimmed to what the
// lifecycle engine needs.
func (d *DockerAdapter) Inspect(ctx context.Context, h *Handle) (*State, error) {
	inspect, err := d.client.ContainerInspect(ctx, h.ContainerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, NewRuntimeError("Inspect", h.ContainerID, err, true)
	}

	s := &State{
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
		Error:    inspect.State.Error,
	}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			s.StartedAt = t
		}
	}
	if inspect.State.FinishedAt != "" && inspect.State.FinishedAt != "0001-01-01T00:00:00Z" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			s.FinishedAt = t
		}
	}
	return s, nil
}

// Logs returns the container's current combined log buffer.
func (d *DockerAdapter) Logs(ctx context.Context, h *Handle) (string, error) {
	return d.combinedLogs(ctx, h.ContainerID)
}

// Stop stops, kills, and removes a container. Idempotent: a missing
// container is treated as already stopped.
func (d *DockerAdapter) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	if h == nil || h.ContainerID == "" {
		return nil
	}

	timeout := int(grace.Seconds())
	err := d.client.ContainerStop(ctx, h.ContainerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		logger.GetLogger(ctx).Warn("graceful stop failed, forcing removal",
			zap.String("container_id", h.ContainerID), zap.Error(err))
	}

	err = d.client.ContainerRemove(ctx, h.ContainerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return NewRuntimeError("Stop", h.ContainerID, err, true)
	}
	return nil
}

// ReapStale removes build-*/run-* containers left over from a previous
// crash, identified by the managed label rather than a live run-id set
// (per spec.md section 9, Open Question 2).
func (d *DockerAdapter) ReapStale(ctx context.Context) (int, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=true")

	containers, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return 0, NewRuntimeError("ReapStale", "", err, true)
	}

	removed := 0
	for _, c := range containers {
		if err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Close releases the Docker client's own connections.
func (d *DockerAdapter) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// combinedLogs demultiplexes a container's stdout/stderr into one stream,
// mirroring DockerBacktestRunner.getContainerLogs.
func (d *DockerAdapter) combinedLogs(ctx context.Context, containerID string) (string, error) {
	reader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return "", err
	}

	combined := stdout.String()
	if stderr.Len() > 0 {
		if stdout.Len() > 0 {
			combined += "\n"
		}
		combined += stderr.String()
	}
	return combined, nil
}

// ensureImage pulls imageName if it isn't already present locally, mirroring
// DockerBacktestRunner.ensureImage.
func (d *DockerAdapter) ensureImage(ctx context.Context, imageName string) error {
	if _, err := d.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func buildContainerName(runID string) string {
	return "build-" + runID
}

func runContainerName(runID string) string {
	return "run-" + runID
}

// isolationNetworkName is set once at adapter construction time by
// SetIsolationNetwork; kept as a package-level var so RunExec doesn't need
// the name threaded through every call, mirroring the teacher's defaultNetwork
// constant pattern in internal/docker/runner.go.
var isolationNetworkName = "arena-isolation"

// SetIsolationNetwork configures the network RunExec attaches runtime
// containers to. Call once during startup after loading configuration.
func SetIsolationNetwork(name string) {
	if name != "" {
		isolationNetworkName = name
	}
}
