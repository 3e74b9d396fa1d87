// Package lifecycle implements the Run Lifecycle Engine: the state machine
// of spec.md section 4.6 that drives each run through
// queued → generating → installing → building → starting → healthy → ready,
// or into the failed/terminated sinks, using the Port Allocator, Workspace
// Manager, Container Runtime Adapter, Gateway Registry, and Run State Store.
//
// Grounded on the teacher's BotMonitor.monitorLoop (internal/monitor/bot_monitor.go)
// for its select-over-ticker/stop/context concurrency shape, reused here for
// the health-probe sub-loop, and on checkBot's "classify error, update
// status, continue" structure for the uniform failure path.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"codearena/internal/engine"
	"codearena/internal/enum"
	"codearena/internal/gen"
	"codearena/internal/logger"
	"codearena/internal/portalloc"
	"codearena/internal/registry"
	"codearena/internal/store"
	"codearena/internal/workspace"
)

const (
	// appInternalPort is the port the generated app is told to listen on
	// inside its runtime container via the PORT environment variable.
	appInternalPort = 3000

	buildInstallMarker = "--- codearena: install ---"
	buildCompileMarker = "--- codearena: build ---"

	healthProbeTimeout = 5 * time.Second

	killGrace = 10 * time.Second

	errorTailBytes = 4096
)

// healthProbeInterval and healthProbeAttempts are vars rather than consts so
// tests can shrink the health-check loop instead of waiting out the real
// production timing (30 attempts at 2s apart).
var (
	healthProbeInterval = 2 * time.Second
	healthProbeAttempts = 30
)

// Engine drives every run's state machine and owns the singletons it calls
// into. One Engine per process, constructed at startup (spec.md section 9:
// "process-wide singletons with explicit construction at startup").
type Engine struct {
	ports      *portalloc.Allocator
	workspaces *workspace.Manager
	adapter    engine.Adapter
	gateway    gen.Gateway
	store      *store.Store
	registry   *registry.Registry

	mainAppURL string
	httpClient *http.Client

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs an Engine from its five leaf components plus the
// code-generation gateway client.
func New(ports *portalloc.Allocator, workspaces *workspace.Manager, adapter engine.Adapter, gateway gen.Gateway, st *store.Store, reg *registry.Registry, mainAppURL string) *Engine {
	return &Engine{
		ports:      ports,
		workspaces: workspaces,
		adapter:    adapter,
		gateway:    gateway,
		store:      st,
		registry:   reg,
		mainAppURL: mainAppURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cancels:    make(map[string]context.CancelFunc),
	}
}

// RunSpec is the input to StartRun: everything the state machine needs that
// isn't already in the store.
type RunSpec struct {
	RunID     string
	SessionID string
	Prompt    string
	Provider  enum.Provider
	Model     string
}

// StartRun launches one run's state machine on its own goroutine and
// returns immediately; runs within a session execute independently and in
// parallel (spec.md "Concurrency of runs").
func (e *Engine) StartRun(spec RunSpec) {
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[spec.RunID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.cancels, spec.RunID)
			e.mu.Unlock()
			cancel()
		}()
		e.drive(runCtx, spec)
	}()
}

// Kill terminates a run. Allowed from any non-terminal state; idempotent —
// killing an already-terminal run is a no-op that reports success.
func (e *Engine) Kill(runID string) error {
	e.mu.Lock()
	if cancel, ok := e.cancels[runID]; ok {
		cancel()
	}
	e.mu.Unlock()

	ctx := logger.WithComponent(context.Background(), "lifecycle")
	ctx = logger.WithRun(ctx, runID)

	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	e.terminate(ctx, runID, "terminated", enum.RunStatusTerminated, run)
	return nil
}

// drive runs one run's state machine start to finish. All failures funnel
// into fail(), which performs the uniform cleanup sequence.
func (e *Engine) drive(ctx context.Context, spec RunSpec) {
	ctx = logger.WithComponent(ctx, "lifecycle")
	ctx = logger.WithRun(ctx, spec.RunID)
	log := logger.GetLogger(ctx)

	now := time.Now()
	if _, err := e.transition(spec.RunID, enum.RunStatusGenerating, store.RunUpdate{StartedAt: &now}); err != nil {
		log.Warn("could not begin run", zap.Error(err))
		return
	}

	files, err := e.gateway.Generate(ctx, spec.Prompt, spec.Provider, spec.Model)
	if err != nil {
		e.fail(ctx, spec.RunID, runError(kindGeneration, "%v", err))
		return
	}

	if err := gen.ValidateManifest(files["package.json"]); err != nil {
		e.fail(ctx, spec.RunID, runError(kindValidation, "%v", err))
		return
	}
	if !gen.HasPageSource(files) {
		e.fail(ctx, spec.RunID, runError(kindValidation, "missing required file: no page-level source file"))
		return
	}

	if _, err := e.transition(spec.RunID, enum.RunStatusInstalling, store.RunUpdate{}); err != nil {
		log.Warn("could not enter installing", zap.Error(err))
		return
	}

	workspaceDir, err := e.workspaces.Materialize(ctx, spec.RunID, files)
	if err != nil {
		e.fail(ctx, spec.RunID, runError(kindValidation, "%v", err))
		return
	}

	if _, err := e.transition(spec.RunID, enum.RunStatusBuilding, store.RunUpdate{}); err != nil {
		log.Warn("could not enter building", zap.Error(err))
		return
	}

	buildResult, err := e.adapter.BuildExec(ctx, spec.RunID, workspaceDir, buildEnv(spec))
	if err != nil {
		e.fail(ctx, spec.RunID, runError(kindEngine, "%v", err))
		return
	}
	installLog, buildLog := splitBuildLog(buildResult.CombinedLog)
	if _, err := e.store.UpdateRun(spec.RunID, store.RunUpdate{InstallLog: &installLog, BuildLog: &buildLog}, time.Now()); err != nil {
		log.Warn("could not record build logs", zap.Error(err))
	}
	if buildResult.ExitCode != 0 {
		e.fail(ctx, spec.RunID, runError(kindBuild, "build container exited %d: %s", buildResult.ExitCode, tail(buildResult.CombinedLog, errorTailBytes)))
		return
	}

	port, err := e.ports.Allocate()
	if err != nil {
		e.fail(ctx, spec.RunID, runError(kindStart, "%v", err))
		return
	}

	handle, err := e.adapter.RunExec(ctx, spec.RunID, workspaceDir, runEnv(), appInternalPort, port)
	if err != nil {
		e.ports.Release(port)
		e.fail(ctx, spec.RunID, runError(kindStart, "%v", err))
		return
	}

	internalURL := fmt.Sprintf("http://localhost:%d", handle.HostPort)
	containerID := handle.ContainerID
	if _, err := e.transition(spec.RunID, enum.RunStatusStarting, store.RunUpdate{
		Port:        &port,
		ContainerID: &containerID,
		InternalURL: &internalURL,
	}); err != nil {
		log.Warn("could not enter starting", zap.Error(err))
		e.cleanupHandle(ctx, handle, port)
		return
	}

	if err := e.waitHealthy(ctx, internalURL); err != nil {
		e.fail(ctx, spec.RunID, runError(kindHealth, "%v", err))
		return
	}

	if _, err := e.transition(spec.RunID, enum.RunStatusHealthy, store.RunUpdate{}); err != nil {
		log.Warn("could not enter healthy", zap.Error(err))
		return
	}

	completedAt := time.Now()
	if _, err := e.transition(spec.RunID, enum.RunStatusReady, store.RunUpdate{CompletedAt: &completedAt}, func() {
		e.registry.Register(spec.RunID, internalURL)
	}); err != nil {
		log.Warn("could not enter ready", zap.Error(err))
		return
	}

	log.Info("run ready", zap.String("internal_url", internalURL))
}

// transition validates and commits a forward state-machine step, then fires
// the advisory PATCH callback. It refuses to move a run that has already
// reached a terminal state (e.g. a concurrent kill). onAccept, if given,
// runs inside the same per-run critical section as the commit, once the
// transition is known to be accepted but before the store write — used to
// keep the Gateway Registry's ready-entry and the store's ready status from
// ever being observably out of sync (spec.md section 5).
func (e *Engine) transition(runID string, to enum.RunStatus, update store.RunUpdate, onAccept ...func()) (*store.Run, error) {
	status := to
	update.Status = &status

	run, err := e.store.UpdateRunIf(runID, func(current enum.RunStatus) bool {
		if !enum.CanTransition(current, to) {
			return false
		}
		for _, fn := range onAccept {
			fn()
		}
		return true
	}, update, time.Now())
	if err != nil {
		return nil, err
	}

	e.patch(runID, run)
	return run, nil
}

// fail drives a run to its failed terminal state and runs the uniform
// cleanup sequence: stop container, release port, delete workspace,
// unregister from gateway, set completed_at.
func (e *Engine) fail(ctx context.Context, runID, message string) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		logger.GetLogger(ctx).Warn("fail called for unknown run", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if run.Status.IsTerminal() {
		return
	}

	now := time.Now()
	status := enum.RunStatusFailed
	clearedContainerID := ""
	updated, err := e.store.UpdateRunIf(runID, func(current enum.RunStatus) bool {
		return !current.IsTerminal()
	}, store.RunUpdate{Status: &status, Error: &message, CompletedAt: &now, ClearPort: true, ContainerID: &clearedContainerID}, now)
	if err != nil {
		return
	}

	// cleanup needs the pre-clear snapshot to know which container/port to
	// release; updated (already cleared) is what gets patched out.
	e.cleanup(ctx, runID, run)
	e.patch(runID, updated)
}

// terminate drives a run to `terminated` (the explicit-kill sink) and runs
// the same cleanup sequence as fail.
func (e *Engine) terminate(ctx context.Context, runID, message string, to enum.RunStatus, run *store.Run) {
	now := time.Now()
	clearedContainerID := ""
	updated, err := e.store.UpdateRunIf(runID, func(current enum.RunStatus) bool {
		return !current.IsTerminal()
	}, store.RunUpdate{Status: &to, Error: &message, CompletedAt: &now, ClearPort: true, ContainerID: &clearedContainerID}, now)
	if err != nil {
		return
	}

	// cleanup needs the pre-clear snapshot to know which container/port to
	// release; updated (already cleared) is what gets patched out.
	e.cleanup(ctx, runID, run)
	e.patch(runID, updated)
}

// cleanup releases every resource a run might hold, aggregating every
// failure (rather than stopping at the first) via go-multierror, matching
// the teacher's use of the same library for multi-step bot cleanup paths.
func (e *Engine) cleanup(ctx context.Context, runID string, run *store.Run) {
	var errs *multierror.Error

	if run.ContainerID != "" {
		h := &engine.Handle{ContainerID: run.ContainerID}
		if err := e.adapter.Stop(context.Background(), h, killGrace); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stop container: %w", err))
		}
	}
	if run.Port != nil {
		e.ports.Release(*run.Port)
	}
	e.registry.Unregister(runID)
	if err := e.workspaces.Delete(context.Background(), runID); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("delete workspace: %w", err))
	}

	if errs != nil {
		logger.GetLogger(ctx).Warn("run cleanup had errors", zap.String("run_id", runID), zap.Error(errs))
	}
}

// cleanupHandle releases a container and port created in the same call that
// failed to commit its transition — a narrower cleanup than cleanup() since
// the failed transition means the store was never updated with these
// resources.
func (e *Engine) cleanupHandle(ctx context.Context, h *engine.Handle, port int) {
	if err := e.adapter.Stop(context.Background(), h, killGrace); err != nil {
		logger.GetLogger(ctx).Warn("stop container after failed transition", zap.Error(err))
	}
	e.ports.Release(port)
}

// waitHealthy polls url with GET requests until one returns 2xx, the
// attempts are exhausted, or ctx is canceled (cooperative cancellation for
// the kill path).
func (e *Engine) waitHealthy(ctx context.Context, url string) error {
	client := &http.Client{Timeout: healthProbeTimeout}

	for attempt := 1; attempt <= healthProbeAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					return nil
				}
			}
		}

		if attempt == healthProbeAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthProbeInterval):
		}
	}
	return fmt.Errorf("health check: exhausted %d attempts against %s", healthProbeAttempts, url)
}

// patch issues a best-effort, fire-and-forget PATCH to MAIN_APP_URL with the
// run's current state. Failure is logged and ignored — the orchestrator's
// own store remains authoritative (spec.md section 9).
func (e *Engine) patch(runID string, run *store.Run) {
	if e.mainAppURL == "" {
		return
	}

	body, err := json.Marshal(run)
	if err != nil {
		return
	}

	go func() {
		url := strings.TrimRight(e.mainAppURL, "/") + "/api/runs/" + runID
		req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		ctx := logger.WithComponent(context.Background(), "lifecycle")
		if err != nil {
			logger.GetLogger(ctx).Debug("advisory patch failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}

func buildEnv(spec RunSpec) []string {
	return []string{"RUN_ID=" + spec.RunID, "MODEL=" + spec.Model}
}

func runEnv() []string {
	return nil
}

// splitBuildLog separates a combined install+build log into its two halves
// using the marker lines the build command echoes, matching spec.md 4.6's
// "observational (prefix delimiter in the log stream)" split.
func splitBuildLog(combined string) (install, build string) {
	installIdx := strings.Index(combined, buildInstallMarker)
	buildIdx := strings.Index(combined, buildCompileMarker)
	if installIdx == -1 || buildIdx == -1 || buildIdx < installIdx {
		return combined, combined
	}
	install = combined[installIdx+len(buildInstallMarker) : buildIdx]
	build = combined[buildIdx+len(buildCompileMarker):]
	return strings.TrimSpace(install), strings.TrimSpace(build)
}
