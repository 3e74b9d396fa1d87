package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codearena/internal/engine"
	"codearena/internal/enum"
	"codearena/internal/gen"
	"codearena/internal/portalloc"
	"codearena/internal/registry"
	"codearena/internal/store"
	"codearena/internal/workspace"
)

// testEngine wires together one Engine plus every collaborator a test needs
// to poke directly: the store (to assert final run state), the port
// allocator (to assert ports are released), and the fakes (to control what
// the run does).
type testEngine struct {
	eng     *Engine
	st      *store.Store
	ports   *portalloc.Allocator
	fakeEng *engine.FakeEngine
	fakeGW  *gen.FakeGateway
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	ws, err := workspace.New(t.TempDir(), "")
	require.NoError(t, err)

	st := store.New()
	ports := portalloc.New(20000, 20010)
	reg := registry.New()
	fakeEng := &engine.FakeEngine{}
	fakeGW := &gen.FakeGateway{}

	eng := New(ports, ws, fakeEng, fakeGW, st, reg, "")
	return &testEngine{eng: eng, st: st, ports: ports, fakeEng: fakeEng, fakeGW: fakeGW}
}

// portOf extracts the numeric port an httptest.Server is listening on.
func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return p
}

func seedRun(t *testing.T, st *store.Store, runID string) RunSpec {
	t.Helper()
	now := time.Now()
	err := st.CreateSession(store.Session{ID: "sess-1"}, []store.Run{
		{ID: runID, Provider: enum.ProviderOpenAI, Model: "gpt-test", Status: enum.RunStatusQueued},
	}, now)
	require.NoError(t, err)
	return RunSpec{RunID: runID, SessionID: "sess-1", Prompt: "build me a todo app", Provider: enum.ProviderOpenAI, Model: "gpt-test"}
}

func waitForStatus(t *testing.T, st *store.Store, runID string, want enum.RunStatus, timeout time.Duration) *store.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(runID)
		require.NoError(t, err)
		if run.Status == want || run.Status.IsTerminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach %s within %s", runID, want, timeout)
	return nil
}

// setHealthProbeParamsForTest swaps the package-level health-check loop
// knobs, returning a restore func so callers can `defer restore()`.
func setHealthProbeParamsForTest(interval time.Duration, attempts int) func() {
	origInterval, origAttempts := healthProbeInterval, healthProbeAttempts
	healthProbeInterval, healthProbeAttempts = interval, attempts
	return func() { healthProbeInterval, healthProbeAttempts = origInterval, origAttempts }
}

func TestDrive_HappyPathReachesReady(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()
	healthPort := portOf(t, health.URL)

	te := newTestEngine(t)
	te.fakeEng.RunExecFunc = func(ctx context.Context, runID, workspaceDir string, env []string, internalPort, hostPort int) (*engine.Handle, error) {
		return &engine.Handle{ContainerID: "c-" + runID, HostPort: healthPort, InternalIP: "127.0.0.1"}, nil
	}

	spec := seedRun(t, te.st, "run-ready")
	te.eng.StartRun(spec)

	run := waitForStatus(t, te.st, "run-ready", enum.RunStatusReady, 2*time.Second)
	require.Equal(t, enum.RunStatusReady, run.Status)
	assert.NotNil(t, run.Port)
	assert.NotEmpty(t, run.ContainerID)

	gatewayURL, ok := te.eng.registry.Resolve("run-ready")
	assert.True(t, ok)
	assert.NotEmpty(t, gatewayURL)
}

func TestDrive_InvalidManifestFails(t *testing.T) {
	te := newTestEngine(t)
	te.fakeGW.GenerateFunc = func(ctx context.Context, prompt string, provider enum.Provider, model string) (map[string]string, error) {
		return map[string]string{
			"package.json":   `{"scripts":{"start":"next start"}}`,
			"pages/index.js": "export default function Home() { return null }",
		}, nil
	}

	spec := seedRun(t, te.st, "run-badmanifest")
	te.eng.StartRun(spec)

	run := waitForStatus(t, te.st, "run-badmanifest", enum.RunStatusFailed, 2*time.Second)
	assert.Equal(t, enum.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "ValidationError")
}

func TestDrive_MissingPageSourceFails(t *testing.T) {
	te := newTestEngine(t)
	te.fakeGW.GenerateFunc = func(ctx context.Context, prompt string, provider enum.Provider, model string) (map[string]string, error) {
		return map[string]string{
			"package.json": `{"scripts":{"build":"next build","start":"next start"}}`,
		}, nil
	}

	spec := seedRun(t, te.st, "run-nopage")
	te.eng.StartRun(spec)

	run := waitForStatus(t, te.st, "run-nopage", enum.RunStatusFailed, 2*time.Second)
	assert.Equal(t, enum.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "page-level source")
}

func TestDrive_GenerationErrorFails(t *testing.T) {
	te := newTestEngine(t)
	wantErr := errors.New("upstream gateway unavailable")
	te.fakeGW.GenerateFunc = func(ctx context.Context, prompt string, provider enum.Provider, model string) (map[string]string, error) {
		return nil, wantErr
	}

	spec := seedRun(t, te.st, "run-genfail")
	te.eng.StartRun(spec)

	run := waitForStatus(t, te.st, "run-genfail", enum.RunStatusFailed, 2*time.Second)
	assert.Equal(t, enum.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "GenerationError")
}

func TestDrive_BuildFailureReleasesNoPort(t *testing.T) {
	te := newTestEngine(t)
	te.fakeEng.BuildExecFunc = func(ctx context.Context, runID, workspaceDir string, env []string) (*engine.BuildResult, error) {
		return &engine.BuildResult{ExitCode: 1, CombinedLog: "--- codearena: install ---\nok\n--- codearena: build ---\nsyntax error\n"}, nil
	}

	before := te.ports.UsedCount()
	spec := seedRun(t, te.st, "run-buildfail")
	te.eng.StartRun(spec)

	run := waitForStatus(t, te.st, "run-buildfail", enum.RunStatusFailed, 2*time.Second)
	assert.Equal(t, enum.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "BuildError")
	assert.Equal(t, before, te.ports.UsedCount(), "build failure happens before any port is allocated")
}

func TestDrive_HealthCheckNeverSucceedsFails(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	deadPort := portOf(t, dead.URL)
	dead.Close() // closed immediately: every dial fails

	te := newTestEngine(t)
	te.fakeEng.RunExecFunc = func(ctx context.Context, runID, workspaceDir string, env []string, internalPort, hostPort int) (*engine.Handle, error) {
		return &engine.Handle{ContainerID: "c-" + runID, HostPort: deadPort, InternalIP: "127.0.0.1"}, nil
	}

	restore := setHealthProbeParamsForTest(2*time.Millisecond, 3)
	defer restore()

	before := te.ports.UsedCount()
	spec := seedRun(t, te.st, "run-unhealthy")
	te.eng.StartRun(spec)

	run := waitForStatus(t, te.st, "run-unhealthy", enum.RunStatusFailed, 2*time.Second)
	assert.Equal(t, enum.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "HealthError")
	assert.Equal(t, before, te.ports.UsedCount(), "port must be released on health-check failure")
	assert.True(t, te.fakeEng.WasStopped("c-run-unhealthy"), "container must be stopped on health-check failure")
}

func TestKill_MidBuildStopsAndCleansUp(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	te := newTestEngine(t)
	te.fakeEng.BuildExecFunc = func(ctx context.Context, runID, workspaceDir string, env []string) (*engine.BuildResult, error) {
		close(started)
		<-release // ignores ctx: only Kill's own synchronous terminate() should resolve this run
		return &engine.BuildResult{ExitCode: 0, CombinedLog: "too late"}, nil
	}

	spec := seedRun(t, te.st, "run-killed")
	te.eng.StartRun(spec)

	<-started
	require.NoError(t, te.eng.Kill("run-killed"))

	run := waitForStatus(t, te.st, "run-killed", enum.RunStatusTerminated, 2*time.Second)
	assert.Equal(t, enum.RunStatusTerminated, run.Status)
	close(release) // let the blocked goroutine exit; its continuation is a no-op on a terminal run
}

func TestKill_IsIdempotentOnTerminalRun(t *testing.T) {
	te := newTestEngine(t)
	te.fakeGW.GenerateFunc = func(ctx context.Context, prompt string, provider enum.Provider, model string) (map[string]string, error) {
		return nil, errors.New("boom")
	}

	spec := seedRun(t, te.st, "run-already-failed")
	te.eng.StartRun(spec)
	waitForStatus(t, te.st, "run-already-failed", enum.RunStatusFailed, 2*time.Second)

	require.NoError(t, te.eng.Kill("run-already-failed"))
	require.NoError(t, te.eng.Kill("run-already-failed"))

	run, err := te.st.GetRun("run-already-failed")
	require.NoError(t, err)
	assert.Equal(t, enum.RunStatusFailed, run.Status, "killing a terminal run must not overwrite its terminal status")
}

func TestKill_UnknownRunReturnsNotFound(t *testing.T) {
	te := newTestEngine(t)
	err := te.eng.Kill("does-not-exist")
	require.Error(t, err)
	var nf *store.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestTransition_RejectsBackwardsMove(t *testing.T) {
	te := newTestEngine(t)
	spec := seedRun(t, te.st, "run-transition")

	now := time.Now()
	status := enum.RunStatusReady
	_, err := te.st.UpdateRun(spec.RunID, store.RunUpdate{Status: &status}, now)
	require.NoError(t, err)

	_, err = te.eng.transition(spec.RunID, enum.RunStatusGenerating, store.RunUpdate{})
	require.Error(t, err)
	var pf *store.PreconditionFailedError
	assert.ErrorAs(t, err, &pf)
}

func TestSplitBuildLog_FindsMarkers(t *testing.T) {
	combined := "--- codearena: install ---\nnpm install ok\n--- codearena: build ---\nnpm run build ok\n"
	install, build := splitBuildLog(combined)
	assert.Equal(t, "npm install ok", install)
	assert.Equal(t, "npm run build ok", build)
}

func TestSplitBuildLog_FallsBackWithoutMarkers(t *testing.T) {
	combined := "some unstructured log output"
	install, build := splitBuildLog(combined)
	assert.Equal(t, combined, install)
	assert.Equal(t, combined, build)
}

func TestWaitHealthy_CanceledContextReturnsPromptly(t *testing.T) {
	te := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	restore := setHealthProbeParamsForTest(50*time.Millisecond, 100)
	defer restore()

	done := make(chan error, 1)
	go func() {
		done <- te.eng.waitHealthy(ctx, "http://127.0.0.1:1")
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("waitHealthy did not observe context cancellation")
	}
}
