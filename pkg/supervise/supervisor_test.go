package supervise

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/portalctl/pkg/events"
	"github.com/go-go-golems/portalctl/pkg/launch"
	"github.com/go-go-golems/portalctl/pkg/ports"
	"github.com/go-go-golems/portalctl/pkg/services"
	"github.com/go-go-golems/portalctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(_ string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		var env events.Envelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			return err
		}
		p.types = append(p.types, env.Type)
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.types...)
}

type fakeGuard struct {
	mu      sync.Mutex
	blocked map[int]bool
	checked []int
}

func (g *fakeGuard) EnsurePortFree(_ context.Context, port int, _ string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checked = append(g.checked, port)
	return !g.blocked[port]
}

type fixture struct {
	root     string
	registry *state.Registry
	out      *lockedBuffer
	env      map[string]string
	pub      *recordingPublisher
	opts     Options
}

func newFixture(t *testing.T, catalog services.Catalog) *fixture {
	t.Helper()
	f := &fixture{
		root:     t.TempDir(),
		registry: state.NewRegistry(),
		out:      &lockedBuffer{},
		env:      map[string]string{},
		pub:      &recordingPublisher{},
	}
	l := launch.New(launch.Options{
		RootDir:        f.root,
		SettleBackend:  150 * time.Millisecond,
		SettleFrontend: 150 * time.Millisecond,
		StopTimeout:    2 * time.Second,
		KillTimeout:    time.Second,
	}, f.registry)

	f.opts = Options{
		ConfigPath:  filepath.Join(f.root, "environments.json"),
		Environment: "development",
		Setenv: func(k, v string) error {
			f.env[k] = v
			return nil
		},
		Catalog:         catalog,
		Ports:           &fakeGuard{},
		Launcher:        l,
		Registry:        f.registry,
		PollInterval:    100 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
		KillTimeout:     time.Second,
		Emitter:         events.NewEmitter(f.pub),
		Out:             f.out,
	}
	t.Cleanup(func() {
		for _, p := range f.registry.Clear() {
			_, _ = p.Terminate(time.Second, time.Second)
		}
	})
	return f
}

func (f *fixture) mkdir(t *testing.T, parts ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(append([]string{f.root}, parts...)...), 0o755))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func sleeper(name string, port int) services.Spec {
	return services.Backend(name, port, name+".main:app", name).WithCommand("sleep", "30")
}

func TestRun_FirstFailureStopsSequence(t *testing.T) {
	f := newFixture(t, services.Catalog{
		Backends: []services.Spec{sleeper("missing", 18001), sleeper("second", 18002)},
	})
	f.mkdir(t, "second")
	f.opts.Selection = services.Selection{BackendOnly: true}

	outcome, err := New(f.opts).Run(context.Background())
	require.Equal(t, OutcomeStartupFailed, outcome)
	require.Equal(t, 1, outcome.ExitCode())
	require.True(t, errors.Is(err, launch.ErrServiceDirNotFound))
	require.Zero(t, f.registry.Len())

	_, statErr := os.Stat(filepath.Join(f.root, "second.log"))
	require.True(t, os.IsNotExist(statErr), "second service must never be launched")
	require.Contains(t, f.pub.Types(), events.TypeServiceStartFailed)
}

func TestShutdown_RunsOnce(t *testing.T) {
	f := newFixture(t, services.Catalog{
		Backends:  []services.Spec{sleeper("api", freePort(t))},
		Frontends: []services.Spec{services.Frontend("web", freePort(t)).WithCommand("sleep", "30")},
	})
	f.mkdir(t, "api")
	f.mkdir(t, "packages", "web")

	s := New(f.opts)
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, PhaseRunning, s.Phase())
	require.Equal(t, 2, f.registry.Len())
	procs := f.registry.List()

	first := s.Shutdown()
	require.False(t, first.Skipped)
	require.Len(t, first.Services, 2)
	require.Equal(t, "api", first.Services[0].Name)
	require.Equal(t, "web", first.Services[1].Name)
	for _, st := range first.Services {
		require.Equal(t, state.StopGraceful, st.Mode)
	}
	require.Empty(t, first.Failed())

	second := s.Shutdown()
	require.True(t, second.Skipped)
	require.Empty(t, second.Services)

	require.Zero(t, f.registry.Len())
	require.Equal(t, PhaseTerminated, s.Phase())
	for _, p := range procs {
		require.True(t, p.Exited())
	}

	stoppedEvents := 0
	for _, typ := range f.pub.Types() {
		if typ == events.TypeServiceStopped {
			stoppedEvents++
		}
	}
	require.Equal(t, 2, stoppedEvents)
}

func TestMonitor_ReportsSpontaneousExit(t *testing.T) {
	f := newFixture(t, services.Catalog{
		Backends: []services.Spec{
			services.Backend("crash", freePort(t), "crash.main:app", "crash").WithCommand("sh", "-c", "sleep 0.5; exit 7"),
			sleeper("steady", freePort(t)),
		},
	})
	f.mkdir(t, "crash")
	f.mkdir(t, "steady")
	f.opts.Selection = services.Selection{BackendOnly: true}

	s := New(f.opts)
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, 2, f.registry.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Monitor(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := f.registry.Get("crash")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
	require.Contains(t, f.out.String(), "Service 'crash' terminated unexpectedly (exit code 7)")

	steady, ok := f.registry.Get("steady")
	require.True(t, ok)
	require.False(t, steady.Exited())

	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not return after cancellation")
	}
	require.Contains(t, f.pub.Types(), events.TypeServiceExited)
	s.Shutdown()
}

func TestMonitor_EmptyRegistryEndsRun(t *testing.T) {
	f := newFixture(t, services.Catalog{
		Backends: []services.Spec{
			services.Backend("brief", freePort(t), "brief.main:app", "brief").WithCommand("sh", "-c", "sleep 0.4"),
		},
	})
	f.mkdir(t, "brief")
	f.opts.Selection = services.Selection{BackendOnly: true}

	outcome, err := New(f.opts).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	require.Equal(t, 0, outcome.ExitCode())
	require.Contains(t, f.out.String(), "All services stopped. Exiting.")
}

func TestRun_InterruptAfterStartup(t *testing.T) {
	backendPort, frontendPort := freePort(t), freePort(t)
	marks := t.TempDir()
	trapped := func(name string) []string {
		return []string{"sh", "-c", "trap 'echo term > " + filepath.Join(marks, name) + "; exit 0' TERM; while true; do sleep 0.1; done"}
	}
	f := newFixture(t, services.Catalog{
		Backends:  []services.Spec{services.Backend("api", backendPort, "api.main:app", "api").WithCommand(trapped("api")...)},
		Frontends: []services.Spec{services.Frontend("shared", 0), services.Frontend("web", frontendPort).WithCommand(trapped("web")...)},
	})
	f.mkdir(t, "api")
	f.mkdir(t, "packages", "web")

	// No environments.json: defaults apply.
	s := New(f.opts)
	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := s.Run(ctx)
		done <- result{o, err}
	}()

	require.Eventually(t, func() bool { return s.Phase() == PhaseRunning }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, 2, f.registry.Len())
	require.Empty(t, f.env, "missing config file publishes nothing")

	resolved := s.Resolved()
	require.Len(t, resolved, 2)
	require.Equal(t, backendPort, resolved[0].Port)
	require.Equal(t, frontendPort, resolved[1].Port)

	cancel()
	var res result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after interrupt")
	}
	require.NoError(t, res.err)
	require.Equal(t, OutcomeInterrupted, res.outcome)
	require.Equal(t, 0, res.outcome.ExitCode())
	require.Zero(t, f.registry.Len())

	for _, name := range []string{"api", "web"} {
		b, err := os.ReadFile(filepath.Join(marks, name))
		require.NoError(t, err, "%s should have received SIGTERM", name)
		require.Equal(t, "term\n", string(b))
	}
}

func TestRun_PortBusyNonInteractive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	f := newFixture(t, services.Catalog{Backends: []services.Spec{sleeper("api", port)}})
	f.mkdir(t, "api")
	f.opts.Ports = ports.NewProber(&ports.TTYPrompter{})

	outcome, err := New(f.opts).Run(context.Background())
	require.Equal(t, OutcomeStartupFailed, outcome)
	require.Equal(t, 1, outcome.ExitCode())
	require.True(t, errors.Is(err, ports.ErrPortInUse))
	require.Zero(t, f.registry.Len())

	_, statErr := os.Stat(filepath.Join(f.root, "api.log"))
	require.True(t, os.IsNotExist(statErr))
}

func TestRun_FrontendPortsCheckedBeforeAnyLaunch(t *testing.T) {
	free, busy := freePort(t), freePort(t)
	f := newFixture(t, services.Catalog{
		Frontends: []services.Spec{
			services.Frontend("shared", 0),
			services.Frontend("first", free).WithCommand("sleep", "30"),
			services.Frontend("second", busy).WithCommand("sleep", "30"),
		},
	})
	f.mkdir(t, "packages", "first")
	f.mkdir(t, "packages", "second")
	guard := &fakeGuard{blocked: map[int]bool{busy: true}}
	f.opts.Ports = guard
	f.opts.Selection = services.Selection{FrontendOnly: true}

	outcome, err := New(f.opts).Run(context.Background())
	require.Equal(t, OutcomeStartupFailed, outcome)
	require.True(t, errors.Is(err, ports.ErrPortInUse))
	require.Equal(t, []int{free, busy}, guard.checked)

	_, statErr := os.Stat(filepath.Join(f.root, "first_vite.log"))
	require.True(t, os.IsNotExist(statErr), "no frontend may start before all ports are checked")
}

func TestRun_BuildFailureAbortsFrontends(t *testing.T) {
	f := newFixture(t, services.Catalog{
		Frontends: []services.Spec{services.Frontend("shared", 0), services.Frontend("web", freePort(t)).WithCommand("sleep", "30")},
	})
	f.mkdir(t, "packages", "shared")
	f.mkdir(t, "packages", "web")
	f.opts.Launcher = launch.New(launch.Options{
		RootDir:      f.root,
		BuildCommand: []string{"sh", "-c", "exit 1"},
	}, f.registry)

	outcome, err := New(f.opts).Run(context.Background())
	require.Equal(t, OutcomeStartupFailed, outcome)
	require.True(t, errors.Is(err, launch.ErrBuildFailed))
	require.Zero(t, f.registry.Len())
}

func TestRun_ConflictingModes(t *testing.T) {
	f := newFixture(t, services.DefaultCatalog())
	f.opts.Selection = services.Selection{BackendOnly: true, FrontendOnly: true}

	s := New(f.opts)
	outcome, err := s.Run(context.Background())
	require.True(t, errors.Is(err, services.ErrConflictingModes))
	require.Equal(t, 1, outcome.ExitCode())
	require.Equal(t, PhaseIdle, s.Phase())
	require.Empty(t, f.pub.Types())
}

func TestRun_MalformedConfigAborts(t *testing.T) {
	f := newFixture(t, services.Catalog{Backends: []services.Spec{sleeper("api", freePort(t))}})
	f.mkdir(t, "api")
	require.NoError(t, os.WriteFile(f.opts.ConfigPath, []byte("{not json"), 0o644))

	outcome, err := New(f.opts).Run(context.Background())
	require.Error(t, err)
	require.Equal(t, OutcomeStartupFailed, outcome)
	require.Zero(t, f.registry.Len())
}

func TestRun_InterruptDuringStartup(t *testing.T) {
	f := newFixture(t, services.Catalog{Backends: []services.Spec{sleeper("api", freePort(t))}})
	f.mkdir(t, "api")
	f.opts.Launcher = launch.New(launch.Options{RootDir: f.root, SettleBackend: 10 * time.Second}, f.registry)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	started := time.Now()
	outcome, err := New(f.opts).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeInterrupted, outcome)
	require.Less(t, time.Since(started), 8*time.Second)
	require.Zero(t, f.registry.Len())
}

func TestStart_ConfigPortsAndSelection(t *testing.T) {
	apiPort, webPort := freePort(t), freePort(t)
	f := newFixture(t, services.Catalog{
		Backends: []services.Spec{
			services.Backend("api", 1, "api.main:app", "prefs_service").WithCommand("sleep", "30").WithHealthPath("/health"),
		},
		Frontends: []services.Spec{
			services.Frontend("shared", 0),
			services.Frontend("web", 2).WithCommand("sleep", "30").AsPrimary(),
			services.Frontend("other", 3).WithCommand("sleep", "30"),
		},
	})
	f.mkdir(t, "api")
	f.mkdir(t, "packages", "web")
	cfg := `{"development": {
		"prefs_service": {"url": "http://localhost:` + strconv.Itoa(apiPort) + `"},
		"web": {"url": "http://localhost:` + strconv.Itoa(webPort) + `/"}
	}}`
	require.NoError(t, os.WriteFile(f.opts.ConfigPath, []byte(cfg), 0o644))
	f.opts.Selection = services.Selection{Frontends: []string{"web", "nope"}}

	s := New(f.opts)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	names := []string{}
	for _, p := range f.registry.List() {
		names = append(names, p.Name)
		require.NotZero(t, p.PID)
	}
	require.Equal(t, []string{"api", "web"}, names)
	require.Equal(t, "http://localhost:"+strconv.Itoa(apiPort), f.env["VITE_PREFS_SERVICE_URL"])

	out := f.out.String()
	require.Contains(t, out, "Portal: http://localhost:"+strconv.Itoa(webPort))
	require.Contains(t, out, "API Health: http://localhost:"+strconv.Itoa(apiPort)+"/health")
	require.Contains(t, out, filepath.Join(f.root, "web_vite.log"))

	types := f.pub.Types()
	require.Equal(t, events.TypePhaseChanged, types[0])
	require.Contains(t, types, events.TypeServiceStarted)
}
