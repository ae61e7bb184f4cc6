// Package supervise drives one portalctl run: config, ordered startup,
// liveness monitoring and the shutdown sequence.
package supervise

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/portalctl/pkg/config"
	"github.com/go-go-golems/portalctl/pkg/events"
	"github.com/go-go-golems/portalctl/pkg/metrics"
	"github.com/go-go-golems/portalctl/pkg/ports"
	"github.com/go-go-golems/portalctl/pkg/report"
	"github.com/go-go-golems/portalctl/pkg/services"
	"github.com/go-go-golems/portalctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultKillTimeout     = 2 * time.Second
)

// PortGuard makes sure a port can be bound before a service is launched.
type PortGuard interface {
	EnsurePortFree(ctx context.Context, port int, serviceName string) bool
}

// ServiceLauncher spawns services into the registry shared with the Supervisor.
type ServiceLauncher interface {
	StartBackend(ctx context.Context, spec services.Spec, port int) error
	StartFrontend(ctx context.Context, spec services.Spec, port int) error
	BuildShared(ctx context.Context) error
}

type Options struct {
	ConfigPath  string
	Environment string
	// Setenv is handed to the config loader. Nil means os.Setenv.
	Setenv func(key, value string) error

	Catalog   services.Catalog
	Selection services.Selection

	Ports    PortGuard
	Launcher ServiceLauncher
	// Registry must be the one Launcher registers into.
	Registry *state.Registry

	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	KillTimeout     time.Duration

	Emitter *events.Emitter
	Metrics *metrics.Collector
	Out     io.Writer
}

// Resolved pairs a service with the port chosen for this run.
type Resolved struct {
	Spec services.Spec
	Port int
}

type Supervisor struct {
	opts     Options
	registry *state.Registry
	out      *report.Printer

	phase        atomic.Int32
	shuttingDown atomic.Bool
	outcome      Outcome

	env      *config.Environment
	resolved []Resolved
}

func New(opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	if opts.Environment == "" {
		opts.Environment = config.DefaultEnvironmentName()
	}
	if opts.Registry == nil {
		opts.Registry = state.NewRegistry()
	}
	return &Supervisor{
		opts:     opts,
		registry: opts.Registry,
		out:      report.New(opts.Out),
	}
}

func (s *Supervisor) Phase() Phase { return Phase(s.phase.Load()) }

// Resolved returns the ports chosen so far, in start order.
func (s *Supervisor) Resolved() []Resolved {
	return append([]Resolved{}, s.resolved...)
}

func (s *Supervisor) setPhase(to Phase) {
	from := Phase(s.phase.Swap(int32(to)))
	if from == to {
		return
	}
	log.Debug().Str("phase", to.String()).Str("from", from.String()).Msg("phase changed")
	s.opts.Emitter.Emit(events.TypePhaseChanged, events.PhaseChanged{From: from.String(), To: to.String()})
	s.opts.Metrics.PhaseTransition(from.String(), to.String())
}

// Run executes a whole run and always leaves the registry empty. The error
// is non-nil only for OutcomeStartupFailed.
func (s *Supervisor) Run(ctx context.Context) (Outcome, error) {
	if err := s.opts.Selection.Validate(); err != nil {
		s.out.Error("%v", err)
		return OutcomeStartupFailed, err
	}

	if err := s.Start(ctx); err != nil {
		if ctx.Err() != nil {
			s.outcome = OutcomeInterrupted
			log.Info().Err(err).Msg("startup interrupted")
			s.out.Warn("Startup interrupted. Cleaning up...")
			s.Shutdown()
			return OutcomeInterrupted, nil
		}
		s.outcome = OutcomeStartupFailed
		log.Error().Err(err).Msg("startup failed")
		s.out.Error("Startup failed: %v", err)
		s.out.Error("Cleaning up...")
		s.Shutdown()
		return OutcomeStartupFailed, err
	}

	if err := s.Monitor(ctx); err != nil && ctx.Err() != nil {
		s.outcome = OutcomeInterrupted
		s.out.Info("\nInterrupt received.")
	} else {
		s.outcome = OutcomeCompleted
	}
	s.Shutdown()
	return s.outcome, nil
}

// Start loads config and launches every selected service. The first failure
// aborts the sequence; already started services stay registered for Shutdown.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.opts.Selection.Validate(); err != nil {
		return err
	}
	if s.opts.Launcher == nil {
		return errors.New("supervisor has no launcher")
	}

	s.out.Header("Starting portal")
	s.out.Info("Environment: %s", s.opts.Environment)

	s.setPhase(PhaseLoadingConfig)
	loader := &config.Loader{Path: s.opts.ConfigPath, Setenv: s.opts.Setenv}
	env, err := loader.Load(s.opts.Environment)
	if err != nil {
		return errors.Wrap(err, "load environment config")
	}
	s.env = env

	if s.opts.Selection.StartBackends() {
		s.setPhase(PhaseStartingBackends)
		s.out.Header("Backend services")
		if err := s.startBackends(ctx); err != nil {
			return err
		}
	}

	if s.opts.Selection.StartFrontends() {
		s.setPhase(PhaseStartingFrontends)
		s.out.Header("Frontend services")
		if err := s.startFrontends(ctx); err != nil {
			return err
		}
	}

	s.setPhase(PhaseRunning)
	s.printSummary()
	return nil
}

func (s *Supervisor) startBackends(ctx context.Context) error {
	for _, r := range Resolve(s.env, s.opts.Catalog.Backends) {
		s.resolved = append(s.resolved, r)
		if err := s.ensurePort(ctx, r); err != nil {
			return err
		}
		if err := s.launch(ctx, r, s.opts.Launcher.StartBackend); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) startFrontends(ctx context.Context) error {
	s.out.Info("Building shared package...")
	if err := s.opts.Launcher.BuildShared(ctx); err != nil {
		s.out.Error("Failed to build shared package. Cannot start frontends.")
		return err
	}

	selected := Resolve(s.env, s.opts.Selection.SelectFrontends(s.opts.Catalog))
	// Every port is checked before any dev server is spawned.
	for _, r := range selected {
		if r.Port == 0 {
			continue
		}
		s.resolved = append(s.resolved, r)
		if err := s.ensurePort(ctx, r); err != nil {
			return err
		}
	}
	for _, r := range selected {
		if err := s.launch(ctx, r, s.opts.Launcher.StartFrontend); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) ensurePort(ctx context.Context, r Resolved) error {
	if s.opts.Ports == nil || r.Port == 0 {
		return nil
	}
	s.out.Info("Checking port %d for service %s...", r.Port, r.Spec.Name)
	if s.opts.Ports.EnsurePortFree(ctx, r.Port, r.Spec.Name) {
		s.out.Success("Port %d is available", r.Port)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := errors.Wrapf(ports.ErrPortInUse, "%s: port %d", r.Spec.Name, r.Port)
	s.out.Error("Port %d is in use and was not freed", r.Port)
	s.opts.Emitter.Emit(events.TypeServiceStartFailed, events.ServiceStartFailed{Name: r.Spec.Name, Port: r.Port, Error: err.Error()})
	s.opts.Metrics.ServiceStart(r.Spec.Name, err)
	return err
}

type startFunc func(ctx context.Context, spec services.Spec, port int) error

func (s *Supervisor) launch(ctx context.Context, r Resolved, start startFunc) error {
	name := r.Spec.Name
	if r.Port == 0 {
		log.Debug().Str("service", name).Msg("build-only package, no server")
		return nil
	}

	s.out.Info("Starting %s on port %d...", name, r.Port)
	err := start(ctx, r.Spec, r.Port)
	s.opts.Metrics.ServiceStart(name, err)
	if err != nil {
		s.out.Error("Failed to start %s", name)
		s.opts.Emitter.Emit(events.TypeServiceStartFailed, events.ServiceStartFailed{Name: name, Port: r.Port, Error: err.Error()})
		return err
	}

	p, ok := s.registry.Get(name)
	if !ok {
		return errors.Errorf("%s started but is not registered", name)
	}
	s.out.Success("%s started (PID %d)", name, p.PID)
	s.opts.Emitter.Emit(events.TypeServiceStarted, events.ServiceStarted{Name: name, PID: p.PID, Port: r.Port, LogPath: p.LogPath})
	s.opts.Metrics.Running(s.registry.Len())
	return nil
}

// Resolve picks the port for each spec from env, falling back to the spec's
// default. Build-only specs keep port 0.
func Resolve(env *config.Environment, specs []services.Spec) []Resolved {
	out := make([]Resolved, 0, len(specs))
	for _, spec := range specs {
		port := 0
		if !spec.BuildOnly() {
			port = env.ResolvePort(spec.ConfigKey, spec.DefaultPort)
		}
		out = append(out, Resolved{Spec: spec, Port: port})
	}
	return out
}

func (s *Supervisor) printSummary() {
	s.out.Header("Portal running")

	var lines []report.ServiceLine
	var links []report.Link
	for _, r := range s.resolved {
		p, ok := s.registry.Get(r.Spec.Name)
		if !ok {
			continue
		}
		url := fmt.Sprintf("http://localhost:%d", r.Port)
		lines = append(lines, report.ServiceLine{
			Name:        r.Spec.Name,
			URL:         url,
			Description: r.Spec.Description,
			LogPath:     p.LogPath,
		})
		if r.Spec.Primary {
			links = append(links, report.Link{Label: "Portal", URL: url})
		}
		if r.Spec.HealthPath != "" {
			links = append(links, report.Link{Label: "API Health", URL: url + r.Spec.HealthPath})
		}
	}
	s.out.Summary(lines, links)
}

// Monitor polls the registry every PollInterval, removing and reporting
// processes that exited. It returns nil once the registry is empty and the
// context error as soon as ctx is done.
func (s *Supervisor) Monitor(ctx context.Context) error {
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.reap()
		if s.registry.Len() == 0 {
			s.out.Warn("All services stopped. Exiting.")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Supervisor) reap() {
	for _, p := range s.registry.List() {
		if !p.Exited() {
			continue
		}
		s.registry.Remove(p.Name)
		st, _ := p.ExitStatus()
		log.Warn().Str("service", p.Name).Int("pid", p.PID).Int("exit_code", st.Code).Str("signal", st.Signal).Msg("service terminated unexpectedly")
		s.out.Error("Service '%s' terminated unexpectedly (%s)", p.Name, st)
		s.opts.Emitter.Emit(events.TypeServiceExited, events.ServiceExited{Name: p.Name, PID: p.PID, ExitCode: st.Code, Signal: st.Signal})
		s.opts.Metrics.UnexpectedExit(p.Name)
		s.opts.Metrics.Running(s.registry.Len())
	}
}

type StoppedService struct {
	Name     string
	PID      int
	Mode     state.StopMode
	Duration time.Duration
	Err      error
}

type ShutdownReport struct {
	Reason Outcome
	// Skipped is set when another call already ran the sequence.
	Skipped  bool
	Services []StoppedService
}

func (r ShutdownReport) Failed() []string {
	var out []string
	for _, s := range r.Services {
		if s.Mode == state.StopFailed {
			out = append(out, s.Name)
		}
	}
	return out
}

// Shutdown stops every registered process in registration order and clears
// the registry. Only the first call does any work.
func (s *Supervisor) Shutdown() ShutdownReport {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return ShutdownReport{Reason: s.outcome, Skipped: true}
	}
	s.setPhase(PhaseShuttingDown)
	rep := ShutdownReport{Reason: s.outcome}

	procs := s.registry.List()
	if len(procs) > 0 {
		s.out.Header("Shutting down")
	}
	for _, p := range procs {
		rep.Services = append(rep.Services, s.stop(p))
	}
	s.registry.Clear()
	s.opts.Metrics.Running(0)

	stopped := []string{}
	for _, st := range rep.Services {
		if st.Mode != state.StopFailed {
			stopped = append(stopped, st.Name)
		}
	}
	s.opts.Emitter.Emit(events.TypeShutdownCompleted, events.ShutdownCompleted{
		Reason:  rep.Reason.String(),
		Stopped: stopped,
		Failed:  rep.Failed(),
	})
	if len(procs) > 0 {
		s.out.Success("All services stopped.")
	}
	s.setPhase(PhaseTerminated)
	return rep
}

func (s *Supervisor) stop(p *state.ManagedProcess) StoppedService {
	l := log.With().Str("service", p.Name).Int("pid", p.PID).Logger()
	if !p.Exited() {
		s.out.Info("Stopping %s (PID %d)...", p.Name, p.PID)
	}

	started := time.Now()
	mode, err := p.Terminate(s.opts.ShutdownTimeout, s.opts.KillTimeout)
	res := StoppedService{Name: p.Name, PID: p.PID, Mode: mode, Duration: time.Since(started), Err: err}

	switch mode {
	case state.StopForced:
		l.Warn().Msg("service ignored SIGTERM, killed")
		s.out.Warn("%s did not stop gracefully, killed", p.Name)
	case state.StopFailed:
		l.Error().Err(err).Msg("failed to stop service")
		s.out.Error("Failed to stop %s: %v", p.Name, err)
	default:
		l.Info().Str("mode", string(mode)).Msg("service stopped")
	}

	ev := events.ServiceStopped{Name: p.Name, PID: p.PID, Mode: string(mode)}
	if err != nil {
		ev.Error = err.Error()
	}
	s.opts.Emitter.Emit(events.TypeServiceStopped, ev)
	s.opts.Metrics.Termination(p.Name, string(mode), res.Duration)
	return res
}
