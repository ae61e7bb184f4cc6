package launch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/portalctl/pkg/services"
	"github.com/go-go-golems/portalctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrServiceDirNotFound = errors.New("service directory not found")
	ErrProcessExited      = errors.New("process exited during startup")
	ErrNotReady           = errors.New("service did not become ready")
)

var (
	DefaultBackendCommand  = []string{"{python}", "-m", "uvicorn", "{target}", "--host", "0.0.0.0", "--port", "{port}", "--reload"}
	DefaultFrontendCommand = []string{"npx", "vite", "--port", "{port}", "--strictPort"}
)

type Options struct {
	RootDir     string
	PackagesDir string // defaults to <RootDir>/packages
	Python      string

	BackendCommand  []string
	FrontendCommand []string

	SettleBackend  time.Duration
	SettleFrontend time.Duration

	// WaitReady additionally waits for a TCP listener on the service port
	// after the settle interval.
	WaitReady    bool
	ReadyTimeout time.Duration

	SharedPackage string
	BuildCommand  []string
	BuildTimeout  time.Duration

	// Used when a spawned process must be torn down before registration.
	StopTimeout time.Duration
	KillTimeout time.Duration
}

type Launcher struct {
	opts     Options
	registry *state.Registry
}

func New(opts Options, registry *state.Registry) *Launcher {
	if opts.PackagesDir == "" {
		opts.PackagesDir = filepath.Join(opts.RootDir, "packages")
	}
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if len(opts.BackendCommand) == 0 {
		opts.BackendCommand = DefaultBackendCommand
	}
	if len(opts.FrontendCommand) == 0 {
		opts.FrontendCommand = DefaultFrontendCommand
	}
	if opts.SettleBackend <= 0 {
		opts.SettleBackend = 3 * time.Second
	}
	if opts.SettleFrontend <= 0 {
		opts.SettleFrontend = 4 * time.Second
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.SharedPackage == "" {
		opts.SharedPackage = "shared"
	}
	if len(opts.BuildCommand) == 0 {
		opts.BuildCommand = []string{"npm", "run", "build"}
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 120 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 2 * time.Second
	}
	return &Launcher{opts: opts, registry: registry}
}

func (l *Launcher) ServiceDir(spec services.Spec) string {
	if spec.Kind == services.KindBackend {
		return filepath.Join(l.opts.RootDir, spec.Name)
	}
	return filepath.Join(l.opts.PackagesDir, spec.Name)
}

// LogPath is deterministic per service; the file is truncated on every start.
func (l *Launcher) LogPath(spec services.Spec) string {
	if spec.Kind == services.KindBackend {
		return filepath.Join(l.opts.RootDir, spec.Name+".log")
	}
	return filepath.Join(l.opts.RootDir, spec.Name+"_vite.log")
}

func (l *Launcher) CommandFor(spec services.Spec, port int) []string {
	tmpl := spec.Command
	if len(tmpl) == 0 {
		if spec.Kind == services.KindBackend {
			tmpl = l.opts.BackendCommand
		} else {
			tmpl = l.opts.FrontendCommand
		}
	}
	r := strings.NewReplacer(
		"{python}", l.opts.Python,
		"{target}", spec.Target,
		"{port}", strconv.Itoa(port),
		"{name}", spec.Name,
	)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}
	return out
}

// EnvFor returns the variables added on top of the inherited environment.
func (l *Launcher) EnvFor(spec services.Spec, port int) map[string]string {
	if spec.Kind != services.KindBackend {
		return nil
	}
	pythonPath := l.opts.RootDir
	if old := os.Getenv("PYTHONPATH"); old != "" {
		pythonPath += string(os.PathListSeparator) + old
	}
	return map[string]string{
		"PYTHONPATH": pythonPath,
		"PORT":       strconv.Itoa(port),
	}
}

func (l *Launcher) StartBackend(ctx context.Context, spec services.Spec, port int) error {
	return l.start(ctx, spec, port, l.opts.RootDir, l.opts.SettleBackend)
}

// StartFrontend launches the dev server for spec. A zero port means the
// package is build-only and nothing is spawned.
func (l *Launcher) StartFrontend(ctx context.Context, spec services.Spec, port int) error {
	if port == 0 {
		return nil
	}
	return l.start(ctx, spec, port, l.ServiceDir(spec), l.opts.SettleFrontend)
}

func (l *Launcher) start(ctx context.Context, spec services.Spec, port int, cwd string, settle time.Duration) error {
	dir := l.ServiceDir(spec)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return errors.Wrapf(ErrServiceDirNotFound, "%s: %s", spec.Name, dir)
	}

	logPath := l.LogPath(spec)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open service log")
	}
	defer func() { _ = logFile.Close() }()

	argv := l.CommandFor(spec, port)
	// Not CommandContext: once spawned, the process belongs to the shutdown path.
	// #nosec G204 -- command comes from the static service catalog.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), l.EnvFor(spec, port))
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	log.Info().Str("service", spec.Name).Int("port", port).Strs("command", argv).Msg("starting service")
	proc, err := state.Spawn(spec.Name, cmd, logPath, port)
	if err != nil {
		return err
	}

	if err := l.settle(ctx, proc, settle); err != nil {
		l.discard(proc)
		return err
	}
	if proc.Exited() {
		proc.KillGroup()
		return exitedError(proc)
	}

	if l.opts.WaitReady && port > 0 {
		readyCtx, cancel := context.WithTimeout(ctx, l.opts.ReadyTimeout)
		err := waitTCP(readyCtx, proc, "127.0.0.1:"+strconv.Itoa(port))
		cancel()
		if err != nil {
			// Decide before discard, which always leaves the process exited.
			if proc.Exited() {
				proc.KillGroup()
				return exitedError(proc)
			}
			l.discard(proc)
			if ctx.Err() != nil {
				return errors.Wrapf(ctx.Err(), "starting %s", spec.Name)
			}
			return errors.Wrapf(ErrNotReady, "%s: %v", spec.Name, err)
		}
	}

	if err := l.registry.Register(proc); err != nil {
		l.discard(proc)
		return err
	}
	log.Info().Str("service", spec.Name).Int("pid", proc.PID).Int("port", port).Str("log", logPath).Msg("service started")
	return nil
}

// settle waits the fixed settle interval, returning early if the process
// exits. Cancellation aborts the wait.
func (l *Launcher) settle(ctx context.Context, proc *state.ManagedProcess, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "starting %s", proc.Name)
	case <-proc.Done():
		return nil
	case <-t.C:
		return nil
	}
}

func (l *Launcher) discard(proc *state.ManagedProcess) {
	if _, err := proc.Terminate(l.opts.StopTimeout, l.opts.KillTimeout); err != nil {
		log.Error().Err(err).Str("service", proc.Name).Int("pid", proc.PID).Msg("failed to stop unregistered process")
	}
}

func exitedError(proc *state.ManagedProcess) error {
	st, _ := proc.ExitStatus()
	msg := proc.Name + " (" + st.String() + "); check " + proc.LogPath
	if lines, err := state.TailLines(proc.LogPath, 10, 64<<10); err == nil && len(lines) > 0 {
		msg += "\n" + strings.Join(lines, "\n")
	}
	return errors.Wrap(ErrProcessExited, msg)
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
