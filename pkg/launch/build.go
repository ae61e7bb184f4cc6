package launch

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrBuildFailed = errors.New("shared package build failed")

func (l *Launcher) SharedDir() string {
	return filepath.Join(l.opts.PackagesDir, l.opts.SharedPackage)
}

// BuildShared runs the shared package build to completion. A missing shared
// package is not an error.
func (l *Launcher) BuildShared(ctx context.Context) error {
	dir := l.SharedDir()
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		log.Warn().Str("dir", dir).Msg("shared package not found; skipping build")
		return nil
	}

	buildCtx, cancel := context.WithTimeout(ctx, l.opts.BuildTimeout)
	defer cancel()

	argv := l.opts.BuildCommand
	// #nosec G204 -- build command is static configuration.
	cmd := exec.CommandContext(buildCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	log.Info().Str("dir", dir).Strs("command", argv).Msg("building shared package")
	started := time.Now()
	err := cmd.Run()
	if err != nil {
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(ErrBuildFailed, "timed out after %s", l.opts.BuildTimeout)
		}
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "build shared package")
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return errors.Wrapf(ErrBuildFailed, "%v: %s", err, detail)
	}
	log.Info().Dur("took", time.Since(started)).Msg("shared package built")
	return nil
}
