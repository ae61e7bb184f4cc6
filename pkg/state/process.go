package state

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// ExitStatus describes how a managed process ended.
type ExitStatus struct {
	Code     int       `json:"exit_code"`
	Signal   string    `json:"signal,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitedAt time.Time `json:"exited_at"`
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("signal %s", e.Signal)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// ManagedProcess is a spawned child heading its own process group.
type ManagedProcess struct {
	Name      string
	PID       int
	PGID      int
	Port      int
	Command   []string
	LogPath   string
	StartedAt time.Time

	done chan struct{}
	exit ExitStatus
}

// Spawn starts cmd in a new process group and reaps it in the background.
// The caller keeps ownership of any files attached to cmd.
func Spawn(name string, cmd *exec.Cmd, logPath string, port int) (*ManagedProcess, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", name)
	}

	p := &ManagedProcess{
		Name:      name,
		PID:       cmd.Process.Pid,
		Port:      port,
		Command:   append([]string{}, cmd.Args...),
		LogPath:   logPath,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	// With Setpgid and Pgid 0 the child's group id is its pid.
	p.PGID = p.PID
	if pgid, err := syscall.Getpgid(p.PID); err == nil {
		p.PGID = pgid
	}

	go func() {
		p.exit = exitStatusFrom(cmd.Wait())
		close(p.done)
	}()
	return p, nil
}

func exitStatusFrom(waitErr error) ExitStatus {
	st := ExitStatus{ExitedAt: time.Now()}
	if waitErr == nil {
		return st
	}
	st.Error = waitErr.Error()
	st.Code = -1
	var ee *exec.ExitError
	if stderrors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				st.Signal = ws.Signal().String()
			}
			if ws.Exited() {
				st.Code = ws.ExitStatus()
			}
		}
	}
	return st
}

func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

func (p *ManagedProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitStatus is only meaningful once Exited reports true.
func (p *ManagedProcess) ExitStatus() (ExitStatus, bool) {
	if !p.Exited() {
		return ExitStatus{}, false
	}
	return p.exit, true
}

// SignalGroup delivers sig to the whole process group, falling back to the
// leader alone if the group is gone.
func (p *ManagedProcess) SignalGroup(sig syscall.Signal) error {
	if p.PGID > 0 {
		if err := syscall.Kill(-p.PGID, sig); err == nil {
			return nil
		}
	}
	if err := syscall.Kill(p.PID, sig); err != nil {
		if stderrors.Is(err, syscall.ESRCH) {
			return nil
		}
		return errors.Wrapf(err, "signal %s", p.Name)
	}
	return nil
}

// KillGroup sends SIGKILL to whatever is left of the process group. Unlike
// SignalGroup it never targets the leader pid, which may already be reused.
func (p *ManagedProcess) KillGroup() {
	if p.PGID > 0 {
		_ = syscall.Kill(-p.PGID, syscall.SIGKILL)
	}
}

// WaitExit blocks until the process exits or timeout elapses.
func (p *ManagedProcess) WaitExit(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

type StopMode string

const (
	StopAlreadyExited StopMode = "already-exited"
	StopGraceful      StopMode = "graceful"
	StopForced        StopMode = "forced"
	StopFailed        StopMode = "failed"
)

// Terminate sends SIGTERM to the group, waits up to grace, then escalates to
// SIGKILL and waits up to killWait.
func (p *ManagedProcess) Terminate(grace, killWait time.Duration) (StopMode, error) {
	if p.Exited() {
		return StopAlreadyExited, nil
	}
	termErr := p.SignalGroup(syscall.SIGTERM)
	if termErr == nil && p.WaitExit(grace) {
		return StopGraceful, nil
	}

	if err := p.SignalGroup(syscall.SIGKILL); err != nil {
		return StopFailed, err
	}
	if p.WaitExit(killWait) {
		return StopForced, nil
	}
	return StopFailed, errors.Errorf("failed to stop %s (pid %d)", p.Name, p.PID)
}

// ProcessAlive reports whether pid exists and is not a zombie.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if stderrors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}

func isZombie(pid int) bool {
	path := fmt.Sprintf("/proc/%d/stat", pid)
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	// Format: pid (comm) state ...
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return false
	}
	fields := bytes.Fields(bytes.TrimSpace(b[i+1:]))
	if len(fields) < 1 || len(fields[0]) < 1 {
		return false
	}
	return fields[0][0] == 'Z'
}
