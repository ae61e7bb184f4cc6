// Package ports probes local TCP ports and, with explicit confirmation,
// frees them by killing the processes listening on them.
package ports

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrPortInUse is returned by callers that turn a failed EnsurePortFree into an error.
var ErrPortInUse = errors.New("port in use")

const DefaultRecheckDelay = 2 * time.Second

// IsPortInUse reports whether binding 127.0.0.1:port fails. Port 0 is the
// "no server" sentinel and is never probed.
func IsPortInUse(port int) bool {
	if port == 0 {
		return false
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

// Owner is a process listening on a probed port.
type Owner struct {
	PID  int32  `json:"pid"`
	Name string `json:"name,omitempty"`
}

// Prompter asks the operator for confirmation before a destructive action.
// Confirm must return once ctx is done, answered or not.
type Prompter interface {
	Interactive() bool
	Confirm(ctx context.Context, question string) (bool, error)
}

type Prober struct {
	Prompter     Prompter
	RecheckDelay time.Duration

	ListOwners func(ctx context.Context, port int) ([]Owner, error)
	KillOwner  func(ctx context.Context, owner Owner) error
}

func NewProber(p Prompter) *Prober {
	return &Prober{
		Prompter:     p,
		RecheckDelay: DefaultRecheckDelay,
		ListOwners:   ListOwners,
		KillOwner:    KillOwner,
	}
}

// EnsurePortFree returns true when the port is free, possibly after killing
// its owners. Owners are only killed in an interactive session after the
// operator confirms; otherwise an occupied port yields false.
func (p *Prober) EnsurePortFree(ctx context.Context, port int, serviceName string) bool {
	if port == 0 {
		return true
	}
	l := log.With().Str("service", serviceName).Int("port", port).Logger()

	l.Debug().Msg("checking port")
	if !IsPortInUse(port) {
		l.Info().Msg("port is free")
		return true
	}
	l.Warn().Msg("port is in use")

	if p.Prompter == nil || !p.Prompter.Interactive() {
		l.Warn().Msg("not interactive; refusing to kill the process holding the port")
		return false
	}
	ok, err := p.Prompter.Confirm(ctx, fmt.Sprintf("Kill process using port %d?", port))
	if err != nil {
		l.Warn().Err(err).Msg("confirmation failed")
		return false
	}
	if !ok {
		return false
	}

	if err := p.killOwners(ctx, port); err != nil {
		l.Error().Err(err).Msg("failed to kill process on port")
		return false
	}

	delay := p.RecheckDelay
	if delay <= 0 {
		delay = DefaultRecheckDelay
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}

	if IsPortInUse(port) {
		l.Error().Msg("failed to free port")
		return false
	}
	l.Info().Msg("port is now free")
	return true
}

func (p *Prober) killOwners(ctx context.Context, port int) error {
	list := p.ListOwners
	if list == nil {
		list = ListOwners
	}
	kill := p.KillOwner
	if kill == nil {
		kill = KillOwner
	}

	owners, err := list(ctx, port)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return errors.Errorf("no owning process found for port %d", port)
	}
	var lastErr error
	for _, o := range owners {
		log.Info().Int32("pid", o.PID).Str("name", o.Name).Int("port", port).Msg("killing process holding port")
		if err := kill(ctx, o); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// ListOwners returns the processes with a TCP listener on port, excluding
// the current process.
func ListOwners(ctx context.Context, port int) ([]Owner, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, errors.Wrap(err, "list tcp connections")
	}
	self := int32(os.Getpid())
	seen := map[int32]struct{}{}
	var out []Owner
	for _, c := range conns {
		if c.Laddr.Port != uint32(port) || c.Status != "LISTEN" {
			continue
		}
		if c.Pid <= 0 || c.Pid == self {
			continue
		}
		if _, ok := seen[c.Pid]; ok {
			continue
		}
		seen[c.Pid] = struct{}{}
		o := Owner{PID: c.Pid}
		if proc, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
			o.Name, _ = proc.NameWithContext(ctx)
		}
		out = append(out, o)
	}
	return out, nil
}

func KillOwner(ctx context.Context, o Owner) error {
	proc, err := process.NewProcessWithContext(ctx, o.PID)
	if err != nil {
		return errors.Wrapf(err, "lookup pid %d", o.PID)
	}
	if err := proc.KillWithContext(ctx); err != nil {
		return errors.Wrapf(err, "kill pid %d", o.PID)
	}
	return nil
}

// TTYPrompter prompts on a terminal. It is interactive only when In is a TTY.
type TTYPrompter struct {
	In  *os.File
	Out io.Writer
}

func NewTTYPrompter() *TTYPrompter {
	return &TTYPrompter{In: os.Stdin, Out: os.Stderr}
}

func (p *TTYPrompter) Interactive() bool {
	if p.In == nil {
		return false
	}
	fd := p.In.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (p *TTYPrompter) Confirm(ctx context.Context, question string) (bool, error) {
	return confirm(ctx, p.In, p.Out, question)
}

// AutoPrompter answers every question with Answer, without reading input.
type AutoPrompter struct {
	Answer bool
}

func (a AutoPrompter) Interactive() bool                             { return true }
func (a AutoPrompter) Confirm(context.Context, string) (bool, error) { return a.Answer, nil }

// confirm reads one line from in. A cancelled ctx abandons the read; the
// reader goroutine stays blocked until input arrives or in is closed.
func confirm(ctx context.Context, in io.Reader, out io.Writer, question string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.Wrap(err, "confirm")
	}
	if out != nil {
		_, _ = fmt.Fprintf(out, "%s (y/n) ", question)
	}

	type reply struct {
		line string
		err  error
	}
	replies := make(chan reply, 1)
	go func() {
		line, err := bufio.NewReader(in).ReadString('\n')
		replies <- reply{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		if out != nil {
			_, _ = fmt.Fprintln(out)
		}
		return false, errors.Wrap(ctx.Err(), "confirm")
	case r := <-replies:
		if r.err != nil && (r.err != io.EOF || r.line == "") {
			return false, errors.Wrap(r.err, "read answer")
		}
		answer := strings.ToLower(strings.TrimSpace(r.line))
		return answer == "y" || answer == "yes", nil
	}
}
