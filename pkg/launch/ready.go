package launch

import (
	"context"
	"net"
	"time"

	"github.com/go-go-golems/portalctl/pkg/state"
	"github.com/pkg/errors"
)

// waitTCP polls address until it accepts a connection, the process exits, or
// ctx is done.
func waitTCP(ctx context.Context, proc *state.ManagedProcess, address string) error {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()

	for {
		d := net.Dialer{Timeout: 200 * time.Millisecond}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "tcp health timeout")
		case <-proc.Done():
			return errors.New("process exited before accepting connections")
		case <-t.C:
		}
	}
}
