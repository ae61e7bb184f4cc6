package cmds

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-go-golems/portalctl/pkg/events"
	"github.com/go-go-golems/portalctl/pkg/launch"
	"github.com/go-go-golems/portalctl/pkg/metrics"
	"github.com/go-go-golems/portalctl/pkg/ports"
	"github.com/go-go-golems/portalctl/pkg/services"
	"github.com/go-go-golems/portalctl/pkg/state"
	"github.com/go-go-golems/portalctl/pkg/supervise"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const DefaultEventsLog = "portalctl-events.jsonl"

func newUpCmd() *cobra.Command {
	var sel selectionFlags
	var pollInterval time.Duration
	var waitReady bool
	var eventsLog string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start backend and frontend dev servers and supervise them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			if err := sel.selection().Validate(); err != nil {
				return err
			}

			// Signals only cancel runCtx; shutdown runs on this goroutine.
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The bus and metrics endpoint outlive runCtx so shutdown events are recorded.
			auxCtx, cancelAux := context.WithCancel(context.Background())
			defer cancelAux()

			bus, err := events.NewInMemoryBus()
			if err != nil {
				return err
			}
			if eventsLog == "" {
				eventsLog = filepath.Join(opts.Root, DefaultEventsLog)
			}
			f, err := os.OpenFile(eventsLog, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return errors.Wrap(err, "open events log")
			}
			defer func() { _ = f.Close() }()
			events.RegisterJSONLSink(bus, f)

			collector := metrics.NewCollector("")

			eg, egCtx := errgroup.WithContext(auxCtx)
			eg.Go(func() error {
				err := bus.Run(egCtx)
				if stderrors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			if metricsAddr != "" {
				eg.Go(func() error {
					// A broken metrics endpoint must not take the event bus down with it.
					if err := collector.Serve(egCtx, metricsAddr); err != nil {
						log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics endpoint failed")
					}
					return nil
				})
			}

			select {
			case <-bus.Running():
			case <-egCtx.Done():
				return errors.Wrap(eg.Wait(), "start event bus")
			}

			emitter := events.NewEmitter(bus.Publisher())
			emitter.RunID = uuid.NewString()
			log.Info().Str("run_id", emitter.RunID).Str("events_log", eventsLog).Msg("recording lifecycle events")

			reg := state.NewRegistry()
			sup := supervise.New(supervise.Options{
				ConfigPath:   opts.Config,
				Environment:  sel.env,
				Catalog:      services.DefaultCatalog(),
				Selection:    sel.selection(),
				Ports:        ports.NewProber(ports.NewTTYPrompter()),
				Launcher:     newLauncher(opts, &sel, waitReady, reg),
				Registry:     reg,
				PollInterval: pollInterval,
				Emitter:      emitter,
				Metrics:      collector,
				Out:          cmd.OutOrStdout(),
			})

			outcome, runErr := sup.Run(runCtx)
			log.Debug().Str("outcome", outcome.String()).Int("exit_code", outcome.ExitCode()).Msg("run finished")

			cancelAux()
			if err := eg.Wait(); err != nil {
				log.Warn().Err(err).Msg("auxiliary services stopped with error")
			}

			if outcome.ExitCode() != 0 {
				if runErr == nil {
					runErr = errors.New("startup failed")
				}
				return runErr
			}
			return nil
		},
	}

	sel.register(cmd.Flags())
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", supervise.DefaultPollInterval, "Liveness poll interval once all services are running")
	cmd.Flags().BoolVar(&waitReady, "wait-ready", false, "After the settle interval, also wait for each service to accept TCP connections")
	cmd.Flags().StringVar(&eventsLog, "events-log", "", "Lifecycle events log (defaults to "+DefaultEventsLog+" under root)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	return cmd
}

var _ supervise.ServiceLauncher = (*launch.Launcher)(nil)
var _ supervise.PortGuard = (*ports.Prober)(nil)
