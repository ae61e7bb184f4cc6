package cmds

import (
	"strconv"
	"strings"

	"github.com/go-go-golems/portalctl/pkg/ports"
	"github.com/go-go-golems/portalctl/pkg/report"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect and free the local ports used by the portal",
	}
	cmd.AddCommand(newPortsCheckCmd())
	cmd.AddCommand(newPortsFreeCmd())
	return cmd
}

func newPortsCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check PORT...",
		Short: "Report whether each port is bound and by which process",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nums, err := parsePorts(args)
			if err != nil {
				return err
			}
			out := report.New(cmd.OutOrStdout())
			for _, port := range nums {
				if !ports.IsPortInUse(port) {
					out.Success("%d free", port)
					continue
				}
				owners, err := ports.ListOwners(cmd.Context(), port)
				if err != nil {
					log.Debug().Err(err).Int("port", port).Msg("owner lookup failed")
				}
				if len(owners) == 0 {
					out.Warn("%d in use", port)
					continue
				}
				names := make([]string, 0, len(owners))
				for _, o := range owners {
					names = append(names, o.Name+" (pid "+strconv.Itoa(int(o.PID))+")")
				}
				out.Warn("%d in use by %s", port, strings.Join(names, ", "))
			}
			return nil
		},
	}
}

func newPortsFreeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "free PORT",
		Short: "Kill the processes listening on PORT after confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nums, err := parsePorts(args)
			if err != nil {
				return err
			}
			port := nums[0]

			var prompter ports.Prompter = ports.NewTTYPrompter()
			if yes {
				prompter = ports.AutoPrompter{Answer: true}
			}
			out := report.New(cmd.OutOrStdout())
			if !ports.NewProber(prompter).EnsurePortFree(cmd.Context(), port, "port "+strconv.Itoa(port)) {
				out.Error("Port %d is still in use", port)
				return errors.Wrapf(ports.ErrPortInUse, "port %d", port)
			}
			out.Success("Port %d is free", port)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Kill without asking")
	return cmd
}

func parsePorts(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil || n < 1 || n > 65535 {
			return nil, errors.Errorf("invalid port %q", a)
		}
		out = append(out, n)
	}
	return out, nil
}
