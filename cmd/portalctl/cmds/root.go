package cmds

import "github.com/spf13/cobra"

func AddCommands(root *cobra.Command) error {
	root.AddCommand(newUpCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newPortsCmd())
	return nil
}
