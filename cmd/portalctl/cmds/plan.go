package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/portalctl/pkg/config"
	"github.com/go-go-golems/portalctl/pkg/ports"
	"github.com/go-go-golems/portalctl/pkg/services"
	"github.com/go-go-golems/portalctl/pkg/state"
	"github.com/go-go-golems/portalctl/pkg/supervise"
	"github.com/spf13/cobra"
)

type planEntry struct {
	Name      string            `json:"name"`
	Kind      services.Kind     `json:"kind"`
	Port      int               `json:"port"`
	BuildOnly bool              `json:"build_only,omitempty"`
	PortInUse bool              `json:"port_in_use"`
	Dir       string            `json:"dir"`
	Command   []string          `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Log       string            `json:"log,omitempty"`
}

type planOutput struct {
	Environment string      `json:"environment"`
	Config      string      `json:"config"`
	SharedBuild string      `json:"shared_build_dir"`
	Services    []planEntry `json:"services"`
}

func newPlanCmd() *cobra.Command {
	var sel selectionFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the services, ports, commands and logs that up would use, without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			selection := sel.selection()
			if err := selection.Validate(); err != nil {
				return err
			}

			loader := &config.Loader{
				Path:   opts.Config,
				Setenv: func(string, string) error { return nil },
			}
			env, err := loader.Load(sel.env)
			if err != nil {
				return err
			}

			catalog := services.DefaultCatalog()
			var specs []services.Spec
			if selection.StartBackends() {
				specs = append(specs, catalog.Backends...)
			}
			if selection.StartFrontends() {
				specs = append(specs, selection.SelectFrontends(catalog)...)
			}

			l := newLauncher(opts, &sel, false, state.NewRegistry())
			out := planOutput{
				Environment: sel.env,
				Config:      opts.Config,
				SharedBuild: l.SharedDir(),
				Services:    []planEntry{},
			}
			for _, r := range supervise.Resolve(env, specs) {
				e := planEntry{
					Name:      r.Spec.Name,
					Kind:      r.Spec.Kind,
					Port:      r.Port,
					BuildOnly: r.Spec.BuildOnly(),
					Dir:       l.ServiceDir(r.Spec),
				}
				if !e.BuildOnly {
					e.PortInUse = ports.IsPortInUse(r.Port)
					e.Command = l.CommandFor(r.Spec, r.Port)
					e.Env = state.SanitizeEnv(l.EnvFor(r.Spec, r.Port))
					e.Log = l.LogPath(r.Spec)
				}
				out.Services = append(out.Services, e)
			}

			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	sel.register(cmd.Flags())
	return cmd
}
