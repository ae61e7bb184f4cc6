package cmds

import (
	"os"
	"path/filepath"

	"github.com/go-go-golems/portalctl/pkg/config"
	"github.com/go-go-golems/portalctl/pkg/launch"
	"github.com/go-go-golems/portalctl/pkg/services"
	"github.com/go-go-golems/portalctl/pkg/state"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type rootOptions struct {
	Root   string
	Config string
}

func AddRootFlags(root *cobra.Command) {
	addRootFlags(root)
}

func addRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("root", "", "Portal checkout root (defaults to current directory)")
	root.PersistentFlags().String("config", "", "Path to the environment file (defaults to environments.json under root)")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	root, err := cmd.Root().PersistentFlags().GetString("root")
	if err != nil {
		return rootOptions{}, err
	}
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return rootOptions{}, err
	}

	cfgPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath == "" {
		cfgPath = config.DefaultPath(root)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(root, cfgPath)
	}

	return rootOptions{Root: root, Config: cfgPath}, nil
}

// selectionFlags are shared by up and plan.
type selectionFlags struct {
	env          string
	backendOnly  bool
	frontendOnly bool
	services     []string
	python       string
}

func (f *selectionFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.env, "env", config.DefaultEnvironmentName(), "Environment name in the config file ($"+config.EnvironmentVariable+")")
	fs.BoolVar(&f.backendOnly, "backend-only", false, "Only start backend services")
	fs.BoolVar(&f.frontendOnly, "frontend-only", false, "Only start frontend services")
	fs.StringSliceVar(&f.services, "services", nil, "Frontend services to start (default: all)")
	fs.StringVar(&f.python, "python", defaultPython(), "Python interpreter used to run backends")
}

func (f *selectionFlags) selection() services.Selection {
	return services.Selection{
		BackendOnly:  f.backendOnly,
		FrontendOnly: f.frontendOnly,
		Frontends:    f.services,
	}
}

func defaultPython() string {
	if v := os.Getenv("PYTHON"); v != "" {
		return v
	}
	return "python3"
}

func newLauncher(opts rootOptions, sel *selectionFlags, waitReady bool, reg *state.Registry) *launch.Launcher {
	return launch.New(launch.Options{
		RootDir:   opts.Root,
		Python:    sel.python,
		WaitReady: waitReady,
	}, reg)
}
