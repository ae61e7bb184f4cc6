package services

import (
	"strings"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindBackend  Kind = "backend"
	KindFrontend Kind = "frontend"
)

// ErrConflictingModes is returned when both backend-only and frontend-only are requested.
var ErrConflictingModes = errors.New("--backend-only and --frontend-only are mutually exclusive")

// Spec describes one launchable service. Specs are built once from static
// definitions and never mutated afterwards.
type Spec struct {
	Name        string   `json:"name"`
	Kind        Kind     `json:"kind"`
	DefaultPort int      `json:"default_port"`
	Target      string   `json:"target,omitempty"`     // module target for backends, e.g. "pkg.main:app"
	ConfigKey   string   `json:"config_key,omitempty"` // environment record consulted for the port override
	Command     []string `json:"command,omitempty"`    // template; nil uses the launcher default
	Description string   `json:"description,omitempty"`
	HealthPath  string   `json:"health_path,omitempty"`
	Primary     bool     `json:"primary,omitempty"`
}

func Backend(name string, defaultPort int, target, configKey string) Spec {
	return Spec{
		Name:        name,
		Kind:        KindBackend,
		DefaultPort: defaultPort,
		Target:      target,
		ConfigKey:   configKey,
		Description: "Backend API",
	}
}

// Frontend returns a frontend spec. A zero port marks a build-only package
// that never runs a server.
func Frontend(name string, defaultPort int) Spec {
	return Spec{
		Name:        name,
		Kind:        KindFrontend,
		DefaultPort: defaultPort,
		ConfigKey:   name,
	}
}

func (s Spec) BuildOnly() bool {
	return s.Kind == KindFrontend && s.DefaultPort == 0
}

func (s Spec) WithCommand(cmd ...string) Spec {
	s.Command = append([]string{}, cmd...)
	return s
}

func (s Spec) WithHealthPath(p string) Spec {
	s.HealthPath = p
	return s
}

func (s Spec) AsPrimary() Spec {
	s.Primary = true
	return s
}

// Catalog lists services in start order: backends first, then frontends.
type Catalog struct {
	Backends  []Spec `json:"backends"`
	Frontends []Spec `json:"frontends"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Backends: []Spec{
			Backend("shell_service", 8011, "shell_service.main:app", "prefs_service").WithHealthPath("/health"),
		},
		Frontends: []Spec{
			Frontend("shared", 0),
			Frontend("shell", 3000).AsPrimary(),
			Frontend("test-app", 3002),
		},
	}
}

func (c Catalog) Lookup(name string) (Spec, bool) {
	for _, s := range c.Backends {
		if s.Name == name {
			return s, true
		}
	}
	for _, s := range c.Frontends {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

type Selection struct {
	BackendOnly  bool
	FrontendOnly bool
	// Frontends restricts the frontend phase to these names. Empty selects all;
	// unknown names are ignored.
	Frontends []string
}

func (s Selection) Validate() error {
	if s.BackendOnly && s.FrontendOnly {
		return ErrConflictingModes
	}
	return nil
}

func (s Selection) StartBackends() bool  { return !s.FrontendOnly }
func (s Selection) StartFrontends() bool { return !s.BackendOnly }

// SelectFrontends filters the catalog's frontends, preserving catalog order.
func (s Selection) SelectFrontends(c Catalog) []Spec {
	if len(s.Frontends) == 0 {
		return append([]Spec{}, c.Frontends...)
	}
	want := map[string]struct{}{}
	for _, n := range s.Frontends {
		n = strings.TrimSpace(n)
		if n != "" {
			want[n] = struct{}{}
		}
	}
	out := make([]Spec, 0, len(want))
	for _, spec := range c.Frontends {
		if _, ok := want[spec.Name]; ok {
			out = append(out, spec)
		}
	}
	return out
}
