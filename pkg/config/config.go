package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFilename = "environments.json"
	DefaultEnvironment    = "development"
	EnvironmentVariable   = "APP_ENV"

	// PrefsServiceKey is the record whose URL is handed to frontend builds.
	PrefsServiceKey     = "prefs_service"
	PrefsServiceURLEnv  = "VITE_PREFS_SERVICE_URL"
	DefaultPrefsService = "http://localhost:8011"
)

var portPattern = regexp.MustCompile(`:(\d+)`)

// Environment maps service/config keys to their records. Only the "url"
// field of a record is consulted.
type Environment struct {
	Name    string
	Records map[string]any
}

func DefaultPath(root string) string {
	return filepath.Join(root, DefaultConfigFilename)
}

func DefaultEnvironmentName() string {
	if v := os.Getenv(EnvironmentVariable); v != "" {
		return v
	}
	return DefaultEnvironment
}

type Loader struct {
	Path string
	// Setenv publishes the resolved prefs-service URL. Defaults to os.Setenv.
	Setenv func(key, value string) error
}

func Load(path, envName string) (*Environment, error) {
	return (&Loader{Path: path}).Load(envName)
}

// Load reads the environment file. A missing file or a missing environment
// key yields an empty Environment and a warning, never an error.
func (l *Loader) Load(envName string) (*Environment, error) {
	empty := &Environment{Name: envName, Records: map[string]any{}}

	if _, err := os.Stat(l.Path); err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", l.Path).Msg("environment file not found; using defaults")
			return empty, nil
		}
		return nil, errors.Wrap(err, "stat environment file")
	}

	all, err := parseFile(l.Path)
	if err != nil {
		return nil, err
	}

	raw, ok := all[envName]
	if !ok {
		log.Warn().Str("env", envName).Str("path", l.Path).Msg("environment not found; using defaults")
		return empty, nil
	}
	records, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.Errorf("environment %q is not an object", envName)
	}

	env := &Environment{Name: envName, Records: records}
	if err := l.publish(env); err != nil {
		return nil, err
	}
	log.Info().Str("env", envName).Msg("environment configuration loaded")
	return env, nil
}

func (l *Loader) publish(env *Environment) error {
	setenv := l.Setenv
	if setenv == nil {
		setenv = os.Setenv
	}
	url, ok := env.URL(PrefsServiceKey)
	if !ok {
		url = DefaultPrefsService
	}
	if err := setenv(PrefsServiceURLEnv, url); err != nil {
		return errors.Wrap(err, "publish prefs service url")
	}
	log.Info().Str(PrefsServiceURLEnv, url).Msg("published preferences service URL")
	return nil
}

func parseFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read environment file")
	}
	out := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &out); err != nil {
			return nil, errors.Wrap(err, "parse environment yaml")
		}
	case ".toml":
		if err := toml.Unmarshal(b, &out); err != nil {
			return nil, errors.Wrap(err, "parse environment toml")
		}
	default:
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, errors.Wrap(err, "parse environment json")
		}
	}
	return out, nil
}

func (e *Environment) URL(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	rec, ok := e.Records[key].(map[string]any)
	if !ok {
		return "", false
	}
	url, ok := rec["url"].(string)
	if !ok || url == "" {
		return "", false
	}
	return url, true
}

// ResolvePort extracts the first ":<digits>" from the record's url. Any
// missing piece, or a value outside 0-65535, falls back to defaultPort.
func (e *Environment) ResolvePort(key string, defaultPort int) int {
	url, ok := e.URL(key)
	if !ok {
		return defaultPort
	}
	m := portPattern.FindStringSubmatch(url)
	if m == nil {
		return defaultPort
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port < 0 || port > 65535 {
		return defaultPort
	}
	return port
}
