package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

type recordedEnv map[string]string

func (r recordedEnv) set(k, v string) error {
	r[k] = v
	return nil
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	published := recordedEnv{}
	l := &Loader{Path: filepath.Join(t.TempDir(), "environments.json"), Setenv: published.set}

	env, err := l.Load("development")
	require.NoError(t, err)
	require.Empty(t, env.Records)
	require.Equal(t, 8011, env.ResolvePort("prefs_service", 8011))
	require.Empty(t, published)
}

func TestLoad_MissingEnvironmentIsEmpty(t *testing.T) {
	path := writeFile(t, t.TempDir(), "environments.json", `{"staging": {"prefs_service": {"url": "http://x:9000"}}}`)
	published := recordedEnv{}

	env, err := (&Loader{Path: path, Setenv: published.set}).Load("development")
	require.NoError(t, err)
	require.Empty(t, env.Records)
	require.Empty(t, published)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := writeFile(t, t.TempDir(), "environments.json", `{"development": `)
	_, err := Load(path, "development")
	require.Error(t, err)
}

func TestLoad_NonObjectEnvironmentFails(t *testing.T) {
	path := writeFile(t, t.TempDir(), "environments.json", `{"development": "nope"}`)
	_, err := (&Loader{Path: path, Setenv: recordedEnv{}.set}).Load("development")
	require.Error(t, err)
}

func TestLoad_PublishesPrefsServiceURL(t *testing.T) {
	path := writeFile(t, t.TempDir(), "environments.json", `{
	"development": {
		"prefs_service": {"url": "http://localhost:9123"},
		"shell": {"url": "http://localhost:3100"}
	}
}`)
	published := recordedEnv{}

	env, err := (&Loader{Path: path, Setenv: published.set}).Load("development")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9123", published[PrefsServiceURLEnv])
	require.Equal(t, 9123, env.ResolvePort("prefs_service", 1))
	require.Equal(t, 3100, env.ResolvePort("shell", 3000))
}

func TestLoad_PublishesDefaultURLWhenRecordMissing(t *testing.T) {
	path := writeFile(t, t.TempDir(), "environments.json", `{"development": {}}`)
	published := recordedEnv{}

	_, err := (&Loader{Path: path, Setenv: published.set}).Load("development")
	require.NoError(t, err)
	require.Equal(t, DefaultPrefsService, published[PrefsServiceURLEnv])
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "environments.yaml", `
development:
  prefs_service:
    url: http://localhost:8099
`)
	env, err := (&Loader{Path: path, Setenv: recordedEnv{}.set}).Load("development")
	require.NoError(t, err)
	require.Equal(t, 8099, env.ResolvePort("prefs_service", 8011))
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "environments.toml", `
[staging.prefs_service]
url = "http://api.internal:9001"

[staging.shell]
url = "http://localhost:4000"
`)
	env, err := (&Loader{Path: path, Setenv: recordedEnv{}.set}).Load("staging")
	require.NoError(t, err)
	require.Equal(t, 9001, env.ResolvePort("prefs_service", 8011))
	require.Equal(t, 4000, env.ResolvePort("shell", 3000))
}

func TestResolvePort(t *testing.T) {
	env := &Environment{Records: map[string]any{
		"k":        map[string]any{"url": "http://host:9123"},
		"noport":   map[string]any{"url": "http://host/path"},
		"nourl":    map[string]any{"other": "x"},
		"badtype":  map[string]any{"url": 42},
		"notarec":  "http://host:1234",
		"toolarge": map[string]any{"url": "http://host:99999"},
		"first":    map[string]any{"url": "http://host:4000/a:5000"},
	}}

	require.Equal(t, 9123, env.ResolvePort("k", 1))
	require.Equal(t, 1, env.ResolvePort("missing", 1))
	require.Equal(t, 1, env.ResolvePort("noport", 1))
	require.Equal(t, 1, env.ResolvePort("nourl", 1))
	require.Equal(t, 1, env.ResolvePort("badtype", 1))
	require.Equal(t, 1, env.ResolvePort("notarec", 1))
	require.Equal(t, 1, env.ResolvePort("toolarge", 1))
	require.Equal(t, 4000, env.ResolvePort("first", 1))

	var nilEnv *Environment
	require.Equal(t, 7, nilEnv.ResolvePort("k", 7))
}

func TestDefaultEnvironmentName(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	require.Equal(t, DefaultEnvironment, DefaultEnvironmentName())
	t.Setenv(EnvironmentVariable, "staging")
	require.Equal(t, "staging", DefaultEnvironmentName())
}
