package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestManager(t *testing.T, env []string, paths ...string) *ConfigManager {
	t.Helper()
	manager := NewConfigManager(logr.Discard())
	require.NoError(t, manager.AddSource(NewFileSource(paths, FilePriority)))
	envSource := NewEnvironmentSource(EnvPrefix, EnvironmentPriority)
	envSource.environ = func() []string { return env }
	require.NoError(t, manager.AddSource(envSource))
	setDefault(manager)
	addValidators(manager)
	return manager
}

func TestLayering(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "profile.yaml", `
profiler:
  max_frames: 128
  thread_name: render
webserver:
  port: 2000
categories:
  render: false
  physics: true
`)
	jsonPath := writeFile(t, dir, "override.json", `{"webserver": {"port": 3000}}`)
	env := []string{
		"MICROPROFILE_PROFILER__MAX_FRAMES=256",
		"MICROPROFILE_LOGGING__LEVEL=debug",
		"UNRELATED=1",
	}

	manager := newTestManager(t, env, yamlPath, jsonPath)
	require.NoError(t, manager.Load(context.Background()))

	s, err := LoadSettings(manager)
	require.NoError(t, err)
	assert.Equal(t, Settings{
		EnableAllGroups:    true,
		ForceMetaCounters:  false,
		ContextSwitchTrace: false,
		ThreadName:         "render",
		MaxFrames:          256,
		WebServerPort:      3000,
		Categories:         map[string]bool{"render": false, "physics": true},
		LogLevel:           "debug",
		LogFormat:          "console",
	}, s)

	v, err := manager.Value(KeyMaxFrames)
	require.NoError(t, err)
	assert.Equal(t, SourceEnvironment, v.Source)
	v, err = manager.Value(KeyWebServerPort)
	require.NoError(t, err)
	assert.Equal(t, SourceFile, v.Source)
	v, err = manager.Value(KeyLogFormat)
	require.NoError(t, err)
	assert.True(t, v.IsDefault)

	assert.Equal(t, []string{"categories.physics", "categories.render"}, manager.Keys(CategoriesPrefix))
}

func TestMissingFileIsSkipped(t *testing.T) {
	manager := newTestManager(t, nil, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, manager.Load(context.Background()))
	require.NoError(t, manager.Check(context.Background()))

	port, err := manager.GetInt(KeyWebServerPort)
	require.NoError(t, err)
	assert.Equal(t, 1338, port)
}

func TestValidationAggregates(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", `
profiler:
  max_frames: 0
  enable_all_groups: maybe
webserver:
  port: 70000
logging:
  format: xml
categories:
  render: sometimes
`)
	manager := newTestManager(t, nil, path)
	err := manager.Load(context.Background())
	require.Error(t, err)

	errs := multierr.Errors(manager.Check(context.Background()))
	var keys []string
	for _, e := range errs {
		var cfgErr *ConfigError
		require.ErrorAs(t, e, &cfgErr)
		keys = append(keys, cfgErr.Key)
	}
	assert.Equal(t, []string{
		"categories.render",
		"logging.format",
		"profiler.enable_all_groups",
		"profiler.max_frames",
		"webserver.port",
	}, keys)

	_, err = manager.Get(KeyMaxFrames)
	assert.Error(t, err, "failed load must not commit values")
}

func TestCheckReportsBrokenFiles(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.json", `{"profiler": `)
	manager := newTestManager(t, nil, path)

	require.NoError(t, manager.Load(context.Background()), "load skips failing sources")
	err := manager.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.json")

	unsupported := writeFile(t, t.TempDir(), "settings.toml", "a = 1")
	assert.Error(t, newTestManager(t, nil, unsupported).Check(context.Background()))
}

func TestReloadAndSet(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.yaml", "categories:\n  render: true\n")
	manager := newTestManager(t, nil, path)
	require.NoError(t, manager.Load(context.Background()))

	writeFile(t, dir, "profile.yaml", "categories:\n  render: false\nprofiler:\n  max_frames: 8\n")
	changes, err := manager.Reload(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "categories.render", changes[0].Key)
	assert.Equal(t, true, changes[0].OldValue)
	assert.Equal(t, false, changes[0].NewValue)
	assert.Equal(t, KeyMaxFrames, changes[1].Key)

	enabled, err := manager.GetBool("categories.render")
	require.NoError(t, err)
	assert.True(t, enabled, "reload does not commit")

	var seen []ConfigChange
	manager.AddWatcher("categories.render", WatcherFunc(func(c ConfigChange) { seen = append(seen, c) }))
	require.NoError(t, manager.Set("categories.render", false, SourceDynamic))
	require.Len(t, seen, 1)
	assert.Equal(t, true, seen[0].OldValue)
	assert.Equal(t, "categories.render", (<-manager.Watch()).Key)

	assert.Error(t, manager.Set(KeyMaxFrames, 0, SourceDynamic))

	writeFile(t, dir, "profile.yaml", "profiler:\n  max_frames: -1\n")
	_, err = manager.Reload(context.Background())
	assert.Error(t, err)
}

func TestReloadReportsRemovedKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.yaml", "categories:\n  render: false\n  cull: true\n")
	manager := newTestManager(t, nil, path)
	require.NoError(t, manager.Load(context.Background()))

	writeFile(t, dir, "profile.yaml", "categories:\n  cull: true\nprofiler:\n  max_frames: 8\n")
	changes, err := manager.Reload(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, KeyMaxFrames, changes[0].Key)
	removed := changes[1]
	assert.Equal(t, "categories.render", removed.Key)
	assert.Equal(t, false, removed.OldValue)
	assert.Nil(t, removed.NewValue)
	assert.Equal(t, SourceFile, removed.Source)

	require.NoError(t, manager.Set(removed.Key, removed.NewValue, removed.Source))
	_, err = manager.Get("categories.render")
	assert.Error(t, err, "a nil Set unsets the key")
	assert.Equal(t, []string{"categories.cull"}, manager.Keys(CategoriesPrefix))

	assert.Error(t, manager.Set(KeyThreadName, nil, SourceDynamic), "required keys cannot be unset")
}

func TestEnvironmentSource(t *testing.T) {
	src := NewEnvironmentSource("MP_", 10)
	src.environ = func() []string {
		return []string{
			"MP_A__B_C=42",
			"MP_FLAG=true",
			"MP_RATIO=0.5",
			"MP_NAME=main",
			"MP_=ignored",
			"OTHER=x",
		}
	}
	got, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"a":     map[string]interface{}{"b_c": int64(42)},
		"flag":  true,
		"ratio": 0.5,
		"name":  "main",
	}, got)
}

func TestSnapshotRoundTrip(t *testing.T) {
	manager := newTestManager(t, nil)
	require.NoError(t, manager.Load(context.Background()))

	format, err := FormatByName("yaml")
	require.NoError(t, err)
	data, err := format.Marshal(manager.Snapshot())
	require.NoError(t, err)

	path := writeFile(t, t.TempDir(), "dump.yml", string(data))
	reloaded := newTestManager(t, nil, path)
	require.NoError(t, reloaded.Load(context.Background()))
	name, err := reloaded.GetString(KeyThreadName)
	require.NoError(t, err)
	assert.Equal(t, "main", name)
}

func TestGetters(t *testing.T) {
	manager := newTestManager(t, []string{"MICROPROFILE_PROFILER__FORCE_META_COUNTERS=1"})
	require.NoError(t, manager.Load(context.Background()))

	force, err := manager.GetBool(KeyForceMetaCounters)
	require.NoError(t, err)
	assert.True(t, force)

	_, err = manager.GetInt(KeyThreadName)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, KeyThreadName, cfgErr.Key)

	_, err = manager.Get("nope")
	assert.Error(t, err)
}

func TestSourceKindString(t *testing.T) {
	assert.Equal(t, "environment", SourceEnvironment.String())
	assert.Equal(t, "SourceKind(4)", SourceKind(4).String())
	assert.Equal(t, "SourceKind(-1)", SourceKind(-1).String())
}
