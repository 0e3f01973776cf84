package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microprofile/pkg/config"
	"microprofile/pkg/instrument"
)

const marked = `package demo

//microprofile:profile
func Work() int {
	return 1
}

func Plain() {}
`

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func rel(t *testing.T, dir string, paths []string) []string {
	t.Helper()
	var out []string
	for _, p := range paths {
		r, err := filepath.Rel(dir, p)
		require.NoError(t, err)
		out = append(out, filepath.ToSlash(r))
	}
	return out
}

func TestGoFiles(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"a.go":            "package a",
		"a_test.go":       "package a",
		"notes.txt":       "",
		"sub/b.go":        "package sub",
		"testdata/c.go":   "package c",
		"vendor/d/d.go":   "package d",
		"_skip/e.go":      "package e",
		".hidden/f.go":    "package f",
		"sub/deeper/g.go": "package deeper",
	})

	files, err := goFiles([]string{dir}, false)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"a.go", "sub/b.go", "sub/deeper/g.go"}, rel(t, dir, files)); diff != "" {
		t.Errorf("goFiles() mismatch (-want +got):\n%s", diff)
	}

	files, err = goFiles([]string{dir, filepath.Join(dir, "a.go")}, true)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"a.go", "a_test.go", "sub/b.go", "sub/deeper/g.go"}, rel(t, dir, files)); diff != "" {
		t.Errorf("goFiles(tests) mismatch (-want +got):\n%s", diff)
	}

	_, err = goFiles([]string{filepath.Join(dir, "missing")}, false)
	require.Error(t, err)
}

func TestInstrumentWritesFiles(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"work.go":   marked,
		"plain.go":  "package demo\n\nfunc Other() {}\n",
		"broken.go": "package demo\n\nfunc {",
	})
	files, err := goFiles([]string{dir}, false)
	require.NoError(t, err)

	cmd := &cmdInstrument{write: true, jobs: 2}
	err = cmd.run(context.Background(), testr.New(t), instrument.New(instrument.DefaultOptions()), files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.go")

	got, err := os.ReadFile(filepath.Join(dir, "work.go"))
	require.NoError(t, err)
	assert.Contains(t, string(got), `import "microprofile/pkg/profiler"`)
	assert.Contains(t, string(got), `MustCPUScope("Work", profiler.RGB(250, 0, 100))).Release()`)

	plain, err := os.ReadFile(filepath.Join(dir, "plain.go"))
	require.NoError(t, err)
	assert.Equal(t, "package demo\n\nfunc Other() {}\n", string(plain))

	// A second run finds everything instrumented already.
	require.NoError(t, os.Remove(filepath.Join(dir, "broken.go")))
	before := string(got)
	require.NoError(t, cmd.run(context.Background(), logr.Discard(), instrument.New(instrument.DefaultOptions()), files[1:]))
	got, err = os.ReadFile(filepath.Join(dir, "work.go"))
	require.NoError(t, err)
	assert.Equal(t, before, string(got))
}

func TestList(t *testing.T) {
	dir := writeTree(t, map[string]string{"work.go": marked})
	path := filepath.Join(dir, "work.go")

	var buf bytes.Buffer
	require.NoError(t, list(&buf, []string{path}))
	assert.Equal(t, path+":4\tWork\tpending\n", buf.String())

	out, _, err := instrument.New(instrument.DefaultOptions()).Source(path, []byte(marked))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o644))

	buf.Reset()
	require.NoError(t, list(&buf, []string{path}))
	assert.True(t, strings.HasSuffix(buf.String(), "\tWork\tinstrumented\n"), buf.String())
}

func TestConfigActions(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"good.yaml": "webserver:\n  port: 4000\ncategories:\n  render: false\n",
		"bad.yaml":  "profiler:\n  max_frames: 0\nwebserver:\n  port: 70000\n",
	})
	ctx := context.Background()

	manager, err := config.NewManager(logr.Discard(), []string{filepath.Join(dir, "good.yaml")})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cmdGet(ctx, &buf, manager, config.KeyWebServerPort))
	assert.Equal(t, "webserver.port = 4000 (from file)\n", buf.String())

	buf.Reset()
	require.NoError(t, cmdShow(ctx, &buf, manager, "json"))
	assert.Contains(t, buf.String(), `"render": false`)

	buf.Reset()
	require.NoError(t, cmdValidate(ctx, &buf, manager))
	assert.Equal(t, "Configuration is valid\n", buf.String())

	require.Error(t, cmdShow(ctx, &buf, manager, "toml"))
	require.Error(t, cmdGet(ctx, &buf, manager, "no.such.key"))

	bad, err := config.NewManager(logr.Discard(), []string{filepath.Join(dir, "bad.yaml")})
	require.NoError(t, err)
	err = cmdValidate(ctx, &buf, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.KeyMaxFrames)
	assert.Contains(t, err.Error(), config.KeyWebServerPort)

	require.Error(t, cmdWatch(ctx, &buf, logr.Discard(), manager, nil))
}
