package instrument

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"microprofile/pkg/profiler"
)

func scopeStmt(pkg, name string) string {
	return "defer " + pkg + ".Enter(" + pkg + `.Global().MustDefineCategory("profile").MustDefineGroup("trace", ` +
		pkg + ".RGB(40, 0, 250)).MustCPUScope(" + strconv.Quote(name) + ", " + pkg + ".RGB(250, 0, 100))).Release()"
}

func render(t *testing.T, fset *token.FileSet, node ast.Node) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, printer.Fprint(&buf, fset, node))
	return buf.String()
}

// firstStatements maps each function and literal of src, named the way the
// transformer names them, to its first statement ("" for empty bodies).
func firstStatements(t *testing.T, src []byte) (map[string]string, *ast.File) {
	t.Helper()
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "out.go", src, parser.ParseComments)
	require.NoError(t, err, "output must parse:\n%s", src)

	out := make(map[string]string)
	first := func(body *ast.BlockStmt) string {
		if len(body.List) == 0 {
			return ""
		}
		return render(t, fset, body.List[0])
	}
	var walk func(body *ast.BlockStmt, name string, nested bool)
	walk = func(body *ast.BlockStmt, name string, nested bool) {
		n := 0
		ast.Inspect(body, func(node ast.Node) bool {
			lit, ok := node.(*ast.FuncLit)
			if !ok {
				return true
			}
			n++
			child := closureName(name, nested, n)
			out[child] = first(lit.Body)
			walk(lit.Body, child, true)
			return false
		})
	}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		name := funcName(fn)
		out[name] = first(fn.Body)
		walk(fn.Body, name, false)
	}
	return out, file
}

func importsOf(file *ast.File) map[string]string {
	out := make(map[string]string)
	for _, imp := range file.Imports {
		p, _ := strconv.Unquote(imp.Path.Value)
		name := ""
		if imp.Name != nil {
			name = imp.Name.Name
		}
		out[p] = name
	}
	return out
}

func siteNames(sites []Site) []string {
	var names []string
	for _, s := range sites {
		names = append(names, s.Name)
	}
	return names
}

const markedSrc = `package demo

import "errors"

type Server struct{}

type List[T any] struct{ items []T }

//microprofile:profile
func Work(x int) (int, error) {
	if x < 0 {
		return 0, errors.New("negative")
	}
	return x * 2, nil
}

// Run starts the server.
//
//microprofile:profile
func (s *Server) Run() {
	go func() {
		func() {}()
	}()
	_ = func() {}
}

//microprofile:profile
func (l *List[T]) Push(v T) {
	l.items = append(l.items, v)
}

func Untouched() {
	_ = func() {}
}

//microprofile:profile
func Stub()
`

func TestSourceInstrumentsMarkedFunctions(t *testing.T) {
	out, result, err := New(Options{}).Source("demo.go", []byte(markedSrc))
	require.NoError(t, err)

	wantSites := []string{
		"Work",
		"Server.Run",
		"Server.Run.func1",
		"Server.Run.func1.1",
		"Server.Run.func2",
		"List.Push",
	}
	if diff := cmp.Diff(wantSites, siteNames(result.Sites)); diff != "" {
		t.Errorf("sites mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "profiler", result.Package)
	require.True(t, result.AddedImport)

	got, file := firstStatements(t, out)
	want := map[string]string{
		"Work":               scopeStmt("profiler", "Work"),
		"Server.Run":         scopeStmt("profiler", "Server.Run"),
		"Server.Run.func1":   scopeStmt("profiler", "Server.Run.func1"),
		"Server.Run.func1.1": scopeStmt("profiler", "Server.Run.func1.1"),
		"Server.Run.func2":   scopeStmt("profiler", "Server.Run.func2"),
		"List.Push":          scopeStmt("profiler", "List.Push"),
		"Untouched":          "_ = func() {}",
		"Untouched.func1":    "",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("first statements mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"errors": "", DefaultImportPath: ""}, importsOf(file)); diff != "" {
		t.Errorf("imports mismatch (-want +got):\n%s", diff)
	}
	require.Contains(t, string(out), "\nfunc Stub()\n")
	require.Contains(t, string(out), "// Run starts the server.\n//\n//microprofile:profile\nfunc (s *Server) Run() {")
}

func TestSourceIsIdempotent(t *testing.T) {
	tr := New(DefaultOptions())
	once, _, err := tr.Source("demo.go", []byte(markedSrc))
	require.NoError(t, err)

	twice, result, err := tr.Source("demo.go", once)
	require.NoError(t, err)
	require.False(t, result.Changed())
	if diff := cmp.Diff(string(once), string(twice)); diff != "" {
		t.Errorf("second run changed the output (-first +second):\n%s", diff)
	}
}

func TestFileLevelDirective(t *testing.T) {
	src := `// Package demo is instrumented throughout.
//
//microprofile:profile
package demo

func A() {}

//microprofile:skip
func B() {}

type T struct{}

func (T) C() int { return 1 }
`
	out, result, err := New(DefaultOptions()).Source("demo.go", []byte(src))
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"A", "T.C"}, siteNames(result.Sites)); diff != "" {
		t.Errorf("sites mismatch (-want +got):\n%s", diff)
	}
	got, _ := firstStatements(t, out)
	require.Equal(t, "", got["B"])
	require.Equal(t, scopeStmt("profiler", "T.C"), got["T.C"])
}

func TestGeneratedFileIsSkipped(t *testing.T) {
	src := []byte(`// Code generated by stringer. DO NOT EDIT.

package demo

//microprofile:profile
func A() {}
`)
	out, result, err := New(DefaultOptions()).Source("gen.go", src)
	require.NoError(t, err)
	require.False(t, result.Changed())
	require.Equal(t, src, out)
}

func TestUnmarkedFileIsUnchanged(t *testing.T) {
	src := []byte("package demo\n\nfunc  A()   {}\n")
	out, result, err := New(DefaultOptions()).Source("a.go", src)
	require.NoError(t, err)
	require.False(t, result.Changed())
	require.Equal(t, src, out, "unchanged files are not reformatted")
}

func TestImportName(t *testing.T) {
	tests := []struct {
		name       string
		src        string
		wantPkg    string
		wantImport string
		wantAdded  bool
	}{
		{
			name: "reuses named import",
			src: `package demo

import mp "microprofile/pkg/profiler"

var _ = mp.RGB

//microprofile:profile
func A() {}
`,
			wantPkg:    "mp",
			wantImport: "mp",
		},
		{
			name: "reuses plain import",
			src: `package demo

import "microprofile/pkg/profiler"

var _ = profiler.RGB

//microprofile:profile
func A() {}
`,
			wantPkg:    "profiler",
			wantImport: "",
		},
		{
			name: "avoids local identifier",
			src: `package demo

//microprofile:profile
func A() {
	profiler := 1
	_ = profiler
}
`,
			wantPkg:    "microprofile",
			wantImport: "microprofile",
			wantAdded:  true,
		},
		{
			name: "avoids both names",
			src: `package demo

import microprofile "example.com/other"

var profiler = microprofile.X

//microprofile:profile
func A() {}
`,
			wantPkg:    "microprofile2",
			wantImport: "microprofile2",
			wantAdded:  true,
		},
		{
			name: "blank import is not usable",
			src: `package demo

import _ "microprofile/pkg/profiler"

//microprofile:profile
func A() {}
`,
			wantPkg:   "profiler",
			wantAdded: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, result, err := New(DefaultOptions()).Source("a.go", []byte(tt.src))
			require.NoError(t, err)
			require.Equal(t, tt.wantPkg, result.Package)
			require.Equal(t, tt.wantAdded, result.AddedImport)

			got, file := firstStatements(t, out)
			require.Equal(t, scopeStmt(tt.wantPkg, "A"), got["A"])
			if tt.wantImport != "" || !tt.wantAdded {
				require.Equal(t, tt.wantImport, importsOf(file)[DefaultImportPath])
			}
		})
	}
}

func TestAnnotated(t *testing.T) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "demo.go", markedSrc, parser.ParseComments)
	require.NoError(t, err)

	want := []Site{
		{Name: "Work"},
		{Name: "Server.Run"},
		{Name: "List.Push"},
	}
	ignorePos := cmpopts.IgnoreFields(Site{}, "Pos")
	if diff := cmp.Diff(want, Annotated(fset, file), ignorePos); diff != "" {
		t.Errorf("Annotated() mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 10, Annotated(fset, file)[0].Pos.Line)

	_, err = New(DefaultOptions()).File(fset, file)
	require.NoError(t, err)
	for _, site := range Annotated(fset, file) {
		require.True(t, site.Existing, site.Name)
	}
}

func TestLookalikeLeadingDefer(t *testing.T) {
	src := `package demo

import "microprofile/pkg/profiler"

type lock struct{}

func (lock) Enter(int) lock { return lock{} }
func (lock) Release() {}

var lk lock

//microprofile:profile
func F() {
	defer lk.Enter(1).Release()
}

//microprofile:profile
func G(s *profiler.CPUScope) {
	defer profiler.Enter(s).Release()
}

//microprofile:profile
func H() {
	` + scopeStmt("other", "H") + `
}
`
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "demo.go", src, parser.ParseComments)
	require.NoError(t, err)
	for _, site := range Annotated(fset, file) {
		require.False(t, site.Existing, site.Name)
	}

	out, result, err := New(DefaultOptions()).Source("demo.go", []byte(src))
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"F", "G", "H"}, siteNames(result.Sites)); diff != "" {
		t.Errorf("sites mismatch (-want +got):\n%s", diff)
	}
	got, _ := firstStatements(t, out)
	for _, name := range []string{"F", "G", "H"} {
		require.Equal(t, scopeStmt("profiler", name), got[name])
	}
}

func TestCustomOptions(t *testing.T) {
	tr := New(Options{
		ImportPath: "example.com/prof",
		Category:   "game",
		Group:      "tick",
		ScopeColor: profiler.RGB(1, 2, 3),
	})
	src := "package demo\n\n//microprofile:profile\nfunc A() {}\n"
	out, result, err := tr.Source("a.go", []byte(src))
	require.NoError(t, err)
	require.Equal(t, "prof", result.Package)

	got, file := firstStatements(t, out)
	require.Equal(t,
		`defer prof.Enter(prof.Global().MustDefineCategory("game").MustDefineGroup("tick", prof.RGB(40, 0, 250)).MustCPUScope("A", prof.RGB(1, 2, 3))).Release()`,
		got["A"])
	require.Contains(t, importsOf(file), "example.com/prof")
}

func TestNameTooLong(t *testing.T) {
	long := strings.Repeat("x", profiler.MaxNameLen+1)
	src := "package demo\n\n//microprofile:profile\nfunc " + long + "() {}\n"
	_, _, err := New(DefaultOptions()).Source("a.go", []byte(src))
	require.ErrorIs(t, err, ErrNameTooLong)
}

func TestParseError(t *testing.T) {
	_, _, err := New(DefaultOptions()).Source("a.go", []byte("package"))
	require.Error(t, err)
}
