// Package instrument rewrites Go source so that marked functions run inside
// a profiler scope named after them.
//
// A function is marked with a //microprofile:profile line in its doc
// comment, or by the same line in the file comment above the package clause,
// which marks every function in the file. Each marked body gets one
// statement prepended:
//
//	defer profiler.Enter(profiler.Global().MustDefineCategory("profile").
//		MustDefineGroup("trace", profiler.RGB(40, 0, 250)).
//		MustCPUScope("Name", profiler.RGB(250, 0, 100))).Release()
//
// so the scope is left on every return path, including panics, and results
// are untouched. Function literals inside a marked function get their own
// scope. Generated files, functions without a body and bodies that already
// start with a scope are left alone, which makes the rewrite idempotent.
package instrument

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"path"
	"strconv"

	"golang.org/x/tools/go/ast/astutil"

	"microprofile/pkg/profiler"
)

const DefaultImportPath = "microprofile/pkg/profiler"

var ErrNameTooLong = errors.New("scope name too long")

type Options struct {
	ImportPath string
	Category   string
	Group      string
	GroupColor profiler.Color
	ScopeColor profiler.Color
}

// DefaultOptions are the category, group and colors instrumented code has
// always reported under.
func DefaultOptions() Options {
	return Options{
		ImportPath: DefaultImportPath,
		Category:   "profile",
		Group:      "trace",
		GroupColor: profiler.RGB(40, 0, 250),
		ScopeColor: profiler.RGB(250, 0, 100),
	}
}

// Site is a function that carries or received a scope.
type Site struct {
	Name    string
	Pos     token.Position
	Closure bool
	// Existing is set when the body already started with a scope.
	Existing bool
}

type Result struct {
	// Sites lists the scopes inserted by this run, in source order.
	Sites []Site
	// Package is the name the inserted code uses for the profiler package.
	Package     string
	AddedImport bool
}

func (r Result) Changed() bool {
	return len(r.Sites) > 0
}

// Transformer holds only options; each call works on its own file.
type Transformer struct {
	opts Options
}

// New fills unset options from DefaultOptions. Black is not a usable
// color here; it selects the default.
func New(opts Options) *Transformer {
	def := DefaultOptions()
	if opts.ImportPath == "" {
		opts.ImportPath = def.ImportPath
	}
	if opts.Category == "" {
		opts.Category = def.Category
	}
	if opts.Group == "" {
		opts.Group = def.Group
	}
	if opts.GroupColor == (profiler.Color{}) {
		opts.GroupColor = def.GroupColor
	}
	if opts.ScopeColor == (profiler.Color{}) {
		opts.ScopeColor = def.ScopeColor
	}
	return &Transformer{opts: opts}
}

func (t *Transformer) Options() Options {
	return t.opts
}

type target struct {
	decl *ast.FuncDecl
	name string
}

// targets returns the declarations eligible for instrumentation.
func targets(file *ast.File) []target {
	fileLevel := hasDirective(file.Doc, ProfileDirective)
	var out []target
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		marked := hasDirective(fn.Doc, ProfileDirective)
		if !marked && (!fileLevel || hasDirective(fn.Doc, SkipDirective)) {
			continue
		}
		out = append(out, target{decl: fn, name: funcName(fn)})
	}
	return out
}

// Annotated lists the marked functions of file without changing it, using
// the default options.
func Annotated(fset *token.FileSet, file *ast.File) []Site {
	return New(DefaultOptions()).Annotated(fset, file)
}

// Annotated lists the marked functions of file without changing it. A site
// is Existing only if its body already starts with the scope File would
// insert.
func (t *Transformer) Annotated(fset *token.FileSet, file *ast.File) []Site {
	if ast.IsGenerated(file) {
		return nil
	}
	pkg, existing := t.importName(file)
	if !existing {
		pkg = ""
	}
	var sites []Site
	for _, tg := range targets(file) {
		sites = append(sites, Site{
			Name:     tg.name,
			Pos:      fset.Position(tg.decl.Pos()),
			Existing: scoped(tg.decl.Body, pkg),
		})
	}
	return sites
}

// File instruments file in place.
func (t *Transformer) File(fset *token.FileSet, file *ast.File) (Result, error) {
	var result Result
	if file == nil {
		return result, errors.New("nil file")
	}
	if ast.IsGenerated(file) {
		return result, nil
	}
	tgs := targets(file)
	if len(tgs) == 0 {
		return result, nil
	}

	pkg, existing := t.importName(file)
	r := rewriter{t: t, fset: fset, pkg: pkg}
	for _, tg := range tgs {
		if err := r.function(tg.decl.Body, tg.name, tg.decl.Pos()); err != nil {
			return Result{}, err
		}
	}
	result.Sites = r.sites
	if !result.Changed() {
		return result, nil
	}
	result.Package = pkg
	if !existing {
		name := pkg
		if name == path.Base(t.opts.ImportPath) {
			name = ""
		}
		result.AddedImport = astutil.AddNamedImport(fset, file, name, t.opts.ImportPath)
	}
	return result, nil
}

// Source parses, instruments and formats one file. Unchanged input is
// returned as is.
func (t *Transformer) Source(filename string, src []byte) ([]byte, Result, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, Result{}, err
	}
	result, err := t.File(fset, file)
	if err != nil {
		return nil, Result{}, fmt.Errorf("%s: %w", filename, err)
	}
	if !result.Changed() {
		return src, result, nil
	}
	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return nil, Result{}, fmt.Errorf("%s: format: %w", filename, err)
	}
	return buf.Bytes(), result, nil
}

// importName picks the identifier the inserted code uses for the profiler
// package. An existing named or plain import is reused; otherwise the first
// of profiler, microprofile, microprofile2, ... that no identifier in the
// file uses.
func (t *Transformer) importName(file *ast.File) (string, bool) {
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil || p != t.opts.ImportPath {
			continue
		}
		if imp.Name == nil {
			return path.Base(p), true
		}
		if imp.Name.Name != "_" && imp.Name.Name != "." {
			return imp.Name.Name, true
		}
	}

	used := make(map[string]bool)
	ast.Inspect(file, func(n ast.Node) bool {
		if id, ok := n.(*ast.Ident); ok {
			used[id.Name] = true
		}
		return true
	})
	for _, imp := range file.Imports {
		if imp.Name != nil {
			used[imp.Name.Name] = true
		} else if p, err := strconv.Unquote(imp.Path.Value); err == nil {
			used[path.Base(p)] = true
		}
	}

	candidates := []string{path.Base(t.opts.ImportPath), "microprofile"}
	for _, c := range candidates {
		if !used[c] {
			return c, false
		}
	}
	for i := 2; ; i++ {
		c := "microprofile" + strconv.Itoa(i)
		if !used[c] {
			return c, false
		}
	}
}

type rewriter struct {
	t     *Transformer
	fset  *token.FileSet
	pkg   string
	sites []Site
}

// function instruments body and, recursively, the function literals in it.
func (r *rewriter) function(body *ast.BlockStmt, name string, pos token.Pos) error {
	return r.scope(body, name, pos, false, false)
}

func (r *rewriter) scope(body *ast.BlockStmt, name string, pos token.Pos, closure, nested bool) error {
	if len(name) > profiler.MaxNameLen {
		return fmt.Errorf("%w: %q at %s is longer than %d bytes",
			ErrNameTooLong, name, r.fset.Position(pos), profiler.MaxNameLen)
	}
	if !scoped(body, r.pkg) {
		r.sites = append(r.sites, Site{Name: name, Pos: r.fset.Position(pos), Closure: closure})
	}

	// Collect the literals directly in this body before inserting anything.
	var lits []*ast.FuncLit
	ast.Inspect(body, func(n ast.Node) bool {
		if lit, ok := n.(*ast.FuncLit); ok {
			lits = append(lits, lit)
			return false
		}
		return true
	})
	for i, lit := range lits {
		if err := r.scope(lit.Body, closureName(name, closure, i+1), lit.Pos(), true, true); err != nil {
			return err
		}
	}

	if !scoped(body, r.pkg) {
		body.List = append([]ast.Stmt{r.t.statement(r.pkg, name)}, body.List...)
	}
	return nil
}

// scoped reports whether body starts with a scope statement in the form
// statement builds, qualified by pkg. Any other leading defer, even one
// calling an Enter method, does not count.
func scoped(body *ast.BlockStmt, pkg string) bool {
	if pkg == "" || body == nil || len(body.List) == 0 {
		return false
	}
	def, ok := body.List[0].(*ast.DeferStmt)
	if !ok || len(def.Call.Args) != 0 {
		return false
	}
	release, ok := def.Call.Fun.(*ast.SelectorExpr)
	if !ok || release.Sel.Name != "Release" {
		return false
	}
	enter, ok := release.X.(*ast.CallExpr)
	if !ok || !qualified(enter.Fun, pkg, "Enter") || len(enter.Args) != 1 {
		return false
	}
	scope, ok := enter.Args[0].(*ast.CallExpr)
	if !ok {
		return false
	}
	sel, ok := scope.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "MustCPUScope" {
		return false
	}
	// The receiver chain must bottom out in pkg.Global().
	for x := sel.X; ; {
		call, ok := x.(*ast.CallExpr)
		if !ok {
			return false
		}
		if qualified(call.Fun, pkg, "Global") {
			return len(call.Args) == 0
		}
		next, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return false
		}
		x = next.X
	}
}

func qualified(fun ast.Expr, pkg, name string) bool {
	sel, ok := fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != name {
		return false
	}
	id, ok := sel.X.(*ast.Ident)
	return ok && id.Name == pkg
}

// statement builds the deferred scope for name.
func (t *Transformer) statement(pkg, name string) ast.Stmt {
	qual := func(sel string) *ast.SelectorExpr {
		return &ast.SelectorExpr{X: ast.NewIdent(pkg), Sel: ast.NewIdent(sel)}
	}
	method := func(x ast.Expr, sel string, args ...ast.Expr) *ast.CallExpr {
		return &ast.CallExpr{Fun: &ast.SelectorExpr{X: x, Sel: ast.NewIdent(sel)}, Args: args}
	}
	str := func(s string) ast.Expr {
		return &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(s)}
	}
	rgb := func(c profiler.Color) ast.Expr {
		lit := func(v uint8) ast.Expr {
			return &ast.BasicLit{Kind: token.INT, Value: strconv.Itoa(int(v))}
		}
		return &ast.CallExpr{Fun: qual("RGB"), Args: []ast.Expr{lit(c.R), lit(c.G), lit(c.B)}}
	}

	global := &ast.CallExpr{Fun: qual("Global")}
	category := method(global, "MustDefineCategory", str(t.opts.Category))
	group := method(category, "MustDefineGroup", str(t.opts.Group), rgb(t.opts.GroupColor))
	scope := method(group, "MustCPUScope", str(name), rgb(t.opts.ScopeColor))
	enter := &ast.CallExpr{Fun: qual("Enter"), Args: []ast.Expr{scope}}
	return &ast.DeferStmt{Call: method(enter, "Release")}
}
