package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/go-logr/logr"
	"github.com/google/subcommands"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"microprofile/pkg/instrument"
)

type cmdInstrument struct {
	write      bool
	tests      bool
	jobs       int
	importPath string
	category   string
	group      string
}

func NewCmdInstrument() *cmdInstrument {
	return &cmdInstrument{}
}

func (*cmdInstrument) Name() string {
	return "instrument"
}

func (*cmdInstrument) Usage() string {
	return "instrument [-w] [flags] <file or directory>...\n"
}

func (*cmdInstrument) Synopsis() string {
	return "inserts profiler scopes into functions marked " + instrument.ProfileDirective
}

func (cmd *cmdInstrument) SetFlags(f *flag.FlagSet) {
	def := instrument.DefaultOptions()
	f.BoolVar(&cmd.write, "w", false, "write the result back to the source files instead of stdout")
	f.BoolVar(&cmd.tests, "tests", false, "also instrument _test.go files found in directories")
	f.IntVar(&cmd.jobs, "j", runtime.GOMAXPROCS(0), "number of files processed concurrently")
	f.StringVar(&cmd.importPath, "import", def.ImportPath, "import path of the profiler package")
	f.StringVar(&cmd.category, "category", def.Category, "category of the inserted scopes")
	f.StringVar(&cmd.group, "group", def.Group, "group of the inserted scopes")
}

func (cmd *cmdInstrument) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	log := loggerFrom(args).WithName("instrument")
	if f.NArg() == 0 {
		fmt.Fprint(os.Stderr, cmd.Usage())
		return subcommands.ExitUsageError
	}
	if cmd.jobs < 1 {
		cmd.jobs = 1
	}
	files, err := goFiles(f.Args(), cmd.tests)
	if err != nil {
		log.Error(err, "Failed to list source files")
		return subcommands.ExitFailure
	}

	tr := instrument.New(instrument.Options{
		ImportPath: cmd.importPath,
		Category:   cmd.category,
		Group:      cmd.group,
	})
	if err := cmd.run(ctx, log, tr, files); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintln(os.Stderr, e)
		}
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type rewritten struct {
	out    []byte
	result instrument.Result
}

// run rewrites files concurrently. Every file is attempted; the errors of
// all failing files are returned together.
func (cmd *cmdInstrument) run(ctx context.Context, log logr.Logger, tr *instrument.Transformer, files []string) error {
	outputs := make([]rewritten, len(files))
	errs := make([]error, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cmd.jobs)
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, result, err := cmd.file(tr, path)
			if err != nil {
				errs[i] = err
				return nil
			}
			outputs[i] = rewritten{out: out, result: result}
			if result.Changed() {
				log.V(1).Info("Instrumented file", "path", path, "scopes", len(result.Sites), "package", result.Package)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	scopes := 0
	for i, o := range outputs {
		scopes += len(o.result.Sites)
		if !cmd.write && errs[i] == nil {
			if _, err := os.Stdout.Write(o.out); err != nil {
				return err
			}
		}
	}
	log.Info("Instrumentation finished", "files", len(files), "scopes", scopes)
	return multierr.Combine(errs...)
}

func (cmd *cmdInstrument) file(tr *instrument.Transformer, path string) ([]byte, instrument.Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, instrument.Result{}, err
	}
	out, result, err := tr.Source(path, src)
	if err != nil {
		return nil, instrument.Result{}, err
	}
	if cmd.write && result.Changed() {
		info, err := os.Stat(path)
		if err != nil {
			return nil, instrument.Result{}, err
		}
		if err := os.WriteFile(path, out, info.Mode().Perm()); err != nil {
			return nil, instrument.Result{}, fmt.Errorf("write %s: %w", path, err)
		}
	}
	return out, result, nil
}
