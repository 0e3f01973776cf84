package main

import (
	"context"
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"

	"github.com/google/subcommands"
	"go.uber.org/multierr"

	"microprofile/pkg/instrument"
)

type cmdList struct {
	tests bool
}

func NewCmdList() *cmdList {
	return &cmdList{}
}

func (*cmdList) Name() string {
	return "list"
}

func (*cmdList) Usage() string {
	return "list [-tests] <file or directory>...\n"
}

func (*cmdList) Synopsis() string {
	return "lists the functions marked for instrumentation"
}

func (cmd *cmdList) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&cmd.tests, "tests", false, "include _test.go files found in directories")
}

func (cmd *cmdList) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	log := loggerFrom(args).WithName("list")
	if f.NArg() == 0 {
		fmt.Fprint(os.Stderr, cmd.Usage())
		return subcommands.ExitUsageError
	}
	files, err := goFiles(f.Args(), cmd.tests)
	if err != nil {
		log.Error(err, "Failed to list source files")
		return subcommands.ExitFailure
	}
	if err := list(os.Stdout, files); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintln(os.Stderr, e)
		}
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// list prints one line per marked function: position, scope name and
// whether the body already carries its scope.
func list(w io.Writer, files []string) error {
	var errs error
	fset := token.NewFileSet()
	for _, path := range files {
		file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, site := range instrument.Annotated(fset, file) {
			state := "pending"
			if site.Existing {
				state = "instrumented"
			}
			fmt.Fprintf(w, "%s:%d\t%s\t%s\n", site.Pos.Filename, site.Pos.Line, site.Name, state)
		}
	}
	return errs
}
