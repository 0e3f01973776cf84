// Command microprofile instruments Go source with profiler scopes and
// inspects microprofile configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/google/subcommands"

	"microprofile/pkg/logging"
)

var (
	logLevel  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat = flag.String("log-format", "console", "log format (console, json)")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(NewCmdInstrument(), "source")
	subcommands.Register(NewCmdList(), "source")
	subcommands.Register(NewCmdConfig(), "config")

	flag.Parse()

	log, flush, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "microprofile: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx, log)
	stop()
	flush()
	os.Exit(int(status))
}

// loggerFrom recovers the logger main passes to every command.
func loggerFrom(args []interface{}) logr.Logger {
	for _, arg := range args {
		if log, ok := arg.(logr.Logger); ok {
			return log
		}
	}
	return logging.Fallback(false)
}
