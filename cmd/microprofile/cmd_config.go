package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/subcommands"
	"go.uber.org/multierr"

	"microprofile/pkg/config"
)

type pathList []string

func (p *pathList) String() string {
	return strings.Join(*p, ",")
}

func (p *pathList) Set(value string) error {
	*p = append(*p, value)
	return nil
}

type cmdConfig struct {
	paths  pathList
	format string
}

func NewCmdConfig() *cmdConfig {
	return &cmdConfig{}
}

func (*cmdConfig) Name() string {
	return "config"
}

func (*cmdConfig) Usage() string {
	return `config [-config path]... [-format yaml|json] <action> [key]

Actions:
  get <key>   print a resolved value and the source it came from
  show        print every resolved value
  validate    check all sources and report every problem
  watch       print changes as the configuration files are edited
`
}

func (*cmdConfig) Synopsis() string {
	return "inspects the layered profiler configuration"
}

func (cmd *cmdConfig) SetFlags(f *flag.FlagSet) {
	f.Var(&cmd.paths, "config", "configuration file, may be repeated; later files win")
	f.StringVar(&cmd.format, "format", "yaml", "output format of show (yaml, json)")
}

func (cmd *cmdConfig) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	log := loggerFrom(args).WithName("config")
	if f.NArg() == 0 {
		fmt.Fprint(os.Stderr, cmd.Usage())
		return subcommands.ExitUsageError
	}

	manager, err := config.NewManager(log, cmd.paths)
	if err != nil {
		log.Error(err, "Failed to create configuration manager")
		return subcommands.ExitFailure
	}

	action, rest := f.Arg(0), f.Args()[1:]
	switch action {
	case "get":
		if len(rest) != 1 {
			fmt.Fprint(os.Stderr, cmd.Usage())
			return subcommands.ExitUsageError
		}
		err = cmdGet(ctx, os.Stdout, manager, rest[0])
	case "show":
		err = cmdShow(ctx, os.Stdout, manager, cmd.format)
	case "validate":
		err = cmdValidate(ctx, os.Stdout, manager)
	case "watch":
		err = cmdWatch(ctx, os.Stdout, log, manager, cmd.paths)
	default:
		fmt.Fprintf(os.Stderr, "Unknown action: %s\n", action)
		return subcommands.ExitUsageError
	}
	if err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintln(os.Stderr, e)
		}
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func cmdGet(ctx context.Context, w io.Writer, manager *config.ConfigManager, key string) error {
	if err := manager.Load(ctx); err != nil {
		return err
	}
	value, err := manager.Value(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s = %v (from %s)\n", key, value.Value, value.Source)
	return nil
}

func cmdShow(ctx context.Context, w io.Writer, manager *config.ConfigManager, format string) error {
	encoder, err := config.FormatByName(format)
	if err != nil {
		return err
	}
	if err := manager.Load(ctx); err != nil {
		return err
	}
	data, err := encoder.Marshal(manager.Snapshot())
	if err != nil {
		return err
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		data = append(data, '\n')
	}
	_, err = w.Write(data)
	return err
}

func cmdValidate(ctx context.Context, w io.Writer, manager *config.ConfigManager) error {
	if err := manager.Check(ctx); err != nil {
		return err
	}
	fmt.Fprintln(w, "Configuration is valid")
	return nil
}

// cmdWatch prints every committed change until ctx is cancelled.
func cmdWatch(ctx context.Context, w io.Writer, log logr.Logger, manager *config.ConfigManager, paths []string) error {
	if len(paths) == 0 {
		return errors.New("watch needs at least one -config file")
	}
	if err := manager.Load(ctx); err != nil {
		return err
	}
	watcher := config.NewFileWatcher(log.WithName("watcher"))
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	reload := func() {
		changes, err := manager.Reload(ctx)
		if err != nil {
			log.Error(err, "Reload failed, keeping current configuration")
			return
		}
		for _, change := range changes {
			if err := manager.Set(change.Key, change.NewValue, change.Source); err != nil {
				log.Error(err, "Failed to commit change", "key", change.Key)
			}
		}
	}
	for _, path := range paths {
		if err := watcher.Watch(path, reload); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "Watching %s, press Ctrl+C to stop\n", strings.Join(paths, ", "))
	changes := manager.Watch()
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-changes:
			fmt.Fprintf(w, "Config changed: %s = %v (from %s)\n", change.Key, change.NewValue, change.Source)
		}
	}
}
