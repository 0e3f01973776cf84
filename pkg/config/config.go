// Package config loads microprofile settings from defaults, files and the
// environment, and keeps a running profiler in sync with them.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"microprofile/pkg/backend/recorder"
	"microprofile/pkg/logging"
	"microprofile/pkg/profiler"
)

const (
	EnvPrefix = "MICROPROFILE_"

	FilePriority        = 50
	EnvironmentPriority = 75
)

const (
	KeyEnableAllGroups    = "profiler.enable_all_groups"
	KeyForceMetaCounters  = "profiler.force_meta_counters"
	KeyContextSwitchTrace = "profiler.context_switch_trace"
	KeyThreadName         = "profiler.thread_name"
	KeyMaxFrames          = "profiler.max_frames"
	KeyLogFrames          = "profiler.log_frames"
	KeyWebServerPort      = "webserver.port"
	KeyLogLevel           = "logging.level"
	KeyLogFormat          = "logging.format"

	// CategoriesPrefix holds one boolean per category name.
	CategoriesPrefix = "categories"
)

// Settings is the typed view of a loaded ConfigManager.
type Settings struct {
	EnableAllGroups    bool
	ForceMetaCounters  bool
	ContextSwitchTrace bool
	ThreadName         string
	MaxFrames          int
	LogFrames          bool
	WebServerPort      int
	Categories         map[string]bool
	LogLevel           string
	LogFormat          string
}

func setDefault(manager *ConfigManager) {
	manager.SetDefault(KeyEnableAllGroups, true)
	manager.SetDefault(KeyForceMetaCounters, false)
	manager.SetDefault(KeyContextSwitchTrace, false)
	manager.SetDefault(KeyThreadName, "main")
	manager.SetDefault(KeyMaxFrames, recorder.DefaultMaxFrames)
	manager.SetDefault(KeyLogFrames, false)

	manager.SetDefault(KeyWebServerPort, recorder.DefaultWebServerPort)

	manager.SetDefault(KeyLogLevel, "info")
	manager.SetDefault(KeyLogFormat, "console")
}

func addValidators(manager *ConfigManager) {
	boolValidator := &BoolValidator{}
	manager.AddValidator(KeyEnableAllGroups, boolValidator)
	manager.AddValidator(KeyForceMetaCounters, boolValidator)
	manager.AddValidator(KeyContextSwitchTrace, boolValidator)
	manager.AddValidator(KeyLogFrames, boolValidator)
	manager.AddPrefixValidator(CategoriesPrefix, boolValidator)

	manager.AddValidator(KeyThreadName, &RequiredValidator{})
	manager.AddValidator(KeyThreadName, MustPatternValidator(`^[^\x00]{1,64}$`))

	manager.AddValidator(KeyMaxFrames, &RangeValidator{Min: 1, Max: 4096})
	manager.AddValidator(KeyWebServerPort, &RangeValidator{Min: 1, Max: 65535})

	manager.AddValidator(KeyLogLevel, &EnumValidator{Allowed: logging.Levels})
	manager.AddValidator(KeyLogFormat, &EnumValidator{Allowed: logging.Formats})
}

// NewManager builds a manager over the given files and the MICROPROFILE_
// environment, with defaults and validators registered. It does not load.
func NewManager(logger logr.Logger, paths []string) (*ConfigManager, error) {
	manager := NewConfigManager(logger)
	if err := manager.AddSource(NewFileSource(paths, FilePriority)); err != nil {
		return nil, err
	}
	if err := manager.AddSource(NewEnvironmentSource(EnvPrefix, EnvironmentPriority)); err != nil {
		return nil, err
	}
	setDefault(manager)
	addValidators(manager)
	return manager, nil
}

// LoadSettings reads the typed settings out of a loaded manager.
func LoadSettings(manager *ConfigManager) (Settings, error) {
	var s Settings
	var err error
	get := func(dst *bool, key string) {
		if err != nil {
			return
		}
		*dst, err = manager.GetBool(key)
	}
	get(&s.EnableAllGroups, KeyEnableAllGroups)
	get(&s.ForceMetaCounters, KeyForceMetaCounters)
	get(&s.ContextSwitchTrace, KeyContextSwitchTrace)
	get(&s.LogFrames, KeyLogFrames)
	if err != nil {
		return s, err
	}
	if s.ThreadName, err = manager.GetString(KeyThreadName); err != nil {
		return s, err
	}
	if s.MaxFrames, err = manager.GetInt(KeyMaxFrames); err != nil {
		return s, err
	}
	if s.WebServerPort, err = manager.GetInt(KeyWebServerPort); err != nil {
		return s, err
	}
	if s.LogLevel, err = manager.GetString(KeyLogLevel); err != nil {
		return s, err
	}
	if s.LogFormat, err = manager.GetString(KeyLogFormat); err != nil {
		return s, err
	}

	s.Categories = make(map[string]bool)
	for _, key := range manager.Keys(CategoriesPrefix) {
		enabled, err := manager.GetBool(key)
		if err != nil {
			return s, err
		}
		s.Categories[strings.TrimPrefix(key, CategoriesPrefix+".")] = enabled
	}
	return s, nil
}

// ApplySettings pushes the profiler settings to p. The thread name is not
// applied here because thread registration belongs to the calling
// goroutine.
func ApplySettings(p *profiler.Profiler, rec *recorder.Recorder, s Settings) error {
	p.EnableAllGroups(s.EnableAllGroups)
	p.EnableAllMetaCounters(s.ForceMetaCounters)
	if s.ContextSwitchTrace {
		p.BeginContextSwitchTrace()
	}
	if rec != nil {
		rec.SetMaxFrames(s.MaxFrames)
		if err := setFrameLogging(rec, p.Logger(), s.LogFrames); err != nil {
			return &ConfigError{Key: KeyLogFrames, Message: "frame logging", Err: err}
		}
	}
	for name, enabled := range s.Categories {
		category, err := p.DefineCategory(name)
		if err != nil {
			return &ConfigError{Key: CategoriesPrefix + "." + name, Message: "invalid category", Err: err}
		}
		category.Enable(enabled)
	}
	return nil
}

// FrameLogHook is the recorder frame hook installed by profiler.log_frames.
const FrameLogHook = "config.log_frames"

func setFrameLogging(rec *recorder.Recorder, log logr.Logger, enable bool) error {
	if !enable {
		if err := rec.RemoveFrameHook(FrameLogHook); err != nil && !errors.Is(err, recorder.ErrHookNotFound) {
			return err
		}
		return nil
	}
	err := rec.AddFrameHook(FrameLogHook, 100, func(frame recorder.Frame) error {
		log.Info("Frame", "index", frame.Index, "duration", frame.End.Sub(frame.Start),
			"events", len(frame.Events), "counters", frame.Counters)
		return nil
	})
	if errors.Is(err, recorder.ErrHookExists) {
		return nil
	}
	return err
}

// NewProfilerUpdater applies live changes of the profiler keys and of the
// categories table to p and rec.
func NewProfilerUpdater(p *profiler.Profiler, rec *recorder.Recorder) *ComponentUpdater {
	keys := []string{
		KeyEnableAllGroups,
		KeyForceMetaCounters,
		KeyContextSwitchTrace,
		KeyMaxFrames,
		KeyLogFrames,
		CategoriesPrefix,
	}
	return NewComponentUpdater("profiler", keys, func(key string, value interface{}) error {
		if key == KeyMaxFrames {
			n, err := toInt(value)
			if err != nil {
				return err
			}
			if rec == nil {
				return errors.New("no recorder to resize")
			}
			rec.SetMaxFrames(n)
			return nil
		}

		if value == nil && strings.HasPrefix(key, CategoriesPrefix+".") {
			// Categories without an entry are enabled.
			value = true
		}
		enabled, err := toBool(value)
		if err != nil {
			return err
		}
		switch key {
		case KeyEnableAllGroups:
			p.EnableAllGroups(enabled)
		case KeyForceMetaCounters:
			p.EnableAllMetaCounters(enabled)
		case KeyContextSwitchTrace:
			if enabled {
				p.BeginContextSwitchTrace()
			} else {
				p.EndContextSwitchTrace()
			}
		case KeyLogFrames:
			if rec == nil {
				return errors.New("no recorder to log frames of")
			}
			return setFrameLogging(rec, p.Logger(), enabled)
		default:
			category, err := p.DefineCategory(strings.TrimPrefix(key, CategoriesPrefix+"."))
			if err != nil {
				return err
			}
			category.Enable(enabled)
		}
		return nil
	})
}

// Runtime is a configured global profiler with live reload.
type Runtime struct {
	Profiler *profiler.Profiler
	Manager  *ConfigManager
	Recorder *recorder.Recorder
	Settings Settings
	Logger   logr.Logger

	dynamic  *DynamicConfigManager
	watcher  *FileWatcher
	syncLog  func()
	thread   bool
	stopOnce sync.Once
}

// InitProfiler loads the configuration, installs the recorder backend and
// initializes the global profiler with it. The calling goroutine is
// registered as the profiler thread named by profiler.thread_name; call Stop
// from the same goroutine.
func InitProfiler(ctx context.Context, paths []string) (*Runtime, error) {
	manager, err := NewManager(logging.Fallback(false), paths)
	if err != nil {
		return nil, err
	}
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := manager.Load(loadCtx); err != nil {
		return nil, err
	}
	settings, err := LoadSettings(manager)
	if err != nil {
		return nil, err
	}

	logger, syncLog, err := logging.New(settings.LogLevel, settings.LogFormat)
	if err != nil {
		return nil, err
	}
	manager.SetLogger(logger.WithName("config"))

	rt := &Runtime{
		Manager:  manager,
		Settings: settings,
		Logger:   logger,
		syncLog:  syncLog,
	}
	factory := recorder.Factory(recorder.Options{
		MaxFrames:     settings.MaxFrames,
		WebServerPort: settings.WebServerPort,
		Logger:        logger,
	}, func(r *recorder.Recorder) { rt.Recorder = r })
	if err := profiler.SetBackendFactory(factory); err != nil {
		syncLog()
		return nil, fmt.Errorf("install recorder backend: %w", err)
	}
	if err := profiler.SetLogger(logger.WithName("profiler")); err != nil {
		syncLog()
		return nil, err
	}
	p, err := profiler.Init()
	if err != nil {
		syncLog()
		return nil, err
	}
	rt.Profiler = p

	if err := p.BeginThread(settings.ThreadName); err != nil {
		rt.Stop()
		return nil, err
	}
	rt.thread = true
	if err := ApplySettings(p, rt.Recorder, settings); err != nil {
		rt.Stop()
		return nil, err
	}

	rt.dynamic = NewDynamicConfigManager(manager)
	rt.dynamic.RegisterUpdater("profiler", NewProfilerUpdater(p, rt.Recorder))
	rt.dynamic.Start()

	if err := rt.watch(paths); err != nil {
		logger.Error(err, "Config hot reload disabled")
	}
	logger.Info("Profiler ready", "thread", settings.ThreadName, "port", p.WebServerPort(), "gpuAPI", p.GPUAPI())
	return rt, nil
}

func (rt *Runtime) watch(paths []string) error {
	var existing []string
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	rt.watcher = NewFileWatcher(rt.Logger.WithName("watcher"))
	if err := rt.watcher.Start(); err != nil {
		return err
	}
	for _, path := range existing {
		if err := rt.watcher.Watch(path, rt.reload); err != nil {
			return err
		}
	}
	return nil
}

// reload re-reads the sources and applies what changed.
func (rt *Runtime) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()

	changes, err := rt.Manager.Reload(ctx)
	if err != nil {
		rt.Logger.Error(err, "Config reload rejected")
		return
	}
	if len(changes) == 0 {
		return
	}
	if err := rt.dynamic.ApplyChanges(ctx, changes); err != nil {
		rt.Logger.Error(err, "Some settings could not be applied")
	}
	rt.Logger.Info("Config reloaded", "changes", len(changes))
}

// Stop ends live reload, unregisters the thread and shuts the profiler
// down. Later calls do nothing.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() {
		if rt.watcher != nil {
			if err := rt.watcher.Stop(); err != nil {
				rt.Logger.Error(err, "Failed to stop config watcher")
			}
		}
		if rt.dynamic != nil {
			rt.dynamic.Stop()
		}
		if rt.Profiler != nil {
			rt.Profiler.EndContextSwitchTrace()
			if rt.thread {
				rt.Profiler.EndThread()
			}
			rt.Profiler.Shutdown()
		}
		rt.syncLog()
	})
}
