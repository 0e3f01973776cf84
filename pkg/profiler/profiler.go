// Package profiler is the instrumentation surface of microprofile. It hands
// out categories, groups, scopes, counters and GPU thread logs that forward
// their calls to a Backend, and owns the process-wide Profiler those
// entities are bound to.
package profiler

import (
	"fmt"
	stdlog "log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Profiler owns the backend connection. Every entity it creates holds a
// generation-checked handle and panics with ErrStaleHandle once the
// profiler has been shut down.
type Profiler struct {
	backend Backend
	log     logr.Logger

	// gen is zero after Shutdown.
	gen          atomic.Uint64
	shutdownOnce sync.Once
}

var generations counter64

// New initializes backend and returns a profiler bound to it. Most programs
// use Init or Global instead; New is for embedding a profiler with its own
// backend, such as in tests.
func New(backend Backend, log logr.Logger) (*Profiler, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrBackend)
	}
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("%w: init: %w", ErrBackend, err)
	}
	p := &Profiler{
		backend: backend,
		log:     log,
	}
	p.gen.Store(generations.next())
	log.V(1).Info("profiler initialized", "gpuAPI", CompiledGPUAPI)
	return p, nil
}

var (
	globalMu      sync.Mutex
	globalStarted bool
	globalFactory BackendFactory = defaultBackendFactory
	globalLogger                 = stdr.New(stdlog.New(os.Stderr, "microprofile: ", stdlog.LstdFlags))

	globalOnce     sync.Once
	globalProfiler *Profiler
	globalErr      error
)

func defaultBackendFactory() (Backend, error) {
	return &nopBackend{}, nil
}

// SetBackendFactory selects the backend built by the first Init. It fails
// with ErrAlreadyInitialized once Init has run.
func SetBackendFactory(factory BackendFactory) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalStarted {
		return ErrAlreadyInitialized
	}
	if factory == nil {
		factory = defaultBackendFactory
	}
	globalFactory = factory
	return nil
}

// SetLogger replaces the logger handed to the global profiler. It fails with
// ErrAlreadyInitialized once Init has run.
func SetLogger(log logr.Logger) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalStarted {
		return ErrAlreadyInitialized
	}
	globalLogger = log
	return nil
}

// Init creates the process-wide profiler on first use. Concurrent callers
// observe a single initialization and receive the same instance, or the
// same error.
func Init() (*Profiler, error) {
	globalOnce.Do(func() {
		globalMu.Lock()
		globalStarted = true
		factory, log := globalFactory, globalLogger
		globalMu.Unlock()

		backend, err := factory()
		if err != nil {
			globalErr = fmt.Errorf("%w: create backend: %w", ErrBackend, err)
			log.Error(err, "Failed to create profiler backend")
			return
		}
		globalProfiler, globalErr = New(backend, log)
		if globalErr != nil {
			log.Error(globalErr, "Failed to initialize profiler")
		}
	})
	return globalProfiler, globalErr
}

// Global returns the process-wide profiler and panics if it could not be
// initialized. Instrumented code calls it on every entry.
func Global() *Profiler {
	p, err := Init()
	if err != nil {
		panic(err)
	}
	return p
}

// Shutdown shuts the backend down. Later calls do nothing. Any category,
// group, scope, counter or log created by p becomes stale.
func (p *Profiler) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.gen.Store(0)
		p.backend.Shutdown()
		p.log.V(1).Info("profiler shut down")
	})
}

func (p *Profiler) live(op string) Backend {
	if p.gen.Load() == 0 {
		usagePanic(op, ErrStaleHandle)
	}
	return p.backend
}

func (p *Profiler) newHandle(op string) handle {
	p.live(op)
	return handle{p: p, gen: p.gen.Load()}
}

func (p *Profiler) Logger() logr.Logger {
	return p.log
}

func (p *Profiler) GPUAPI() GPUAPI {
	return CompiledGPUAPI
}

// BeginThread registers the calling goroutine's OS thread with the backend
// under name. The goroutine stays locked to its thread until EndThread.
func (p *Profiler) BeginThread(name string) error {
	if err := validateName("thread", name); err != nil {
		return err
	}
	backend := p.live("BeginThread")
	runtime.LockOSThread()
	backend.OnThreadCreate(name)
	return nil
}

func (p *Profiler) EndThread() {
	p.live("EndThread").OnThreadExit()
	runtime.UnlockOSThread()
}

func (p *Profiler) EnableAllGroups(enable bool) {
	p.live("EnableAllGroups").SetEnableAllGroups(enable)
}

func (p *Profiler) EnableAllMetaCounters(enable bool) {
	p.live("EnableAllMetaCounters").SetForceMetaCounters(enable)
}

func (p *Profiler) BeginContextSwitchTrace() {
	p.live("BeginContextSwitchTrace").StartContextSwitchTrace()
}

func (p *Profiler) EndContextSwitchTrace() {
	p.live("EndContextSwitchTrace").StopContextSwitchTrace()
}

// Flip closes the current frame. Pass NoGPUContext when no GPU timers were
// recorded.
func (p *Profiler) Flip(ctx GPUContext) {
	p.live("Flip").Flip(ctx)
}

func (p *Profiler) WebServerPort() uint16 {
	return uint16(p.live("WebServerPort").WebServerPort())
}

// DefineCategory returns a category handle. Categories exist only as names
// on the backend side, so nothing is registered until a group is defined.
func (p *Profiler) DefineCategory(name string) (*Category, error) {
	if err := validateName("category", name); err != nil {
		return nil, err
	}
	return &Category{h: p.newHandle("DefineCategory"), name: name}, nil
}

func (p *Profiler) MustDefineCategory(name string) *Category {
	c, err := p.DefineCategory(name)
	if err != nil {
		panic(err)
	}
	return c
}

func (p *Profiler) DefineCounter(name string) (*Counter, error) {
	if err := validateName("counter", name); err != nil {
		return nil, err
	}
	h := p.newHandle("DefineCounter")
	return &Counter{h: h, name: name, token: p.backend.CounterToken(name)}, nil
}

func (p *Profiler) DefineLocalCounter(name string) (*LocalCounter, error) {
	if err := validateName("counter", name); err != nil {
		return nil, err
	}
	h := p.newHandle("DefineLocalCounter")
	return &LocalCounter{h: h, name: name, token: p.backend.CounterToken(name)}, nil
}

// AllocGPUThreadLog allocates a per-thread GPU timing buffer. The caller owns
// it and must Close it before the profiler shuts down.
func (p *Profiler) AllocGPUThreadLog() (*GPUThreadLog, error) {
	h := p.newHandle("AllocGPUThreadLog")
	log, err := p.backend.AllocGPULog()
	if err != nil {
		return nil, fmt.Errorf("%w: alloc gpu thread log: %w", ErrBackend, err)
	}
	return &GPUThreadLog{h: h, log: log}, nil
}

func (p *Profiler) initGPU(op string, init GPUInit) error {
	if err := p.live(op).InitGPU(init); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
	}
	p.log.Info("GPU timers initialized", "api", init.API)
	return nil
}

type handle struct {
	p   *Profiler
	gen uint64
}

func (h handle) backend(op string) Backend {
	if h.p.gen.Load() != h.gen {
		usagePanic(op, ErrStaleHandle)
	}
	return h.p.backend
}
