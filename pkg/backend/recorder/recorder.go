// Package recorder is an in-process profiler.Backend. It keeps the calls of
// the current frame and a bounded history of flipped frames, which makes it
// usable as the engine for tests, demos and tools that inspect what
// instrumented code reports.
package recorder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"microprofile/pkg/profiler"
)

const (
	DefaultMaxFrames     = 64
	DefaultWebServerPort = 1338
)

var ErrUnknownLog = errors.New("unknown gpu log")

type Options struct {
	// MaxFrames bounds the frame history. Zero selects DefaultMaxFrames.
	MaxFrames int
	// WebServerPort is reported by WebServerPort. The recorder does not
	// serve anything. Zero selects DefaultWebServerPort.
	WebServerPort int
	Logger        logr.Logger
	// Sampler feeds meta counters and context switch deltas. When nil the
	// recorder samples its own process.
	Sampler Sampler
	// Now is the clock used for event and frame times.
	Now func() time.Time
}

type tokenKey struct {
	group string
	name  string
	kind  profiler.TokenKind
}

type gpuLog struct {
	resets int
}

type Recorder struct {
	mu sync.Mutex

	log       logr.Logger
	session   uuid.UUID
	now       func() time.Time
	sampler   Sampler
	port      int
	maxFrames int

	running   bool
	enableAll bool
	forceMeta bool
	cswitch   bool

	lastToken profiler.Token
	lastTick  profiler.Tick
	lastLog   profiler.GPULog

	tokens   map[tokenKey]profiler.Token
	infos    map[profiler.Token]TokenInfo
	groups   map[string]string
	disabled map[string]bool

	threads map[int]string
	warned  map[int]bool
	open    map[profiler.Tick]profiler.Token

	counterTokens  map[string]profiler.Token
	counterNames   map[profiler.Token]string
	counterValues  map[profiler.Token]int64
	counterConfigs map[string]CounterConfig

	logs map[profiler.GPULog]*gpuLog

	hooksMu sync.RWMutex
	hooks   []*hookRegistration

	current    []Event
	frameStart time.Time
	frameIndex uint64
	frames     []Frame
	baseline   Usage
	sampled    bool
	violations int
}

var _ profiler.Backend = (*Recorder)(nil)

func New(opts Options) *Recorder {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	if opts.WebServerPort <= 0 {
		opts.WebServerPort = DefaultWebServerPort
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	return &Recorder{
		log:            opts.Logger.WithName("recorder"),
		now:            opts.Now,
		sampler:        opts.Sampler,
		port:           opts.WebServerPort,
		maxFrames:      opts.MaxFrames,
		tokens:         make(map[tokenKey]profiler.Token),
		infos:          make(map[profiler.Token]TokenInfo),
		groups:         make(map[string]string),
		disabled:       make(map[string]bool),
		threads:        make(map[int]string),
		warned:         make(map[int]bool),
		open:           make(map[profiler.Tick]profiler.Token),
		counterTokens:  make(map[string]profiler.Token),
		counterNames:   make(map[profiler.Token]string),
		counterValues:  make(map[profiler.Token]int64),
		counterConfigs: make(map[string]CounterConfig),
		logs:           make(map[profiler.GPULog]*gpuLog),
	}
}

// Factory adapts New to profiler.SetBackendFactory. The created recorder is
// passed to onCreate so the caller can keep a typed reference.
func Factory(opts Options, onCreate func(*Recorder)) profiler.BackendFactory {
	return func() (profiler.Backend, error) {
		r := New(opts)
		if onCreate != nil {
			onCreate(r)
		}
		return r, nil
	}
}

func (r *Recorder) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("recorder session %s already running", r.session)
	}
	session, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("create session id: %w", err)
	}
	if r.sampler == nil {
		sampler, err := NewProcessSampler()
		if err != nil {
			r.log.Error(err, "Process sampler unavailable, meta counters disabled")
		} else {
			r.sampler = sampler
		}
	}
	r.session = session
	r.running = true
	r.frameStart = r.now()
	r.log.Info("Recorder started", "session", session.String(), "maxFrames", r.maxFrames)
	return nil
}

func (r *Recorder) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.open) > 0 {
		r.log.Info("Shutting down with open scopes", "open", len(r.open))
	}
	if len(r.logs) > 0 {
		r.log.Info("Shutting down with unfreed gpu logs", "logs", len(r.logs))
	}
	r.running = false
	r.log.Info("Recorder stopped", "session", r.session.String(), "frames", r.frameIndex)
}

func (r *Recorder) Session() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Recorder) RegisterGroup(name, category string, color uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.groups[name]; ok && prev != category {
		r.log.Info("Group moved to another category", "group", name, "from", prev, "to", category)
	}
	r.groups[name] = category
	r.log.V(1).Info("Registered group", "group", name, "category", category, "color", fmt.Sprintf("#%06x", color))
}

func (r *Recorder) EnableCategory(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, name)
}

func (r *Recorder) DisableCategory(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[name] = true
}

// CategoryEnabled reports whether scopes in groups of category are recorded.
func (r *Recorder) CategoryEnabled(category string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enableAll || !r.disabled[category]
}

func (r *Recorder) GetToken(group, name string, color uint32, kind profiler.TokenKind) profiler.Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tokenKey{group: group, name: name, kind: kind}
	if token, ok := r.tokens[key]; ok {
		return token
	}
	r.lastToken++
	token := r.lastToken
	r.tokens[key] = token
	r.infos[token] = TokenInfo{
		Token:    token,
		Group:    group,
		Category: r.groups[group],
		Name:     name,
		Color:    color,
		Kind:     kind,
	}
	return token
}

// Token looks up a token issued by GetToken.
func (r *Recorder) Token(group, name string, kind profiler.TokenKind) (profiler.Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[tokenKey{group: group, name: name, kind: kind}]
	return token, ok
}

func (r *Recorder) TokenInfo(token profiler.Token) (TokenInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infos[token]
	return info, ok
}

func (r *Recorder) enabledLocked(token profiler.Token) bool {
	if r.enableAll {
		return true
	}
	category := r.groups[r.infos[token].Group]
	return !r.disabled[category]
}

func (r *Recorder) checkThreadLocked(tid int) {
	if _, ok := r.threads[tid]; ok || r.warned[tid] {
		return
	}
	r.warned[tid] = true
	r.log.Info("Scope entered on a thread that was never registered, call BeginThread first", "thread", tid)
}

func (r *Recorder) enterLocked(kind EventKind, log profiler.GPULog, token profiler.Token) profiler.Tick {
	if !r.enabledLocked(token) {
		return profiler.InvalidTick
	}
	tid := threadID()
	if kind == EventEnter {
		r.checkThreadLocked(tid)
	}
	r.lastTick++
	tick := r.lastTick
	r.open[tick] = token
	r.current = append(r.current, Event{
		Kind:   kind,
		Token:  token,
		Tick:   tick,
		Thread: tid,
		Log:    log,
		Time:   r.now(),
	})
	return tick
}

func (r *Recorder) leaveLocked(kind EventKind, log profiler.GPULog, token profiler.Token, tick profiler.Tick) {
	if tick == profiler.InvalidTick {
		return
	}
	opened, ok := r.open[tick]
	if !ok || opened != token {
		r.violations++
		r.log.Error(nil, "Protocol violation: leave does not match an open enter",
			"token", token, "tick", tick, "kind", kind.String())
		return
	}
	delete(r.open, tick)
	r.current = append(r.current, Event{
		Kind:   kind,
		Token:  token,
		Tick:   tick,
		Thread: threadID(),
		Log:    log,
		Time:   r.now(),
	})
}

func (r *Recorder) Enter(token profiler.Token) profiler.Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enterLocked(EventEnter, 0, token)
}

func (r *Recorder) Leave(token profiler.Token, tick profiler.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(EventLeave, 0, token, tick)
}

func (r *Recorder) GPUEnter(log profiler.GPULog, token profiler.Token) profiler.Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logs[log]; !ok {
		r.log.Error(ErrUnknownLog, "GPU enter on unknown log", "log", log)
		return profiler.InvalidTick
	}
	return r.enterLocked(EventGPUEnter, log, token)
}

func (r *Recorder) GPULeave(log profiler.GPULog, token profiler.Token, tick profiler.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(EventGPULeave, log, token, tick)
}

func (r *Recorder) AllocGPULog() (profiler.GPULog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return 0, errors.New("recorder is not running")
	}
	r.lastLog++
	r.logs[r.lastLog] = &gpuLog{}
	return r.lastLog, nil
}

func (r *Recorder) FreeGPULog(log profiler.GPULog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logs[log]; !ok {
		r.log.Error(ErrUnknownLog, "Free of unknown gpu log", "log", log)
		return
	}
	delete(r.logs, log)
}

// ResetGPULog drops the log's events that were not flipped yet, including
// any of its scopes that are still open.
func (r *Recorder) ResetGPULog(log profiler.GPULog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[log]
	if !ok {
		r.log.Error(ErrUnknownLog, "Reset of unknown gpu log", "log", log)
		return
	}
	l.resets++
	kept := r.current[:0]
	for _, ev := range r.current {
		if ev.Log == log && (ev.Kind == EventGPUEnter || ev.Kind == EventGPULeave) {
			delete(r.open, ev.Tick)
			continue
		}
		kept = append(kept, ev)
	}
	r.current = kept
}

func (r *Recorder) CounterToken(name string) profiler.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.counterTokens[name]; ok {
		return token
	}
	r.lastToken++
	token := r.lastToken
	r.counterTokens[name] = token
	r.counterNames[token] = name
	return token
}

func (r *Recorder) CounterAdd(token profiler.Token, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counterValues[token] += delta
	r.current = append(r.current, Event{Kind: EventCounterAdd, Token: token, Value: delta, Thread: threadID(), Time: r.now()})
}

func (r *Recorder) CounterSet(token profiler.Token, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counterValues[token] = value
	r.current = append(r.current, Event{Kind: EventCounterSet, Token: token, Value: value, Thread: threadID(), Time: r.now()})
}

func (r *Recorder) CounterConfig(name string, format profiler.CounterFormat, limit int64, flags profiler.CounterFlags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counterConfigs[name] = CounterConfig{Format: format, Limit: limit, Flags: flags}
}

// Counter returns the current value of a named counter.
func (r *Recorder) Counter(name string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.counterTokens[name]
	if !ok {
		return 0, false
	}
	return r.counterValues[token], true
}

func (r *Recorder) CounterSettings(name string) (CounterConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.counterConfigs[name]
	return cfg, ok
}

func (r *Recorder) OnThreadCreate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tid := threadID()
	r.threads[tid] = name
	delete(r.warned, tid)
	r.log.V(1).Info("Thread registered", "thread", tid, "name", name)
}

func (r *Recorder) OnThreadExit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	tid := threadID()
	delete(r.threads, tid)
	r.log.V(1).Info("Thread exited", "thread", tid)
}

// Threads returns the registered thread names keyed by OS thread id.
func (r *Recorder) Threads() map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]string, len(r.threads))
	for tid, name := range r.threads {
		out[tid] = name
	}
	return out
}

func (r *Recorder) StartContextSwitchTrace() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sampling() {
		r.resampleLocked()
	}
	r.cswitch = true
}

func (r *Recorder) StopContextSwitchTrace() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cswitch = false
}

func (r *Recorder) SetEnableAllGroups(enable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enableAll = enable
}

func (r *Recorder) SetForceMetaCounters(enable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if enable && !r.sampling() {
		r.resampleLocked()
	}
	r.forceMeta = enable
}

func (r *Recorder) sampling() bool {
	return r.forceMeta || r.cswitch
}

// resampleLocked restarts the usage baseline so the next frame reports a
// delta over a known interval.
func (r *Recorder) resampleLocked() {
	if r.sampler == nil {
		return
	}
	usage, err := r.sampler.Sample()
	if err != nil {
		r.log.Error(err, "Failed to sample process usage")
		r.sampled = false
		return
	}
	r.baseline, r.sampled = usage, true
}

// SetMaxFrames changes the history bound. Older frames beyond the new bound
// are dropped.
func (r *Recorder) SetMaxFrames(n int) {
	if n <= 0 {
		n = DefaultMaxFrames
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxFrames = n
	if len(r.frames) > n {
		r.frames = append([]Frame(nil), r.frames[len(r.frames)-n:]...)
	}
}

// Flip closes the current frame and hands it to the frame hooks.
func (r *Recorder) Flip(ctx profiler.GPUContext) {
	r.mu.Lock()
	frame := r.flipLocked(ctx)
	r.mu.Unlock()

	if err := r.runFrameHooks(frame); err != nil {
		r.log.Error(err, "Frame hook failed", "frame", frame.Index)
	}
}

func (r *Recorder) flipLocked(ctx profiler.GPUContext) Frame {
	end := r.now()
	frame := Frame{
		Index:      r.frameIndex,
		Start:      r.frameStart,
		End:        end,
		Events:     r.current,
		Counters:   make(map[string]int64, len(r.counterValues)),
		GPUContext: ctx.Handle(),
	}
	for token, value := range r.counterValues {
		frame.Counters[r.counterNames[token]] = value
	}

	if r.sampling() && r.sampler != nil {
		usage, err := r.sampler.Sample()
		switch {
		case err != nil:
			r.log.Error(err, "Failed to sample process usage", "frame", r.frameIndex)
		case r.sampled:
			delta := usage.sub(r.baseline)
			if r.forceMeta {
				frame.Meta = &delta
			}
			if r.cswitch {
				frame.ContextSwitches = &ContextSwitches{
					Voluntary:   delta.VoluntarySwitches,
					Involuntary: delta.InvoluntarySwitches,
				}
			}
		}
		if err == nil {
			r.baseline, r.sampled = usage, true
		}
	}

	r.frames = append(r.frames, frame)
	if len(r.frames) > r.maxFrames {
		r.frames = r.frames[1:]
	}
	r.frameIndex++
	r.frameStart = end
	r.current = nil
	r.log.V(1).Info("Frame flipped", "frame", frame.Index, "events", len(frame.Events))
	return frame
}

// Calls returns the events recorded in the current frame.
func (r *Recorder) Calls() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.current...)
}

// Frames returns the retained frame history, oldest first.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// FrameCount is the number of flips since Init, including frames that fell
// out of the history.
func (r *Recorder) FrameCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameIndex
}

// Violations counts leaves that did not match an open enter.
func (r *Recorder) Violations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.violations
}

// OpenScopes is the number of entered scopes not yet left.
func (r *Recorder) OpenScopes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func (r *Recorder) WebServerPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

func (r *Recorder) InitGPU(init profiler.GPUInit) error {
	if init.API == profiler.GPUNone {
		return errors.New("no GPU API selected")
	}
	if init.API != profiler.CompiledGPUAPI {
		return fmt.Errorf("gpu api %s does not match compiled api %s", init.API, profiler.CompiledGPUAPI)
	}
	r.log.Info("GPU timers enabled", "api", init.API.String(), "nodes", init.NodeCount)
	return nil
}
