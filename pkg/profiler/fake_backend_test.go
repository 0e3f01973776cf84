package profiler

import (
	"errors"
	"sync"
)

type call struct {
	Op    string
	Name  string
	Token Token
	Tick  Tick
	Value int64
}

type tokenKey struct {
	group, name string
	kind        TokenKind
}

// fakeBackend records every call in order. Tokens are deduplicated the way
// the native engine does it so token identity can be asserted.
type fakeBackend struct {
	mu        sync.Mutex
	calls     []call
	tokens    map[tokenKey]Token
	counters  map[string]Token
	groups    map[string]string
	lastToken Token
	lastTick  Tick
	lastLog   GPULog
	inits     int
	shutdowns int

	initErr  error
	allocErr error
	gpuErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tokens:   make(map[tokenKey]Token),
		counters: make(map[string]Token),
		groups:   make(map[string]string),
	}
}

func (b *fakeBackend) record(c call) {
	b.calls = append(b.calls, c)
}

func (b *fakeBackend) Calls() []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]call(nil), b.calls...)
}

func (b *fakeBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inits++
	return b.initErr
}

func (b *fakeBackend) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdowns++
	b.record(call{Op: "shutdown"})
}

func (b *fakeBackend) RegisterGroup(name, category string, color uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[name] = category
	b.record(call{Op: "register-group", Name: category + "/" + name, Value: int64(color)})
}

func (b *fakeBackend) EnableCategory(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "enable-category", Name: name})
}

func (b *fakeBackend) DisableCategory(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "disable-category", Name: name})
}

func (b *fakeBackend) GetToken(group, name string, color uint32, kind TokenKind) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := tokenKey{group, name, kind}
	token, ok := b.tokens[key]
	if !ok {
		b.lastToken++
		token = b.lastToken
		b.tokens[key] = token
	}
	b.record(call{Op: "get-token", Name: group + "/" + name, Token: token, Value: int64(color)})
	return token
}

func (b *fakeBackend) Enter(token Token) Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastTick++
	b.record(call{Op: "enter", Token: token, Tick: b.lastTick})
	return b.lastTick
}

func (b *fakeBackend) Leave(token Token, tick Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "leave", Token: token, Tick: tick})
}

func (b *fakeBackend) GPUEnter(log GPULog, token Token) Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastTick++
	b.record(call{Op: "gpu-enter", Token: token, Tick: b.lastTick, Value: int64(log)})
	return b.lastTick
}

func (b *fakeBackend) GPULeave(log GPULog, token Token, tick Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "gpu-leave", Token: token, Tick: tick, Value: int64(log)})
}

func (b *fakeBackend) AllocGPULog() (GPULog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocErr != nil {
		return 0, b.allocErr
	}
	b.lastLog++
	b.record(call{Op: "alloc-gpu-log", Value: int64(b.lastLog)})
	return b.lastLog, nil
}

func (b *fakeBackend) FreeGPULog(log GPULog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "free-gpu-log", Value: int64(log)})
}

func (b *fakeBackend) ResetGPULog(log GPULog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "reset-gpu-log", Value: int64(log)})
}

func (b *fakeBackend) CounterToken(name string) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	token, ok := b.counters[name]
	if !ok {
		b.lastToken++
		token = b.lastToken
		b.counters[name] = token
	}
	return token
}

func (b *fakeBackend) CounterAdd(token Token, delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "counter-add", Token: token, Value: delta})
}

func (b *fakeBackend) CounterSet(token Token, value int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "counter-set", Token: token, Value: value})
}

func (b *fakeBackend) CounterConfig(name string, format CounterFormat, limit int64, flags CounterFlags) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "counter-config", Name: name + ":" + format.String(), Value: limit, Tick: Tick(flags)})
}

func (b *fakeBackend) OnThreadCreate(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "thread-create", Name: name})
}

func (b *fakeBackend) OnThreadExit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "thread-exit"})
}

func (b *fakeBackend) StartContextSwitchTrace() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "cswitch-start"})
}

func (b *fakeBackend) StopContextSwitchTrace() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "cswitch-stop"})
}

func (b *fakeBackend) SetEnableAllGroups(enable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "enable-all-groups", Value: boolValue(enable)})
}

func (b *fakeBackend) SetForceMetaCounters(enable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "force-meta-counters", Value: boolValue(enable)})
}

func (b *fakeBackend) Flip(ctx GPUContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "flip", Value: int64(ctx.Handle())})
}

func (b *fakeBackend) WebServerPort() int {
	return 1338
}

func (b *fakeBackend) InitGPU(init GPUInit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(call{Op: "init-gpu", Name: init.API.String()})
	return b.gpuErr
}

func boolValue(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

var errFake = errors.New("fake backend failure")
