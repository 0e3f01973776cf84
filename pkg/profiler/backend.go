package profiler

import "fmt"

// Token identifies a registered scope or counter inside the backend.
type Token uint64

// Tick correlates an enter with its matching leave. Its value is opaque to
// this package and must be handed back to the backend unchanged.
type Tick uint64

// InvalidTick is returned by backends that decided not to record a scope,
// for example because its group is disabled.
const InvalidTick Tick = 0

// GPULog is the backend handle of a per-thread GPU timing buffer.
type GPULog uintptr

type TokenKind int

const (
	TokenCPU TokenKind = iota
	TokenGPU
)

var tokenKindNames = [...]string{
	"cpu",
	"gpu",
}

func (k TokenKind) String() string {
	if k < 0 || int(k) >= len(tokenKindNames) {
		return fmt.Sprintf("TokenKind(%d)", int(k))
	}
	return tokenKindNames[k]
}

type CounterFormat int

const (
	CounterFormatDefault CounterFormat = iota
	CounterFormatBytes
)

var counterFormatNames = [...]string{
	"default",
	"bytes",
}

func (f CounterFormat) String() string {
	if f < 0 || int(f) >= len(counterFormatNames) {
		return fmt.Sprintf("CounterFormat(%d)", int(f))
	}
	return counterFormatNames[f]
}

type CounterFlags uint32

const (
	CounterFlagNone CounterFlags = 0
	// CounterFlagDetailed asks the backend to keep a per-frame history.
	CounterFlagDetailed CounterFlags = 1 << 0
	// CounterFlagDetailedGraph also draws the history as a graph.
	CounterFlagDetailedGraph CounterFlags = 1 << 1
)

// GPUInit carries the native handles for a GPU timer backend. Which fields
// are meaningful depends on API.
type GPUInit struct {
	API             GPUAPI
	Device          uintptr
	Context         uintptr
	Devices         []uintptr
	PhysicalDevices []uintptr
	Queues          []uintptr
	QueueFamily     uint32
	NodeCount       uint32
	ProcAddress     func(name string) uintptr
}

// Backend is the call surface of the timing engine. Implementations must be
// safe for concurrent use; the profiler adds no locking on the hot path.
type Backend interface {
	Init() error
	Shutdown()

	RegisterGroup(name, category string, color uint32)
	EnableCategory(name string)
	DisableCategory(name string)
	GetToken(group, name string, color uint32, kind TokenKind) Token

	Enter(token Token) Tick
	Leave(token Token, tick Tick)
	GPUEnter(log GPULog, token Token) Tick
	GPULeave(log GPULog, token Token, tick Tick)

	AllocGPULog() (GPULog, error)
	FreeGPULog(log GPULog)
	ResetGPULog(log GPULog)

	CounterToken(name string) Token
	CounterAdd(token Token, delta int64)
	CounterSet(token Token, value int64)
	CounterConfig(name string, format CounterFormat, limit int64, flags CounterFlags)

	OnThreadCreate(name string)
	OnThreadExit()
	StartContextSwitchTrace()
	StopContextSwitchTrace()
	SetEnableAllGroups(enable bool)
	SetForceMetaCounters(enable bool)

	Flip(ctx GPUContext)
	WebServerPort() int
	InitGPU(init GPUInit) error
}

// BackendFactory builds the backend used by the global profiler.
type BackendFactory func() (Backend, error)

// nopBackend is installed when no factory was registered before Init. It
// hands out distinct tokens and ticks so the scope state machine still
// behaves, but records nothing.
type nopBackend struct {
	tokens counter64
	ticks  counter64
	logs   counter64
}

func (b *nopBackend) Init() error { return nil }
func (b *nopBackend) Shutdown() {}
func (b *nopBackend) RegisterGroup(string, string, uint32) {}
func (b *nopBackend) EnableCategory(string) {}
func (b *nopBackend) DisableCategory(string) {}
func (b *nopBackend) Enter(Token) Tick { return Tick(b.ticks.next()) }
func (b *nopBackend) Leave(Token, Tick) {}
func (b *nopBackend) GPUEnter(GPULog, Token) Tick { return Tick(b.ticks.next()) }
func (b *nopBackend) GPULeave(GPULog, Token, Tick) {}
func (b *nopBackend) AllocGPULog() (GPULog, error) { return GPULog(b.logs.next()), nil }
func (b *nopBackend) FreeGPULog(GPULog) {}
func (b *nopBackend) ResetGPULog(GPULog) {}
func (b *nopBackend) CounterToken(string) Token { return Token(b.tokens.next()) }
func (b *nopBackend) CounterAdd(Token, int64) {}
func (b *nopBackend) CounterSet(Token, int64) {}
func (b *nopBackend) CounterConfig(string, CounterFormat, int64, CounterFlags) {}
func (b *nopBackend) OnThreadCreate(string) {}
func (b *nopBackend) OnThreadExit() {}
func (b *nopBackend) StartContextSwitchTrace() {}
func (b *nopBackend) StopContextSwitchTrace() {}
func (b *nopBackend) SetEnableAllGroups(bool) {}
func (b *nopBackend) SetForceMetaCounters(bool) {}
func (b *nopBackend) Flip(GPUContext) {}
func (b *nopBackend) WebServerPort() int { return 0 }
func (b *nopBackend) InitGPU(GPUInit) error { return nil }

func (b *nopBackend) GetToken(string, string, uint32, TokenKind) Token {
	return Token(b.tokens.next())
}
