package recorder

import (
	"fmt"
	"time"

	"microprofile/pkg/profiler"
)

type EventKind int

const (
	EventEnter EventKind = iota
	EventLeave
	EventGPUEnter
	EventGPULeave
	EventCounterAdd
	EventCounterSet
)

var eventKindNames = [...]string{
	"enter",
	"leave",
	"gpu-enter",
	"gpu-leave",
	"counter-add",
	"counter-set",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventKindNames[k]
}

// Event is one backend call as seen by the recorder. Log is set for GPU
// events and Value for counter events.
type Event struct {
	Kind   EventKind
	Token  profiler.Token
	Tick   profiler.Tick
	Thread int
	Log    profiler.GPULog
	Value  int64
	Time   time.Time
}

// TokenInfo is what the recorder knows about an issued scope token.
type TokenInfo struct {
	Token    profiler.Token
	Group    string
	Category string
	Name     string
	Color    uint32
	Kind     profiler.TokenKind
}

type CounterConfig struct {
	Format profiler.CounterFormat
	Limit  int64
	Flags  profiler.CounterFlags
}

// Frame is a closed reporting frame.
type Frame struct {
	Index      uint64
	Start      time.Time
	End        time.Time
	Events     []Event
	Counters   map[string]int64
	GPUContext uintptr

	// Meta is set when meta counters are forced. CPU seconds are deltas over
	// the frame.
	Meta *Usage
	// ContextSwitches is set while the context switch trace runs.
	ContextSwitches *ContextSwitches
}

type ContextSwitches struct {
	Voluntary   int64
	Involuntary int64
}
