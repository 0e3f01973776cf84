package recorder

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a snapshot of the process counters the recorder reports as meta
// counters.
type Usage struct {
	UserSeconds         float64
	SystemSeconds       float64
	VoluntarySwitches   int64
	InvoluntarySwitches int64
}

func (u Usage) sub(base Usage) Usage {
	return Usage{
		UserSeconds:         u.UserSeconds - base.UserSeconds,
		SystemSeconds:       u.SystemSeconds - base.SystemSeconds,
		VoluntarySwitches:   u.VoluntarySwitches - base.VoluntarySwitches,
		InvoluntarySwitches: u.InvoluntarySwitches - base.InvoluntarySwitches,
	}
}

// Sampler reads process usage. The recorder calls it once per flip when meta
// counters or the context switch trace are enabled.
type Sampler interface {
	Sample() (Usage, error)
}

type processSampler struct {
	proc *process.Process
}

// NewProcessSampler samples the current process through gopsutil.
func NewProcessSampler() (Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", os.Getpid(), err)
	}
	return &processSampler{proc: proc}, nil
}

func (s *processSampler) Sample() (Usage, error) {
	times, err := s.proc.Times()
	if err != nil {
		return Usage{}, fmt.Errorf("read cpu times: %w", err)
	}
	usage := Usage{
		UserSeconds:   times.User,
		SystemSeconds: times.System,
	}
	switches, err := s.proc.NumCtxSwitches()
	if err != nil {
		return usage, fmt.Errorf("read context switches: %w", err)
	}
	usage.VoluntarySwitches = switches.Voluntary
	usage.InvoluntarySwitches = switches.Involuntary
	return usage, nil
}
