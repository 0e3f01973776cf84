package recorder

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrHookExists   = errors.New("frame hook already registered")
	ErrHookNotFound = errors.New("frame hook not found")
)

// FrameHook observes a flipped frame. The frame shares its event slice with
// the history and must not be modified.
type FrameHook func(frame Frame) error

type hookRegistration struct {
	name     string
	priority int
	hook     FrameHook
}

// AddFrameHook registers hook under name. Hooks run on the flipping
// goroutine after the recorder lock is released, lowest priority first, so
// they may call the recorder's query methods.
func (r *Recorder) AddFrameHook(name string, priority int, hook FrameHook) error {
	if hook == nil {
		return fmt.Errorf("frame hook %s: nil hook", name)
	}
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()

	for _, reg := range r.hooks {
		if reg.name == name {
			return fmt.Errorf("%w: %s", ErrHookExists, name)
		}
	}
	r.hooks = append(r.hooks, &hookRegistration{name: name, priority: priority, hook: hook})
	sort.SliceStable(r.hooks, func(i, j int) bool {
		return r.hooks[i].priority < r.hooks[j].priority
	})
	r.log.V(1).Info("Frame hook registered", "hook", name, "priority", priority)
	return nil
}

func (r *Recorder) RemoveFrameHook(name string) error {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()

	for i, reg := range r.hooks {
		if reg.name == name {
			r.hooks = append(r.hooks[:i:i], r.hooks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHookNotFound, name)
}

// runFrameHooks stops at the first failing hook.
func (r *Recorder) runFrameHooks(frame Frame) error {
	r.hooksMu.RLock()
	hooks := append([]*hookRegistration(nil), r.hooks...)
	r.hooksMu.RUnlock()

	for _, reg := range hooks {
		if err := reg.hook(frame); err != nil {
			return fmt.Errorf("frame hook %s failed: %w", reg.name, err)
		}
	}
	return nil
}
