package profiler

// Scope is a region that can be entered and left. CPUScope and GPUScope
// implement it; SmartScope and the closure helpers accept any Scope.
type Scope interface {
	Enter()
	Leave()
}

// scopeState is the idle/active state machine shared by both scope kinds.
// The tick returned by the backend on enter is kept here and handed back on
// leave.
type scopeState struct {
	h       handle
	token   Token
	name    string
	tick    Tick
	entered bool
}

func (s *scopeState) begin(op string) Backend {
	backend := s.h.backend(op)
	if s.entered {
		usagePanic(op+" "+s.name, ErrReentered)
	}
	return backend
}

func (s *scopeState) end(op string) (Backend, Tick) {
	backend := s.h.backend(op)
	if !s.entered {
		usagePanic(op+" "+s.name, ErrNotEntered)
	}
	tick := s.tick
	s.tick, s.entered = InvalidTick, false
	return backend, tick
}

func (s *scopeState) Name() string {
	return s.name
}

func (s *scopeState) Token() Token {
	return s.token
}

// Active reports whether the scope has been entered and not yet left.
func (s *scopeState) Active() bool {
	return s.entered
}

// CPUScope times a region on the calling thread. It is not safe for
// concurrent use; give each goroutine its own scope.
type CPUScope struct {
	scopeState
}

func (s *CPUScope) Enter() {
	backend := s.begin("Enter")
	s.tick = backend.Enter(s.token)
	s.entered = true
}

func (s *CPUScope) Leave() {
	backend, tick := s.end("Leave")
	backend.Leave(s.token, tick)
}

// GPUScope times a region of GPU work recorded into a GPUThreadLog.
type GPUScope struct {
	scopeState
	log *GPUThreadLog
}

func (s *GPUScope) Enter() {
	backend := s.begin("GPUScope.Enter")
	s.log.check("GPUScope.Enter")
	s.tick = backend.GPUEnter(s.log.log, s.token)
	s.entered = true
	s.log.active++
}

func (s *GPUScope) Leave() {
	s.log.check("GPUScope.Leave")
	backend, tick := s.end("GPUScope.Leave")
	s.log.active--
	backend.GPULeave(s.log.log, s.token, tick)
}
