package profiler

// SmartScope keeps a scope entered until Release. The usual form is
//
//	defer profiler.Enter(scope).Release()
type SmartScope struct {
	scope    Scope
	released bool
}

// Enter enters scope and returns the guard that leaves it.
func Enter(scope Scope) *SmartScope {
	scope.Enter()
	return &SmartScope{scope: scope}
}

// Release leaves the scope. Only the first call has an effect.
func (s *SmartScope) Release() {
	if s.released {
		return
	}
	s.released = true
	s.scope.Leave()
}

// WithScope runs fn inside scope. The scope is left when fn returns, fails
// or panics; a panic keeps propagating after the leave.
func WithScope(scope Scope, fn func() error) error {
	defer Enter(scope).Release()
	return fn()
}

// Measure is WithScope for functions that produce a value.
func Measure[T any](scope Scope, fn func() (T, error)) (T, error) {
	defer Enter(scope).Release()
	return fn()
}
