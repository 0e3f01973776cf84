package profiler

// GPUThreadLog is a backend buffer of GPU timing events. A log has a single
// writer: scopes recording into it and the Flip that submits it must be
// sequenced by the caller.
type GPUThreadLog struct {
	h      handle
	log    GPULog
	closed bool
	// active counts the GPUScopes entered on this log and not yet left.
	active int
}

func (l *GPUThreadLog) Handle() GPULog {
	return l.log
}

func (l *GPUThreadLog) check(op string) Backend {
	backend := l.h.backend(op)
	if l.closed {
		usagePanic(op, ErrLogClosed)
	}
	return backend
}

// Reset discards the events recorded since the last flip.
func (l *GPUThreadLog) Reset() {
	l.check("GPUThreadLog.Reset").ResetGPULog(l.log)
}

// Close frees the log. Calling Close again does nothing. Closing a log
// while one of its scopes is entered is a usage error.
func (l *GPUThreadLog) Close() {
	if l.closed {
		return
	}
	backend := l.h.backend("GPUThreadLog.Close")
	if l.active > 0 {
		usagePanic("GPUThreadLog.Close", ErrLogInUse)
	}
	l.closed = true
	backend.FreeGPULog(l.log)
}
