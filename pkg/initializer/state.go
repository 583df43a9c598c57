package initializer

// State is the loading state of the content
type State int

const (
	// StateIdle is the state before Start
	StateIdle State = iota

	// StateLoading means a session is being built
	StateLoading

	// StateAwaitingBuffers means segments load while the native buffers are not usable yet
	StateAwaitingBuffers

	// StateLoaded means the content can be played
	StateLoaded

	// StateReloading means the session is being torn down to be rebuilt
	StateReloading

	// StateStopped is terminal, after Stop or the parent context ending
	StateStopped

	// StateErrored is terminal, after a fatal error
	StateErrored
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateAwaitingBuffers:
		return "awaiting-buffers"
	case StateLoaded:
		return "loaded"
	case StateReloading:
		return "reloading"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition can happen
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateErrored
}

// isActive reports whether a session exists in this state
func (s State) isActive() bool {
	return s == StateLoading || s == StateAwaitingBuffers || s == StateLoaded
}
