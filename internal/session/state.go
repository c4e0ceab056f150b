// ABOUTME: Session lifecycle states and the errors of terminal sessions
// ABOUTME: Expired and Closed are terminal; operations on them fail fast

package session

import "errors"

// State is the lifecycle state of a session.
type State int

const (
	StateCreated State = iota
	StateActive
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further operation can succeed.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateClosed
}

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionExpired is returned by operations on an expired session.
	ErrSessionExpired = errors.New("session expired")
)
