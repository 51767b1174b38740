package core

import (
	"errors"

	"github.com/signalsfoundry/orbiter-simulator/kb"
)

// Re-export the store errors so callers can depend on core.* alone.
var (
	// ErrStaleReference indicates a handle to a removed or replaced body.
	ErrStaleReference = kb.ErrStaleReference
	// ErrAlreadyClaimed indicates a traversal tried to claim a body twice.
	ErrAlreadyClaimed = kb.ErrAlreadyClaimed
	// ErrOutOfRange indicates a handle with no backing slot.
	ErrOutOfRange = kb.ErrOutOfRange
)

var (
	// ErrMalformedSnapshot indicates a snapshot whose top-level shape is
	// wrong. The universe is left untouched.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrUnauthorized indicates a session tried to command a body it does
	// not own.
	ErrUnauthorized = errors.New("session does not own body")
	// ErrBodyNotFound indicates a named body does not exist.
	ErrBodyNotFound = errors.New("body not found")
	// ErrParentNotFound indicates a named or referenced parent does not
	// exist, or cannot be used as a parent.
	ErrParentNotFound = errors.New("parent not found")
	// ErrInvalidTimeScale indicates a negative or non-finite time scale.
	ErrInvalidTimeScale = errors.New("invalid time scale")
	// ErrInvalidState indicates a state command with non-finite values.
	ErrInvalidState = errors.New("invalid body state")
	// ErrInvalidScenario indicates a scenario file that cannot be built.
	ErrInvalidScenario = errors.New("invalid scenario")
)
