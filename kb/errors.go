package kb

import "errors"

var (
	// ErrOutOfRange indicates a handle whose index has no backing slot.
	ErrOutOfRange = errors.New("body index out of range")
	// ErrStaleReference indicates a handle whose slot was emptied or
	// reused since the handle was issued.
	ErrStaleReference = errors.New("stale body reference")
	// ErrAlreadyClaimed indicates an index that is already held
	// exclusively by this tracker lineage, or a tracker that is lent to a
	// live sub-tracker.
	ErrAlreadyClaimed = errors.New("body already claimed")
)
