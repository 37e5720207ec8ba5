package trip

import "errors"

// Sentinel errors the HTTP layer maps onto status codes.
var (
	ErrValidation   = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state transition")
	// ErrCapacityExceeded means the seat claim lost to the capacity cap.
	ErrCapacityExceeded = errors.New("trip capacity exceeded")
	// ErrWaitingForConfirmation is a benign outcome: the driver tried to mark a
	// pickup before the rider confirmed presence. Nothing changed.
	ErrWaitingForConfirmation = errors.New("rider has not confirmed pickup yet")
	// ErrConflict means an optimistic write lost the race; callers may retry.
	ErrConflict = errors.New("conflicting concurrent update")
	// ErrNotReady means the driver tried to start before the pre-departure
	// window opened.
	ErrNotReady = errors.New("trip not ready to start")
	// ErrForbidden means the caller is not the actor this operation belongs to.
	ErrForbidden = errors.New("forbidden")
)
