package callleg

import "errors"

// ErrProtocolViolation is returned when a notification or outcome is
// malformed or carries an unrecognized type tag. The leg is not torn down.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrMissingHandler is returned when an event that requires a response has
// no registered handler.
var ErrMissingHandler = errors.New("no handler registered")

// ErrPreconditionNotMet is returned when an outbound operation needs a link
// that the platform has not supplied yet.
var ErrPreconditionNotMet = errors.New("precondition not met")

// ErrAlreadyDecided is returned when an incoming call is answered or
// rejected more than once.
var ErrAlreadyDecided = errors.New("incoming call already answered or rejected")
