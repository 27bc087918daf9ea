package studio

import "errors"

var (
	ErrCapacityExceeded   = errors.New("session full: no presence color available")
	ErrUnknownSession     = errors.New("unknown session")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrStaleResyncGap     = errors.New("requested sequence is older than the retained log")
	ErrInvalidIntent      = errors.New("invalid edit intent")
	ErrInvalidTransition  = errors.New("invalid connection state transition")
	ErrSubscriberLagging  = errors.New("subscriber fell behind")
	ErrResumeRejected     = errors.New("resume token rejected")
	ErrSessionClosed      = errors.New("session closed")
	ErrConnectionDropped  = errors.New("connection dropped")
)
