package callsession

import "errors"

var (
	// ErrNotFound means the referenced session or appointment does not exist.
	ErrNotFound = errors.New("callsession: not found")

	// ErrCannotRejoin means the session is not eligible for rejoin.
	ErrCannotRejoin = errors.New("callsession: cannot rejoin")

	// ErrNotParticipant means the caller is neither doctor nor patient of the call.
	ErrNotParticipant = errors.New("callsession: user is not a participant")

	// ErrSessionEnded means the operation would revive an ENDED session.
	ErrSessionEnded = errors.New("callsession: session already ended")

	ErrInvalidArgument = errors.New("callsession: invalid argument")

	// ErrActiveSessionExists is returned by Repository.Create when the
	// appointment already has a non-terminal session.
	ErrActiveSessionExists = errors.New("callsession: appointment already has an active session")
)
