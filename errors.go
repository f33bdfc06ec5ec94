package keyguard

import "errors"

var (
	// ErrUnknownMethod is returned for a method outside the supported set.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrMalformedParams is returned when a known method carries params that
	// cannot be decoded.
	ErrMalformedParams = errors.New("malformed params")

	// ErrDenied is an explicit authorization denial (stored Deny permission
	// or a human saying no).
	ErrDenied = errors.New("denied")

	// ErrBudgetExceeded is a payment denial distinguishable from ErrDenied.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrSessionEnded is returned for requests arriving after a session
	// reached its terminal state.
	ErrSessionEnded = errors.New("session ended")

	// ErrRevoked is returned for requests on a revoked connection.
	ErrRevoked = errors.New("connection revoked")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateConnection is returned when registering a connection that
	// already exists for (client, user, channel).
	ErrDuplicateConnection = errors.New("connection already exists")
)
