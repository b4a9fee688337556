package errors

import "errors"

var (
	// ErrUnavailable reports that the coordination service could not be
	// reached or answered with a server failure.
	ErrUnavailable = errors.New("coordination service unavailable")
	// ErrTimeout reports that a request to the coordination service did
	// not complete within its deadline.
	ErrTimeout = errors.New("coordination service timeout")
)
