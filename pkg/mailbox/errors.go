package mailbox

import "errors"

var (
	// ErrTimeout is returned by Receiver.WaitNext when no message
	// arrives before the deadline.
	ErrTimeout = errors.New("mailbox: wait timed out")
	// ErrNoSuchHook is returned by GetEndpointHook when the instance has
	// no endpoint registered under the requested usage.
	ErrNoSuchHook = errors.New("mailbox: no endpoint hook registered for that usage")
	// ErrInstanceNotFound is returned when the referenced instance row
	// does not exist.
	ErrInstanceNotFound = errors.New("mailbox: instance not found")
)
