package allocator

import "errors"

// Failure reasons surfaced by allocate calls, matching the closed set the
// allocator can fail with (spec §4.2).
var (
	// ErrNoneAvailable means no candidate resource satisfied the request.
	ErrNoneAvailable = errors.New("allocator: no matching resource available")
	// ErrLabUnknown means the aggregate's lab does not exist.
	ErrLabUnknown = errors.New("allocator: lab not found")
	// ErrNotFree means a specifically-requested resource is already allocated.
	ErrNotFree = errors.New("allocator: resource is not free")
	// ErrWrongLab means a specifically-requested resource belongs to a
	// different lab than the one that was asked for.
	ErrWrongLab = errors.New("allocator: resource is not in the requested lab")
	// ErrHandleNotFound is returned by deallocate_host when no handle
	// matches the given id.
	ErrHandleNotFound = errors.New("allocator: resource handle not found")
	// ErrNoLiveAllocation is returned by deallocate_host when the handle
	// has no live allocation for the given aggregate.
	ErrNoLiveAllocation = errors.New("allocator: no live allocation on handle for aggregate")
)
