package libcluster

import "errors"

// Sentinel errors surfaced to callers. Internal transient backend errors
// are logged through the configured LogFunc and never wrapped in these.
var (
	// ErrNotPermitted is returned when an operation is invalid for the
	// cluster's current lifecycle state (e.g. reconfiguring while joined).
	ErrNotPermitted = errors.New("libcluster: not permitted in current state")

	// ErrInvalid is returned for malformed arguments (bad key, bad
	// instance id, unsupported registry scheme, ...).
	ErrInvalid = errors.New("libcluster: invalid argument")

	// ErrAllocFailed names a failure to allocate the resources needed to
	// join (e.g. background task setup). No function in this package
	// returns it.
	ErrAllocFailed = errors.New("libcluster: allocation failed")

	// ErrBackendUnavailable is returned when join's synchronous announce
	// or balance could not reach the registry backend at all.
	ErrBackendUnavailable = errors.New("libcluster: registry backend unavailable")
)
