// Package errdefs defines the error kinds shared across safespace
// subsystems. Callers classify failures with errors.Is; the concrete
// message travels in the wrapping error.
package errdefs

import "errors"

var (
	// ErrPrecondition indicates a missing binary, absent sudo secret, or
	// an unsupported platform. The verb aborts with a remediation message.
	ErrPrecondition = errors.New("precondition missing")

	// ErrPermission indicates a failed 0700 check or an unwritable root.
	ErrPermission = errors.New("permission denied")

	// ErrExternalCommand indicates a nonzero exit from a host tool
	// (ip, tc, pfctl, the container runtime, the emulator).
	ErrExternalCommand = errors.New("external command failed")

	// ErrIntegrity indicates a SHA-256 mismatch on a download or during
	// cache verification. The offending artifact is deleted.
	ErrIntegrity = errors.New("integrity violation")

	// ErrIndexCorrupt indicates an unreadable cache index. The cache
	// restarts with an empty in-memory index, preserving on-disk blobs.
	ErrIndexCorrupt = errors.New("index corrupt")

	// ErrStateStore indicates a failure in the persistent sandbox index.
	// Persistence verbs fail; sandbox cleanup is unaffected.
	ErrStateStore = errors.New("state store failure")

	// ErrTransientFS indicates a transient filesystem error during cache
	// I/O. There is no automatic retry.
	ErrTransientFS = errors.New("transient filesystem error")

	// ErrNotFound indicates a lookup miss (cache key, saved sandbox).
	ErrNotFound = errors.New("not found")
)
