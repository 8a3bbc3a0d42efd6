// Package errs defines the error taxonomy shared by the spatial session
// components. Callers test for these with errors.Is; components wrap them
// with fmt.Errorf("...: %w") to add context.
package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfigurationUnsupported is fatal to Start: the session moves to
	// Failed and needs Reset before further use.
	ErrConfigurationUnsupported = errors.New("configuration unsupported")

	// ErrPersistenceDisabled is returned by Save/Load when the active
	// configuration does not enable persistence.
	ErrPersistenceDisabled = errors.New("persistence disabled")

	// ErrCorruptSnapshot is returned by Load when the blob fails version or
	// payload validation.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrCollaborationRejected is returned by Decode for duplicate or stale
	// packets.
	ErrCollaborationRejected = errors.New("collaboration packet rejected")

	// ErrCollaborationDisabled is returned by Encode/Decode when the active
	// configuration does not enable collaboration.
	ErrCollaborationDisabled = errors.New("collaboration disabled")

	// ErrOperationCancelled is returned when a control command preempts an
	// in-flight persistence or collaboration operation.
	ErrOperationCancelled = errors.New("operation cancelled")

	// ErrInvalidTransition is reported when a control command is not valid
	// from the current session state. The state is left unchanged.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrSessionFailed is returned by Start while the session is Failed.
	ErrSessionFailed = errors.New("session failed")
)

// Cancelled converts a context error into ErrOperationCancelled, keeping the
// original cause in the chain. A nil err returns nil.
func Cancelled(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrOperationCancelled, err)
}

// Checkpoint reports ErrOperationCancelled when ctx is done.
func Checkpoint(ctx context.Context, op string) error {
	return Cancelled(op, ctx.Err())
}

// IsAdvisory reports whether err leaves the running session unaffected.
// Only configuration errors change the session state.
func IsAdvisory(err error) bool {
	return err != nil && !errors.Is(err, ErrConfigurationUnsupported) && !errors.Is(err, ErrSessionFailed)
}
