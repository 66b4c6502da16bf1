// Package callerr defines the error taxonomy shared by the call engine.
package callerr

import (
	"errors"
	"fmt"
)

var (
	// ErrSignalingUnavailable means the signaling transport could not connect
	// or reconnect within its retry budget.
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	// ErrRoomFull is returned to a third joiner. It is never retried.
	ErrRoomFull = errors.New("room full")
	// ErrNegotiationTimeout means the pair did not reach stable in time and
	// the ICE restart budget is spent.
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	// ErrChannelNotReady rejects a data-channel send issued before every
	// channel reached open.
	ErrChannelNotReady = errors.New("channel not ready")
	// ErrPermissionDenied means camera or microphone could not be opened.
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrTransferAborted is reported on both sides of a cancelled file transfer.
	ErrTransferAborted = errors.New("transfer aborted")
	// ErrConnectionFailed is the terminal outcome after ICE restarts are exhausted.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrReplaced means this session was evicted by a newer connection of the
	// same user or tab.
	ErrReplaced = errors.New("session replaced")
	// ErrUnauthorized means the join token was rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error decorates a taxonomy error with the failing operation.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the operation name.
func New(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// Wrap wraps err with the operation name and free-form details.
func Wrap(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}

// IsFatal reports whether err ends the call. Fatal errors are surfaced once
// through the terminal callback; everything else is handled locally.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRoomFull),
		errors.Is(err, ErrNegotiationTimeout),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrReplaced),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrSignalingUnavailable):
		return true
	default:
		return false
	}
}

// Code maps an error to the wire code used in signaling error envelopes.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return "room-full"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrReplaced):
		return "replaced"
	default:
		return "internal"
	}
}

// FromCode is the inverse of Code for errors a client can receive.
func FromCode(code string) error {
	switch code {
	case "room-full":
		return ErrRoomFull
	case "unauthorized":
		return ErrUnauthorized
	case "replaced":
		return ErrReplaced
	default:
		return nil
	}
}
