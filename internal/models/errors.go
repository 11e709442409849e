// internal/models/errors.go
package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the directory, channel, store and coordinator.
// Wrap with fmt.Errorf("...: %w", Err...) and branch with errors.Is.
var (
	// ErrValidation is bad input rejected before any backend call.
	ErrValidation = errors.New("validation error")
	// ErrNotFound means the room or code does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrCapacity means the room is full.
	ErrCapacity = errors.New("room is full")
	// ErrInsufficientFunds is reported by the wallet collaborator.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrChannel means the channel subscription handshake failed.
	ErrChannel = errors.New("channel error")
	// ErrPersistence means an underlying write or read failed.
	ErrPersistence = errors.New("persistence error")
)

// ErrRoomEnded is returned for writes against a room that reached ended.
var ErrRoomEnded = fmt.Errorf("%w: room has ended", ErrValidation)

// Kind names the taxonomy class of err, for user-facing payloads.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCapacity):
		return "capacity_error"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrChannel):
		return "channel_error"
	default:
		return "persistence_error"
	}
}

// Message returns a human-readable notification for err.
func Message(err error) string {
	switch Kind(err) {
	case "validation_error":
		return err.Error()
	case "not_found":
		return "That room could not be found. Check the code and try again."
	case "capacity_error":
		return "This room is full. Try joining another room."
	case "insufficient_funds":
		return "Your balance is too low to join. Add funds to continue."
	case "channel_error":
		return "Could not connect to the room. Please retry."
	default:
		return "Something went wrong. Please try again."
	}
}
