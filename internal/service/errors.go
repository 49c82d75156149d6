package service

import (
	"errors"
	"fmt"
)

// Challenge verification outcomes. NotFound and Expired are distinct so
// callers can tell a never-issued or consumed challenge apart from a stale
// one; Invalid leaves the challenge in place for a retry.
var (
	ErrOTPNotFound = errors.New("no pending challenge")
	ErrOTPExpired  = errors.New("challenge expired")
	ErrOTPInvalid  = errors.New("incorrect code")
)

var (
	// ErrNotRegistered signals that no profile exists for the caller's
	// contact points, so linking must go through registration first.
	ErrNotRegistered = errors.New("registration required")
	// ErrProfileNotFound signals that the contact being verified maps to
	// no profile.
	ErrProfileNotFound = errors.New("no profile for contact")
)

// ValidationError rejects malformed input before any store access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Conflict kinds, in check order: phone conflicts take precedence over
// email conflicts when both contacts collide.
const (
	ConflictPhone = "phone"
	ConflictEmail = "email"
)

// ConflictError reports that a contact point already belongs to a profile
// bound to a different external subject. Nothing was mutated.
type ConflictError struct {
	Kind      string
	ProfileID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already in use by another account", e.Kind)
}

func NewConflictError(kind, profileID string) *ConflictError {
	return &ConflictError{Kind: kind, ProfileID: profileID}
}

// ChannelUnavailableError reports that the delivery channel for a challenge
// is not wired up in this deployment.
type ChannelUnavailableError struct {
	Channel string
}

func (e *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("%s delivery is not configured", e.Channel)
}
