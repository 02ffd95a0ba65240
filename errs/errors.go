// Package errs holds the error taxonomy shared by every docsafe layer.
//
// Errors carry a resource location and an obfuscated user identifier for
// diagnosis. They never carry passwords or key material.
package errs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Obfuscate returns a short stable digest of a user identifier suitable for
// logs and error messages.
func Obfuscate(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:6])
}

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a read or list target that does not exist.
type NotFoundError struct {
	Op       string // "read", "open", ...
	Location string
	Err      error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s %s", e.Op, e.Location)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// BackendIOError wraps a transient disk or network failure. Retrying is the
// caller's decision.
type BackendIOError struct {
	Op       string
	Location string
	Err      error
}

func (e *BackendIOError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("backend io error: %s %s: %v", e.Op, e.Location, e.Err)
	}
	return fmt.Sprintf("backend io error: %s: %v", e.Op, e.Err)
}

func (e *BackendIOError) Unwrap() error {
	return e.Err
}

// KeyNotFoundError reports a keystore alias that is absent or holds a key of
// another kind.
type KeyNotFoundError struct {
	Alias string
	User  string // obfuscated
}

func (e *KeyNotFoundError) Error() string {
	if e.User != "" {
		return fmt.Sprintf("key not found: alias %q (user %s)", e.Alias, e.User)
	}
	return fmt.Sprintf("key not found: alias %q", e.Alias)
}

// WrongPasswordError reports that a store or key password did not open the
// keystore. Alias is empty when the store password failed.
type WrongPasswordError struct {
	Alias string
	User  string // obfuscated
	Err   error
}

func (e *WrongPasswordError) Error() string {
	switch {
	case e.Alias != "":
		return fmt.Sprintf("wrong key password for alias %q", e.Alias)
	case e.User != "":
		return fmt.Sprintf("wrong store password (user %s)", e.User)
	}
	return "wrong store password"
}

func (e *WrongPasswordError) Unwrap() error {
	return e.Err
}

// KeyStoreCreationError reports a failed registration or keystore creation.
type KeyStoreCreationError struct {
	User    string // obfuscated
	Message string
	Err     error
}

func (e *KeyStoreCreationError) Error() string {
	if e.User != "" {
		return fmt.Sprintf("keystore creation error (user %s): %s", e.User, e.Message)
	}
	return fmt.Sprintf("keystore creation error: %s", e.Message)
}

func (e *KeyStoreCreationError) Unwrap() error {
	return e.Err
}

// IntegrityError reports that an envelope failed authentication. A wrong key
// and tampered content are indistinguishable and both end up here.
type IntegrityError struct {
	Location string
	KeyID    string
	Chunk    uint32
	Message  string
	Err      error
}

func (e *IntegrityError) Error() string {
	msg := "integrity error"
	if e.Location != "" {
		msg += ": " + e.Location
	}
	if e.Chunk > 0 {
		msg += fmt.Sprintf(" (chunk %d)", e.Chunk)
	}
	return msg + ": " + e.Message
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// UnresolvableKeyError reports that the key resolver had nothing for the key
// id named in an envelope header.
type UnresolvableKeyError struct {
	KeyID    string
	Location string
}

func (e *UnresolvableKeyError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("unresolvable key %q for %s", e.KeyID, e.Location)
	}
	return fmt.Sprintf("unresolvable key %q", e.KeyID)
}

// UnknownUserError reports a missing user profile.
type UnknownUserError struct {
	User string // obfuscated
}

func (e *UnknownUserError) Error() string {
	return fmt.Sprintf("unknown user %s", e.User)
}

// Common sentinel errors
var (
	ErrAlreadyClosed = errors.New("stream already closed")
	ErrNilBuffer     = errors.New("buffer cannot be nil")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewBackendIOError creates a new backend I/O error
func NewBackendIOError(op, location string, err error) error {
	return &BackendIOError{
		Op:       op,
		Location: location,
		Err:      err,
	}
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(op, location string, err error) error {
	return &NotFoundError{
		Op:       op,
		Location: location,
		Err:      err,
	}
}

// NewIntegrityError creates a new integrity error
func NewIntegrityError(keyID, message string, err error) error {
	return &IntegrityError{
		KeyID:   keyID,
		Message: message,
		Err:     err,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound checks if an error is a not-found error
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsBackendIO checks if an error is a backend I/O error
func IsBackendIO(err error) bool {
	var be *BackendIOError
	return errors.As(err, &be)
}

// IsKeyNotFound checks if an error is a missing-alias error
func IsKeyNotFound(err error) bool {
	var ke *KeyNotFoundError
	return errors.As(err, &ke)
}

// IsWrongPassword checks if an error is a wrong-password error
func IsWrongPassword(err error) bool {
	var we *WrongPasswordError
	return errors.As(err, &we)
}

// IsKeyStoreCreation checks if an error is a keystore creation error
func IsKeyStoreCreation(err error) bool {
	var ke *KeyStoreCreationError
	return errors.As(err, &ke)
}

// IsIntegrity checks if an error is an integrity error
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsUnresolvableKey checks if an error is an unresolvable-key error
func IsUnresolvableKey(err error) bool {
	var ue *UnresolvableKeyError
	return errors.As(err, &ue)
}

// IsUnknownUser checks if an error is an unknown-user error
func IsUnknownUser(err error) bool {
	var ue *UnknownUserError
	return errors.As(err, &ue)
}

// WithLocation attaches a location to location-aware errors that do not carry
// one yet. Other errors are returned unchanged.
func WithLocation(err error, location string) error {
	var ie *IntegrityError
	if errors.As(err, &ie) && ie.Location == "" {
		ie.Location = location
		return err
	}
	var ue *UnresolvableKeyError
	if errors.As(err, &ue) && ue.Location == "" {
		ue.Location = location
	}
	return err
}
