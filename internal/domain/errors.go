package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the authentication surface.
var (
	// ErrWrongPin is returned when a PIN candidate does not match.
	ErrWrongPin = errors.New("wrong pin")

	// ErrWrongCurrentPin is returned when a PIN change is attempted
	// without the correct current PIN.
	ErrWrongCurrentPin = errors.New("wrong current pin")

	// ErrNoPinConfigured is returned by operations that need an
	// existing PIN record.
	ErrNoPinConfigured = errors.New("no pin configured")

	// ErrRecoveryMismatch is returned when the recovery answer does not
	// match the stored hash.
	ErrRecoveryMismatch = errors.New("recovery answer mismatch")

	// ErrBrowserUnavailable is returned when the debugging channel
	// cannot be opened within the attach timeout. Retried, never fatal.
	ErrBrowserUnavailable = errors.New("browser unavailable")
)

// ConfigError is a load-time policy validation failure. Activation is
// refused; fixing the document fully recovers.
type ConfigError struct {
	PolicyID string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.PolicyID == "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("config: policy %q: %s: %s", e.PolicyID, e.Field, e.Reason)
}

// AuthRateLimitError is returned while PIN verification is locked out
// after consecutive failures.
type AuthRateLimitError struct {
	RetryAfter time.Duration
}

func (e *AuthRateLimitError) Error() string {
	return fmt.Sprintf("pin verification locked, retry in %s", e.RetryAfter.Round(time.Second))
}

// IntegrityError means the audit chain failed verification. Fatal to
// resuming automatic operation; never auto-repaired.
type IntegrityError struct {
	Seq    int64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

// TransitionError is returned when a session transition is requested
// from a state that does not permit it.
type TransitionError struct {
	From SessionState
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s from state %s", e.Op, e.From)
}
