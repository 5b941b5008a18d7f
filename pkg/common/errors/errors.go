package errors

import (
	"errors"
	"fmt"
)

// ErrNotImplemented marks a signing capability a backend does not serve.
// Callers use errors.Is to fall back to the other capability.
var ErrNotImplemented = errors.New("not implemented")

func Wrap(err error, msg string) error {
	return fmt.Errorf("%s: %w", msg, err)
}

func New(msg string) error {
	return errors.New(msg)
}

// NotImplemented reports that a backend cannot serve an operation.
// Backends must return this instead of silently degrading.
func NotImplemented(component, op string) error {
	return fmt.Errorf("%s: %s: %w", component, op, ErrNotImplemented)
}

// ConfigError is raised at signer construction when a credential or
// file is missing. It is fatal and never retried.
type ConfigError struct {
	Component string
	Variable  string
	Reason    string
}

func (e *ConfigError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("%s: missing or invalid configuration %s: %s", e.Component, e.Variable, e.Reason)
	}
	return fmt.Sprintf("%s: invalid configuration: %s", e.Component, e.Reason)
}

// MissingConfig reports a required environment variable that was not set.
func MissingConfig(component, variable string) error {
	return &ConfigError{Component: component, Variable: variable, Reason: "variable is not set"}
}

func InvalidConfig(component, reason string) error {
	return &ConfigError{Component: component, Reason: reason}
}

// VerificationError blocks signing. The remote API is untrusted
// infrastructure and a mismatched echo must never be signed.
type VerificationError struct {
	Field    string
	Expected string
	Got      string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("DO NOT SIGN: field %q mismatch: intent %q, API returned %q", e.Field, e.Expected, e.Got)
}

// TimeoutError is raised when a custody polling budget is exhausted.
type TimeoutError struct {
	Component string
	Attempts  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: signature request still pending after %d polls, giving up", e.Component, e.Attempts)
}
