// Package errors provides shared sentinel errors used throughout stockyard.
package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrNoConnection indicates the provider has no live connection.
	ErrNoConnection = stderrors.New("no connection")

	// ErrTimeout indicates no response arrived within the deadline.
	ErrTimeout = stderrors.New("timeout")

	// ErrClosed indicates the client or connection has been closed.
	ErrClosed = stderrors.New("closed")

	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = stderrors.New("not found")

	// ErrParse indicates a malformed inbound frame.
	ErrParse = stderrors.New("parse error")

	// ErrUnknownCapability indicates the provider does not declare the capability.
	ErrUnknownCapability = stderrors.New("unknown capability")

	// ErrUnknownMessageType indicates a message type neither side understands.
	ErrUnknownMessageType = stderrors.New("unknown message type")

	// ErrInvalidInput indicates the input is invalid.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrUnknownProvider indicates the provider id is not in the registry.
	ErrUnknownProvider = stderrors.New("unknown provider")
)

// ProviderError carries a structured error returned by a provider over the
// wire (a response with status "error").
type ProviderError struct {
	Provider string
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Code, e.Message)
}

// AsProviderError reports whether err wraps a ProviderError.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
