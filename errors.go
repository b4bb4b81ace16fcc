// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by this package.
//
// Use [errors.Is] to test for them: structured errors such as
// [*TrustStoreError] match the corresponding sentinel.
var (
	// ErrInvalidArgument indicates bad caller input (hostname, buffer, cadata type).
	ErrInvalidArgument = errors.New("jimmies: invalid argument")

	// ErrInvalidSocketKind indicates that the socket is not a TCP socket
	// of the kind required by the operation.
	ErrInvalidSocketKind = errors.New("jimmies: expected a TCP socket")

	// ErrNotImplemented indicates a feature that is deliberately missing.
	ErrNotImplemented = errors.New("jimmies: not implemented")

	// ErrTrustStore indicates that the trust roots could not be assembled.
	ErrTrustStore = errors.New("jimmies: cannot build trust store")

	// ErrInvalidState indicates that the operation is not valid for the
	// session role or phase (e.g., reading from a listening session).
	ErrInvalidState = errors.New("jimmies: invalid state")

	// ErrHandshakeStalled indicates that the engine is still handshaking
	// but wants neither to read nor to write. It wraps [ErrInvalidState].
	ErrHandshakeStalled = fmt.Errorf("%w: handshake cannot make progress", ErrInvalidState)
)

// ProtocolError wraps a rejection by the TLS engine.
//
// A ProtocolError is fatal: the session that returned it must be discarded.
type ProtocolError struct {
	// Op is the engine operation that failed ("handshake" or "read").
	Op string

	// Err is the underlying engine error.
	Err error
}

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("jimmies: tls %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying engine error.
func (e *ProtocolError) Unwrap() error { return e.Err }

// TrustStoreError reports malformed or missing trust material.
type TrustStoreError struct {
	// Source describes the trust source (e.g., "cafile /etc/ca.pem").
	Source string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *TrustStoreError) Error() string {
	return fmt.Sprintf("jimmies: trust store from %s: %v", e.Source, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TrustStoreError) Unwrap() error { return e.Err }

// Is makes every TrustStoreError match [ErrTrustStore].
func (e *TrustStoreError) Is(target error) bool { return target == ErrTrustStore }

// invalidArgumentf returns an error wrapping [ErrInvalidArgument].
func invalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// invalidStatef returns an error wrapping [ErrInvalidState].
func invalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
