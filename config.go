// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"net"
	"time"
)

// DefaultMaxPlaintextWrite is the largest plaintext chunk that a single
// [*Session.Send] hands to the engine: one maximum-size TLS record.
const DefaultMaxPlaintextWrite = 16384

// Config holds common configuration for factories and sessions.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// MaxPlaintextWrite bounds the plaintext accepted by a single
	// engine write, which is what makes [*Session.Send] short.
	//
	// Set by [NewConfig] to [DefaultMaxPlaintextWrite].
	MaxPlaintextWrite int

	// TLSEngine creates client-side TLS connections.
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSEngine TLSEngine

	// TLSServerEngine creates server-side TLS connections.
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSServerEngine TLSServerEngine

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:            &net.Dialer{},
		ErrClassifier:     DefaultErrClassifier,
		MaxPlaintextWrite: DefaultMaxPlaintextWrite,
		TLSEngine:         TLSEngineStdlib{},
		TLSServerEngine:   TLSEngineStdlib{},
		TimeNow:           time.Now,
	}
}
