// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"crypto/tls"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// NewSessionConfig returns a new [*SessionConfig].
//
// The source argument selects the trust roots for client sessions.
//
// The certs argument is the identity presented by server sessions.
func NewSessionConfig(source TrustSource, certs []tls.Certificate) *SessionConfig {
	return &SessionConfig{
		Certificates: slices.Clone(certs),
		Resolve:      ResolveTrustStore,
		Source:       source,
	}
}

// SessionConfig lazily builds and caches the [*tls.Config] values shared
// by every session created by a [*Factory].
//
// The client configuration is built on first use. Concurrent first uses
// build it once; a failed build is not cached and the next use retries.
// The returned configurations are shared and must not be modified.
//
// All fields are safe to modify after construction but before first use.
type SessionConfig struct {
	// Certificates is the identity used by server sessions.
	//
	// Set by [NewSessionConfig] to a copy of the user-provided slice.
	Certificates []tls.Certificate

	// Resolve turns Source into trust roots (configurable for testing).
	//
	// Set by [NewSessionConfig] to [ResolveTrustStore].
	Resolve func(source TrustSource) (*RootStore, error)

	// Source is the trust source for client sessions.
	//
	// Set by [NewSessionConfig] to the user-provided value.
	Source TrustSource

	client atomic.Pointer[tls.Config]
	group  singleflight.Group
	server atomic.Pointer[tls.Config]
}

// ClientConfig returns the shared client configuration.
//
// Every successful call returns the same pointer.
func (sc *SessionConfig) ClientConfig() (*tls.Config, error) {
	if config := sc.client.Load(); config != nil {
		return config, nil
	}
	value, err, _ := sc.group.Do("client", func() (any, error) {
		if config := sc.client.Load(); config != nil {
			return config, nil
		}
		roots, err := sc.Resolve(sc.Source)
		if err != nil {
			return nil, err
		}
		config := &tls.Config{
			MinVersion: tls.VersionTLS10,
			RootCAs:    roots.Pool(),
		}
		sc.client.Store(config)
		return config, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*tls.Config), nil
}

// ServerConfig returns the shared server configuration.
//
// Client certificates are not requested. Without Certificates the
// configuration is still returned, and handshakes using it fail.
func (sc *SessionConfig) ServerConfig() *tls.Config {
	if config := sc.server.Load(); config != nil {
		return config
	}
	config := &tls.Config{
		Certificates: sc.Certificates,
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS10,
	}
	if sc.server.CompareAndSwap(nil, config) {
		return config
	}
	return sc.server.Load()
}
