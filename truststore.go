// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"slices"
)

// TrustSource is the single source of trust roots configured for a [Factory].
//
// The set of implementations is closed: [CAFileSource], [CAPathSource],
// [CADERSource], [CAPEMSource] and [NativeSource].
type TrustSource interface {
	// String describes the source for error messages and logs.
	String() string

	trustSource()
}

// CAFileSource loads PEM trust roots from a file.
type CAFileSource struct {
	Path string
}

// CAPathSource names a directory of trust roots. Resolving it always fails
// with [ErrNotImplemented].
type CAPathSource struct {
	Path string
}

// CADERSource is a single DER-encoded trust root.
type CADERSource struct {
	DER []byte
}

// CAPEMSource is PEM text that may contain several trust roots.
type CAPEMSource struct {
	PEM string
}

// NativeSource is the platform trust store.
type NativeSource struct{}

func (CAFileSource) trustSource() {}
func (CAPathSource) trustSource() {}
func (CADERSource) trustSource()  {}
func (CAPEMSource) trustSource()  {}
func (NativeSource) trustSource() {}

// String implements [TrustSource].
func (s CAFileSource) String() string { return "cafile " + s.Path }

// String implements [TrustSource].
func (s CAPathSource) String() string { return "capath " + s.Path }

// String implements [TrustSource].
func (s CADERSource) String() string { return fmt.Sprintf("cadata (%d DER bytes)", len(s.DER)) }

// String implements [TrustSource].
func (s CAPEMSource) String() string { return "cadata (PEM text)" }

// String implements [TrustSource].
func (NativeSource) String() string { return "native trust store" }

// ParseCAData interprets a caller-supplied cadata value.
//
// A string is PEM text, a byte slice is one DER certificate and nil means
// that no cadata was given. Any other type fails with [ErrInvalidArgument].
func ParseCAData(cadata any) (TrustSource, error) {
	switch v := cadata.(type) {
	case nil:
		return nil, nil
	case string:
		return CAPEMSource{PEM: v}, nil
	case []byte:
		return CADERSource{DER: slices.Clone(v)}, nil
	default:
		return nil, invalidArgumentf("unknown type %T for cadata", cadata)
	}
}

// NewTrustSource selects the trust source from the configured options.
//
// Precedence: CAFile, then CAPath, then CAData, then the native store.
func NewTrustSource(opts Options) (TrustSource, error) {
	cadata, err := ParseCAData(opts.CAData)
	if err != nil {
		return nil, err
	}
	switch {
	case opts.CAFile != "":
		return CAFileSource{Path: opts.CAFile}, nil
	case opts.CAPath != "":
		return CAPathSource{Path: opts.CAPath}, nil
	case cadata != nil:
		return cadata, nil
	default:
		return NativeSource{}, nil
	}
}

// RootStore is a verifier-ready set of trust roots.
type RootStore struct {
	certs  []*x509.Certificate
	native bool
	pool   *x509.CertPool
}

// Pool returns the pool to use as [tls.Config] RootCAs.
func (rs *RootStore) Pool() *x509.CertPool {
	return rs.pool
}

// Certificates returns the explicitly loaded roots. It is empty for the
// native store, whose contents the platform does not always enumerate.
func (rs *RootStore) Certificates() []*x509.Certificate {
	return slices.Clone(rs.certs)
}

// Len returns the number of explicitly loaded roots.
func (rs *RootStore) Len() int {
	return len(rs.certs)
}

// Contains reports whether cert is among the explicitly loaded roots.
func (rs *RootStore) Contains(cert *x509.Certificate) bool {
	return slices.ContainsFunc(rs.certs, cert.Equal)
}

// IsNative reports whether the store is the platform trust store.
func (rs *RootStore) IsNative() bool {
	return rs.native
}

// ResolveTrustStore turns a [TrustSource] into a [*RootStore].
//
// File-system errors are returned wrapped, so [errors.Is] with [fs.ErrNotExist]
// and friends keeps working. Malformed or empty trust material fails with a
// [*TrustStoreError]. A [CAPathSource] fails with [ErrNotImplemented].
func ResolveTrustStore(source TrustSource) (*RootStore, error) {
	switch src := source.(type) {
	case CAFileSource:
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("jimmies: reading cafile: %w", err)
		}
		return rootStoreFromPEM(src, data)

	case CAPathSource:
		return nil, fmt.Errorf("%w: capath trust roots", ErrNotImplemented)

	case CADERSource:
		cert, err := x509.ParseCertificate(src.DER)
		if err != nil {
			return nil, &TrustStoreError{Source: src.String(), Err: err}
		}
		return newRootStore([]*x509.Certificate{cert}), nil

	case CAPEMSource:
		return rootStoreFromPEM(src, []byte(src.PEM))

	case NativeSource:
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, &TrustStoreError{Source: src.String(), Err: err}
		}
		return &RootStore{native: true, pool: pool}, nil

	default:
		return nil, invalidArgumentf("unknown trust source %T", source)
	}
}

var errNoCertificates = errors.New("no certificates found")

func rootStoreFromPEM(src TrustSource, data []byte) (*RootStore, error) {
	var certs []*x509.Certificate
	for rest := data; len(bytes.TrimSpace(rest)) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			if len(certs) == 0 {
				return nil, &TrustStoreError{Source: src.String(), Err: errors.New("malformed PEM data")}
			}
			break // trailing non-PEM text
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &TrustStoreError{Source: src.String(), Err: err}
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, &TrustStoreError{Source: src.String(), Err: errNoCertificates}
	}
	return newRootStore(certs), nil
}

func newRootStore(certs []*x509.Certificate) *RootStore {
	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return &RootStore{certs: certs, pool: pool}
}
