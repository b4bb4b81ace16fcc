//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/tlsdialer.go
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/tls.go
//

package jimmies

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/bassosimone/safeconn"
)

// DoHandshake drives the handshake to completion.
//
// Queued records are always written before more records are read. When
// ctx is done, the blocked socket operation is interrupted through the
// socket deadline and ctx.Err() is returned; the socket then gets back the
// deadline last given to [*Session.SetDeadline], if any, so deadlines set
// directly on the caller's object are cleared. Any error leaves the session
// unusable. Completing an already complete handshake is a no-op.
func (s *Session) DoHandshake(ctx context.Context) error {
	if err := s.streamable(); err != nil {
		return err
	}
	if !s.engine.IsHandshaking() {
		return nil
	}
	t0 := s.factory.TimeNow()
	deadline, _ := ctx.Deadline()
	s.logHandshakeStart(t0, deadline)
	err := watchContext(ctx, sessionDeadline{s}, s.completeHandshake)
	s.logHandshakeDone(t0, deadline, err)
	return err
}

// completeHandshake runs the handshake loop and then flushes the final
// flight, which a client may still have queued when the engine reports
// that the handshake is complete.
func (s *Session) completeHandshake() error {
	for s.engine.IsHandshaking() {
		if s.engine.WantsWrite() {
			if err := s.writeRecords(); err != nil {
				return err
			}
			continue
		}
		if s.engine.WantsRead() {
			if err := s.readRecords(); err != nil {
				return err
			}
			continue
		}
		if err := s.engine.ProcessRecords(); err != nil {
			return err
		}
		return ErrHandshakeStalled
	}
	return s.flushRecords()
}

// writeRecords performs one write of queued records.
func (s *Session) writeRecords() error {
	count, err := s.engine.WriteRecords(s.transport)
	if err != nil {
		return err
	}
	if count <= 0 {
		return io.ErrNoProgress
	}
	return nil
}

// readRecords performs one read of records and processes them.
func (s *Session) readRecords() error {
	count, err := s.engine.ReadRecords(s.transport)
	if err != nil {
		return err
	}
	if err := s.engine.ProcessRecords(); err != nil {
		return err
	}
	if count <= 0 && s.engine.IsHandshaking() {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// flushRecords writes all queued records.
func (s *Session) flushRecords() error {
	for s.engine.WantsWrite() {
		if err := s.writeRecords(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) logHandshakeStart(t0 time.Time, deadline time.Time) {
	s.logger.Info(
		"tlsHandshakeStart",
		slog.Time("deadline", deadline),
		slog.Int("fd", s.fd),
		slog.String("localAddr", safeconn.LocalAddr(s.sock)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", safeconn.RemoteAddr(s.sock)),
		slog.String("role", s.role.String()),
		slog.String("spanID", s.spanID),
		slog.Time("t", t0),
		slog.String("tlsEngineName", s.factory.EngineName),
		slog.String("tlsParrot", s.factory.EngineParrot),
		slog.String("tlsServerName", s.hostname),
	)
}

func (s *Session) logHandshakeDone(t0 time.Time, deadline time.Time, err error) {
	state, _ := s.established()
	s.logger.Info(
		"tlsHandshakeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", s.factory.ErrClassifier.Classify(err)),
		slog.Int("fd", s.fd),
		slog.String("localAddr", safeconn.LocalAddr(s.sock)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", safeconn.RemoteAddr(s.sock)),
		slog.String("role", s.role.String()),
		slog.String("spanID", s.spanID),
		slog.Time("t0", t0),
		slog.Time("t", s.factory.TimeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", s.factory.EngineName),
		slog.String("tlsParrot", s.factory.EngineParrot),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsPeerCerts", peerCerts(state, err)),
		slog.String("tlsServerName", s.hostname),
		slog.String("tlsVersion", versionName(state.Version)),
	)
}

// peerCerts returns the DER peer chain, or the offending certificate
// carried by a verification error.
func peerCerts(state tls.ConnectionState, err error) (out [][]byte) {
	out = [][]byte{}

	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		out = append(out, hostnameErr.Certificate.Raw)
		return
	}

	var authorityErr x509.UnknownAuthorityError
	if errors.As(err, &authorityErr) {
		out = append(out, authorityErr.Cert.Raw)
		return
	}

	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		out = append(out, invalidErr.Cert.Raw)
		return
	}

	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return
}
