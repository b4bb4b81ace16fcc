// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
)

// Role is the role of a [*Session].
type Role int

const (
	// RoleClient is a client session verifying a server hostname.
	RoleClient Role = iota + 1

	// RoleServer is a server session over an accepted stream.
	RoleServer

	// RoleListeningServer wraps a listening socket and only accepts.
	RoleListeningServer
)

// String implements [fmt.Stringer].
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	case RoleListeningServer:
		return "listening-server"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Session is a TLS session over a [*BorrowedSocket].
//
// A client or server session drives a [RecordEngine] over the socket and
// offers byte-stream semantics to the caller once the handshake completes.
// A listening session owns no engine: it only accepts new server sessions.
//
// A Session is not safe for concurrent use. After any error other than
// [ErrInvalidArgument] or [ErrInvalidState] the session must be discarded.
type Session struct {
	closed     bool
	deadline   time.Time
	deadlineMu sync.Mutex
	engine     RecordEngine
	factory    *Factory
	fd         int
	hostname   string
	logger     SLogger
	role       Role
	sock       *BorrowedSocket
	spanID     string
	transport  net.Conn
}

// newSession wraps sock for the given role. The engine is nil for
// [RoleListeningServer].
func newSession(f *Factory, sock *BorrowedSocket, role Role, hostname string, engine RecordEngine) *Session {
	s := &Session{
		engine:   engine,
		factory:  f,
		fd:       sock.Fd(),
		hostname: hostname,
		logger:   f.Logger,
		role:     role,
		sock:     sock,
		spanID:   NewSpanID(),
	}
	s.transport = newRecordConn(s, sock)
	return s
}

// Role returns the session role.
func (s *Session) Role() Role {
	return s.role
}

// Factory returns the [*Factory] that created the session.
func (s *Session) Factory() *Factory {
	return s.factory
}

// Fileno returns the descriptor of the wrapped socket.
func (s *Session) Fileno() int {
	return s.fd
}

// ServerHostname returns the hostname a client session verifies, or ""
// for server sessions.
func (s *Session) ServerHostname() string {
	return s.hostname
}

// SpanID returns the identifier tagging this session's log events.
func (s *Session) SpanID() string {
	return s.spanID
}

// LocalAddr returns the local address of the wrapped socket.
func (s *Session) LocalAddr() net.Addr {
	return s.sock.LocalAddr()
}

// RemoteAddr returns the peer address, or nil for a listening session.
func (s *Session) RemoteAddr() net.Addr {
	return s.sock.RemoteAddr()
}

// SetDeadline sets the read and write deadlines of the caller's socket.
//
// Unlike the other methods, it may be called from another goroutine to
// interrupt a blocked operation.
func (s *Session) SetDeadline(t time.Time) error {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	s.deadline = t
	return s.sock.SetDeadline(t)
}

// sessionDeadline lets [watchContext] interrupt the socket of a session
// and then restore the deadline given to [*Session.SetDeadline].
type sessionDeadline struct {
	s *Session
}

var _ deadlineRestorer = sessionDeadline{}

// SetDeadline implements [deadliner] without recording t.
func (d sessionDeadline) SetDeadline(t time.Time) error {
	return d.s.sock.SetDeadline(t)
}

// RestoreDeadline implements [deadlineRestorer].
func (d sessionDeadline) RestoreDeadline() error {
	d.s.deadlineMu.Lock()
	defer d.s.deadlineMu.Unlock()
	return d.s.sock.SetDeadline(d.s.deadline)
}

// IsHandshaking reports whether the handshake is still incomplete. It
// returns false for a listening session.
func (s *Session) IsHandshaking() bool {
	return s.engine != nil && s.engine.IsHandshaking()
}

// established returns the connection state once the handshake completed.
func (s *Session) established() (tls.ConnectionState, bool) {
	if s.engine == nil || s.engine.IsHandshaking() {
		return tls.ConnectionState{}, false
	}
	return s.engine.ConnectionState(), true
}

// Version returns the negotiated protocol version ("TLSv1", "TLSv1.1",
// "TLSv1.2" or "TLSv1.3"), or "" while handshaking.
func (s *Session) Version() string {
	state, ok := s.established()
	if !ok {
		return ""
	}
	return versionName(state.Version)
}

func versionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLSv1"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return tls.VersionName(version)
	}
}

// CipherInfo describes the negotiated cipher suite.
type CipherInfo struct {
	// Name is the IANA suite name (e.g., "TLS_AES_128_GCM_SHA256").
	Name string

	// Version is the protocol version, named as by [*Session.Version].
	Version string

	// Bits is the symmetric key length in bits.
	Bits int
}

// Cipher returns the negotiated cipher suite, or false while handshaking.
func (s *Session) Cipher() (CipherInfo, bool) {
	state, ok := s.established()
	if !ok {
		return CipherInfo{}, false
	}
	name := tls.CipherSuiteName(state.CipherSuite)
	return CipherInfo{
		Name:    name,
		Version: versionName(state.Version),
		Bits:    cipherKeyBits(name),
	}, true
}

// cipherKeyBits derives the bulk key length from a suite name.
func cipherKeyBits(name string) int {
	switch {
	case strings.Contains(name, "AES_128"), strings.Contains(name, "RC4_128"):
		return 128
	case strings.Contains(name, "AES_256"), strings.Contains(name, "CHACHA20"):
		return 256
	case strings.Contains(name, "3DES"):
		return 168
	default:
		return 0
	}
}

// SelectedALPNProtocol returns the negotiated ALPN protocol, if any.
func (s *Session) SelectedALPNProtocol() (string, bool) {
	state, ok := s.established()
	if !ok || state.NegotiatedProtocol == "" {
		return "", false
	}
	return state.NegotiatedProtocol, true
}

// SelectedNPNProtocol always reports no protocol: NPN is not supported.
func (s *Session) SelectedNPNProtocol() (string, bool) {
	return "", false
}

// Compression fails with [ErrNotImplemented].
func (s *Session) Compression() (string, error) {
	return "", fmt.Errorf("%w: compression", ErrNotImplemented)
}

// PeerCertificate returns the DER encoding of the peer leaf certificate.
//
// It fails with [ErrInvalidState] while handshaking and with
// [ErrNotImplemented] unless binaryForm is true. It returns nil when the
// peer presented no certificate.
func (s *Session) PeerCertificate(binaryForm bool) ([]byte, error) {
	if s.role == RoleListeningServer {
		return nil, invalidStatef("a listening session has no peer")
	}
	state, ok := s.established()
	if !ok {
		return nil, invalidStatef("handshake not complete")
	}
	if !binaryForm {
		return nil, fmt.Errorf("%w: structured peer certificate", ErrNotImplemented)
	}
	if len(state.PeerCertificates) <= 0 {
		return nil, nil
	}
	return state.PeerCertificates[0].Raw, nil
}

// Accept waits for a connection on a listening session and returns a new
// server session for it together with the peer address.
//
// The returned session is still handshaking: the caller drives the
// handshake explicitly, or implicitly through the first read or write.
func (s *Session) Accept() (*Session, net.Addr, error) {
	if s.closed {
		return nil, nil, net.ErrClosed
	}
	if s.role != RoleListeningServer {
		return nil, nil, invalidStatef("accept requires a listening session")
	}
	t0 := s.factory.TimeNow()
	s.logAcceptStart(t0)
	sock, addr, err := s.sock.Accept()
	var child *Session
	if err == nil {
		child = s.factory.newServerSession(sock)
	}
	s.logAcceptDone(t0, child, err)
	if err != nil {
		return nil, nil, err
	}
	return child, addr, nil
}

// Close ends the session.
//
// Once established, a close_notify alert is sent on a best-effort basis.
// The engine is released and so is the borrowed socket: the caller's
// descriptor stays open. Subsequent calls return [net.ErrClosed].
func (s *Session) Close() error {
	if s.closed {
		return net.ErrClosed
	}
	s.closed = true
	t0 := s.factory.TimeNow()
	s.logCloseStart(t0)
	var err error
	if s.engine != nil {
		established := !s.engine.IsHandshaking()
		err = s.engine.Close()
		if established {
			_ = s.flushRecords() // best effort
		}
	}
	if serr := s.sock.Close(); err == nil {
		err = serr
	}
	s.logCloseDone(t0, err)
	return err
}

func (s *Session) logAcceptStart(t0 time.Time) {
	s.logger.Info(
		"acceptStart",
		slog.Int("fd", s.fd),
		slog.String("localAddr", safeconn.LocalAddr(s.sock)),
		slog.String("protocol", "tcp"),
		slog.String("spanID", s.spanID),
		slog.Time("t", t0),
	)
}

func (s *Session) logAcceptDone(t0 time.Time, child *Session, err error) {
	var (
		childFD   int
		childSpan string
		raddr     string
	)
	if child != nil {
		childFD = child.fd
		childSpan = child.spanID
		raddr = safeconn.RemoteAddr(child.sock)
	}
	s.logger.Info(
		"acceptDone",
		slog.Int("acceptedFD", childFD),
		slog.String("acceptedSpanID", childSpan),
		slog.Any("err", err),
		slog.String("errClass", s.factory.ErrClassifier.Classify(err)),
		slog.Int("fd", s.fd),
		slog.String("localAddr", safeconn.LocalAddr(s.sock)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", raddr),
		slog.String("spanID", s.spanID),
		slog.Time("t0", t0),
		slog.Time("t", s.factory.TimeNow()),
	)
}

func (s *Session) logCloseStart(t0 time.Time) {
	s.logger.Info(
		"closeStart",
		slog.Int("fd", s.fd),
		slog.String("localAddr", safeconn.LocalAddr(s.sock)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", safeconn.RemoteAddr(s.sock)),
		slog.String("role", s.role.String()),
		slog.String("spanID", s.spanID),
		slog.Time("t", t0),
	)
}

func (s *Session) logCloseDone(t0 time.Time, err error) {
	s.logger.Info(
		"closeDone",
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
	)
}
