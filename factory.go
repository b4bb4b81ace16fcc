// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// Options configures the trust roots and the identity of a [*Factory].
type Options struct {
	// CAFile is a PEM file of trust roots. It takes precedence over
	// every other trust source.
	CAFile string

	// CAPath is a directory of trust roots. It is not supported: client
	// sessions fail with [ErrNotImplemented] when it is selected.
	CAPath string

	// CAData is a PEM string or a DER []byte. Any other non-nil type
	// makes [NewFactory] fail with [ErrInvalidArgument].
	CAData any

	// CertFile is a PEM file containing the server certificate chain.
	CertFile string

	// KeyFile is the PEM private key for CertFile. When empty, the key is
	// read from CertFile.
	KeyFile string

	// Certificates is additional server identity material.
	Certificates []tls.Certificate
}

// NewFactory returns a new [*Factory].
//
// The cfg argument contains the common configuration.
//
// The opts argument selects the trust roots and the server identity. The
// cadata type and the certificate files are checked here; the trust roots
// are only loaded when the first client session needs them.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewFactory(cfg *Config, opts Options, logger SLogger) (*Factory, error) {
	source, err := NewTrustSource(opts)
	if err != nil {
		return nil, err
	}
	certs := slices.Clone(opts.Certificates)
	switch {
	case opts.CertFile != "":
		keyFile := opts.KeyFile
		if keyFile == "" {
			keyFile = opts.CertFile
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("jimmies: loading server certificate: %w", err)
		}
		certs = append(certs, cert)
	case opts.KeyFile != "":
		return nil, invalidArgumentf("keyfile given without certfile")
	}
	return &Factory{
		EngineName:    cfg.TLSEngine.Name(),
		EngineParrot:  cfg.TLSEngine.Parrot(),
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		SessionConfig: NewSessionConfig(source, certs),
		TimeNow:       cfg.TimeNow,
		cfg:           cfg,
	}, nil
}

// CreateDefaultFactory is like [NewFactory] with [NewConfig] and
// [DefaultSLogger].
func CreateDefaultFactory(opts Options) (*Factory, error) {
	return NewFactory(NewConfig(), opts, DefaultSLogger())
}

// Factory creates [*Session] values sharing one [*SessionConfig].
//
// A Factory is safe for concurrent use once constructed.
type Factory struct {
	// EngineName is the TLS engine name used in logs.
	//
	// Set by [NewFactory] from [Config.TLSEngine].
	EngineName string

	// EngineParrot is the fingerprint the TLS engine imitates, if any.
	//
	// Set by [NewFactory] from [Config.TLSEngine].
	EngineParrot string

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewFactory] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewFactory] to the user-provided logger.
	Logger SLogger

	// SessionConfig holds the shared TLS configurations.
	//
	// Set by [NewFactory] from the user-provided options.
	SessionConfig *SessionConfig

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewFactory] from [Config.TimeNow].
	TimeNow func() time.Time

	cfg *Config
}

// WrapOptions contains the per-session options for [*Factory.WrapSocket].
type WrapOptions struct {
	// ServerSide selects a server session instead of a client session.
	ServerSide bool

	// ServerHostname is the name verified by a client session. It is
	// required unless ServerSide is true and must be a DNS name.
	ServerHostname string

	// DoHandshakeOnConnect runs the handshake before returning.
	DoHandshakeOnConnect bool
}

// NewWrapOptions returns client [WrapOptions] that handshake on connect.
func NewWrapOptions() WrapOptions {
	return WrapOptions{DoHandshakeOnConnect: true}
}

// WrapSocket creates a [*Session] over sock, which the caller keeps owning.
//
// A server session over a listening socket has [RoleListeningServer] and
// never handshakes; use [*Session.Accept] on it. Otherwise sock must be a
// connected TCP stream and, when opts.DoHandshakeOnConnect is set, the
// handshake completes before WrapSocket returns.
//
// Closing the returned session never closes sock.
func (f *Factory) WrapSocket(ctx context.Context, sock syscall.Conn, opts WrapOptions) (*Session, error) {
	return f.wrap(ctx, sock, opts, nil)
}

func (f *Factory) wrap(ctx context.Context, sock syscall.Conn, opts WrapOptions, owner io.Closer) (*Session, error) {
	var hostname string
	if !opts.ServerSide {
		if opts.ServerHostname == "" {
			return nil, invalidArgumentf("server hostname is required in client mode")
		}
		name, err := ValidateHostname(opts.ServerHostname)
		if err != nil {
			return nil, err
		}
		hostname = name
	}

	borrowed, err := Borrow(sock)
	if err != nil {
		return nil, err
	}
	borrowed.owner = owner

	var session *Session
	switch {
	case opts.ServerSide && borrowed.Kind() == KindListener:
		return newSession(f, borrowed, RoleListeningServer, "", nil), nil

	case borrowed.Kind() == KindListener:
		borrowed.Close()
		return nil, fmt.Errorf("%w: a client session needs a connected stream", ErrInvalidSocketKind)

	case opts.ServerSide:
		session = f.newServerSession(borrowed)

	default:
		session, err = f.newClientSession(borrowed, hostname)
		if err != nil {
			borrowed.Close()
			return nil, err
		}
	}

	if opts.DoHandshakeOnConnect {
		if err := session.DoHandshake(ctx); err != nil {
			session.Close()
			return nil, err
		}
	}
	return session, nil
}

func (f *Factory) newClientSession(sock *BorrowedSocket, hostname string) (*Session, error) {
	shared, err := f.SessionConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	config := shared.Clone()
	config.ServerName = hostname
	config.Time = f.TimeNow
	return newSession(f, sock, RoleClient, hostname, NewClientRecordEngine(f.cfg, config)), nil
}

func (f *Factory) newServerSession(sock *BorrowedSocket) *Session {
	config := f.SessionConfig.ServerConfig().Clone()
	config.Time = f.TimeNow
	return newSession(f, sock, RoleServer, "", NewServerRecordEngine(f.cfg, config))
}

// ValidateHostname checks that name is a DNS name a client can verify
// and returns its ASCII form. IP literals and names whose last label is
// numeric are rejected. Failures wrap [ErrInvalidArgument].
func ValidateHostname(name string) (string, error) {
	if _, err := netip.ParseAddr(name); err == nil {
		return "", invalidArgumentf("%q is an IP address, not a DNS name", name)
	}
	ascii, err := hostnameProfile.ToASCII(name)
	if err != nil {
		return "", invalidArgumentf("invalid hostname %q: %s", name, err.Error())
	}
	if _, ok := dns.IsDomainName(ascii); !ok {
		return "", invalidArgumentf("invalid hostname %q", name)
	}
	labels := dns.SplitDomainName(ascii)
	if len(labels) <= 0 || isNumeric(labels[len(labels)-1]) {
		return "", invalidArgumentf("invalid hostname %q", name)
	}
	return ascii, nil
}

var hostnameProfile = idna.New(
	idna.MapForLookup(),
	idna.StrictDomainName(true),
	idna.VerifyDNSLength(true),
)

func isNumeric(label string) bool {
	return strings.Trim(label, "0123456789") == ""
}

// NewWrapSocketFunc returns a new [*WrapSocketFunc].
//
// The factory argument creates the sessions.
//
// The opts argument contains the per-session options.
func NewWrapSocketFunc(factory *Factory, opts WrapOptions) *WrapSocketFunc {
	return &WrapSocketFunc{Factory: factory, Options: opts}
}

// WrapSocketFunc wraps a [net.Conn] into a [*Session].
//
// Unlike [*Factory.WrapSocket], the returned session takes ownership of the
// connection: closing the session closes it. On failure the connection is
// closed. The connection must implement [syscall.Conn].
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type WrapSocketFunc struct {
	// Factory creates the sessions.
	//
	// Set by [NewWrapSocketFunc] to the user-provided factory.
	Factory *Factory

	// Options contains the per-session options.
	//
	// Set by [NewWrapSocketFunc] to the user-provided options.
	Options WrapOptions
}

var _ Func[net.Conn, *Session] = &WrapSocketFunc{}

// Call invokes the [*WrapSocketFunc] to create a [*Session] from a [net.Conn].
func (op *WrapSocketFunc) Call(ctx context.Context, conn net.Conn) (*Session, error) {
	sock, ok := conn.(syscall.Conn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%w: %T has no descriptor", ErrInvalidSocketKind, conn)
	}
	session, err := op.Factory.wrap(ctx, sock, op.Options, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return session, nil
}
