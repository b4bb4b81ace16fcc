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
	"io"
	"net"
)

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// TLSEngine creates client-side [TLSConn] values.
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSServerEngine creates server-side [TLSConn] values.
type TLSServerEngine interface {
	// Server builds a new server [TLSConn].
	Server(conn net.Conn, config *tls.Config) TLSConn
}

// TLSEngineStdlib implements [TLSEngine] and [TLSServerEngine] using crypto/tls.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var (
	_ TLSEngine       = TLSEngineStdlib{}
	_ TLSServerEngine = TLSEngineStdlib{}
)

// Client implements [TLSEngine] using [tls.Client].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Server implements [TLSServerEngine] using [tls.Server].
func (TLSEngineStdlib) Server(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Server(conn, config)
}

// Name implements [TLSEngine]. It returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine]. It returns "".
func (TLSEngineStdlib) Parrot() string {
	return ""
}

// RecordEngine is the TLS protocol engine driven by a [*Session].
//
// The engine performs no socket I/O of its own. It queues outgoing records
// until [RecordEngine.WriteRecords] hands them to a writer, and it only sees
// incoming records passed through [RecordEngine.ReadRecords] and then
// [RecordEngine.ProcessRecords]. The session orchestrates these primitives
// against its socket.
//
// A RecordEngine is not safe for concurrent use.
type RecordEngine interface {
	// IsHandshaking reports whether the handshake is still incomplete.
	IsHandshaking() bool

	// WantsRead reports whether the engine needs more incoming records.
	WantsRead() bool

	// WantsWrite reports whether outgoing records are queued.
	WantsWrite() bool

	// WriteRecords performs one write of queued records to w and returns
	// the number of bytes written. Short writes are allowed.
	WriteRecords(w io.Writer) (int, error)

	// ReadRecords performs one read of records from r. A zero count with a
	// nil error means that r reached end of stream.
	ReadRecords(r io.Reader) (int, error)

	// ProcessRecords consumes the records read so far. It returns a
	// [*ProtocolError] when the peer data is rejected; the error is sticky.
	ProcessRecords() error

	// ReadPlaintext copies decrypted application data into buf. It returns
	// zero and a nil error when more records are needed, and [io.EOF] once
	// the peer closed the stream.
	ReadPlaintext(buf []byte) (int, error)

	// WritePlaintext encrypts a prefix of data into queued records and
	// returns how many bytes it accepted.
	WritePlaintext(data []byte) (int, error)

	// ConnectionState returns the negotiated parameters. It is only
	// meaningful once IsHandshaking returns false.
	ConnectionState() tls.ConnectionState

	// Close queues a close_notify alert when possible and releases the engine.
	Close() error
}
