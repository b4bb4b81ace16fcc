// SPDX-License-Identifier: GPL-3.0-or-later

// Package jimmies runs TLS sessions over TCP sockets that the caller owns.
//
// # Sessions
//
// A [*Factory] holds the trust roots and the server identity shared by the
// sessions it creates. [*Factory.WrapSocket] borrows a connected TCP socket
// or a TCP listener and returns a [*Session]:
//
//   - a client session verifies the server against [WrapOptions.ServerHostname];
//   - a server session over a connected socket answers one client;
//   - a server session over a listener only accepts, via [*Session.Accept].
//
// The session reads and writes through the caller's descriptor but never
// closes it: [*Session.Close] sends close_notify when the session is
// established and then detaches. Use [*WrapSocketFunc] instead when the
// session should own the connection.
//
// # Record Engines
//
// A session drives a [RecordEngine], which consumes and produces TLS records
// without doing any I/O. The session moves the records between the engine and
// the socket. [NewClientRecordEngine] and [NewServerRecordEngine] build engines
// on top of [crypto/tls].
//
// The handshake runs when the session is created, when [*Session.DoHandshake]
// is called, or on the first read or write. [*Session.Recv] and
// [*Session.Send] may transfer fewer bytes than asked; [*Session.SendAll] and
// the [io.Reader] and [io.Writer] methods follow the usual Go conventions.
//
// # Pipelines
//
// The package keeps a small set of composable steps:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// [*ConnectFunc] dials a TCP address, [*CancelWatchFunc] closes the connection
// when the context is done, and [*WrapSocketFunc] turns the connection into a
// session. [Compose2], [Compose3] and [Apply] chain them. A step that fails
// closes its closeable input.
//
// # Errors
//
// Failures wrap one of [ErrInvalidArgument], [ErrInvalidState],
// [ErrInvalidSocketKind], [ErrNotImplemented] or [ErrTrustStore]. TLS failures
// are reported as [*ProtocolError] and are sticky: once an engine failed, it
// keeps failing.
//
// # Observability
//
// All operations support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled.
//
// Sessions emit span events as *Start/*Done pairs (tlsHandshakeStart,
// acceptStart, closeStart and so on) at [slog.LevelInfo], and record level
// I/O events (recordReadStart, recordWriteDone) at [slog.LevelDebug]. All
// events share localAddr, remoteAddr, protocol, spanID and t. Completion
// events add t0, err and errClass. Error classification is configurable via
// [ErrClassifier].
//
// # Context
//
// Operations never modify the context they receive. A handshake interrupted
// by its context fails with the context error; the socket deadline is reset
// so that the caller may keep using it.
package jimmies
