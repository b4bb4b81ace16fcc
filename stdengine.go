// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/bassosimone/runtimex"
)

// recordReadSize is the size of a single socket read: one maximum-size
// TLS record plus header and expansion.
const recordReadSize = 16384 + 2048

// NewClientRecordEngine returns a client [*StdlibRecordEngine].
//
// The cfg argument provides the [TLSEngine] and the plaintext write limit.
//
// The config argument must already carry the server name; it is used as is.
func NewClientRecordEngine(cfg *Config, config *tls.Config) *StdlibRecordEngine {
	runtimex.Assert(config != nil)
	pipe := newRecordPipe()
	return newStdlibRecordEngine(cfg, pipe, cfg.TLSEngine.Client(pipe, config))
}

// NewServerRecordEngine returns a server [*StdlibRecordEngine].
//
// The cfg argument provides the [TLSServerEngine] and the plaintext write limit.
//
// The config argument must carry at least one certificate.
func NewServerRecordEngine(cfg *Config, config *tls.Config) *StdlibRecordEngine {
	runtimex.Assert(config != nil)
	pipe := newRecordPipe()
	return newStdlibRecordEngine(cfg, pipe, cfg.TLSServerEngine.Server(pipe, config))
}

// StdlibRecordEngine implements [RecordEngine] on top of a [TLSConn].
//
// The [TLSConn] talks to an in-memory pipe. Operations that may need peer
// records (the handshake and application reads) run on a helper goroutine
// that hands control back whenever the pipe runs dry, so the engine never
// touches the socket and never runs concurrently with its caller.
//
// Construct using [NewClientRecordEngine] or [NewServerRecordEngine].
type StdlibRecordEngine struct {
	closed     bool
	conn       TLSConn
	eof        bool
	err        error
	handshaken bool
	maxWrite   int
	op         *engineOp
	pipe       *recordPipe
	plain      bytes.Buffer
	rbuf       []byte
	scratch    []byte
	state      tls.ConnectionState
}

var _ RecordEngine = &StdlibRecordEngine{}

type engineOpKind int

const (
	opHandshake engineOpKind = iota
	opRead
)

// engineOp is a TLSConn call running on the helper goroutine.
type engineOp struct {
	count int
	done  chan struct{}
	err   error
	kind  engineOpKind
}

func newStdlibRecordEngine(cfg *Config, pipe *recordPipe, conn TLSConn) *StdlibRecordEngine {
	maxWrite := cfg.MaxPlaintextWrite
	if maxWrite <= 0 {
		maxWrite = DefaultMaxPlaintextWrite
	}
	e := &StdlibRecordEngine{
		conn:     conn,
		maxWrite: maxWrite,
		pipe:     pipe,
		rbuf:     make([]byte, recordReadSize),
		scratch:  make([]byte, DefaultMaxPlaintextWrite),
	}
	e.start(opHandshake, func() (int, error) {
		return 0, conn.HandshakeContext(context.Background())
	})
	return e
}

// start launches fn on the helper goroutine and waits until it either
// parks for input or returns.
func (e *StdlibRecordEngine) start(kind engineOpKind, fn func() (int, error)) {
	runtimex.Assert(e.op == nil)
	op := &engineOp{done: make(chan struct{}), kind: kind}
	e.op = op
	go func() {
		defer close(op.done)
		op.count, op.err = fn()
	}()
	e.await()
}

// await blocks until the in-flight operation parks or completes.
func (e *StdlibRecordEngine) await() {
	op := e.op
	select {
	case <-e.pipe.yield:
	case <-op.done:
		e.finish(op)
	}
}

func (e *StdlibRecordEngine) finish(op *engineOp) {
	e.op = nil
	switch op.kind {
	case opHandshake:
		if op.err != nil {
			e.err = &ProtocolError{Op: "handshake", Err: op.err}
			return
		}
		e.handshaken = true
		e.state = e.conn.ConnectionState()

	case opRead:
		e.plain.Write(e.scratch[:op.count])
		switch {
		case op.err == nil:
		case errors.Is(op.err, io.EOF):
			e.eof = true
		default:
			e.err = &ProtocolError{Op: "read", Err: op.err}
		}
	}
}

// IsHandshaking implements [RecordEngine].
func (e *StdlibRecordEngine) IsHandshaking() bool {
	return !e.handshaken
}

// WantsRead implements [RecordEngine].
func (e *StdlibRecordEngine) WantsRead() bool {
	if e.closed || e.err != nil || e.eof {
		return false
	}
	return e.op != nil || e.handshaken
}

// WantsWrite implements [RecordEngine].
func (e *StdlibRecordEngine) WantsWrite() bool {
	return e.pipe.pending() > 0
}

// WriteRecords implements [RecordEngine].
func (e *StdlibRecordEngine) WriteRecords(w io.Writer) (int, error) {
	return e.pipe.drainTo(w)
}

// ReadRecords implements [RecordEngine].
func (e *StdlibRecordEngine) ReadRecords(r io.Reader) (int, error) {
	if e.closed {
		return 0, net.ErrClosed
	}
	count, err := r.Read(e.rbuf)
	if count > 0 {
		e.pipe.feed(e.rbuf[:count])
	}
	if errors.Is(err, io.EOF) {
		e.pipe.closeInput()
		return count, nil
	}
	return count, err
}

// ProcessRecords implements [RecordEngine].
func (e *StdlibRecordEngine) ProcessRecords() error {
	if e.err != nil || e.op == nil {
		return e.err
	}
	e.pipe.wake()
	e.await()
	return e.err
}

// ReadPlaintext implements [RecordEngine].
func (e *StdlibRecordEngine) ReadPlaintext(buf []byte) (int, error) {
	if e.closed {
		return 0, net.ErrClosed
	}
	if e.plain.Len() <= 0 && e.op == nil && e.handshaken && e.err == nil && !e.eof {
		e.start(opRead, func() (int, error) {
			return e.conn.Read(e.scratch)
		})
	}
	switch {
	case e.plain.Len() > 0:
		return e.plain.Read(buf)
	case e.err != nil:
		return 0, e.err
	case e.eof:
		return 0, io.EOF
	default:
		return 0, nil
	}
}

// WritePlaintext implements [RecordEngine].
//
// At most the configured maximum plaintext write is accepted per call.
func (e *StdlibRecordEngine) WritePlaintext(data []byte) (int, error) {
	switch {
	case e.closed:
		return 0, net.ErrClosed
	case e.err != nil:
		return 0, e.err
	case !e.handshaken:
		return 0, invalidStatef("cannot write application data while handshaking")
	}
	return e.conn.Write(data[:min(len(data), e.maxWrite)])
}

// ConnectionState implements [RecordEngine].
//
// The state is captured when the handshake completes.
func (e *StdlibRecordEngine) ConnectionState() tls.ConnectionState {
	return e.state
}

// Close implements [RecordEngine].
//
// Once the handshake is complete, a close_notify alert stays queued for
// [*StdlibRecordEngine.WriteRecords]. A parked operation is released.
func (e *StdlibRecordEngine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.conn.Close()
}
