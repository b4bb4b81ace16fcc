// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// recordPipe is the [net.Conn] that a [TLSConn] sees inside a
// [*StdlibRecordEngine].
//
// Writes are queued in memory for the session to send. Reads are served from
// ciphertext fed by the session; when none is available the reading
// goroutine parks, signals the engine through yield and waits on resume.
type recordPipe struct {
	mu     sync.Mutex
	closed bool
	eof    bool
	in     bytes.Buffer
	out    bytes.Buffer
	parked bool
	resume chan struct{}
	yield  chan struct{}
}

var _ net.Conn = &recordPipe{}

func newRecordPipe() *recordPipe {
	return &recordPipe{
		resume: make(chan struct{}, 1),
		yield:  make(chan struct{}),
	}
}

// Read implements [net.Conn]. It runs on the engine goroutine.
func (p *recordPipe) Read(buf []byte) (int, error) {
	for {
		p.mu.Lock()
		switch {
		case p.in.Len() > 0:
			count, _ := p.in.Read(buf)
			p.mu.Unlock()
			return count, nil
		case p.closed:
			p.mu.Unlock()
			return 0, net.ErrClosed
		case p.eof:
			p.mu.Unlock()
			return 0, io.EOF
		}
		p.parked = true
		p.mu.Unlock()

		p.yield <- struct{}{}
		<-p.resume
	}
}

// Write implements [net.Conn]. Data is queued, never sent.
func (p *recordPipe) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	return p.out.Write(data)
}

// Close implements [net.Conn]. Queued output remains available to drainTo
// and a parked reader is released with [net.ErrClosed].
func (p *recordPipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wake()
	return nil
}

// feed appends ciphertext read from the socket.
func (p *recordPipe) feed(data []byte) {
	p.mu.Lock()
	p.in.Write(data)
	p.mu.Unlock()
}

// closeInput records that the socket reached end of stream.
func (p *recordPipe) closeInput() {
	p.mu.Lock()
	p.eof = true
	p.mu.Unlock()
}

// wake releases a parked reader, if any.
func (p *recordPipe) wake() {
	p.mu.Lock()
	parked := p.parked
	p.parked = false
	p.mu.Unlock()
	if parked {
		p.resume <- struct{}{}
	}
}

// pending returns the number of queued output bytes.
func (p *recordPipe) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Len()
}

// drainTo performs a single write of queued output to w.
func (p *recordPipe) drainTo(w io.Writer) (int, error) {
	p.mu.Lock()
	chunk := bytes.Clone(p.out.Bytes())
	p.mu.Unlock()
	if len(chunk) == 0 {
		return 0, nil
	}
	count, err := w.Write(chunk)
	p.mu.Lock()
	p.out.Next(count)
	p.mu.Unlock()
	return count, err
}

func (p *recordPipe) LocalAddr() net.Addr { return pipeAddr{} }

func (p *recordPipe) RemoteAddr() net.Addr { return pipeAddr{} }

// The session's socket owns timeouts; deadlines on the pipe are ignored.
func (p *recordPipe) SetDeadline(t time.Time) error { return nil }

func (p *recordPipe) SetReadDeadline(t time.Time) error { return nil }

func (p *recordPipe) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }

func (pipeAddr) String() string { return "recordpipe" }
