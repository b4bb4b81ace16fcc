// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"
)

// Kind distinguishes a connected TCP stream from a listening TCP socket.
type Kind int

const (
	// KindStream is a connected TCP socket.
	KindStream Kind = iota + 1

	// KindListener is a listening TCP socket.
	KindListener
)

// String implements [fmt.Stringer].
func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindListener:
		return "listener"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// socketInfo is what the platform layer reports about a descriptor.
type socketInfo struct {
	fd    int
	kind  Kind
	laddr net.Addr
	raddr net.Addr
}

// BorrowedSocket wraps a TCP socket descriptor owned by the caller.
//
// The wrapper reads and writes through the caller's [syscall.RawConn], so
// the runtime poller and any deadline configured on the caller's object keep
// governing blocking behavior. The descriptor is never duplicated and
// [*BorrowedSocket.Close] never closes it: closing only detaches the wrapper.
//
// The only exception is a socket returned by [*BorrowedSocket.Accept]: the
// accepted descriptor has no other owner, so the wrapper owns it.
//
// A BorrowedSocket assumes exclusive use of the descriptor while it exists.
// Construct using [Borrow].
type BorrowedSocket struct {
	ext      syscall.Conn
	fd       int
	kind     Kind
	laddr    net.Addr
	owner    io.Closer
	raddr    net.Addr
	raw      syscall.RawConn
	released atomic.Bool
}

var _ net.Conn = &BorrowedSocket{}

// Borrow validates that sock is a TCP stream or listener and wraps its
// descriptor without taking ownership of it.
//
// Returns [ErrInvalidSocketKind] when the descriptor is not a TCP socket.
func Borrow(sock syscall.Conn) (*BorrowedSocket, error) {
	if sock == nil {
		return nil, invalidArgumentf("nil socket")
	}
	raw, err := sock.SyscallConn()
	if err != nil {
		return nil, err
	}
	info, err := inspectSocket(raw)
	if err != nil {
		return nil, err
	}
	return &BorrowedSocket{
		ext:   sock,
		fd:    info.fd,
		kind:  info.kind,
		laddr: info.laddr,
		raddr: info.raddr,
		raw:   raw,
	}, nil
}

// Fd returns the descriptor value, kept for introspection and polling.
func (s *BorrowedSocket) Fd() int {
	return s.fd
}

// Kind returns whether the socket is a stream or a listener.
func (s *BorrowedSocket) Kind() Kind {
	return s.kind
}

// Read implements [net.Conn].
func (s *BorrowedSocket) Read(buf []byte) (int, error) {
	if err := s.usable(KindStream); err != nil {
		return 0, err
	}
	return sysRead(s.raw, buf)
}

// Write implements [net.Conn].
//
// Like any [net.Conn], it returns an error unless all of data is written.
func (s *BorrowedSocket) Write(data []byte) (int, error) {
	if err := s.usable(KindStream); err != nil {
		return 0, err
	}
	var total int
	for total < len(data) {
		count, err := sysWrite(s.raw, data[total:])
		total += count
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Flush exists for parity with buffered writers; writes are never buffered.
func (s *BorrowedSocket) Flush() error {
	return s.usable(KindStream)
}

// Accept waits for and wraps the next connection on a listener socket.
//
// The accepted socket reports its own descriptor and owns it: closing the
// returned wrapper closes the accepted connection.
func (s *BorrowedSocket) Accept() (*BorrowedSocket, net.Addr, error) {
	if err := s.usable(KindListener); err != nil {
		return nil, nil, err
	}
	conn, err := s.acceptConn()
	if err != nil {
		return nil, nil, err
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: accepted %T", ErrInvalidSocketKind, conn)
	}
	accepted, err := Borrow(sc)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	accepted.owner = conn
	return accepted, accepted.raddr, nil
}

// acceptConn prefers the caller's own Accept, which honors the listener
// deadline; otherwise it accepts directly on the descriptor.
func (s *BorrowedSocket) acceptConn() (net.Conn, error) {
	if ln, ok := s.ext.(interface{ Accept() (net.Conn, error) }); ok {
		return ln.Accept()
	}
	fd, err := sysAccept(s.raw)
	if err != nil {
		return nil, err
	}
	file := os.NewFile(uintptr(fd), "accepted")
	defer file.Close() // net.FileConn has its own copy
	return net.FileConn(file)
}

// Close detaches the wrapper from the descriptor.
//
// The descriptor stays open and usable through the caller's own object.
// Subsequent calls return [net.ErrClosed].
func (s *BorrowedSocket) Close() error {
	if s.released.Swap(true) {
		return net.ErrClosed
	}
	if s.owner != nil {
		return s.owner.Close()
	}
	return nil
}

// LocalAddr implements [net.Conn].
func (s *BorrowedSocket) LocalAddr() net.Addr {
	return s.laddr
}

// RemoteAddr implements [net.Conn].
//
// Returns nil for listeners and unconnected sockets.
func (s *BorrowedSocket) RemoteAddr() net.Addr {
	return s.raddr
}

// SetDeadline implements [net.Conn] by delegating to the caller's object.
func (s *BorrowedSocket) SetDeadline(t time.Time) error {
	if d, ok := s.ext.(interface{ SetDeadline(time.Time) error }); ok {
		return d.SetDeadline(t)
	}
	return fmt.Errorf("%w: %T has no deadlines", ErrNotImplemented, s.ext)
}

// SetReadDeadline implements [net.Conn] by delegating to the caller's object.
func (s *BorrowedSocket) SetReadDeadline(t time.Time) error {
	if d, ok := s.ext.(interface{ SetReadDeadline(time.Time) error }); ok {
		return d.SetReadDeadline(t)
	}
	return fmt.Errorf("%w: %T has no read deadline", ErrNotImplemented, s.ext)
}

// SetWriteDeadline implements [net.Conn] by delegating to the caller's object.
func (s *BorrowedSocket) SetWriteDeadline(t time.Time) error {
	if d, ok := s.ext.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return d.SetWriteDeadline(t)
	}
	return fmt.Errorf("%w: %T has no write deadline", ErrNotImplemented, s.ext)
}

func (s *BorrowedSocket) usable(want Kind) error {
	if s.released.Load() {
		return net.ErrClosed
	}
	if s.kind != want {
		return invalidStatef("operation requires a %s socket, have a %s", want, s.kind)
	}
	return nil
}
