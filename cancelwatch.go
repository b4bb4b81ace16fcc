// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc arranges for the connection to be closed when the context
// is done (cancelled or deadline exceeded).
//
// Use it in front of [*WrapSocketFunc] when the context lifetime matches the
// connection lifetime (e.g., a CLI interrupted with SIGINT). The returned
// connection wraps the input: closing it unregisters the watcher and closes
// the underlying connection, so no goroutine leaks.
//
// A [*Session] never closes the borrowed connection, so the caller remains
// responsible for closing what this function returns.
type CancelWatchFunc struct{}

var _ Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call registers a watcher using [context.AfterFunc] that closes conn when
// the context is done.
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

// cancelWatchedConn wraps a [net.Conn] with a context cancellation watcher.
//
// It forwards SyscallConn, so a [*net.TCPConn] input can still be borrowed.
type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// SyscallConn implements [syscall.Conn] when the wrapped connection does.
func (c *cancelWatchedConn) SyscallConn() (syscall.RawConn, error) {
	sc, ok := c.Conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("%w: %T has no descriptor", ErrInvalidSocketKind, c.Conn)
	}
	return sc.SyscallConn()
}

// deadliner is the subset of [net.Conn] that [watchContext] needs.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// deadlineRestorer is implemented by a [deadliner] that remembers the
// deadline its owner configured.
type deadlineRestorer interface {
	RestoreDeadline() error
}

// aLongTimeAgo is a deadline that has always expired.
var aLongTimeAgo = time.Unix(1, 0)

// watchContext runs fn and, when ctx is done before fn returns, expires
// the deadline of conn so that blocked I/O returns promptly.
//
// After an interruption the deadline is restored when conn implements
// [deadlineRestorer] and cleared otherwise, and ctx.Err() is returned in
// place of the I/O error.
func watchContext(ctx context.Context, conn deadliner, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ctx.Done() == nil {
		return fn()
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	err := fn()
	if stop() {
		return err
	}
	<-fired
	if r, ok := conn.(deadlineRestorer); ok {
		_ = r.RestoreDeadline()
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	if err == nil {
		return nil
	}
	return ctx.Err()
}
