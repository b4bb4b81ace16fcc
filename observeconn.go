//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package jimmies

import (
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// newRecordConn returns the transport a [*Session] hands to its engine:
// conn wrapped to log every record read and write at debug level.
func newRecordConn(s *Session, conn net.Conn) *recordConn {
	return &recordConn{
		Conn:          conn,
		errClassifier: s.factory.ErrClassifier,
		fd:            s.fd,
		laddr:         safeconn.LocalAddr(conn),
		logger:        s.logger,
		protocol:      safeconn.Network(conn),
		raddr:         safeconn.RemoteAddr(conn),
		spanID:        s.spanID,
		timeNow:       s.factory.TimeNow,
	}
}

// recordConn observes the ciphertext flowing over a session socket.
//
// Close and deadlines pass through unobserved: the session logs its own
// lifecycle.
type recordConn struct {
	net.Conn
	errClassifier ErrClassifier
	fd            int
	laddr         string
	logger        SLogger
	protocol      string
	raddr         string
	spanID        string
	timeNow       func() time.Time
}

// Read implements [net.Conn].
func (c *recordConn) Read(buf []byte) (int, error) {
	t0 := c.timeNow()
	c.logger.Debug(
		"recordReadStart",
		slog.Int("fd", c.fd),
		slog.Int("ioBufferSize", len(buf)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.String("spanID", c.spanID),
		slog.Time("t", t0),
	)

	count, err := c.Conn.Read(buf)

	c.logger.Debug(
		"recordReadDone",
		slog.Int("fd", c.fd),
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.errClassifier.Classify(err)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.String("spanID", c.spanID),
		slog.Time("t0", t0),
		slog.Time("t", c.timeNow()),
	)

	return count, err
}

// Write implements [net.Conn].
func (c *recordConn) Write(data []byte) (int, error) {
	t0 := c.timeNow()
	c.logger.Debug(
		"recordWriteStart",
		slog.Int("fd", c.fd),
		slog.Int("ioBufferSize", len(data)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.String("spanID", c.spanID),
		slog.Time("t", t0),
	)

	count, err := c.Conn.Write(data)

	c.logger.Debug(
		"recordWriteDone",
		slog.Int("fd", c.fd),
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.errClassifier.Classify(err)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.String("spanID", c.spanID),
		slog.Time("t0", t0),
		slog.Time("t", c.timeNow()),
	)

	return count, err
}
