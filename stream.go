// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"context"
	"io"
	"net"
)

// streamable checks that the session can carry application data.
func (s *Session) streamable() error {
	switch {
	case s.closed:
		return net.ErrClosed
	case s.role == RoleListeningServer:
		return invalidStatef("a listening session carries no data")
	default:
		return nil
	}
}

// prepare completes a pending handshake before application I/O.
func (s *Session) prepare() error {
	if err := s.streamable(); err != nil {
		return err
	}
	if s.engine.IsHandshaking() {
		return s.DoHandshake(context.Background())
	}
	return nil
}

// Recv reads at most max bytes of application data.
//
// It returns as soon as some data is available, so fewer than max bytes is
// normal. An empty slice with a nil error means that the peer closed the
// stream.
func (s *Session) Recv(max int) ([]byte, error) {
	if max < 0 {
		return nil, invalidArgumentf("negative read size %d", max)
	}
	buf := make([]byte, max)
	count, err := s.RecvInto(buf)
	if err != nil {
		return nil, err
	}
	return buf[:count], nil
}

// RecvInto is like [*Session.Recv] but reads into buf.
//
// A nil buf fails with [ErrInvalidArgument]. Zero bytes with a nil error
// means that the peer closed the stream.
func (s *Session) RecvInto(buf []byte) (int, error) {
	if buf == nil {
		return 0, invalidArgumentf("nil buffer")
	}
	count, err := s.Read(buf)
	if err == io.EOF {
		return 0, nil
	}
	return count, err
}

// Read implements [io.Reader].
//
// Queued records are flushed first. Then Read returns the plaintext the
// engine already holds or reads records until some arrives. It returns
// [io.EOF] once the peer closed the stream.
func (s *Session) Read(buf []byte) (int, error) {
	if err := s.prepare(); err != nil {
		return 0, err
	}
	if len(buf) <= 0 {
		return 0, nil
	}
	if err := s.flushRecords(); err != nil {
		return 0, err
	}
	for eof := false; ; {
		count, err := s.engine.ReadPlaintext(buf)
		if count > 0 || err != nil {
			return count, err
		}
		if eof || !s.engine.WantsRead() {
			return 0, io.EOF
		}
		if err := s.flushRecords(); err != nil {
			return 0, err
		}
		nread, err := s.engine.ReadRecords(s.transport)
		if err != nil {
			return 0, err
		}
		if err := s.engine.ProcessRecords(); err != nil {
			return 0, err
		}
		eof = nread == 0
	}
}

// Send encrypts and sends a prefix of data.
//
// A single engine write happens, so the returned count may be smaller than
// len(data); use [*Session.SendAll] to send everything.
func (s *Session) Send(data []byte) (int, error) {
	if err := s.prepare(); err != nil {
		return 0, err
	}
	if len(data) <= 0 {
		return 0, nil
	}
	if err := s.flushRecords(); err != nil {
		return 0, err
	}
	count, err := s.engine.WritePlaintext(data)
	if err != nil {
		return count, err
	}
	return count, s.flushRecords()
}

// SendAll sends data calling [*Session.Send] until done or an error occurs.
func (s *Session) SendAll(data []byte) error {
	_, err := s.Write(data)
	return err
}

// Write implements [io.Writer]. Like [*Session.SendAll], it sends all of
// data unless an error occurs.
func (s *Session) Write(data []byte) (int, error) {
	if err := s.streamable(); err != nil {
		return 0, err
	}
	var total int
	for total < len(data) {
		count, err := s.Send(data[total:])
		total += count
		if err != nil {
			return total, err
		}
		if count == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
