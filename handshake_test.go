// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRecordTransport returns a transport that accepts every write and
// serves reads of five bytes.
func newRecordTransport() *netstub.FuncConn {
	conn := newMinimalConn()
	conn.WriteFunc = func(data []byte) (int, error) {
		return len(data), nil
	}
	conn.ReadFunc = func(buf []byte) (int, error) {
		return copy(buf, "ABCDE"), nil
	}
	return conn
}

// The driver writes queued records before reading when both are wanted.
func TestDoHandshakeWritesBeforeReading(t *testing.T) {
	var (
		flights = 1
		done    = false
	)
	engine := &funcRecordEngine{
		IsHandshakingFunc: func() bool { return !done },
		WantsReadFunc:     func() bool { return !done },
		WantsWriteFunc:    func() bool { return flights > 0 },
		WriteRecordsFunc: func(w io.Writer) (int, error) {
			flights--
			return w.Write([]byte("flight"))
		},
		ReadRecordsFunc: func(r io.Reader) (int, error) {
			return r.Read(make([]byte, 16))
		},
		ProcessRecordsFunc: func() error {
			done = true
			return nil
		},
	}
	session := newFakeSession(t, engine, newRecordTransport())

	require.NoError(t, session.DoHandshake(context.Background()))

	assert.Equal(t, []string{"write", "read", "process"}, engine.calls)
	assert.False(t, session.IsHandshaking())
}

// The final flight queued on completion is flushed before returning.
func TestDoHandshakeFlushesFinalFlight(t *testing.T) {
	var (
		flights = 0
		done    = false
	)
	engine := &funcRecordEngine{
		IsHandshakingFunc: func() bool { return !done },
		WantsReadFunc:     func() bool { return !done },
		WantsWriteFunc:    func() bool { return flights > 0 },
		WriteRecordsFunc: func(w io.Writer) (int, error) {
			flights--
			return w.Write([]byte("finished"))
		},
		ReadRecordsFunc: func(r io.Reader) (int, error) {
			return r.Read(make([]byte, 16))
		},
		ProcessRecordsFunc: func() error {
			done = true
			flights = 1
			return nil
		},
	}
	session := newFakeSession(t, engine, newRecordTransport())

	require.NoError(t, session.DoHandshake(context.Background()))

	assert.Equal(t, []string{"read", "process", "write"}, engine.calls)
}

// A handshake that wants neither to read nor to write fails instead of spinning.
func TestDoHandshakeStalled(t *testing.T) {
	t.Run("without engine error", func(t *testing.T) {
		engine := &funcRecordEngine{
			IsHandshakingFunc: func() bool { return true },
		}
		session := newFakeSession(t, engine, newRecordTransport())

		err := session.DoHandshake(context.Background())

		require.ErrorIs(t, err, ErrHandshakeStalled)
		require.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, []string{"process"}, engine.calls)
	})

	t.Run("with a sticky engine error", func(t *testing.T) {
		wantErr := &ProtocolError{Op: "handshake", Err: errors.New("bad record mac")}
		engine := &funcRecordEngine{
			IsHandshakingFunc:  func() bool { return true },
			ProcessRecordsFunc: func() error { return wantErr },
		}
		session := newFakeSession(t, engine, newRecordTransport())

		err := session.DoHandshake(context.Background())

		require.ErrorIs(t, err, wantErr)
	})
}

// I/O and engine errors abort the handshake loop immediately.
func TestDoHandshakeErrors(t *testing.T) {
	t.Run("write error", func(t *testing.T) {
		wantErr := errors.New("connection reset")
		engine := &funcRecordEngine{
			IsHandshakingFunc: func() bool { return true },
			WantsWriteFunc:    func() bool { return true },
			WriteRecordsFunc: func(w io.Writer) (int, error) {
				return w.Write([]byte("x"))
			},
		}
		transport := newRecordTransport()
		transport.WriteFunc = func(data []byte) (int, error) {
			return 0, wantErr
		}
		session := newFakeSession(t, engine, transport)

		require.ErrorIs(t, session.DoHandshake(context.Background()), wantErr)
		assert.Equal(t, []string{"write"}, engine.calls)
	})

	t.Run("write without progress", func(t *testing.T) {
		engine := &funcRecordEngine{
			IsHandshakingFunc: func() bool { return true },
			WantsWriteFunc:    func() bool { return true },
			WriteRecordsFunc: func(w io.Writer) (int, error) {
				return 0, nil
			},
		}
		session := newFakeSession(t, engine, newRecordTransport())

		require.ErrorIs(t, session.DoHandshake(context.Background()), io.ErrNoProgress)
	})

	t.Run("protocol error while processing", func(t *testing.T) {
		wantErr := &ProtocolError{Op: "handshake", Err: errors.New("handshake failure")}
		engine := &funcRecordEngine{
			IsHandshakingFunc: func() bool { return true },
			WantsReadFunc:     func() bool { return true },
			ReadRecordsFunc: func(r io.Reader) (int, error) {
				return r.Read(make([]byte, 16))
			},
			ProcessRecordsFunc: func() error { return wantErr },
		}
		session := newFakeSession(t, engine, newRecordTransport())

		require.ErrorIs(t, session.DoHandshake(context.Background()), wantErr)
		assert.Equal(t, []string{"read", "process"}, engine.calls)
	})

	t.Run("peer closes mid-handshake", func(t *testing.T) {
		engine := &funcRecordEngine{
			IsHandshakingFunc: func() bool { return true },
			WantsReadFunc:     func() bool { return true },
			ReadRecordsFunc: func(r io.Reader) (int, error) {
				return 0, nil
			},
		}
		session := newFakeSession(t, engine, newRecordTransport())

		require.ErrorIs(t, session.DoHandshake(context.Background()), io.ErrUnexpectedEOF)
	})
}

// DoHandshake logs a tlsHandshakeStart/tlsHandshakeDone pair and is a
// no-op once the handshake is complete.
func TestDoHandshakeLogging(t *testing.T) {
	done := false
	engine := &funcRecordEngine{
		IsHandshakingFunc: func() bool { return !done },
		WantsReadFunc:     func() bool { return !done },
		ReadRecordsFunc: func(r io.Reader) (int, error) {
			return r.Read(make([]byte, 16))
		},
		ProcessRecordsFunc: func() error {
			done = true
			return nil
		},
	}
	session := newFakeSession(t, engine, newRecordTransport())
	logger, records := newCapturingLogger()
	session.logger = logger

	require.NoError(t, session.DoHandshake(context.Background()))
	require.NoError(t, session.DoHandshake(context.Background()))

	assert.Equal(t, []string{"tlsHandshakeStart", "tlsHandshakeDone"}, recordMessages(*records))
	for _, record := range *records {
		attrs := recordAttrs(record)
		assert.Equal(t, "stdlib", attrs["tlsEngineName"])
		assert.Equal(t, "", attrs["tlsParrot"])
		assert.Equal(t, session.SpanID(), attrs["spanID"])
	}
}

// A cancelled context interrupts a blocked handshake read.
func TestDoHandshakeContextCancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	factory, err := CreateDefaultFactory(Options{CAData: newTestAuthority(t, "root").PEM()})
	require.NoError(t, err)
	opts := NewWrapOptions()
	opts.DoHandshakeOnConnect = false
	opts.ServerHostname = "localhost"
	session, err := factory.WrapSocket(context.Background(), conn.(*net.TCPConn), opts)
	require.NoError(t, err)
	defer session.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, session.DoHandshake(ctx), context.Canceled)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, session.DoHandshake(ctx), context.DeadlineExceeded)
}

// An interrupted handshake gives back the deadline set with SetDeadline.
func TestDoHandshakeRestoresSessionDeadline(t *testing.T) {
	client, _ := newTCPPair(t)
	factory, err := CreateDefaultFactory(Options{CAData: newTestAuthority(t, "root").PEM()})
	require.NoError(t, err)
	opts := NewWrapOptions()
	opts.DoHandshakeOnConnect = false
	opts.ServerHostname = "localhost"
	session, err := factory.WrapSocket(context.Background(), client, opts)
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.SetDeadline(time.Now().Add(300*time.Millisecond)))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, session.DoHandshake(ctx), context.DeadlineExceeded)

	// Without the restored deadline this read would block forever.
	readErr := make(chan error, 1)
	go func() {
		_, err := session.sock.Read(make([]byte, 1))
		readErr <- err
	}()
	select {
	case err := <-readErr:
		require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("session deadline was not restored")
	}
}
