// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"testing"

	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transfer moves every queued record from src into dst.
func transfer(t *testing.T, src, dst RecordEngine) error {
	t.Helper()
	var wire bytes.Buffer
	for src.WantsWrite() {
		_, err := src.WriteRecords(&wire)
		require.NoError(t, err)
	}
	for wire.Len() > 0 {
		_, err := dst.ReadRecords(&wire)
		require.NoError(t, err)
		if err := dst.ProcessRecords(); err != nil {
			return err
		}
	}
	return nil
}

// handshakeEngines pumps records between client and server until both
// complete the handshake or one of them fails.
func handshakeEngines(t *testing.T, client, server RecordEngine) error {
	t.Helper()
	for range 16 {
		if !client.IsHandshaking() && !server.IsHandshaking() {
			return transfer(t, client, server)
		}
		if err := transfer(t, client, server); err != nil {
			return err
		}
		if err := transfer(t, server, client); err != nil {
			return err
		}
	}
	t.Fatal("handshake did not converge")
	return nil
}

// newEnginePair returns a client trusting ca and a server presenting a
// certificate for localhost.
func newEnginePair(t *testing.T, maxVersion uint16) (*StdlibRecordEngine, *StdlibRecordEngine) {
	ca := newTestAuthority(t, "root")
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	cfg := NewConfig()
	client := NewClientRecordEngine(cfg, &tls.Config{
		MaxVersion: maxVersion,
		RootCAs:    pool,
		ServerName: "localhost",
	})
	server := NewServerRecordEngine(cfg, &tls.Config{
		Certificates: []tls.Certificate{ca.IssueServer(t, "localhost")},
	})
	return client, server
}

// readPlaintext reads size bytes of plaintext, pumping records from peer when needed.
func readPlaintext(t *testing.T, engine, peer RecordEngine, size int) []byte {
	t.Helper()
	buf := make([]byte, size)
	var out []byte
	for range 16 {
		count, err := engine.ReadPlaintext(buf)
		require.NoError(t, err)
		out = append(out, buf[:count]...)
		if len(out) >= size {
			return out
		}
		require.NoError(t, transfer(t, peer, engine))
	}
	return out
}

// A fresh client queues its first flight; a fresh server waits for it.
func TestStdlibRecordEngineInitialState(t *testing.T) {
	client, server := newEnginePair(t, 0)

	assert.True(t, client.IsHandshaking())
	assert.True(t, client.WantsWrite())
	assert.True(t, client.WantsRead())

	assert.True(t, server.IsHandshaking())
	assert.False(t, server.WantsWrite())
	assert.True(t, server.WantsRead())

	count, err := client.ReadPlaintext(make([]byte, 8))
	assert.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = client.WritePlaintext([]byte("early"))
	require.ErrorIs(t, err, ErrInvalidState)
}

// Client and server complete the handshake in memory and exchange data.
func TestStdlibRecordEngineHandshakeAndEcho(t *testing.T) {
	for _, version := range []uint16{tls.VersionTLS12, tls.VersionTLS13} {
		t.Run(versionName(version), func(t *testing.T) {
			client, server := newEnginePair(t, version)
			require.NoError(t, handshakeEngines(t, client, server))

			assert.False(t, client.IsHandshaking())
			assert.False(t, server.IsHandshaking())
			assert.Equal(t, version, client.ConnectionState().Version)
			require.NotEmpty(t, client.ConnectionState().PeerCertificates)

			count, err := client.WritePlaintext([]byte("hello"))
			require.NoError(t, err)
			assert.Equal(t, 5, count)
			require.NoError(t, transfer(t, client, server))
			assert.Equal(t, []byte("hello"), readPlaintext(t, server, client, 5))

			_, err = server.WritePlaintext([]byte("world"))
			require.NoError(t, err)
			require.NoError(t, transfer(t, server, client))
			assert.Equal(t, []byte("world"), readPlaintext(t, client, server, 5))
		})
	}
}

// WritePlaintext accepts at most one record worth of plaintext.
func TestStdlibRecordEngineShortWrite(t *testing.T) {
	client, server := newEnginePair(t, 0)
	require.NoError(t, handshakeEngines(t, client, server))

	count, err := client.WritePlaintext(make([]byte, 20000))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxPlaintextWrite, count)
}

// Close queues close_notify, which the peer reports as io.EOF.
func TestStdlibRecordEngineCloseNotify(t *testing.T) {
	client, server := newEnginePair(t, 0)
	require.NoError(t, handshakeEngines(t, client, server))

	require.NoError(t, client.Close())
	assert.True(t, client.WantsWrite())
	assert.False(t, client.WantsRead())
	require.NoError(t, transfer(t, client, server))

	count, err := server.ReadPlaintext(make([]byte, 8))
	assert.Equal(t, 0, count)
	require.ErrorIs(t, err, io.EOF)
	assert.False(t, server.WantsRead())

	_, err = client.ReadPlaintext(make([]byte, 8))
	require.Error(t, err)
}

// An untrusted server certificate is a sticky protocol error.
func TestStdlibRecordEngineUnknownAuthority(t *testing.T) {
	_, server := newEnginePair(t, 0)
	client := NewClientRecordEngine(NewConfig(), &tls.Config{
		RootCAs:    x509.NewCertPool(),
		ServerName: "localhost",
	})
	err := handshakeEngines(t, client, server)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "handshake", protoErr.Op)
	var authorityErr x509.UnknownAuthorityError
	assert.ErrorAs(t, err, &authorityErr)

	assert.True(t, client.IsHandshaking())
	assert.False(t, client.WantsRead())
	assert.Same(t, protoErr, client.ProcessRecords())
}

// A failure from the TLS implementation surfaces from ProcessRecords.
func TestStdlibRecordEngineHandshakeFailure(t *testing.T) {
	wantErr := errors.New("mocked handshake failure")
	conn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return wantErr
		},
	}
	cfg := NewConfig()
	cfg.TLSEngine = newMockTLSEngine(conn)

	engine := NewClientRecordEngine(cfg, &tls.Config{ServerName: "example.com"})

	assert.True(t, engine.IsHandshaking())
	assert.False(t, engine.WantsRead())
	assert.False(t, engine.WantsWrite())

	err := engine.ProcessRecords()
	require.ErrorIs(t, err, wantErr)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "handshake", protoErr.Op)
}

// ReadRecords reports end of stream as zero bytes and no error.
func TestStdlibRecordEngineReadRecordsEOF(t *testing.T) {
	client, _ := newEnginePair(t, 0)

	count, err := client.ReadRecords(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	err = client.ProcessRecords()
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.ErrorIs(t, err, io.EOF)
}
