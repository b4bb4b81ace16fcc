// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/require"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. Do not share it among goroutines.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordMessages returns the messages of the captured records.
func recordMessages(records []slog.Record) (out []string) {
	for _, record := range records {
		out = append(out, record.Message)
	}
	return
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] whose Client
// always returns conn.
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set, which is what [safeconn] needs.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// testAuthority is a throwaway certificate authority.
type testAuthority struct {
	cert *x509.Certificate
	der  []byte
	key  *ecdsa.PrivateKey
}

func newTestAuthority(t testing.TB, commonName string) *testAuthority {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testAuthority{cert: cert, der: der, key: key}
}

// PEM returns the authority certificate in PEM form.
func (a *testAuthority) PEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.der}))
}

// WriteCAFile writes the authority certificate into dir and returns its path.
func (a *testAuthority) WriteCAFile(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(path, []byte(a.PEM()), 0o644))
	return path
}

// IssueServer returns a server certificate valid for dnsNames.
func (a *testAuthority) IssueServer(t testing.TB, dnsNames ...string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: dnsNames[0]},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

// WriteServerFiles writes a server certificate and key into dir.
func (a *testAuthority) WriteServerFiles(t testing.TB, dir string, dnsNames ...string) (string, string) {
	t.Helper()
	cert := a.IssueServer(t, dnsNames...)
	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	return certPath, keyPath
}

// newTCPPair returns both ends of a loopback TCP connection.
func newTCPPair(t testing.TB) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client.(*net.TCPConn), server.(*net.TCPConn)
}

// newFakeSession returns a client session driving engine over transport.
//
// The session borrows one end of a loopback connection, but every record
// goes through transport.
func newFakeSession(t testing.TB, engine RecordEngine, transport net.Conn) *Session {
	t.Helper()
	factory, err := CreateDefaultFactory(Options{})
	require.NoError(t, err)
	conn, _ := newTCPPair(t)
	sock, err := Borrow(conn)
	require.NoError(t, err)
	session := newSession(factory, sock, RoleClient, "example.com", engine)
	session.transport = transport
	return session
}

// funcRecordEngine is a [RecordEngine] scripted through optional functions.
//
// Each record-level call is appended to calls.
type funcRecordEngine struct {
	calls []string

	CloseFunc           func() error
	ConnectionStateFunc func() tls.ConnectionState
	IsHandshakingFunc   func() bool
	ProcessRecordsFunc  func() error
	ReadPlaintextFunc   func(buf []byte) (int, error)
	ReadRecordsFunc     func(r io.Reader) (int, error)
	WantsReadFunc       func() bool
	WantsWriteFunc      func() bool
	WritePlaintextFunc  func(data []byte) (int, error)
	WriteRecordsFunc    func(w io.Writer) (int, error)
}

var _ RecordEngine = &funcRecordEngine{}

func (e *funcRecordEngine) IsHandshaking() bool {
	return e.IsHandshakingFunc != nil && e.IsHandshakingFunc()
}

func (e *funcRecordEngine) WantsRead() bool {
	return e.WantsReadFunc != nil && e.WantsReadFunc()
}

func (e *funcRecordEngine) WantsWrite() bool {
	return e.WantsWriteFunc != nil && e.WantsWriteFunc()
}

func (e *funcRecordEngine) WriteRecords(w io.Writer) (int, error) {
	e.calls = append(e.calls, "write")
	return e.WriteRecordsFunc(w)
}

func (e *funcRecordEngine) ReadRecords(r io.Reader) (int, error) {
	e.calls = append(e.calls, "read")
	return e.ReadRecordsFunc(r)
}

func (e *funcRecordEngine) ProcessRecords() error {
	e.calls = append(e.calls, "process")
	if e.ProcessRecordsFunc == nil {
		return nil
	}
	return e.ProcessRecordsFunc()
}

func (e *funcRecordEngine) ReadPlaintext(buf []byte) (int, error) {
	return e.ReadPlaintextFunc(buf)
}

func (e *funcRecordEngine) WritePlaintext(data []byte) (int, error) {
	return e.WritePlaintextFunc(data)
}

func (e *funcRecordEngine) ConnectionState() tls.ConnectionState {
	if e.ConnectionStateFunc == nil {
		return tls.ConnectionState{}
	}
	return e.ConnectionStateFunc()
}

func (e *funcRecordEngine) Close() error {
	if e.CloseFunc == nil {
		return nil
	}
	return e.CloseFunc()
}
