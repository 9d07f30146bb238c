package worker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdnsd/fdnsd/internal/dohcatalog"
	"github.com/fdnsd/fdnsd/internal/filter"
	"github.com/fdnsd/fdnsd/internal/lint"
	"github.com/fdnsd/fdnsd/internal/tlssession"
)

// wwwExampleQuery is a full 33-byte wire-format query for "www.example.com"
// A IN with the given transaction id, RD set.
func wwwExampleQuery(id uint16) []byte {
	q := append([]byte(nil), tlssession.KeepaliveProbe...)
	q[0] = byte(id >> 8)
	q[1] = byte(id)
	return q
}

func selfSignedCert(t *testing.T) (string, tls.Certificate) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, certPEM, 0o644))
	return path, cert
}

func startFakeUpstream(t *testing.T, cert tls.Certificate, reply []byte) string {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					conn.SetReadDeadline(time.Now().Add(2 * time.Second))
					if _, err := conn.Read(buf); err != nil {
						return
					}
					resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(reply))
					conn.Write(append([]byte(resp), reply...))
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func newTestWorker(t *testing.T, reply []byte) *Worker {
	t.Helper()
	certPath, cert := selfSignedCert(t)
	addr := startFakeUpstream(t, cert, reply)

	server := dohcatalog.Server{
		Name:    "test",
		Address: addr,
		SNIHost: "localhost",
		Request: "POST /dns-query HTTP/1.1\r\nHost: localhost\r\nContent-Type: application/dns-message\r\nContent-Length: %d\r\n\r\n",
	}
	sess := tlssession.New(server, certPath)
	return New("test-worker", Options{}, sess, filter.New(), nil)
}

func TestWorker_Handle_FormErrOnTooShort(t *testing.T) {
	w := newTestWorker(t, tlssession.KeepaliveProbe)
	_, err := w.Handle(context.Background(), net.ParseIP("127.0.0.1"), []byte{0x00})
	assert.Error(t, err)
}

func TestWorker_Handle_BlockedDomainReturnsNXDomain(t *testing.T) {
	w := newTestWorker(t, tlssession.KeepaliveProbe)
	w.filt.Block("example.com")

	reply, err := w.Handle(context.Background(), net.ParseIP("127.0.0.1"), wwwExampleQuery(0x1234))
	require.NoError(t, err)

	msg, lerr := lint.LintRX(reply)
	// Synthesized NXDOMAIN replies carry zero answers and rcode 3; LintRX
	// reports that as ErrNXDomain, which is the expected verdict here.
	assert.ErrorIs(t, lerr, lint.ErrNXDomain)
	_ = msg
}

func TestWorker_Handle_AnswersAndCaches(t *testing.T) {
	w := newTestWorker(t, tlssession.KeepaliveProbe)

	reply1, err := w.Handle(context.Background(), net.ParseIP("127.0.0.1"), wwwExampleQuery(0x1111))
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), reply1[0])
	assert.Equal(t, byte(0x11), reply1[1])

	stats := w.cache.GetStats()
	assert.Equal(t, 1, stats.Size)

	reply2, err := w.Handle(context.Background(), net.ParseIP("127.0.0.1"), wwwExampleQuery(0x2222))
	require.NoError(t, err)
	assert.Equal(t, byte(0x22), reply2[0])
	assert.Equal(t, byte(0x22), reply2[1])

	stats = w.cache.GetStats()
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestWorker_Handle_RejectsDisallowedType(t *testing.T) {
	w := newTestWorker(t, tlssession.KeepaliveProbe)
	query := wwwExampleQuery(0x3333)
	query[29] = 0x00
	query[30] = 28 // AAAA, not allowed by default

	reply, err := w.Handle(context.Background(), net.ParseIP("127.0.0.1"), query)
	require.NoError(t, err)
	assert.Equal(t, lint.RCodeNXDomain, reply[3]&0x0F)
}
