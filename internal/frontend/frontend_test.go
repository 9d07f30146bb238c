package frontend

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

	"github.com/stretchr/testify/require"

	"github.com/fdnsd/fdnsd/internal/dohcatalog"
	"github.com/fdnsd/fdnsd/internal/filter"
	"github.com/fdnsd/fdnsd/internal/tlssession"
	"github.com/fdnsd/fdnsd/internal/worker"
)

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

func TestDispatcher_EndToEnd(t *testing.T) {
	certPath, cert := selfSignedCert(t)
	addr := startFakeUpstream(t, cert, tlssession.KeepaliveProbe)

	server := dohcatalog.Server{
		Name:    "test",
		Address: addr,
		SNIHost: "localhost",
		Request: "POST /dns-query HTTP/1.1\r\nHost: localhost\r\nContent-Type: application/dns-message\r\nContent-Length: %d\r\n\r\n",
	}
	sess := tlssession.New(server, certPath)
	w := worker.New("w0", worker.Options{}, sess, filter.New(), nil)

	d, err := New("127.0.0.1:0", []*worker.Worker{w})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	client, err := net.Dial("udp", d.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	query := append([]byte(nil), tlssession.KeepaliveProbe...)
	query[0], query[1] = 0x77, 0x88

	_, err = client.Write(query)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	n, err := client.Read(buf)
	require.NoError(t, err)

	require.Equal(t, byte(0x77), buf[0])
	require.Equal(t, byte(0x88), buf[1])
	require.Greater(t, n, 0)

	d.Stop()
}
