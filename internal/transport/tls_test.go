package transport

import (
	"bytes"
	"crypto/x509"
	"testing"
	"time"
)

func TestDevTLSCertDeterministic(t *testing.T) {
	_, der1, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	_, der2, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	if !bytes.Equal(der1, der2) {
		t.Fatalf("expected deterministic certificate")
	}
}

func TestDevTLSCertCoversLocalhost(t *testing.T) {
	_, der, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if err := cert.VerifyHostname("localhost"); err != nil {
		t.Fatalf("expected cert valid for localhost: %v", err)
	}
	if cert.NotAfter.Before(time.Now().Add(24 * time.Hour)) {
		t.Fatalf("cert expires too soon: %v", cert.NotAfter)
	}
}

func TestClientVerifiesPinnedServerCert(t *testing.T) {
	_, der, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	conf, err := clientTLSConfig()
	if err != nil {
		t.Fatalf("clientTLSConfig: %v", err)
	}
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:   conf.RootCAs,
		DNSName: conf.ServerName,
	}); err != nil {
		t.Fatalf("pinned verification failed: %v", err)
	}
}

func TestALPNAgreement(t *testing.T) {
	server, err := serverTLSConfig()
	if err != nil {
		t.Fatalf("serverTLSConfig: %v", err)
	}
	client, err := clientTLSConfig()
	if err != nil {
		t.Fatalf("clientTLSConfig: %v", err)
	}
	if len(server.NextProtos) == 0 || len(client.NextProtos) == 0 {
		t.Fatalf("expected ALPN on both configs")
	}
	if server.NextProtos[0] != client.NextProtos[0] {
		t.Fatalf("ALPN mismatch: %q vs %q", server.NextProtos[0], client.NextProtos[0])
	}
}
