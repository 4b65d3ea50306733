package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateCA(t *testing.T) {
	t.Parallel()

	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	cert := parseCert(t, ca.CertPEM)
	if !cert.IsCA {
		t.Fatal("expected CA certificate")
	}
	if cert.Subject.CommonName != caCommonName {
		t.Fatalf("expected CN %q, got %q", caCommonName, cert.Subject.CommonName)
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Fatal("expected CertSign key usage")
	}

	parseKey(t, ca.KeyPEM)
}

func TestIssueServerCert(t *testing.T) {
	t.Parallel()

	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	leaf, err := IssueServerCert(ca.CertPEM, ca.KeyPEM, []string{"example.com", "127.0.0.1", "::1"})
	if err != nil {
		t.Fatalf("IssueServerCert: %v", err)
	}

	cert := parseCert(t, leaf.CertPEM)
	if cert.IsCA {
		t.Fatal("server cert should not be CA")
	}
	if cert.Subject.CommonName != serverCommonName {
		t.Fatalf("expected CN %q, got %q", serverCommonName, cert.Subject.CommonName)
	}

	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "example.com" {
		t.Fatalf("expected DNS SAN [example.com], got %v", cert.DNSNames)
	}
	expectedIPs := []string{"127.0.0.1", "::1"}
	if len(cert.IPAddresses) != len(expectedIPs) {
		t.Fatalf("expected %d IP SANs, got %d", len(expectedIPs), len(cert.IPAddresses))
	}
	for i, expected := range expectedIPs {
		if !cert.IPAddresses[i].Equal(net.ParseIP(expected)) {
			t.Fatalf("expected IP SAN %s, got %s", expected, cert.IPAddresses[i])
		}
	}

	hasServerAuth := false
	for _, usage := range cert.ExtKeyUsage {
		if usage == x509.ExtKeyUsageServerAuth {
			hasServerAuth = true
		}
	}
	if !hasServerAuth {
		t.Fatalf("expected ServerAuth EKU, got %v", cert.ExtKeyUsage)
	}
}

func TestIssueServerCertVerifiesAgainstCA(t *testing.T) {
	t.Parallel()

	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	leaf, err := IssueServerCert(ca.CertPEM, ca.KeyPEM, []string{"localhost"})
	if err != nil {
		t.Fatalf("IssueServerCert: %v", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.CertPEM) {
		t.Fatal("failed to add CA to pool")
	}

	cert := parseCert(t, leaf.CertPEM)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Fatalf("server cert failed verification against CA: %v", err)
	}
}

func TestIssueServerCertRejectsWrongCA(t *testing.T) {
	t.Parallel()

	ca1, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA (1): %v", err)
	}
	ca2, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA (2): %v", err)
	}

	leaf, err := IssueServerCert(ca1.CertPEM, ca1.KeyPEM, []string{"localhost"})
	if err != nil {
		t.Fatalf("IssueServerCert: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(ca2.CertPEM)

	cert := parseCert(t, leaf.CertPEM)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err == nil {
		t.Fatal("expected verification to fail with wrong CA")
	}
}

func TestServerTLSHandshake(t *testing.T) {
	t.Parallel()

	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	serverKP, err := IssueServerCert(ca.CertPEM, ca.KeyPEM, []string{"localhost", "127.0.0.1"})
	if err != nil {
		t.Fatalf("issue server cert: %v", err)
	}

	caPool := x509.NewCertPool()
	caPool.AppendCertsFromPEM(ca.CertPEM)

	serverCert, err := tls.X509KeyPair(serverKP.CertPEM, serverKP.KeyPEM)
	if err != nil {
		t.Fatalf("load server keypair: %v", err)
	}

	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		tlsConn := conn.(*tls.Conn)
		done <- tlsConn.Handshake()
	}()

	clientTLS := &tls.Config{
		RootCAs:    caPool,
		ServerName: "127.0.0.1",
		MinVersion: tls.VersionTLS13,
	}

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientTLS)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer conn.Close()

	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestInit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := Init(dir, nil, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	expectedFiles := []string{"ca.pem", "ca.key", "server.pem", "server.key"}
	for _, name := range expectedFiles {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
		if filepath.Ext(name) == ".key" {
			if info.Mode().Perm() != 0o600 {
				t.Fatalf("expected %s to have 0600 permissions, got %o", name, info.Mode().Perm())
			}
		}
	}
}

func TestInitIncludesExtraHosts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := Init(dir, []string{"api.internal", "10.0.0.5"}, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "server.pem"))
	if err != nil {
		t.Fatalf("read server.pem: %v", err)
	}
	cert := parseCert(t, raw)

	foundDNS := false
	for _, name := range cert.DNSNames {
		if name == "api.internal" {
			foundDNS = true
		}
	}
	if !foundDNS {
		t.Fatalf("expected api.internal in DNS SANs, got %v", cert.DNSNames)
	}
	foundIP := false
	for _, ip := range cert.IPAddresses {
		if ip.Equal(net.ParseIP("10.0.0.5")) {
			foundIP = true
		}
	}
	if !foundIP {
		t.Fatalf("expected 10.0.0.5 in IP SANs, got %v", cert.IPAddresses)
	}
}

func TestInitRefusesOverwrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := Init(dir, nil, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := Init(dir, nil, false); err == nil {
		t.Fatal("expected Init to refuse overwriting existing CA")
	}
}

func TestInitForceOverwrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := Init(dir, nil, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := Init(dir, nil, true); err != nil {
		t.Fatalf("Init with force: %v", err)
	}
}

func parseCert(t *testing.T, pemData []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(pemData)
	if block == nil {
		t.Fatal("failed to decode PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func parseKey(t *testing.T, pemData []byte) *ecdsa.PrivateKey {
	t.Helper()
	block, _ := pem.Decode(pemData)
	if block == nil {
		t.Fatal("failed to decode key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("parse EC key: %v", err)
	}
	return key
}
