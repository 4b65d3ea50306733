// Package tlsbootstrap generates the self-signed CA and server certificate
// that https listen endpoints serve when no external TLS material is
// provided. Init writes the files tlsconfig discovery looks for.
package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caCommonName     = "understudy-ca"
	serverCommonName = "understudy-server"
	validity         = 365 * 24 * time.Hour
)

// defaultSANs cover local development; extra hosts extend them.
var defaultSANs = []string{"localhost", "127.0.0.1", "::1"}

// KeyPair is a certificate and its private key, both PEM-encoded.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// GenerateCA mints the self-signed ECDSA P-256 authority that server
// certificates are issued under.
func GenerateCA() (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}

	return &KeyPair{
		CertPEM: encodeCertPEM(certDER),
		KeyPEM:  encodeKeyPEM(key),
	}, nil
}

// IssueServerCert creates a server certificate signed by the given CA.
// SANs may include DNS names and IP addresses (parsed automatically).
func IssueServerCert(caCertPEM, caKeyPEM []byte, sans []string) (*KeyPair, error) {
	caCert, caKey, err := parseCA(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	dnsNames, ips := classifySANs(sans)
	if len(dnsNames) == 0 && len(ips) == 0 {
		dnsNames = append(dnsNames, serverCommonName)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: serverCommonName},
		NotBefore:    now,
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create server certificate: %w", err)
	}

	return &KeyPair{
		CertPEM: encodeCertPEM(certDER),
		KeyPEM:  encodeKeyPEM(key),
	}, nil
}

// Init generates a CA and server certificate and writes them to dir as
// ca.pem, ca.key, server.pem, and server.key. Extra hosts extend the
// default localhost SANs. Returns an error if the CA already exists unless
// force is true.
func Init(dir string, hosts []string, force bool) error {
	caPath := filepath.Join(dir, "ca.pem")
	if !force {
		if _, err := os.Stat(caPath); err == nil {
			return fmt.Errorf("CA already exists at %s (use --force to overwrite)", caPath)
		}
	}

	ca, err := GenerateCA()
	if err != nil {
		return err
	}

	sans := append(append([]string{}, defaultSANs...), hosts...)
	server, err := IssueServerCert(ca.CertPEM, ca.KeyPEM, sans)
	if err != nil {
		return fmt.Errorf("issue server certificate: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create TLS directory: %w", err)
	}

	files := map[string][]byte{
		"ca.pem":     ca.CertPEM,
		"ca.key":     ca.KeyPEM,
		"server.pem": server.CertPEM,
		"server.key": server.KeyPEM,
	}
	for name, data := range files {
		perm := os.FileMode(0o644)
		if filepath.Ext(name) == ".key" {
			perm = 0o600
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, perm); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	return nil
}

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("decode CA key PEM")
	}
	rawKey, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA key: %w", err)
	}

	return cert, rawKey, nil
}

func classifySANs(sans []string) (dnsNames []string, ips []net.IP) {
	for _, s := range sans {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, s)
		}
	}
	return dnsNames, ips
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKeyPEM(key *ecdsa.PrivateKey) []byte {
	der, _ := x509.MarshalECPrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
