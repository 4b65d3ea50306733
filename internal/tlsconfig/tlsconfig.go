// Package tlsconfig discovers and loads TLS material for the understudy API.
package tlsconfig

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"

	"github.com/understudy-hq/understudy/internal/paths"
)

// Options carries certificate and key paths supplied explicitly by the
// caller. Empty fields fall back to discovery.
type Options struct {
	CertPath string
	KeyPath  string
}

// ResolveServer builds the TLS listener config for the API. Paths missing
// from opts are discovered as server.pem/server.key under the config TLS
// directory; when neither source yields a pair it returns nil, nil.
func ResolveServer(opts Options) (*tls.Config, error) {
	certPath, keyPath := resolveServerPaths(opts)
	if certPath == "" || keyPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

func resolveServerPaths(opts Options) (certPath, keyPath string) {
	certPath = opts.CertPath
	keyPath = opts.KeyPath
	tlsDir, dirErr := paths.TLSDir()
	if dirErr != nil {
		return certPath, keyPath
	}

	if certPath == "" {
		candidate := filepath.Join(tlsDir, "server.pem")
		if fileExists(candidate) {
			certPath = candidate
		}
	}
	if keyPath == "" {
		candidate := filepath.Join(tlsDir, "server.key")
		if fileExists(candidate) {
			keyPath = candidate
		}
	}

	return certPath, keyPath
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
