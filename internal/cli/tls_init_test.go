package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTLSInitWritesServerCertificateToConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	stdout, readStdout := makeStdoutCapture(t)
	cmd := &TLSInitCommand{}
	if err := cmd.Run(&runtimeContext{CWD: tmpDir, Stdout: stdout}); err != nil {
		t.Fatalf("TLSInitCommand.Run returned error: %v", err)
	}

	tlsDir := filepath.Join(tmpDir, "understudy", "tls")
	for _, name := range []string{"ca.pem", "ca.key", "server.pem", "server.key"} {
		if _, err := os.Stat(filepath.Join(tlsDir, name)); err != nil {
			t.Fatalf("expected %s under %s: %v", name, tlsDir, err)
		}
	}
	if !strings.Contains(readStdout(), tlsDir) {
		t.Fatalf("expected stdout to name %s", tlsDir)
	}
}

func TestTLSInitRefusesOverwriteWithoutForce(t *testing.T) {
	tmpDir := t.TempDir()

	stdout, _ := makeStdoutCapture(t)
	cmd := &TLSInitCommand{Dir: tmpDir}
	if err := cmd.Run(&runtimeContext{CWD: tmpDir, Stdout: stdout}); err != nil {
		t.Fatalf("first TLSInitCommand.Run returned error: %v", err)
	}

	err := cmd.Run(&runtimeContext{CWD: tmpDir, Stdout: stdout})
	if err == nil {
		t.Fatal("expected overwrite error")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTLSInitResolvesRelativeDir(t *testing.T) {
	tmpDir := t.TempDir()

	stdout, _ := makeStdoutCapture(t)
	cmd := &TLSInitCommand{Dir: "certs"}
	if err := cmd.Run(&runtimeContext{CWD: tmpDir, Stdout: stdout}); err != nil {
		t.Fatalf("TLSInitCommand.Run returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "certs", "server.pem")); err != nil {
		t.Fatalf("expected server.pem under relative dir: %v", err)
	}
}
