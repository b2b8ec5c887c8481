package adapter

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func writeTestKey(t *testing.T, dir string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "walker-test")
	if err != nil {
		t.Fatalf("MarshalPrivateKey: %v", err)
	}
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestResolveKeyFile(t *testing.T) {
	path := writeTestKey(t, t.TempDir())

	cred, err := ResolveKeyFile(path)
	if err != nil {
		t.Fatalf("ResolveKeyFile: %v", err)
	}
	if cred.Ref != path {
		t.Errorf("Ref = %q, want %q", cred.Ref, path)
	}
	if !strings.HasPrefix(cred.Fingerprint, "SHA256:") {
		t.Errorf("Fingerprint = %q, want SHA256 prefix", cred.Fingerprint)
	}
	if cred.Signer == nil {
		t.Error("Signer is nil")
	}
}

func TestResolveKeyFileExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	writeTestKey(t, filepath.Join(home, ".ssh"))

	cred, err := ResolveKeyFile("~/.ssh/id_ed25519")
	if err != nil {
		t.Fatalf("ResolveKeyFile: %v", err)
	}
	if cred.Ref != "~/.ssh/id_ed25519" {
		t.Errorf("Ref = %q, want the unexpanded reference", cred.Ref)
	}
}

func TestResolveKeyFileErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage")
	if err := os.WriteFile(garbage, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		ref  string
	}{
		{"missing file", filepath.Join(dir, "absent")},
		{"not a key", garbage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ResolveKeyFile(tt.ref); err == nil {
				t.Errorf("ResolveKeyFile(%q) succeeded, want error", tt.ref)
			}
		})
	}
}
