package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultCredentialRef is the private key used when none is configured.
const DefaultCredentialRef = "~/.ssh/id_rsa"

// CredentialResolver turns a credential reference into a usable credential.
// A failure here means the job cannot be started.
type CredentialResolver func(ref string) (Credential, error)

// ResolveKeyFile reads ref as an unencrypted SSH private key file. A leading
// "~/" is expanded to the current user's home directory.
func ResolveKeyFile(ref string) (Credential, error) {
	if ref == "" {
		ref = DefaultCredentialRef
	}
	path, err := expandHome(ref)
	if err != nil {
		return Credential{}, err
	}

	pem, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("read credential %s: %w", ref, err)
	}

	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return Credential{}, fmt.Errorf("parse credential %s: %w", ref, err)
	}

	return Credential{
		Ref:         ref,
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		Signer:      signer,
	}, nil
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, p[2:]), nil
}
