package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/ovsdb-viewer/internal/logutil"
)

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH-format
// public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// WritePrivateKey writes a PEM private key to path with 0600 permissions,
// creating the parent directory with 0700 if needed.
func WritePrivateKey(path string, privateKeyPEM []byte) error {
	if path == "" {
		return fmt.Errorf("write private key: key path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, privateKeyPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// LoadSigner reads the private key file at path and parses it into an
// ssh.Signer for public-key authentication. Passphrase-protected keys are
// reported as such rather than as a generic parse failure.
func LoadSigner(path string) (ssh.Signer, error) {
	if path == "" {
		return nil, fmt.Errorf("load private key: key path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", logutil.SanitizeForLog(path), err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is passphrase protected: %w", logutil.SanitizeForLog(path), err)
		}
		return nil, fmt.Errorf("parse private key %s: %w", logutil.SanitizeForLog(path), err)
	}
	return signer, nil
}

// Fingerprint returns the SHA256 fingerprint of a public key in the
// standard "SHA256:..." form.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// HostKeyCallback returns the host key policy for tunnel hops. With a
// known_hosts path every hop must be listed there; with an empty path any
// host key is accepted and its fingerprint is logged.
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return AcceptAnyHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", logutil.SanitizeForLog(knownHostsPath), err)
	}
	return cb, nil
}

// AcceptAnyHostKey returns a callback that accepts every host key and logs
// a warning with its fingerprint.
func AcceptAnyHostKey() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		log.Printf("[sshkeys] WARNING: accepting unverified host key for %s (%s); set OVSDBV_KNOWN_HOSTS to verify",
			logutil.SanitizeForLog(hostname), Fingerprint(key))
		return nil
	}
}

// KnownHostsLine formats a known_hosts entry for addr ("host:port") and key.
func KnownHostsLine(addr string, key ssh.PublicKey) string {
	return knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)
}
