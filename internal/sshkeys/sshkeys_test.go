package sshkeys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestGenerateKeyPair(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pubKey)
	if err != nil {
		t.Fatalf("public key is not valid authorized_keys format: %v", err)
	}
	if parsed.Type() != "ssh-ed25519" {
		t.Errorf("expected key type ssh-ed25519, got %s", parsed.Type())
	}

	block, _ := pem.Decode(privKey)
	if block == nil {
		t.Fatal("private key is not valid PEM")
	}

	signer, err := ssh.ParsePrivateKey(privKey)
	if err != nil {
		t.Fatalf("private key cannot be parsed: %v", err)
	}
	if string(signer.PublicKey().Marshal()) != string(parsed.Marshal()) {
		t.Error("public key does not match the key derived from the private key")
	}
}

func TestWritePrivateKeyAndLoadSigner(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "nested", "id_ed25519")
	if err := WritePrivateKey(path, privKey); err != nil {
		t.Fatalf("WritePrivateKey() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file permissions: got %o, want 0600", perm)
	}
	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("stat key dir: %v", err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0700 {
		t.Errorf("key dir permissions: got %o, want 0700", perm)
	}

	signer, err := LoadSigner(path)
	if err != nil {
		t.Fatalf("LoadSigner() error: %v", err)
	}
	parsed, _, _, _, _ := ssh.ParseAuthorizedKey(pubKey)
	if Fingerprint(signer.PublicKey()) != Fingerprint(parsed) {
		t.Error("loaded signer does not match generated public key")
	}
}

func TestLoadSignerErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage")
	if err := os.WriteFile(garbage, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantMsg string
	}{
		{"empty path", "", "key path is empty"},
		{"missing file", filepath.Join(dir, "absent"), "read private key"},
		{"unparseable", garbage, "parse private key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSigner(tt.path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadSignerPassphraseProtected(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("secret"))
	if err != nil {
		t.Fatalf("marshal with passphrase: %v", err)
	}
	path := filepath.Join(t.TempDir(), "protected")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}

	_, err = LoadSigner(path)
	if err == nil {
		t.Fatal("expected error for passphrase-protected key")
	}
	if !strings.Contains(err.Error(), "passphrase protected") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHostKeyCallbackAcceptsWithoutKnownHosts(t *testing.T) {
	cb, err := HostKeyCallback("")
	if err != nil {
		t.Fatalf("HostKeyCallback() error: %v", err)
	}
	signer := newTestSigner(t)
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}
	if err := cb("127.0.0.1:22", addr, signer.PublicKey()); err != nil {
		t.Errorf("expected key to be accepted, got %v", err)
	}
}

func TestAcceptAnyHostKeyLogsFingerprint(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	signer := newTestSigner(t)
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
	if err := AcceptAnyHostKey()("jump:2222", addr, signer.PublicKey()); err != nil {
		t.Fatalf("expected key to be accepted, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "WARNING") || !strings.Contains(out, Fingerprint(signer.PublicKey())) {
		t.Errorf("log = %q, want a warning with the key fingerprint", out)
	}
}

func TestHostKeyCallbackKnownHosts(t *testing.T) {
	trusted := newTestSigner(t)
	other := newTestSigner(t)

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := KnownHostsLine("10.0.0.5:2222", trusted.PublicKey())
	if err := os.WriteFile(path, []byte(line+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cb, err := HostKeyCallback(path)
	if err != nil {
		t.Fatalf("HostKeyCallback() error: %v", err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 2222}

	if err := cb("10.0.0.5:2222", addr, trusted.PublicKey()); err != nil {
		t.Errorf("trusted key rejected: %v", err)
	}

	err = cb("10.0.0.5:2222", addr, other.PublicKey())
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected *knownhosts.KeyError for mismatched key, got %v", err)
	}
	if len(keyErr.Want) == 0 {
		t.Error("mismatch should report the expected key")
	}

	unknown := &net.TCPAddr{IP: net.ParseIP("10.0.0.6"), Port: 22}
	err = cb("10.0.0.6:22", unknown, trusted.PublicKey())
	if !errors.As(err, &keyErr) || len(keyErr.Want) != 0 {
		t.Errorf("expected unknown-host KeyError, got %v", err)
	}
}

func TestHostKeyCallbackMissingFile(t *testing.T) {
	_, err := HostKeyCallback(filepath.Join(t.TempDir(), "absent"))
	if err == nil {
		t.Fatal("expected error for missing known_hosts file")
	}
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	return signer
}
