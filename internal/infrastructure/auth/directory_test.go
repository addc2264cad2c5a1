package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

func TestDirectoryAuthenticatesPlainAndHashedKeys(t *testing.T) {
	sum := sha256.Sum256([]byte("hashed-secret"))
	data := []byte(`
users:
  - id: ops
    name: Operations
    api_key: plain-secret
    roles: [upload, read]
  - id: auditor
    api_key_sha256: ` + hex.EncodeToString(sum[:]) + `
    roles: [read]
`)
	d := NewDirectory()
	if err := d.Load(data); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !d.Enabled() {
		t.Fatalf("expected enabled directory")
	}

	u, err := d.Authenticate(context.Background(), "plain-secret")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if u.ID != "ops" || u.Name != "Operations" || len(u.Roles) == 0 || u.Roles[0] != "upload" {
		t.Fatalf("unexpected user %+v", u)
	}

	u, err = d.Authenticate(context.Background(), "hashed-secret")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if u.ID != "auditor" || u.Name != "auditor" || len(u.Roles) != 1 || u.Roles[0] != "read" {
		t.Fatalf("unexpected user %+v", u)
	}

	for _, key := range []string{"", "wrong"} {
		if _, err := d.Authenticate(context.Background(), key); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("Authenticate(%q) expected unauthorized, got %v", key, err)
		}
	}
}

func TestDirectoryRejectsInvalidFiles(t *testing.T) {
	cases := map[string]string{
		"missing id":   "users:\n  - api_key: k\n",
		"missing key":  "users:\n  - id: a\n",
		"both keys":    "users:\n  - id: a\n    api_key: k\n    api_key_sha256: abcd\n",
		"bad digest":   "users:\n  - id: a\n    api_key_sha256: xyz\n",
		"duplicate id": "users:\n  - id: a\n    api_key: k1\n  - id: a\n    api_key: k2\n",
		"invalid yaml": "users: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if err := NewDirectory().Load([]byte(data)); !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	d, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile(\"\") error = %v", err)
	}
	if d.Enabled() {
		t.Fatalf("empty path must disable authentication")
	}

	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte("users:\n  - id: a\n    api_key: k\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	d, err = LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if _, err := d.Authenticate(context.Background(), "k"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
