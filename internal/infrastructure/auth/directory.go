package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

type fileUser struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	APIKey       string   `yaml:"api_key"`
	APIKeySHA256 string   `yaml:"api_key_sha256"`
	Roles        []string `yaml:"roles"`
}

type fileFormat struct {
	Users []fileUser `yaml:"users"`
}

type entry struct {
	digest [sha256.Size]byte
	user   domain.User
}

// Directory is an API key directory held in memory. Keys are kept only as
// SHA-256 digests. Reload swaps the whole set atomically.
type Directory struct {
	mu      sync.RWMutex
	entries []entry
}

func NewDirectory() *Directory {
	return &Directory{}
}

// LoadFile reads a directory from YAML. An empty path yields an empty
// directory, which disables authentication.
func LoadFile(path string) (*Directory, error) {
	d := NewDirectory()
	if strings.TrimSpace(path) == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read api keys file: %w", err)
	}
	if err := d.Load(data); err != nil {
		return nil, fmt.Errorf("load api keys file %s: %w", path, err)
	}
	return d, nil
}

func (d *Directory) Load(data []byte) error {
	var parsed fileFormat
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "parse api keys", err)
	}

	entries := make([]entry, 0, len(parsed.Users))
	seen := make(map[string]bool)
	for i, u := range parsed.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			return domain.WrapError(domain.ErrInvalidInput, "parse api keys", fmt.Errorf("user %d: id is required", i))
		}
		if seen[id] {
			return domain.WrapError(domain.ErrInvalidInput, "parse api keys", fmt.Errorf("duplicate user %q", id))
		}
		seen[id] = true

		digest, err := keyDigest(u)
		if err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "parse api keys", fmt.Errorf("user %q: %w", id, err))
		}
		name := u.Name
		if name == "" {
			name = id
		}
		entries = append(entries, entry{
			digest: digest,
			user:   domain.User{ID: id, Name: name, Roles: append([]string(nil), u.Roles...)},
		})
	}

	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()
	return nil
}

func keyDigest(u fileUser) ([sha256.Size]byte, error) {
	var digest [sha256.Size]byte
	switch {
	case u.APIKey != "" && u.APIKeySHA256 != "":
		return digest, errors.New("set either api_key or api_key_sha256")
	case u.APIKey != "":
		return sha256.Sum256([]byte(u.APIKey)), nil
	case u.APIKeySHA256 != "":
		raw, err := hex.DecodeString(strings.TrimSpace(u.APIKeySHA256))
		if err != nil || len(raw) != sha256.Size {
			return digest, errors.New("api_key_sha256 must be 64 hex characters")
		}
		copy(digest[:], raw)
		return digest, nil
	default:
		return digest, errors.New("api key is required")
	}
}

func (d *Directory) Authenticate(_ context.Context, apiKey string) (*domain.User, error) {
	if apiKey == "" {
		return nil, domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("missing api key"))
	}
	digest := sha256.Sum256([]byte(apiKey))

	d.mu.RLock()
	defer d.mu.RUnlock()
	var found *domain.User
	for i := range d.entries {
		if subtle.ConstantTimeCompare(digest[:], d.entries[i].digest[:]) == 1 {
			u := d.entries[i].user
			found = &u
		}
	}
	if found == nil {
		return nil, domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("unknown api key"))
	}
	return found, nil
}

func (d *Directory) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries) > 0
}
