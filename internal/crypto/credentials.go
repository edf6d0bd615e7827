package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials is the on-disk identity of this client: the account it
// belongs to and the master key material. Stored mode 0600.
type Credentials struct {
	AccountID string `json:"accountId"`
	MasterKey []byte `json:"masterKey"`
	Token     string `json:"token,omitempty"`
}

var ErrNoCredentials = errors.New("no credentials found")

// LoadCredentials reads the credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if creds.AccountID == "" || len(creds.MasterKey) == 0 {
		return nil, errors.New("credentials file incomplete")
	}
	return &creds, nil
}

// SaveCredentials writes the credentials file atomically with 0600 perms.
func SaveCredentials(path string, creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}

// NewMasterKey generates fresh 32-byte key material.
func NewMasterKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return key, nil
}

// EnsureCredentialsDir creates the parent directory of path.
func EnsureCredentialsDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
