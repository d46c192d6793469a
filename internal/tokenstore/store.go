// Package tokenstore persists OAuth tokens for MCP servers in an
// encrypted file keyed by the server's qualified name.
package tokenstore

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Record holds the tokens issued for one server.
type Record struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// Store is an encrypted on-disk token store. A single process owns the
// file; reads are read-modify-write on the full mapping.
type Store struct {
	tokenFile string
	keyFile   string
	key       []byte

	now func() time.Time
}

// DefaultDir returns the default configuration directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".oneshot")
	}
	return filepath.Join(home, ".config", "oneshot")
}

// New creates a store rooted at dir, using dir/tokens.json and dir/key.
func New(dir string) *Store {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Store{
		tokenFile: filepath.Join(dir, "tokens.json"),
		keyFile:   filepath.Join(dir, "key"),
		now:       time.Now,
	}
}

// Save stores the record for a server, injecting created_at when absent.
func (s *Store) Save(serverID string, record Record) error {
	all, err := s.loadAll()
	if err != nil {
		return err
	}

	if record.CreatedAt == 0 {
		record.CreatedAt = s.now().Unix()
	}
	all[serverID] = record

	return s.writeAll(all)
}

// Get returns the record for a server. A decryption failure is treated
// as corruption and reported as "no such record"; the caller
// re-authorizes.
func (s *Store) Get(serverID string) (Record, bool) {
	all, err := s.loadAll()
	if err != nil {
		return Record{}, false
	}
	rec, ok := all[serverID]
	return rec, ok
}

// Delete removes the record for a server. Removing an absent record is
// a no-op.
func (s *Store) Delete(serverID string) error {
	all, err := s.loadAll()
	if err != nil {
		return err
	}
	if _, ok := all[serverID]; !ok {
		return nil
	}
	delete(all, serverID)
	return s.writeAll(all)
}

// List returns the server IDs with stored tokens.
func (s *Store) List() []string {
	all, err := s.loadAll()
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) loadAll() (map[string]Record, error) {
	data, err := os.ReadFile(s.tokenFile)
	if os.IsNotExist(err) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tokenstore: read %s: %w", s.tokenFile, err)
	}

	plaintext, err := s.decrypt(data)
	if err != nil {
		// Corrupt or re-keyed file: behave as empty so callers
		// re-authorize instead of failing hard.
		return map[string]Record{}, nil
	}

	all := make(map[string]Record)
	if err := json.Unmarshal(plaintext, &all); err != nil {
		return map[string]Record{}, nil
	}
	return all, nil
}

func (s *Store) writeAll(all map[string]Record) error {
	plaintext, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("tokenstore: marshal: %w", err)
	}

	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.tokenFile), 0o700); err != nil {
		return fmt.Errorf("tokenstore: create dir: %w", err)
	}
	if err := os.WriteFile(s.tokenFile, ciphertext, 0o600); err != nil {
		return fmt.Errorf("tokenstore: write %s: %w", s.tokenFile, err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	key, err := s.encryptionKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("tokenstore: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	key, err := s.encryptionKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: cipher: %w", err)
	}

	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("tokenstore: ciphertext too short")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: decrypt: %w", err)
	}
	return plaintext, nil
}

// encryptionKey loads the key file, generating a fresh 32-byte key with
// owner-only permissions on first use.
func (s *Store) encryptionKey() ([]byte, error) {
	if s.key != nil {
		return s.key, nil
	}

	data, err := os.ReadFile(s.keyFile)
	if err == nil && len(data) == chacha20poly1305.KeySize {
		s.key = data
		return s.key, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("tokenstore: read key: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("tokenstore: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.keyFile), 0o700); err != nil {
		return nil, fmt.Errorf("tokenstore: create dir: %w", err)
	}
	if err := os.WriteFile(s.keyFile, key, 0o600); err != nil {
		return nil, fmt.Errorf("tokenstore: write key: %w", err)
	}
	s.key = key
	return s.key, nil
}
