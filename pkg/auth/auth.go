package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidKey is returned when a presented API key does not match any
// issued or configured key.
var ErrInvalidKey = errors.New("auth: invalid API key")

type keyInfo struct {
	hash        []byte
	description string
}

// Manager guards the mutating supervisor endpoints. Keys issued at
// runtime are stored as bcrypt hashes; a static key from the
// configuration is compared in constant time. With no keys configured
// the manager is open, which is the development default.
type Manager struct {
	mu        sync.RWMutex
	keys      map[string]keyInfo
	staticKey string
}

// NewManager creates a Manager. staticKey may be empty.
func NewManager(staticKey string) *Manager {
	return &Manager{
		keys:      make(map[string]keyInfo),
		staticKey: staticKey,
	}
}

// Enabled reports whether any key is configured or issued.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.staticKey != "" || len(m.keys) > 0
}

// Issue creates a new API key and returns it in id.secret form. Only
// the bcrypt hash of the secret is retained.
func (m *Manager) Issue(description string) (string, error) {
	idBytes := make([]byte, 4)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("auth: generate key id: %w", err)
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("auth: generate key secret: %w", err)
	}

	id := fmt.Sprintf("%08x", idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash key: %w", err)
	}

	m.mu.Lock()
	m.keys[id] = keyInfo{hash: hash, description: description}
	m.mu.Unlock()

	return id + "." + secret, nil
}

// Validate checks a presented key against the static key and all issued
// keys.
func (m *Manager) Validate(key string) error {
	m.mu.RLock()
	staticKey := m.staticKey
	m.mu.RUnlock()

	if staticKey != "" &&
		subtle.ConstantTimeCompare([]byte(key), []byte(staticKey)) == 1 {
		return nil
	}

	id, secret, ok := strings.Cut(key, ".")
	if !ok {
		return ErrInvalidKey
	}

	m.mu.RLock()
	info, found := m.keys[id]
	m.mu.RUnlock()
	if !found {
		return ErrInvalidKey
	}
	if bcrypt.CompareHashAndPassword(info.hash, []byte(secret)) != nil {
		return ErrInvalidKey
	}
	return nil
}

// Revoke drops an issued key by its id prefix.
func (m *Manager) Revoke(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
}

// List returns the descriptions of issued keys by id.
func (m *Manager) List() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.keys))
	for id, info := range m.keys {
		out[id] = info.description
	}
	return out
}
