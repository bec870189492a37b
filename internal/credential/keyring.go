// Package credential keeps auth tokens in the OS keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "courier"

// ErrNotFound is returned when no token is stored for a key.
var ErrNotFound = errors.New("credential not found")

// OpenKeyring returns the system keyring configured for courier.
func OpenKeyring(fileDir string) (keyring.Keyring, error) {
	if fileDir == "" {
		fileDir = "~/.config/courier/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("courier-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Vault stores one token per account key.
type Vault struct {
	ring keyring.Keyring
}

// NewVault wraps ring. Tests pass keyring.NewArrayKeyring.
func NewVault(ring keyring.Keyring) *Vault {
	return &Vault{ring: ring}
}

// TokenKey is the keyring key for a user of a role.
func TokenKey(role, userID string) string {
	return role + ":" + userID
}

// Get retrieves a token by key.
func (v *Vault) Get(key string) (string, error) {
	item, err := v.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a token by key.
func (v *Vault) Set(key string, value string) error {
	err := v.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "courier session token",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a token by key. A missing key is not an error.
func (v *Vault) Delete(key string) error {
	err := v.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// Clear removes every stored token.
func (v *Vault) Clear() error {
	keys, err := v.ring.Keys()
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}
	var errs []error
	for _, k := range keys {
		if err := v.Delete(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
