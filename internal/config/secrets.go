package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// Keychain reads and writes secrets in the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// keychainStore is the platform secret store: macOS Keychain via the
// security CLI, or a 0600 JSON file elsewhere.
type keychainStore struct{}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return keychainStore{}
}

func (keychainStore) Get(service, account string) (string, error) {
	return keychainGet(service, account)
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the review API. CURATOR_API_TOKEN
// wins when set; otherwise the token is read from kc and generated on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv("CURATOR_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// SetSocialPassword stores the platform account password for username.
func SetSocialPassword(kc Keychain, username, password string) error {
	if username == "" {
		return fmt.Errorf("social.username must be set before storing a password")
	}
	return kc.Set(keychainService, passwordAccount(username), password)
}
