package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/23skdu/longbow-surprisal/internal/logger"
)

const (
	keyringService = "longbow-surprisal"
	keyringUser    = "hf_token"
	tokenFileName  = "hf_token"
)

// Environment variables consulted for a Hugging Face token, in order.
var TokenEnvVars = []string{"HF_TOKEN", "HUGGING_FACE_HUB_TOKEN"}

var ErrNoToken = errors.New("no Hugging Face token stored")

// Store keeps the Hugging Face token in the OS keychain, falling back to a
// 0600 file inside Dir when no keychain is available.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) tokenPath() string {
	return filepath.Join(s.Dir, tokenFileName)
}

// Save stores token and reports where it went ("keychain" or the file path).
func (s *Store) Save(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("empty token")
	}
	if err := keyring.Set(keyringService, keyringUser, token); err != nil {
		logger.Log.Warn("keychain unavailable, falling back to file", "error", err)
		if err := s.saveFile(token); err != nil {
			return "", err
		}
		return s.tokenPath(), nil
	}
	// Drop any file left from an earlier fallback.
	_ = os.Remove(s.tokenPath())
	return "keychain", nil
}

func (s *Store) saveFile(token string) error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", s.Dir, err)
	}
	return os.WriteFile(s.tokenPath(), []byte(token), 0o600)
}

// Load returns the stored token, trying the keychain before the file.
func (s *Store) Load() (string, error) {
	token, err := keyring.Get(keyringService, keyringUser)
	if err == nil && token != "" {
		return token, nil
	}

	b, err := os.ReadFile(s.tokenPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("reading token file %s: %w", s.tokenPath(), err)
	}
	token = strings.TrimSpace(string(b))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Delete removes the token from both the keychain and the file.
func (s *Store) Delete() error {
	kerr := keyring.Delete(keyringService, keyringUser)
	if kerr != nil && !errors.Is(kerr, keyring.ErrNotFound) {
		logger.Log.Warn("keychain delete failed", "error", kerr)
	}
	if err := os.Remove(s.tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Resolve picks the token to use: an explicit value wins, then the
// environment, then the store. An empty result means anonymous access.
func Resolve(explicit string, s *Store) string {
	if explicit != "" {
		return explicit
	}
	for _, env := range TokenEnvVars {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if s == nil {
		return ""
	}
	token, err := s.Load()
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			logger.Log.Warn("could not load stored token", "error", err)
		}
		return ""
	}
	return token
}
