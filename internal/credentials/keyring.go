// Package credentials keeps backend tokens per profile in the OS keychain,
// falling back to a private JSON file where no keychain is available.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keychain service name.
const DefaultService = "ashtrail"

const (
	keyToken    = "token"
	keyPlayerID = "player"
)

// ErrNotFound is returned when no secret is stored for a profile.
var ErrNotFound = keyring.ErrNotFound

// Store wraps the OS keychain with an optional file fallback.
type Store struct {
	service      string
	fallbackPath string
	mu           sync.Mutex
}

// NewStore creates a credential store.
func NewStore(serviceName, fallbackPath string) *Store {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = DefaultService
	}
	return &Store{
		service:      serviceName,
		fallbackPath: fallbackPath,
	}
}

// DefaultFallbackPath is the fallback file under the user's config dir.
func DefaultFallbackPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ""
	}
	return filepath.Join(dir, "ashtrail", "credentials.json")
}

func (s *Store) key(profile, part string) string {
	return fmt.Sprintf("%s/%s", profile, part)
}

// SetToken stores the backend bearer token for profile.
func (s *Store) SetToken(profile, token string) error {
	return s.setSecret(profile, keyToken, token)
}

// Token returns the backend bearer token for profile.
func (s *Store) Token(profile string) (string, error) {
	return s.getSecret(profile, keyToken)
}

// SetPlayerID stores the player id rewards are credited to.
func (s *Store) SetPlayerID(profile, playerID string) error {
	return s.setSecret(profile, keyPlayerID, playerID)
}

// PlayerID returns the player id stored for profile.
func (s *Store) PlayerID(profile string) (string, error) {
	return s.getSecret(profile, keyPlayerID)
}

// ResolveToken prefers an explicit token (usually from the environment)
// over the stored one. A missing stored token is not an error.
func (s *Store) ResolveToken(profile, explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}
	tok, err := s.Token(profile)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return tok, err
}

// Delete removes every secret stored for profile.
func (s *Store) Delete(profile string) error {
	var errs []error
	for _, part := range []string{keyToken, keyPlayerID} {
		if err := keyring.Delete(s.service, s.key(profile, part)); err != nil &&
			!errors.Is(err, keyring.ErrNotFound) && !isKeyringUnavailable(err) {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return s.deleteFallbackProfile(profile)
	}
	// Try fallback cleanup even if keyring delete failed.
	_ = s.deleteFallbackProfile(profile)
	return fmt.Errorf("credentials: keyring delete failed: %v", errs[0])
}

func (s *Store) setSecret(profile, part, value string) error {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return fmt.Errorf("credentials: profile is required")
	}

	if err := keyring.Set(s.service, s.key(profile, part), value); err == nil {
		return nil
	} else if !isKeyringUnavailable(err) {
		return fmt.Errorf("credentials: keyring set %s: %w", part, err)
	}

	return s.setFallback(profile, part, value)
}

func (s *Store) getSecret(profile, part string) (string, error) {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return "", fmt.Errorf("credentials: profile is required")
	}

	val, err := keyring.Get(s.service, s.key(profile, part))
	if err == nil {
		return val, nil
	}
	if !isKeyringUnavailable(err) && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("credentials: keyring get %s: %w", part, err)
	}

	fallback, ferr := s.getFallback(profile, part)
	if ferr == nil {
		return fallback, nil
	}
	if errors.Is(err, keyring.ErrNotFound) || errors.Is(ferr, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return "", ferr
}

func isKeyringUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "secret service") ||
		strings.Contains(msg, "dbus") ||
		strings.Contains(msg, "no keychain") ||
		strings.Contains(msg, "keyring backend not available")
}

type fallbackSecrets map[string]map[string]string

func (s *Store) setFallback(profile, part, value string) error {
	if strings.TrimSpace(s.fallbackPath) == "" {
		return fmt.Errorf("credentials: keyring unavailable and no fallback path configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readFallbackUnlocked()
	if err != nil {
		return err
	}
	if _, ok := data[profile]; !ok {
		data[profile] = map[string]string{}
	}
	data[profile][part] = value
	return s.writeFallbackUnlocked(data)
}

func (s *Store) getFallback(profile, part string) (string, error) {
	if strings.TrimSpace(s.fallbackPath) == "" {
		return "", fmt.Errorf("credentials: fallback path not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readFallbackUnlocked()
	if err != nil {
		return "", err
	}
	val, ok := data[profile][part]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return val, nil
}

func (s *Store) deleteFallbackProfile(profile string) error {
	if strings.TrimSpace(s.fallbackPath) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readFallbackUnlocked()
	if err != nil {
		return err
	}
	if _, ok := data[profile]; !ok {
		return nil
	}
	delete(data, profile)
	return s.writeFallbackUnlocked(data)
}

func (s *Store) readFallbackUnlocked() (fallbackSecrets, error) {
	out := fallbackSecrets{}
	raw, err := os.ReadFile(s.fallbackPath)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("credentials: read fallback secrets: %w", err)
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("credentials: decode fallback secrets: %w", err)
	}
	return out, nil
}

func (s *Store) writeFallbackUnlocked(data fallbackSecrets) error {
	dir := filepath.Dir(s.fallbackPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credentials: mkdir fallback dir: %w", err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("credentials: encode fallback secrets: %w", err)
	}
	if err := os.WriteFile(s.fallbackPath, raw, 0o600); err != nil {
		return fmt.Errorf("credentials: write fallback secrets: %w", err)
	}
	return nil
}
