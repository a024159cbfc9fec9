package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestStoreSetGetDelete(t *testing.T) {
	keyring.MockInit()
	s := NewStore("ashtrail-test", filepath.Join(t.TempDir(), "fallback.json"))

	if err := s.SetToken("default", "tok-123"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if err := s.SetPlayerID("default", "player-7"); err != nil {
		t.Fatalf("SetPlayerID: %v", err)
	}

	tok, err := s.Token("default")
	if err != nil || tok != "tok-123" {
		t.Fatalf("Token = %q, %v", tok, err)
	}
	pid, err := s.PlayerID("default")
	if err != nil || pid != "player-7" {
		t.Fatalf("PlayerID = %q, %v", pid, err)
	}

	if _, err := s.Token("other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown profile, got %v", err)
	}

	if err := s.Delete("default"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Token("default"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreFallsBackToFile(t *testing.T) {
	keyring.MockInitWithError(errors.New("dbus: secret service not available"))
	t.Cleanup(keyring.MockInit)

	path := filepath.Join(t.TempDir(), "nested", "fallback.json")
	s := NewStore("ashtrail-test", path)

	if err := s.SetToken("ci", "file-token"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("fallback file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("fallback file permissions = %o, want 600", perm)
	}

	tok, err := s.Token("ci")
	if err != nil || tok != "file-token" {
		t.Fatalf("Token = %q, %v", tok, err)
	}
	if _, err := s.PlayerID("ci"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unset part, got %v", err)
	}

	if err := s.Delete("ci"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Token("ci"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreWithoutFallbackPath(t *testing.T) {
	keyring.MockInitWithError(errors.New("keyring backend not available"))
	t.Cleanup(keyring.MockInit)

	s := NewStore("", "")
	if err := s.SetToken("default", "x"); err == nil {
		t.Fatal("expected error without keyring or fallback")
	}
}

func TestResolveToken(t *testing.T) {
	keyring.MockInit()
	s := NewStore("ashtrail-test-resolve", "")

	tok, err := s.ResolveToken("default", "")
	if err != nil || tok != "" {
		t.Fatalf("missing token should resolve to empty, got %q, %v", tok, err)
	}

	if err := s.SetToken("default", "stored"); err != nil {
		t.Fatal(err)
	}
	if tok, _ := s.ResolveToken("default", ""); tok != "stored" {
		t.Errorf("expected stored token, got %q", tok)
	}
	if tok, _ := s.ResolveToken("default", " env "); tok != "env" {
		t.Errorf("explicit token should win, got %q", tok)
	}
	if err := s.SetToken(" ", "x"); err == nil {
		t.Error("expected error for blank profile")
	}
}
