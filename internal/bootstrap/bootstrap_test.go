package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestRegisterFCMMissingCredentialsFile(t *testing.T) {
	t.Parallel()

	err := registerFCM(filepath.Join(t.TempDir(), "does-not-exist.json"), zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error for a missing credentials file, got nil")
	}
}

func TestRegisterFCMInvalidCredentialsJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	if err := os.WriteFile(path, []byte("not valid json"), 0o600); err != nil {
		t.Fatalf("writing test credentials file: %v", err)
	}

	err := registerFCM(path, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error for invalid credentials, got nil")
	}
}
