package config

import (
	"testing"
	"time"
)

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	keys := []string{
		"SERVER_ENV", "SERVER_PORT", "SERVER_URL",
		"DATABASE_URL", "DATABASE_MAX_CONNS", "DATABASE_MIN_CONNS",
		"VALKEY_URL", "VALKEY_DIAL_TIMEOUT",
		"SESSION_TTL", "SESSION_REFRESH_UNDER", "CHALLENGE_TTL",
		"MAX_FRAME_BYTES", "MAX_GROUP_MEMBERS", "MAX_ATTACHMENT_POINTER_BYTES",
		"CALL_TIMEOUT", "TURN_SHARED_SECRET", "TURN_CREDENTIAL_TTL",
		"FCM_ENABLED", "FCM_CREDENTIALS_PATH",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}

	// TURN_SHARED_SECRET is required by validation.
	t.Setenv("TURN_SHARED_SECRET", "aabbccddeeff00112233445566778899")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.ServerEnv != "production" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "production")
	}
	if cfg.SessionTTL != 7*24*time.Hour {
		t.Errorf("SessionTTL = %v, want 7 days", cfg.SessionTTL)
	}
	if cfg.ChallengeTTL != 60*time.Second {
		t.Errorf("ChallengeTTL = %v, want 60s", cfg.ChallengeTTL)
	}
	if cfg.MaxFrameBytes != 512000 {
		t.Errorf("MaxFrameBytes = %d, want %d", cfg.MaxFrameBytes, 512000)
	}
	if cfg.MaxGroupMembers != 256 {
		t.Errorf("MaxGroupMembers = %d, want 256", cfg.MaxGroupMembers)
	}
	if cfg.CallTimeout != 180*time.Second {
		t.Errorf("CallTimeout = %v, want 180s", cfg.CallTimeout)
	}
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true, want false for production default")
	}
}

func TestLoadRequiresTURNSharedSecret(t *testing.T) {
	t.Setenv("TURN_SHARED_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with empty TURN_SHARED_SECRET: want error, got nil")
	}
}

func TestLoadRejectsInvalidHexSecret(t *testing.T) {
	t.Setenv("TURN_SHARED_SECRET", "not-hex!!")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with non-hex TURN_SHARED_SECRET: want error, got nil")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("TURN_SHARED_SECRET", "aabbccddeeff00112233445566778899")
	t.Setenv("SERVER_PORT", "70000")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with out-of-range SERVER_PORT: want error, got nil")
	}
}

func TestLoadAggregatesParseErrors(t *testing.T) {
	t.Setenv("TURN_SHARED_SECRET", "aabbccddeeff00112233445566778899")
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("SESSION_TTL", "not-a-duration")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() with multiple bad values: want error, got nil")
	}
}

func TestFCMRequiresCredentialsPath(t *testing.T) {
	t.Setenv("TURN_SHARED_SECRET", "aabbccddeeff00112233445566778899")
	t.Setenv("FCM_ENABLED", "true")
	t.Setenv("FCM_CREDENTIALS_PATH", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with FCM_ENABLED but no credentials path: want error, got nil")
	}
}
