package valkey

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestConnect_ValkeyScheme(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "valkey://"+mr.Addr(), 5*time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = client.Close()
}

func TestConnect_ValkeySchemeUpperCase(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "VALKEY://"+mr.Addr(), 5*time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = client.Close()
}

func TestConnect_ValkeysSchemeRewritesToTLS(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	// miniredis doesn't speak TLS, so a valkeys:// connection must fail at the handshake, not
	// at URL parsing; that's enough to prove the scheme was rewritten to rediss:// rather than
	// rejected outright.
	_, err := Connect(context.Background(), "valkeys://"+mr.Addr(), 200*time.Millisecond)
	if err == nil {
		t.Fatal("Connect() expected a TLS handshake error against a non-TLS server, got nil")
	}
	if strings.Contains(err.Error(), "parse valkey URL") {
		t.Fatalf("Connect() error = %v, want a dial/ping error, not a parse error", err)
	}
}

func TestConnect_RedisScheme(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr(), 5*time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = client.Close()
}

func TestConnect_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), "://missing-scheme", 5*time.Second)
	if err == nil {
		t.Fatal("Connect() expected error for invalid URL, got nil")
	}
}

func TestConnect_UnreachableHost(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), "redis://localhost:1", 100*time.Millisecond)
	if err == nil {
		t.Fatal("Connect() expected error for unreachable host, got nil")
	}
}
