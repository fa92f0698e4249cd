package group

import (
	"context"
	"crypto/ed25519"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/postgres"
)

func TestValidateTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "Weekend Trip", false},
		{"trims whitespace", "  Team  ", false},
		{"empty after trim", "   ", true},
		{"exact max length", strings.Repeat("a", 64), false},
		{"exceeds max length", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := validateTitle(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateTitle(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

type fakeLookup struct {
	keys map[string]ed25519.PublicKey
}

func (f *fakeLookup) SignPublicKey(ctx context.Context, whisperID string) (ed25519.PublicKey, bool, bool, error) {
	k, ok := f.keys[whisperID]
	return k, false, ok, nil
}

// testDatabase connects to a real Postgres instance for integration tests exercising the
// repository layer; skipped unless TEST_DATABASE_URL is set.
func testDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, dsn, 5, 1)
	if err != nil {
		t.Fatalf("connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

type fakeDelivery struct {
	frames [][2]string
}

func (f *fakeDelivery) SendTo(whisperID string, frame []byte) bool {
	f.frames = append(f.frames, [2]string{whisperID, string(frame)})
	return false
}

func TestCreateAddRemoveRoleCycle(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)

	lookup := &fakeLookup{keys: map[string]ed25519.PublicKey{}}
	delivery := &fakeDelivery{}
	svc := New(db, lookup, nil, delivery, nil, zerolog.Nop())

	owner := "WSP-OWNR-OWNR-OWNR"
	memberA := "WSP-MBRA-MBRA-MBRA"

	view, err := svc.Create(context.Background(), owner, "Trip Planning", []string{memberA})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(view.Members) != 2 {
		t.Fatalf("Create() members = %d, want 2", len(view.Members))
	}

	memberB := "WSP-MBRB-MBRB-MBRB"
	view, err = svc.AddMember(context.Background(), view.GroupID, owner, memberB)
	if err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if len(view.Members) != 3 {
		t.Fatalf("AddMember() members = %d, want 3", len(view.Members))
	}

	if _, err := svc.RemoveMember(context.Background(), view.GroupID, owner, owner); err == nil {
		t.Error("RemoveMember() on the owner = nil error, want ErrOwnerImmutable")
	}

	view, err = svc.RemoveMember(context.Background(), view.GroupID, owner, memberA)
	if err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if len(view.Members) != 2 {
		t.Fatalf("RemoveMember() members = %d, want 2", len(view.Members))
	}

	if _, err := svc.ChangeRole(context.Background(), view.GroupID, memberB, memberB, "admin"); err == nil {
		t.Error("ChangeRole() by a non-admin member = nil error, want ErrForbidden")
	}
}
