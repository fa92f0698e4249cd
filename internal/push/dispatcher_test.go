package push

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/account"
)

func setupMiniredis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

type fakeTokens struct {
	tokens map[string][]account.PushToken
}

func (f *fakeTokens) ListPushTokens(ctx context.Context, whisperID string) ([]account.PushToken, error) {
	return f.tokens[whisperID], nil
}

type fakeVoIP struct {
	calls []string
}

func (f *fakeVoIP) SendVoIP(ctx context.Context, voipToken string, payload Payload) error {
	f.calls = append(f.calls, voipToken)
	return nil
}

func TestWakeSkipsDevicesWithNoToken(t *testing.T) {
	t.Parallel()
	rdb := setupMiniredis(t)
	tokens := &fakeTokens{tokens: map[string][]account.PushToken{
		"WSP-AAAA-AAAA-AAAA": {{DeviceID: "d1"}},
	}}
	d := New(rdb, tokens, nil, testLogger())

	if err := d.Wake(context.Background(), "WSP-AAAA-AAAA-AAAA", ReasonMessage); err != nil {
		t.Fatalf("Wake() error = %v", err)
	}
}

func TestWakeDedupesWithinWindow(t *testing.T) {
	t.Parallel()
	rdb := setupMiniredis(t)
	tokens := &fakeTokens{tokens: map[string][]account.PushToken{
		"WSP-AAAA-AAAA-AAAA": {{DeviceID: "d1", Token: "fcm-token"}},
	}}
	d := New(rdb, tokens, nil, testLogger())
	ctx := context.Background()

	if err := d.Wake(ctx, "WSP-AAAA-AAAA-AAAA", ReasonMessage); err != nil {
		t.Fatalf("first Wake() error = %v", err)
	}
	if err := d.Wake(ctx, "WSP-AAAA-AAAA-AAAA", ReasonMessage); err != nil {
		t.Fatalf("second Wake() error = %v", err)
	}
	// No observable side effect to assert without a registered Handler; this exercises that
	// the second call returns cleanly once deduped rather than erroring on a re-claim.
}

func TestWakeCallPrefersVoIPWhenTokenPresent(t *testing.T) {
	t.Parallel()
	rdb := setupMiniredis(t)
	tokens := &fakeTokens{tokens: map[string][]account.PushToken{
		"WSP-AAAA-AAAA-AAAA": {{DeviceID: "iphone", VoipToken: "voip-token"}},
	}}
	voip := &fakeVoIP{}
	d := New(rdb, tokens, voip, testLogger())

	if err := d.WakeCall(context.Background(), "WSP-AAAA-AAAA-AAAA", "call-1", "WSP-BBBB-BBBB-BBBB", "Alice", true); err != nil {
		t.Fatalf("WakeCall() error = %v", err)
	}
	if len(voip.calls) != 1 || voip.calls[0] != "voip-token" {
		t.Errorf("voip.calls = %v, want one call with voip-token", voip.calls)
	}
}

func TestTruncateHintBoundsToSixtyFourBytes(t *testing.T) {
	t.Parallel()
	long := ""
	for i := 0; i < 100; i++ {
		long += "x"
	}
	got := truncateHint(long)
	if len(got) > maxHintBytes {
		t.Errorf("truncateHint() len = %d, want <= %d", len(got), maxHintBytes)
	}
}

func testLogger() zerolog.Logger { return zerolog.Nop() }
