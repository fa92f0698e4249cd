package message

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-msg/whisper-server/internal/protocol"
	"github.com/whisper-msg/whisper-server/internal/signing"
)

type fakeRepo struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]Pending
	order []uuid.UUID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: map[uuid.UUID]Pending{}}
}

func (f *fakeRepo) Insert(ctx context.Context, p Pending) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ReceivedAt = time.Now()
	f.byID[p.MessageID] = p
	f.order = append(f.order, p.MessageID)
	return p.ReceivedAt, nil
}

func (f *fakeRepo) MarkDelivered(ctx context.Context, messageID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	p.DeliveredAt = &now
	f.byID[messageID] = p
	return nil
}

func (f *fakeRepo) Remove(ctx context.Context, messageID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, messageID)
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, messageID uuid.UUID) (*Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (f *fakeRepo) FetchPage(ctx context.Context, recipientID string, cursor *Cursor, limit int) ([]Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []Pending
	for _, id := range f.order {
		p := f.byID[id]
		if p.RecipientID != recipientID {
			continue
		}
		if cursor != nil && !after(p, *cursor) {
			continue
		}
		all = append(all, p)
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func after(p Pending, c Cursor) bool {
	if p.TimestampMS != c.TimestampMS {
		return p.TimestampMS > c.TimestampMS
	}
	if !p.ReceivedAt.Equal(c.ReceivedAt) {
		return p.ReceivedAt.After(c.ReceivedAt)
	}
	return p.MessageID.String() > c.MessageID.String()
}

type fakeLookup struct {
	accounts map[string]fakeAccount
}

type fakeAccount struct {
	key    ed25519.PublicKey
	banned bool
}

func (f *fakeLookup) SignPublicKey(ctx context.Context, whisperID string) (ed25519.PublicKey, bool, bool, error) {
	a, ok := f.accounts[whisperID]
	if !ok {
		return nil, false, false, nil
	}
	return a.key, a.banned, true, nil
}

type fakeDelivery struct {
	mu      sync.Mutex
	online  map[string]bool
	frames  [][2]string // whisperID, frame
}

func (f *fakeDelivery) SendTo(whisperID string, frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, [2]string{whisperID, string(frame)})
	return f.online[whisperID]
}

type fakePush struct {
	woken []string
}

func (f *fakePush) Wake(ctx context.Context, whisperID, reason string) error {
	f.woken = append(f.woken, whisperID)
	return nil
}

func signedSendPayload(t *testing.T, from, to string, priv ed25519.PrivateKey, ts int64) protocol.SendMessagePayload {
	t.Helper()
	nonce := []byte("nonce-bytes-12")
	ciphertext := []byte("ciphertext-bytes")
	messageID := uuid.New()

	sig := signing.Sign(signing.Fields{
		MessageType: string(protocol.TypeSendMessage),
		MessageID:   messageID.String(),
		From:        from,
		ToOrGroupID: to,
		TimestampMS: ts,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}, priv)

	return protocol.SendMessagePayload{
		MessageID:  messageID.String(),
		From:       from,
		To:         to,
		MsgType:    "text",
		Timestamp:  ts,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Signature:  base64.StdEncoding.EncodeToString(sig),
	}
}

func TestRouteDirectLiveDelivery(t *testing.T) {
	t.Parallel()

	aPub, aPriv, _ := ed25519.GenerateKey(nil)
	bPub, _, _ := ed25519.GenerateKey(nil)

	repo := newFakeRepo()
	lookup := &fakeLookup{accounts: map[string]fakeAccount{
		"WSP-AAAA-AAAA-AAAA": {key: aPub},
		"WSP-BBBB-BBBB-BBBB": {key: bPub},
	}}
	delivery := &fakeDelivery{online: map[string]bool{"WSP-BBBB-BBBB-BBBB": true}}
	push := &fakePush{}

	router := NewRouter(repo, lookup, delivery, push, Config{TimestampSkew: 10 * time.Minute})

	payload := signedSendPayload(t, "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", aPriv, time.Now().UnixMilli())
	res, err := router.RouteDirect(context.Background(), payload, "WSP-AAAA-AAAA-AAAA")
	if err != nil {
		t.Fatalf("RouteDirect() error = %v", err)
	}
	if res.Status != "sent" {
		t.Errorf("RouteDirect() status = %q, want sent", res.Status)
	}
	if len(push.woken) != 0 {
		t.Errorf("RouteDirect() woke push for an online recipient: %v", push.woken)
	}

	pending, err := repo.Get(context.Background(), uuid.MustParse(payload.MessageID))
	if err != nil {
		t.Fatalf("repo.Get() error = %v", err)
	}
	if pending.DeliveredAt == nil {
		t.Error("RouteDirect() did not mark the message delivered after live SendTo succeeded")
	}
}

func TestRouteDirectOfflineWakesPush(t *testing.T) {
	t.Parallel()

	aPub, aPriv, _ := ed25519.GenerateKey(nil)
	bPub, _, _ := ed25519.GenerateKey(nil)

	repo := newFakeRepo()
	lookup := &fakeLookup{accounts: map[string]fakeAccount{
		"WSP-AAAA-AAAA-AAAA": {key: aPub},
		"WSP-BBBB-BBBB-BBBB": {key: bPub},
	}}
	delivery := &fakeDelivery{online: map[string]bool{}}
	push := &fakePush{}

	router := NewRouter(repo, lookup, delivery, push, Config{TimestampSkew: 10 * time.Minute})

	payload := signedSendPayload(t, "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", aPriv, time.Now().UnixMilli())
	if _, err := router.RouteDirect(context.Background(), payload, "WSP-AAAA-AAAA-AAAA"); err != nil {
		t.Fatalf("RouteDirect() error = %v", err)
	}

	if len(push.woken) != 1 || push.woken[0] != "WSP-BBBB-BBBB-BBBB" {
		t.Errorf("RouteDirect() push.woken = %v, want [WSP-BBBB-BBBB-BBBB]", push.woken)
	}
}

func TestRouteDirectRejectsUnknownRecipient(t *testing.T) {
	t.Parallel()

	aPub, aPriv, _ := ed25519.GenerateKey(nil)
	repo := newFakeRepo()
	lookup := &fakeLookup{accounts: map[string]fakeAccount{"WSP-AAAA-AAAA-AAAA": {key: aPub}}}
	router := NewRouter(repo, lookup, &fakeDelivery{online: map[string]bool{}}, &fakePush{}, Config{TimestampSkew: 10 * time.Minute})

	payload := signedSendPayload(t, "WSP-AAAA-AAAA-AAAA", "WSP-ZZZZ-ZZZZ-ZZZZ", aPriv, time.Now().UnixMilli())
	_, err := router.RouteDirect(context.Background(), payload, "WSP-AAAA-AAAA-AAAA")
	if !errors.Is(err, ErrRecipientNotFound) {
		t.Errorf("RouteDirect() error = %v, want ErrRecipientNotFound", err)
	}
}

func TestRouteDirectRejectsBannedRecipient(t *testing.T) {
	t.Parallel()

	aPub, aPriv, _ := ed25519.GenerateKey(nil)
	bPub, _, _ := ed25519.GenerateKey(nil)
	repo := newFakeRepo()
	lookup := &fakeLookup{accounts: map[string]fakeAccount{
		"WSP-AAAA-AAAA-AAAA": {key: aPub},
		"WSP-BBBB-BBBB-BBBB": {key: bPub, banned: true},
	}}
	router := NewRouter(repo, lookup, &fakeDelivery{online: map[string]bool{}}, &fakePush{}, Config{TimestampSkew: 10 * time.Minute})

	payload := signedSendPayload(t, "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", aPriv, time.Now().UnixMilli())
	_, err := router.RouteDirect(context.Background(), payload, "WSP-AAAA-AAAA-AAAA")
	if !errors.Is(err, ErrRecipientNotFound) {
		t.Errorf("RouteDirect() error = %v, want ErrRecipientNotFound", err)
	}
}

func TestRouteDirectRejectsStaleTimestamp(t *testing.T) {
	t.Parallel()

	aPub, aPriv, _ := ed25519.GenerateKey(nil)
	bPub, _, _ := ed25519.GenerateKey(nil)
	repo := newFakeRepo()
	lookup := &fakeLookup{accounts: map[string]fakeAccount{
		"WSP-AAAA-AAAA-AAAA": {key: aPub},
		"WSP-BBBB-BBBB-BBBB": {key: bPub},
	}}
	router := NewRouter(repo, lookup, &fakeDelivery{online: map[string]bool{}}, &fakePush{}, Config{TimestampSkew: 10 * time.Minute})

	staleTS := time.Now().Add(-1 * time.Hour).UnixMilli()
	payload := signedSendPayload(t, "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", aPriv, staleTS)
	_, err := router.RouteDirect(context.Background(), payload, "WSP-AAAA-AAAA-AAAA")
	if !errors.Is(err, ErrTimestampSkew) {
		t.Errorf("RouteDirect() error = %v, want ErrTimestampSkew", err)
	}
}

func TestRouteDirectRejectsTamperedSignature(t *testing.T) {
	t.Parallel()

	aPub, aPriv, _ := ed25519.GenerateKey(nil)
	bPub, _, _ := ed25519.GenerateKey(nil)
	repo := newFakeRepo()
	lookup := &fakeLookup{accounts: map[string]fakeAccount{
		"WSP-AAAA-AAAA-AAAA": {key: aPub},
		"WSP-BBBB-BBBB-BBBB": {key: bPub},
	}}
	router := NewRouter(repo, lookup, &fakeDelivery{online: map[string]bool{}}, &fakePush{}, Config{TimestampSkew: 10 * time.Minute})

	payload := signedSendPayload(t, "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", aPriv, time.Now().UnixMilli())
	payload.MsgType = "image" // mutate a signed field after signing
	_, err := router.RouteDirect(context.Background(), payload, "WSP-AAAA-AAAA-AAAA")
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("RouteDirect() error = %v, want ErrSignatureInvalid", err)
	}
}

func TestHandleReceiptDeliveredRemovesAndForwards(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	messageID := uuid.New()
	if _, err := repo.Insert(context.Background(), Pending{
		MessageID: messageID, RecipientID: "WSP-BBBB-BBBB-BBBB", SenderID: "WSP-AAAA-AAAA-AAAA",
	}); err != nil {
		t.Fatalf("repo.Insert() error = %v", err)
	}

	delivery := &fakeDelivery{online: map[string]bool{"WSP-AAAA-AAAA-AAAA": true}}
	router := NewRouter(repo, &fakeLookup{accounts: map[string]fakeAccount{}}, delivery, &fakePush{}, Config{TimestampSkew: 10 * time.Minute})

	err := router.HandleReceipt(context.Background(), protocol.DeliveryReceiptPayload{
		MessageID: messageID.String(),
		From:      "WSP-BBBB-BBBB-BBBB",
		To:        "WSP-AAAA-AAAA-AAAA",
		Status:    "delivered",
		Timestamp: time.Now().UnixMilli(),
	}, "WSP-BBBB-BBBB-BBBB")
	if err != nil {
		t.Fatalf("HandleReceipt() error = %v", err)
	}

	if _, err := repo.Get(context.Background(), messageID); !errors.Is(err, ErrNotFound) {
		t.Errorf("repo.Get() after delivered receipt error = %v, want ErrNotFound", err)
	}
	if len(delivery.frames) != 1 || delivery.frames[0][0] != "WSP-AAAA-AAAA-AAAA" {
		t.Errorf("HandleReceipt() did not forward message_delivered to the original sender: %v", delivery.frames)
	}
}

func TestHandleReceiptRejectsMismatchedFrom(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	router := NewRouter(repo, &fakeLookup{accounts: map[string]fakeAccount{}}, &fakeDelivery{online: map[string]bool{}}, &fakePush{}, Config{TimestampSkew: 10 * time.Minute})

	err := router.HandleReceipt(context.Background(), protocol.DeliveryReceiptPayload{
		MessageID: uuid.New().String(),
		From:      "WSP-BBBB-BBBB-BBBB",
		To:        "WSP-AAAA-AAAA-AAAA",
		Status:    "delivered",
	}, "WSP-CCCC-CCCC-CCCC")
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("HandleReceipt() error = %v, want ErrSignatureInvalid", err)
	}
}

func TestFetchPendingRejectsOutOfRangeLimit(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	router := NewRouter(repo, &fakeLookup{accounts: map[string]fakeAccount{}}, &fakeDelivery{online: map[string]bool{}}, &fakePush{}, Config{TimestampSkew: 10 * time.Minute})

	_, err := router.FetchPending(context.Background(), "", 200, "WSP-AAAA-AAAA-AAAA")
	if !errors.Is(err, ErrLimitOutOfRange) {
		t.Errorf("FetchPending() error = %v, want ErrLimitOutOfRange", err)
	}
}

func TestFetchPendingPaginatesWithCursor(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	recipient := "WSP-BBBB-BBBB-BBBB"
	base := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		if _, err := repo.Insert(context.Background(), Pending{
			MessageID: uuid.New(), RecipientID: recipient, SenderID: "WSP-AAAA-AAAA-AAAA",
			TimestampMS: base + int64(i),
		}); err != nil {
			t.Fatalf("repo.Insert() error = %v", err)
		}
	}

	router := NewRouter(repo, &fakeLookup{accounts: map[string]fakeAccount{}}, &fakeDelivery{online: map[string]bool{}}, &fakePush{}, Config{TimestampSkew: 10 * time.Minute})

	page1, err := router.FetchPending(context.Background(), "", 2, recipient)
	if err != nil {
		t.Fatalf("FetchPending() error = %v", err)
	}
	if len(page1.Messages) != 2 {
		t.Fatalf("FetchPending() first page len = %d, want 2", len(page1.Messages))
	}
	if page1.NextCursor == "" {
		t.Fatal("FetchPending() first page did not return a nextCursor despite a full page")
	}

	page2, err := router.FetchPending(context.Background(), page1.NextCursor, 2, recipient)
	if err != nil {
		t.Fatalf("FetchPending() second page error = %v", err)
	}
	if len(page2.Messages) != 1 {
		t.Errorf("FetchPending() second page len = %d, want 1", len(page2.Messages))
	}
	if page2.NextCursor != "" {
		t.Error("FetchPending() second page returned a nextCursor despite being short")
	}
}
