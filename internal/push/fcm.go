package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/option"
)

// fcmConfig is the JSON shape Init expects: the service account credentials, embedded verbatim
// rather than a filesystem path so the handler has no dependency on where Bootstrap keeps secrets.
type fcmConfig struct {
	CredentialsJSON json.RawMessage `json:"credentialsJson"`
	BufferSize      int             `json:"bufferSize"`
}

// FCMHandler wraps firebase.google.com/go/v4/messaging as the default Android/Web push vendor.
type FCMHandler struct {
	client *messaging.Client
	ch     chan *Receipt
	done   chan struct{}
	log    zerolog.Logger
	ready  bool
}

// NewFCMHandler constructs an unregistered FCMHandler; call Register("fcm", h) after Init
// succeeds to put it in the dispatch pool.
func NewFCMHandler(log zerolog.Logger) *FCMHandler {
	return &FCMHandler{log: log.With().Str("push_handler", "fcm").Logger()}
}

// Init parses jsonConfig, authenticates against Firebase, and starts the send worker.
func (h *FCMHandler) Init(jsonConfig string) error {
	var cfg fcmConfig
	if err := json.Unmarshal([]byte(jsonConfig), &cfg); err != nil {
		return fmt.Errorf("fcm: parse config: %w", err)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	ctx := context.Background()
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsJSON(cfg.CredentialsJSON))
	if err != nil {
		return fmt.Errorf("fcm: init app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return fmt.Errorf("fcm: init messaging client: %w", err)
	}

	h.client = client
	h.ch = make(chan *Receipt, cfg.BufferSize)
	h.done = make(chan struct{})
	h.ready = true

	go h.run()
	return nil
}

func (h *FCMHandler) IsReady() bool { return h.ready }

func (h *FCMHandler) Push() chan<- *Receipt { return h.ch }

func (h *FCMHandler) Stop() {
	if !h.ready {
		return
	}
	close(h.done)
}

func (h *FCMHandler) run() {
	for {
		select {
		case <-h.done:
			return
		case r := <-h.ch:
			h.send(r)
		}
	}
}

func (h *FCMHandler) send(r *Receipt) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := &messaging.Message{
		Token: r.DeviceToken,
		Data: map[string]string{
			"type":       r.Payload.Type,
			"reason":     r.Payload.Reason,
			"whisperId":  r.Payload.WhisperID,
			"callId":     r.Payload.CallID,
			"from":       r.Payload.From,
			"callerName": r.Payload.CallerName,
		},
	}

	b := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		_, sendErr := h.client.Send(ctx, msg)
		if sendErr != nil {
			return retry.RetryableError(sendErr)
		}
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("whisperId", r.Payload.WhisperID).Str("reason", r.Payload.Reason).
			Msg("fcm push delivery failed after retries")
	}
}
