// Package gateway implements WsGateway and ConnectionRegistry: the socket lifecycle, the
// parse→validate→auth→ratelimit→dispatch pipeline every inbound frame passes through, and the
// connId/whisperId connection maps the rest of the services deliver through. It never logs,
// embeds, or forwards plaintext payloads.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/account"
	"github.com/whisper-msg/whisper-server/internal/call"
	"github.com/whisper-msg/whisper-server/internal/group"
	"github.com/whisper-msg/whisper-server/internal/message"
	"github.com/whisper-msg/whisper-server/internal/presence"
	"github.com/whisper-msg/whisper-server/internal/protocol"
	"github.com/whisper-msg/whisper-server/internal/ratelimit"
)

// Config carries WsGateway's tunables, sourced from internal/config.
type Config struct {
	MaxFrameBytes int64
	PingInterval  time.Duration
	PongTimeout   time.Duration
}

// Gateway implements WsGateway. It owns the ConnectionRegistry and the narrow service
// references needed to dispatch every message type; it does not reach into any service's
// internals, only their already-exported methods.
type Gateway struct {
	Registry *Registry

	account  *account.Service
	message  *message.Router
	group    *group.Service
	call     *call.Service
	presence *presence.Store
	limiter  *ratelimit.Limiter

	cfg Config
	log zerolog.Logger
}

// New constructs a Gateway wired to every other service. registry must be the same *Registry
// already passed to account.New/message.NewRouter/group.New/call.New as their Delivery/Notifier
// dependency, since those services need a working SendTo before the Gateway itself can exist.
func New(
	registry *Registry,
	acct *account.Service,
	msg *message.Router,
	grp *group.Service,
	cl *call.Service,
	pres *presence.Store,
	limiter *ratelimit.Limiter,
	cfg Config,
	log zerolog.Logger,
) *Gateway {
	log = log.With().Str("component", "gateway").Logger()
	return &Gateway{
		Registry: registry,
		account:  acct,
		message:  msg,
		group:    grp,
		call:     cl,
		presence: pres,
		limiter:  limiter,
		cfg:      cfg,
		log:      log,
	}
}

func newConnID() string {
	b := make([]byte, 16) // 128-bit connId per the onConnect contract
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("gateway: read random connId: %v", err))
	}
	return hex.EncodeToString(b)
}

// ServeWebSocket implements onConnect: it rate-limits the accepting IP, registers the
// connection unauthenticated, and then blocks for the lifetime of the socket running its
// read pump (the write pump runs in its own goroutine).
func (g *Gateway) ServeWebSocket(ctx context.Context, ws *websocket.Conn, remoteAddr string) {
	allowed, err := g.limiter.Allow(ctx, remoteAddr, "", "ws_connect")
	if err != nil {
		g.log.Error().Err(err).Msg("gateway: ws_connect rate check")
	} else if !allowed {
		frame, ferr := protocol.NewErrorFrame(protocol.ErrRateLimited, "too many connection attempts", "")
		if ferr == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.TextMessage, frame)
		}
		msg := websocket.FormatCloseMessage(closeRateLimited, "rate limited")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	conn := newConn(newConnID(), remoteAddr, ws, g.cfg.MaxFrameBytes, g.log)
	g.Registry.addUnauthenticated(conn)

	go conn.writePump()
	conn.readPump(g)
}

// onFrame implements steps 1-7 of the pipeline for a single inbound frame.
func (g *Gateway) onFrame(conn *Conn, raw []byte) pipelineOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Step 1 is enforced by the caller (readPump) via SetReadLimit + an explicit length
	// check, since the websocket library itself would otherwise just sever the connection.

	// Step 2: parse UTF-8 JSON into the frame envelope.
	if !utf8.Valid(raw) {
		g.sendError(conn, "", errInvalidPayload, "frame is not valid UTF-8")
		return keepOpen
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		g.sendError(conn, "", errInvalidPayload, "malformed frame")
		return keepOpen
	}

	// Step 5 (auth gate) needs the session before dispatch, but a handler also needs the
	// resolved whisperId, so resolve it once here.
	var senderWhisperID string
	if protocol.AuthRequired[frame.Type] {
		token, ok := extractSessionToken(frame.Payload)
		if !ok {
			g.sendError(conn, frame.RequestID, errInvalidPayload, "sessionToken required")
			return keepOpen
		}
		session, err := g.account.ValidateSession(ctx, token)
		if err != nil {
			g.sendError(conn, frame.RequestID, errNotRegistered, "session not found or expired")
			return keepOpen
		}
		senderWhisperID = session.WhisperID

		if !conn.isAuthenticated() {
			g.bindAndMarkOnline(ctx, conn, senderWhisperID)
		} else if err := g.presence.Heartbeat(ctx, senderWhisperID); err != nil {
			g.log.Warn().Err(err).Msg("gateway: heartbeat")
		}
	}

	// Step 6: rate limit, composite IP + user (if authed), keyed by bucket type.
	bucketType := ratelimit.BucketTypeForCall(frame.Type)
	allowed, err := g.limiter.Allow(ctx, conn.remoteAddr, senderWhisperID, bucketType)
	if err != nil {
		g.log.Error().Err(err).Msg("gateway: rate check")
	} else if !allowed {
		g.sendError(conn, frame.RequestID, errRateLimited, "rate limit exceeded")
		return keepOpen
	}

	// Step 7: dispatch. Steps 3-4 (structure + payload schema validation) happen inside
	// each handler as it unmarshals its typed payload, since the schema is per-type.
	if err := g.dispatch(ctx, conn, frame, senderWhisperID); err != nil {
		code := classifyError(err, g.log)
		g.sendError(conn, frame.RequestID, code, err.Error())
	}
	return keepOpen
}

// onClose implements the onClose contract: unregister, and if this was the last live
// connection for the whisperId, mark presence offline and broadcast the transition.
func (g *Gateway) onClose(conn *Conn) {
	conn.closeSend()
	whisperID, lastForWhisper := g.Registry.Unbind(conn)
	if whisperID == "" || !lastForWhisper {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	if err := g.presence.MarkOffline(ctx, whisperID, now); err != nil {
		g.log.Warn().Err(err).Str("whisperId", whisperID).Msg("gateway: mark offline")
		return
	}
	if err := g.presence.BroadcastTransition(ctx, g.Registry, whisperID, presence.StatusOffline, now, now); err != nil {
		g.log.Warn().Err(err).Str("whisperId", whisperID).Msg("gateway: broadcast offline")
	}
}

// bindAndMarkOnline registers conn as whisperID's live connection the first time an
// authenticated frame arrives on it, and broadcasts a presence transition if this is the
// first live connection whisperID has anywhere.
func (g *Gateway) bindAndMarkOnline(ctx context.Context, conn *Conn, whisperID string) {
	g.Registry.Bind(conn, whisperID)

	transitioned, err := g.presence.MarkOnline(ctx, whisperID)
	if err != nil {
		g.log.Warn().Err(err).Str("whisperId", whisperID).Msg("gateway: mark online")
		return
	}
	if transitioned {
		if err := g.presence.BroadcastTransition(ctx, g.Registry, whisperID, presence.StatusOnline, time.Time{}, time.Now()); err != nil {
			g.log.Warn().Err(err).Str("whisperId", whisperID).Msg("gateway: broadcast online")
		}
	}
}

// Shutdown sends a normal close to every tracked connection, used during graceful server
// shutdown. It does not wait for the sockets to finish draining; callers bound the overall
// shutdown with their own deadline.
func (g *Gateway) Shutdown() {
	for _, c := range g.Registry.All() {
		c.closeWithCode(protocol.CloseNormal, "server shutting down")
	}
}

// sendError encodes and enqueues an error frame, echoing requestID per the propagation
// policy. Errors that fail to encode are logged; there is nothing more useful to do with a
// frame that itself cannot be built.
func (g *Gateway) sendError(conn *Conn, requestID string, code protocol.ErrorCode, message string) {
	frame, err := protocol.NewErrorFrame(code, message, requestID)
	if err != nil {
		g.log.Error().Err(err).Msg("gateway: encode error frame")
		return
	}
	conn.enqueue(frame)
}

// sessionTokenCarrier is unmarshalled first for every AUTH_REQUIRED type so the auth gate
// does not need a type-specific decode before it knows whether the frame is even admissible.
type sessionTokenCarrier struct {
	SessionToken string `json:"sessionToken"`
}

func extractSessionToken(payload json.RawMessage) (string, bool) {
	var carrier sessionTokenCarrier
	if err := json.Unmarshal(payload, &carrier); err != nil || carrier.SessionToken == "" {
		return "", false
	}
	return carrier.SessionToken, true
}

// decodePayload unmarshals frame.Payload into dst, reporting INVALID_PAYLOAD-shaped errors
// the same way for every message type.
func decodePayload(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload required", errPayload(errInvalidPayload))
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", errPayload(errInvalidPayload), err)
	}
	return nil
}

// errPayload wraps an ErrorCode as an error so decodePayload's failures flow through the same
// classifyError path as a service-layer sentinel, without needing a protocol-level sentinel
// error type of their own.
type errPayload protocol.ErrorCode

func (e errPayload) Error() string { return string(e) }

func b64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
