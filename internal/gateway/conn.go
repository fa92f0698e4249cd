package gateway

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// maxOutboundQueue is the per-connection outbound buffer. Per the resource model, a
	// connection whose peer cannot keep up is closed rather than allowed to grow unbounded.
	maxOutboundQueue = 256
)

// Conn represents a single live WebSocket connection. It runs two goroutines, readPump and
// writePump, communicating with the Gateway via onFrame and with its own writer via send.
type Conn struct {
	id          string
	remoteAddr  string
	ws          *websocket.Conn
	send        chan []byte
	log         zerolog.Logger
	maxFrameLen int64

	done      chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	whisperID string
}

func newConn(id, remoteAddr string, ws *websocket.Conn, maxFrameLen int64, log zerolog.Logger) *Conn {
	return &Conn{
		id:          id,
		remoteAddr:  remoteAddr,
		ws:          ws,
		send:        make(chan []byte, maxOutboundQueue),
		done:        make(chan struct{}),
		maxFrameLen: maxFrameLen,
		log:         log.With().Str("connId", id).Logger(),
	}
}

// WhisperID returns the whisperId bound to this connection, or "" if not yet authenticated.
func (c *Conn) WhisperID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.whisperID
}

func (c *Conn) setWhisperID(whisperID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.whisperID = whisperID
}

func (c *Conn) isAuthenticated() bool {
	return c.WhisperID() != ""
}

// closeSend signals the write loop to stop. Safe to call from multiple goroutines or
// multiple times; only the first call has any effect.
func (c *Conn) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue places msg on the outbound queue, dropping it and closing the connection if the
// queue is already full (backpressure, close code 1009 per the resource model). Returns
// false if the connection was already shutting down or the frame could not be queued.
func (c *Conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn().Msg("outbound queue full, closing connection")
		c.closeWithCode(closeMessageTooBig, "backpressure")
		return false
	}
}

// writePump drains send until done is closed, then flushes any remaining buffered frames
// before returning so a client sees everything queued for it prior to close.
func (c *Conn) writePump() {
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("write error")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readPump reads inbound frames and hands each to onFrame. It owns the connection's
// read-side lifecycle: ping scheduling, pong deadline enforcement, and final unregister on
// exit. It blocks until the socket closes or onFrame asks for a close.
func (c *Conn) readPump(gw *Gateway) {
	defer func() {
		gw.onClose(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.maxFrameLen + 1) // +1 so an over-limit frame is observed, not silently truncated
	_ = c.ws.SetReadDeadline(time.Now().Add(gw.cfg.PingInterval + gw.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(gw.cfg.PingInterval + gw.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(gw.cfg.PingInterval)
	defer pingTicker.Stop()
	pingDone := make(chan struct{})
	defer close(pingDone)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					c.closeWithCode(closeInternalError, "ping failed")
					return
				}
			case <-pingDone:
				return
			case <-c.done:
				return
			}
		}
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}

		if int64(len(raw)) > c.maxFrameLen {
			gw.sendError(c, "", errInvalidPayload, "frame exceeds maximum size")
			continue
		}

		if gw.onFrame(c, raw) == closeConnection {
			return
		}
	}
}

// closeWithCode sends a WebSocket close frame then closes the underlying connection.
func (c *Conn) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.closeSend()
	_ = c.ws.Close()
}
