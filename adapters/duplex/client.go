package duplex

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	eventBuffer = 64
)

// Config holds duplex transport configuration.
// Required fields:
// - TokenEndpoint: the token-issuing URL, e.g. "https://backend/token"
// - Room: the room name to join
// - Identity: this participant's identity
type Config struct {
	TokenEndpoint string
	Room          string
	Identity      string
}

// Dialer opens duplex connections, fetching a fresh access token per dial
// when the cached one is near expiry. It performs a single connection
// attempt; retry policy belongs to the supervisor wrapping it.
type Dialer struct {
	tokens *TokenClient
	logger *zap.Logger
}

// NewDialer creates a dialer for the configured room.
func NewDialer(config Config, logger *zap.Logger) (*Dialer, error) {
	tokens, err := NewTokenClient(config.TokenEndpoint, config.Room, config.Identity, logger)
	if err != nil {
		return nil, err
	}
	return &Dialer{tokens: tokens, logger: logger}, nil
}

// Dial connects to the room's websocket transport.
func (d *Dialer) Dial(ctx context.Context) (repositories.DuplexConn, error) {
	token, wsURL, err := d.tokens.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining room credentials: %w", err)
	}
	endpoint, err := websocketURL(wsURL, token)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing duplex transport: %w", err)
	}
	d.logger.Info("duplex transport connected", zap.String("url", wsURL))
	return newConn(ws, d.logger), nil
}

// websocketURL rewrites an http(s) URL to ws(s) and attaches the access
// token.
func websocketURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing transport url: %w", err)
	}
	switch {
	case u.Scheme == "http":
		u.Scheme = "ws"
	case u.Scheme == "https":
		u.Scheme = "wss"
	case strings.HasPrefix(u.Scheme, "ws"):
	default:
		return "", fmt.Errorf("unsupported transport scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Conn is one live duplex session. Outbound writes are serialized; inbound
// traffic is normalized into the Events channel, which closes when the
// transport drops.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	events  chan repositories.DuplexEvent
	done    chan struct{}
	once    sync.Once
}

var _ repositories.DuplexConn = (*Conn)(nil)

func newConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		logger: logger,
		events: make(chan repositories.DuplexEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c
}

// SendAudio publishes one PCM16LE microphone frame.
func (c *Conn) SendAudio(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

// SendContext publishes the context payloads over the reliable channel.
func (c *Conn) SendContext(user entities.UserContext, screen entities.ScreenContext) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(contextUpdate{
		Type:          "update_context",
		UserContext:   user,
		ScreenContext: screen,
	})
}

// Events yields normalized server-pushed events. Closed on disconnect.
func (c *Conn) Events() <-chan repositories.DuplexEvent {
	return c.events
}

// Close tears the transport down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, payload)
}

// readPump turns inbound frames into events: binary frames are agent track
// audio, text frames are JSON application messages.
func (c *Conn) readPump() {
	defer close(c.events)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("duplex read failed", zap.Error(err))
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			c.deliver(repositories.DuplexEvent{
				Kind:  repositories.DuplexAudio,
				Audio: payload,
			})
		case websocket.TextMessage:
			for _, ev := range normalizeMessage(payload) {
				c.deliver(ev)
			}
		}
	}
}

func (c *Conn) deliver(ev repositories.DuplexEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event consumer lagging, dropping event",
			zap.String("kind", string(ev.Kind)))
	}
}

func (c *Conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
