package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/adapters/audio"
	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
	"github.com/vneid-labs/voicekit/internal/auth"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio frames

	// Endpointing over the inbound microphone stream.
	silenceThresholdDb = -40.0
	endpointSilence    = 800 * time.Millisecond
	maxUtterance       = 15 * time.Second

	// Synthesized audio is pushed in frames of this size.
	outboundFrameSize = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Access is gated by the room token, not the origin.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Config holds realtime hub configuration.
// Optional fields with defaults:
// - SampleRate: inbound PCM sample rate (default: 16000)
// - Language: recognition language code (default: "vi-VN")
type Config struct {
	SampleRate int
	Language   string
}

// Hub maintains the set of active realtime clients. Each client is one
// continuous voice session: inbound microphone frames are endpointed on the
// server, every finished utterance runs through recognition and the agent
// brain, and the reply is pushed back as application messages plus synthesized
// audio frames.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	stt    repositories.SpeechToText
	tts    repositories.TextToSpeech
	brain  repositories.AgentBrain
	issuer *auth.TokenIssuer
	cfg    Config

	logger *zap.Logger
}

// NewHub creates a new realtime hub. tts may be nil; replies are then
// text-only.
func NewHub(
	cfg Config,
	stt repositories.SpeechToText,
	tts repositories.TextToSpeech,
	brain repositories.AgentBrain,
	issuer *auth.TokenIssuer,
	logger *zap.Logger,
) *Hub {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Language == "" {
		cfg.Language = "vi-VN"
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stt:        stt,
		tts:        tts,
		brain:      brain,
		issuer:     issuer,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if previous, ok := h.clients[client.identity]; ok {
				close(previous.send)
			}
			h.clients[client.identity] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("identity", client.identity))

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client.identity] == client {
				delete(h.clients, client.identity)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("identity", client.identity))
		}
	}
}

// bytesFor converts a duration of PCM16LE mono audio to a byte count.
func (h *Hub) bytesFor(d time.Duration) int {
	return int(d.Seconds() * float64(h.cfg.SampleRate) * 2)
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is one realtime voice session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Participant identity from the room token.
	identity string

	// Logger
	logger *zap.Logger

	mutex      sync.Mutex
	user       entities.UserContext
	screen     entities.ScreenContext
	history    []entities.Turn
	utterance  []byte
	hasSpoken  bool
	silentTail int
	responding bool
}

// HandleRealtime upgrades a realtime session request. The access token from
// the query string must validate before the upgrade happens.
func HandleRealtime(hub *Hub, c echo.Context) error {
	claims, err := hub.issuer.Validate(c.QueryParam("access_token"))
	if err != nil {
		hub.logger.Warn("Rejected realtime connection", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid access token"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan WriteData, 256),
		identity: claims.Identity,
		logger:   hub.logger.With(zap.String("identity", claims.Identity)),
	}

	client.hub.register <- client

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection into the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.ingestAudio(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the session to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage handles inbound JSON payloads.
func (c *Client) processMessage(message []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("Failed to parse message", zap.Error(err))
		return
	}

	switch msg.Type {
	case "update_context":
		c.mutex.Lock()
		c.user = msg.UserContext
		c.screen = msg.ScreenContext
		c.mutex.Unlock()
		c.logger.Debug("Context updated", zap.String("screen", msg.ScreenContext.ScreenName))
	default:
		c.logger.Warn("Unknown message type", zap.String("type", msg.Type))
	}
}

// ingestAudio accumulates microphone frames and endpoints the stream: a
// trailing-silence window after speech, or the utterance cap, finishes the
// utterance and kicks off a reply. Frames arriving while a reply is being
// produced are discarded; the client is expected to pause its capture during
// agent speech anyway.
func (c *Client) ingestAudio(frame []byte) {
	c.mutex.Lock()
	if c.responding {
		c.mutex.Unlock()
		return
	}

	c.utterance = append(c.utterance, frame...)
	if audio.LevelDb(frame) > silenceThresholdDb {
		c.hasSpoken = true
		c.silentTail = 0
	} else {
		c.silentTail += len(frame)
	}

	endpointed := c.hasSpoken && c.silentTail >= c.hub.bytesFor(endpointSilence)
	capped := len(c.utterance) >= c.hub.bytesFor(maxUtterance)
	if !endpointed && !capped {
		c.mutex.Unlock()
		return
	}

	utterance := c.utterance
	spoke := c.hasSpoken
	c.utterance = nil
	c.hasSpoken = false
	c.silentTail = 0
	if !spoke {
		// silence-only stretch hit the cap, drop it
		c.mutex.Unlock()
		return
	}
	c.responding = true
	c.mutex.Unlock()

	go c.respond(utterance)
}

// respond runs one utterance through recognition, the brain, and synthesis,
// pushing each stage's output as it becomes available.
func (c *Client) respond(utterance []byte) {
	defer func() {
		c.mutex.Lock()
		c.responding = false
		c.mutex.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	transcript, err := c.hub.stt.TranscribeAudio(ctx, utterance, repositories.AudioConfig{
		SampleRate: c.hub.cfg.SampleRate,
		Encoding:   "LINEAR16",
		Language:   c.hub.cfg.Language,
	})
	if err != nil {
		c.logger.Warn("Transcription failed", zap.Error(err))
		return
	}
	c.enqueue(websocket.TextMessage, marshalTranscript(transcript))

	c.mutex.Lock()
	prompt := repositories.AgentPrompt{
		Transcript: transcript,
		User:       c.user,
		Screen:     c.screen,
		History:    append([]entities.Turn(nil), c.history...),
	}
	c.mutex.Unlock()

	reply, err := c.hub.brain.Reply(ctx, prompt)
	if err != nil {
		c.logger.Error("Agent brain failed", zap.Error(err))
		return
	}

	if reply.Action != "" && reply.Action != entities.ActionNone {
		c.enqueue(websocket.TextMessage, marshalAction(reply))
	} else if reply.NextStep {
		c.enqueue(websocket.TextMessage, marshalAction(&entities.AgentReply{
			Action: entities.ActionNextStep,
		}))
	}
	if reply.Response != "" {
		c.enqueue(websocket.TextMessage, marshalText(reply.Response))
	}

	userTurn := entities.NewTurn(entities.TurnRoleUser, transcript)
	assistantTurn := entities.NewTurn(entities.TurnRoleAssistant, reply.Response)
	assistantTurn.Action = reply.Action
	c.mutex.Lock()
	c.history = append(c.history, userTurn, assistantTurn)
	c.mutex.Unlock()

	if c.hub.tts == nil || reply.Response == "" {
		return
	}
	pcm, err := c.hub.tts.SynthesizeSpeech(ctx, reply.Response)
	if err != nil {
		c.logger.Warn("Speech synthesis failed", zap.Error(err))
		return
	}

	c.enqueue(websocket.TextMessage, marshalSpeaking(true))
	for start := 0; start < len(pcm); start += outboundFrameSize {
		end := start + outboundFrameSize
		if end > len(pcm) {
			end = len(pcm)
		}
		c.enqueue(websocket.BinaryMessage, pcm[start:end])
	}
	c.enqueue(websocket.TextMessage, marshalSpeaking(false))
}

// enqueue hands a frame to the write pump, dropping it if the client cannot
// keep up.
func (c *Client) enqueue(messageType int, payload []byte) {
	select {
	case c.send <- WriteData{Type: messageType, Payload: payload}:
	default:
		c.logger.Warn("Client send buffer full, dropping frame", zap.Int("type", messageType))
	}
}
