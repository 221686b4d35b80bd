package devserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
	"github.com/vneid-labs/voicekit/internal/auth"
)

// Config holds configuration for the development backend.
// Optional fields with defaults:
// - SampleRate: expected capture sample rate (default: 16000)
// - Language: recognition language code (default: "vi-VN")
// - RealtimeURL: websocket URL handed out by /token alongside the access token
type Config struct {
	SampleRate  int
	Language    string
	RealtimeURL string
}

// Server implements the HTTP surface the engine's gateway speaks: voice and
// text turn processing, chunked streaming, health, reset, and room token
// minting. Conversation history is one global thread, cleared by /reset, the
// way a single-user development backend behaves.
type Server struct {
	stt         repositories.SpeechToText
	tts         repositories.TextToSpeech
	brain       repositories.AgentBrain
	transcripts repositories.TranscriptStore
	issuer      *auth.TokenIssuer
	acc         *chunkAccumulator
	logger      *zap.Logger
	cfg         Config

	mu             sync.Mutex
	history        []entities.Turn
	conversationID string
}

// Deps bundles the services the server delegates to. Transcripts and issuer
// may be nil; the matching features degrade gracefully.
type Deps struct {
	SpeechToText repositories.SpeechToText
	TextToSpeech repositories.TextToSpeech
	Brain        repositories.AgentBrain
	Transcripts  repositories.TranscriptStore
	TokenIssuer  *auth.TokenIssuer
	Logger       *zap.Logger
}

// NewServer creates the development backend.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.SpeechToText == nil {
		return nil, fmt.Errorf("speech-to-text service is required")
	}
	if deps.Brain == nil {
		return nil, fmt.Errorf("agent brain is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Language == "" {
		cfg.Language = "vi-VN"
	}
	return &Server{
		stt:            deps.SpeechToText,
		tts:            deps.TextToSpeech,
		brain:          deps.Brain,
		transcripts:    deps.Transcripts,
		issuer:         deps.TokenIssuer,
		acc:            newChunkAccumulator(),
		logger:         deps.Logger,
		cfg:            cfg,
		conversationID: entities.NewSessionID(),
	}, nil
}

// RegisterRoutes initializes all API routes
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.health)
	e.POST("/reset", s.reset)
	e.POST("/process_voice", s.processVoice)
	e.POST("/process_text", s.processText)
	e.POST("/process_voice_chunk", s.processVoiceChunk)
	if s.issuer != nil {
		e.GET("/token", s.token)
	}
}

// replyEnvelope is the wire shape shared by the turn-processing endpoints.
type replyEnvelope struct {
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Transcript  string            `json:"transcript,omitempty"`
	Response    string            `json:"response,omitempty"`
	Audio       string            `json:"audio,omitempty"`
	Action      string            `json:"action,omitempty"`
	Step        *int              `json:"step,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	NextStep    bool              `json:"next_step,omitempty"`
	FieldAsking string            `json:"field_asking,omitempty"`
	HasResponse bool              `json:"has_response,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "voicekit-devserver",
	})
}

func (s *Server) reset(c echo.Context) error {
	s.mu.Lock()
	s.history = nil
	s.conversationID = entities.NewSessionID()
	s.mu.Unlock()
	s.acc.Reset()
	s.logger.Info("Conversation history reset")
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) processVoice(c echo.Context) error {
	audioData, err := s.readAudioPart(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, replyEnvelope{Error: err.Error()})
	}
	user, screen := s.readContexts(c.FormValue("user_context"), c.FormValue("screen_context"))

	transcript, err := s.stt.TranscribeAudio(c.Request().Context(), audioData, repositories.AudioConfig{
		SampleRate: s.cfg.SampleRate,
		Encoding:   "LINEAR16",
		Language:   s.cfg.Language,
	})
	if err != nil {
		s.logger.Warn("Transcription failed", zap.Error(err))
		return c.JSON(http.StatusOK, replyEnvelope{Error: "no speech detected"})
	}

	envelope := s.runTurn(c.Request().Context(), transcript, user, screen)
	return c.JSON(http.StatusOK, envelope)
}

func (s *Server) processText(c echo.Context) error {
	var req struct {
		Text          string                 `json:"text"`
		UserContext   entities.UserContext   `json:"user_context"`
		ScreenContext entities.ScreenContext `json:"screen_context"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, replyEnvelope{Error: "invalid request format"})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, replyEnvelope{Error: "text is required"})
	}

	envelope := s.runTurn(c.Request().Context(), req.Text, req.UserContext, req.ScreenContext)
	return c.JSON(http.StatusOK, envelope)
}

func (s *Server) processVoiceChunk(c echo.Context) error {
	sessionID := c.FormValue("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, replyEnvelope{Error: "session_id is required"})
	}
	window, err := s.readAudioPart(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, replyEnvelope{Error: err.Error()})
	}

	utterance, complete := s.acc.Add(sessionID, window)
	if !complete {
		return c.JSON(http.StatusOK, replyEnvelope{Success: true, HasResponse: false})
	}

	user, screen := s.readContexts(c.FormValue("user_context"), c.FormValue("screen_context"))
	transcript, err := s.stt.TranscribeAudio(c.Request().Context(), utterance, repositories.AudioConfig{
		SampleRate: s.cfg.SampleRate,
		Encoding:   "LINEAR16",
		Language:   s.cfg.Language,
	})
	if err != nil {
		s.logger.Warn("Chunk transcription failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return c.JSON(http.StatusOK, replyEnvelope{Success: true, HasResponse: false})
	}

	envelope := s.runTurn(c.Request().Context(), transcript, user, screen)
	envelope.HasResponse = true
	return c.JSON(http.StatusOK, envelope)
}

func (s *Server) token(c echo.Context) error {
	room := c.QueryParam("room")
	identity := c.QueryParam("identity")
	token, err := s.issuer.MintRoomToken(room, identity)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"token": token,
		"url":   s.cfg.RealtimeURL,
	})
}

// runTurn drives one brain round trip and stitches the result into the wire
// envelope, including synthesized audio when a synthesizer is configured.
func (s *Server) runTurn(ctx context.Context, transcript string, user entities.UserContext, screen entities.ScreenContext) replyEnvelope {
	s.mu.Lock()
	history := append([]entities.Turn(nil), s.history...)
	conversationID := s.conversationID
	s.mu.Unlock()

	reply, err := s.brain.Reply(ctx, repositories.AgentPrompt{
		Transcript: transcript,
		User:       user,
		Screen:     screen,
		History:    history,
	})
	if err != nil {
		s.logger.Error("Agent brain failed", zap.Error(err))
		return replyEnvelope{Error: "agent unavailable"}
	}

	envelope := replyEnvelope{
		Success:     true,
		Transcript:  transcript,
		Response:    reply.Response,
		Action:      string(reply.Action),
		Step:        reply.Step,
		Data:        reply.Data,
		NextStep:    reply.NextStep,
		FieldAsking: reply.FieldAsking,
	}

	if s.tts != nil && reply.Response != "" {
		pcm, err := s.tts.SynthesizeSpeech(ctx, reply.Response)
		if err != nil {
			s.logger.Warn("Speech synthesis failed, returning text only", zap.Error(err))
		} else {
			envelope.Audio = base64.StdEncoding.EncodeToString(pcm)
		}
	}

	userTurn := entities.NewTurn(entities.TurnRoleUser, transcript)
	assistantTurn := entities.NewTurn(entities.TurnRoleAssistant, reply.Response)
	assistantTurn.Action = reply.Action

	s.mu.Lock()
	s.history = append(s.history, userTurn, assistantTurn)
	s.mu.Unlock()

	if s.transcripts != nil {
		if err := s.transcripts.SaveTurn(ctx, conversationID, userTurn); err != nil {
			s.logger.Warn("Failed to persist user turn", zap.Error(err))
		}
		if err := s.transcripts.SaveTurn(ctx, conversationID, assistantTurn); err != nil {
			s.logger.Warn("Failed to persist assistant turn", zap.Error(err))
		}
	}

	return envelope
}

func (s *Server) readAudioPart(c echo.Context) ([]byte, error) {
	fileHeader, err := c.FormFile("audio")
	if err != nil {
		return nil, fmt.Errorf("audio file is required")
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot open audio part")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("cannot read audio part")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("audio payload is empty")
	}
	return data, nil
}

// readContexts decodes the optional context form fields. Malformed payloads
// degrade to empty contexts rather than failing the turn.
func (s *Server) readContexts(userJSON, screenJSON string) (entities.UserContext, entities.ScreenContext) {
	var user entities.UserContext
	if userJSON != "" {
		if err := json.Unmarshal([]byte(userJSON), &user); err != nil {
			s.logger.Warn("Malformed user_context, ignoring", zap.Error(err))
		}
	}
	var screen entities.ScreenContext
	if screenJSON != "" {
		if err := json.Unmarshal([]byte(screenJSON), &screen); err != nil {
			s.logger.Warn("Malformed screen_context, ignoring", zap.Error(err))
		}
	}
	return user, screen
}
