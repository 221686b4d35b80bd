package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/adapters/llm"
	"github.com/vneid-labs/voicekit/adapters/memory"
	"github.com/vneid-labs/voicekit/adapters/mongo"
	"github.com/vneid-labs/voicekit/adapters/stt"
	"github.com/vneid-labs/voicekit/adapters/tts"
	"github.com/vneid-labs/voicekit/domain/repositories"
	"github.com/vneid-labs/voicekit/internal/auth"
	"github.com/vneid-labs/voicekit/internal/config"
	"github.com/vneid-labs/voicekit/internal/devserver"
	"github.com/vneid-labs/voicekit/internal/websocket"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config.Load(logger)

	// Create Echo instance
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Speech recognition: Google Cloud when credentials are present, mock
	// otherwise so the server stays usable offline.
	var speechToText repositories.SpeechToText
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "" {
		speechToText = stt.NewGoogleSpeechToText(logger)
	} else {
		logger.Warn("GOOGLE_APPLICATION_CREDENTIALS not set, using mock recognizer")
		speechToText = stt.NewMockSpeechToText(logger)
	}

	// Speech synthesis is optional; without it replies are text-only.
	var textToSpeech repositories.TextToSpeech
	if os.Getenv("ELEVEN_LABS_API_KEY") != "" {
		synth, err := tts.NewElevenLabsTTS(tts.NewElevenLabsConfigFromEnv(), logger)
		if err != nil {
			logger.Fatal("Failed to initialize speech synthesis", zap.Error(err))
		}
		textToSpeech = synth
	} else {
		logger.Warn("ELEVEN_LABS_API_KEY not set, replies will be text-only")
	}

	var brain repositories.AgentBrain
	if os.Getenv("GEMINI_API_KEY") != "" {
		geminiBrain, err := llm.NewGeminiBrain(context.Background(), llm.NewGeminiConfigFromEnv(), logger)
		if err != nil {
			logger.Fatal("Failed to initialize agent brain", zap.Error(err))
		}
		brain = geminiBrain
	} else {
		logger.Warn("GEMINI_API_KEY not set, using rule-based mock brain")
		brain = llm.NewMockBrain()
	}

	// Transcript persistence: MongoDB when configured, in-memory otherwise.
	var transcripts repositories.TranscriptStore
	if os.Getenv("MONGODB_URI") != "" {
		mongoClient, err := mongo.NewClient(mongo.NewClientConfigFromEnv(), logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer mongoClient.Close(context.Background())
		transcripts = mongo.NewTranscriptStore(mongoClient.Database)
	} else {
		logger.Info("MONGODB_URI not set, keeping transcripts in memory")
		transcripts = memory.NewTranscriptStore()
	}

	// Room token minting for the real-time mode, enabled by a signing secret.
	var issuer *auth.TokenIssuer
	if secret := os.Getenv("TOKEN_SECRET"); secret != "" {
		var err error
		issuer, err = auth.NewTokenIssuer([]byte(secret), config.Duration("TOKEN_TTL", 0))
		if err != nil {
			logger.Fatal("Failed to initialize token issuer", zap.Error(err))
		}
	}

	sampleRate := config.Int("SAMPLE_RATE", 16000)
	language := config.String("SPEECH_LANGUAGE", "vi-VN")

	server, err := devserver.NewServer(devserver.Config{
		SampleRate:  sampleRate,
		Language:    language,
		RealtimeURL: config.String("REALTIME_URL", "ws://localhost:8080/realtime"),
	}, devserver.Deps{
		SpeechToText: speechToText,
		TextToSpeech: textToSpeech,
		Brain:        brain,
		Transcripts:  transcripts,
		TokenIssuer:  issuer,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Failed to initialize server", zap.Error(err))
	}
	server.RegisterRoutes(e)

	// Real-time duplex surface, available when tokens can be minted.
	if issuer != nil {
		hub := websocket.NewHub(websocket.Config{
			SampleRate: sampleRate,
			Language:   language,
		}, speechToText, textToSpeech, brain, issuer, logger)
		go hub.Run()
		e.GET("/realtime", func(c echo.Context) error {
			return websocket.HandleRealtime(hub, c)
		})
	}

	port := config.String("PORT", "8080")

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Development backend started", zap.String("port", port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
