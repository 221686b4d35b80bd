package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/adapters/audio"
	"github.com/vneid-labs/voicekit/adapters/backend"
	"github.com/vneid-labs/voicekit/adapters/duplex"
	"github.com/vneid-labs/voicekit/adapters/memory"
	"github.com/vneid-labs/voicekit/internal/config"
	"github.com/vneid-labs/voicekit/internal/supervisor"
	"github.com/vneid-labs/voicekit/usecase"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config.Load(logger)

	backendURL := config.String("BACKEND_URL", "http://localhost:8080")
	mode := usecase.Mode(config.String("VOICE_MODE", string(usecase.ModeRequestResponse)))

	capture, err := audio.NewCapture(logger)
	if err != nil {
		logger.Fatal("Failed to initialize audio capture", zap.Error(err))
	}
	defer capture.Close()

	player, err := audio.NewPlayer(audio.PlayerConfig{}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize audio playback", zap.Error(err))
	}

	gateway, err := backend.NewHTTPGateway(backend.Config{BaseURL: backendURL}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize backend gateway", zap.Error(err))
	}

	screens := newScreenModel(userContextFromEnv(), logger)

	deps := usecase.Deps{
		Capture:     capture,
		Player:      player,
		Gateway:     gateway,
		Chunks:      gateway,
		Context:     screens,
		Actions:     screens,
		Transcripts: memory.NewTranscriptStore(),
		Logger:      logger,
	}

	if mode == usecase.ModeDuplex {
		dialer, err := duplex.NewDialer(duplex.Config{
			TokenEndpoint: backendURL + "/token",
			Room:          config.String("REALTIME_ROOM", "voice-assistant"),
			Identity:      config.String("REALTIME_IDENTITY", "user-"+os.Getenv("USER")),
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize duplex dialer", zap.Error(err))
		}
		deps.Dialer = supervisor.New(supervisor.Config{}, dialer.Dial, nil, logger)
	}

	session, err := usecase.NewSession(mode, usecase.SessionConfig{
		Greeting: config.String("GREETING", "Xin chào! Tôi có thể giúp gì cho bạn?"),
	}, deps)
	if err != nil {
		logger.Fatal("Failed to build session", zap.Error(err))
	}
	session.Subscribe(&consoleListener{logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Open(ctx); err != nil {
		logger.Fatal("Failed to open session", zap.Error(err))
	}
	logger.Info("Session opened",
		zap.String("mode", string(mode)),
		zap.String("session_id", session.SessionID()),
		zap.String("backend", backendURL))

	// Typed lines become text turns, same loop as spoken ones.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := session.HandleText(line); err != nil {
				logger.Warn("text turn refused", zap.Error(err))
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	session.Close()
}

// userContextFromEnv builds the opaque identity payload forwarded with every
// turn.
func userContextFromEnv() map[string]interface{} {
	user := map[string]interface{}{}
	if name := os.Getenv("USER_FULL_NAME"); name != "" {
		user["full_name"] = name
	}
	if id := os.Getenv("USER_ID_NUMBER"); id != "" {
		user["id_number"] = id
	}
	return user
}

// consoleListener mirrors the conversation to stdout and the log.
type consoleListener struct {
	usecase.BaseListener
	logger *zap.Logger
}

func (l *consoleListener) OnStateChange(from, to usecase.SessionState) {
	l.logger.Info("state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func (l *consoleListener) OnTranscript(text string) {
	fmt.Printf("bạn: %s\n", text)
}

func (l *consoleListener) OnAssistantMessage(text string) {
	fmt.Printf("trợ lý: %s\n", text)
}

func (l *consoleListener) OnSessionError(err error) {
	l.logger.Error("session error", zap.Error(err))
}
