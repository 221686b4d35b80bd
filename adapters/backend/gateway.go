package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

const (
	defaultTimeout = 30 * time.Second

	// Intermediary tunnel infrastructure injects interstitial HTML into
	// browser-looking requests unless this header is present.
	tunnelBypassHeader = "ngrok-skip-browser-warning"
)

// Config holds configuration for the HTTP gateway.
// Required fields:
// - BaseURL: the backend base URL, e.g. "https://abc123.ngrok.io"
// Optional fields with defaults:
// - Timeout: per-request timeout (default: 30s)
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// ValidateConfig validates the gateway Config.
func ValidateConfig(config Config) error {
	if config.BaseURL == "" {
		return fmt.Errorf("backend base URL is required")
	}
	if config.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %v", config.Timeout)
	}
	return nil
}

// HTTPGateway implements the request/response and chunked delivery modes over
// the backend HTTP surface. Every failure mode (network, HTTP status,
// malformed JSON, success=false) normalizes to *entities.BackendError.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var (
	_ repositories.Gateway      = (*HTTPGateway)(nil)
	_ repositories.ChunkGateway = (*HTTPGateway)(nil)
)

// NewHTTPGateway creates a gateway for the given backend.
func NewHTTPGateway(config Config, logger *zap.Logger) (*HTTPGateway, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// replyEnvelope is the wire shape shared by /process_voice, /process_text and
// /process_voice_chunk.
type replyEnvelope struct {
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Transcript  string            `json:"transcript,omitempty"`
	Response    string            `json:"response,omitempty"`
	Audio       string            `json:"audio,omitempty"` // base64 PCM16LE 24kHz
	Action      string            `json:"action,omitempty"`
	Step        *int              `json:"step,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	NextStep    bool              `json:"next_step,omitempty"`
	FieldAsking string            `json:"field_asking,omitempty"`
	HasResponse bool              `json:"has_response,omitempty"`
}

// SendUtterance posts one full utterance to /process_voice.
func (g *HTTPGateway) SendUtterance(ctx context.Context, utt *entities.Utterance, user entities.UserContext, screen entities.ScreenContext) (*entities.AgentReply, error) {
	const op = "process_voice"
	envelope, err := g.postAudio(ctx, op, "/process_voice", utt, nil, user, screen)
	if err != nil {
		return nil, err
	}
	return g.toReply(envelope), nil
}

// SendText posts a typed command to /process_text.
func (g *HTTPGateway) SendText(ctx context.Context, text string, user entities.UserContext, screen entities.ScreenContext) (*entities.AgentReply, error) {
	const op = "process_text"
	payload, err := json.Marshal(map[string]interface{}{
		"text":           text,
		"user_context":   user,
		"screen_context": screen,
	})
	if err != nil {
		return nil, entities.NewBackendError(op, "", fmt.Errorf("encoding request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/process_text", bytes.NewReader(payload))
	if err != nil {
		return nil, entities.NewBackendError(op, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	envelope, err := g.do(op, req)
	if err != nil {
		return nil, err
	}
	return g.toReply(envelope), nil
}

// SendChunk posts one fixed audio window to /process_voice_chunk under the
// session identifier. ok reports the has_response flag: most chunks come back
// false while the backend waits for the utterance to complete.
func (g *HTTPGateway) SendChunk(ctx context.Context, sessionID string, chunk *entities.Utterance, user entities.UserContext, screen entities.ScreenContext) (*entities.AgentReply, bool, error) {
	const op = "process_voice_chunk"
	extra := map[string]string{
		"session_id": sessionID,
		"is_chunk":   "true",
	}
	envelope, err := g.postAudio(ctx, op, "/process_voice_chunk", chunk, extra, user, screen)
	if err != nil {
		return nil, false, err
	}
	if !envelope.HasResponse {
		return nil, false, nil
	}
	return g.toReply(envelope), true, nil
}

// Health checks backend reachability via GET /health.
func (g *HTTPGateway) Health(ctx context.Context) error {
	const op = "health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/health", nil)
	if err != nil {
		return entities.NewBackendError(op, "", err)
	}
	req.Header.Set(tunnelBypassHeader, "true")
	resp, err := g.client.Do(req)
	if err != nil {
		return entities.NewBackendError(op, "", err)
	}
	defer resp.Body.Close()
	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return entities.NewBackendError(op, "", fmt.Errorf("decoding response: %w", err))
	}
	if status.Status != "healthy" {
		return entities.NewBackendError(op, fmt.Sprintf("backend reported status %q", status.Status), nil)
	}
	return nil
}

// Reset clears server-side conversation history. Callers treat failures as
// log-only.
func (g *HTTPGateway) Reset(ctx context.Context) error {
	const op = "reset"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/reset", nil)
	if err != nil {
		return entities.NewBackendError(op, "", err)
	}
	req.Header.Set(tunnelBypassHeader, "true")
	resp, err := g.client.Do(req)
	if err != nil {
		return entities.NewBackendError(op, "", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return entities.NewBackendError(op, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	return nil
}

func (g *HTTPGateway) postAudio(ctx context.Context, op, path string, utt *entities.Utterance, extra map[string]string, user entities.UserContext, screen entities.ScreenContext) (*replyEnvelope, error) {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return nil, entities.NewBackendError(op, "", fmt.Errorf("encoding user context: %w", err))
	}
	screenJSON, err := json.Marshal(screen)
	if err != nil {
		return nil, entities.NewBackendError(op, "", fmt.Errorf("encoding screen context: %w", err))
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	mimeType := utt.MIMEType
	if mimeType == "" {
		mimeType = "audio/wav"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="utterance%s"`, FileExtensionForMIME(mimeType)))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, entities.NewBackendError(op, "", err)
	}
	if _, err := part.Write(utt.Audio); err != nil {
		return nil, entities.NewBackendError(op, "", err)
	}

	fields := map[string]string{
		"user_context":   string(userJSON),
		"screen_context": string(screenJSON),
	}
	for k, v := range extra {
		fields[k] = v
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, entities.NewBackendError(op, "", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, entities.NewBackendError(op, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, &body)
	if err != nil {
		return nil, entities.NewBackendError(op, "", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return g.do(op, req)
}

// do executes the request and normalizes every failure to BackendError.
func (g *HTTPGateway) do(op string, req *http.Request) (*replyEnvelope, error) {
	req.Header.Set(tunnelBypassHeader, "true")
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, entities.NewBackendError(op, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, entities.NewBackendError(op, "", fmt.Errorf("reading response: %w", err))
	}
	var envelope replyEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, entities.NewBackendError(op, fmt.Sprintf("status %d", resp.StatusCode), nil)
		}
		return nil, entities.NewBackendError(op, "", fmt.Errorf("decoding response: %w", err))
	}
	if resp.StatusCode != http.StatusOK || !envelope.Success {
		message := envelope.Error
		if message == "" {
			message = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, entities.NewBackendError(op, message, nil)
	}
	return &envelope, nil
}

// toReply normalizes the wire envelope: sanitized text, decoded audio, typed
// action.
func (g *HTTPGateway) toReply(envelope *replyEnvelope) *entities.AgentReply {
	reply := &entities.AgentReply{
		Transcript:  envelope.Transcript,
		Response:    SanitizeResponse(envelope.Response),
		Action:      entities.Action(envelope.Action),
		Step:        envelope.Step,
		Data:        envelope.Data,
		NextStep:    envelope.NextStep,
		FieldAsking: envelope.FieldAsking,
	}
	if envelope.Audio != "" {
		pcm, err := base64.StdEncoding.DecodeString(envelope.Audio)
		if err != nil {
			g.logger.Warn("discarding undecodable reply audio", zap.Error(err))
		} else {
			reply.Audio = pcm
		}
	}
	return reply
}

// MIMETypeForFile infers the audio MIME type from a file extension.
func MIMETypeForFile(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		return "audio/wav"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".caf":
		return "audio/x-caf"
	case ".webm":
		return "audio/webm"
	default:
		return "audio/wav"
	}
}

// FileExtensionForMIME is the inverse of MIMETypeForFile, defaulting to .wav.
func FileExtensionForMIME(mimeType string) string {
	switch mimeType {
	case "audio/mp4":
		return ".m4a"
	case "audio/x-caf":
		return ".caf"
	case "audio/webm":
		return ".webm"
	default:
		return ".wav"
	}
}
