package websocket

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
	"github.com/vneid-labs/voicekit/internal/auth"
)

type fakeSTT struct {
	transcript string
}

func (f *fakeSTT) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	return f.transcript, nil
}

type fakeTTS struct {
	pcm []byte
}

func (f *fakeTTS) SynthesizeSpeech(ctx context.Context, text string) ([]byte, error) {
	return f.pcm, nil
}

type fakeBrain struct {
	reply   entities.AgentReply
	prompts chan repositories.AgentPrompt
}

func (f *fakeBrain) Reply(ctx context.Context, prompt repositories.AgentPrompt) (*entities.AgentReply, error) {
	select {
	case f.prompts <- prompt:
	default:
	}
	reply := f.reply
	reply.Transcript = prompt.Transcript
	return &reply, nil
}

func speechFrame(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(20000 * math.Sin(2*math.Pi*float64(i)/64))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func silentFrame(samples int) []byte {
	return make([]byte, samples*2)
}

type hubHarness struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
	brain  *fakeBrain
}

func newHubHarness(t *testing.T, tts repositories.TextToSpeech) *hubHarness {
	t.Helper()
	issuer, err := auth.NewTokenIssuer([]byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	step := 2
	brain := &fakeBrain{
		reply: entities.AgentReply{
			Response: "Đã chuyển sang bước hai.",
			Action:   entities.ActionSetStep,
			Step:     &step,
		},
		prompts: make(chan repositories.AgentPrompt, 4),
	}
	hub := NewHub(Config{},
		&fakeSTT{transcript: "chuyển sang bước tiếp theo"},
		tts,
		brain,
		issuer,
		zaptest.NewLogger(t),
	)
	go hub.Run()

	e := echo.New()
	e.GET("/realtime", func(c echo.Context) error {
		return HandleRealtime(hub, c)
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return &hubHarness{server: server, issuer: issuer, brain: brain}
}

func (h *hubHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	token, err := h.issuer.MintRoomToken("lobby", "user-1")
	if err != nil {
		t.Fatalf("MintRoomToken: %v", err)
	}
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/realtime?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil collects text frames until one matches stop, failing on timeout.
// Binary frames are tallied separately.
func readUntil(t *testing.T, conn *websocket.Conn, stop func(map[string]interface{}) bool) (texts []map[string]interface{}, binaryBytes int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (got %d texts so far)", err, len(texts))
		}
		if messageType == websocket.BinaryMessage {
			binaryBytes += len(payload)
			continue
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal %q: %v", payload, err)
		}
		texts = append(texts, msg)
		if stop(msg) {
			return texts, binaryBytes
		}
	}
}

func TestRealtimeRejectsBadToken(t *testing.T) {
	h := newHubHarness(t, &fakeTTS{pcm: []byte{1, 2}})

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/realtime?access_token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded with a garbage token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v", resp)
	}
}

func TestRealtimeUtteranceRoundTrip(t *testing.T) {
	h := newHubHarness(t, &fakeTTS{pcm: make([]byte, 10000)})
	conn := h.dial(t)

	// context update lands before any audio
	screen := entities.ScreenContext{ScreenName: "lltp_form", CurrentStep: 1, TotalSteps: 4}
	update, _ := json.Marshal(map[string]interface{}{
		"type":           "update_context",
		"screen_context": screen,
	})
	if err := conn.WriteMessage(websocket.TextMessage, update); err != nil {
		t.Fatalf("write context: %v", err)
	}

	// one second of speech, then enough silence to endpoint
	for i := 0; i < 10; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, speechFrame(1600)); err != nil {
			t.Fatalf("write speech: %v", err)
		}
	}
	for i := 0; i < 9; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, silentFrame(1600)); err != nil {
			t.Fatalf("write silence: %v", err)
		}
	}

	texts, binaryBytes := readUntil(t, conn, func(msg map[string]interface{}) bool {
		speakers, ok := msg["speakers"].([]interface{})
		return ok && len(speakers) == 0
	})

	var sawTranscript, sawText, sawAction, sawSpeaking bool
	for _, msg := range texts {
		if msg["transcript"] == "chuyển sang bước tiếp theo" {
			sawTranscript = true
		}
		if msg["text"] == "Đã chuyển sang bước hai." {
			sawText = true
		}
		if msg["action"] == "set_step" {
			sawAction = true
			if msg["step"].(float64) != 2 {
				t.Errorf("action step = %v", msg["step"])
			}
		}
		if speakers, ok := msg["speakers"].([]interface{}); ok && len(speakers) == 1 {
			sawSpeaking = true
		}
	}
	if !sawTranscript || !sawText || !sawAction || !sawSpeaking {
		t.Errorf("transcript=%v text=%v action=%v speaking=%v", sawTranscript, sawText, sawAction, sawSpeaking)
	}
	if binaryBytes != 10000 {
		t.Errorf("binary audio = %d bytes, want 10000", binaryBytes)
	}

	// the brain saw the pushed screen context
	select {
	case prompt := <-h.brain.prompts:
		if prompt.Screen.ScreenName != "lltp_form" {
			t.Errorf("brain screen = %q", prompt.Screen.ScreenName)
		}
	case <-time.After(time.Second):
		t.Error("brain never invoked")
	}
}

func TestRealtimeSilenceOnlyNeverReplies(t *testing.T) {
	h := newHubHarness(t, &fakeTTS{pcm: []byte{1}})
	conn := h.dial(t)

	for i := 0; i < 20; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, silentFrame(1600)); err != nil {
			t.Fatalf("write silence: %v", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("received a reply for pure silence")
	}
}
