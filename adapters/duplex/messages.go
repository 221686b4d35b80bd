package duplex

import (
	"encoding/json"
	"strings"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

// agentIdentitySubstring marks the remote agent participant in speaker and
// track notifications.
const agentIdentitySubstring = "agent"

// inboundMessage is the union of the JSON shapes the backend has emitted
// across versions: alternate field names (text vs message, screen vs
// navigate_to) all land here and are normalized in one place.
type inboundMessage struct {
	Type       string            `json:"type,omitempty"`
	Action     string            `json:"action,omitempty"`
	Screen     string            `json:"screen,omitempty"`
	NavigateTo string            `json:"navigate_to,omitempty"`
	Step       *int              `json:"step,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Text       string            `json:"text,omitempty"`
	Message    string            `json:"message,omitempty"`
	Speakers   []speakerInfo     `json:"speakers,omitempty"`
}

type speakerInfo struct {
	Identity string `json:"identity"`
}

// normalizeMessage parses one inbound JSON payload into zero or more
// normalized events. A single payload may legitimately carry an action, a
// transcript and a message at once. Unparseable payloads yield no events.
func normalizeMessage(raw []byte) []repositories.DuplexEvent {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var events []repositories.DuplexEvent

	if msg.Type == "active_speakers" {
		speaking := false
		for _, s := range msg.Speakers {
			if strings.Contains(s.Identity, agentIdentitySubstring) {
				speaking = true
				break
			}
		}
		events = append(events, repositories.DuplexEvent{
			Kind:     repositories.DuplexSpeaking,
			Speaking: speaking,
		})
	}

	if msg.Action != "" || msg.Type == "action" {
		action := msg.Action
		if action == "" {
			action = msg.Type
		}
		screen := msg.Screen
		if screen == "" {
			screen = msg.NavigateTo
		}
		events = append(events, repositories.DuplexEvent{
			Kind: repositories.DuplexAction,
			Directive: &entities.ActionDirective{
				Action: entities.Action(action),
				Screen: screen,
				Step:   msg.Step,
				Data:   msg.Data,
			},
		})
	}

	if msg.Transcript != "" {
		events = append(events, repositories.DuplexEvent{
			Kind: repositories.DuplexTranscript,
			Text: msg.Transcript,
		})
	}

	if text := firstNonEmpty(msg.Text, msg.Message); text != "" {
		events = append(events, repositories.DuplexEvent{
			Kind: repositories.DuplexAgentMessage,
			Text: text,
		})
	}

	return events
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// contextUpdate is the outbound payload republished on screen changes.
type contextUpdate struct {
	Type          string                 `json:"type"`
	UserContext   entities.UserContext   `json:"user_context"`
	ScreenContext entities.ScreenContext `json:"screen_context"`
}
