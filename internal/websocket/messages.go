package websocket

import (
	"encoding/json"

	"github.com/vneid-labs/voicekit/domain/entities"
)

// agentIdentity is the speaker identity announced while synthesized speech is
// on the wire. Clients key agent-speech detection off the "agent" substring.
const agentIdentity = "agent"

// inboundMessage is the union of JSON payloads a client may push: context
// updates today, room for control verbs later.
type inboundMessage struct {
	Type          string                 `json:"type"`
	UserContext   entities.UserContext   `json:"user_context,omitempty"`
	ScreenContext entities.ScreenContext `json:"screen_context,omitempty"`
}

// transcriptMessage surfaces the recognized user utterance.
type transcriptMessage struct {
	Transcript string `json:"transcript"`
}

// textMessage carries the assistant's spoken text.
type textMessage struct {
	Text string `json:"text"`
}

// actionMessage carries one navigation/fill directive.
type actionMessage struct {
	Type   string            `json:"type"`
	Action string            `json:"action"`
	Screen string            `json:"screen,omitempty"`
	Step   *int              `json:"step,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

// speakersMessage announces the active speaker set. An entry whose identity
// contains "agent" means synthesized speech is playing; an empty list means it
// stopped.
type speakersMessage struct {
	Type     string        `json:"type"`
	Speakers []speakerInfo `json:"speakers"`
}

type speakerInfo struct {
	Identity string `json:"identity"`
}

func marshalTranscript(text string) []byte {
	b, _ := json.Marshal(transcriptMessage{Transcript: text})
	return b
}

func marshalText(text string) []byte {
	b, _ := json.Marshal(textMessage{Text: text})
	return b
}

func marshalAction(reply *entities.AgentReply) []byte {
	b, _ := json.Marshal(actionMessage{
		Type:   "action",
		Action: string(reply.Action),
		Step:   reply.Step,
		Data:   reply.Data,
	})
	return b
}

func marshalSpeaking(speaking bool) []byte {
	msg := speakersMessage{Type: "active_speakers", Speakers: []speakerInfo{}}
	if speaking {
		msg.Speakers = append(msg.Speakers, speakerInfo{Identity: agentIdentity})
	}
	b, _ := json.Marshal(msg)
	return b
}
