package repositories

import (
	"context"

	"github.com/vneid-labs/voicekit/domain/entities"
)

// Gateway is the request/response delivery mode: one call per turn carrying
// the full utterance (or typed text), returning one normalized reply. All
// failures resolve to *entities.BackendError; raw transport errors never
// cross this boundary.
type Gateway interface {
	SendUtterance(ctx context.Context, utt *entities.Utterance, user entities.UserContext, screen entities.ScreenContext) (*entities.AgentReply, error)
	SendText(ctx context.Context, text string, user entities.UserContext, screen entities.ScreenContext) (*entities.AgentReply, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Reset clears server-side conversation history. Fire-and-forget:
	// callers log errors and move on.
	Reset(ctx context.Context) error
}

// ChunkGateway is the chunked streaming mode: fixed-size audio windows sent
// continuously under one session identifier, with the backend doing its own
// endpointing. Most chunks come back with ok == false and no meaningful
// reply.
type ChunkGateway interface {
	SendChunk(ctx context.Context, sessionID string, chunk *entities.Utterance, user entities.UserContext, screen entities.ScreenContext) (reply *entities.AgentReply, ok bool, err error)
}

// DuplexEventKind enumerates the server-pushed events of a real-time session.
type DuplexEventKind string

const (
	DuplexAgentMessage DuplexEventKind = "agent_message"
	DuplexTranscript   DuplexEventKind = "transcript"
	DuplexAction       DuplexEventKind = "action"
	DuplexSpeaking     DuplexEventKind = "speaking"
	DuplexAudio        DuplexEventKind = "audio"
)

// DuplexEvent is one normalized server-pushed event. Exactly the fields for
// its kind are populated.
type DuplexEvent struct {
	Kind      DuplexEventKind
	Text      string                    // agent_message, transcript
	Directive *entities.ActionDirective // action
	Speaking  bool                      // speaking
	Audio     []byte                    // audio (PCM frame from the agent track)
}

// DuplexConn is a continuous two-way media session. Events are pushed
// unsolicited rather than correlated to any client call.
type DuplexConn interface {
	SendAudio(frame []byte) error
	SendContext(user entities.UserContext, screen entities.ScreenContext) error
	Events() <-chan DuplexEvent
	Close() error
}

// ActionHandler applies navigation and form-fill directives to the ambient
// UI state. It lives outside the engine; directives with unknown actions are
// expected to be ignored without error.
type ActionHandler interface {
	HandleAction(directive entities.ActionDirective)
}

// ContextProvider rebuilds the opaque context payloads before each send.
type ContextProvider interface {
	UserContext() entities.UserContext
	ScreenContext() entities.ScreenContext
}
