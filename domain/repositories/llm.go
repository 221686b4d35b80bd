package repositories

import (
	"context"

	"github.com/vneid-labs/voicekit/domain/entities"
)

// AgentBrain abstracts the language model that decides what the assistant says
// and which form actions the transcript implies. Implementations fill
// Response, Action, Step, Data, NextStep, and FieldAsking on the returned
// reply; transcript and audio are the caller's concern.
type AgentBrain interface {
	Reply(ctx context.Context, prompt AgentPrompt) (*entities.AgentReply, error)
}

// AgentPrompt carries one turn's worth of input to the brain.
type AgentPrompt struct {
	Transcript string
	User       entities.UserContext
	Screen     entities.ScreenContext
	History    []entities.Turn
}
