package usecase

import "github.com/vneid-labs/voicekit/domain/entities"

// Listener receives session events. Callbacks are invoked from the session's
// internal goroutines and must not block; implementations that need to call
// back into the session should do so from another goroutine.
type Listener interface {
	// OnStateChange fires on every session state transition.
	OnStateChange(from, to SessionState)

	// OnAssistantMessage carries sanitized assistant text ready for display
	// or speech.
	OnAssistantMessage(text string)

	// OnTranscript carries the backend's transcription of what the user said.
	OnTranscript(text string)

	// OnAction carries a navigation or form-fill directive. Data keys have
	// already been whitelisted against the current screen.
	OnAction(directive entities.ActionDirective)

	// OnSessionError reports recoverable turn failures and terminal
	// connection failures. The session keeps running unless the error is a
	// *entities.ConnectionFailure or entities.ErrPermissionDenied.
	OnSessionError(err error)
}

// BaseListener is a no-op Listener for embedding, so implementations only
// override the events they care about.
type BaseListener struct{}

func (BaseListener) OnStateChange(from, to SessionState) {}
func (BaseListener) OnAssistantMessage(text string) {}
func (BaseListener) OnTranscript(text string) {}
func (BaseListener) OnAction(directive entities.ActionDirective) {}
func (BaseListener) OnSessionError(err error) {}
