package repositories

import (
	"context"

	"github.com/vneid-labs/voicekit/domain/entities"
)

// TranscriptStore persists completed conversation turns per session.
// Writes happen fire-and-forget off the turn loop; implementations should
// tolerate concurrent SaveTurn calls for different sessions.
type TranscriptStore interface {
	SaveTurn(ctx context.Context, sessionID string, turn entities.Turn) error
	History(ctx context.Context, sessionID string) ([]entities.Turn, error)
}
