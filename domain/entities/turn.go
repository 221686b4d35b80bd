package entities

import "time"

// TurnRole identifies who produced a transcript entry.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is one persisted entry of the conversation transcript: what the user
// said (as transcribed by the backend) or what the assistant spoke back.
type Turn struct {
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	Role       TurnRole  `json:"role" bson:"role"`
	Content    string    `json:"content" bson:"content"`
	DurationMs int64     `json:"duration_ms,omitempty" bson:"duration_ms,omitempty"`
	Action     Action    `json:"action,omitempty" bson:"action,omitempty"`
}

// NewTurn builds a transcript entry stamped with the current time.
func NewTurn(role TurnRole, content string) Turn {
	return Turn{Timestamp: time.Now(), Role: role, Content: content}
}
