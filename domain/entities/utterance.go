package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AmplitudeSample is a single metering reading produced while capture is
// active, roughly every 100ms. Timestamps are monotonic non-decreasing; the
// exact cadence is not guaranteed.
type AmplitudeSample struct {
	Timestamp time.Time
	LevelDb   float64
}

// EndpointDecision is the outcome of feeding one sample to the endpointer.
type EndpointDecision int

const (
	// DecisionContinue keeps the capture running.
	DecisionContinue EndpointDecision = iota
	// DecisionEndOfUtterance marks trailing silence after detected speech.
	DecisionEndOfUtterance
	// DecisionForceStop fires when the hard recording ceiling is exceeded,
	// regardless of speech activity.
	DecisionForceStop
)

func (d EndpointDecision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionEndOfUtterance:
		return "end_of_utterance"
	case DecisionForceStop:
		return "force_stop"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Utterance is one bounded audio capture representing a single user turn.
// It is created when capture starts and finalized when the endpointer fires
// or the hard cap is hit; after a send (successful or not) it is discarded.
type Utterance struct {
	StartedAt time.Time
	Audio     []byte
	MIMEType  string
	Duration  time.Duration
	HasVoice  bool
}

// NewSessionID mints an opaque identifier correlating chunked audio sent over
// multiple requests with one logical conversation on the backend.
func NewSessionID() string {
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
