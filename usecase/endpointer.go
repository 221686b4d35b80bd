package usecase

import (
	"time"

	"github.com/vneid-labs/voicekit/domain/entities"
)

// EndpointConfig parameterizes end-of-utterance detection. Zero values are
// replaced with the defaults below.
type EndpointConfig struct {
	// MinRecording is the window during which no endpoint can fire, so the
	// start of speech is never clipped.
	MinRecording time.Duration
	// MaxRecording is the hard ceiling after which capture is force-stopped
	// regardless of speech activity.
	MaxRecording time.Duration
	// SilenceThresholdDb is the metering level at or below which a sample
	// counts as silence.
	SilenceThresholdDb float64
	// SilenceDuration is how long trailing silence must last, after speech
	// was detected, before the utterance is considered finished.
	SilenceDuration time.Duration
}

const (
	defaultMinRecording    = 500 * time.Millisecond
	defaultMaxRecording    = 15 * time.Second
	defaultSilenceDuration = 800 * time.Millisecond
	defaultSilenceDb       = -40.0
)

func (c EndpointConfig) withDefaults() EndpointConfig {
	if c.MinRecording == 0 {
		c.MinRecording = defaultMinRecording
	}
	if c.MaxRecording == 0 {
		c.MaxRecording = defaultMaxRecording
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = defaultSilenceDuration
	}
	if c.SilenceThresholdDb == 0 {
		c.SilenceThresholdDb = defaultSilenceDb
	}
	return c
}

// SilenceEndpointer decides, from a stream of amplitude samples, when an
// utterance has ended. Leading silence never triggers an endpoint: only the
// hard ceiling can stop an utterance in which no speech was detected.
type SilenceEndpointer struct {
	cfg EndpointConfig

	hasSpoken    bool
	silenceSince time.Time // zero when no silence window is pending
}

// NewSilenceEndpointer returns an endpointer ready for one utterance.
func NewSilenceEndpointer(cfg EndpointConfig) *SilenceEndpointer {
	return &SilenceEndpointer{cfg: cfg.withDefaults()}
}

// Feed consumes one amplitude sample together with the elapsed recording
// time and returns the endpoint decision. Pure over the endpointer's running
// state; samples must arrive in timestamp order.
func (e *SilenceEndpointer) Feed(sample entities.AmplitudeSample, elapsed time.Duration) entities.EndpointDecision {
	if elapsed > e.cfg.MaxRecording {
		return entities.DecisionForceStop
	}
	if elapsed < e.cfg.MinRecording {
		return entities.DecisionContinue
	}

	if sample.LevelDb > e.cfg.SilenceThresholdDb {
		e.hasSpoken = true
		e.silenceSince = time.Time{}
		return entities.DecisionContinue
	}

	if !e.hasSpoken {
		return entities.DecisionContinue
	}

	if e.silenceSince.IsZero() {
		e.silenceSince = sample.Timestamp
		return entities.DecisionContinue
	}
	if sample.Timestamp.Sub(e.silenceSince) >= e.cfg.SilenceDuration {
		return entities.DecisionEndOfUtterance
	}
	return entities.DecisionContinue
}

// HasSpoken reports whether any sample so far exceeded the silence threshold.
func (e *SilenceEndpointer) HasSpoken() bool { return e.hasSpoken }

// Reset prepares the endpointer for the next utterance.
func (e *SilenceEndpointer) Reset() {
	e.hasSpoken = false
	e.silenceSince = time.Time{}
}
