package repositories

import (
	"context"
	"time"

	"github.com/vneid-labs/voicekit/domain/entities"
)

// CaptureOptions configures one microphone recording.
type CaptureOptions struct {
	SampleRate    int           // Hz, e.g. 16000
	Channels      int           // 1 for speech capture
	MeterInterval time.Duration // cadence of amplitude samples, ~100ms
}

// AudioCapture owns one active microphone resource. Implementations must
// guarantee at most one concurrent recording: Start while active returns
// entities.ErrDeviceBusy, and entities.ErrPermissionDenied when the OS
// refuses microphone access.
type AudioCapture interface {
	// Start begins capturing. Samples and Frames deliver data until Stop.
	Start(ctx context.Context, opts CaptureOptions) error

	// Samples yields periodic amplitude readings while capture is active.
	// Timestamps are monotonic non-decreasing; cadence is best-effort.
	Samples() <-chan entities.AmplitudeSample

	// Frames yields raw PCM16LE audio as it is captured. Used by the duplex
	// variant to publish microphone audio continuously.
	Frames() <-chan []byte

	// Pause temporarily yields the device to playback (duplex variant only).
	Pause() error

	// Resume reattaches to the in-progress utterance after Pause. If the
	// underlying device was reclaimed the failure is logged, not returned.
	Resume() error

	// Stop halts capture, releases the device and returns the finalized
	// utterance. Idempotent: a second call returns the same result with a
	// nil error.
	Stop() (*entities.Utterance, error)
}

// PlayOptions carries the playback lifecycle callbacks. OnDone is invoked
// exactly once: on natural completion, on error, or when the safety timeout
// elapses without a completion event.
type PlayOptions struct {
	OnStart func()
	OnDone  func()
}

// AudioPlayer owns at most one active playback resource, mutually exclusive
// with capture outside the duplex pause path.
type AudioPlayer interface {
	// Play decodes and plays a synthesized-speech PCM payload. Returns
	// immediately; completion is reported through opts.OnDone.
	Play(ctx context.Context, pcm []byte, opts PlayOptions) error

	// Stop immediately halts and releases any in-progress playback.
	// Idempotent; must be called before re-entering capture.
	Stop() error
}
