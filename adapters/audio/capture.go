package audio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

// captureDevice is the slice of miniaudio's device the capture drives.
// device.Stop waits for the data callback to drain, and the callback takes
// the capture mutex, so device calls must never run with that mutex held.
type captureDevice interface {
	Start() error
	Stop() error
	Uninit()
}

// Capture records microphone audio through miniaudio. One Capture owns at
// most one active device; Start while active returns ErrDeviceBusy.
type Capture struct {
	logger *zap.Logger

	mu        sync.Mutex
	malgoCtx  *malgo.AllocatedContext
	device    captureDevice
	opts      repositories.CaptureOptions
	samples   chan entities.AmplitudeSample
	frames    chan []byte
	audio     []byte
	meterBuf  []byte
	startedAt time.Time
	active    bool
	paused    bool
	result    *entities.Utterance
}

var _ repositories.AudioCapture = (*Capture)(nil)

// NewCapture initializes the audio backend. Callers must Close when done with
// the capture for good.
func NewCapture(logger *zap.Logger) (*Capture, error) {
	contextConfig := malgo.ContextConfig{}
	contextConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	malgoCtx, err := malgo.InitContext(nil, contextConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &Capture{logger: logger, malgoCtx: malgoCtx}, nil
}

// Start begins recording with the given options. The device feeds Frames
// continuously and Samples at the metering cadence.
func (c *Capture) Start(ctx context.Context, opts repositories.CaptureOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return entities.ErrDeviceBusy
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(opts.Channels)
	deviceConfig.SampleRate = uint32(opts.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	// Bytes of PCM16 per metering window.
	meterBytes := opts.SampleRate * opts.Channels * 2 * int(opts.MeterInterval/time.Millisecond) / 1000

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.onFrame(input, meterBytes)
		},
	}
	device, err := malgo.InitDevice(c.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return mapDeviceError(err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return mapDeviceError(err)
	}

	c.device = device
	c.opts = opts
	c.samples = make(chan entities.AmplitudeSample, 64)
	c.frames = make(chan []byte, 64)
	c.audio = nil
	c.meterBuf = nil
	c.startedAt = time.Now()
	c.active = true
	c.paused = false
	c.result = nil
	c.logger.Info("capture started",
		zap.Int("sampleRate", opts.SampleRate),
		zap.Int("channels", opts.Channels))
	return nil
}

// onFrame runs on the device's audio thread: it must not block.
func (c *Capture) onFrame(input []byte, meterBytes int) {
	c.mu.Lock()
	if !c.active || c.paused {
		c.mu.Unlock()
		return
	}
	frame := append([]byte(nil), input...)
	c.audio = append(c.audio, frame...)
	c.meterBuf = append(c.meterBuf, frame...)
	var sample *entities.AmplitudeSample
	if meterBytes > 0 && len(c.meterBuf) >= meterBytes {
		sample = &entities.AmplitudeSample{
			Timestamp: time.Now(),
			LevelDb:   LevelDb(c.meterBuf),
		}
		c.meterBuf = nil
	}
	samples, frames := c.samples, c.frames
	c.mu.Unlock()

	select {
	case frames <- frame:
	default: // consumer lagging, shed the frame
	}
	if sample != nil {
		select {
		case samples <- *sample:
		default:
		}
	}
}

// Samples yields amplitude readings at the metering cadence.
func (c *Capture) Samples() <-chan entities.AmplitudeSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples
}

// Frames yields raw PCM16LE audio as it is captured.
func (c *Capture) Frames() <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Pause yields the device without finalizing the utterance. The paused flag
// flips before the device stops so a callback landing mid-stop drops its
// frame instead of contending for the device.
func (c *Capture) Pause() error {
	c.mu.Lock()
	if !c.active || c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = true
	device := c.device
	c.mu.Unlock()

	if err := device.Stop(); err != nil {
		c.mu.Lock()
		c.paused = false
		c.mu.Unlock()
		return fmt.Errorf("pausing capture device: %w", err)
	}
	return nil
}

// Resume reattaches to the in-progress utterance after Pause.
func (c *Capture) Resume() error {
	c.mu.Lock()
	if !c.active || !c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = false
	device := c.device
	c.mu.Unlock()

	if err := device.Start(); err != nil {
		c.mu.Lock()
		c.paused = true
		c.mu.Unlock()
		return fmt.Errorf("resuming capture device: %w", err)
	}
	return nil
}

// Stop halts capture, releases the device and returns the finalized
// utterance. Idempotent: a second call returns the same result. The active
// flag flips under the lock, then the device is stopped with the lock
// released: device.Stop waits for the data callback, which takes the mutex.
func (c *Capture) Stop() (*entities.Utterance, error) {
	c.mu.Lock()
	if c.result != nil {
		result := c.result
		c.mu.Unlock()
		return result, nil
	}
	if !c.active {
		c.result = &entities.Utterance{MIMEType: "audio/wav"}
		result := c.result
		c.mu.Unlock()
		return result, nil
	}
	c.active = false
	device := c.device
	c.device = nil
	c.mu.Unlock()

	if err := device.Stop(); err != nil {
		c.logger.Warn("stopping capture device", zap.Error(err))
	}
	device.Uninit()

	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.samples)
	close(c.frames)
	c.result = &entities.Utterance{
		StartedAt: c.startedAt,
		Audio:     c.audio,
		MIMEType:  "audio/wav",
		Duration:  time.Since(c.startedAt),
	}
	c.audio = nil
	c.meterBuf = nil
	c.logger.Info("capture stopped",
		zap.Duration("duration", c.result.Duration),
		zap.Int("bytes", len(c.result.Audio)))
	return c.result, nil
}

// Close releases the audio backend.
func (c *Capture) Close() error {
	if _, err := c.Stop(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.malgoCtx != nil {
		_ = c.malgoCtx.Uninit()
		c.malgoCtx = nil
	}
	return nil
}

func mapDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return entities.ErrPermissionDenied
	}
	return fmt.Errorf("capture device: %w", err)
}
