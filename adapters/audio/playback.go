package audio

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/domain/repositories"
)

const (
	defaultPlaybackRate    = 24000 // ElevenLabs pcm_24000 output
	defaultPlaybackTimeout = 30 * time.Second
	pollInterval           = 50 * time.Millisecond
)

// PlayerConfig holds playback configuration.
// Optional fields with defaults:
// - SampleRate: PCM sample rate of reply audio (default: 24000)
// - Channels: channel count (default: 1)
// - Timeout: safety ceiling after which OnDone fires regardless (default: 30s)
type PlayerConfig struct {
	SampleRate int
	Channels   int
	Timeout    time.Duration
}

// Player plays synthesized-speech PCM through the default output device. At
// most one playback is active; starting a new one stops the previous first,
// since the device cannot run conflicting modes concurrently.
type Player struct {
	logger  *zap.Logger
	timeout time.Duration

	otoCtx *oto.Context
	ready  chan struct{}

	mu      sync.Mutex
	current *oto.Player
	stop    chan struct{}
}

var _ repositories.AudioPlayer = (*Player)(nil)

// NewPlayer initializes the output device context.
func NewPlayer(config PlayerConfig, logger *zap.Logger) (*Player, error) {
	sampleRate := config.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultPlaybackRate
	}
	channels := config.Channels
	if channels == 0 {
		channels = 1
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultPlaybackTimeout
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   sampleRate / 5, // ~100ms at 16-bit mono
	})
	if err != nil {
		return nil, fmt.Errorf("initializing output device: %w", err)
	}
	return &Player{
		logger:  logger,
		timeout: timeout,
		otoCtx:  otoCtx,
		ready:   ready,
	}, nil
}

// Play starts playback of a PCM16LE payload and returns immediately.
// opts.OnDone is invoked exactly once: on natural completion, on stop, or
// when the safety timeout elapses without a completion event.
func (p *Player) Play(ctx context.Context, pcm []byte, opts repositories.PlayOptions) error {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.Stop(); err != nil {
		return err
	}

	player := p.otoCtx.NewPlayer(bytes.NewReader(pcm))
	stop := make(chan struct{})
	p.mu.Lock()
	p.current = player
	p.stop = stop
	p.mu.Unlock()

	player.Play()
	if opts.OnStart != nil {
		opts.OnStart()
	}
	p.logger.Info("playback started", zap.Int("bytes", len(pcm)))

	go p.watch(player, stop, opts.OnDone)
	return nil
}

// playbackHandle is the slice of oto's player the drain loop needs.
type playbackHandle interface {
	IsPlaying() bool
	Close() error
}

// watch waits for the playback to drain, be stopped, or hit the safety
// ceiling, and fires OnDone exactly once.
func (p *Player) watch(player playbackHandle, stop chan struct{}, onDone func()) {
	var once sync.Once
	fire := func() {
		if onDone != nil {
			once.Do(onDone)
		}
	}
	defer func() {
		p.mu.Lock()
		if p.stop == stop {
			p.current = nil
			p.stop = nil
		}
		p.mu.Unlock()
		_ = player.Close()
		fire()
	}()

	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-deadline.C:
			p.logger.Warn("playback hit safety timeout", zap.Duration("timeout", p.timeout))
			return
		case <-ticker.C:
			if !player.IsPlaying() {
				p.logger.Info("playback finished")
				return
			}
		}
	}
}

// Stop halts and releases any in-progress playback. Idempotent.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	p.current.Pause()
	close(p.stop)
	p.current = nil
	p.stop = nil
	return nil
}
