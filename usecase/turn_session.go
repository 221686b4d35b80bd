package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

// SessionState is the turn-taking state machine's current phase.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateListening  SessionState = "listening"
	StateEndpointed SessionState = "endpointed"
	StateSending    SessionState = "sending"
	StateSpeaking   SessionState = "speaking"
	StateError      SessionState = "error"
)

// Mode selects the backend delivery strategy at construction time. The
// surrounding state machine is shared; only the listen/send plumbing differs.
type Mode string

const (
	// ModeRequestResponse endpoints locally and sends one full utterance per
	// turn.
	ModeRequestResponse Mode = "request_response"
	// ModeChunked streams fixed windows continuously; the backend does its
	// own endpointing and flags the chunks that complete an utterance.
	ModeChunked Mode = "chunked"
	// ModeDuplex holds a continuous two-way media session with server-pushed
	// events.
	ModeDuplex Mode = "duplex"
)

// DuplexDialer opens (or re-opens) the real-time transport. Implementations
// own retry/backoff; a returned error is terminal for the session.
type DuplexDialer interface {
	Dial(ctx context.Context) (repositories.DuplexConn, error)
}

// SessionConfig carries the tunables of the conversational loop. Zero values
// take the defaults below.
type SessionConfig struct {
	Endpoint EndpointConfig
	Capture  repositories.CaptureOptions

	// SpeakResumeDelay separates the end of assistant speech from the next
	// listening phase, so the capture does not pick up the speech tail.
	SpeakResumeDelay time.Duration
	// ErrorResumeDelay is the pause before re-listening after a failed turn.
	ErrorResumeDelay time.Duration
	// ChunkInterval is the window size for ModeChunked.
	ChunkInterval time.Duration

	// FallbackMessage is spoken text substituted when a turn request fails.
	FallbackMessage string
	// Greeting, when set, is emitted as the first assistant message on open.
	Greeting string
}

const (
	defaultSpeakResumeDelay = 300 * time.Millisecond
	defaultErrorResumeDelay = 500 * time.Millisecond
	defaultChunkInterval    = 2 * time.Second
	defaultFallbackMessage  = "Xin lỗi, tôi đang gặp sự cố kết nối. Vui lòng thử lại."
	persistTimeout          = 3 * time.Second
)

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SpeakResumeDelay == 0 {
		c.SpeakResumeDelay = defaultSpeakResumeDelay
	}
	if c.ErrorResumeDelay == 0 {
		c.ErrorResumeDelay = defaultErrorResumeDelay
	}
	if c.ChunkInterval == 0 {
		c.ChunkInterval = defaultChunkInterval
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = defaultFallbackMessage
	}
	if c.Capture.SampleRate == 0 {
		c.Capture.SampleRate = 16000
	}
	if c.Capture.Channels == 0 {
		c.Capture.Channels = 1
	}
	if c.Capture.MeterInterval == 0 {
		c.Capture.MeterInterval = 100 * time.Millisecond
	}
	return c
}

// Deps are the collaborators a Session coordinates. Gateway is required for
// ModeRequestResponse and ModeChunked, Chunks for ModeChunked, Dialer for
// ModeDuplex. Transcripts is optional; Clock and Logger default to the real
// clock and a nop logger.
type Deps struct {
	Capture     repositories.AudioCapture
	Player      repositories.AudioPlayer
	Gateway     repositories.Gateway
	Chunks      repositories.ChunkGateway
	Dialer      DuplexDialer
	Context     repositories.ContextProvider
	Actions     repositories.ActionHandler
	Transcripts repositories.TranscriptStore
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Session is the turn-taking state machine: it owns the capture and playback
// resources for one conversation and serializes every turn through
// listen → endpoint → send → speak → listen. All completions are processed
// serially; there is never more than one turn in flight.
type Session struct {
	mode   Mode
	cfg    SessionConfig
	clock  clock.Clock
	logger *zap.Logger

	capture     repositories.AudioCapture
	player      repositories.AudioPlayer
	gateway     repositories.Gateway
	chunks      repositories.ChunkGateway
	dialer      DuplexDialer
	contexts    repositories.ContextProvider
	actions     repositories.ActionHandler
	transcripts repositories.TranscriptStore

	mu          sync.Mutex
	state       SessionState
	listeners   []Listener
	sessionID   string
	generation  uint64
	resumeTimer *clock.Timer
	capturing   bool
	playing     bool
	sending     bool
	opened      bool
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	duplexConn  repositories.DuplexConn
}

// NewSession builds a session in the given mode. It does not touch any device
// or network resource until Open.
func NewSession(mode Mode, cfg SessionConfig, deps Deps) (*Session, error) {
	if deps.Capture == nil || deps.Player == nil || deps.Context == nil || deps.Actions == nil {
		return nil, fmt.Errorf("capture, player, context and actions are required")
	}
	switch mode {
	case ModeRequestResponse:
		if deps.Gateway == nil {
			return nil, fmt.Errorf("mode %s requires a gateway", mode)
		}
	case ModeChunked:
		if deps.Gateway == nil || deps.Chunks == nil {
			return nil, fmt.Errorf("mode %s requires a gateway and a chunk gateway", mode)
		}
	case ModeDuplex:
		if deps.Dialer == nil {
			return nil, fmt.Errorf("mode %s requires a dialer", mode)
		}
	default:
		return nil, fmt.Errorf("unknown session mode %q", mode)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Session{
		mode:        mode,
		cfg:         cfg.withDefaults(),
		clock:       deps.Clock,
		logger:      deps.Logger,
		capture:     deps.Capture,
		player:      deps.Player,
		gateway:     deps.Gateway,
		chunks:      deps.Chunks,
		dialer:      deps.Dialer,
		contexts:    deps.Context,
		actions:     deps.Actions,
		transcripts: deps.Transcripts,
		state:       StateIdle,
	}, nil
}

// Subscribe registers a listener for session events. Listeners registered
// after Open may miss the greeting.
func (s *Session) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// State returns the current state machine phase.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the identifier minted at Open, correlating chunked sends
// and transcript turns with one logical conversation.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Open starts the conversational loop: it verifies the backend (or dials the
// duplex transport), emits the greeting, and enters the first Listening
// phase. ctx bounds the opening handshake only. A second Open is a no-op.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return entities.ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		s.logger.Warn("open ignored, session already opened")
		return nil
	}
	s.opened = true
	s.sessionID = entities.NewSessionID()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	sessionID := s.sessionID
	s.mu.Unlock()

	s.logger.Info("opening session",
		zap.String("sessionID", sessionID),
		zap.String("mode", string(s.mode)))

	switch s.mode {
	case ModeDuplex:
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.duplexConn = conn
		s.mu.Unlock()
	default:
		// Fresh conversation: reset is fire-and-forget, health is not.
		if err := s.gateway.Reset(ctx); err != nil {
			s.logger.Warn("conversation reset failed", zap.Error(err))
		}
		if err := s.gateway.Health(ctx); err != nil {
			return fmt.Errorf("backend unreachable: %w", err)
		}
	}

	if s.cfg.Greeting != "" {
		s.emitAssistantMessage(s.cfg.Greeting)
	}

	switch s.mode {
	case ModeDuplex:
		return s.startDuplex()
	case ModeChunked:
		return s.startChunkStream()
	default:
		return s.startListening()
	}
}

// HandleText runs a typed command through the same Sending → Speaking path as
// a voice turn. Only valid while Listening; any in-progress capture is
// discarded. Duplex sessions have no request gateway, so text turns are
// refused there rather than crashing into a nil transport.
func (s *Session) HandleText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return entities.ErrSessionClosed
	}
	if s.mode == ModeDuplex {
		s.mu.Unlock()
		return fmt.Errorf("text turns are not supported in %s mode", ModeDuplex)
	}
	if s.state != StateListening || s.sending || s.playing {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("text turn refused in state %s", state)
	}
	gen := s.bumpGenerationLocked()
	wasCapturing := s.capturing
	s.capturing = false
	s.mu.Unlock()

	if wasCapturing {
		if _, err := s.capture.Stop(); err != nil {
			s.logger.Warn("stopping capture for text turn", zap.Error(err))
		}
	}
	s.sendTurn(gen, func(ctx context.Context) (*entities.AgentReply, error) {
		reply, err := s.gateway.SendText(ctx, text, s.contexts.UserContext(), s.contexts.ScreenContext())
		if err == nil && reply.Transcript == "" {
			reply.Transcript = text
		}
		return reply, err
	})
	return nil
}

// Close tears the session down from any state: cancels pending timers, stops
// capture and playback, releases the transport, and discards any in-flight
// reply. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++ // in-flight completions become stale
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	cancel := s.cancel
	conn := s.duplexConn
	s.duplexConn = nil
	wasOpened := s.opened
	s.capturing, s.playing, s.sending = false, false, false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasOpened {
		if _, err := s.capture.Stop(); err != nil {
			s.logger.Warn("stopping capture on close", zap.Error(err))
		}
		if err := s.player.Stop(); err != nil {
			s.logger.Warn("stopping playback on close", zap.Error(err))
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.setState(StateIdle)
	s.logger.Info("session closed")
}

// --- request/response mode -------------------------------------------------

func (s *Session) startListening() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return entities.ErrSessionClosed
	}
	if s.capturing || s.playing || s.sending {
		s.mu.Unlock()
		s.logger.Warn("listen refused, a capture, playback or send is active")
		return nil
	}
	gen := s.bumpGenerationLocked()
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.capture.Start(ctx, s.cfg.Capture); err != nil {
		s.emitError(err)
		return err
	}
	s.mu.Lock()
	s.capturing = true
	s.mu.Unlock()
	s.setState(StateListening)

	go s.pumpSamples(gen, s.clock.Now())
	return nil
}

// pumpSamples feeds amplitude readings to a fresh endpointer until it fires,
// then finalizes the utterance.
func (s *Session) pumpSamples(gen uint64, started time.Time) {
	ep := NewSilenceEndpointer(s.cfg.Endpoint)
	for sample := range s.capture.Samples() {
		if s.stale(gen) {
			return
		}
		decision := ep.Feed(sample, sample.Timestamp.Sub(started))
		if decision == entities.DecisionContinue {
			continue
		}
		s.logger.Info("utterance endpointed",
			zap.Stringer("decision", decision),
			zap.Bool("hasSpoken", ep.HasSpoken()))
		s.finishUtterance(gen, ep.HasSpoken())
		return
	}
}

func (s *Session) finishUtterance(gen uint64, hasSpoken bool) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.capturing = false
	s.mu.Unlock()
	s.setState(StateEndpointed)

	utt, err := s.capture.Stop()
	if err != nil {
		s.logger.Error("finalizing capture", zap.Error(err))
		s.emitError(err)
		s.scheduleResume(gen, s.cfg.ErrorResumeDelay)
		return
	}
	utt.HasVoice = hasSpoken
	if !hasSpoken || len(utt.Audio) == 0 {
		// Force-stopped without detected speech: nothing worth sending.
		s.logger.Info("discarding utterance without speech")
		s.scheduleResume(gen, s.cfg.ErrorResumeDelay)
		return
	}
	s.sendTurn(gen, func(ctx context.Context) (*entities.AgentReply, error) {
		return s.gateway.SendUtterance(ctx, utt, s.contexts.UserContext(), s.contexts.ScreenContext())
	})
}

// sendTurn dispatches one turn request. The reply (or failure) is applied
// only if the session is still on the same generation when it resolves.
func (s *Session) sendTurn(gen uint64, do func(context.Context) (*entities.AgentReply, error)) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.sending = true
	ctx := s.ctx
	s.mu.Unlock()
	s.setState(StateSending)

	go func() {
		reply, err := do(ctx)

		s.mu.Lock()
		if s.closed || gen != s.generation {
			s.mu.Unlock()
			return // session closed mid-flight, discard without side effects
		}
		s.sending = false
		s.mu.Unlock()

		if err != nil {
			s.setState(StateError)
			s.logger.Warn("turn request failed", zap.Error(err))
			s.emitError(err)
			s.emitAssistantMessage(s.cfg.FallbackMessage)
			s.scheduleResume(gen, s.cfg.ErrorResumeDelay)
			return
		}
		s.applyReply(gen, reply)
	}()
}

// applyReply applies action and data before any speech starts, so the UI
// reflects the agent's decision immediately.
func (s *Session) applyReply(gen uint64, reply *entities.AgentReply) {
	screen := s.contexts.ScreenContext()
	if dropped := reply.FilterData(screen.AllowedDataKeys()); dropped > 0 {
		s.logger.Warn("dropped data keys not allowed on screen",
			zap.Int("count", dropped),
			zap.String("screen", screen.ScreenName))
	}

	if directive, ok := s.directiveFrom(reply); ok {
		s.actions.HandleAction(directive)
		s.emitAction(directive)
	}
	if reply.Transcript != "" {
		s.emitTranscript(reply.Transcript)
	}
	if reply.Response != "" {
		s.emitAssistantMessage(reply.Response)
	}
	s.persistTurns(reply)

	if len(reply.Audio) == 0 {
		s.scheduleResume(gen, s.cfg.SpeakResumeDelay)
		return
	}
	s.speak(gen, reply.Audio)
}

func (s *Session) directiveFrom(reply *entities.AgentReply) (entities.ActionDirective, bool) {
	action := reply.Action
	if action == "" || action == entities.ActionNone {
		if reply.NextStep {
			return entities.ActionDirective{Action: entities.ActionNextStep}, true
		}
		return entities.ActionDirective{}, false
	}
	if !action.Known() {
		s.logger.Info("ignoring unknown action", zap.String("action", string(action)))
		return entities.ActionDirective{}, false
	}
	return entities.ActionDirective{Action: action, Step: reply.Step, Data: reply.Data}, true
}

func (s *Session) speak(gen uint64, pcm []byte) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.playing = true
	ctx := s.ctx
	s.mu.Unlock()
	s.setState(StateSpeaking)

	err := s.player.Play(ctx, pcm, repositories.PlayOptions{
		OnDone: func() {
			s.mu.Lock()
			s.playing = false
			s.mu.Unlock()
			s.scheduleResume(gen, s.cfg.SpeakResumeDelay)
		},
	})
	if err != nil {
		s.mu.Lock()
		s.playing = false
		s.mu.Unlock()
		s.logger.Error("playback failed", zap.Error(err))
		s.scheduleResume(gen, s.cfg.ErrorResumeDelay)
	}
}

// scheduleResume arms the single resume timer, superseding any pending one.
func (s *Session) scheduleResume(gen uint64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.generation {
		return
	}
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
	}
	s.resumeTimer = s.clock.AfterFunc(d, func() {
		s.resume(gen)
	})
}

func (s *Session) resume(gen uint64) {
	if s.stale(gen) {
		return
	}
	var err error
	switch s.mode {
	case ModeChunked:
		err = s.startChunkStream()
	case ModeDuplex:
		// duplex listening is driven by the event pump, never by this timer
		return
	default:
		err = s.startListening()
	}
	if err != nil {
		s.logger.Error("resuming listening", zap.Error(err))
	}
}

// --- chunked streaming mode ------------------------------------------------

func (s *Session) startChunkStream() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return entities.ErrSessionClosed
	}
	if s.capturing || s.playing || s.sending {
		s.mu.Unlock()
		s.logger.Warn("chunk stream refused, a capture, playback or send is active")
		return nil
	}
	gen := s.bumpGenerationLocked()
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.capture.Start(ctx, s.cfg.Capture); err != nil {
		s.emitError(err)
		return err
	}
	s.mu.Lock()
	s.capturing = true
	s.mu.Unlock()
	s.setState(StateListening)

	go s.pumpChunks(gen)
	return nil
}

// pumpChunks slices the capture into fixed windows and sends them under the
// session identifier. At most one chunk send is in flight; a window that
// becomes ready while one is outstanding is dropped rather than queued, since
// a queued window would only arrive staler.
func (s *Session) pumpChunks(gen uint64) {
	ticker := s.clock.Ticker(s.cfg.ChunkInterval)
	defer ticker.Stop()

	var window []byte
	inFlight := make(chan struct{}, 1)
	for {
		if s.stale(gen) {
			return
		}
		select {
		case frame, ok := <-s.capture.Frames():
			if !ok {
				return
			}
			window = append(window, frame...)
		case <-ticker.C:
			if len(window) == 0 {
				continue
			}
			select {
			case inFlight <- struct{}{}:
			default:
				s.logger.Warn("chunk send in flight, dropping window",
					zap.Int("bytes", len(window)))
				window = nil
				continue
			}
			chunk := &entities.Utterance{
				StartedAt: s.clock.Now().Add(-s.cfg.ChunkInterval),
				Audio:     window,
				MIMEType:  "audio/wav",
				Duration:  s.cfg.ChunkInterval,
				HasVoice:  true,
			}
			window = nil
			go func() {
				defer func() { <-inFlight }()
				s.sendChunk(gen, chunk)
			}()
		}
	}
}

func (s *Session) sendChunk(gen uint64, chunk *entities.Utterance) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	sessionID := s.sessionID
	s.mu.Unlock()

	reply, ok, err := s.chunks.SendChunk(ctx, sessionID, chunk, s.contexts.UserContext(), s.contexts.ScreenContext())
	if err != nil {
		// A failed window is not a failed turn; the stream keeps going.
		s.logger.Warn("chunk send failed", zap.Error(err))
		return
	}
	if !ok {
		return // backend has not endpointed yet
	}

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.capturing = false
	s.mu.Unlock()
	if _, err := s.capture.Stop(); err != nil {
		s.logger.Warn("stopping capture after chunk reply", zap.Error(err))
	}
	s.setState(StateSending)
	s.applyReply(gen, reply)
}

// --- duplex mode -----------------------------------------------------------

func (s *Session) startDuplex() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return entities.ErrSessionClosed
	}
	gen := s.bumpGenerationLocked()
	ctx := s.ctx
	conn := s.duplexConn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("duplex transport not connected")
	}

	if err := s.capture.Start(ctx, s.cfg.Capture); err != nil {
		s.emitError(err)
		return err
	}
	s.mu.Lock()
	s.capturing = true
	s.mu.Unlock()
	s.setState(StateListening)

	if err := conn.SendContext(s.contexts.UserContext(), s.contexts.ScreenContext()); err != nil {
		s.logger.Warn("sending initial context", zap.Error(err))
	}

	go s.pumpFrames(gen, conn)
	go s.pumpDuplexEvents(gen, conn)
	return nil
}

// SendContextUpdate republishes the context payloads, used when the ambient
// screen changes mid-conversation. Duplex mode only.
func (s *Session) SendContextUpdate() error {
	s.mu.Lock()
	conn := s.duplexConn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("duplex transport not connected")
	}
	return conn.SendContext(s.contexts.UserContext(), s.contexts.ScreenContext())
}

func (s *Session) pumpFrames(gen uint64, conn repositories.DuplexConn) {
	for frame := range s.capture.Frames() {
		if s.stale(gen) {
			return
		}
		if err := conn.SendAudio(frame); err != nil {
			s.logger.Warn("publishing microphone frame", zap.Error(err))
			return
		}
	}
}

// pumpDuplexEvents dispatches server-pushed events. Agent audio frames are
// buffered while the agent is speaking and played as one payload when the
// speaking state clears; capture is paused across that span per the duplex
// mutual-exclusion carve-out.
func (s *Session) pumpDuplexEvents(gen uint64, conn repositories.DuplexConn) {
	var agentAudio []byte
	speaking := false
	for ev := range conn.Events() {
		if s.stale(gen) {
			return
		}
		switch ev.Kind {
		case repositories.DuplexAgentMessage:
			s.emitAssistantMessage(ev.Text)
			s.persistTurn(entities.NewTurn(entities.TurnRoleAssistant, ev.Text))
		case repositories.DuplexTranscript:
			s.emitTranscript(ev.Text)
			s.persistTurn(entities.NewTurn(entities.TurnRoleUser, ev.Text))
		case repositories.DuplexAction:
			if ev.Directive == nil {
				continue
			}
			directive := *ev.Directive
			if !directive.Action.Known() {
				s.logger.Info("ignoring unknown action", zap.String("action", string(directive.Action)))
				continue
			}
			dropKeys(directive.Data, s.contexts.ScreenContext().AllowedDataKeys(), s.logger)
			s.actions.HandleAction(directive)
			s.emitAction(directive)
		case repositories.DuplexSpeaking:
			if ev.Speaking == speaking {
				continue
			}
			speaking = ev.Speaking
			if speaking {
				agentAudio = nil
				if err := s.capture.Pause(); err != nil {
					s.logger.Warn("pausing capture for agent speech", zap.Error(err))
				}
				s.setState(StateSpeaking)
			} else {
				pcm := agentAudio
				agentAudio = nil
				s.finishAgentSpeech(gen, pcm)
			}
		case repositories.DuplexAudio:
			if speaking {
				agentAudio = append(agentAudio, ev.Audio...)
			}
		}
	}
	if s.stale(gen) {
		return
	}
	s.redial(gen)
}

func (s *Session) finishAgentSpeech(gen uint64, pcm []byte) {
	if len(pcm) > 0 {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		err := s.player.Play(ctx, pcm, repositories.PlayOptions{
			OnDone: func() { s.resumeAfterAgentSpeech(gen) },
		})
		if err == nil {
			return
		}
		s.logger.Error("agent audio playback failed", zap.Error(err))
	}
	s.resumeAfterAgentSpeech(gen)
}

func (s *Session) resumeAfterAgentSpeech(gen uint64) {
	if s.stale(gen) {
		return
	}
	// Resume failure means the device was reclaimed; log-only per the
	// capture contract.
	if err := s.capture.Resume(); err != nil {
		s.logger.Warn("resuming capture after agent speech", zap.Error(err))
	}
	s.setState(StateListening)
}

// redial re-opens the duplex transport after an unexpected drop. Dial failure
// here is terminal: the dialer has already exhausted its retry budget.
func (s *Session) redial(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Warn("duplex transport dropped, reconnecting")
	if _, err := s.capture.Stop(); err != nil {
		s.logger.Warn("stopping capture for reconnect", zap.Error(err))
	}
	s.mu.Lock()
	s.capturing = false
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.setState(StateError)
		s.emitError(err)
		return
	}
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.duplexConn = conn
	s.mu.Unlock()

	if err := s.startDuplex(); err != nil {
		s.setState(StateError)
		s.emitError(err)
	}
}

// --- shared plumbing -------------------------------------------------------

func (s *Session) bumpGenerationLocked() uint64 {
	s.generation++
	return s.generation
}

func (s *Session) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || gen != s.generation
}

func (s *Session) setState(to SessionState) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	listeners := s.snapshotLocked()
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnStateChange(from, to)
	}
}

func (s *Session) snapshotLocked() []Listener {
	return append([]Listener(nil), s.listeners...)
}

func (s *Session) emitAssistantMessage(text string) {
	s.mu.Lock()
	listeners := s.snapshotLocked()
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnAssistantMessage(text)
	}
}

func (s *Session) emitTranscript(text string) {
	s.mu.Lock()
	listeners := s.snapshotLocked()
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnTranscript(text)
	}
}

func (s *Session) emitAction(directive entities.ActionDirective) {
	s.mu.Lock()
	listeners := s.snapshotLocked()
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnAction(directive)
	}
}

func (s *Session) emitError(err error) {
	s.mu.Lock()
	listeners := s.snapshotLocked()
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnSessionError(err)
	}
}

// persistTurns records both sides of one completed turn, fire-and-forget.
func (s *Session) persistTurns(reply *entities.AgentReply) {
	if s.transcripts == nil {
		return
	}
	var turns []entities.Turn
	if reply.Transcript != "" {
		turns = append(turns, entities.NewTurn(entities.TurnRoleUser, reply.Transcript))
	}
	if reply.Response != "" {
		assistant := entities.NewTurn(entities.TurnRoleAssistant, reply.Response)
		assistant.Action = reply.Action
		turns = append(turns, assistant)
	}
	if len(turns) == 0 {
		return
	}
	sessionID := s.SessionID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		for _, turn := range turns {
			if err := s.transcripts.SaveTurn(ctx, sessionID, turn); err != nil {
				s.logger.Warn("saving transcript turn", zap.Error(err))
				return
			}
		}
	}()
}

func (s *Session) persistTurn(turn entities.Turn) {
	if s.transcripts == nil || turn.Content == "" {
		return
	}
	sessionID := s.SessionID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.transcripts.SaveTurn(ctx, sessionID, turn); err != nil {
			s.logger.Warn("saving transcript turn", zap.Error(err))
		}
	}()
}

func dropKeys(data map[string]string, allowed map[string]struct{}, logger *zap.Logger) {
	for k := range data {
		if _, ok := allowed[k]; !ok {
			delete(data, k)
			logger.Warn("dropped data key not allowed on screen", zap.String("key", k))
		}
	}
}
