package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

// --- fakes -----------------------------------------------------------------

type fakeCapture struct {
	mu       sync.Mutex
	samples  chan entities.AmplitudeSample
	frames   chan []byte
	active   bool
	starts   int
	stops    int
	pauses   int
	resumes  int
	startErr error
	utt      *entities.Utterance
}

func (f *fakeCapture) Start(ctx context.Context, opts repositories.CaptureOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.active {
		return entities.ErrDeviceBusy
	}
	f.active = true
	f.starts++
	f.samples = make(chan entities.AmplitudeSample)
	f.frames = make(chan []byte, 16)
	return nil
}

func (f *fakeCapture) Samples() <-chan entities.AmplitudeSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples
}

func (f *fakeCapture) Frames() <-chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *fakeCapture) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakeCapture) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return nil
}

func (f *fakeCapture) Stop() (*entities.Utterance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		f.active = false
		f.stops++
		close(f.samples)
		close(f.frames)
	}
	if f.utt != nil {
		return f.utt, nil
	}
	return &entities.Utterance{Audio: []byte("pcm16"), MIMEType: "audio/wav"}, nil
}

func (f *fakeCapture) feed(s entities.AmplitudeSample) {
	f.mu.Lock()
	ch := f.samples
	f.mu.Unlock()
	ch <- s
}

func (f *fakeCapture) feedFrame(b []byte) {
	f.mu.Lock()
	ch := f.frames
	f.mu.Unlock()
	ch <- b
}

func (f *fakeCapture) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakePlayer struct {
	mu      sync.Mutex
	plays   [][]byte
	opts    []repositories.PlayOptions
	stops   int
	playErr error
	played  chan struct{}
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{played: make(chan struct{}, 8)}
}

func (f *fakePlayer) Play(ctx context.Context, pcm []byte, opts repositories.PlayOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.plays = append(f.plays, pcm)
	f.opts = append(f.opts, opts)
	f.played <- struct{}{}
	if opts.OnStart != nil {
		opts.OnStart()
	}
	return nil
}

func (f *fakePlayer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakePlayer) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakePlayer) finish(i int) {
	f.mu.Lock()
	done := f.opts[i].OnDone
	f.mu.Unlock()
	done()
}

type fakeGateway struct {
	mu      sync.Mutex
	resets  int
	healths int
	reply   *entities.AgentReply
	err     error
	block   chan struct{} // when set, SendUtterance/SendText wait on it
	sent    chan struct{}
	texts   []string
	voices  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sent: make(chan struct{}, 8)}
}

func (f *fakeGateway) SendUtterance(ctx context.Context, utt *entities.Utterance, user entities.UserContext, screen entities.ScreenContext) (*entities.AgentReply, error) {
	f.mu.Lock()
	f.voices++
	block := f.block
	reply, err := f.reply, f.err
	f.mu.Unlock()
	f.sent <- struct{}{}
	if block != nil {
		<-block
	}
	return reply, err
}

func (f *fakeGateway) SendText(ctx context.Context, text string, user entities.UserContext, screen entities.ScreenContext) (*entities.AgentReply, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	block := f.block
	reply, err := f.reply, f.err
	f.mu.Unlock()
	f.sent <- struct{}{}
	if block != nil {
		<-block
	}
	return reply, err
}

func (f *fakeGateway) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healths++
	return nil
}

func (f *fakeGateway) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

type chunkResult struct {
	reply *entities.AgentReply
	ok    bool
	err   error
}

type fakeChunkGateway struct {
	mu      sync.Mutex
	results []chunkResult
	calls   int
	called  chan struct{}
	gate    chan struct{} // when set, SendChunk blocks on it after signalling
}

func (f *fakeChunkGateway) SendChunk(ctx context.Context, sessionID string, chunk *entities.Utterance, user entities.UserContext, screen entities.ScreenContext) (*entities.AgentReply, bool, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	f.called <- struct{}{}
	if gate != nil {
		<-gate
	}
	if i >= len(f.results) {
		return nil, false, nil
	}
	r := f.results[i]
	return r.reply, r.ok, r.err
}

func (f *fakeChunkGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDuplexConn struct {
	mu     sync.Mutex
	events chan repositories.DuplexEvent
	frames [][]byte
	ctxs   int
	closes int
}

func newFakeDuplexConn() *fakeDuplexConn {
	return &fakeDuplexConn{events: make(chan repositories.DuplexEvent, 16)}
}

func (f *fakeDuplexConn) SendAudio(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeDuplexConn) SendContext(user entities.UserContext, screen entities.ScreenContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxs++
	return nil
}

func (f *fakeDuplexConn) Events() <-chan repositories.DuplexEvent { return f.events }

func (f *fakeDuplexConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeDuplexConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeDuplexConn) contextCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctxs
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeDuplexConn
}

func (f *fakeDialer) Dial(ctx context.Context) (repositories.DuplexConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := newFakeDuplexConn()
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeDialer) conn(i int) *fakeDuplexConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type fakeContexts struct {
	screen entities.ScreenContext
}

func (f *fakeContexts) UserContext() entities.UserContext { return entities.UserContext{"user_id": "42"} }
func (f *fakeContexts) ScreenContext() entities.ScreenContext { return f.screen }

type fakeActions struct {
	mu         sync.Mutex
	directives []entities.ActionDirective
}

func (f *fakeActions) HandleAction(d entities.ActionDirective) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directives = append(f.directives, d)
}

func (f *fakeActions) all() []entities.ActionDirective {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entities.ActionDirective(nil), f.directives...)
}

type recListener struct {
	states      chan SessionState
	messages    chan string
	transcripts chan string
	actions     chan entities.ActionDirective
	errs        chan error
}

func newRecListener() *recListener {
	return &recListener{
		states:      make(chan SessionState, 64),
		messages:    make(chan string, 64),
		transcripts: make(chan string, 64),
		actions:     make(chan entities.ActionDirective, 64),
		errs:        make(chan error, 64),
	}
}

func (l *recListener) OnStateChange(from, to SessionState)   { l.states <- to }
func (l *recListener) OnAssistantMessage(text string)        { l.messages <- text }
func (l *recListener) OnTranscript(text string)              { l.transcripts <- text }
func (l *recListener) OnAction(d entities.ActionDirective)   { l.actions <- d }
func (l *recListener) OnSessionError(err error)              { l.errs <- err }

func waitState(t *testing.T, l *recListener, want SessionState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-l.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitString(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle yields long enough for the session's synchronous post-event work
// (like arming the resume timer) to finish before the mock clock advances.
func settle() { time.Sleep(20 * time.Millisecond) }

type sessionHarness struct {
	session  *Session
	capture  *fakeCapture
	player   *fakePlayer
	gateway  *fakeGateway
	chunks   *fakeChunkGateway
	actions  *fakeActions
	listener *recListener
	clock    *clock.Mock
}

func newHarness(t *testing.T, mode Mode, cfg SessionConfig) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		capture:  &fakeCapture{},
		player:   newFakePlayer(),
		gateway:  newFakeGateway(),
		chunks:   &fakeChunkGateway{called: make(chan struct{}, 8)},
		actions:  &fakeActions{},
		listener: newRecListener(),
		clock:    clock.NewMock(),
	}
	session, err := NewSession(mode, cfg, Deps{
		Capture: h.capture,
		Player:  h.player,
		Gateway: h.gateway,
		Chunks:  h.chunks,
		Context: &fakeContexts{screen: entities.ScreenContext{
			ScreenName:   "lltp_form",
			FieldsToFill: []entities.FieldSpec{{Key: "full_name"}, {Key: "birth_date"}},
		}},
		Actions: h.actions,
		Clock:   h.clock,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	session.Subscribe(h.listener)
	h.session = session
	return h
}

// feedUtterance drives one spoken utterance through the sample pump: speech
// from 100–600ms, then silence until the endpointer fires at 1500ms.
func (h *sessionHarness) feedUtterance() {
	base := h.clock.Now()
	for i := 1; i <= 15; i++ {
		level := -15.0
		if i > 6 {
			level = -55.0
		}
		h.capture.feed(entities.AmplitudeSample{
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			LevelDb:   level,
		})
	}
}

// --- tests -----------------------------------------------------------------

func TestSessionHappyPathTurn(t *testing.T) {
	h := newHarness(t, ModeRequestResponse, SessionConfig{Greeting: "Chào bạn!"})
	step := 2
	h.gateway.reply = &entities.AgentReply{
		Transcript: "tôi muốn làm lý lịch tư pháp",
		Response:   "Được, tôi sẽ mở biểu mẫu.",
		Audio:      []byte("tts-pcm"),
		Action:     entities.ActionSetStep,
		Step:       &step,
		Data:       map[string]string{"full_name": "Nguyễn Văn A", "password": "leak"},
	}

	if err := h.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := waitString(t, h.listener.messages, "greeting"); got != "Chào bạn!" {
		t.Fatalf("greeting = %q", got)
	}
	waitState(t, h.listener, StateListening)

	h.feedUtterance()
	waitState(t, h.listener, StateSending)
	waitSignal(t, h.gateway.sent, "voice send")
	waitState(t, h.listener, StateSpeaking)

	// Action applied, with the non-whitelisted key dropped.
	directives := h.actions.all()
	if len(directives) != 1 {
		t.Fatalf("got %d directives, want 1", len(directives))
	}
	if directives[0].Action != entities.ActionSetStep || *directives[0].Step != 2 {
		t.Errorf("directive = %+v", directives[0])
	}
	if _, leaked := directives[0].Data["password"]; leaked {
		t.Error("non-whitelisted data key reached the action handler")
	}
	if _, kept := directives[0].Data["full_name"]; !kept {
		t.Error("whitelisted data key was dropped")
	}

	if got := waitString(t, h.listener.transcripts, "transcript"); got != "tôi muốn làm lý lịch tư pháp" {
		t.Errorf("transcript = %q", got)
	}
	if got := waitString(t, h.listener.messages, "assistant message"); got != "Được, tôi sẽ mở biểu mẫu." {
		t.Errorf("assistant message = %q", got)
	}
	if h.player.playCount() != 1 {
		t.Fatalf("playCount = %d, want 1", h.player.playCount())
	}

	// Playback completion re-enters Listening after the resume delay.
	h.player.finish(0)
	settle()
	h.clock.Add(300 * time.Millisecond)
	waitState(t, h.listener, StateListening)

	starts, stops := h.capture.counts()
	if starts != 2 || stops != 1 {
		t.Errorf("capture starts/stops = %d/%d, want 2/1", starts, stops)
	}
	if h.gateway.resets != 1 || h.gateway.healths != 1 {
		t.Errorf("resets/healths = %d/%d, want 1/1", h.gateway.resets, h.gateway.healths)
	}
}

func TestSessionFailedTurnRecovers(t *testing.T) {
	h := newHarness(t, ModeRequestResponse, SessionConfig{})
	h.gateway.err = entities.NewBackendError("process_voice", "boom", errors.New("status 500"))

	if err := h.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, h.listener, StateListening)
	h.feedUtterance()
	waitState(t, h.listener, StateError)

	select {
	case err := <-h.listener.errs:
		if !entities.IsBackendError(err) {
			t.Errorf("session error = %v, want BackendError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session error emitted")
	}
	if got := waitString(t, h.listener.messages, "fallback message"); got == "" {
		t.Error("empty fallback message")
	}
	if h.player.playCount() != 0 {
		t.Errorf("playback attempted on a failed turn")
	}

	settle()
	h.clock.Add(500 * time.Millisecond)
	waitState(t, h.listener, StateListening)
}

func TestSessionCloseDiscardsInFlightReply(t *testing.T) {
	h := newHarness(t, ModeRequestResponse, SessionConfig{})
	h.gateway.reply = &entities.AgentReply{
		Response: "quá muộn",
		Audio:    []byte("tts"),
		Action:   entities.ActionNavigateHome,
	}
	h.gateway.block = make(chan struct{})

	if err := h.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, h.listener, StateListening)
	h.feedUtterance()
	waitSignal(t, h.gateway.sent, "voice send")
	waitState(t, h.listener, StateSending)

	h.session.Close()
	waitState(t, h.listener, StateIdle)
	close(h.gateway.block) // the reply resolves after close
	settle()

	if got := h.actions.all(); len(got) != 0 {
		t.Errorf("stale reply applied %d directives", len(got))
	}
	if h.player.playCount() != 0 {
		t.Error("stale reply triggered playback")
	}
	if got := h.session.State(); got != StateIdle {
		t.Errorf("state = %s after close, want idle", got)
	}
}

func TestSessionTextTurn(t *testing.T) {
	h := newHarness(t, ModeRequestResponse, SessionConfig{})
	h.gateway.reply = &entities.AgentReply{Response: "Đã rõ."}

	if err := h.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, h.listener, StateListening)

	if err := h.session.HandleText("về trang chủ"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	waitState(t, h.listener, StateSending)
	waitSignal(t, h.gateway.sent, "text send")
	if got := waitString(t, h.listener.transcripts, "echoed text"); got != "về trang chủ" {
		t.Errorf("transcript = %q", got)
	}
	if got := waitString(t, h.listener.messages, "reply"); got != "Đã rõ." {
		t.Errorf("reply = %q", got)
	}

	// A second text turn while the session is mid-turn must be refused.
	if err := h.session.HandleText("nữa"); err == nil {
		t.Error("HandleText accepted while not listening")
	}
}

func TestSessionChunkedOnlyFlaggedChunkSurfaces(t *testing.T) {
	h := newHarness(t, ModeChunked, SessionConfig{})
	h.chunks.results = []chunkResult{
		{ok: false},
		{ok: false},
		{ok: true, reply: &entities.AgentReply{
			Transcript: "xin chào",
			Response:   "Chào bạn, tôi giúp gì được?",
		}},
	}

	if err := h.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, h.listener, StateListening)

	for i := 0; i < 3; i++ {
		h.capture.feedFrame([]byte("frame"))
		settle()
		h.clock.Add(2 * time.Second)
		waitSignal(t, h.chunks.called, "chunk send")
		settle()
		if i < 2 {
			select {
			case tr := <-h.listener.transcripts:
				t.Fatalf("silent chunk %d surfaced transcript %q", i, tr)
			default:
			}
		}
	}

	if got := waitString(t, h.listener.transcripts, "transcript"); got != "xin chào" {
		t.Errorf("transcript = %q", got)
	}
	if got := waitString(t, h.listener.messages, "reply"); got != "Chào bạn, tôi giúp gì được?" {
		t.Errorf("reply = %q", got)
	}
	if h.chunks.callCount() != 3 {
		t.Errorf("chunk sends = %d, want 3", h.chunks.callCount())
	}
}

func TestSessionChunkedDropsWindowWhileSendInFlight(t *testing.T) {
	h := newHarness(t, ModeChunked, SessionConfig{})
	h.chunks.gate = make(chan struct{})
	h.chunks.results = []chunkResult{{ok: false}, {ok: false}}

	if err := h.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, h.listener, StateListening)

	h.capture.feedFrame([]byte("one"))
	settle()
	h.clock.Add(2 * time.Second)
	waitSignal(t, h.chunks.called, "first chunk send")

	// A second window becomes ready while the first send is still blocked:
	// it must be dropped, not queued.
	h.capture.feedFrame([]byte("two"))
	settle()
	h.clock.Add(2 * time.Second)
	settle()
	close(h.chunks.gate)
	settle()

	if got := h.chunks.callCount(); got != 1 {
		t.Errorf("chunk sends = %d, want 1 (second window dropped)", got)
	}
}

// --- duplex mode -----------------------------------------------------------

type duplexHarness struct {
	session  *Session
	capture  *fakeCapture
	player   *fakePlayer
	dialer   *fakeDialer
	actions  *fakeActions
	listener *recListener
}

// newDuplexHarness wires a duplex session the way the client binary does:
// dialer only, no request gateway.
func newDuplexHarness(t *testing.T) *duplexHarness {
	t.Helper()
	h := &duplexHarness{
		capture:  &fakeCapture{},
		player:   newFakePlayer(),
		dialer:   &fakeDialer{},
		actions:  &fakeActions{},
		listener: newRecListener(),
	}
	session, err := NewSession(ModeDuplex, SessionConfig{}, Deps{
		Capture: h.capture,
		Player:  h.player,
		Dialer:  h.dialer,
		Context: &fakeContexts{screen: entities.ScreenContext{ScreenName: "lltp_form"}},
		Actions: h.actions,
		Clock:   clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	session.Subscribe(h.listener)
	h.session = session
	t.Cleanup(session.Close)
	return h
}

func TestSessionDuplexAgentSpeechPausesCapture(t *testing.T) {
	h := newDuplexHarness(t)
	if err := h.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, h.listener, StateListening)
	conn := h.dialer.conn(0)
	if conn.contextCount() != 1 {
		t.Errorf("contexts sent on open = %d, want 1", conn.contextCount())
	}

	// microphone frames flow out while listening
	h.capture.feedFrame([]byte("mic"))
	waitFor(t, "mic frame on the wire", func() bool { return conn.frameCount() == 1 })

	conn.events <- repositories.DuplexEvent{Kind: repositories.DuplexSpeaking, Speaking: true}
	waitState(t, h.listener, StateSpeaking)
	waitFor(t, "capture pause", func() bool {
		h.capture.mu.Lock()
		defer h.capture.mu.Unlock()
		return h.capture.pauses == 1
	})

	conn.events <- repositories.DuplexEvent{Kind: repositories.DuplexTranscript, Text: "xin chào"}
	conn.events <- repositories.DuplexEvent{Kind: repositories.DuplexAgentMessage, Text: "Chào bạn!"}
	conn.events <- repositories.DuplexEvent{Kind: repositories.DuplexAudio, Audio: []byte("aa")}
	conn.events <- repositories.DuplexEvent{Kind: repositories.DuplexAudio, Audio: []byte("bb")}
	conn.events <- repositories.DuplexEvent{Kind: repositories.DuplexSpeaking, Speaking: false}

	if got := waitString(t, h.listener.transcripts, "transcript"); got != "xin chào" {
		t.Errorf("transcript = %q", got)
	}
	if got := waitString(t, h.listener.messages, "agent message"); got != "Chào bạn!" {
		t.Errorf("agent message = %q", got)
	}

	// buffered agent audio plays as one payload once speaking clears
	waitSignal(t, h.player.played, "agent audio playback")
	h.player.mu.Lock()
	played := string(h.player.plays[0])
	h.player.mu.Unlock()
	if played != "aabb" {
		t.Errorf("played audio = %q, want %q", played, "aabb")
	}

	h.player.finish(0)
	waitState(t, h.listener, StateListening)
	waitFor(t, "capture resume", func() bool {
		h.capture.mu.Lock()
		defer h.capture.mu.Unlock()
		return h.capture.resumes == 1
	})
}

func TestSessionDuplexRefusesTextTurns(t *testing.T) {
	h := newDuplexHarness(t)
	if err := h.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, h.listener, StateListening)
	conn := h.dialer.conn(0)

	if err := h.session.HandleText("xin chào"); err == nil {
		t.Fatal("HandleText accepted on a duplex session")
	}

	// the refusal must not disturb the running pumps
	h.capture.feedFrame([]byte("mic"))
	waitFor(t, "mic frame after refused text turn", func() bool { return conn.frameCount() == 1 })
	conn.events <- repositories.DuplexEvent{Kind: repositories.DuplexAgentMessage, Text: "vẫn nghe đây"}
	if got := waitString(t, h.listener.messages, "agent message"); got != "vẫn nghe đây" {
		t.Errorf("agent message = %q", got)
	}
}

func TestSessionDuplexRedialsWhenEventsClose(t *testing.T) {
	h := newDuplexHarness(t)
	if err := h.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, h.listener, StateListening)

	close(h.dialer.conn(0).events)
	waitFor(t, "redial", func() bool { return h.dialer.dialCount() == 2 })
	second := h.dialer.conn(1)
	waitFor(t, "context on the new transport", func() bool { return second.contextCount() == 1 })

	// the replacement transport carries the microphone stream
	waitFor(t, "capture restart", func() bool {
		starts, _ := h.capture.counts()
		return starts == 2
	})
	h.capture.feedFrame([]byte("mic"))
	waitFor(t, "mic frame on the new transport", func() bool { return second.frameCount() == 1 })
}

func TestSessionMutualExclusionOfCaptureAndPlayback(t *testing.T) {
	h := newHarness(t, ModeRequestResponse, SessionConfig{})
	h.gateway.reply = &entities.AgentReply{Response: "ok", Audio: []byte("tts")}

	if err := h.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, h.listener, StateListening)
	h.feedUtterance()
	waitState(t, h.listener, StateSpeaking)

	// Capture was released before playback started.
	h.capture.mu.Lock()
	active := h.capture.active
	h.capture.mu.Unlock()
	if active {
		t.Fatal("capture still active while speaking")
	}

	// A listen attempt while playback is active must be a refused no-op.
	if err := h.session.startListening(); err != nil {
		t.Fatalf("startListening returned error: %v", err)
	}
	starts, _ := h.capture.counts()
	if starts != 1 {
		t.Errorf("capture starts = %d during playback, want 1", starts)
	}
}
