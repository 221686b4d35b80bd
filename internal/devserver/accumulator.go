package devserver

import (
	"sync"
	"time"

	"github.com/vneid-labs/voicekit/adapters/audio"
)

const (
	defaultChunkSilenceDb = -40.0
	defaultMaxBuffered    = 60 * time.Second
	chunkWindow           = 2 * time.Second
)

// chunkAccumulator collects fixed audio windows per session until the
// utterance looks complete. A window whose level sits at or below the silence
// threshold after speech has been heard ends the utterance; leading silence
// windows are buffered but never end anything.
type chunkAccumulator struct {
	mu       sync.Mutex
	sessions map[string]*sessionBuffer

	silenceDb   float64
	maxBuffered time.Duration
}

type sessionBuffer struct {
	audio     []byte
	hasSpoken bool
	buffered  time.Duration
}

func newChunkAccumulator() *chunkAccumulator {
	return &chunkAccumulator{
		sessions:    make(map[string]*sessionBuffer),
		silenceDb:   defaultChunkSilenceDb,
		maxBuffered: defaultMaxBuffered,
	}
}

// Add appends one window to the session's buffer. complete reports whether
// the buffered audio now forms a finished utterance; when true the buffer is
// returned and the session reset for the next utterance.
func (a *chunkAccumulator) Add(sessionID string, window []byte) (utterance []byte, complete bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.sessions[sessionID]
	if buf == nil {
		buf = &sessionBuffer{}
		a.sessions[sessionID] = buf
	}

	buf.audio = append(buf.audio, window...)
	buf.buffered += chunkWindow

	level := audio.LevelDb(window)
	if level > a.silenceDb {
		buf.hasSpoken = true
		if buf.buffered < a.maxBuffered {
			return nil, false
		}
	} else if !buf.hasSpoken {
		// leading silence, keep waiting
		if buf.buffered < a.maxBuffered {
			return nil, false
		}
	}

	if !buf.hasSpoken {
		// nothing but silence, drop it
		delete(a.sessions, sessionID)
		return nil, false
	}

	utterance = buf.audio
	delete(a.sessions, sessionID)
	return utterance, true
}

// Reset drops all buffered sessions.
func (a *chunkAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = make(map[string]*sessionBuffer)
}
