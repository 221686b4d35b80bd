package supervisor

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

type nopConn struct{}

func (nopConn) SendAudio(frame []byte) error { return nil }
func (nopConn) SendContext(user entities.UserContext, screen entities.ScreenContext) error {
	return nil
}
func (nopConn) Events() <-chan repositories.DuplexEvent { return nil }
func (nopConn) Close() error                            { return nil }

func TestBackoffDelaySequence(t *testing.T) {
	base := 1000 * time.Millisecond
	ceiling := 10 * time.Second
	want := []time.Duration{
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
	}
	for attempt := 1; attempt <= 3; attempt++ {
		if got := backoffDelay(attempt, base, ceiling); got != want[attempt-1] {
			t.Errorf("backoffDelay(%d) = %v, want %v", attempt, got, want[attempt-1])
		}
	}
	if got := backoffDelay(4, base, ceiling); got != ceiling {
		t.Errorf("backoffDelay(4) = %v, want cap %v", got, ceiling)
	}
}

func TestDialExhaustsRetryBudget(t *testing.T) {
	mock := clock.NewMock()
	var mu sync.Mutex
	var attemptTimes []time.Time
	attempted := make(chan struct{}, 8)

	dial := func(ctx context.Context) (repositories.DuplexConn, error) {
		mu.Lock()
		attemptTimes = append(attemptTimes, mock.Now())
		mu.Unlock()
		attempted <- struct{}{}
		return nil, errors.New("connection refused")
	}
	sup := New(Config{MaxRetries: 3, BaseDelay: time.Second, Cap: 10 * time.Second}, dial, mock, nil)

	done := make(chan error, 1)
	go func() {
		_, err := sup.Dial(context.Background())
		done <- err
	}()

	waitAttempt := func() {
		t.Helper()
		select {
		case <-attempted:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dial attempt")
		}
	}

	waitAttempt() // initial attempt, no delay
	for _, step := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		time.Sleep(20 * time.Millisecond) // let the supervisor arm its wait
		mock.Add(step)
		waitAttempt()
	}

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dial did not return after exhausting retries")
	}
	var failure *entities.ConnectionFailure
	if !errors.As(err, &failure) {
		t.Fatalf("error %T is not a ConnectionFailure", err)
	}
	if failure.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", failure.Attempts)
	}
	if got := sup.State(); got != entities.ConnFailed {
		t.Errorf("state = %s, want failed", got)
	}

	// The waits between attempts are exactly the backoff sequence.
	mu.Lock()
	defer mu.Unlock()
	if len(attemptTimes) != 4 {
		t.Fatalf("attempts recorded = %d, want 4", len(attemptTimes))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := 1; i < len(attemptTimes); i++ {
		if got := attemptTimes[i].Sub(attemptTimes[i-1]); got != want[i-1] {
			t.Errorf("delay before attempt %d = %v, want %v", i, got, want[i-1])
		}
	}
}

func TestDialReconnectRestartsFromZero(t *testing.T) {
	mock := clock.NewMock()
	var mu sync.Mutex
	var states []entities.ConnectionState
	calls := 0

	dial := func(ctx context.Context) (repositories.DuplexConn, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nopConn{}, nil
	}
	sup := New(Config{}, dial, mock, nil)
	sup.OnStateChange(func(state entities.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	})

	if _, err := sup.Dial(context.Background()); err != nil {
		t.Fatalf("initial dial: %v", err)
	}
	if got := sup.State(); got != entities.ConnConnected {
		t.Fatalf("state = %s after connect", got)
	}

	// A second dial is a mid-session reconnect: it goes through the
	// reconnecting state and succeeds immediately, no backoff carried over.
	if _, err := sup.Dial(context.Background()); err != nil {
		t.Fatalf("reconnect dial: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("dial calls = %d, want 2", calls)
	}
	want := []entities.ConnectionState{
		entities.ConnConnecting,
		entities.ConnConnected,
		entities.ConnReconnecting,
		entities.ConnConnected,
	}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestDialCancelledDuringBackoff(t *testing.T) {
	mock := clock.NewMock()
	dial := func(ctx context.Context) (repositories.DuplexConn, error) {
		return nil, errors.New("refused")
	}
	sup := New(Config{}, dial, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sup.Dial(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // first attempt fails, backoff armed
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dial did not return after cancellation")
	}
	if got := sup.State(); got != entities.ConnDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}
