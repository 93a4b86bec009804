package playback

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateFetching  State = "fetching"
	StateBuffering State = "buffering"
	StatePlaying   State = "playing"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

// Session tracks one utterance from synthesis request to playback completion.
// Exactly one session is active per player; starting a new one tears the
// previous one down.
type Session struct {
	ID        string
	Text      string
	VoiceID   string
	StartedAt time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	onStarted func()
	onEnded   func()

	startedOnce sync.Once
	endedOnce   sync.Once
	done        chan struct{}
}

func newSession(req Request) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Text:      req.Text,
		VoiceID:   req.VoiceID,
		StartedAt: time.Now(),
		state:     StateFetching,
		onStarted: req.OnStarted,
		onEnded:   req.OnEnded,
		done:      make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has ended, whether through natural
// completion, explicit stop or failure.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded || s.state == StateFailed {
		return
	}
	s.state = state
}

// markStarted flips the session to playing and notifies the caller, at most
// once. A session already torn down stays ended.
func (s *Session) markStarted() {
	s.startedOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateEnded || s.state == StateFailed {
			s.mu.Unlock()
			return
		}
		s.state = StatePlaying
		s.mu.Unlock()

		if s.onStarted != nil {
			s.onStarted()
		}
	})
}

// finish settles the session in a terminal state. The ended notification fires
// exactly once no matter how many exit paths race here.
func (s *Session) finish(final State) {
	s.endedOnce.Do(func() {
		s.mu.Lock()
		s.state = final
		s.mu.Unlock()

		close(s.done)
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}

// teardown releases everything the session holds: the fetch is cancelled, the
// device buffer flushed and the ended notification fired.
func (s *Session) teardown(output *outputFacade) {
	if s.cancel != nil {
		s.cancel()
	}
	if output != nil {
		output.clear()
	}
	s.finish(StateEnded)
}
