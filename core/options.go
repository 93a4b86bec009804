package orchestration

import (
	"context"

	"github.com/opsvoice/voice-core/core/playback"
	"github.com/opsvoice/voice-core/core/turnstream"
)

type OrchestratorOption func(*Orchestrator)

// TurnGenerator is the generation-service boundary: it plans debates and
// streams per-turn events.
type TurnGenerator interface {
	StartDebate(ctx context.Context, req turnstream.PlanRequest) (*turnstream.Plan, error)
	StreamDebateTurn(ctx context.Context, sessionID string, turnNumber int, onEvent func(turnstream.TurnEvent)) error
	StreamChatTurn(ctx context.Context, conversationID, message string, onEvent func(turnstream.TurnEvent)) error
}

func WithTurnGenerator(generator TurnGenerator) OrchestratorOption {
	return func(o *Orchestrator) {
		o.generator = generator
	}
}

// SpeechPlayer owns at most one audible utterance at a time. Play's request
// callbacks report when the utterance becomes audible and when it settles.
type SpeechPlayer interface {
	Play(ctx context.Context, req playback.Request) (*playback.Session, error)
	Stop()
}

func WithSpeechPlayer(player SpeechPlayer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.player = player
	}
}

// VoiceInput is the capture boundary for voice-driven chat input.
type VoiceInput interface {
	Supported() bool
	Start(ctx context.Context) error
	Stop() error
	Close()
}

func WithVoiceInput(input VoiceInput) OrchestratorOption {
	return func(o *Orchestrator) {
		o.voiceInput = input
	}
}

// WithSessionUpdatedCallback reports phase transitions and error state with a
// deep copy of the session.
func WithSessionUpdatedCallback(callback func(session Session)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onSessionUpdated = callback
	}
}

// WithTurnUpdatedCallback reports every visible change to a turn: the thinking
// placeholder, the arrival of text, playback start and end, and stop marks.
func WithTurnUpdatedCallback(callback func(turn TurnDisplay)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onTurnUpdated = callback
	}
}

// WithActiveAgentCallback reports which party is generating or speaking, empty
// between turns.
func WithActiveAgentCallback(callback func(agent string)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onActiveAgent = callback
	}
}

func WithErrorCallback(callback func(err error)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onError = callback
	}
}

// DebateOptions carry the optional knobs of a debate plan request.
type DebateOptions struct {
	NumTurns int
	VoiceA   string
	VoiceB   string
	Style    string
}

type DebateOption func(*DebateOptions)

func WithTurnCount(numTurns int) DebateOption {
	return func(o *DebateOptions) {
		o.NumTurns = numTurns
	}
}

func WithVoices(voiceA, voiceB string) DebateOption {
	return func(o *DebateOptions) {
		o.VoiceA = voiceA
		o.VoiceB = voiceB
	}
}

func WithStyle(style string) DebateOption {
	return func(o *DebateOptions) {
		o.Style = style
	}
}
