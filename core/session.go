package orchestration

import (
	"github.com/jinzhu/copier"
	"github.com/opsvoice/voice-core/core/turnstream"
)

type Mode string

const (
	ModeChat   Mode = "chat"
	ModeDebate Mode = "debate"
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseSetup    Phase = "setup"
	PhaseReady    Phase = "ready"
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// TurnDisplay is the presentation record of one turn, created as a thinking
// placeholder when generation starts and filled in as the text event arrives.
type TurnDisplay struct {
	Turn      int
	Agent     string
	AgentName string
	Text      string
	Model     string

	InputTokens  *int
	OutputTokens *int
	LatencyMs    *float64

	Voice    string
	TTSSpeed float64
	TTSPitch int

	// Thinking is true between turn start and the arrival of the text event.
	Thinking bool
	// IsPlaying is true while this turn's audio is audible.
	IsPlaying bool
	// Stopped marks a placeholder whose generation was cut short by Stop.
	Stopped bool
}

// Session is the orchestrator's full observable state. CurrentTurnIndex is the
// highest turn number whose text has arrived; after an early stop it stays
// where the run was interrupted.
type Session struct {
	Mode  Mode
	Phase Phase

	SessionID      string
	ConversationID string
	Topic          string

	AgentA *turnstream.AgentProfile
	AgentB *turnstream.AgentProfile

	TotalTurns       int
	CurrentTurnIndex int
	Turns            []TurnDisplay

	ErrorMessage string
}

// clone deep-copies the session so callers can hold snapshots without racing
// the turn loop.
func (s Session) clone() Session {
	var copied Session
	if err := copier.CopyWithOption(&copied, &s, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on invalid destinations; a shallow copy is still
		// better than nothing here.
		return s
	}
	return copied
}
