package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Orchestrator sequences generate-then-speak turns for chat and debate
// sessions. One run is in flight at a time; all turn work happens on the
// goroutine that called into the orchestrator, with Stop as the only
// cross-goroutine control.
type Orchestrator struct {
	generator  TurnGenerator
	player     SpeechPlayer
	voiceInput VoiceInput

	onSessionUpdated func(session Session)
	onTurnUpdated    func(turn TurnDisplay)
	onActiveAgent    func(agent string)
	onError          func(err error)

	mu      sync.Mutex
	session Session

	// cancelled is the cooperative stop flag checked between a turn's
	// generation and playback stages and between turns.
	cancelled atomic.Bool
	running   atomic.Bool
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	orchestrator := &Orchestrator{
		session: Session{Phase: PhaseIdle},
	}

	for _, opt := range opts {
		opt(orchestrator)
	}

	return orchestrator
}

// Snapshot returns a deep copy of the session state, safe to hold while the
// turn loop keeps mutating the original.
func (o *Orchestrator) Snapshot() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.clone()
}

// Stop ends the active run. Playback is torn down immediately, in-flight
// placeholders are marked stopped, and the session settles as complete with
// whatever turns already arrived. Safe to call from any goroutine and
// idempotent.
func (o *Orchestrator) Stop() {
	o.cancelled.Store(true)
	if o.player != nil {
		o.player.Stop()
	}

	var interrupted []TurnDisplay
	o.mu.Lock()
	for i := range o.session.Turns {
		turn := &o.session.Turns[i]
		if turn.Thinking || turn.IsPlaying {
			turn.Thinking = false
			turn.IsPlaying = false
			turn.Stopped = true
			interrupted = append(interrupted, *turn)
		}
	}
	phaseChanged := false
	switch o.session.Phase {
	case PhaseSetup, PhaseReady, PhaseRunning:
		o.session.Phase = PhaseComplete
		phaseChanged = true
	}
	o.mu.Unlock()

	for _, turn := range interrupted {
		o.notifyTurn(turn)
	}
	o.setActiveAgent("")
	if phaseChanged {
		o.notifySession()
	}
}

// Close stops any active run and releases the voice input.
func (o *Orchestrator) Close() {
	o.Stop()
	if o.voiceInput != nil {
		o.voiceInput.Close()
	}
}

// VoiceCaptureSupported reports whether voice-driven input is available.
func (o *Orchestrator) VoiceCaptureSupported() bool {
	return o.voiceInput != nil && o.voiceInput.Supported()
}

// StartVoiceCapture begins a capture session for voice-driven chat input.
// Audible playback is stopped first so the microphone does not pick up the
// assistant's own speech.
func (o *Orchestrator) StartVoiceCapture(ctx context.Context) error {
	if !o.VoiceCaptureSupported() {
		return fmt.Errorf("voice capture is not supported")
	}

	if o.player != nil {
		o.player.Stop()
	}

	if err := o.voiceInput.Start(ctx); err != nil {
		return fmt.Errorf("starting voice capture: %w", err)
	}
	return nil
}

// StopVoiceCapture requests a graceful end of the capture session. The final
// transcript still arrives through the voice input's own callbacks.
func (o *Orchestrator) StopVoiceCapture() error {
	if o.voiceInput == nil {
		return nil
	}
	return o.voiceInput.Stop()
}

func (o *Orchestrator) notifySession() {
	if o.onSessionUpdated == nil {
		return
	}

	o.mu.Lock()
	session := o.session.clone()
	o.mu.Unlock()
	o.onSessionUpdated(session)
}

func (o *Orchestrator) notifyTurn(turn TurnDisplay) {
	if o.onTurnUpdated != nil {
		o.onTurnUpdated(turn)
	}
}

func (o *Orchestrator) setActiveAgent(agent string) {
	if o.onActiveAgent != nil {
		o.onActiveAgent(agent)
	}
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	o.session.Phase = phase
	o.mu.Unlock()
	o.notifySession()
}

func (o *Orchestrator) failSession(err error) {
	o.mu.Lock()
	o.session.Phase = PhaseError
	o.session.ErrorMessage = err.Error()
	o.mu.Unlock()
	o.notifySession()

	if o.onError != nil {
		o.onError(err)
	}
}

func (o *Orchestrator) appendTurn(turn TurnDisplay) int {
	o.mu.Lock()
	o.session.Turns = append(o.session.Turns, turn)
	index := len(o.session.Turns) - 1
	o.mu.Unlock()
	o.notifyTurn(turn)
	return index
}

func (o *Orchestrator) updateTurn(index int, apply func(turn *TurnDisplay)) {
	o.mu.Lock()
	if index < 0 || index >= len(o.session.Turns) {
		o.mu.Unlock()
		return
	}
	apply(&o.session.Turns[index])
	updated := o.session.Turns[index]
	o.mu.Unlock()
	o.notifyTurn(updated)
}
