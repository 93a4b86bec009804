package orchestration

import (
	"context"
	"fmt"

	"github.com/opsvoice/voice-core/core/turnstream"
)

// StartDebate requests a debate plan for the topic and leaves the session
// ready to run. No turns are generated yet.
func (o *Orchestrator) StartDebate(ctx context.Context, topic string, opts ...DebateOption) error {
	if o.generator == nil {
		return fmt.Errorf("no turn generator configured")
	}
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("a session is already running")
	}
	defer o.running.Store(false)

	options := DebateOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	o.cancelled.Store(false)
	o.mu.Lock()
	o.session = Session{Mode: ModeDebate, Phase: PhaseSetup, Topic: topic}
	o.mu.Unlock()
	o.notifySession()

	plan, err := o.generator.StartDebate(ctx, turnstream.PlanRequest{
		Topic:    topic,
		NumTurns: options.NumTurns,
		VoiceA:   options.VoiceA,
		VoiceB:   options.VoiceB,
		Style:    options.Style,
	})
	if err != nil {
		err = fmt.Errorf("planning debate: %w", err)
		o.failSession(err)
		return err
	}

	o.mu.Lock()
	o.session.SessionID = plan.SessionID
	if plan.Topic != "" {
		o.session.Topic = plan.Topic
	}
	agentA, agentB := plan.AgentA, plan.AgentB
	o.session.AgentA = &agentA
	o.session.AgentB = &agentB
	o.session.TotalTurns = plan.NumTurns
	o.session.Phase = PhaseReady
	o.mu.Unlock()
	o.notifySession()

	return nil
}

// Run generates and voices the planned debate turns in order, blocking until
// the session completes, fails or is stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.session.Mode != ModeDebate || o.session.Phase != PhaseReady {
		phase := o.session.Phase
		o.mu.Unlock()
		return fmt.Errorf("cannot run debate from phase %s", phase)
	}
	total := o.session.TotalTurns
	o.mu.Unlock()

	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("a session is already running")
	}
	defer o.running.Store(false)

	o.cancelled.Store(false)
	o.setPhase(PhaseRunning)

	return o.runTurns(ctx, ModeDebate, 1, total, "")
}

// Replay re-runs the settled debate from the first turn, reusing the existing
// plan: same session, same agents, no new plan request.
func (o *Orchestrator) Replay(ctx context.Context) error {
	o.mu.Lock()
	if o.session.Mode != ModeDebate || o.session.SessionID == "" {
		o.mu.Unlock()
		return fmt.Errorf("no debate to replay")
	}
	if o.session.Phase != PhaseComplete && o.session.Phase != PhaseError {
		phase := o.session.Phase
		o.mu.Unlock()
		return fmt.Errorf("cannot replay from phase %s", phase)
	}
	total := o.session.TotalTurns
	o.mu.Unlock()

	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("a session is already running")
	}
	defer o.running.Store(false)

	o.cancelled.Store(false)
	o.mu.Lock()
	o.session.Turns = nil
	o.session.CurrentTurnIndex = 0
	o.session.ErrorMessage = ""
	o.session.Phase = PhaseRunning
	o.mu.Unlock()
	o.notifySession()

	return o.runTurns(ctx, ModeDebate, 1, total, "")
}
