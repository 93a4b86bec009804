package orchestration

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsvoice/voice-core/core/playback"
	"github.com/opsvoice/voice-core/core/turnstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// runTurns drives the strict generate-then-speak loop over the given turn
// range. Each turn is fully generated and fully spoken before the next one
// starts; Stop is honored between the stages of a turn and between turns.
func (o *Orchestrator) runTurns(ctx context.Context, mode Mode, first, last int, message string) error {
	for turnNumber := first; turnNumber <= last; turnNumber++ {
		if o.cancelled.Load() || ctx.Err() != nil {
			break
		}

		if err := o.runTurn(ctx, mode, turnNumber, message); err != nil {
			if o.cancelled.Load() || ctx.Err() != nil {
				break
			}
			o.failSession(err)
			return err
		}
	}

	o.mu.Lock()
	completed := o.session.Phase == PhaseRunning
	if completed {
		o.session.Phase = PhaseComplete
	}
	o.mu.Unlock()
	if completed {
		o.notifySession()
	}

	return nil
}

func (o *Orchestrator) runTurn(ctx context.Context, mode Mode, turnNumber int, message string) error {
	ctx, span := tracer.Start(ctx, "run turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.mode", string(mode)),
		attribute.Int("turn.number", turnNumber),
	)

	agent, agentName, voice := o.partyForTurn(mode, turnNumber)
	o.setActiveAgent(agent)
	defer o.setActiveAgent("")

	index := o.appendTurn(TurnDisplay{
		Turn:      turnNumber,
		Agent:     agent,
		AgentName: agentName,
		Voice:     voice,
		Thinking:  true,
	})

	var generationErr error
	onEvent := func(event turnstream.TurnEvent) {
		switch event.Kind {
		case turnstream.EventText:
			o.mu.Lock()
			turn := &o.session.Turns[index]
			turn.Thinking = false
			turn.Text = event.Text
			turn.Model = event.Model
			turn.InputTokens = event.InputTokens
			turn.OutputTokens = event.OutputTokens
			turn.LatencyMs = event.LatencyMs
			if event.AgentName != "" {
				turn.AgentName = event.AgentName
			}
			if event.Voice != "" {
				turn.Voice = event.Voice
			}
			if event.TTSSpeed != 0 {
				turn.TTSSpeed = event.TTSSpeed
			}
			if event.TTSPitch != 0 {
				turn.TTSPitch = event.TTSPitch
			}
			if turnNumber > o.session.CurrentTurnIndex {
				o.session.CurrentTurnIndex = turnNumber
			}
			if event.ConversationID != "" {
				o.session.ConversationID = event.ConversationID
			}
			updated := *turn
			o.mu.Unlock()
			o.notifyTurn(updated)

		case turnstream.EventError:
			detail := event.Message
			if detail == "" {
				detail = "turn generation failed"
			}
			generationErr = fmt.Errorf("%s", detail)
		}
	}

	var err error
	switch mode {
	case ModeChat:
		o.mu.Lock()
		conversationID := o.session.ConversationID
		o.mu.Unlock()
		err = o.generator.StreamChatTurn(ctx, conversationID, message, onEvent)
	default:
		o.mu.Lock()
		sessionID := o.session.SessionID
		o.mu.Unlock()
		err = o.generator.StreamDebateTurn(ctx, sessionID, turnNumber, onEvent)
	}
	if err != nil {
		err = fmt.Errorf("generating turn %d: %w", turnNumber, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if generationErr != nil {
		return fmt.Errorf("turn %d: %w", turnNumber, generationErr)
	}

	if o.cancelled.Load() {
		return nil
	}

	o.mu.Lock()
	turn := o.session.Turns[index]
	o.mu.Unlock()

	// An empty turn has nothing to speak; it still counts as taken.
	if strings.TrimSpace(turn.Text) == "" {
		return nil
	}

	if o.player == nil {
		return nil
	}

	o.updateTurn(index, func(t *TurnDisplay) { t.IsPlaying = true })

	ended := make(chan struct{})
	if _, err := o.player.Play(ctx, playback.Request{
		Text:    turn.Text,
		VoiceID: turn.Voice,
		Speed:   turn.TTSSpeed,
		Pitch:   turn.TTSPitch,
		OnEnded: func() { close(ended) },
	}); err != nil {
		o.updateTurn(index, func(t *TurnDisplay) { t.IsPlaying = false })
		logger.Warn("skipping audio for turn", "turn", turnNumber, "error", err)
		return nil
	}

	select {
	case <-ended:
	case <-ctx.Done():
	}

	o.updateTurn(index, func(t *TurnDisplay) { t.IsPlaying = false })

	return nil
}

// partyForTurn attributes a turn before any event arrives: odd debate turns
// belong to agent A, even ones to agent B, chat turns to the assistant.
func (o *Orchestrator) partyForTurn(mode Mode, turnNumber int) (agent, agentName, voice string) {
	if mode == ModeChat {
		return "assistant", "Assistant", ""
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if turnNumber%2 == 1 {
		if o.session.AgentA != nil {
			return "a", o.session.AgentA.Name, o.session.AgentA.Voice
		}
		return "a", "", ""
	}
	if o.session.AgentB != nil {
		return "b", o.session.AgentB.Name, o.session.AgentB.Voice
	}
	return "b", "", ""
}
