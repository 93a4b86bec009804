package orchestration

import (
	"context"
	"fmt"
	"strings"
)

// SendChat generates and voices one assistant reply, blocking until the reply
// has been spoken, fails or is stopped. Conversation identity carries across
// calls: the first reply's events establish the conversation and later
// messages continue it. Starting a debate resets the conversation.
func (o *Orchestrator) SendChat(ctx context.Context, message string) error {
	if o.generator == nil {
		return fmt.Errorf("no turn generator configured")
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("cannot send an empty message")
	}
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("a session is already running")
	}
	defer o.running.Store(false)

	o.cancelled.Store(false)
	o.mu.Lock()
	if o.session.Mode != ModeChat {
		o.session = Session{Mode: ModeChat}
	}
	o.session.Phase = PhaseRunning
	o.session.ErrorMessage = ""
	o.session.TotalTurns++
	turnNumber := o.session.TotalTurns
	o.mu.Unlock()
	o.notifySession()

	return o.runTurns(ctx, ModeChat, turnNumber, turnNumber, message)
}
