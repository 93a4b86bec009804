package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsvoice/voice-core/core/playback"
	"github.com/opsvoice/voice-core/core/turnstream"
)

func fourTurnPlan() *turnstream.Plan {
	return &turnstream.Plan{
		SessionID: "session-1",
		Topic:     "monolith vs microservices",
		AgentA:    turnstream.AgentProfile{Name: "The Pragmatist", Voice: "English_expressive_narrator"},
		AgentB:    turnstream.AgentProfile{Name: "The Visionary", Voice: "Deep_Voice_Man"},
		NumTurns:  4,
	}
}

func TestDebateRunsPlannedTurnsInStrictOrder(t *testing.T) {
	log := &eventLog{}
	generator := &scriptedGenerator{plan: fourTurnPlan(), log: log}
	player := &autoPlayer{log: log}

	var phases []Phase
	var phasesMu sync.Mutex
	orchestrator := NewOrchestrator(
		WithTurnGenerator(generator),
		WithSpeechPlayer(player),
		WithSessionUpdatedCallback(func(session Session) {
			phasesMu.Lock()
			defer phasesMu.Unlock()
			phases = append(phases, session.Phase)
		}),
	)

	if err := orchestrator.StartDebate(context.Background(), "monolith vs microservices"); err != nil {
		t.Fatalf("expected plan to succeed, got %v", err)
	}
	if err := orchestrator.Run(context.Background()); err != nil {
		t.Fatalf("expected run to succeed, got %v", err)
	}

	session := orchestrator.Snapshot()
	if session.Phase != PhaseComplete {
		t.Fatalf("expected session complete, got %s", session.Phase)
	}
	if session.CurrentTurnIndex != 4 || len(session.Turns) != 4 {
		t.Fatalf("expected 4 turns taken, got index %d with %d turns",
			session.CurrentTurnIndex, len(session.Turns))
	}

	for i, turn := range session.Turns {
		wantAgent := "a"
		wantVoice := "English_expressive_narrator"
		if (i+1)%2 == 0 {
			wantAgent = "b"
			wantVoice = "Deep_Voice_Man"
		}
		if turn.Agent != wantAgent {
			t.Fatalf("expected turn %d to belong to %s, got %s", i+1, wantAgent, turn.Agent)
		}
		if turn.Voice != wantVoice {
			t.Fatalf("expected turn %d voiced by %s, got %s", i+1, wantVoice, turn.Voice)
		}
		if turn.Thinking || turn.IsPlaying {
			t.Fatalf("expected turn %d settled, got %+v", i+1, turn)
		}
	}

	want := []string{"gen 1", "play 1", "gen 2", "play 2", "gen 3", "play 3", "gen 4", "play 4"}
	if got := log.entries(); !equalStrings(got, want) {
		t.Fatalf("expected strict generate-then-speak order %v, got %v", want, got)
	}

	phasesMu.Lock()
	defer phasesMu.Unlock()
	wantPhases := []Phase{PhaseSetup, PhaseReady, PhaseRunning, PhaseComplete}
	seen := phases[:0:0]
	for _, phase := range phases {
		if len(seen) == 0 || seen[len(seen)-1] != phase {
			seen = append(seen, phase)
		}
	}
	if len(seen) != len(wantPhases) {
		t.Fatalf("expected phases %v, got %v", wantPhases, seen)
	}
	for i := range wantPhases {
		if seen[i] != wantPhases[i] {
			t.Fatalf("expected phases %v, got %v", wantPhases, seen)
		}
	}
}

func TestStopMidRunSettlesComplete(t *testing.T) {
	generator := &scriptedGenerator{plan: fourTurnPlan()}
	player := newManualPlayer()

	orchestrator := NewOrchestrator(
		WithTurnGenerator(generator),
		WithSpeechPlayer(player),
	)

	if err := orchestrator.StartDebate(context.Background(), "a topic"); err != nil {
		t.Fatalf("expected plan to succeed, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- orchestrator.Run(context.Background()) }()

	awaitPlay(t, player, "first turn playback")
	player.FinishCurrent()
	awaitPlay(t, player, "second turn playback")
	orchestrator.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected stopped run to settle cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the run to settle")
	}

	session := orchestrator.Snapshot()
	if session.Phase != PhaseComplete {
		t.Fatalf("expected stopped session complete, got %s", session.Phase)
	}
	if session.CurrentTurnIndex != 2 {
		t.Fatalf("expected run interrupted at turn 2, got index %d", session.CurrentTurnIndex)
	}
	if len(session.Turns) != 2 {
		t.Fatalf("expected turns 3 and 4 never to appear, got %d turns", len(session.Turns))
	}
	if requested := generator.requestedTurns(); len(requested) != 2 {
		t.Fatalf("expected no generation after stop, got requests %v", requested)
	}
	if player.stops.Load() == 0 {
		t.Fatalf("expected playback to be torn down on stop")
	}
}

func TestStopDuringGenerationMarksPlaceholderStopped(t *testing.T) {
	generator := &scriptedGenerator{
		plan:       fourTurnPlan(),
		blockTurn:  1,
		generating: make(chan struct{}),
		release:    make(chan struct{}),
	}

	orchestrator := NewOrchestrator(
		WithTurnGenerator(generator),
		WithSpeechPlayer(&autoPlayer{}),
	)

	if err := orchestrator.StartDebate(context.Background(), "a topic"); err != nil {
		t.Fatalf("expected plan to succeed, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- orchestrator.Run(context.Background()) }()

	select {
	case <-generator.generating:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for generation to start")
	}
	orchestrator.Stop()
	close(generator.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the run to settle")
	}

	session := orchestrator.Snapshot()
	if session.Phase != PhaseComplete {
		t.Fatalf("expected stopped session complete, got %s", session.Phase)
	}
	if len(session.Turns) != 1 {
		t.Fatalf("expected only the interrupted placeholder, got %d turns", len(session.Turns))
	}
	placeholder := session.Turns[0]
	if !placeholder.Stopped || placeholder.Thinking {
		t.Fatalf("expected placeholder marked stopped, got %+v", placeholder)
	}
	if session.CurrentTurnIndex != 0 {
		t.Fatalf("expected no turn taken, got index %d", session.CurrentTurnIndex)
	}
}

func TestReplayReusesPlanAndResetsTurns(t *testing.T) {
	generator := &scriptedGenerator{plan: fourTurnPlan()}
	orchestrator := NewOrchestrator(
		WithTurnGenerator(generator),
		WithSpeechPlayer(&autoPlayer{}),
	)

	if err := orchestrator.StartDebate(context.Background(), "a topic"); err != nil {
		t.Fatalf("expected plan to succeed, got %v", err)
	}
	if err := orchestrator.Run(context.Background()); err != nil {
		t.Fatalf("expected run to succeed, got %v", err)
	}
	if err := orchestrator.Replay(context.Background()); err != nil {
		t.Fatalf("expected replay to succeed, got %v", err)
	}

	if plans := generator.planRequests.Load(); plans != 1 {
		t.Fatalf("expected replay to reuse the plan, got %d plan requests", plans)
	}

	requested := generator.requestedTurns()
	if len(requested) != 8 {
		t.Fatalf("expected both passes to generate 4 turns, got %v", requested)
	}
	for i, turn := range requested {
		if turn != i%4+1 {
			t.Fatalf("expected turn order 1-4 twice, got %v", requested)
		}
	}

	session := orchestrator.Snapshot()
	if session.Phase != PhaseComplete || len(session.Turns) != 4 {
		t.Fatalf("expected a fresh completed pass, got phase %s with %d turns",
			session.Phase, len(session.Turns))
	}
	if session.SessionID != "session-1" {
		t.Fatalf("expected replay to keep the session, got %s", session.SessionID)
	}
}

func TestEmptyTurnSkipsAudioButAdvances(t *testing.T) {
	log := &eventLog{}
	generator := &scriptedGenerator{plan: fourTurnPlan(), emptyTurns: map[int]bool{2: true}, log: log}
	player := &autoPlayer{log: log}

	orchestrator := NewOrchestrator(
		WithTurnGenerator(generator),
		WithSpeechPlayer(player),
	)

	if err := orchestrator.StartDebate(context.Background(), "a topic"); err != nil {
		t.Fatalf("expected plan to succeed, got %v", err)
	}
	if err := orchestrator.Run(context.Background()); err != nil {
		t.Fatalf("expected run to succeed, got %v", err)
	}

	session := orchestrator.Snapshot()
	if session.CurrentTurnIndex != 4 || len(session.Turns) != 4 {
		t.Fatalf("expected the empty turn to advance the run, got index %d with %d turns",
			session.CurrentTurnIndex, len(session.Turns))
	}

	for _, entry := range log.entries() {
		if entry == "play 2" {
			t.Fatalf("expected no audio for the empty turn, got %v", log.entries())
		}
	}
}

func TestGenerationFailureFailsSession(t *testing.T) {
	generator := &scriptedGenerator{
		plan:       fourTurnPlan(),
		streamErrs: map[int]error{2: fmt.Errorf("stream cut")},
	}

	var surfaced atomic.Int32
	orchestrator := NewOrchestrator(
		WithTurnGenerator(generator),
		WithSpeechPlayer(&autoPlayer{}),
		WithErrorCallback(func(error) { surfaced.Add(1) }),
	)

	if err := orchestrator.StartDebate(context.Background(), "a topic"); err != nil {
		t.Fatalf("expected plan to succeed, got %v", err)
	}
	if err := orchestrator.Run(context.Background()); err == nil {
		t.Fatalf("expected run to fail")
	}

	session := orchestrator.Snapshot()
	if session.Phase != PhaseError || session.ErrorMessage == "" {
		t.Fatalf("expected error phase with a message, got %s %q", session.Phase, session.ErrorMessage)
	}
	if surfaced.Load() != 1 {
		t.Fatalf("expected error surfaced once, got %d", surfaced.Load())
	}
	if requested := generator.requestedTurns(); len(requested) != 2 {
		t.Fatalf("expected no generation after the failure, got %v", requested)
	}
}

func TestServiceErrorEventFailsSession(t *testing.T) {
	generator := &scriptedGenerator{
		plan:        fourTurnPlan(),
		errorEvents: map[int]string{1: "model quota exceeded"},
	}

	orchestrator := NewOrchestrator(
		WithTurnGenerator(generator),
		WithSpeechPlayer(&autoPlayer{}),
	)

	if err := orchestrator.StartDebate(context.Background(), "a topic"); err != nil {
		t.Fatalf("expected plan to succeed, got %v", err)
	}
	err := orchestrator.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "model quota exceeded") {
		t.Fatalf("expected the service-reported failure, got %v", err)
	}
	if orchestrator.Snapshot().Phase != PhaseError {
		t.Fatalf("expected error phase, got %s", orchestrator.Snapshot().Phase)
	}
}

func TestChatCarriesConversationAcrossMessages(t *testing.T) {
	generator := &scriptedGenerator{chatConversationID: "conv-9"}
	orchestrator := NewOrchestrator(
		WithTurnGenerator(generator),
		WithSpeechPlayer(&autoPlayer{}),
	)

	if err := orchestrator.SendChat(context.Background(), "hello there"); err != nil {
		t.Fatalf("expected first message to succeed, got %v", err)
	}
	if err := orchestrator.SendChat(context.Background(), "tell me more"); err != nil {
		t.Fatalf("expected second message to succeed, got %v", err)
	}

	generator.mu.Lock()
	defer generator.mu.Unlock()
	if len(generator.chatMessages) != 2 || generator.chatMessages[1] != "tell me more" {
		t.Fatalf("unexpected chat messages %v", generator.chatMessages)
	}
	if generator.chatConversationIDs[0] != "" || generator.chatConversationIDs[1] != "conv-9" {
		t.Fatalf("expected the second message to continue the conversation, got %v",
			generator.chatConversationIDs)
	}

	session := orchestrator.Snapshot()
	if session.Mode != ModeChat || session.Phase != PhaseComplete {
		t.Fatalf("unexpected session state %s/%s", session.Mode, session.Phase)
	}
	if len(session.Turns) != 2 {
		t.Fatalf("expected the transcript to accumulate, got %d turns", len(session.Turns))
	}
	if session.Turns[0].Agent != "assistant" {
		t.Fatalf("expected chat turns attributed to the assistant, got %s", session.Turns[0].Agent)
	}
}

func TestThinkingPlaceholderLifecycle(t *testing.T) {
	generator := &scriptedGenerator{plan: fourTurnPlan()}

	var mu sync.Mutex
	var updates []TurnDisplay
	orchestrator := NewOrchestrator(
		WithTurnGenerator(generator),
		WithSpeechPlayer(&autoPlayer{}),
		WithTurnUpdatedCallback(func(turn TurnDisplay) {
			mu.Lock()
			defer mu.Unlock()
			updates = append(updates, turn)
		}),
	)

	if err := orchestrator.StartDebate(context.Background(), "a topic"); err != nil {
		t.Fatalf("expected plan to succeed, got %v", err)
	}
	if err := orchestrator.Run(context.Background()); err != nil {
		t.Fatalf("expected run to succeed, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	var firstTurnUpdates []TurnDisplay
	for _, update := range updates {
		if update.Turn == 1 {
			firstTurnUpdates = append(firstTurnUpdates, update)
		}
	}
	if len(firstTurnUpdates) < 3 {
		t.Fatalf("expected placeholder, text and playback updates, got %d", len(firstTurnUpdates))
	}
	if !firstTurnUpdates[0].Thinking || firstTurnUpdates[0].Text != "" {
		t.Fatalf("expected an empty thinking placeholder first, got %+v", firstTurnUpdates[0])
	}
	sawText := false
	sawPlaying := false
	for _, update := range firstTurnUpdates[1:] {
		if !update.Thinking && update.Text != "" {
			sawText = true
		}
		if update.IsPlaying {
			sawPlaying = true
		}
	}
	if !sawText || !sawPlaying {
		t.Fatalf("expected text arrival and playback updates, got %+v", firstTurnUpdates)
	}
	last := firstTurnUpdates[len(firstTurnUpdates)-1]
	if last.IsPlaying || last.Thinking {
		t.Fatalf("expected the turn to settle, got %+v", last)
	}
}

func TestStartVoiceCaptureStopsPlaybackFirst(t *testing.T) {
	player := newManualPlayer()
	input := &fakeVoiceInput{supported: true}
	orchestrator := NewOrchestrator(
		WithSpeechPlayer(player),
		WithVoiceInput(input),
	)

	if err := orchestrator.StartVoiceCapture(context.Background()); err != nil {
		t.Fatalf("expected capture to start, got %v", err)
	}
	if player.stops.Load() != 1 {
		t.Fatalf("expected playback stopped before capture, got %d stops", player.stops.Load())
	}
	if input.started.Load() != 1 {
		t.Fatalf("expected capture started once, got %d", input.started.Load())
	}

	unsupported := NewOrchestrator(WithVoiceInput(&fakeVoiceInput{}))
	if err := unsupported.StartVoiceCapture(context.Background()); err == nil {
		t.Fatalf("expected unsupported capture to be rejected")
	}
}

func TestRunAndReplayGuardPhases(t *testing.T) {
	orchestrator := NewOrchestrator(
		WithTurnGenerator(&scriptedGenerator{plan: fourTurnPlan()}),
		WithSpeechPlayer(&autoPlayer{}),
	)

	if err := orchestrator.Run(context.Background()); err == nil {
		t.Fatalf("expected run without a plan to be rejected")
	}
	if err := orchestrator.Replay(context.Background()); err == nil {
		t.Fatalf("expected replay without a session to be rejected")
	}

	if err := orchestrator.StartDebate(context.Background(), "a topic"); err != nil {
		t.Fatalf("expected plan to succeed, got %v", err)
	}
	if err := orchestrator.Replay(context.Background()); err == nil {
		t.Fatalf("expected replay before the first run to be rejected")
	}
}

func awaitPlay(t *testing.T, player *manualPlayer, what string) {
	t.Helper()
	select {
	case <-player.played:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

type eventLog struct {
	mu  sync.Mutex
	log []string
}

func (l *eventLog) add(entry string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, entry)
}

func (l *eventLog) entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.log...)
}

// scriptedGenerator emits a fixed thinking+text pair per requested turn and
// records every request it sees.
type scriptedGenerator struct {
	plan    *turnstream.Plan
	planErr error

	emptyTurns  map[int]bool
	streamErrs  map[int]error
	errorEvents map[int]string

	chatConversationID string

	// blockTurn makes that turn's generation wait for release, signalling
	// generating first.
	blockTurn  int
	generating chan struct{}
	release    chan struct{}

	log          *eventLog
	planRequests atomic.Int32

	mu                  sync.Mutex
	turns               []int
	chatMessages        []string
	chatConversationIDs []string
}

func (g *scriptedGenerator) StartDebate(_ context.Context, req turnstream.PlanRequest) (*turnstream.Plan, error) {
	g.planRequests.Add(1)
	if g.planErr != nil {
		return nil, g.planErr
	}
	return g.plan, nil
}

func (g *scriptedGenerator) StreamDebateTurn(_ context.Context, sessionID string, turnNumber int, onEvent func(turnstream.TurnEvent)) error {
	g.mu.Lock()
	g.turns = append(g.turns, turnNumber)
	g.mu.Unlock()
	g.log.add(fmt.Sprintf("gen %d", turnNumber))

	if turnNumber == g.blockTurn {
		close(g.generating)
		<-g.release
		return nil
	}
	if err := g.streamErrs[turnNumber]; err != nil {
		return err
	}

	agent := "a"
	if turnNumber%2 == 0 {
		agent = "b"
	}
	onEvent(turnstream.TurnEvent{Kind: turnstream.EventThinking, Agent: agent, Turn: turnNumber})

	if detail := g.errorEvents[turnNumber]; detail != "" {
		onEvent(turnstream.TurnEvent{Kind: turnstream.EventError, Message: detail})
		return nil
	}

	text := fmt.Sprintf("turn %d statement", turnNumber)
	if g.emptyTurns[turnNumber] {
		text = ""
	}
	onEvent(turnstream.TurnEvent{
		Kind:  turnstream.EventText,
		Agent: agent,
		Turn:  turnNumber,
		Text:  text,
	})
	onEvent(turnstream.TurnEvent{Kind: turnstream.EventDone})
	return nil
}

func (g *scriptedGenerator) StreamChatTurn(_ context.Context, conversationID, message string, onEvent func(turnstream.TurnEvent)) error {
	g.mu.Lock()
	g.chatMessages = append(g.chatMessages, message)
	g.chatConversationIDs = append(g.chatConversationIDs, conversationID)
	turnNumber := len(g.chatMessages)
	g.mu.Unlock()

	onEvent(turnstream.TurnEvent{Kind: turnstream.EventThinking, Agent: "assistant"})
	onEvent(turnstream.TurnEvent{
		Kind:           turnstream.EventText,
		Agent:          "assistant",
		Turn:           turnNumber,
		Text:           "reply to: " + message,
		ConversationID: g.chatConversationID,
	})
	onEvent(turnstream.TurnEvent{Kind: turnstream.EventDone})
	return nil
}

func (g *scriptedGenerator) requestedTurns() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.turns...)
}

// autoPlayer settles every utterance immediately.
type autoPlayer struct {
	log *eventLog

	mu       sync.Mutex
	requests []playback.Request
}

func (p *autoPlayer) Play(_ context.Context, req playback.Request) (*playback.Session, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	turnNumber := len(p.requests)
	p.mu.Unlock()

	if n, ok := parseTurnNumber(req.Text); ok {
		turnNumber = n
	}
	p.log.add(fmt.Sprintf("play %d", turnNumber))

	if req.OnStarted != nil {
		req.OnStarted()
	}
	if req.OnEnded != nil {
		req.OnEnded()
	}
	return nil, nil
}

func (p *autoPlayer) Stop() {}

func parseTurnNumber(text string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(text, "turn %d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// manualPlayer holds utterances open until the test finishes or stops them.
type manualPlayer struct {
	played chan struct{}
	stops  atomic.Int32

	mu    sync.Mutex
	ended []func()
}

func newManualPlayer() *manualPlayer {
	return &manualPlayer{played: make(chan struct{}, 16)}
}

func (p *manualPlayer) Play(_ context.Context, req playback.Request) (*playback.Session, error) {
	p.mu.Lock()
	p.ended = append(p.ended, req.OnEnded)
	p.mu.Unlock()
	p.played <- struct{}{}
	return nil, nil
}

func (p *manualPlayer) FinishCurrent() {
	p.mu.Lock()
	if len(p.ended) == 0 {
		p.mu.Unlock()
		return
	}
	finish := p.ended[0]
	p.ended = p.ended[1:]
	p.mu.Unlock()
	if finish != nil {
		finish()
	}
}

func (p *manualPlayer) Stop() {
	p.stops.Add(1)
	p.mu.Lock()
	pending := p.ended
	p.ended = nil
	p.mu.Unlock()
	for _, finish := range pending {
		if finish != nil {
			finish()
		}
	}
}

type fakeVoiceInput struct {
	supported bool
	started   atomic.Int32
	stopped   atomic.Int32
	closed    atomic.Int32
}

func (v *fakeVoiceInput) Supported() bool { return v.supported }

func (v *fakeVoiceInput) Start(context.Context) error {
	v.started.Add(1)
	return nil
}

func (v *fakeVoiceInput) Stop() error {
	v.stopped.Add(1)
	return nil
}

func (v *fakeVoiceInput) Close() {
	v.closed.Add(1)
}
