package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/opsvoice/voice-core/core/synthesis"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SpeechSource fetches synthesized speech as an incrementally readable byte
// stream in the output device's encoding.
type SpeechSource interface {
	OpenSpeechStream(ctx context.Context, req synthesis.Request) (io.ReadCloser, error)
}

// Request describes one utterance to fetch and play. OnStarted fires when
// audio becomes audible, OnEnded exactly once when the session settles.
type Request struct {
	Text    string
	VoiceID string
	Speed   float64
	Pitch   int
	Emotion string

	OnStarted func()
	OnEnded   func()
}

// Player fetches synthesized speech and plays it through a configured output
// device, progressively when the device supports live appends and via a
// collect-then-play fallback otherwise.
//
// At most one session is active at a time. Play tears down whatever was
// playing before starting the new utterance.
type Player struct {
	source SpeechSource
	output *outputFacade

	mu     sync.Mutex
	active *Session
}

type PlayerOption func(*Player)

func NewPlayer(source SpeechSource, output OutputClient, opts ...PlayerOption) *Player {
	player := &Player{
		source: source,
		output: newOutputFacade(output),
	}

	for _, opt := range opts {
		opt(player)
	}

	return player
}

// SetOutput swaps the output device. Sessions already running keep the routing
// they started with only as far as the device allows; callers should stop
// playback first.
func (p *Player) SetOutput(output OutputClient) {
	p.output.Set(output)
}

// Active returns the session currently owned by the player, nil when idle.
func (p *Player) Active() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Play starts fetching and playing one utterance. The previous session, if
// any, is torn down first so only one utterance is ever audible.
func (p *Player) Play(ctx context.Context, req Request) (*Session, error) {
	if p.source == nil {
		return nil, fmt.Errorf("no speech source configured")
	}
	if !p.output.isConfigured() {
		return nil, fmt.Errorf("no playback output configured")
	}

	session := newSession(req)
	runCtx, cancel := context.WithCancel(ctx)
	session.cancel = cancel

	p.mu.Lock()
	previous := p.active
	p.active = session
	p.mu.Unlock()

	if previous != nil {
		previous.teardown(p.output)
	}

	go p.run(runCtx, session, req)

	return session, nil
}

// Stop tears down the active session: the fetch is cancelled, the device
// buffer flushed and the session's ended notification fired.
func (p *Player) Stop() {
	p.mu.Lock()
	active := p.active
	p.active = nil
	p.mu.Unlock()

	if active != nil {
		active.teardown(p.output)
	}
}

func (p *Player) run(ctx context.Context, session *Session, req Request) {
	defer p.settle(ctx, session)

	ctx, span := tracer.Start(ctx, "play utterance")
	defer span.End()
	span.SetAttributes(
		attribute.String("playback.session_id", session.ID),
		attribute.Bool("playback.streaming", p.output.supportsStreaming()),
	)

	stream, err := p.source.OpenSpeechStream(ctx, synthesis.Request{
		Text:    req.Text,
		VoiceID: req.VoiceID,
		Speed:   req.Speed,
		Pitch:   req.Pitch,
		Emotion: req.Emotion,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.fail(session, fmt.Errorf("fetching speech: %w", err))
		return
	}
	defer stream.Close()

	if p.output.supportsStreaming() {
		p.runStreaming(ctx, session, stream)
	} else {
		p.runBuffered(ctx, session, stream)
	}
}

// runStreaming appends chunks to the live device buffer as they arrive. Every
// chunk is also collected so a failed append can fall back to whole-buffer
// playback without refetching.
//
// Appends happen from this single goroutine, so each one settles before the
// next is attempted.
func (p *Player) runStreaming(ctx context.Context, session *Session, stream io.Reader) {
	var collected []byte
	appended := false
	buf := make([]byte, 4096)

	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			collected = append(collected, chunk...)

			if !appended {
				session.setState(StateBuffering)
			}

			if err := p.output.sendAudio(chunk); err != nil {
				logger.Warn("live append failed, falling back to buffered playback",
					"session_id", session.ID, "error", err)
				p.output.clear()

				rest, err := io.ReadAll(stream)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					p.fail(session, fmt.Errorf("collecting speech for fallback: %w", err))
					return
				}
				collected = append(collected, rest...)
				p.playCollected(ctx, session, collected)
				return
			}

			if !appended {
				appended = true
				session.markStarted()
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return
			}
			p.fail(session, fmt.Errorf("reading speech stream: %w", readErr))
			return
		}
	}

	if !appended {
		session.finish(StateEnded)
		return
	}

	played := make(chan struct{})
	if err := p.output.mark(func() { close(played) }); err != nil {
		p.fail(session, fmt.Errorf("marking end of utterance: %w", err))
		return
	}

	select {
	case <-played:
		session.finish(StateEnded)
	case <-ctx.Done():
	}
}

// runBuffered is the degraded path for devices without live appends: the whole
// payload is collected before a single blocking playback call.
func (p *Player) runBuffered(ctx context.Context, session *Session, stream io.Reader) {
	session.setState(StateBuffering)

	payload, err := io.ReadAll(stream)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(session, fmt.Errorf("collecting speech: %w", err))
		return
	}

	p.playCollected(ctx, session, payload)
}

func (p *Player) playCollected(ctx context.Context, session *Session, payload []byte) {
	if len(payload) == 0 {
		session.finish(StateEnded)
		return
	}

	// A JSON body here means the synthesis service reported a failure on a
	// success status. Feeding it to the device would play noise.
	if payloadLooksLikeError(payload) {
		logger.Warn("discarding non-audio synthesis payload", "session_id", session.ID)
		session.finish(StateFailed)
		return
	}

	logger.Debug("playing collected payload", "session_id", session.ID,
		"audio_duration", p.output.encodingInfo().Duration(len(payload)))
	session.markStarted()

	if err := p.output.playBuffer(ctx, payload); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(session, fmt.Errorf("playing buffered speech: %w", err))
		return
	}

	session.finish(StateEnded)
}

// settle runs on every run exit. A run ended by context cancellation rather
// than Stop still owes the session its ended notification and, while the
// session still owns the device, a buffer flush.
func (p *Player) settle(ctx context.Context, session *Session) {
	p.mu.Lock()
	owned := p.active == session
	if owned {
		p.active = nil
	}
	p.mu.Unlock()

	if ctx.Err() == nil {
		return
	}

	if owned {
		p.output.clear()
	}
	session.finish(StateEnded)
}

func (p *Player) fail(session *Session, err error) {
	logger.Error("playback failed", "session_id", session.ID, "error", err)
	p.output.clear()
	session.finish(StateFailed)
}

func payloadLooksLikeError(payload []byte) bool {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
