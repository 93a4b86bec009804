package voicecapture

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

// Benign recognizer outcomes. Neither reaches the error callback; the session
// simply returns to idle.
var (
	ErrNoSpeech = errors.New("no speech detected")
	ErrAborted  = errors.New("capture aborted")
)

// Session is the observable state of one capture attempt. InterimText holds
// the latest provisional transcript and is overwritten, never appended to.
type Session struct {
	State       State
	InterimText string
	FinalText   string
}

// Callbacks are how a recognizer reports back. All of them are optional from
// the recognizer's point of view; the controller always provides a full set.
type Callbacks struct {
	OnStarted func()
	OnInterim func(transcript string)
	OnFinal   func(transcript string)
	OnError   func(err error)
	OnClosed  func()
}

// Recognizer is the speech recognition boundary. Stop requests a graceful end
// of utterance (the final transcript still arrives through callbacks), Abort
// tears the recognizer down without waiting for one.
type Recognizer interface {
	Start(ctx context.Context, callbacks Callbacks) error
	Stop() error
	Abort() error
}

// Controller drives push-to-talk capture: one session at a time, interim
// transcripts overwritten as they arrive, a single final transcript closing
// the session.
type Controller struct {
	recognizer Recognizer

	onInterim      func(transcript string)
	onFinal        func(transcript string)
	onError        func(err error)
	onStateChanged func(session Session)

	mu      sync.Mutex
	session Session
}

type ControllerOption func(*Controller)

func WithInterimCallback(callback func(transcript string)) ControllerOption {
	return func(c *Controller) {
		c.onInterim = callback
	}
}

func WithFinalCallback(callback func(transcript string)) ControllerOption {
	return func(c *Controller) {
		c.onFinal = callback
	}
}

// WithErrorCallback surfaces recognizer failures that are not benign. No-speech
// and abort outcomes never reach it.
func WithErrorCallback(callback func(err error)) ControllerOption {
	return func(c *Controller) {
		c.onError = callback
	}
}

func WithStateChangedCallback(callback func(session Session)) ControllerOption {
	return func(c *Controller) {
		c.onStateChanged = callback
	}
}

func NewController(recognizer Recognizer, opts ...ControllerOption) *Controller {
	controller := &Controller{
		recognizer: recognizer,
		session:    Session{State: StateIdle},
	}

	for _, opt := range opts {
		opt(controller)
	}

	return controller
}

// Supported reports whether a usable recognizer is configured. Callers should
// hide capture affordances entirely when this is false.
func (c *Controller) Supported() bool {
	if c == nil || c.recognizer == nil {
		return false
	}

	v := reflect.ValueOf(c.recognizer)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return !v.IsNil()
	default:
		return true
	}
}

func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Start begins a capture session. Only one session can be in flight; starting
// while recording is an error rather than an implicit restart.
func (c *Controller) Start(ctx context.Context) error {
	if !c.Supported() {
		return fmt.Errorf("speech recognition is not supported")
	}

	c.mu.Lock()
	if c.session.State == StateRecording {
		c.mu.Unlock()
		return fmt.Errorf("capture already in progress")
	}
	c.session = Session{State: StateRecording}
	c.mu.Unlock()
	c.notifyStateChanged()

	err := c.recognizer.Start(ctx, Callbacks{
		OnInterim: c.handleInterim,
		OnFinal:   c.handleFinal,
		OnError:   c.handleError,
		OnClosed:  c.handleClosed,
	})
	if err != nil {
		c.settle()
		return fmt.Errorf("starting recognizer: %w", err)
	}

	return nil
}

// Stop requests a graceful end of utterance. The final transcript, if any,
// still arrives through the final callback.
func (c *Controller) Stop() error {
	c.mu.Lock()
	recording := c.session.State == StateRecording
	c.mu.Unlock()
	if !recording {
		return nil
	}

	if err := c.recognizer.Stop(); err != nil {
		return fmt.Errorf("stopping recognizer: %w", err)
	}
	return nil
}

// Close aborts any in-flight session without waiting for a final transcript.
func (c *Controller) Close() {
	c.mu.Lock()
	recording := c.session.State == StateRecording
	c.mu.Unlock()
	if !recording {
		return
	}

	if err := c.recognizer.Abort(); err != nil {
		logger.Warn("aborting recognizer failed", "error", err)
	}
	c.settle()
}

func (c *Controller) handleInterim(transcript string) {
	c.mu.Lock()
	if c.session.State != StateRecording {
		c.mu.Unlock()
		return
	}
	c.session.InterimText = transcript
	c.mu.Unlock()
	c.notifyStateChanged()

	if c.onInterim != nil {
		c.onInterim(transcript)
	}
}

func (c *Controller) handleFinal(transcript string) {
	c.mu.Lock()
	if c.session.State != StateRecording {
		c.mu.Unlock()
		return
	}
	c.session.FinalText = transcript
	c.session.State = StateIdle
	c.mu.Unlock()
	c.notifyStateChanged()

	if c.onFinal != nil {
		c.onFinal(transcript)
	}
}

func (c *Controller) handleError(err error) {
	if errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrAborted) {
		logger.Debug("capture ended without a transcript", "reason", err)
		c.settle()
		return
	}

	logger.Error("speech recognition failed", "error", err)
	c.settle()
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Controller) handleClosed() {
	c.settle()
}

// settle returns the session to idle, keeping whatever transcript state it
// accumulated. Safe to call multiple times; only the first transition notifies.
func (c *Controller) settle() {
	c.mu.Lock()
	if c.session.State == StateIdle {
		c.mu.Unlock()
		return
	}
	c.session.State = StateIdle
	c.mu.Unlock()
	c.notifyStateChanged()
}

func (c *Controller) notifyStateChanged() {
	if c.onStateChanged == nil {
		return
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	c.onStateChanged(session)
}
