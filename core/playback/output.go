package playback

import (
	"context"
	"fmt"
	"reflect"

	"github.com/opsvoice/voice-core/core/audio"
)

// OutputClient is the minimal contract any playback device satisfies.
type OutputClient interface {
	EncodingInfo() audio.EncodingInfo
}

// StreamingOutputClient can play audio appended in chunks while earlier chunks
// are still audible. Mark registers a callback invoked once playback reaches
// the current end of the appended audio.
type StreamingOutputClient interface {
	OutputClient
	SendAudio(chunk []byte) error
	Mark(onReached func()) error
	ClearBuffer()
}

// BufferedOutputClient plays one complete payload, blocking until the payload
// has been written out or ctx is cancelled.
type BufferedOutputClient interface {
	OutputClient
	PlayBuffer(ctx context.Context, payload []byte) error
}

// outputFacade normalizes streaming and whole-buffer devices behind one
// surface used by playback sessions.
//
// Capabilities are derived from the configured client once, at Set time, so
// per-session code can route without repeated type assertions.
type outputFacade struct {
	base OutputClient

	// streaming is set when the client supports live chunk appends.
	streaming StreamingOutputClient
	// buffered is set when the client supports blocking whole-payload playback.
	buffered BufferedOutputClient
}

func newOutputFacade(client OutputClient) *outputFacade {
	facade := outputFacade{}
	facade.Set(client)
	return &facade
}

// Set replaces the configured output client and recomputes capabilities. Nil
// and typed-nil clients are treated as unconfigured.
func (f *outputFacade) Set(client OutputClient) {
	if f == nil {
		return
	}

	f.base = nil
	f.streaming = nil
	f.buffered = nil

	if isNilOutputClient(client) {
		return
	}
	f.base = client

	if streaming, ok := client.(StreamingOutputClient); ok {
		f.streaming = streaming
	}
	if buffered, ok := client.(BufferedOutputClient); ok {
		f.buffered = buffered
	}
}

// isConfigured reports whether the facade has a playable client. A client
// satisfying only OutputClient has no way to receive audio and is not
// considered configured.
func (f *outputFacade) isConfigured() bool {
	if f == nil {
		return false
	}

	return f.streaming != nil || f.buffered != nil
}

func (f *outputFacade) supportsStreaming() bool {
	return f != nil && f.streaming != nil
}

func (f *outputFacade) sendAudio(chunk []byte) error {
	if f.streaming == nil {
		return fmt.Errorf("output does not support live appends")
	}
	return f.streaming.SendAudio(chunk)
}

func (f *outputFacade) mark(onReached func()) error {
	if f.streaming == nil {
		return fmt.Errorf("output does not support live appends")
	}
	return f.streaming.Mark(onReached)
}

func (f *outputFacade) clear() {
	if f != nil && f.streaming != nil {
		f.streaming.ClearBuffer()
	}
}

// playBuffer plays one complete payload, blocking until playback finishes.
// Buffered clients are preferred; streaming clients are bridged with a single
// append followed by an end-of-buffer mark.
func (f *outputFacade) playBuffer(ctx context.Context, payload []byte) error {
	if f.buffered != nil {
		return f.buffered.PlayBuffer(ctx, payload)
	}

	if f.streaming != nil {
		if err := f.streaming.SendAudio(payload); err != nil {
			return err
		}

		played := make(chan struct{})
		if err := f.streaming.Mark(func() { close(played) }); err != nil {
			return err
		}

		select {
		case <-played:
			return nil
		case <-ctx.Done():
			f.streaming.ClearBuffer()
			return ctx.Err()
		}
	}

	return fmt.Errorf("no playback output configured")
}

func (f *outputFacade) encodingInfo() audio.EncodingInfo {
	if f != nil && f.base != nil {
		return f.base.EncodingInfo()
	}

	return audio.GetDefaultEncodingInfo()
}

// isNilOutputClient detects nil and typed-nil interface values so Set can
// avoid storing unusable interface wrappers as configured clients.
func isNilOutputClient(client OutputClient) bool {
	if client == nil {
		return true
	}

	v := reflect.ValueOf(client)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
